// Package api implements the HTTP surface of both services. The master
// router exposes the scheduler control endpoints (start, stop, status) and
// the slave router exposes the websocket proxy. Both use Chi with the same
// middleware chain and serve /healthz and /metrics.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/BlueBrain/vsm/internal/allocator"
	"github.com/BlueBrain/vsm/internal/auth"
	"github.com/BlueBrain/vsm/internal/registry"
)

// JSON writes a JSON-encoded response with the given status code.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// errJSON writes a JSON error response. Remote error bodies never reach the
// client; the message is a short user-facing summary and full detail goes to
// the logs only.
func errJSON(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// writeError maps a component error to its HTTP status. The mapping follows
// the sentinel errors declared by auth, registry and allocator.
func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		logger.Warn("request unauthorized", zap.Error(err))
		errJSON(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, allocator.ErrJobNotFound):
		logger.Warn("job not found", zap.Error(err))
		errJSON(w, http.StatusNotFound, "job not found")
	case errors.Is(err, allocator.ErrBadPayload), errors.Is(err, allocator.ErrInvalidJob):
		logger.Warn("bad request", zap.Error(err))
		errJSON(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, allocator.ErrUnsupported):
		logger.Warn("operation not supported by allocator", zap.Error(err))
		errJSON(w, http.StatusNotImplemented, "operation not supported")
	default:
		logger.Error("internal error", zap.Error(err))
		errJSON(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeJSON decodes the request body into dst. Returns false and writes a
// 400 if decoding fails, so callers can early-return.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		errJSON(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// Healthz answers liveness probes. Both services mount it unauthenticated.
func Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}
