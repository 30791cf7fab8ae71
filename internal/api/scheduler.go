package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/BlueBrain/vsm/internal/allocator"
	"github.com/BlueBrain/vsm/internal/auth"
	"github.com/BlueBrain/vsm/internal/metrics"
	"github.com/BlueBrain/vsm/internal/registry"
)

// SchedulerHandler serves the master control endpoints. Every request is
// authenticated first; the resolved user gates stop and status on ownership.
type SchedulerHandler struct {
	auth        *auth.Authenticator
	store       registry.Store
	allocator   allocator.Allocator
	metrics     *metrics.Scheduler
	jobDuration time.Duration
	proxyURL    string
	logger      *zap.Logger
}

// NewSchedulerHandler creates the handler. proxyURL is the slave's base URL,
// used to build the job_url returned by status once a job is ready.
func NewSchedulerHandler(
	authn *auth.Authenticator,
	store registry.Store,
	alloc allocator.Allocator,
	m *metrics.Scheduler,
	jobDuration time.Duration,
	proxyURL string,
	logger *zap.Logger,
) *SchedulerHandler {
	return &SchedulerHandler{
		auth:        authn,
		store:       store,
		allocator:   alloc,
		metrics:     m,
		jobDuration: jobDuration,
		proxyURL:    strings.TrimRight(proxyURL, "/"),
		logger:      logger.Named("scheduler"),
	}
}

// authenticate resolves the caller. An empty user ID means the identity
// provider is disabled; inserts then run under the sandbox user while
// ownership checks are skipped.
func (h *SchedulerHandler) authenticate(r *http.Request) (token, user string, err error) {
	token, err = h.auth.ExtractToken(r)
	if err != nil {
		return "", "", err
	}
	user, err = h.auth.Resolve(r.Context(), token)
	if err != nil {
		return "", "", err
	}
	return token, user, nil
}

// Start handles POST /start. The JSON body is opaque to the scheduler and
// interpreted by the configured allocator.
func (h *SchedulerHandler) Start(w http.ResponseWriter, r *http.Request) {
	token, user, err := h.authenticate(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if user == "" {
		user = registry.SandboxUser
	}

	var payload map[string]any
	if !decodeJSON(w, r, &payload) {
		return
	}

	jobID, err := h.allocator.CreateJob(r.Context(), token, payload)
	if err != nil {
		h.metrics.StartFailed.Inc()
		writeError(w, h.logger, err)
		return
	}

	now := time.Now().UTC()
	job := registry.Job{
		ID:        jobID,
		User:      user,
		StartTime: now,
		EndTime:   now.Add(h.jobDuration),
	}
	if err := h.store.Insert(r.Context(), job); err != nil {
		// The job runs but has no row, so nothing would ever reap it.
		// Tear it down before reporting the failure.
		if derr := h.allocator.DestroyJob(r.Context(), jobID); derr != nil {
			h.logger.Error("failed to destroy unregistered job",
				zap.String("job_id", jobID),
				zap.Error(derr),
			)
		}
		writeError(w, h.logger, err)
		return
	}

	h.metrics.JobsStarted.Inc()
	h.logger.Info("job started",
		zap.String("job_id", jobID),
		zap.String("user", user),
		zap.Time("end_time", job.EndTime),
	)
	JSON(w, http.StatusCreated, map[string]string{"job_id": jobID})
}

// Stop handles POST /stop/{jobID}. Destroys the cluster job and removes the
// registry row.
func (h *SchedulerHandler) Stop(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	_, user, err := h.authenticate(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	job, err := h.store.Get(r.Context(), jobID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if user != "" && job.User != user {
		h.logger.Warn("stop denied, owner mismatch",
			zap.String("job_id", jobID),
			zap.String("user", user),
		)
		errJSON(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if err := h.allocator.DestroyJob(r.Context(), jobID); err != nil {
		writeError(w, h.logger, err)
		return
	}
	if err := h.store.Delete(r.Context(), jobID); err != nil {
		writeError(w, h.logger, err)
		return
	}

	h.metrics.JobsStopped.Inc()
	h.logger.Info("job stopped", zap.String("job_id", jobID), zap.String("user", user))
	w.WriteHeader(http.StatusOK)
}

// statusResponse is the body returned by Status. JobURL is set only once the
// backend is reachable.
type statusResponse struct {
	Ready   bool   `json:"ready"`
	EndTime string `json:"end_time"`
	JobURL  string `json:"job_url,omitempty"`
}

// Status handles GET /status/{jobID}. The first call that observes a host
// persists it to the registry so the proxy can resolve the job.
func (h *SchedulerHandler) Status(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	token, user, err := h.authenticate(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	job, err := h.store.Get(r.Context(), jobID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if user != "" && job.User != user {
		h.logger.Warn("status denied, owner mismatch",
			zap.String("job_id", jobID),
			zap.String("user", user),
		)
		errJSON(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	h.metrics.StatusChecks.Inc()
	details, err := h.allocator.JobDetails(r.Context(), token, jobID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	if details.Host != "" && details.Host != job.Host {
		// Concurrent status calls may both write the same host; the update is
		// idempotent. A row deleted by the reaper in between is the only
		// tolerated failure: the proxy resolves jobs through this row, so a
		// host that did not persist must not be reported as ready.
		err := h.store.UpdateHost(r.Context(), jobID, details.Host)
		switch {
		case err == nil:
		case errors.Is(err, registry.ErrNotFound):
			h.logger.Warn("job vanished while persisting host",
				zap.String("job_id", jobID),
				zap.String("host", details.Host),
			)
		default:
			writeError(w, h.logger, err)
			return
		}
	}

	endTime := job.EndTime
	if details.EndTime != nil {
		endTime = *details.EndTime
	}

	resp := statusResponse{
		Ready:   details.Ready(),
		EndTime: endTime.UTC().Format(time.RFC3339Nano),
	}
	if resp.Ready {
		resp.JobURL = h.proxyURL + "/" + jobID + "/renderer"
	}
	JSON(w, http.StatusOK, resp)
}
