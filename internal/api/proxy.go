package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/BlueBrain/vsm/internal/metrics"
	"github.com/BlueBrain/vsm/internal/registry"
)

const (
	// maxMessageSize is applied to both sides of the relay. Scene dumps from
	// the renderer can be enormous, so the limit is effectively "anything
	// that fits in memory".
	maxMessageSize = 2 << 30

	// controlWait bounds writes of control frames to the far side.
	controlWait = 10 * time.Second

	// ServiceRenderer and ServiceBackend are the two relay targets reachable
	// through the proxy path.
	ServiceRenderer = "renderer"
	ServiceBackend  = "backend"
)

// ProxyHandler relays websocket traffic between a client and the backend
// host recorded in the registry. It validates the job before upgrading and
// never inspects the frames it forwards.
type ProxyHandler struct {
	store        registry.Store
	rendererPort int
	backendPort  int
	metrics      *metrics.Proxy
	upgrader     websocket.Upgrader
	dialer       *websocket.Dialer
	logger       *zap.Logger
}

// NewProxyHandler creates the handler. rendererPort and backendPort select
// the target port from the {service} path segment.
func NewProxyHandler(store registry.Store, rendererPort, backendPort int, m *metrics.Proxy, logger *zap.Logger) *ProxyHandler {
	return &ProxyHandler{
		store:        store,
		rendererPort: rendererPort,
		backendPort:  backendPort,
		metrics:      m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The proxy is the trust boundary; job validation happens against
			// the registry, not the Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 45 * time.Second,
		},
		logger: logger.Named("proxy"),
	}
}

// Serve handles GET /{jobID}/{service}. It resolves the job to a backend
// host, upgrades the inbound connection, dials the backend, and relays
// frames in both directions until either side closes.
func (h *ProxyHandler) Serve(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	service := chi.URLParam(r, "service")

	job, err := h.store.Get(r.Context(), jobID)
	if err != nil {
		h.metrics.UpgradeFailures.Inc()
		writeError(w, h.logger, err)
		return
	}
	if job.Host == "" {
		h.metrics.UpgradeFailures.Inc()
		h.logger.Warn("proxy request for job without host", zap.String("job_id", jobID))
		errJSON(w, http.StatusNotFound, "job not ready")
		return
	}

	port := h.backendPort
	if service == ServiceRenderer {
		port = h.rendererPort
	}
	backendURL := fmt.Sprintf("ws://%s:%d", job.Host, port)

	client, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the error response.
		h.metrics.UpgradeFailures.Inc()
		h.logger.Warn("upgrade failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	defer client.Close()

	backend, _, err := h.dialer.DialContext(r.Context(), backendURL, nil)
	if err != nil {
		h.metrics.UpgradeFailures.Inc()
		h.logger.Error("backend dial failed",
			zap.String("job_id", jobID),
			zap.String("backend_url", backendURL),
			zap.Error(err),
		)
		_ = client.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "backend unreachable"),
			time.Now().Add(controlWait))
		return
	}
	defer backend.Close()

	h.metrics.SessionsTotal.Inc()
	h.metrics.SessionsOpen.Inc()
	defer h.metrics.SessionsOpen.Dec()

	h.logger.Info("session open",
		zap.String("job_id", jobID),
		zap.String("service", service),
		zap.String("backend_url", backendURL),
		zap.String("remote_addr", r.RemoteAddr),
	)

	h.relay(client, backend)

	h.logger.Info("session closed", zap.String("job_id", jobID), zap.String("service", service))
}

// relay runs the two forwarding loops and returns once either direction
// terminates. Both connections are closed by the caller's deferred Close,
// which also unblocks the surviving forwarder.
func (h *ProxyHandler) relay(client, backend *websocket.Conn) {
	client.SetReadLimit(maxMessageSize)
	backend.SetReadLimit(maxMessageSize)

	// Gorilla answers pings locally by default. The relay forwards them to
	// the far side instead, so keepalive traffic reaches the real peer.
	forwardControl(client, backend)
	forwardControl(backend, client)

	errc := make(chan error, 2)
	go func() { errc <- forward(client, backend) }()
	go func() { errc <- forward(backend, client) }()

	err := <-errc
	if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		h.logger.Debug("relay terminated", zap.Error(err))
	}
}

// forward copies data frames from src to dst until src fails or closes.
// A close frame received from src is replayed to dst so the peer sees the
// original close code.
func forward(src, dst *websocket.Conn) error {
	for {
		messageType, payload, err := src.ReadMessage()
		if err != nil {
			message := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
			if closeErr, ok := err.(*websocket.CloseError); ok && closeErr.Code != websocket.CloseAbnormalClosure {
				message = websocket.FormatCloseMessage(closeErr.Code, closeErr.Text)
			}
			_ = dst.WriteControl(websocket.CloseMessage, message, time.Now().Add(controlWait))
			return err
		}
		if err := dst.WriteMessage(messageType, payload); err != nil {
			return err
		}
	}
}

// forwardControl rewires src's ping and pong handlers to relay the frames
// to dst instead of answering them locally.
func forwardControl(src, dst *websocket.Conn) {
	src.SetPingHandler(func(data string) error {
		return dst.WriteControl(websocket.PingMessage, []byte(data), time.Now().Add(controlWait))
	})
	src.SetPongHandler(func(data string) error {
		return dst.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(controlWait))
	})
}
