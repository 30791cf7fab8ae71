package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BlueBrain/vsm/internal/allocator"
	"github.com/BlueBrain/vsm/internal/auth"
	"github.com/BlueBrain/vsm/internal/metrics"
	"github.com/BlueBrain/vsm/internal/registry"
)

// MasterConfig holds the dependencies of the scheduler router. It is
// populated in cmd/master after all components are initialized.
type MasterConfig struct {
	Auth        *auth.Authenticator
	Store       registry.Store
	Allocator   allocator.Allocator
	Metrics     *metrics.Scheduler
	JobDuration time.Duration
	ProxyURL    string
	Logger      *zap.Logger
}

// NewMasterRouter builds the scheduler's Chi router.
func NewMasterRouter(cfg MasterConfig) http.Handler {
	r := newRouter(cfg.Logger)

	h := NewSchedulerHandler(
		cfg.Auth, cfg.Store, cfg.Allocator, cfg.Metrics,
		cfg.JobDuration, cfg.ProxyURL, cfg.Logger,
	)

	r.Post("/start", h.Start)
	r.Post("/stop/{jobID}", h.Stop)
	r.Get("/status/{jobID}", h.Status)

	return r
}

// SlaveConfig holds the dependencies of the proxy router.
type SlaveConfig struct {
	Store        registry.Store
	RendererPort int
	BackendPort  int
	Metrics      *metrics.Proxy
	Logger       *zap.Logger
}

// NewSlaveRouter builds the proxy's Chi router. The service segment is
// constrained at the route level, so unknown services 404 without touching
// the registry.
func NewSlaveRouter(cfg SlaveConfig) http.Handler {
	r := newRouter(cfg.Logger)

	h := NewProxyHandler(cfg.Store, cfg.RendererPort, cfg.BackendPort, cfg.Metrics, cfg.Logger)
	r.Get("/{jobID}/{service:renderer|backend}", h.Serve)

	return r
}

// newRouter builds the shared middleware chain and operational endpoints.
func newRouter(logger *zap.Logger) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", Healthz)
	r.Handle("/metrics", promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{}))

	return r
}
