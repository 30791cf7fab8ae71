// Package metrics exposes Prometheus counters for the job lifecycle and a
// gauge for live proxy sessions. Both binaries register their collectors on
// the default registry and serve them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Scheduler instruments the master's job lifecycle.
type Scheduler struct {
	JobsStarted  prometheus.Counter
	JobsStopped  prometheus.Counter
	JobsReaped   prometheus.Counter
	StartFailed  prometheus.Counter
	StatusChecks prometheus.Counter
}

// NewScheduler registers the scheduler collectors.
func NewScheduler(reg prometheus.Registerer) *Scheduler {
	factory := promauto.With(reg)
	return &Scheduler{
		JobsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "vsm_jobs_started_total",
			Help: "Jobs successfully allocated and inserted into the registry.",
		}),
		JobsStopped: factory.NewCounter(prometheus.CounterOpts{
			Name: "vsm_jobs_stopped_total",
			Help: "Jobs removed through an explicit stop request.",
		}),
		JobsReaped: factory.NewCounter(prometheus.CounterOpts{
			Name: "vsm_jobs_reaped_total",
			Help: "Expired jobs removed by the reaper.",
		}),
		StartFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "vsm_job_start_failures_total",
			Help: "Start requests rejected by the allocator.",
		}),
		StatusChecks: factory.NewCounter(prometheus.CounterOpts{
			Name: "vsm_status_checks_total",
			Help: "Status requests that reached the allocator.",
		}),
	}
}

// Proxy instruments the slave's websocket relay.
type Proxy struct {
	SessionsOpen    prometheus.Gauge
	SessionsTotal   prometheus.Counter
	UpgradeFailures prometheus.Counter
}

// NewProxy registers the proxy collectors.
func NewProxy(reg prometheus.Registerer) *Proxy {
	factory := promauto.With(reg)
	return &Proxy{
		SessionsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "vsm_proxy_sessions_open",
			Help: "Websocket sessions currently being relayed.",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "vsm_proxy_sessions_total",
			Help: "Websocket sessions accepted since start.",
		}),
		UpgradeFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "vsm_proxy_upgrade_failures_total",
			Help: "Requests that failed validation or the websocket upgrade.",
		}),
	}
}
