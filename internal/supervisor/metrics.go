package supervisor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "runlevel"

// Exit outcomes recorded by the worker_exits_total counter.
const (
	OutcomeExited       = "exited"
	OutcomeCrashed      = "crashed"
	OutcomeStopped      = "stopped"
	OutcomeLaunchFailed = "launch_failed"
)

// Metrics holds the supervisor's Prometheus collectors on a private registry
// so several supervisors (and tests) can coexist in one process.
type Metrics struct {
	registry          *prometheus.Registry
	launches          *prometheus.CounterVec
	exits             *prometheus.CounterVec
	live              *prometheus.GaugeVec
	targetMissing     *prometheus.CounterVec
	readinessAttempts prometheus.Counter
	readinessForced   prometheus.Gauge
}

// NewMetrics registers the supervisor collectors plus Go runtime and process
// collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		launches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "worker_launches_total",
			Help:      "Worker processes spawned.",
		}, []string{"worker"}),
		exits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "worker_exits_total",
			Help:      "Worker process terminations by outcome.",
		}, []string{"worker", "outcome"}),
		live: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "worker_live",
			Help:      "1 while the worker is in the live registry.",
		}, []string{"worker"}),
		targetMissing: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "worker_target_missing_total",
			Help:      "Launch attempts skipped because the launch target did not exist.",
		}, []string{"worker"}),
		readinessAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "readiness_attempts_total",
			Help:      "Readiness checks performed by the startup gate.",
		}),
		readinessForced: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "readiness_forced",
			Help:      "1 when the startup gate opened without a successful check.",
		}),
	}
	m.registry.MustRegister(
		m.launches,
		m.exits,
		m.live,
		m.targetMissing,
		m.readinessAttempts,
		m.readinessForced,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Gatherer exposes the private registry.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) workerStarted(worker string) {
	if m == nil {
		return
	}
	m.launches.WithLabelValues(worker).Inc()
	m.live.WithLabelValues(worker).Set(1)
}

func (m *Metrics) workerExited(worker, outcome string) {
	if m == nil {
		return
	}
	m.live.WithLabelValues(worker).Set(0)
	m.exits.WithLabelValues(worker, outcome).Inc()
}

func (m *Metrics) launchFailed(worker string) {
	if m == nil {
		return
	}
	m.exits.WithLabelValues(worker, OutcomeLaunchFailed).Inc()
}

func (m *Metrics) targetMissingFor(worker string) {
	if m == nil {
		return
	}
	m.targetMissing.WithLabelValues(worker).Inc()
}

func (m *Metrics) readinessAttempt() {
	if m == nil {
		return
	}
	m.readinessAttempts.Inc()
}

func (m *Metrics) readinessOpened(forced bool) {
	if m == nil {
		return
	}
	if forced {
		m.readinessForced.Set(1)
	} else {
		m.readinessForced.Set(0)
	}
}
