// Package metrics exposes Prometheus instrumentation for the sync server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the sync server's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	PushBatches     prometheus.Counter
	ChangesApplied  *prometheus.CounterVec
	ChangesRejected *prometheus.CounterVec
	Conflicts       prometheus.Counter
	PullRequests    prometheus.Counter
	PullChanges     prometheus.Counter
	RetryDepth      prometheus.Gauge
	RetryFailed     prometheus.Counter
}

// New creates and registers the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.PushBatches = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "upkeep_push_batches_total",
		Help: "Push batches processed.",
	})
	m.ChangesApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "upkeep_changes_applied_total",
		Help: "Changes applied, by entity type and operation.",
	}, []string{"entity_type", "operation"})
	m.ChangesRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "upkeep_changes_rejected_total",
		Help: "Changes rejected, by reason.",
	}, []string{"reason"})
	m.Conflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "upkeep_conflicts_total",
		Help: "Stale optimistic writes reported to clients.",
	})
	m.PullRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "upkeep_pull_requests_total",
		Help: "Pull requests served.",
	})
	m.PullChanges = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "upkeep_pull_changes_total",
		Help: "Changes delivered through pulls.",
	})
	m.RetryDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "upkeep_retry_queue_depth",
		Help: "Pending entries in the retry queue.",
	})
	m.RetryFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "upkeep_retry_failed_total",
		Help: "Retry entries that exhausted their attempts.",
	})

	m.registry.MustRegister(
		m.PushBatches, m.ChangesApplied, m.ChangesRejected, m.Conflicts,
		m.PullRequests, m.PullChanges, m.RetryDepth, m.RetryFailed,
	)
	return m
}

// Handler serves the /metrics endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
