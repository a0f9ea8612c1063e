// Package observability provides the fleet's Prometheus metrics and a
// pluggable telemetry event sink, adapted from the teacher's
// pkg/observability/metrics.go: the same prometheus.Registry-owning
// Metrics struct shape, trimmed from Hector's agent/LLM/session/RAG metric
// families down to this runtime's own (catalog, invocation, supervisor,
// resource-tracker, HTTP) families.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voicefleet/mcpfleet/internal/fleet/invocation"
)

// Metrics owns every Prometheus collector the fleet exposes, all under one
// private registry so /metrics never leaks Go-runtime defaults the teacher
// doesn't also register.
type Metrics struct {
	registry *prometheus.Registry

	catalogCacheHits   prometheus.Counter
	catalogCacheMisses prometheus.Counter
	catalogToolCount   prometheus.Gauge
	catalogFailures    prometheus.Counter

	invocationTotal    *prometheus.CounterVec
	invocationDuration *prometheus.HistogramVec

	supervisorRestarts *prometheus.CounterVec
	supervisorRunning  *prometheus.GaugeVec

	resourceEvents *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// NewMetrics builds and registers every collector.
func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	const ns = "mcpfleet"

	m.catalogCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "catalog", Name: "cache_hits_total",
		Help: "Catalog GetCatalog calls served from the TTL cache.",
	})
	m.catalogCacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "catalog", Name: "cache_misses_total",
		Help: "Catalog GetCatalog calls that triggered a fresh aggregation.",
	})
	m.catalogToolCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "catalog", Name: "tool_count",
		Help: "Number of tools in the most recently published catalog payload.",
	})
	m.catalogFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "catalog", Name: "collect_failures_total",
		Help: "Catalog aggregation attempts that failed outright.",
	})

	m.invocationTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "invocation", Name: "outcomes_total",
		Help: "Tool invocations by terminal status.",
	}, []string{"status"})
	m.invocationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: "invocation", Name: "duration_seconds",
		Help:    "Invocation duration from dispatch to terminal event.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms .. ~82s
	}, []string{"status"})

	m.supervisorRestarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "supervisor", Name: "restarts_total",
		Help: "Child process restarts scheduled by the supervisor.",
	}, []string{"server"})
	m.supervisorRunning = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "supervisor", Name: "server_running",
		Help: "1 if the server is currently running, 0 otherwise.",
	}, []string{"server"})

	m.resourceEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "resources", Name: "events_total",
		Help: "Resource tracker events published, by type.",
	}, []string{"type"})

	m.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "http", Name: "requests_total",
		Help: "HTTP requests by route, method, and response status text.",
	}, []string{"route", "method", "status"})
	m.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: "http", Name: "request_duration_seconds",
		Help:    "HTTP handler duration.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "method"})

	m.registry.MustRegister(
		m.catalogCacheHits, m.catalogCacheMisses, m.catalogToolCount, m.catalogFailures,
		m.invocationTotal, m.invocationDuration,
		m.supervisorRestarts, m.supervisorRunning,
		m.resourceEvents,
		m.httpRequests, m.httpDuration,
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// CatalogHandshake implements catalog.Telemetry (spec.md §4.7 steps 2, 7).
func (m *Metrics) CatalogHandshake(cacheHit bool, toolCount int, success bool) {
	if cacheHit {
		m.catalogCacheHits.Inc()
	} else {
		m.catalogCacheMisses.Inc()
	}
	if !success {
		m.catalogFailures.Inc()
		return
	}
	m.catalogToolCount.Set(float64(toolCount))
}

// InvocationOutcome implements invocation.Telemetry (spec.md §4.8 step 12).
func (m *Metrics) InvocationOutcome(toolID string, status invocation.Status, durationMs int64) {
	m.invocationTotal.WithLabelValues(string(status)).Inc()
	m.invocationDuration.WithLabelValues(string(status)).Observe(float64(durationMs) / 1000)
}

// RestartScheduled records one supervisor restart for server id.
func (m *Metrics) RestartScheduled(serverID string) {
	m.supervisorRestarts.WithLabelValues(serverID).Inc()
}

// ServerRunning records a server's current running/not-running state.
func (m *Metrics) ServerRunning(serverID string, running bool) {
	v := 0.0
	if running {
		v = 1
	}
	m.supervisorRunning.WithLabelValues(serverID).Set(v)
}

// ResourceEvent records one resource tracker event by type
// ("resource_update", "resource_error", "tracker_stopped").
func (m *Metrics) ResourceEvent(eventType string) {
	m.resourceEvents.WithLabelValues(eventType).Inc()
}

// HTTPRequest records one completed HTTP request.
func (m *Metrics) HTTPRequest(route, method, status string, d time.Duration) {
	m.httpRequests.WithLabelValues(route, method, status).Inc()
	m.httpDuration.WithLabelValues(route, method).Observe(d.Seconds())
}
