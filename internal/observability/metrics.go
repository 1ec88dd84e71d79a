// Package observability provides Prometheus metrics, health/readiness
// endpoints, structured logging, OpenTelemetry tracing, and the rolling
// usage summary for Keyfront.
package observability

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Request outcomes recorded on metrics and usage events. Requests that fail
// in the gateway carry the error code of the response as their outcome.
const (
	OutcomeForwarded     = "forwarded"
	OutcomeCORSPreflight = "cors_preflight"
)

// Metrics holds both Prometheus collectors and atomic counters for
// fast-path access in the request hot path.
type Metrics struct {
	// Atomic counters for hot-path (no mutex, no allocation).
	forwarded      int64
	rejected       int64
	upstreamErrors int64
	eventsDropped  int64

	promRequests         *prometheus.CounterVec
	promRequestDuration  *prometheus.HistogramVec
	promUpstreamDuration *prometheus.HistogramVec
	promInflight         *prometheus.GaugeVec
	promSSEInflight      *prometheus.GaugeVec
	promEventsDropped    prometheus.Counter
}

// NewMetrics creates and registers Prometheus metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	// 1ms .. ~32s. Streaming responses routinely run for tens of seconds,
	// so the default buckets would lump everything past 10s together.
	durationBuckets := prometheus.ExponentialBuckets(0.001, 2, 16)

	m := &Metrics{
		promRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keyfront",
			Name:      "requests_total",
			Help:      "Total number of requests handled, by route, method, outcome, and status class.",
		}, []string{"route_id", "method", "outcome", "status_class"}),
		promRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "keyfront",
			Name:      "request_duration_seconds",
			Help:      "End-to-end request duration in seconds, including response streaming.",
			Buckets:   durationBuckets,
		}, []string{"route_id", "method", "outcome"}),
		promUpstreamDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "keyfront",
			Name:      "upstream_duration_seconds",
			Help:      "Upstream exchange duration in seconds, from send to response headers or failure.",
			Buckets:   durationBuckets,
		}, []string{"route_id", "upstream_host", "result"}),
		promInflight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "keyfront",
			Name:      "inflight_requests",
			Help:      "Requests currently being forwarded, per route.",
		}, []string{"route_id"}),
		promSSEInflight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "keyfront",
			Name:      "sse_streams_inflight",
			Help:      "Server-sent event streams currently open, per route.",
		}, []string{"route_id"}),
		promEventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "keyfront",
			Name:      "events_dropped_total",
			Help:      "Total number of usage events dropped due to a full buffer.",
		}),
	}

	return m
}

// ObserveRequest records a finished request on the counter and duration
// histogram. The outcome is "forwarded", "cors_preflight", or the error
// code of the gateway response.
func (m *Metrics) ObserveRequest(routeID, method, outcome string, status int, duration time.Duration) {
	m.promRequests.WithLabelValues(routeID, method, outcome, StatusClass(status)).Inc()
	m.promRequestDuration.WithLabelValues(routeID, method, outcome).Observe(duration.Seconds())
}

// ObserveUpstream records the duration of one upstream exchange.
func (m *Metrics) ObserveUpstream(routeID, upstreamHost, result string, duration time.Duration) {
	m.promUpstreamDuration.WithLabelValues(routeID, upstreamHost, result).Observe(duration.Seconds())
}

// IncForwarded increments the forwarded requests counter.
func (m *Metrics) IncForwarded() {
	atomic.AddInt64(&m.forwarded, 1)
}

// IncRejected increments the counter of requests rejected by the gateway
// (auth, rate limit, concurrency, unknown route).
func (m *Metrics) IncRejected() {
	atomic.AddInt64(&m.rejected, 1)
}

// IncUpstreamErrors increments the upstream failure counter.
func (m *Metrics) IncUpstreamErrors() {
	atomic.AddInt64(&m.upstreamErrors, 1)
}

// IncEventsDropped increments the dropped usage event counter.
func (m *Metrics) IncEventsDropped() {
	atomic.AddInt64(&m.eventsDropped, 1)
	m.promEventsDropped.Inc()
}

// IncInflight increments the in-flight gauge for a route.
func (m *Metrics) IncInflight(routeID string) {
	m.promInflight.WithLabelValues(routeID).Inc()
}

// DecInflight decrements the in-flight gauge for a route.
func (m *Metrics) DecInflight(routeID string) {
	m.promInflight.WithLabelValues(routeID).Dec()
}

// IncSSEInflight increments the open SSE stream gauge for a route.
func (m *Metrics) IncSSEInflight(routeID string) {
	m.promSSEInflight.WithLabelValues(routeID).Inc()
}

// DecSSEInflight decrements the open SSE stream gauge for a route.
func (m *Metrics) DecSSEInflight(routeID string) {
	m.promSSEInflight.WithLabelValues(routeID).Dec()
}

// StatusClass maps an HTTP status code to its class label ("2xx", "4xx", ...).
func StatusClass(status int) string {
	if status < 100 || status > 599 {
		return "unknown"
	}
	return fmt.Sprintf("%dxx", status/100)
}

// MetricsSnapshot holds a point-in-time copy of all atomic counters.
type MetricsSnapshot struct {
	Forwarded      int64
	Rejected       int64
	UpstreamErrors int64
	EventsDropped  int64
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Forwarded:      atomic.LoadInt64(&m.forwarded),
		Rejected:       atomic.LoadInt64(&m.rejected),
		UpstreamErrors: atomic.LoadInt64(&m.upstreamErrors),
		EventsDropped:  atomic.LoadInt64(&m.eventsDropped),
	}
}
