// Package metrics exposes gateway counters and histograms in the
// Prometheus format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "examgate"

// Inference outcomes for ObserveInfer.
const (
	InferSuccess = "success"
	InferFailed  = "failed"
)

// Metrics holds the gateway's collectors on a private registry.
type Metrics struct {
	registry  *prometheus.Registry
	namespace string

	httpRequests      *prometheus.CounterVec
	inferTotal        *prometheus.CounterVec
	inferLatency      *prometheus.HistogramVec
	passes            *prometheus.CounterVec
	fallbacks         *prometheus.CounterVec
	feedback          *prometheus.CounterVec
	streamConnections prometheus.Counter
	streamRejected    prometheus.Counter
}

// New creates and registers the collectors. An empty namespace uses
// DefaultNamespace.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	m := &Metrics{
		registry:  prometheus.NewRegistry(),
		namespace: namespace,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status code.",
		}, []string{"route", "method", "code"}),
		inferTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "infer_total",
			Help:      "Inference requests by scenario and outcome.",
		}, []string{"scenario_id", "outcome"}),
		inferLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "infer_duration_seconds",
			Help:      "End-to-end inference latency.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30},
		}, []string{"scenario_id"}),
		passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orchestrator_passes_total",
			Help:      "Orchestrator passes by sub-type and outcome.",
		}, []string{"sub_type", "outcome"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orchestrator_fallbacks_total",
			Help:      "Fallbacks taken, by kind.",
		}, []string{"kind"}),
		feedback: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feedback_total",
			Help:      "Operator feedback by label.",
		}, []string{"label"}),
		streamConnections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_connections_total",
			Help:      "Accepted stream connections.",
		}),
		streamRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_rejected_total",
			Help:      "Stream connections rejected at capacity.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests,
		m.inferTotal,
		m.inferLatency,
		m.passes,
		m.fallbacks,
		m.feedback,
		m.streamConnections,
		m.streamRejected,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveHTTP counts one handled request.
func (m *Metrics) ObserveHTTP(route, method string, code int) {
	m.httpRequests.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
}

// ObserveInfer records a finished inference.
func (m *Metrics) ObserveInfer(scenarioID, outcome string, d time.Duration) {
	m.inferTotal.WithLabelValues(scenarioID, outcome).Inc()
	if outcome == InferSuccess {
		m.inferLatency.WithLabelValues(scenarioID).Observe(d.Seconds())
	}
}

// ObservePass implements orchestrator.Observer.
func (m *Metrics) ObservePass(subType, outcome string) {
	m.passes.WithLabelValues(subType, outcome).Inc()
}

// ObserveFallback implements orchestrator.Observer.
func (m *Metrics) ObserveFallback(kind string) {
	m.fallbacks.WithLabelValues(kind).Inc()
}

// ObserveFeedback counts accepted feedback.
func (m *Metrics) ObserveFeedback(label string) {
	m.feedback.WithLabelValues(label).Inc()
}

// StreamConnected counts an accepted stream connection.
func (m *Metrics) StreamConnected() {
	m.streamConnections.Inc()
}

// StreamRejected counts a connection refused at capacity.
func (m *Metrics) StreamRejected() {
	m.streamRejected.Inc()
}

// WatchGauge registers a gauge whose value is read from fn at scrape time.
func (m *Metrics) WatchGauge(name, help string, fn func() float64) error {
	return m.registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Name:      name,
		Help:      help,
	}, fn))
}
