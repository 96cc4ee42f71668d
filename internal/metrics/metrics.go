// Package metrics exposes the gateway's prometheus collectors. All methods are
// safe on a nil *Metrics so components can run without instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gateway"

// Metrics groups every collector on a dedicated registry
type Metrics struct {
	registry *prometheus.Registry

	inbound        *prometheus.CounterVec
	forward        *prometheus.CounterVec
	forwardLatency *prometheus.HistogramVec
	retryEnqueued  *prometheus.CounterVec
	redelivery     *prometheus.CounterVec
	breakerState   *prometheus.GaugeVec
	inflight       prometheus.Gauge
}

// New registers the gateway collectors plus go runtime and process metrics on
// a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		inbound: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_total",
			Help:      "Inbound requests and callbacks by outcome code",
		}, []string{"flow", "kind", "code"}),
		forward: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forward_total",
			Help:      "Outbound delivery attempts by result",
		}, []string{"flow", "result"}),
		forwardLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "forward_duration_seconds",
			Help:      "Latency of outbound delivery attempts",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"flow"}),
		retryEnqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_enqueued_total",
			Help:      "Deliveries handed to a retry queue",
		}, []string{"flow", "queue"}),
		redelivery: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redelivery_total",
			Help:      "Redelivery outcomes per retry queue",
		}, []string{"queue", "outcome"}),
		breakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Per-target circuit state (0 closed, 1 open, 2 half-open)",
		}, []string{"target"}),
		inflight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatch_inflight",
			Help:      "Forwards currently running",
		}),
	}
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Inbound counts an admitted ("accepted") or rejected inbound call
func (m *Metrics) Inbound(flow, kind, code string) {
	if m == nil {
		return
	}
	m.inbound.WithLabelValues(flow, kind, code).Inc()
}

// Forward records one delivery attempt
func (m *Metrics) Forward(flow, result string, took time.Duration) {
	if m == nil {
		return
	}
	m.forward.WithLabelValues(flow, result).Inc()
	m.forwardLatency.WithLabelValues(flow).Observe(took.Seconds())
}

// RetryEnqueued counts a delivery handed to a retry queue
func (m *Metrics) RetryEnqueued(flow, queue string) {
	if m == nil {
		return
	}
	m.retryEnqueued.WithLabelValues(flow, queue).Inc()
}

// Redelivery records a redelivery outcome: delivered, rescheduled, deferred,
// republished, exhausted or requeued
func (m *Metrics) Redelivery(queue, outcome string) {
	if m == nil {
		return
	}
	m.redelivery.WithLabelValues(queue, outcome).Inc()
}

// BreakerState publishes a target's circuit state
func (m *Metrics) BreakerState(target string, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(target).Set(float64(state))
}

// DispatchStarted and DispatchFinished track in-flight forwards
func (m *Metrics) DispatchStarted() {
	if m == nil {
		return
	}
	m.inflight.Inc()
}

func (m *Metrics) DispatchFinished() {
	if m == nil {
		return
	}
	m.inflight.Dec()
}
