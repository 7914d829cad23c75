// Package metrics exposes Prometheus collectors for the delay queue.
// All methods are safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Connection states reported by the connection_state gauge
const (
	StateDisconnected = 0
	StateConnecting   = 1
	StateConnected    = 2
	StateFailed       = 3
)

// Delivery outcomes
const (
	OutcomeAck      = "ack"
	OutcomeEscalate = "escalate"
	OutcomeReject   = "reject"
	OutcomeInvalid  = "invalid"
)

// Metrics wraps the Prometheus collectors of one delayq client
type Metrics struct {
	registry *prometheus.Registry

	deliveriesTotal      *prometheus.CounterVec
	handlerDuration      *prometheus.HistogramVec
	publishAttemptsTotal *prometheus.CounterVec
	publishDroppedTotal  *prometheus.CounterVec
	topologyDeclared     *prometheus.CounterVec
	reconnectsTotal      prometheus.Counter
	reconnectExhausted   prometheus.Counter
	connectionState      prometheus.Gauge
}

var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

// New creates the collectors on a fresh registry under the given namespace
func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,

		deliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deliveries_total",
				Help:      "Messages delivered from a main queue, by outcome",
			},
			[]string{"routing_key", "outcome"},
		),

		handlerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "handler_duration_ms",
				Help:      "Handler execution time in milliseconds",
				Buckets:   defaultBuckets,
			},
			[]string{"routing_key"},
		),

		publishAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "publish_attempts_total",
				Help:      "Publish attempts, by result",
			},
			[]string{"exchange", "result"},
		),

		publishDroppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "publish_dropped_total",
				Help:      "Publishes abandoned after exhausting their attempts",
			},
			[]string{"exchange"},
		),

		topologyDeclared: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "topology_declarations_total",
				Help:      "Completed topology declarations per subscription",
			},
			[]string{"routing_key"},
		),

		reconnectsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconnects_total",
				Help:      "Scheduled reconnect attempts",
			},
		),

		reconnectExhausted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconnect_exhausted_total",
				Help:      "Times the reconnect attempt cap was exceeded",
			},
		),

		connectionState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connection_state",
				Help:      "Broker connection state: 0 disconnected, 1 connecting, 2 connected, 3 failed",
			},
		),
	}

	registry.MustRegister(
		m.deliveriesTotal,
		m.handlerDuration,
		m.publishAttemptsTotal,
		m.publishDroppedTotal,
		m.topologyDeclared,
		m.reconnectsTotal,
		m.reconnectExhausted,
		m.connectionState,
	)

	return m
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler serving the registry
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveDelivery records one main-queue delivery and its handler time
func (m *Metrics) ObserveDelivery(routingKey, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.deliveriesTotal.WithLabelValues(routingKey, outcome).Inc()
	if outcome != OutcomeInvalid {
		m.handlerDuration.WithLabelValues(routingKey).Observe(float64(took.Milliseconds()))
	}
}

// PublishAttempt records one publish attempt
func (m *Metrics) PublishAttempt(exchange string, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.publishAttemptsTotal.WithLabelValues(exchange, result).Inc()
}

// PublishDropped records an abandoned publish
func (m *Metrics) PublishDropped(exchange string) {
	if m == nil {
		return
	}
	m.publishDroppedTotal.WithLabelValues(exchange).Inc()
}

// TopologyDeclared records a completed topology declaration
func (m *Metrics) TopologyDeclared(routingKey string) {
	if m == nil {
		return
	}
	m.topologyDeclared.WithLabelValues(routingKey).Inc()
}

// Reconnect records a scheduled reconnect attempt
func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.reconnectsTotal.Inc()
}

// ReconnectExhausted records that reconnection was abandoned
func (m *Metrics) ReconnectExhausted() {
	if m == nil {
		return
	}
	m.reconnectExhausted.Inc()
}

// SetConnectionState records the current connection state
func (m *Metrics) SetConnectionState(state int) {
	if m == nil {
		return
	}
	m.connectionState.Set(float64(state))
}
