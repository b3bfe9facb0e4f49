// Package metrics exposes Prometheus metrics for change propagation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lllypuk/matreq/internal/domain/change"
)

// SyncMetrics contains Prometheus metrics for change publishing and delivery.
type SyncMetrics struct {
	EventsPublished     *prometheus.CounterVec
	PublishFailures     *prometheus.CounterVec
	PublishDuration     *prometheus.HistogramVec
	EventsDelivered     *prometheus.CounterVec
	EventsSuppressed    *prometheus.CounterVec
	ActiveConnections   prometheus.Gauge
	ActiveSubscriptions *prometheus.GaugeVec
}

// NewSyncMetrics creates and registers sync metrics with the given registerer.
func NewSyncMetrics(registerer prometheus.Registerer) *SyncMetrics {
	metrics := &SyncMetrics{
		EventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "matreq_events_published_total",
				Help: "Total number of change events published",
			},
			[]string{"entity_kind", "event_type"},
		),
		PublishFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "matreq_publish_failures_total",
				Help: "Total number of change events that could not be published",
			},
			[]string{"entity_kind"},
		),
		PublishDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "matreq_publish_duration_seconds",
				Help:    "Time to publish a change event to the event bus",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"entity_kind"},
		),
		EventsDelivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "matreq_events_delivered_total",
				Help: "Total number of shaped change events delivered to subscribers",
			},
			[]string{"entity_kind"},
		),
		EventsSuppressed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "matreq_events_suppressed_total",
				Help: "Total number of change events withheld from a subscriber",
			},
			[]string{"entity_kind", "reason"}, // reason: not_visible/empty_batch/shape_failed
		),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "matreq_websocket_connections",
			Help: "Current number of open WebSocket connections",
		}),
		ActiveSubscriptions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "matreq_subscriptions",
				Help: "Current number of subscriptions per entity kind",
			},
			[]string{"entity_kind"},
		),
	}

	registerer.MustRegister(
		metrics.EventsPublished,
		metrics.PublishFailures,
		metrics.PublishDuration,
		metrics.EventsDelivered,
		metrics.EventsSuppressed,
		metrics.ActiveConnections,
		metrics.ActiveSubscriptions,
	)

	return metrics
}

// Published records a successful publish.
func (m *SyncMetrics) Published(kind change.Kind, eventType change.EventType, took time.Duration) {
	m.EventsPublished.WithLabelValues(string(kind), string(eventType)).Inc()
	m.PublishDuration.WithLabelValues(string(kind)).Observe(took.Seconds())
}

// PublishFailed records a publish that did not reach the event bus.
func (m *SyncMetrics) PublishFailed(kind change.Kind) {
	m.PublishFailures.WithLabelValues(string(kind)).Inc()
}

// Delivered records an event handed to a subscriber.
func (m *SyncMetrics) Delivered(kind change.Kind) {
	m.EventsDelivered.WithLabelValues(string(kind)).Inc()
}

// Suppressed records an event withheld from a subscriber.
func (m *SyncMetrics) Suppressed(kind change.Kind, reason string) {
	m.EventsSuppressed.WithLabelValues(string(kind), reason).Inc()
}

// ConnectionOpened records a new WebSocket connection.
func (m *SyncMetrics) ConnectionOpened() { m.ActiveConnections.Inc() }

// ConnectionClosed records a closed WebSocket connection.
func (m *SyncMetrics) ConnectionClosed() { m.ActiveConnections.Dec() }

// Subscribed records a new subscription to kind.
func (m *SyncMetrics) Subscribed(kind change.Kind) {
	m.ActiveSubscriptions.WithLabelValues(string(kind)).Inc()
}

// Unsubscribed records a released subscription to kind.
func (m *SyncMetrics) Unsubscribed(kind change.Kind) {
	m.ActiveSubscriptions.WithLabelValues(string(kind)).Dec()
}
