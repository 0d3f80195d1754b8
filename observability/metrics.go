// Package observability provides Prometheus metrics and OpenTelemetry
// tracing for the delivery engine.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for Courier.
type Metrics struct {
	EventsEmitted         prometheus.Counter
	Deliveries            *prometheus.CounterVec
	DeliveryLatency       prometheus.Histogram
	PendingDeliveries     prometheus.Gauge
	DLQSize               prometheus.Gauge
	SubscriptionsDisabled prometheus.Counter
}

// NewMetrics creates Courier metric instruments registered against the given
// registerer. Pass prometheus.DefaultRegisterer for standalone usage.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsEmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "courier_events_emitted_total",
			Help: "Total number of events accepted by Emit.",
		}),
		Deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_deliveries_total",
			Help: "Delivery attempts by outcome.",
		}, []string{"status"}),
		DeliveryLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "courier_delivery_latency_seconds",
			Help:    "Latency of delivery HTTP attempts.",
			Buckets: prometheus.DefBuckets,
		}),
		PendingDeliveries: factory.NewGauge(prometheus.GaugeOpts{
			Name: "courier_pending_deliveries",
			Help: "Deliveries awaiting an attempt or a retry.",
		}),
		DLQSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "courier_dlq_size",
			Help: "Entries currently in the dead letter queue.",
		}),
		SubscriptionsDisabled: factory.NewCounter(prometheus.CounterOpts{
			Name: "courier_subscriptions_disabled_total",
			Help: "Subscriptions auto-disabled after consecutive failures.",
		}),
	}
}

// RecordDelivery records a delivery attempt with the given outcome and latency.
func (m *Metrics) RecordDelivery(status string, latencySeconds float64) {
	m.Deliveries.WithLabelValues(status).Inc()
	m.DeliveryLatency.Observe(latencySeconds)
}
