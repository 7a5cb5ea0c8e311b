package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all wikiflow Prometheus metrics.
type Metrics struct {
	EventsTotal    *prometheus.CounterVec
	EventDuration  *prometheus.HistogramVec
	DroppedTotal   *prometheus.CounterVec
	DLQTotal       *prometheus.CounterVec
	FeedReconnects prometheus.Counter
}

// NewMetrics creates and registers all wikiflow metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		EventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wikiflow_events_total",
			Help: "Total events processed per flow.",
		}, []string{"flow", "status"}),

		EventDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wikiflow_event_duration_seconds",
			Help:    "Time spent delivering one event to its sink.",
			Buckets: prometheus.DefBuckets,
		}, []string{"flow"}),

		DroppedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wikiflow_dropped_total",
			Help: "Events that failed delivery and were not retried.",
		}, []string{"flow", "policy"}),

		DLQTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wikiflow_dlq_total",
			Help: "Events sent to the dead-letter topic.",
		}, []string{"flow"}),

		FeedReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "wikiflow_feed_reconnects_total",
			Help: "Feed stream reconnect attempts.",
		}),
	}
}
