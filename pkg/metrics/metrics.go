// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// EventsAppended tracks events accepted into tracker histories.
	EventsAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracker_events_appended_total",
			Help: "Events appended to tracker histories",
		},
		[]string{"event_type"},
	)

	// SlotRejections tracks slot values rejected by type validation. The
	// rejected event stays in history; the counter is how the silent state
	// no-op becomes observable.
	SlotRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracker_slot_rejections_total",
			Help: "Slot values rejected by type validation",
		},
		[]string{"slot"},
	)

	// PublishFailures tracks failed durability hand-offs.
	PublishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_publish_failures_total",
			Help: "Event records that failed to publish to the event broker",
		},
		[]string{"broker"},
	)

	// PublishDrops counts records shed because the publish queue was full.
	PublishDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_publish_drops_total",
			Help: "Event records dropped because the publish queue was full",
		},
	)

	// ActiveTrackers tracks trackers currently held in memory.
	ActiveTrackers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tracker_active",
			Help: "Trackers currently cached in memory",
		},
	)

	// ReplayDuration tracks the time to rebuild a tracker from events.
	ReplayDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tracker_replay_duration_seconds",
			Help:    "Time to rebuild a tracker by replaying its events",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		},
	)

	// SSEConnectionsActive tracks active SSE connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
