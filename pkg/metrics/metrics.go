// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks bridge HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bridge_request_duration_seconds",
			Help:    "Bridge HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total bridge HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_requests_total",
			Help: "Total bridge HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// BackendRequestDuration tracks REST backend call duration.
	BackendRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "backend_request_duration_seconds",
			Help:    "REST backend request duration in seconds",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"endpoint", "status"},
	)

	// RealtimeConnectionState is 1 for the current hub connection state.
	RealtimeConnectionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "realtime_connection_state",
			Help: "Realtime hub connection state (1 for the current state)",
		},
		[]string{"state"},
	)

	// RealtimeReconnectsTotal counts reconnect attempts.
	RealtimeReconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_reconnects_total",
			Help: "Realtime hub reconnect attempts",
		},
		[]string{"result"},
	)

	// RealtimeEventsTotal counts server pushed events.
	RealtimeEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_events_total",
			Help: "Realtime hub events received",
		},
		[]string{"event"},
	)

	// RealtimeInvocationsTotal counts client invocations.
	RealtimeInvocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_invocations_total",
			Help: "Realtime hub invocations",
		},
		[]string{"target", "result"},
	)

	// SendAckLatency tracks time between an optimistic send and its confirmation.
	SendAckLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "send_ack_latency_seconds",
			Help:    "Latency between optimistic send and server confirmation",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	// ReconciliationsTotal counts how optimistic messages were resolved.
	ReconciliationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "message_reconciliations_total",
			Help: "Optimistic message reconciliations by path",
		},
		[]string{"path"},
	)

	// MessagesSentTotal counts outgoing messages by outcome.
	MessagesSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_sent_total",
			Help: "Outgoing messages by outcome",
		},
		[]string{"result"},
	)

	// BadgeCount is the last computed badge count.
	BadgeCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "badge_count",
			Help: "Current notification badge count",
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

var connectionStates = []string{"disconnected", "reconnecting", "connected"}

// RecordRequest records metrics for a bridge HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordBackendRequest records metrics for a REST backend call.
func RecordBackendRequest(endpoint, status string, duration float64) {
	BackendRequestDuration.WithLabelValues(endpoint, status).Observe(duration)
}

// SetConnectionState marks state as the current hub connection state.
func SetConnectionState(state string) {
	for _, s := range connectionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		RealtimeConnectionState.WithLabelValues(s).Set(v)
	}
}

// RecordReconciliation records how an optimistic message was resolved.
func RecordReconciliation(path string) {
	ReconciliationsTotal.WithLabelValues(path).Inc()
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
