// Package metrics provides Prometheus instrumentation for the storefront chat
// client. It exposes gauges for connection state and queue depth, counters for
// reconnects and frame throughput, and a histogram for delivery latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionState holds the numeric value of the connection manager state
	// (0 disconnected, 1 connecting, 2 connected, 3 reconnecting, 4 closed).
	ConnectionState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_client_connection_state",
		Help: "Current connection state of the chat client",
	})

	// ReconnectAttempts counts scheduled reconnection attempts.
	ReconnectAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_client_reconnect_attempts_total",
		Help: "Total number of scheduled reconnection attempts",
	})

	// ReconnectExhausted counts how often reconnection gave up.
	ReconnectExhausted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_client_reconnect_exhausted_total",
		Help: "Total number of times reconnection attempts were exhausted",
	})

	// QueueDepth tracks operations waiting in outbound queues.
	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_client_queue_depth",
		Help: "Number of outbound operations waiting to be sent",
	})

	// OperationsSent counts operations handed to the transport, labeled by kind.
	OperationsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_client_operations_sent_total",
		Help: "Total number of outbound operations sent",
	}, []string{"kind"})

	OperationsExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_client_operations_expired_total",
		Help: "Total number of outbound operations removed by the queue TTL",
	})

	// FramesReceived counts inbound frames that parsed, labeled by frame type.
	FramesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_client_frames_received_total",
		Help: "Total number of inbound frames received",
	}, []string{"type"})

	// FramesDropped counts inbound frames that were not dispatched, labeled by
	// reason: "malformed", "unknown_type" or "duplicate".
	FramesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_client_frames_dropped_total",
		Help: "Total number of inbound frames dropped",
	}, []string{"reason"})

	SubscriberPanics = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_client_subscriber_panics_total",
		Help: "Total number of panics recovered from event subscribers",
	})

	// SendLatency records the time from enqueue to transport write in seconds.
	SendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_client_send_latency_seconds",
		Help:    "Time from enqueue to transport write in seconds",
		Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 15, 30, 60},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionState,
		ReconnectAttempts,
		ReconnectExhausted,
		QueueDepth,
		OperationsSent,
		OperationsExpired,
		FramesReceived,
		FramesDropped,
		SubscriberPanics,
		SendLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
