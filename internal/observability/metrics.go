package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RedisErrorRate counts Redis errors by operation type.
	RedisErrorRate = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatty_redis_error_rate_total",
		Help: "Total number of Redis errors by operation type",
	}, []string{"operation"})

	// WebSocketConnectionsTotal is the gauge of total WebSocket connections.
	WebSocketConnectionsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatty_websocket_connections_total",
		Help: "Total number of active WebSocket connections",
	})

	// WebSocketEventsTotal counts WebSocket events by type.
	WebSocketEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatty_websocket_events_total",
		Help: "Total WebSocket events by type",
	}, []string{"event_type"})

	// WebSocketBackpressureDrops counts messages dropped due to backpressure by hub and reason.
	WebSocketBackpressureDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatty_websocket_backpressure_drops_total",
		Help: "Total number of WebSocket messages dropped due to backpressure",
	}, []string{"hub", "reason"})

	// MessageThroughput counts messages processed per type.
	MessageThroughput = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatty_message_throughput_total",
		Help: "Total number of messages processed",
	}, []string{"message_type"})

	// AuthFailures counts rejected credential verifications by surface.
	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatty_auth_failures_total",
		Help: "Total number of failed credential verifications",
	}, []string{"surface"})

	// LedgerUpdateLatency records unread ledger mutation latency by operation.
	LedgerUpdateLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chatty_ledger_update_latency_seconds",
		Help:    "Unread ledger mutation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})
)

// TrackLedgerOp returns a function that records ledger latency when called (e.g. defer).
func TrackLedgerOp(operation string) func() {
	start := time.Now()
	return func() {
		LedgerUpdateLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}
}
