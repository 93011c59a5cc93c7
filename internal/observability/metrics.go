package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RedisErrorRate counts Redis errors by operation type.
	RedisErrorRate = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_redis_error_rate_total",
		Help: "Total number of Redis errors by operation type",
	}, []string{"operation"})

	// DatabaseQueryLatency records database query latency by operation and table.
	DatabaseQueryLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chatsync_database_query_latency_seconds",
		Help:    "Database query latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "table"})

	// GatewayRequestLatency records round-trip latency of gateway calls made by the client.
	GatewayRequestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chatsync_gateway_request_latency_seconds",
		Help:    "Gateway request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "table"})

	// MalformedRows counts gateway rows rejected by boundary validation.
	MalformedRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_malformed_rows_total",
		Help: "Total number of gateway rows skipped because they failed validation",
	}, []string{"table"})

	// RealtimeEvents counts realtime events seen by the synchronizer by outcome.
	RealtimeEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_realtime_events_total",
		Help: "Realtime events handled by the message synchronizer",
	}, []string{"event", "outcome"})

	// OptimisticSends counts optimistic sends by outcome.
	OptimisticSends = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_optimistic_sends_total",
		Help: "Optimistic message sends by outcome",
	}, []string{"outcome"})

	// MarkReadFailures counts failed read-receipt updates.
	MarkReadFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_mark_read_failures_total",
		Help: "Total number of failed mark-read calls",
	})

	// RealtimeSubscriptions is the gauge of open realtime subscriptions on the gateway.
	RealtimeSubscriptions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chatsync_realtime_subscriptions",
		Help: "Number of open realtime subscriptions per table",
	}, []string{"table"})

	// RealtimeBackpressureDrops counts change events dropped due to backpressure by hub and reason.
	RealtimeBackpressureDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_realtime_backpressure_drops_total",
		Help: "Total number of realtime change events dropped due to backpressure",
	}, []string{"hub", "reason"})
)

// TrackQuery returns a function that records query latency when called (e.g. defer).
func TrackQuery(operation, table string) func() {
	start := time.Now()
	return func() {
		DatabaseQueryLatency.WithLabelValues(operation, table).Observe(time.Since(start).Seconds())
	}
}

// TrackGatewayRequest returns a function that records gateway call latency when called.
func TrackGatewayRequest(operation, table string) func() {
	start := time.Now()
	return func() {
		GatewayRequestLatency.WithLabelValues(operation, table).Observe(time.Since(start).Seconds())
	}
}
