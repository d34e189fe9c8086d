package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the pairing broker.
//
// Naming convention: namespace_subsystem_name
// - namespace: display_bridge (application-level grouping)
// - subsystem: websocket, room, command, debuglog, store (feature-level grouping)
//
// Metric Types:
// - Gauge: Current state (connections, rooms, pending commands)
// - Counter: Cumulative events (frames routed, auth failures, logs persisted)
// - Histogram: Latency distributions (command round trip)

var (
	// ActiveWebSocketConnections tracks the current number of live sessions.
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "display_bridge",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the current number of pairing rooms.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "display_bridge",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active pairing rooms",
	})

	// FramesRouted counts inbound frames by type and outcome.
	FramesRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "display_bridge",
		Subsystem: "websocket",
		Name:      "frames_total",
		Help:      "Total inbound frames processed, by type and outcome",
	}, []string{"frame_type", "status"})

	// AuthFailures counts rejected joins by client type and reason.
	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "display_bridge",
		Subsystem: "websocket",
		Name:      "auth_failures_total",
		Help:      "Total join rejections, by client type and reason",
	}, []string{"client_type", "reason"})

	// PendingCommands tracks command requests awaiting a display response.
	PendingCommands = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "display_bridge",
		Subsystem: "command",
		Name:      "pending",
		Help:      "Command requests awaiting a display response",
	})

	// CommandRoundTrip observes the latency between a relayed command and
	// its matching response.
	CommandRoundTrip = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "display_bridge",
		Subsystem: "command",
		Name:      "round_trip_seconds",
		Help:      "Latency between command relay and matching response",
		Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	})

	// DebugLogs counts debug_log frames by disposition (persisted, filtered, failed).
	DebugLogs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "display_bridge",
		Subsystem: "debuglog",
		Name:      "frames_total",
		Help:      "Total debug_log frames, by disposition",
	}, []string{"disposition"})

	// CircuitBreakerState tracks breaker state per dependency (0=closed, 1=open, 2=half-open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "display_bridge",
		Subsystem: "store",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state per dependency (0=closed, 1=open, 2=half-open)",
	}, []string{"dependency"})

	// CircuitBreakerFailures counts calls rejected by an open breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "display_bridge",
		Subsystem: "store",
		Name:      "circuit_breaker_failures_total",
		Help:      "Calls rejected because the circuit breaker was open",
	}, []string{"dependency"})

	// RateLimitExceeded counts requests rejected by rate limiting.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "display_bridge",
		Subsystem: "ratelimit",
		Name:      "exceeded_total",
		Help:      "Requests rejected by rate limiting, by endpoint and key type",
	}, []string{"endpoint", "key_type"})

	// RateLimitRequests counts requests passing through rate limiting.
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "display_bridge",
		Subsystem: "ratelimit",
		Name:      "requests_total",
		Help:      "Requests checked by rate limiting, by endpoint",
	}, []string{"endpoint"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
