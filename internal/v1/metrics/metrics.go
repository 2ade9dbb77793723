package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the watch-party platform.
//
// Naming convention: namespace_subsystem_name
// - namespace: watch_party (application-level grouping)
// - subsystem: gateway, room, store, transcode, bus (feature-level grouping)
// - name: specific metric (connections_active, events_total, etc.)
//
// Metric Types:
// - Gauge: Current state (connections, rooms, members, encoders)
// - Counter: Cumulative events (events processed, bytes out, errors)
// - Histogram: Latency distributions (event handling time)

var (
	// ActiveConnections tracks the current number of live gateway sessions (Gauge - current state)
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "watch_party",
		Subsystem: "gateway",
		Name:      "connections_active",
		Help:      "Current number of active gateway sessions",
	})

	// GatewayEvents tracks the total number of gateway events processed (CounterVec - cumulative)
	GatewayEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "watch_party",
		Subsystem: "gateway",
		Name:      "events_total",
		Help:      "Total gateway events processed",
	}, []string{"event_type", "status"})

	// EventHandlingDuration tracks the time spent handling inbound events (HistogramVec - latency distribution)
	EventHandlingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "watch_party",
		Subsystem: "gateway",
		Name:      "event_handling_seconds",
		Help:      "Time spent handling inbound room events",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	// ActiveRooms tracks the current number of active rooms (Gauge - current state)
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "watch_party",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomMembers tracks the number of members in each room (GaugeVec with room_id label)
	// Using Gauge instead of Histogram because we want current member count per room,
	// not distribution of historical counts
	RoomMembers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "watch_party",
		Subsystem: "room",
		Name:      "members_count",
		Help:      "Number of members in each room",
	}, []string{"room_id"})

	// ChatMessages counts chat messages broadcast, labelled by persistence outcome (CounterVec - cumulative)
	ChatMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "watch_party",
		Subsystem: "room",
		Name:      "chat_messages_total",
		Help:      "Total chat messages broadcast",
	}, []string{"persisted"})

	// StoreFailures counts persistence operations that failed and were degraded (CounterVec - cumulative)
	StoreFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "watch_party",
		Subsystem: "store",
		Name:      "failures_total",
		Help:      "Total store operations that failed and fell back to in-memory state",
	}, []string{"operation"})

	// TranscodeSessions tracks the number of live encoder processes (Gauge - current state)
	TranscodeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "watch_party",
		Subsystem: "transcode",
		Name:      "sessions_active",
		Help:      "Current number of live encoder processes",
	})

	// TranscodeClients tracks clients attached to encoder fan-outs (Gauge - current state)
	TranscodeClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "watch_party",
		Subsystem: "transcode",
		Name:      "clients_attached",
		Help:      "Current number of clients attached to encoder fan-outs",
	})

	// TranscodeBytesOut counts encoded bytes delivered to clients (Counter - cumulative)
	TranscodeBytesOut = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "watch_party",
		Subsystem: "transcode",
		Name:      "bytes_out_total",
		Help:      "Total encoded bytes delivered to clients",
	})

	// RateLimitRequests counts requests inspected by the rate limiter (CounterVec - cumulative)
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "watch_party",
		Subsystem: "ratelimit",
		Name:      "requests_total",
		Help:      "Total requests inspected by the rate limiter",
	}, []string{"route"})

	// RateLimitExceeded counts requests rejected by the rate limiter (CounterVec - cumulative)
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "watch_party",
		Subsystem: "ratelimit",
		Name:      "exceeded_total",
		Help:      "Total requests rejected by the rate limiter",
	}, []string{"route", "kind"})

	// CircuitBreakerState exposes the bus breaker state (GaugeVec - current state)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "watch_party",
		Subsystem: "bus",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	// CircuitBreakerFailures counts publishes dropped by an open breaker (CounterVec - cumulative)
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "watch_party",
		Subsystem: "bus",
		Name:      "circuit_breaker_failures_total",
		Help:      "Total publishes dropped because the circuit breaker was open",
	}, []string{"service"})
)

func IncConnection() {
	ActiveConnections.Inc()
}

func DecConnection() {
	ActiveConnections.Dec()
}
