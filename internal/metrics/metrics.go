package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection metrics
var (
	// ConnectedClients tracks currently registered WebSocket connections.
	ConnectedClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_connected_clients",
			Help: "Currently registered WebSocket connections",
		},
	)

	// ConnectionsTotal tracks accepted connections by outcome.
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_connections_total",
			Help: "Accepted WebSocket connections by outcome (accepted/rejected)",
		},
		[]string{"outcome"},
	)

	// IdleDisconnects tracks connections dropped by the liveness probe.
	IdleDisconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_idle_disconnects_total",
			Help: "Connections dropped after missing liveness probes",
		},
	)

	// SlowClientsEvicted tracks connections dropped because their send buffer filled.
	SlowClientsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_slow_clients_evicted_total",
			Help: "Connections dropped because their send buffer was full",
		},
	)
)

// Dispatch metrics
var (
	// ActiveChannels tracks channels with at least one subscriber.
	ActiveChannels = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_active_channels",
			Help: "Channels with at least one subscriber",
		},
	)

	// BroadcastsTotal tracks publish calls by kind (channel/notification).
	BroadcastsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_broadcasts_total",
			Help: "Publish calls by kind (channel/notification)",
		},
		[]string{"kind"},
	)

	// EnvelopesDelivered tracks envelopes pushed to individual connections.
	EnvelopesDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_envelopes_delivered_total",
			Help: "Envelopes pushed to individual connections",
		},
	)

	// MalformedFrames tracks inbound frames dropped as unparseable.
	MalformedFrames = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_malformed_frames_total",
			Help: "Inbound control frames dropped as unparseable",
		},
	)

	// MessageSendDuration tracks per-message write latency.
	MessageSendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "realtime_message_send_duration_seconds",
			Help:    "WebSocket message write duration in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5},
		},
	)
)

// History metrics
var (
	// HistoryAppendsTotal tracks envelopes appended to the history store by status.
	HistoryAppendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_history_appends_total",
			Help: "Envelopes appended to the history store by status",
		},
		[]string{"status"},
	)

	// CircuitBreakerState tracks the Redis circuit breaker state (0=closed, 1=half-open, 2=open).
	CircuitBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)

	// CircuitBreakerStateChanges tracks circuit breaker transitions by new state.
	CircuitBreakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_redis_circuit_breaker_changes_total",
			Help: "Redis circuit breaker state transitions by new state",
		},
		[]string{"state"},
	)
)
