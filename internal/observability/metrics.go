package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the provider pool, the resilience layer, and the
// session pool. Registered on the default registry and served by the
// gateway's /metrics endpoint.
var (
	// ToolInvocations counts operation calls routed to providers.
	// Labels: provider, operation, status (success|error)
	ToolInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conduit_tool_invocations_total",
			Help: "Total number of tool operation invocations by provider, operation, and status",
		},
		[]string{"provider", "operation", "status"},
	)

	// ToolInvocationDuration measures end-to-end operation call latency,
	// retries included.
	ToolInvocationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conduit_tool_invocation_duration_seconds",
			Help:    "Duration of tool operation invocations in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
		[]string{"provider"},
	)

	// RetryAttempts counts individual failed attempts inside the retry
	// loop, by target and error kind.
	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conduit_retry_attempts_total",
			Help: "Total number of failed call attempts by target and error kind",
		},
		[]string{"target", "kind"},
	)

	// BreakerTransitions counts circuit breaker state changes.
	// Labels: target, to (closed|open|half-open)
	BreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conduit_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions by target and new state",
		},
		[]string{"target", "to"},
	)

	// ProvidersConnected tracks how many providers currently hold a live
	// connection.
	ProvidersConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "conduit_providers_connected",
			Help: "Current number of connected tool providers",
		},
	)

	// SessionsActive tracks the number of live client sessions.
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "conduit_sessions_active",
			Help: "Current number of active client sessions",
		},
	)

	// SessionEvictions counts sessions removed by the heartbeat sweep.
	// Labels: reason (stale|ping_failed)
	SessionEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conduit_session_evictions_total",
			Help: "Total number of sessions evicted by the heartbeat sweep, by reason",
		},
		[]string{"reason"},
	)

	// HTTPRequests counts gateway HTTP requests.
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conduit_http_requests_total",
			Help: "Total number of HTTP requests by method, path, and status code",
		},
		[]string{"method", "path", "status_code"},
	)
)
