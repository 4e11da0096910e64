package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Routing metrics
var (
	RouteDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbrouter_route_decisions_total",
			Help: "Total number of routing decisions by operation, target alias and reason",
		},
		[]string{"operation", "alias", "reason"}, // reason: "primary", "replica", "fallback", "no_replicas", "pinned", "consistency", "just_created"
	)

	RouteFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dbrouter_route_fallbacks_total",
			Help: "Reads routed to the primary because no replica was eligible",
		},
	)

	RouteRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbrouter_route_rejections_total",
			Help: "Aliases excluded from routing by reason",
		},
		[]string{"alias", "reason"},
	)
)

// Health probe metrics
var (
	ProbesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbrouter_probes_total",
			Help: "Total number of health probes by alias and result",
		},
		[]string{"alias", "result"}, // result: "healthy", "unhealthy"
	)

	ProbeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dbrouter_probe_duration_seconds",
			Help:    "Duration of health probes in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.5, 5.0},
		},
		[]string{"alias"},
	)

	AliasHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dbrouter_alias_healthy",
			Help: "Health of each alias from the last probe (1=healthy, 0=unhealthy)",
		},
		[]string{"alias", "role"},
	)

	ReplicationLag = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dbrouter_replication_lag_seconds",
			Help: "Replication lag measured by the last probe",
		},
		[]string{"alias"},
	)
)

// Degradation metrics
var (
	DegradationState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dbrouter_degradation_state",
			Help: "Breaker state per alias (0=closed, 1=half_open, 2=open)",
		},
		[]string{"alias"},
	)

	DegradationTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbrouter_degradation_transitions_total",
			Help: "Breaker state transitions per alias",
		},
		[]string{"alias", "from", "to"},
	)

	DegradationResets = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbrouter_degradation_resets_total",
			Help: "Operator resets of degraded aliases",
		},
		[]string{"alias"},
	)
)

// Retry and error metrics
var (
	ErrorsClassified = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbrouter_errors_total",
			Help: "Database errors by alias and classified kind",
		},
		[]string{"alias", "kind"},
	)

	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbrouter_retry_attempts_total",
			Help: "Retries scheduled after a failed attempt, by kind",
		},
		[]string{"kind"},
	)

	RetryExhausted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbrouter_retry_exhausted_total",
			Help: "Operations that failed after their last allowed attempt, by kind",
		},
		[]string{"kind"},
	)
)

// Deadlock journal metrics
var (
	DeadlocksRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbrouter_deadlocks_total",
			Help: "Deadlocks recorded by alias",
		},
		[]string{"alias"},
	)

	DeadlockReportsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dbrouter_deadlock_reports_dropped_total",
			Help: "Deadlock reports dropped because the journal queue was full",
		},
	)
)

// HTTP API metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbrouter_http_requests_total",
			Help: "Total number of status API requests",
		},
		[]string{"route", "code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dbrouter_http_request_duration_seconds",
			Help:    "Duration of status API requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)
