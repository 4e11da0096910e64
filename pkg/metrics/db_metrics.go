package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Database query metrics
var (
	DBQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbrouter_db_queries_total",
			Help: "Total number of database operations executed through the resilient layer.",
		},
		[]string{"operation", "status", "role"}, // status: "success", "error"
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dbrouter_db_query_duration_seconds",
			Help:    "Duration of database operations in seconds, including retries.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
		},
		[]string{"operation", "role"},
	)
)

// Database connection pool metrics
var (
	DBPoolMaxConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dbrouter_db_pool_max_conns",
			Help: "Current maximum size of the pool.",
		},
		[]string{"alias"},
	)
	DBPoolInUseConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dbrouter_db_pool_in_use_conns",
			Help: "Number of connections currently in use.",
		},
		[]string{"alias"},
	)
	DBPoolPeakConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dbrouter_db_pool_peak_conns",
			Help: "Highest number of connections in use since start.",
		},
		[]string{"alias"},
	)
	DBPoolUtilization = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dbrouter_db_pool_utilization_ratio",
			Help: "In-use connections divided by the pool size.",
		},
		[]string{"alias"},
	)

	DBPoolAcquireWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dbrouter_db_pool_acquire_wait_seconds",
			Help:    "Time spent waiting for a pool slot.",
			Buckets: []float64{0.0001, 0.001, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5},
		},
		[]string{"alias"},
	)

	DBConnectionAcquireTimeout = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbrouter_db_connection_acquire_timeout_total",
			Help: "Total number of database connection acquire timeouts.",
		},
		[]string{"alias"},
	)

	DBPoolExhaustion = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbrouter_db_pool_exhaustion_total",
			Help: "Times the pool utilization crossed the exhaustion threshold.",
		},
		[]string{"alias"},
	)

	DBPoolResizes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbrouter_db_pool_resizes_total",
			Help: "Pool resizes performed by optimize.",
		},
		[]string{"alias", "direction"}, // direction: "grow", "shrink"
	)
)
