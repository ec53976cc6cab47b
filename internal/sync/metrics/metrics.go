package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MutationsApplied tracks successfully replayed mutations per collection
	MutationsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncq_mutations_applied_total",
			Help: "Total number of mutations applied to the remote store",
		},
		[]string{"collection"},
	)

	// MutationsFailed tracks transient replay failures per collection
	MutationsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncq_mutations_failed_total",
			Help: "Total number of transient mutation replay failures",
		},
		[]string{"collection"},
	)

	// MutationsDead tracks mutations whose retries were exhausted
	MutationsDead = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncq_mutations_dead_total",
			Help: "Total number of mutations marked dead",
		},
		[]string{"collection"},
	)

	// ConflictsResolved tracks revision conflicts by resolution outcome
	ConflictsResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncq_conflicts_total",
			Help: "Total number of revision conflicts by resolution",
		},
		[]string{"collection", "resolution"},
	)

	// ReplayLatency tracks per-mutation replay latency
	ReplayLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "syncq_replay_latency_seconds",
			Help:    "Mutation replay latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"collection"},
	)

	// QueueDepth tracks unsettled mutations per collection
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "syncq_queue_depth",
			Help: "Number of pending mutations in the local queue",
		},
		[]string{"collection"},
	)

	// RemoteCallsTotal tracks remote store calls per endpoint
	RemoteCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncq_remote_calls_total",
			Help: "Total number of remote store calls",
		},
		[]string{"endpoint", "method"},
	)

	// RemoteErrorsTotal tracks remote store errors per endpoint and kind
	RemoteErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncq_remote_errors_total",
			Help: "Total number of remote store errors",
		},
		[]string{"endpoint", "kind"},
	)

	// DBConnectionPoolUsage tracks database connection pool usage percentage
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "syncq_db_pool_usage_percent",
			Help: "Database connection pool usage percentage",
		},
	)
)
