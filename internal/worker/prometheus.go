package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tasksReserved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "disttest_worker_tasks_reserved_total",
		Help: "Total number of tasks reserved by this worker",
	})

	tasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "disttest_worker_tasks_completed_total",
		Help: "Total number of tasks completed, by outcome",
	}, []string{"outcome"})

	duplicateResults = promauto.NewCounter(prometheus.CounterOpts{
		Name: "disttest_worker_duplicate_results_total",
		Help: "Results rejected because another delivery already recorded one",
	})

	staleLeases = promauto.NewCounter(prometheus.CounterOpts{
		Name: "disttest_worker_stale_leases_total",
		Help: "Queue operations refused because the lease had expired",
	})

	execDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "disttest_worker_exec_duration_seconds",
		Help:    "Time taken to execute a task bundle",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})
)
