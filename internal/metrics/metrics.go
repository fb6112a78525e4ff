// Package metrics exposes the engine's Prometheus collectors. Collectors are
// package-level and registered on the default registry; the API layer mounts
// promhttp.Handler to serve them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksTotal counts per-host task executions by kind and outcome.
	TasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "netfleet",
		Subsystem: "dispatcher",
		Name:      "tasks_total",
		Help:      "Per-host task executions by kind and status.",
	}, []string{"kind", "status"})

	// TaskDuration observes per-host task wall time by kind.
	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "netfleet",
		Subsystem: "dispatcher",
		Name:      "task_duration_seconds",
		Help:      "Per-host task wall time by kind.",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"kind"})

	// JobsTotal counts finished jobs by terminal status.
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "netfleet",
		Subsystem: "runner",
		Name:      "jobs_total",
		Help:      "Finished jobs by terminal status.",
	}, []string{"status"})

	// QueueDepth tracks jobs waiting in the in-memory queue.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "netfleet",
		Subsystem: "runner",
		Name:      "queue_depth",
		Help:      "Jobs waiting in the in-memory queue.",
	})

	// ScheduleRunsTotal counts scheduler-triggered backup runs by status.
	ScheduleRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "netfleet",
		Subsystem: "scheduler",
		Name:      "runs_total",
		Help:      "Scheduler-triggered backup runs by terminal status.",
	}, []string{"status"})

	// SchedulerTicksSkipped counts ticks skipped because another instance
	// held the advisory lock.
	SchedulerTicksSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "netfleet",
		Subsystem: "scheduler",
		Name:      "ticks_skipped_total",
		Help:      "Scheduler ticks skipped because the advisory lock was held elsewhere.",
	})

	// SnapshotsTotal counts captured configuration snapshots by outcome.
	SnapshotsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "netfleet",
		Subsystem: "snapshot",
		Name:      "captures_total",
		Help:      "Configuration snapshot captures by outcome.",
	}, []string{"status"})
)
