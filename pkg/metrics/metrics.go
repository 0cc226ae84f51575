// Package metrics holds the Prometheus collectors shared by the scheduler ticks and workers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TicksTotal counts tick executions.
	// Labels:
	//   - job: "scheduler", "reaper" or "monitor"
	//   - outcome: "ok" or "error"
	TicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskgate_ticks_total",
		Help: "The total number of tick executions",
	}, []string{"job", "outcome"})

	// DispatchedTotal counts tasks moved to in-process by the scheduler loop.
	DispatchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskgate_dispatched_total",
		Help: "Tasks dispatched to an action hook",
	}, []string{"hook"})

	// SkippedTotal counts candidates the scheduler loop passed over.
	// Labels:
	//   - reason: "server_busy", "no_action_hook", "claim_lost", "error"
	SkippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskgate_skipped_total",
		Help: "Ready tasks skipped by the scheduler loop",
	}, []string{"reason"})

	// ReapedTotal counts tasks forced to failed-timeout.
	ReapedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskgate_reaped_total",
		Help: "Tasks timed out by the reaper",
	}, []string{"owner_kind"})

	// CleanupErrorsTotal counts owner cleanup callbacks that failed.
	CleanupErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskgate_cleanup_errors_total",
		Help: "Owner cleanup callbacks that returned an error",
	}, []string{"owner_kind"})

	// ReaperBacklog is the number of stuck tasks left for the next reaper run.
	ReaperBacklog = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskgate_reaper_backlog",
		Help: "Stuck tasks deferred to the next reaper run",
	})

	// AlertsTotal counts notifications sent.
	// Labels:
	//   - kind: "long_running", "timeout", "backlog"
	AlertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskgate_alerts_total",
		Help: "Operator notifications sent",
	}, []string{"kind"})

	// OverridesTotal counts manual override transitions.
	OverridesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskgate_overrides_total",
		Help: "Tasks transitioned by manual override",
	}, []string{"directive"})

	// CascadeDeletedTotal counts tasks removed because their owner was deleted.
	CascadeDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskgate_cascade_deleted_total",
		Help: "Pending tasks deleted with their owner",
	})

	// TasksByState tracks the number of tasks in each state.
	// This gauge is updated periodically by the collector goroutine of the server.
	TasksByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskgate_tasks",
		Help: "Number of tasks in each state",
	}, []string{"state"})

	// QueueDepth tracks the length of each dispatch list.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskgate_queue_depth",
		Help: "Number of jobs in each dispatch list",
	}, []string{"queue"})

	// HandlerDuration tracks dispatch target run time in seconds.
	HandlerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taskgate_handler_duration_seconds",
		Help:    "Duration of dispatch target execution",
		Buckets: prometheus.DefBuckets,
	}, []string{"hook"})

	// HandlerResults counts dispatch target outcomes.
	// Labels:
	//   - status: "returned", "failed", "panic", "unknown_hook"
	HandlerResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskgate_handler_results_total",
		Help: "Dispatch target outcomes",
	}, []string{"hook", "status"})
)
