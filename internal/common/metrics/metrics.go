// Package metrics exposes the daemon's Prometheus instrumentation, grouped by the component
// that owns each series (dispatcher, queue, lock, supervisor, arbiter).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Dispatcher metrics

	// DispatcherTicks tracks total poll-loop ticks, by outcome.
	DispatcherTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "poppobuilder",
			Subsystem: "dispatcher",
			Name:      "ticks_total",
			Help:      "Total dispatcher poll ticks",
		},
		[]string{"result"}, // ok, forge_error
	)

	// DispatcherTickDuration tracks how long one tick takes end to end.
	DispatcherTickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "poppobuilder",
			Subsystem: "dispatcher",
			Name:      "tick_duration_seconds",
			Help:      "Time to run one poll tick",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// DispatcherItemsPolled tracks forge items inspected per tick.
	DispatcherItemsPolled = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "poppobuilder",
			Subsystem: "dispatcher",
			Name:      "items_polled_total",
			Help:      "Total forge items inspected across all ticks",
		},
	)

	// DispatcherTasksEnqueued tracks tasks the dispatcher handed to the queue.
	DispatcherTasksEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "poppobuilder",
			Subsystem: "dispatcher",
			Name:      "tasks_enqueued_total",
			Help:      "Total tasks enqueued",
		},
		[]string{"type"}, // initial, follow-up
	)

	// DispatcherTasksCompleted tracks completions observed per tick, by outcome.
	DispatcherTasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "poppobuilder",
			Subsystem: "dispatcher",
			Name:      "tasks_completed_total",
			Help:      "Total tasks observed finished",
		},
		[]string{"result"}, // success, error, crashed
	)

	// Queue metrics

	// QueueDepth tracks the current number of tasks waiting to be dispatched.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "poppobuilder",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Number of tasks currently queued",
		},
	)

	// QueueDequeueRejected tracks a dequeue attempt deferred by a gating predicate.
	QueueDequeueRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "poppobuilder",
			Subsystem: "queue",
			Name:      "dequeue_rejected_total",
			Help:      "Total dequeue attempts deferred by a gating predicate",
		},
		[]string{"reason"}, // concurrency, rate_limit, lock
	)

	// QueueDuplicatesSuppressed tracks an enqueue rejected as a duplicate.
	QueueDuplicatesSuppressed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "poppobuilder",
			Subsystem: "queue",
			Name:      "duplicates_suppressed_total",
			Help:      "Total enqueue attempts rejected as duplicates",
		},
	)

	// Lock metrics

	// LockAcquisitions tracks TryAcquire outcomes.
	LockAcquisitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "poppobuilder",
			Subsystem: "lock",
			Name:      "acquisitions_total",
			Help:      "Total per-issue lock acquisition attempts",
		},
		[]string{"result"}, // acquired, held, stolen
	)

	// LockHeld tracks how many per-issue locks this process currently holds.
	LockHeld = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "poppobuilder",
			Subsystem: "lock",
			Name:      "held",
			Help:      "Number of per-issue locks currently held by this process",
		},
	)

	// LockSweeps tracks locks removed by the background sweeper.
	LockSweeps = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "poppobuilder",
			Subsystem: "lock",
			Name:      "sweeps_total",
			Help:      "Total abandoned locks removed by the sweeper",
		},
	)

	// Supervisor metrics

	// SupervisorTasksSpawned tracks worker processes started.
	SupervisorTasksSpawned = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "poppobuilder",
			Subsystem: "supervisor",
			Name:      "tasks_spawned_total",
			Help:      "Total worker processes spawned",
		},
	)

	// SupervisorRunning tracks tasks currently tracked as in-flight.
	SupervisorRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "poppobuilder",
			Subsystem: "supervisor",
			Name:      "running",
			Help:      "Number of worker processes currently tracked as running",
		},
	)

	// SupervisorCrashes tracks workers that died without writing a result.
	SupervisorCrashes = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "poppobuilder",
			Subsystem: "supervisor",
			Name:      "crashes_total",
			Help:      "Total worker processes that exited without writing a result",
		},
	)

	// Arbiter metrics

	// ArbiterRequestsProcessed tracks label mutation requests applied.
	ArbiterRequestsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "poppobuilder",
			Subsystem: "arbiter",
			Name:      "requests_processed_total",
			Help:      "Total label mutation requests processed",
		},
		[]string{"result"}, // applied, failed, dropped
	)

	// ArbiterOrphansSwept tracks processing records reconciled by the orphan sweep.
	ArbiterOrphansSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "poppobuilder",
			Subsystem: "arbiter",
			Name:      "orphans_swept_total",
			Help:      "Total orphaned processing records recovered",
		},
	)

	// HTTP API metrics, serving the ambient /q/health and /metrics mux.

	// HTTPRequestsTotal tracks HTTP API requests.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "poppobuilder",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP API requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks HTTP API request duration.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "poppobuilder",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP API request duration",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)
