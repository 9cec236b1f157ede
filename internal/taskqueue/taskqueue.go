// Package taskqueue implements the daemon's priority queue: bounded,
// duplicate-suppressed, with non-destructive peek-and-hold dequeue gated by the rate limiter,
// the concurrency cap, and per-issue lock acquirability.
package taskqueue

import (
	"container/heap"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/poppobuilder/poppobuilder/internal/common/metrics"
	"github.com/poppobuilder/poppobuilder/internal/lockservice"
	"github.com/poppobuilder/poppobuilder/internal/ratelimit"
	"github.com/poppobuilder/poppobuilder/internal/state"
)

// ErrDuplicate is returned by Enqueue when a task with the same taskId already exists in the
// queue, is currently running, or is currently processing per the status manager.
var ErrDuplicate = errors.New("task already queued, running, or processing")

// ErrQueueFull is returned by Enqueue when the queue is at its bound.
var ErrQueueFull = errors.New("queue full")

// heapItem wraps a Task with its insertion sequence, used to break enqueuedAt ties in
// insertion order (time.Time alone can tie at low resolution in tests).
type heapItem struct {
	task *state.Task
	seq  int
}

type taskHeap []*heapItem

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority // higher priority first
	}
	if !h[i].task.EnqueuedAt.Equal(h[j].task.EnqueuedAt) {
		return h[i].task.EnqueuedAt.Before(h[j].task.EnqueuedAt)
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x interface{}) { *h = append(*h, x.(*heapItem)) }
func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Queue is the C7 component.
type Queue struct {
	mu      sync.Mutex
	heap    taskHeap
	seq     int
	maxSize int

	store   *state.Store
	locks   *lockservice.Service
	limiter *ratelimit.Limiter

	// IsRunning and IsProcessing are injected by cmd/poppobuilder at wiring time (rather than
	// importing internal/supervisor and internal/status directly) to avoid a package cycle.
	IsRunning    func(taskID string) bool
	IsProcessing func(issueID int) bool
	RunningCount func() int

	maxConcurrent int

	debounce      *time.Timer
	debounceDelay time.Duration
}

// Config bundles the queue's tunables.
type Config struct {
	MaxSize       int
	MaxConcurrent int
	DebounceDelay time.Duration
}

// New builds a Queue backed by store for snapshotting.
func New(store *state.Store, locks *lockservice.Service, limiter *ratelimit.Limiter, cfg Config) *Queue {
	if cfg.DebounceDelay <= 0 {
		cfg.DebounceDelay = 2 * time.Second
	}
	return &Queue{
		store:         store,
		locks:         locks,
		limiter:       limiter,
		maxSize:       cfg.MaxSize,
		maxConcurrent: cfg.MaxConcurrent,
		debounceDelay: cfg.DebounceDelay,
	}
}

// Enqueue adds task after a three-way duplicate-suppression check: queue contents, whether
// the task is already running, and whether its issue is already processing.
func (q *Queue) Enqueue(task state.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, item := range q.heap {
		if item.task.TaskID == task.TaskID {
			metrics.QueueDuplicatesSuppressed.Inc()
			return fmt.Errorf("%w: taskId=%s already queued", ErrDuplicate, task.TaskID)
		}
	}
	if q.IsRunning != nil && q.IsRunning(task.TaskID) {
		metrics.QueueDuplicatesSuppressed.Inc()
		return fmt.Errorf("%w: taskId=%s already running", ErrDuplicate, task.TaskID)
	}
	if q.IsProcessing != nil && q.IsProcessing(task.Item.IssueID) {
		metrics.QueueDuplicatesSuppressed.Inc()
		return fmt.Errorf("%w: issue %d already processing", ErrDuplicate, task.Item.IssueID)
	}
	if q.maxSize > 0 && len(q.heap) >= q.maxSize {
		return ErrQueueFull
	}

	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now()
	}
	q.seq++
	heap.Push(&q.heap, &heapItem{task: &task, seq: q.seq})
	metrics.QueueDepth.Set(float64(len(q.heap)))
	q.snapshotDebounced()
	return nil
}

// Dequeue returns the head task iff every gating predicate passes: runningCount <
// maxConcurrent, the rate limiter is not limited, and the issue's lock is currently
// acquirable. Otherwise it returns (nil, false) and the head stays queued —
// non-destructive peek-and-hold semantics; the dispatcher retries on its next tick.
func (q *Queue) Dequeue() (*state.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		return nil, false
	}
	head := q.heap[0].task

	if q.RunningCount != nil && q.maxConcurrent > 0 && q.RunningCount() >= q.maxConcurrent {
		metrics.QueueDequeueRejected.WithLabelValues("concurrency").Inc()
		return nil, false
	}
	if q.limiter != nil && q.limiter.IsLimited(ratelimit.ChannelAICLI).Limited {
		metrics.QueueDequeueRejected.WithLabelValues("rate_limit").Inc()
		return nil, false
	}
	if q.locks != nil && !q.locks.IsAcquirable(head.Item.IssueID) {
		metrics.QueueDequeueRejected.WithLabelValues("lock").Inc()
		return nil, false
	}

	item := heap.Pop(&q.heap).(*heapItem)
	metrics.QueueDepth.Set(float64(len(q.heap)))
	q.snapshotDebounced()
	return item.task, true
}

// Len returns the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Snapshot returns the queue contents in priority order, for metrics/persistence.
func (q *Queue) Snapshot() []state.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]state.Task, 0, len(q.heap))
	cp := make(taskHeap, len(q.heap))
	copy(cp, q.heap)
	for cp.Len() > 0 {
		item := heap.Pop(&cp).(*heapItem)
		out = append(out, *item.task)
	}
	return out
}

// snapshotDebounced persists the queue to the state store at most once every debounceDelay.
// Caller must hold q.mu.
func (q *Queue) snapshotDebounced() {
	if q.store == nil {
		return
	}
	if q.debounce != nil {
		return // a flush is already scheduled
	}
	q.debounce = time.AfterFunc(q.debounceDelay, func() {
		q.mu.Lock()
		q.debounce = nil
		snapshot := make([]state.Task, 0, len(q.heap))
		cp := make(taskHeap, len(q.heap))
		copy(cp, q.heap)
		for cp.Len() > 0 {
			item := heap.Pop(&cp).(*heapItem)
			snapshot = append(snapshot, *item.task)
		}
		q.mu.Unlock()

		if err := q.store.SaveQueueSnapshot(snapshot); err != nil {
			slog.Warn("taskqueue: failed to persist snapshot", "error", err)
		}
	})
}

// Restore loads the last-persisted snapshot and re-enqueues each task through revalidate,
// which returns false to drop a task (e.g. the item is no longer open, or labels changed).
func (q *Queue) Restore(revalidate func(state.Task) bool) {
	tasks := q.store.LoadQueueSnapshot()
	for _, t := range tasks {
		if revalidate != nil && !revalidate(t) {
			slog.Info("taskqueue: dropping stale restored task", "taskId", t.TaskID)
			continue
		}
		if err := q.Enqueue(t); err != nil {
			slog.Warn("taskqueue: failed to re-enqueue restored task", "taskId", t.TaskID, "error", err)
		}
	}
}
