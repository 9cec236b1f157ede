package taskqueue

import (
	"testing"
	"time"

	"github.com/poppobuilder/poppobuilder/internal/lockservice"
	"github.com/poppobuilder/poppobuilder/internal/ratelimit"
	"github.com/poppobuilder/poppobuilder/internal/state"
)

func newTestQueue(t *testing.T, cfg Config) (*Queue, *state.Store) {
	t.Helper()
	store, err := state.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	locks := lockservice.New(store, lockservice.Config{TTL: time.Minute, HeartbeatPeriod: time.Second, SweepInterval: time.Minute})
	limiter := ratelimit.New(ratelimit.Config{ForgeRPS: 100, ForgeBurst: 100, AICLIRPS: 100, AICLIBurst: 100, MaxWaitAttempts: 5})
	return New(store, locks, limiter, cfg), store
}

func TestDequeueOrdersByPriorityThenFIFO(t *testing.T) {
	q, _ := newTestQueue(t, Config{MaxSize: 10, MaxConcurrent: 10})

	base := time.Now()
	low := state.Task{TaskID: "issue-1", Priority: 1, EnqueuedAt: base}
	high := state.Task{TaskID: "issue-2", Priority: 5, EnqueuedAt: base.Add(time.Second)}
	highEarlier := state.Task{TaskID: "issue-3", Priority: 5, EnqueuedAt: base}

	for _, task := range []state.Task{low, high, highEarlier} {
		if err := q.Enqueue(task); err != nil {
			t.Fatalf("Enqueue(%s): %v", task.TaskID, err)
		}
	}

	first, ok := q.Dequeue()
	if !ok || first.TaskID != "issue-3" {
		t.Fatalf("expected issue-3 (highest priority, earliest) first, got %+v ok=%v", first, ok)
	}
	second, ok := q.Dequeue()
	if !ok || second.TaskID != "issue-2" {
		t.Fatalf("expected issue-2 second, got %+v ok=%v", second, ok)
	}
	third, ok := q.Dequeue()
	if !ok || third.TaskID != "issue-1" {
		t.Fatalf("expected issue-1 last, got %+v ok=%v", third, ok)
	}
}

func TestEnqueueRejectsDuplicateInQueue(t *testing.T) {
	q, _ := newTestQueue(t, Config{MaxSize: 10, MaxConcurrent: 10})
	task := state.Task{TaskID: "issue-1", Item: state.WorkItem{IssueID: 1}}
	if err := q.Enqueue(task); err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}
	if err := q.Enqueue(task); err == nil {
		t.Fatalf("expected duplicate enqueue to be rejected")
	}
}

func TestEnqueueRejectsRunningAndProcessing(t *testing.T) {
	q, _ := newTestQueue(t, Config{MaxSize: 10, MaxConcurrent: 10})
	q.IsRunning = func(taskID string) bool { return taskID == "issue-9" }
	q.IsProcessing = func(issueID int) bool { return issueID == 8 }

	if err := q.Enqueue(state.Task{TaskID: "issue-9", Item: state.WorkItem{IssueID: 9}}); err == nil {
		t.Fatalf("expected running task to be rejected")
	}
	if err := q.Enqueue(state.Task{TaskID: "issue-8", Item: state.WorkItem{IssueID: 8}}); err == nil {
		t.Fatalf("expected processing issue to be rejected")
	}
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	q, _ := newTestQueue(t, Config{MaxSize: 1, MaxConcurrent: 10})
	if err := q.Enqueue(state.Task{TaskID: "issue-1"}); err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}
	if err := q.Enqueue(state.Task{TaskID: "issue-2"}); err == nil {
		t.Fatalf("expected ErrQueueFull")
	}
}

func TestDequeueHoldsHeadWhenConcurrencyCapped(t *testing.T) {
	q, _ := newTestQueue(t, Config{MaxSize: 10, MaxConcurrent: 1})
	q.RunningCount = func() int { return 1 } // already at cap

	if err := q.Enqueue(state.Task{TaskID: "issue-1"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, ok := q.Dequeue(); ok {
		t.Fatalf("expected Dequeue to hold head while concurrency is at cap")
	}
	if q.Len() != 1 {
		t.Fatalf("expected head to remain queued, got len=%d", q.Len())
	}
}

func TestDequeueHoldsHeadWhenLockNotAcquirable(t *testing.T) {
	q, store := newTestQueue(t, Config{MaxSize: 10, MaxConcurrent: 10})
	locks := lockservice.New(store, lockservice.Config{TTL: time.Minute, HeartbeatPeriod: time.Second, SweepInterval: time.Minute})
	q.locks = locks

	if err := locks.TryAcquire(5, "some-other-task"); err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if err := q.Enqueue(state.Task{TaskID: "issue-5", Item: state.WorkItem{IssueID: 5}}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, ok := q.Dequeue(); ok {
		t.Fatalf("expected Dequeue to hold head while issue lock is unavailable")
	}
}

func TestRestoreRevalidatesAndDrops(t *testing.T) {
	q, store := newTestQueue(t, Config{MaxSize: 10, MaxConcurrent: 10})
	if err := store.SaveQueueSnapshot([]state.Task{
		{TaskID: "issue-1", Item: state.WorkItem{IssueID: 1}},
		{TaskID: "issue-2", Item: state.WorkItem{IssueID: 2}},
	}); err != nil {
		t.Fatalf("SaveQueueSnapshot: %v", err)
	}

	q.Restore(func(task state.Task) bool { return task.Item.IssueID != 2 })

	if q.Len() != 1 {
		t.Fatalf("expected only 1 task to survive revalidation, got %d", q.Len())
	}
}
