package lockservice

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/poppobuilder/poppobuilder/internal/state"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	store, err := state.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return New(store, Config{TTL: 5 * time.Minute, HeartbeatPeriod: 30 * time.Second, SweepInterval: 10 * time.Minute})
}

func TestTryAcquireExclusive(t *testing.T) {
	svc := newTestService(t)

	if err := svc.TryAcquire(42, "issue-42"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if err := svc.TryAcquire(42, "issue-42-comment-1"); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld for second owner, got %v", err)
	}
}

func TestReleaseThenReacquire(t *testing.T) {
	svc := newTestService(t)

	if err := svc.TryAcquire(7, "issue-7"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := svc.Release(7, "issue-7"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := svc.TryAcquire(7, "issue-7-comment-1"); err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
}

func TestStealsDeadPidLock(t *testing.T) {
	svc := newTestService(t)
	svc.ttl = time.Hour // isolate from TTL expiry for this test

	host, _ := os.Hostname()
	rec := state.LockRecord{
		Owner:      state.LockOwner{PID: 999999, Host: host, TaskID: "issue-9"},
		AcquiredAt: time.Now(),
		TTL:        svc.ttl,
		Heartbeat:  time.Now(),
	}
	if err := writeLockRecord(svc.store.LockPath(9), rec); err != nil {
		t.Fatalf("seeding dead-owner lock: %v", err)
	}

	if err := svc.TryAcquire(9, "issue-9-comment-2"); err != nil {
		t.Fatalf("expected dead-pid lock to be stolen: %v", err)
	}
}

func TestHostMismatchNeverStolen(t *testing.T) {
	svc := newTestService(t)

	rec := state.LockRecord{
		Owner:      state.LockOwner{PID: 999999, Host: "some-other-host", TaskID: "issue-11"},
		AcquiredAt: time.Now().Add(-24 * time.Hour),
		TTL:        time.Minute,
		Heartbeat:  time.Now().Add(-24 * time.Hour),
	}
	if err := writeLockRecord(svc.store.LockPath(11), rec); err != nil {
		t.Fatalf("seeding cross-host lock: %v", err)
	}

	if err := svc.TryAcquire(11, "issue-11-comment-3"); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("expected cross-host lock to never be stolen even though stale, got %v", err)
	}
}
