// Package lockservice implements the daemon's per-issue advisory lock:
// exclusive ownership keyed by issueId, with owner {pid, host, taskId}, TTL + heartbeat, and
// a background sweeper for abandoned locks.
package lockservice

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/poppobuilder/poppobuilder/internal/common/metrics"
	"github.com/poppobuilder/poppobuilder/internal/state"
)

// pidLive reports whether pid refers to a running process on this host.
func pidLive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// ErrLockHeld is returned by TryAcquire when another live, valid owner holds the lock.
var ErrLockHeld = errors.New("lock held")

// Service is the C4 component.
type Service struct {
	store           *state.Store
	ttl             time.Duration
	heartbeatPeriod time.Duration
	sweepInterval   time.Duration

	mu      sync.Mutex
	owned   map[int]state.LockOwner // issueId -> owner, for locks this process holds
	stopped chan struct{}
}

// Config mirrors internal/config.LockConfig.
type Config struct {
	TTL             time.Duration
	HeartbeatPeriod time.Duration
	SweepInterval   time.Duration
}

// New builds a Service backed by store's locks directory.
func New(store *state.Store, cfg Config) *Service {
	return &Service{
		store:           store,
		ttl:             cfg.TTL,
		heartbeatPeriod: cfg.HeartbeatPeriod,
		sweepInterval:   cfg.SweepInterval,
		owned:           map[int]state.LockOwner{},
		stopped:         make(chan struct{}),
	}
}

// TryAcquire attempts to take the lock for issueID on behalf of taskID. If the file is absent,
// it is created; if present and recorded on this host, it is stolen when the holder's pid is
// dead or its heartbeat has exceeded ttl — otherwise ErrLockHeld. A lock recorded on another
// host is never stolen.
func (s *Service) TryAcquire(issueID int, taskID string) error {
	path := s.store.LockPath(issueID)
	host, _ := os.Hostname()

	existing, ok := readLockRecord(path)
	if ok {
		if existing.Owner.TaskID == taskID && existing.Owner.Host == host {
			// Already held by us (e.g. re-acquire after a crash recovery scan); treat as success.
		} else if s.stillValid(existing, host) {
			metrics.LockAcquisitions.WithLabelValues("held").Inc()
			return fmt.Errorf("%w: issue %d held by taskId=%s pid=%d", ErrLockHeld, issueID, existing.Owner.TaskID, existing.Owner.PID)
		} else {
			slog.Info("lockservice: stealing abandoned lock", "issueId", issueID, "previousOwner", existing.Owner)
			metrics.LockAcquisitions.WithLabelValues("stolen").Inc()
		}
	}

	rec := state.LockRecord{
		Owner:      state.LockOwner{PID: os.Getpid(), Host: host, TaskID: taskID},
		AcquiredAt: time.Now(),
		TTL:        s.ttl,
		Heartbeat:  time.Now(),
	}
	if err := writeLockRecord(path, rec); err != nil {
		return err
	}

	s.mu.Lock()
	s.owned[issueID] = rec.Owner
	metrics.LockHeld.Set(float64(len(s.owned)))
	s.mu.Unlock()
	metrics.LockAcquisitions.WithLabelValues("acquired").Inc()
	return nil
}

// stillValid implements the host-verification rule: a lock recorded on a
// different host is always valid (never stolen); a same-host lock is valid only while its
// heartbeat is fresh and its pid is alive.
func (s *Service) stillValid(rec state.LockRecord, host string) bool {
	if rec.Owner.Host != host {
		return true
	}
	if time.Since(rec.Heartbeat) > rec.TTL {
		return false
	}
	return pidLive(rec.Owner.PID)
}

// Refresh extends the heartbeat on a lock this process owns. The dispatcher invokes this on
// its heartbeat tick for each issue it currently holds.
func (s *Service) Refresh(issueID int, taskID string) error {
	path := s.store.LockPath(issueID)
	existing, ok := readLockRecord(path)
	if !ok || existing.Owner.TaskID != taskID {
		return fmt.Errorf("%w: no longer own lock for issue %d", ErrLockHeld, issueID)
	}
	existing.Heartbeat = time.Now()
	return writeLockRecord(path, existing)
}

// Release deletes the lock file iff the recorded owner matches taskID.
func (s *Service) Release(issueID int, taskID string) error {
	path := s.store.LockPath(issueID)
	existing, ok := readLockRecord(path)
	if ok && existing.Owner.TaskID != taskID {
		return nil // not our lock (already stolen); releasing is a no-op, not an error
	}
	if ok {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	s.mu.Lock()
	delete(s.owned, issueID)
	metrics.LockHeld.Set(float64(len(s.owned)))
	s.mu.Unlock()
	return nil
}

// IsAcquirable reports whether issueID's lock could be taken right now, without taking it —
// used by the task queue's dequeue gating.
func (s *Service) IsAcquirable(issueID int) bool {
	path := s.store.LockPath(issueID)
	existing, ok := readLockRecord(path)
	if !ok {
		return true
	}
	host, _ := os.Hostname()
	return !s.stillValid(existing, host)
}

// RunSweeper blocks, removing expired same-host locks every sweepInterval.
// Host-mismatched locks are never swept.
func (s *Service) RunSweeper(stop <-chan struct{}) {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweepOnce()
		case <-stop:
			return
		}
	}
}

func (s *Service) sweepOnce() {
	entries, err := os.ReadDir(s.store.LocksDir())
	if err != nil {
		slog.Warn("lockservice: sweep failed to list locks dir", "error", err)
		return
	}
	host, _ := os.Hostname()
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := s.store.LocksDir() + "/" + entry.Name()
		rec, ok := readLockRecord(path)
		if !ok {
			continue
		}
		if s.stillValid(rec, host) {
			continue
		}
		if rec.Owner.Host != host {
			continue
		}
		slog.Info("lockservice: sweeper removing expired lock", "path", path, "owner", rec.Owner)
		os.Remove(path)
		metrics.LockSweeps.Inc()
	}
}

func readLockRecord(path string) (state.LockRecord, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return state.LockRecord{}, false
	}
	var rec state.LockRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		slog.Warn("lockservice: corrupt lock file, treating as absent", "path", path, "error", err)
		return state.LockRecord{}, false
	}
	return rec, true
}

func writeLockRecord(path string, rec state.LockRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
