package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestProcessedSetRoundTrip(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	ps := &ProcessedSet{
		Issues:   map[int]bool{42: true, 7: true},
		Comments: map[int]map[int]bool{42: {101: true}},
	}
	if err := s.SaveProcessedSet(ps); err != nil {
		t.Fatalf("SaveProcessedSet: %v", err)
	}

	loaded := s.LoadProcessedSet()
	if !loaded.Issues[42] || !loaded.Issues[7] {
		t.Fatalf("loaded issues missing expected ids: %v", loaded.Issues)
	}
	if !loaded.Comments[42][101] {
		t.Fatalf("loaded comments missing expected id: %v", loaded.Comments)
	}
}

func TestReadJSONTolerantMissingFile(t *testing.T) {
	var tasks []Task
	readJSONTolerant(filepath.Join(t.TempDir(), "does-not-exist.json"), &tasks)
	if tasks != nil {
		t.Fatalf("expected nil slice for missing file, got %v", tasks)
	}
}

func TestAcquireProcessLockStealsStale(t *testing.T) {
	root := t.TempDir()
	s, err := NewStore(root)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	// Simulate a stale lock: dead pid, old timestamp.
	host, _ := os.Hostname()
	stale := ProcessLockRecord{PID: 999999, Host: host, StartedAt: time.Now().Add(-time.Hour)}
	if err := writeJSONAtomic(filepath.Join(root, "process.lock"), stale); err != nil {
		t.Fatalf("seeding stale lock: %v", err)
	}

	lock, err := s.AcquireProcessLock()
	if err != nil {
		t.Fatalf("expected stale lock to be stolen, got error: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
}
