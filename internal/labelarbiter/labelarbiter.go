// Package labelarbiter implements the daemon's singleton label reconciler: the only
// component allowed to mutate forge labels, and the sole orphan sweeper that recovers
// status state after a subprocess crash leaves labels inconsistent.
package labelarbiter

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/poppobuilder/poppobuilder/internal/common/metrics"
	"github.com/poppobuilder/poppobuilder/internal/forge"
	"github.com/poppobuilder/poppobuilder/internal/lockservice"
	"github.com/poppobuilder/poppobuilder/internal/state"
)

// Config mirrors internal/config.ArbiterConfig.
type Config struct {
	PollInterval     time.Duration
	MaxRetries       int
	OrphanSweepEvery time.Duration
	HeartbeatTimeout time.Duration
}

// Arbiter is the C5 component.
type Arbiter struct {
	store   *state.Store
	forge   forge.Client
	locks   *lockservice.Service
	cfg     Config
	retries map[string]int
	sf      singleflight.Group
}

// New builds an Arbiter. locks is used only by the orphan sweeper, to release a crashed
// task's lock once its status record is reconciled.
func New(store *state.Store, client forge.Client, locks *lockservice.Service, cfg Config) *Arbiter {
	return &Arbiter{store: store, forge: client, locks: locks, cfg: cfg, retries: map[string]int{}}
}

// Run blocks, polling the requests directory and periodically sweeping orphans, until stop
// is closed. This is meant to run as its own goroutine for the lifetime of the process —
// the singleton reconciler for label state.
func (a *Arbiter) Run(ctx context.Context, stop <-chan struct{}) {
	pollTicker := time.NewTicker(a.cfg.PollInterval)
	sweepTicker := time.NewTicker(a.cfg.OrphanSweepEvery)
	defer pollTicker.Stop()
	defer sweepTicker.Stop()

	for {
		select {
		case <-pollTicker.C:
			a.ProcessRequestsOnce(ctx)
		case <-sweepTicker.C:
			a.SweepOrphans(ctx)
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// ProcessRequestsOnce reads every pending LabelMutationRequest, applies each in file-mtime
// order, and deletes it on success (or moves it to failed/ after cfg.MaxRetries). Requests
// for different issues may interleave; requests for the same issue are naturally serialized
// because this method processes the whole directory sequentially.
func (a *Arbiter) ProcessRequestsOnce(ctx context.Context) {
	dir := a.store.RequestsDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		slog.Warn("labelarbiter: failed to list requests dir", "error", err)
		return
	}

	type fileInfo struct {
		name    string
		modTime time.Time
	}
	files := make([]fileInfo, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, fileInfo{name: e.Name(), modTime: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].modTime.Before(files[j].modTime) })

	for _, f := range files {
		a.processOne(ctx, filepath.Join(dir, f.name))
	}
}

func (a *Arbiter) processOne(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return // raced with a delete from a previous pass; nothing to do
	}
	var req state.LabelMutationRequest
	if err := json.Unmarshal(data, &req); err != nil {
		slog.Warn("labelarbiter: malformed request, moving to failed", "path", path, "error", err)
		a.moveToFailed(path)
		return
	}

	if _, err := a.forge.GetIssue(ctx, req.IssueID); err != nil {
		if !errors.Is(err, forge.ErrNotFound) {
			a.handleFailure(path, req, err)
			return
		}
		slog.Warn("labelarbiter: referenced issue missing, dropping request", "issueId", req.IssueID, "error", err)
		os.Remove(path)
		metrics.ArbiterRequestsProcessed.WithLabelValues("dropped").Inc()
		return
	}

	if len(req.AddLabels) > 0 {
		if err := a.forge.AddLabels(ctx, req.IssueID, req.AddLabels); err != nil {
			a.handleFailure(path, req, err)
			return
		}
	}
	if len(req.RemoveLabels) > 0 {
		if err := a.forge.RemoveLabels(ctx, req.IssueID, req.RemoveLabels); err != nil {
			a.handleFailure(path, req, err)
			return
		}
	}

	os.Remove(path)
	delete(a.retries, path)
	metrics.ArbiterRequestsProcessed.WithLabelValues("applied").Inc()
	slog.Debug("labelarbiter: applied label mutation", "issueId", req.IssueID, "add", req.AddLabels, "remove", req.RemoveLabels)
}

func (a *Arbiter) handleFailure(path string, req state.LabelMutationRequest, err error) {
	a.retries[path]++
	slog.Warn("labelarbiter: label mutation failed, will retry", "issueId", req.IssueID, "attempt", a.retries[path], "error", err)
	if a.retries[path] >= a.cfg.MaxRetries {
		a.moveToFailed(path)
	}
}

func (a *Arbiter) moveToFailed(path string) {
	dest := filepath.Join(a.store.RequestsFailedDir(), filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		slog.Error("labelarbiter: failed to move request to failed dir", "path", path, "error", err)
	}
	delete(a.retries, path)
	metrics.ArbiterRequestsProcessed.WithLabelValues("failed").Inc()
}

// SweepOrphans implements periodic orphan recovery: for every processing status
// record whose heartbeat is stale and whose owning pid is dead, transition it to error,
// remove the processing label, and release its lock. Collapsed via singleflight so a manual
// sweep trigger and the periodic timer never run concurrently.
func (a *Arbiter) SweepOrphans(ctx context.Context) {
	_, _, _ = a.sf.Do("sweep", func() (interface{}, error) {
		a.sweepOrphansOnce(ctx)
		return nil, nil
	})
}

func (a *Arbiter) sweepOrphansOnce(ctx context.Context) {
	records := a.store.LoadStatusRecords()
	inflight := a.store.LoadInflightTable()

	for issueID, rec := range records {
		if rec.State != state.StatusProcessing {
			continue
		}
		if time.Since(rec.LastHeartbeat) <= a.cfg.HeartbeatTimeout {
			continue
		}
		if pidLive(rec.PID) {
			continue
		}

		slog.Warn("labelarbiter: sweeping orphaned processing record", "issueId", issueID, "taskId", rec.ProcessID, "lastHeartbeat", rec.LastHeartbeat)

		if err := a.forge.RemoveLabels(ctx, issueID, []string{"processing"}); err != nil {
			slog.Error("labelarbiter: orphan sweep failed to remove label", "issueId", issueID, "error", err)
			continue
		}

		rec.State = state.StatusError
		rec.EndedAt = time.Now()
		records[issueID] = rec
		metrics.ArbiterOrphansSwept.Inc()

		if entry, ok := inflight[rec.ProcessID]; ok {
			delete(inflight, entry.TaskID)
		}
		if a.locks != nil && rec.ProcessID != "" {
			_ = a.locks.Release(issueID, rec.ProcessID)
		}
	}

	if err := a.store.SaveStatusRecords(records); err != nil {
		slog.Error("labelarbiter: failed to persist orphan sweep results", "error", err)
	}
	if err := a.store.SaveInflightTable(inflight); err != nil {
		slog.Error("labelarbiter: failed to persist inflight table after sweep", "error", err)
	}
}

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
