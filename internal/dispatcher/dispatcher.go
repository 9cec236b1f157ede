// Package dispatcher implements the daemon's polling loop: one
// cooperative tick, period configured by Poll.Interval, that fetches open forge items,
// filters and enqueues them, drains the task queue into the subprocess supervisor, polls for
// completions, posts comments, and reconciles status/labels through C5 and C6.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/poppobuilder/poppobuilder/internal/common/metrics"
	"github.com/poppobuilder/poppobuilder/internal/forge"
	"github.com/poppobuilder/poppobuilder/internal/lockservice"
	"github.com/poppobuilder/poppobuilder/internal/ratelimit"
	"github.com/poppobuilder/poppobuilder/internal/retry"
	"github.com/poppobuilder/poppobuilder/internal/state"
	"github.com/poppobuilder/poppobuilder/internal/status"
	"github.com/poppobuilder/poppobuilder/internal/supervisor"
	"github.com/poppobuilder/poppobuilder/internal/taskqueue"
)

// followUpPriority is the higher-than-default priority given to follow-up comment tasks.
const followUpPriority = 10

// PreExecuteHook is the collaborator extension point for a "2-stage processor"
// short-circuit: a registered hook may decide a task
// should not spawn an AI CLI child at all (e.g. because it should instead open a new forge
// item). The default no-op hook never short-circuits; the 2-stage-processor behavior itself
// is out of core scope and lives entirely outside this package.
type PreExecuteHook interface {
	// Before is called for each dequeued task before the dispatcher takes the issue's lock
	// or checks it out. Returning handled=true tells the dispatcher the hook has taken full
	// responsibility for the task; the dispatcher neither locks, checks out, nor spawns a
	// worker for it.
	Before(ctx context.Context, task state.Task) (handled bool, err error)
}

// noopHook is the default PreExecuteHook: it never short-circuits.
type noopHook struct{}

func (noopHook) Before(context.Context, state.Task) (bool, error) { return false, nil }

// Config bundles the dispatcher's tunables, mirroring internal/config.Config's Forge/Poll
// sections.
type Config struct {
	Owner              string
	RequiredLabels     []string
	ExcludedLabels     []string
	CompletionKeywords []string
	FollowUpEnabled    bool

	PollInterval    time.Duration
	HeartbeatPeriod time.Duration

	SuccessCommentHeader string
	ErrorCommentHeader   string
	LogFilePathTemplate  string // %s substituted with the taskId, for the error comment footer
}

// Dispatcher is the C9 component.
type Dispatcher struct {
	cfg Config

	forge      forge.Client
	store      *state.Store
	limiter    *ratelimit.Limiter
	retryer    *retry.Policy
	locks      *lockservice.Service
	statusMgr  *status.Manager
	queue      *taskqueue.Queue
	supervisor *supervisor.Supervisor
	hook       PreExecuteHook

	mu        sync.Mutex
	held      map[string]int // taskId -> issueId, locks this dispatcher currently holds
	recovered []supervisor.CompletedTask
	processed *state.ProcessedSet
	stopped   chan struct{}
}

// New wires the dispatcher over its collaborators. hook may be nil, in which case a no-op
// default is used.
func New(cfg Config, forgeClient forge.Client, store *state.Store, limiter *ratelimit.Limiter,
	retryer *retry.Policy, locks *lockservice.Service, statusMgr *status.Manager,
	queue *taskqueue.Queue, sup *supervisor.Supervisor, hook PreExecuteHook) *Dispatcher {
	if hook == nil {
		hook = noopHook{}
	}
	return &Dispatcher{
		cfg:        cfg,
		forge:      forgeClient,
		store:      store,
		limiter:    limiter,
		retryer:    retryer,
		locks:      locks,
		statusMgr:  statusMgr,
		queue:      queue,
		supervisor: sup,
		hook:       hook,
		held:       map[string]int{},
		processed:  store.LoadProcessedSet(),
		stopped:    make(chan struct{}),
	}
}

// SeedRecovered hands the dispatcher completions the supervisor surfaced while reconciling a
// previous run's in-flight table. They are drained through the normal completion path on the
// next tick, so a restart yields the same comments and labels as an uninterrupted run.
func (d *Dispatcher) SeedRecovered(completed []supervisor.CompletedTask) {
	d.mu.Lock()
	d.recovered = append(d.recovered, completed...)
	d.mu.Unlock()
}

// AdoptInflight re-takes the per-issue lock for every worker re-adopted from a previous run.
// The lock file still names the dead parent's pid; re-acquiring under the same taskId puts it
// under this process so the heartbeat refresh keeps it live until the worker finishes.
func (d *Dispatcher) AdoptInflight() {
	for taskID, issueID := range d.supervisor.Running() {
		if err := d.locks.TryAcquire(issueID, taskID); err != nil {
			slog.Warn("dispatcher: failed to re-adopt lock for recovered worker", "taskId", taskID, "error", err)
			continue
		}
		d.mu.Lock()
		d.held[taskID] = issueID
		d.mu.Unlock()
	}
}

func (d *Dispatcher) takeRecovered() []supervisor.CompletedTask {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.recovered
	d.recovered = nil
	return out
}

// Run blocks, ticking every cfg.PollInterval and refreshing heartbeats every
// cfg.HeartbeatPeriod, until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	pollTicker := time.NewTicker(d.cfg.PollInterval)
	defer pollTicker.Stop()
	heartbeatTicker := time.NewTicker(d.cfg.HeartbeatPeriod)
	defer heartbeatTicker.Stop()

	for {
		select {
		case <-pollTicker.C:
			d.Tick(ctx)
		case <-heartbeatTicker.C:
			d.refreshHeartbeats()
		case <-ctx.Done():
			close(d.stopped)
			return
		}
	}
}

// Tick runs exactly one pass of the dispatcher's ordered polling steps.
func (d *Dispatcher) Tick(ctx context.Context) {
	start := time.Now()
	defer func() { metrics.DispatcherTickDuration.Observe(time.Since(start).Seconds()) }()

	lastRun := &state.LastRun{Timestamp: time.Now()}

	// 1. process-level rate limit.
	if status := d.limiter.IsLimited(ratelimit.ChannelForge); status.Limited {
		slog.Info("dispatcher: forge channel limited, sleeping", "waitFor", status.WaitFor)
		if err := retry.Sleep(ctx, status.WaitFor); err != nil {
			return
		}
	}

	// 2 & 5: fetch open items and (if enabled) follow-up candidates concurrently — the one
	// place in a tick where two independent forge round-trips can overlap.
	var issues []forge.Issue
	var followUps []forge.Issue
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		issues, err = d.forge.ListIssues(gctx, forge.ListOptions{State: "open"})
		return err
	})
	if d.cfg.FollowUpEnabled {
		g.Go(func() error {
			var err error
			followUps, err = d.forge.ListIssues(gctx, forge.ListOptions{State: "open", Labels: []string{"awaiting-response"}})
			return err
		})
	}
	if err := g.Wait(); err != nil {
		metrics.DispatcherTicks.WithLabelValues("forge_error").Inc()
		d.handleForgeError(ctx, err)
		return
	}
	lastRun.ItemsPolled = len(issues) + len(followUps)
	metrics.DispatcherItemsPolled.Add(float64(lastRun.ItemsPolled))

	// 3 & 4: filter and enqueue.
	for _, issue := range issues {
		if !d.eligible(issue) {
			continue
		}
		task := d.newTask(state.WorkItem{
			IssueID: issue.ID, Title: issue.Title, Body: issue.Body,
			Labels: issue.Labels, Author: issue.Author, Type: state.WorkItemInitial,
		}, 0, issue.Labels)
		if d.tryEnqueue(task) {
			lastRun.Enqueued++
		}
	}

	// 5. follow-up comments on awaiting-response issues.
	if d.cfg.FollowUpEnabled {
		for _, issue := range followUps {
			comments, err := d.forge.ListComments(ctx, issue.ID)
			if err != nil {
				slog.Warn("dispatcher: failed to list comments", "issueId", issue.ID, "error", err)
				continue
			}
			for _, c := range comments {
				if d.processed.Comments[issue.ID][c.ID] {
					continue
				}
				// The owner filter also keeps the daemon's own completion comments from
				// feeding back in as follow-up work.
				if d.cfg.Owner != "" && c.Author != d.cfg.Owner {
					continue
				}
				task := d.newTask(state.WorkItem{
					IssueID: issue.ID, CommentID: c.ID, Title: issue.Title, Body: c.Body,
					Labels: issue.Labels, Author: c.Author, Type: state.WorkItemFollowUp,
				}, followUpPriority, issue.Labels)
				if d.tryEnqueue(task) {
					lastRun.Enqueued++
				}
			}
		}
	}

	// 6. drain the queue into the supervisor.
	d.drain(ctx)

	// 7. poll for completions, including any surfaced by startup recovery.
	completed := append(d.takeRecovered(), d.supervisor.PollCompletedTasks()...)
	for _, c := range completed {
		if c.Result.Success {
			lastRun.Completed++
		} else {
			lastRun.Errored++
		}
		d.handleCompletion(ctx, c)
	}

	// 8. heartbeats (also run on their own ticker; a tick refreshes them too so a slow
	// poll interval never starves heartbeats entirely).
	d.refreshHeartbeats()

	// 9. persist incremental state.
	if err := d.store.SaveProcessedSet(d.processed); err != nil {
		slog.Error("dispatcher: failed to persist processed set", "error", err)
	}
	if err := d.store.SaveLastRun(lastRun); err != nil {
		slog.Error("dispatcher: failed to persist last-run metadata", "error", err)
	}
	metrics.DispatcherTicks.WithLabelValues("ok").Inc()
}

// eligible checks that the author matches the configured owner, at least one
// required label is present, no excluded label is present, and the issue is not already in
// the processed set.
func (d *Dispatcher) eligible(issue forge.Issue) bool {
	if d.cfg.Owner != "" && issue.Author != d.cfg.Owner {
		return false
	}
	if d.processed.Issues[issue.ID] {
		return false
	}
	if !hasAny(issue.Labels, d.cfg.RequiredLabels) {
		return false
	}
	if hasAny(issue.Labels, d.cfg.ExcludedLabels) {
		return false
	}
	return true
}

func hasAny(labels, candidates []string) bool {
	for _, l := range labels {
		for _, c := range candidates {
			if l == c {
				return true
			}
		}
	}
	return false
}

func (d *Dispatcher) newTask(item state.WorkItem, priority int, labelsAtEnqueue []string) state.Task {
	return state.Task{
		TaskID: item.TaskID(), Priority: priority, EnqueuedAt: time.Now(),
		Item: item, LabelsAtEnqueue: labelsAtEnqueue,
	}
}

// tryEnqueue enqueues task, logging (not failing the tick) on duplicate suppression or a
// full queue — both are expected steady-state outcomes, not errors.
func (d *Dispatcher) tryEnqueue(task state.Task) bool {
	if err := d.queue.Enqueue(task); err != nil {
		if errors.Is(err, taskqueue.ErrDuplicate) {
			slog.Debug("dispatcher: skipping duplicate", "taskId", task.TaskID)
		} else if errors.Is(err, taskqueue.ErrQueueFull) {
			slog.Warn("dispatcher: queue full, deferring to next poll", "taskId", task.TaskID)
		} else {
			slog.Warn("dispatcher: enqueue failed", "taskId", task.TaskID, "error", err)
		}
		return false
	}
	metrics.DispatcherTasksEnqueued.WithLabelValues(string(task.Item.Type)).Inc()
	return true
}

// drain repeatedly dequeues while the queue yields a task, acquiring that issue's lock and
// status checkout before handing the task to the supervisor. A lock or checkout conflict
// defers the task to the next poll tick rather than retrying in a tight loop.
func (d *Dispatcher) drain(ctx context.Context) {
	for {
		task, ok := d.queue.Dequeue()
		if !ok {
			return
		}

		issueID := task.Item.IssueID
		taskID := task.TaskID

		if handled, err := d.hook.Before(ctx, *task); err != nil {
			slog.Warn("dispatcher: pre-execute hook failed", "taskId", taskID, "error", err)
		} else if handled {
			continue
		}

		if err := d.locks.TryAcquire(issueID, taskID); err != nil {
			slog.Info("dispatcher: lock conflict, deferring task to next poll", "taskId", taskID, "error", err)
			continue
		}

		taskType := string(task.Item.Type)
		if err := d.statusMgr.Checkout(issueID, taskID, taskType); err != nil {
			slog.Info("dispatcher: checkout conflict, releasing lock and deferring", "taskId", taskID, "error", err)
			_ = d.locks.Release(issueID, taskID)
			continue
		}

		d.mu.Lock()
		d.held[taskID] = issueID
		d.mu.Unlock()

		var comments []string
		if task.Item.Type == state.WorkItemFollowUp {
			comments = []string{task.Item.Body}
		}

		pid, err := d.supervisor.Execute(supervisor.TaskInput{
			TaskID: taskID, IssueID: issueID, Title: task.Item.Title, Body: task.Item.Body, Comments: comments,
		})
		if err != nil {
			slog.Error("dispatcher: spawn failed", "taskId", taskID, "error", err)
			_ = d.statusMgr.ResetIssueStatus(issueID)
			d.releaseLock(taskID, issueID)
			continue
		}
		if err := d.statusMgr.SetPID(issueID, pid); err != nil {
			slog.Warn("dispatcher: failed to record pid", "taskId", taskID, "error", err)
		}
	}
}

// handleCompletion posts exactly one forge comment, then
// transition status (and, through the retry policy, decide whether a failed task gets reset
// back to idle for re-pickup on a future poll, or left in the terminal error state).
func (d *Dispatcher) handleCompletion(ctx context.Context, c supervisor.CompletedTask) {
	taskID := c.TaskID
	issueID := c.IssueID

	switch {
	case c.Crashed:
		metrics.DispatcherTasksCompleted.WithLabelValues("crashed").Inc()
	case c.Result.Success:
		metrics.DispatcherTasksCompleted.WithLabelValues("success").Inc()
	default:
		metrics.DispatcherTasksCompleted.WithLabelValues("error").Inc()
	}

	if c.Result.Success {
		d.postSuccessComment(ctx, issueID, c.Result.Output)
		newState := state.StatusCompleted
		if d.cfg.FollowUpEnabled && !matchesCompletionKeyword(c.Result.Output, d.cfg.CompletionKeywords) {
			newState = state.StatusAwaitingResponse
		}
		if err := d.statusMgr.Checkin(issueID, newState, c.Result.Output); err != nil {
			slog.Error("dispatcher: checkin failed", "taskId", taskID, "error", err)
		}
		d.markProcessed(issueID, taskID)
		d.retryer.ResetCounter(taskID)
		d.limiter.ResetTaskCounter(taskID)
		d.releaseLock(taskID, issueID)
		return
	}

	d.postErrorComment(ctx, issueID, c.Result.Error, taskID)

	failure := fmt.Errorf("%s", c.Result.Error)
	if d.retryer.ShouldRetry(taskID, failure) {
		delay := d.retryer.NextDelay(taskID, failure)
		slog.Info("dispatcher: task failed, resetting for retry", "taskId", taskID, "retryIn", delay)
		if err := d.statusMgr.ResetIssueStatus(issueID); err != nil {
			slog.Error("dispatcher: reset failed", "taskId", taskID, "error", err)
		}
	} else {
		slog.Warn("dispatcher: task failed, retries exhausted", "taskId", taskID)
		if err := d.statusMgr.Checkin(issueID, state.StatusError, c.Result.Error); err != nil {
			slog.Error("dispatcher: checkin to error failed", "taskId", taskID, "error", err)
		}
		d.markProcessed(issueID, taskID)
	}
	d.releaseLock(taskID, issueID)
}

func (d *Dispatcher) markProcessed(issueID int, taskID string) {
	d.processed.Issues[issueID] = true
	if strings.Contains(taskID, "-comment-") {
		if d.processed.Comments[issueID] == nil {
			d.processed.Comments[issueID] = map[int]bool{}
		}
		// The comment id is embedded in taskID as issue-<id>-comment-<commentId>; the
		// caller already knows it structurally, but we only have taskID here, so derive it.
		if cid, ok := parseCommentID(taskID); ok {
			d.processed.Comments[issueID][cid] = true
		}
	}
}

func parseCommentID(taskID string) (int, bool) {
	idx := strings.LastIndex(taskID, "-comment-")
	if idx < 0 {
		return 0, false
	}
	var n int
	if _, err := fmt.Sscanf(taskID[idx+len("-comment-"):], "%d", &n); err != nil {
		return 0, false
	}
	return n, true
}

func (d *Dispatcher) postSuccessComment(ctx context.Context, issueID int, output string) {
	header := d.cfg.SuccessCommentHeader
	if header == "" {
		header = "## Completed"
	}
	body := fmt.Sprintf("%s\n\n%s", header, output)
	if err := d.forge.AddComment(ctx, issueID, body); err != nil {
		slog.Error("dispatcher: failed to post completion comment", "issueId", issueID, "error", err)
	}
}

func (d *Dispatcher) postErrorComment(ctx context.Context, issueID int, errMsg, taskID string) {
	header := d.cfg.ErrorCommentHeader
	if header == "" {
		header = "## Error"
	}
	class := retry.ClassifyError(fmt.Errorf("%s", errMsg))
	retryable := d.retryer.ShouldRetry(taskID, fmt.Errorf("%s", errMsg))
	logPath := taskID
	if d.cfg.LogFilePathTemplate != "" {
		logPath = fmt.Sprintf(d.cfg.LogFilePathTemplate, taskID)
	}
	body := fmt.Sprintf("%s\n\n%s\n\nclass: %s\nretryable: %t\nlog: %s", header, errMsg, class, retryable, logPath)
	if err := d.forge.AddComment(ctx, issueID, body); err != nil {
		slog.Error("dispatcher: failed to post error comment", "issueId", issueID, "error", err)
	}
}

// matchesCompletionKeyword applies case-insensitive
// substring match of any configured keyword against the child's captured output.
func matchesCompletionKeyword(output string, keywords []string) bool {
	lower := strings.ToLower(output)
	for _, k := range keywords {
		if k == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(k)) {
			return true
		}
	}
	return false
}

func (d *Dispatcher) releaseLock(taskID string, issueID int) {
	if err := d.locks.Release(issueID, taskID); err != nil {
		slog.Warn("dispatcher: failed to release lock", "taskId", taskID, "error", err)
	}
	d.releaseHeld(taskID)
}

func (d *Dispatcher) releaseHeld(taskID string) {
	d.mu.Lock()
	delete(d.held, taskID)
	d.mu.Unlock()
}

// refreshHeartbeats refreshes every processing status record's
// heartbeat is refreshed, and this dispatcher refreshes its own held locks in step with it so
// a long-running task's lock never expires out from under it.
func (d *Dispatcher) refreshHeartbeats() {
	for issueID := range d.statusMgr.AllProcessing() {
		if err := d.statusMgr.UpdateHeartbeat(issueID); err != nil {
			slog.Warn("dispatcher: heartbeat update failed", "issueId", issueID, "error", err)
		}
	}
	d.mu.Lock()
	held := make(map[string]int, len(d.held))
	for k, v := range d.held {
		held[k] = v
	}
	d.mu.Unlock()
	for taskID, issueID := range held {
		if err := d.locks.Refresh(issueID, taskID); err != nil {
			slog.Warn("dispatcher: lock refresh failed", "taskId", taskID, "error", err)
		}
	}
}

func (d *Dispatcher) handleForgeError(ctx context.Context, err error) {
	class := retry.ClassifyError(err)
	switch class {
	case retry.ClassRateLimit:
		slog.Warn("dispatcher: forge rate limited during fetch", "error", err)
	case retry.ClassAuth:
		slog.Error("dispatcher: forge auth error, pausing until next tick", "error", err)
	default:
		slog.Error("dispatcher: forge fetch failed", "error", err)
	}
}

// Stop persists the queue snapshot and processed set and waits for the current tick (if any)
// to finish. It does not touch running children — shutdown never cancels
// in-flight work.
func (d *Dispatcher) Stop(ctx context.Context) error {
	if err := d.store.SaveProcessedSet(d.processed); err != nil {
		return fmt.Errorf("dispatcher: failed to persist processed set on shutdown: %w", err)
	}
	if err := d.store.SaveQueueSnapshot(d.queue.Snapshot()); err != nil {
		return fmt.Errorf("dispatcher: failed to persist queue snapshot on shutdown: %w", err)
	}
	select {
	case <-d.stopped:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}
