// Package state implements the daemon's file-backed durable store: atomic
// load/save of processed-item sets, the in-flight task table, the queue snapshot, status
// records, last-run metadata, and the process-level exclusive lock.
package state

import "time"

// WorkItemType distinguishes an issue from a follow-up comment on an issue.
type WorkItemType string

const (
	WorkItemInitial  WorkItemType = "initial"
	WorkItemFollowUp WorkItemType = "follow-up"
)

// WorkItem is immutable once enqueued; the dispatcher executes it as enqueued, without
// re-fetching it from the forge.
type WorkItem struct {
	IssueID   int          `json:"issueId"`
	CommentID int          `json:"commentId,omitempty"`
	Title     string       `json:"title"`
	Body      string       `json:"body"`
	Labels    []string     `json:"labels"`
	Author    string       `json:"author"`
	Type      WorkItemType `json:"type"`
}

// TaskID returns the deterministic scheduling id for this item:
// "issue-<id>" for an initial item, "issue-<id>-comment-<commentId>" for a follow-up.
func (w WorkItem) TaskID() string {
	if w.Type == WorkItemFollowUp {
		return taskIDForComment(w.IssueID, w.CommentID)
	}
	return taskIDForIssue(w.IssueID)
}

func taskIDForIssue(issueID int) string {
	return "issue-" + itoa(issueID)
}

func taskIDForComment(issueID, commentID int) string {
	return "issue-" + itoa(issueID) + "-comment-" + itoa(commentID)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Task is a unit of scheduling carried by the task queue.
type Task struct {
	TaskID          string    `json:"taskId"`
	Priority        int       `json:"priority"`
	Attempts        int       `json:"attempts"`
	EnqueuedAt      time.Time `json:"enqueuedAt"`
	Item            WorkItem  `json:"item"`
	LabelsAtEnqueue []string  `json:"labelsAtEnqueue"`
}

// Status is the StatusRecord state machine's current value.
type Status string

const (
	StatusIdle             Status = "idle"
	StatusPending          Status = "pending"
	StatusProcessing       Status = "processing"
	StatusAwaitingResponse Status = "awaiting-response"
	StatusCompleted        Status = "completed"
	StatusError            Status = "error"
	StatusSkipped          Status = "skipped"
)

// StatusRecord is keyed by issue id (see Store.LoadStatusRecords).
type StatusRecord struct {
	IssueID       int       `json:"issueId"`
	State         Status    `json:"state"`
	ProcessID     string    `json:"processId"` // owning taskId
	PID           int       `json:"pid"`
	StartedAt     time.Time `json:"startedAt"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	EndedAt       time.Time `json:"endedAt"`
	TaskType      string    `json:"taskType"`
	Result        string    `json:"result"`
	RetryCount    int       `json:"retryCount"`
}

// LabelMutationRequest is the file-persisted unit C6 emits and C5 alone consumes.
type LabelMutationRequest struct {
	RequestID    string    `json:"requestId"`
	IssueID      int       `json:"issueId"`
	AddLabels    []string  `json:"addLabels"`
	RemoveLabels []string  `json:"removeLabels"`
	RequestedBy  string    `json:"requestedBy"`
	Reason       string    `json:"reason"`
	Timestamp    time.Time `json:"timestamp"`
}

// LockOwner identifies the holder of a per-issue lock.
type LockOwner struct {
	PID    int    `json:"pid"`
	Host   string `json:"host"`
	TaskID string `json:"taskId"`
}

// LockRecord is the on-disk content of a <issueId>.lock file.
type LockRecord struct {
	Owner      LockOwner     `json:"owner"`
	AcquiredAt time.Time     `json:"acquiredAt"`
	TTL        time.Duration `json:"ttl"`
	Heartbeat  time.Time     `json:"heartbeat"`
}

// ProcessedSet is the idempotency ledger: issues and comments already driven to completion
// in this (or a previous) run of the daemon.
type ProcessedSet struct {
	Issues   map[int]bool         `json:"-"`
	Comments map[int]map[int]bool `json:"-"`
}

// TaskArtifactPaths names the four files the supervisor maintains per running task.
type TaskArtifactPaths struct {
	PidFile    string `json:"pidFile"`
	StatusFile string `json:"statusFile"`
	OutputFile string `json:"outputFile"`
	ResultFile string `json:"resultFile"`
}

// InflightEntry is one row of the durable InflightTable the supervisor owns.
type InflightEntry struct {
	TaskID        string            `json:"taskId"`
	IssueID       int               `json:"issueId"`
	PID           int               `json:"pid"`
	StartedAt     time.Time         `json:"startedAt"`
	Type          string            `json:"type"`
	ArtifactPaths TaskArtifactPaths `json:"artifactPaths"`
}

// TaskResult is the structured completion record a worker-mode child writes to its
// <taskId>.result artifact.
type TaskResult struct {
	TaskID      string    `json:"taskId"`
	ExitCode    int       `json:"exitCode"`
	Success     bool      `json:"success"`
	Output      string    `json:"output"`
	Error       string    `json:"error"`
	CompletedAt time.Time `json:"completedAt"`
}

// ProcessLockRecord is the content of process.lock: who is currently running the daemon.
type ProcessLockRecord struct {
	PID       int       `json:"pid"`
	Host      string    `json:"host"`
	StartedAt time.Time `json:"startedAt"`
}

// LastRun records per-run counters alongside timestamp metadata.
type LastRun struct {
	Timestamp   time.Time `json:"timestamp"`
	ItemsPolled int       `json:"itemsPolled"`
	Enqueued    int       `json:"enqueued"`
	Completed   int       `json:"completed"`
	Errored     int       `json:"errored"`
}
