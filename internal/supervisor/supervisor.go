// Package supervisor implements the daemon's task execution component:
// it spawns one detached child process per task via a worker-mode re-exec of the running
// binary, tracks its pid/status/output/result artifacts on disk, and polls for completion
// rather than blocking on Wait — so a crash or restart of the daemon itself can still recover
// in-flight work from what's on disk.
package supervisor

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/poppobuilder/poppobuilder/internal/aicli"
	"github.com/poppobuilder/poppobuilder/internal/common/metrics"
	"github.com/poppobuilder/poppobuilder/internal/lockservice"
	"github.com/poppobuilder/poppobuilder/internal/state"
)

// taskStatusSnapshot is the human-readable counterpart to the machine-read .result artifact:
// an operator can `cat <taskId>.status` to see what a running (or just-finished) task is doing
// without parsing JSON.
type taskStatusSnapshot struct {
	TaskID    string    `yaml:"taskId"`
	IssueID   int       `yaml:"issueId"`
	PID       int       `yaml:"pid"`
	StartedAt time.Time `yaml:"startedAt"`
	State     string    `yaml:"state"`
}

func writeStatusSnapshot(path string, snap taskStatusSnapshot) error {
	data, err := yaml.Marshal(snap)
	if err != nil {
		return fmt.Errorf("supervisor: marshal status snapshot: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// Config bundles the supervisor's tunables.
type Config struct {
	TaskTimeout     time.Duration
	AICLIExecutable string
	AICLIArgs       []string
}

// runningTask is an in-memory record of a child this process spawned or adopted on recovery.
type runningTask struct {
	taskID    string
	issueID   int
	pid       int
	startedAt time.Time
	artifacts state.TaskArtifactPaths
}

// Supervisor is the C8 component.
type Supervisor struct {
	cfg      Config
	store    *state.Store
	locks    *lockservice.Service
	tempRoot string
	selfExe  string

	mu      sync.Mutex
	running map[string]*runningTask
}

// New builds a Supervisor. selfExe is the path to the running binary, re-exec'd with --worker
// to become the child process.
func New(store *state.Store, locks *lockservice.Service, tempRoot, selfExe string, cfg Config) *Supervisor {
	return &Supervisor{
		cfg:      cfg,
		store:    store,
		locks:    locks,
		tempRoot: tempRoot,
		selfExe:  selfExe,
		running:  map[string]*runningTask{},
	}
}

func (s *Supervisor) artifactPaths(taskID string) state.TaskArtifactPaths {
	base := filepath.Join(s.tempRoot, taskID)
	return state.TaskArtifactPaths{
		PidFile:    base + ".pid",
		StatusFile: base + ".status",
		OutputFile: base + ".output",
		ResultFile: base + ".result",
	}
}

// TaskInput bundles what the worker process needs to know about a task's source item.
type TaskInput struct {
	TaskID   string
	IssueID  int
	Title    string
	Body     string
	Comments []string
}

// Execute spawns a detached worker process for task and returns its pid immediately; poll
// PollCompletedTasks to learn when it finishes. The child is started with its own session
// (Setsid) so it outlives this process if the daemon is killed or restarted.
func (s *Supervisor) Execute(task TaskInput) (int, error) {
	if err := os.MkdirAll(s.tempRoot, 0755); err != nil {
		return 0, fmt.Errorf("supervisor: creating temp root: %w", err)
	}
	artifacts := s.artifactPaths(task.TaskID)

	instr := aicli.Instruction{
		TaskID:      task.TaskID,
		IssueID:     task.IssueID,
		Title:       task.Title,
		Body:        task.Body,
		Comments:    task.Comments,
		Executable:  s.cfg.AICLIExecutable,
		Args:        s.cfg.AICLIArgs,
		OutputFile:  artifacts.OutputFile,
		ResultFile:  artifacts.ResultFile,
		TimeoutSecs: int(s.cfg.TaskTimeout.Seconds()),
	}
	instructionPath := filepath.Join(s.tempRoot, task.TaskID+".instruction.json")
	if err := aicli.WriteInstruction(instructionPath, instr); err != nil {
		return 0, err
	}

	cmd := exec.Command(s.selfExe, "--worker", "--task-file", instructionPath)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.Stdin = nil

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("supervisor: failed to start worker for %s: %w", task.TaskID, err)
	}
	pid := cmd.Process.Pid
	// Reap the child in the background so it doesn't linger as a zombie once it exits;
	// completion is still discovered by polling for the result artifact, and nothing blocks
	// on this Wait().
	go func() { _ = cmd.Wait() }()

	if err := writePidFile(artifacts.PidFile, pid); err != nil {
		slog.Warn("supervisor: failed to write pid file", "taskId", task.TaskID, "error", err)
	}
	startedAt := time.Now()
	if err := writeStatusSnapshot(artifacts.StatusFile, taskStatusSnapshot{
		TaskID: task.TaskID, IssueID: task.IssueID, PID: pid, StartedAt: startedAt, State: "processing",
	}); err != nil {
		slog.Warn("supervisor: failed to write status snapshot", "taskId", task.TaskID, "error", err)
	}

	rt := &runningTask{taskID: task.TaskID, issueID: task.IssueID, pid: pid, startedAt: startedAt, artifacts: artifacts}
	s.mu.Lock()
	s.running[task.TaskID] = rt
	metrics.SupervisorRunning.Set(float64(len(s.running)))
	s.mu.Unlock()
	metrics.SupervisorTasksSpawned.Inc()

	inflight := s.store.LoadInflightTable()
	inflight[task.TaskID] = state.InflightEntry{
		TaskID: task.TaskID, IssueID: task.IssueID, PID: pid, StartedAt: rt.startedAt,
		Type: "aicli", ArtifactPaths: artifacts,
	}
	if err := s.store.SaveInflightTable(inflight); err != nil {
		slog.Error("supervisor: failed to persist inflight table", "taskId", task.TaskID, "error", err)
	}

	slog.Info("supervisor: spawned worker", "taskId", task.TaskID, "pid", pid)
	return pid, nil
}

// RunningCount reports how many tasks are currently tracked as in-flight, for the task
// queue's concurrency gating.
func (s *Supervisor) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// IsRunning reports whether taskID is currently tracked as in-flight.
func (s *Supervisor) IsRunning(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[taskID]
	return ok
}

// Running returns the taskId → issueId pairs currently tracked as in-flight, including
// workers re-adopted from a previous run.
func (s *Supervisor) Running() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.running))
	for id, rt := range s.running {
		out[id] = rt.issueID
	}
	return out
}

// CompletedTask is one task PollCompletedTasks found finished, with its result.
type CompletedTask struct {
	TaskID  string
	IssueID int
	Result  state.TaskResult
	Crashed bool // true if the pid died without ever writing a result file
}

// PollCompletedTasks checks every tracked task for a result artifact (or a dead pid with no
// result, meaning the worker crashed before it could write one) and removes finished tasks
// from the in-flight table.
func (s *Supervisor) PollCompletedTasks() []CompletedTask {
	s.mu.Lock()
	candidates := make([]*runningTask, 0, len(s.running))
	for _, rt := range s.running {
		candidates = append(candidates, rt)
	}
	s.mu.Unlock()

	var completed []CompletedTask
	for _, rt := range candidates {
		if result, ok := readResult(rt.artifacts.ResultFile); ok {
			completed = append(completed, CompletedTask{TaskID: rt.taskID, IssueID: rt.issueID, Result: result})
			s.forget(rt.taskID, true)
			continue
		}
		if !pidLive(rt.pid) {
			slog.Warn("supervisor: worker process died without writing a result", "taskId", rt.taskID, "pid", rt.pid)
			metrics.SupervisorCrashes.Inc()
			completed = append(completed, CompletedTask{
				TaskID: rt.taskID, IssueID: rt.issueID, Crashed: true,
				Result: state.TaskResult{TaskID: rt.taskID, Success: false, Error: "worker process exited without a result", CompletedAt: time.Now()},
			})
			// Crashed: keep the artifacts around for forensics instead of cleaning up.
			s.forget(rt.taskID, false)
		}
	}
	return completed
}

// forget drops taskID from the in-memory and persisted in-flight tables. When cleanup is true
// (a task finished normally, with a result on disk) its artifact files are also removed; a
// crashed task's artifacts are left in place for forensics.
func (s *Supervisor) forget(taskID string, cleanup bool) {
	s.mu.Lock()
	delete(s.running, taskID)
	metrics.SupervisorRunning.Set(float64(len(s.running)))
	s.mu.Unlock()

	inflight := s.store.LoadInflightTable()
	delete(inflight, taskID)
	if err := s.store.SaveInflightTable(inflight); err != nil {
		slog.Error("supervisor: failed to persist inflight table after completion", "taskId", taskID, "error", err)
	}

	if !cleanup {
		return
	}
	paths := s.artifactPaths(taskID)
	instructionPath := filepath.Join(s.tempRoot, taskID+".instruction.json")
	for _, p := range []string{paths.PidFile, paths.StatusFile, paths.OutputFile, paths.ResultFile, instructionPath} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			slog.Warn("supervisor: failed to remove task artifact", "taskId", taskID, "path", p, "error", err)
		}
	}
}

// RecoverFromPreviousRun reconciles the persisted in-flight table with reality at startup:
// a live pid is re-adopted for polling; a dead pid with a result waiting is surfaced
// immediately; a dead pid with no result is reported as crashed so the caller can release its
// lock and reset the issue's status, per the same recovery path PollCompletedTasks uses.
func (s *Supervisor) RecoverFromPreviousRun() []CompletedTask {
	inflight := s.store.LoadInflightTable()
	var completed []CompletedTask
	for taskID, entry := range inflight {
		if pidLive(entry.PID) {
			s.mu.Lock()
			s.running[taskID] = &runningTask{
				taskID: taskID, issueID: entry.IssueID, pid: entry.PID,
				startedAt: entry.StartedAt, artifacts: entry.ArtifactPaths,
			}
			s.mu.Unlock()
			slog.Info("supervisor: re-adopted live worker from previous run", "taskId", taskID, "pid", entry.PID)
			continue
		}
		if result, ok := readResult(entry.ArtifactPaths.ResultFile); ok {
			completed = append(completed, CompletedTask{TaskID: taskID, IssueID: entry.IssueID, Result: result})
		} else {
			completed = append(completed, CompletedTask{
				TaskID: taskID, IssueID: entry.IssueID, Crashed: true,
				Result: state.TaskResult{TaskID: taskID, Success: false, Error: "daemon restarted; worker pid is gone with no result", CompletedAt: time.Now()},
			})
		}
		delete(inflight, taskID)
	}
	if err := s.store.SaveInflightTable(inflight); err != nil {
		slog.Error("supervisor: failed to persist inflight table after recovery", "error", err)
	}
	return completed
}

// KillAll sends SIGTERM, then after a grace period SIGKILL, to every tracked worker process.
// This is the operator-initiated cancellation escape hatch; normal shutdown never calls it —
// workers are left running detached and reclaimed on the next startup. Artifacts are
// retained for forensics; the orphan sweeper reconciles status and labels afterwards.
func (s *Supervisor) KillAll(grace time.Duration) {
	s.mu.Lock()
	pids := make([]int, 0, len(s.running))
	for _, rt := range s.running {
		pids = append(pids, rt.pid)
	}
	s.mu.Unlock()

	for _, pid := range pids {
		_ = syscall.Kill(pid, syscall.SIGTERM)
	}
	if len(pids) == 0 || grace <= 0 {
		return
	}
	time.Sleep(grace)
	for _, pid := range pids {
		if pidLive(pid) {
			_ = syscall.Kill(pid, syscall.SIGKILL)
		}
	}
}

func writePidFile(path string, pid int) error {
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", pid)), 0644)
}

func readResult(path string) (state.TaskResult, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return state.TaskResult{}, false
	}
	var result state.TaskResult
	if err := json.Unmarshal(data, &result); err != nil {
		return state.TaskResult{}, false
	}
	return result, true
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
