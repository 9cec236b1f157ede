// Package lifecycle coordinates the daemon's ordered shutdown. Phases encode release-order
// dependencies: polling stops first so no new work is admitted (the daemon's polling hook also
// flushes the processed set and queue snapshot), the lock sweeper and HTTP mux stop after the
// label arbiter, and the process lock is released in the final phase. Per-issue locks held
// for running workers are left in place. Worker processes are never part of any phase — they run detached, outlive the
// daemon, and are reclaimed on the next startup.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// ShutdownPhase orders the daemon's teardown steps.
type ShutdownPhase int

const (
	// PhasePolling stops the dispatcher tick loop, letting any in-flight tick finish.
	PhasePolling ShutdownPhase = iota
	// PhaseSupervisor reports (but never kills) the workers still running detached.
	PhaseSupervisor
	// PhaseArbiter stops the label arbiter; unapplied request files survive on disk.
	PhaseArbiter
	// PhaseLock stops the per-issue lock sweeper.
	PhaseLock
	// PhaseStore runs the last teardown before the process lock is released; the daemon stops
	// its HTTP mux here.
	PhaseStore
	// PhaseFinal releases the process lock. Always last.
	PhaseFinal
)

var phaseOrder = []ShutdownPhase{PhasePolling, PhaseSupervisor, PhaseArbiter, PhaseLock, PhaseStore, PhaseFinal}

func (p ShutdownPhase) String() string {
	switch p {
	case PhasePolling:
		return "polling"
	case PhaseSupervisor:
		return "supervisor"
	case PhaseArbiter:
		return "arbiter"
	case PhaseLock:
		return "lock"
	case PhaseStore:
		return "store"
	case PhaseFinal:
		return "final"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// ShutdownHook is one teardown step, bound to a phase.
type ShutdownHook struct {
	Name     string
	Phase    ShutdownPhase
	Timeout  time.Duration
	Shutdown func(ctx context.Context) error
}

// Manager runs registered hooks phase by phase once a shutdown signal arrives. Hooks within
// a phase run sequentially in registration order — the phases exist precisely because the
// steps must not overlap, so there is nothing to parallelize.
type Manager struct {
	mu     sync.Mutex
	hooks  map[ShutdownPhase][]ShutdownHook
	done   chan struct{}
	once   sync.Once
	signal os.Signal
}

// NewManager returns an empty Manager; register hooks before calling Run.
func NewManager() *Manager {
	return &Manager{
		hooks: map[ShutdownPhase][]ShutdownHook{},
		done:  make(chan struct{}),
	}
}

// RegisterHook binds hook to its phase. A zero Timeout gets a 10s default.
func (m *Manager) RegisterHook(hook ShutdownHook) {
	if hook.Timeout <= 0 {
		hook.Timeout = 10 * time.Second
	}
	m.mu.Lock()
	m.hooks[hook.Phase] = append(m.hooks[hook.Phase], hook)
	m.mu.Unlock()
}

// RegisterPollingShutdown registers the dispatcher tick loop's shutdown hook.
func (m *Manager) RegisterPollingShutdown(name string, shutdown func(ctx context.Context) error) {
	m.RegisterHook(ShutdownHook{Name: name, Phase: PhasePolling, Timeout: 15 * time.Second, Shutdown: shutdown})
}

// RegisterSupervisorShutdown registers the supervisor's hook. By design it only reports the
// detached workers left running; nothing here terminates them.
func (m *Manager) RegisterSupervisorShutdown(name string, shutdown func(ctx context.Context) error) {
	m.RegisterHook(ShutdownHook{Name: name, Phase: PhaseSupervisor, Timeout: 5 * time.Second, Shutdown: shutdown})
}

// RegisterArbiterShutdown registers the label arbiter's stop hook.
func (m *Manager) RegisterArbiterShutdown(name string, shutdown func(ctx context.Context) error) {
	m.RegisterHook(ShutdownHook{Name: name, Phase: PhaseArbiter, Timeout: 10 * time.Second, Shutdown: shutdown})
}

// RegisterLockShutdown registers the lock service's hook (the daemon stops its lock sweeper).
func (m *Manager) RegisterLockShutdown(name string, shutdown func(ctx context.Context) error) {
	m.RegisterHook(ShutdownHook{Name: name, Phase: PhaseLock, Timeout: 5 * time.Second, Shutdown: shutdown})
}

// RegisterStoreShutdown registers a hook for PhaseStore (the daemon stops its HTTP mux).
func (m *Manager) RegisterStoreShutdown(name string, shutdown func(ctx context.Context) error) {
	m.RegisterHook(ShutdownHook{Name: name, Phase: PhaseStore, Timeout: 10 * time.Second, Shutdown: shutdown})
}

// Shutdown triggers teardown without an OS signal (e.g. from a fatal internal error).
func (m *Manager) Shutdown() {
	m.once.Do(func() { close(m.done) })
}

// Signal reports the OS signal that triggered shutdown, or nil if Shutdown was called
// programmatically. The entrypoint maps it to the exit code (130 SIGINT, 143 SIGTERM).
func (m *Manager) Signal() os.Signal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.signal
}

// Run blocks until SIGINT/SIGTERM (or Shutdown), then executes every phase in order. A hook
// failure or timeout is recorded and teardown continues — a failed store flush must not keep
// the process lock held — and the joined errors are returned at the end.
func (m *Manager) Run() error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		m.mu.Lock()
		m.signal = sig
		m.mu.Unlock()
		slog.Info("lifecycle: shutdown signal received", "signal", sig.String())
	case <-m.done:
		slog.Info("lifecycle: shutdown requested")
	}

	return m.execute()
}

func (m *Manager) execute() error {
	m.mu.Lock()
	hooks := make(map[ShutdownPhase][]ShutdownHook, len(m.hooks))
	for phase, hs := range m.hooks {
		hooks[phase] = append([]ShutdownHook(nil), hs...)
	}
	m.mu.Unlock()

	var errs []error
	for _, phase := range phaseOrder {
		for _, hook := range hooks[phase] {
			if err := runHook(hook); err != nil {
				errs = append(errs, fmt.Errorf("%s/%s: %w", phase, hook.Name, err))
			}
		}
	}

	if len(errs) > 0 {
		slog.Warn("lifecycle: shutdown finished with errors", "count", len(errs))
		return errors.Join(errs...)
	}
	slog.Info("lifecycle: shutdown complete")
	return nil
}

// runHook gives hook its own deadline. A hook that overruns is abandoned to its goroutine —
// its Shutdown func holds no resources the later phases need, so waiting longer only delays
// the process-lock release.
func runHook(hook ShutdownHook) error {
	ctx, cancel := context.WithTimeout(context.Background(), hook.Timeout)
	defer cancel()

	slog.Debug("lifecycle: running shutdown hook", "phase", hook.Phase.String(), "hook", hook.Name)

	result := make(chan error, 1)
	go func() { result <- hook.Shutdown(ctx) }()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		slog.Warn("lifecycle: shutdown hook overran its deadline", "phase", hook.Phase.String(), "hook", hook.Name, "timeout", hook.Timeout)
		return fmt.Errorf("timed out after %s", hook.Timeout)
	}
}
