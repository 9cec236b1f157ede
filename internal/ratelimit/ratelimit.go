// Package ratelimit implements the daemon's rate-limiting component: a
// per-channel token bucket backed by a circuit breaker, with a per-task back-off wait that
// gives up after a bounded number of attempts.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// Channel names the two external rate-limited surfaces this daemon talks to.
type Channel string

const (
	ChannelForge Channel = "forge"
	ChannelAICLI Channel = "aicli"
)

// ErrRetryExhausted is raised by WaitWithBackoff once a task's per-task wait counter exceeds
// the configured cap (default 5).
var ErrRetryExhausted = errors.New("rate limit retry exhausted")

// channelState tracks the forge/AI-CLI-reported remaining quota and reset time, and wraps
// access to that channel in a circuit breaker so a channel that is failing outright (rather
// than merely rate-limited) stops being hammered between dispatcher ticks.
type channelState struct {
	mu        sync.Mutex
	remaining int
	resetAt   time.Time
	limiter   *rate.Limiter
	breaker   *gobreaker.CircuitBreaker
}

// Limiter is the C2 component. One Limiter instance is shared by the dispatcher and the
// supervisor so both the forge and the AI CLI channel share the same view of quota state.
type Limiter struct {
	mu       sync.Mutex
	channels map[Channel]*channelState
	waits    map[string]int // per-taskId wait-attempt counters
	maxWaits int
}

// Config bundles the per-channel token bucket parameters.
type Config struct {
	ForgeRPS        float64
	ForgeBurst      int
	AICLIRPS        float64
	AICLIBurst      int
	MaxWaitAttempts int
}

// New builds a Limiter with one token bucket and one circuit breaker per channel.
func New(cfg Config) *Limiter {
	l := &Limiter{
		channels: map[Channel]*channelState{},
		waits:    map[string]int{},
		maxWaits: cfg.MaxWaitAttempts,
	}
	l.channels[ChannelForge] = newChannelState(ChannelForge, cfg.ForgeRPS, cfg.ForgeBurst)
	l.channels[ChannelAICLI] = newChannelState(ChannelAICLI, cfg.AICLIRPS, cfg.AICLIBurst)
	return l
}

func newChannelState(name Channel, rps float64, burst int) *channelState {
	settings := gobreaker.Settings{
		Name:        string(name),
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("ratelimit: circuit breaker state change", "channel", name, "from", from, "to", to)
		},
	}
	return &channelState{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// LimitStatus reports whether a channel is currently limited and, if so, for how long.
type LimitStatus struct {
	Limited bool
	WaitFor time.Duration
}

// IsLimited reports the channel's current token-bucket state without consuming a token.
func (l *Limiter) IsLimited(ch Channel) LimitStatus {
	cs := l.stateFor(ch)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.breaker.State() == gobreaker.StateOpen {
		return LimitStatus{Limited: true, WaitFor: 30 * time.Second}
	}
	if !cs.remainingHeadroom() {
		return LimitStatus{Limited: true, WaitFor: time.Until(cs.resetAt)}
	}
	now := time.Now()
	r := cs.limiter.ReserveN(now, 1)
	if !r.OK() {
		return LimitStatus{Limited: true, WaitFor: 0}
	}
	delay := r.DelayFrom(now)
	r.Cancel() // IsLimited must not consume; it only probes.
	if delay > 0 {
		return LimitStatus{Limited: true, WaitFor: delay}
	}
	return LimitStatus{Limited: false}
}

// remainingHeadroom reports false only when the forge/AI CLI explicitly reported a 0-remaining
// quota with a future reset time (set via ReportHeaders).
func (cs *channelState) remainingHeadroom() bool {
	if cs.resetAt.IsZero() {
		return true
	}
	if time.Now().After(cs.resetAt) {
		return true
	}
	return cs.remaining > 0
}

// ReportHeaders updates the channel's remaining/resetAt view from a forge or AI CLI response.
func (l *Limiter) ReportHeaders(ch Channel, remaining int, resetAt time.Time) {
	cs := l.stateFor(ch)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.remaining = remaining
	cs.resetAt = resetAt
}

// RecordResult feeds a call outcome to the channel's circuit breaker.
func (l *Limiter) RecordResult(ch Channel, err error) {
	cs := l.stateFor(ch)
	_, _ = cs.breaker.Execute(func() (interface{}, error) {
		return nil, err
	})
}

// WaitWithBackoff returns immediately when the channel is not limited. Otherwise it counts a
// wait against taskID and blocks for the channel's current WaitFor; the wait does not grow
// from one attempt to the next. It raises ErrRetryExhausted, without waiting, once this
// taskId has hit a limit more than maxWaits times.
func (l *Limiter) WaitWithBackoff(ctx context.Context, taskID string, ch Channel, reason string) error {
	status := l.IsLimited(ch)
	if !status.Limited {
		return nil
	}

	l.mu.Lock()
	l.waits[taskID]++
	attempts := l.waits[taskID]
	l.mu.Unlock()

	if l.maxWaits > 0 && attempts > l.maxWaits {
		return fmt.Errorf("%w: taskId=%s channel=%s reason=%s", ErrRetryExhausted, taskID, ch, reason)
	}

	slog.Info("ratelimit: waiting", "taskId", taskID, "channel", ch, "reason", reason, "waitFor", status.WaitFor, "attempt", attempts)
	timer := time.NewTimer(status.WaitFor)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ResetTaskCounter clears a taskId's wait-attempt counter, called once a task reaches a
// terminal state so the counter doesn't leak across unrelated future tasks with a reused id.
func (l *Limiter) ResetTaskCounter(taskID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.waits, taskID)
}

// PreflightCheck probes every channel once at startup. probe is supplied by
// the caller (the forge client, the AI CLI invoker) since the limiter itself has no transport.
func (l *Limiter) PreflightCheck(ctx context.Context, ch Channel, probe func(context.Context) error) error {
	err := probe(ctx)
	l.RecordResult(ch, err)
	return err
}

func (l *Limiter) stateFor(ch Channel) *channelState {
	l.mu.Lock()
	defer l.mu.Unlock()
	cs, ok := l.channels[ch]
	if !ok {
		cs = newChannelState(ch, 1, 1)
		l.channels[ch] = cs
	}
	return cs
}
