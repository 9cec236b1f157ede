// Package retry implements the daemon's retry policy: a pure decision
// object that classifies errors and computes jittered exponential back-off per class.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Class is one of the error classes this daemon's retry taxonomy recognizes.
type Class string

const (
	ClassRateLimit    Class = "rateLimit"
	ClassLockConflict Class = "lockConflict"
	ClassNetwork      Class = "network"
	ClassAuth         Class = "auth"
	ClassDefault      Class = "default"
)

// Sentinel errors components raise so ClassifyError can recognize them via errors.Is/As.
var (
	ErrRateLimit    = errors.New("rate limit")
	ErrLockConflict = errors.New("lock conflict")
	ErrNetwork      = errors.New("network error")
	ErrAuth         = errors.New("authentication error")
)

// budget names the per-class retry parameters.
type budget struct {
	maxRetries    int
	baseDelay     time.Duration
	backoffFactor float64
}

// Policy is the C3 component. It holds no component references — only error-classification
// rules and an in-memory per-taskId attempt counter.
type Policy struct {
	mu       sync.Mutex
	counters map[string]*counterEntry
	budgets  map[Class]budget
	maxDelay time.Duration
	ttl      time.Duration
}

type counterEntry struct {
	attempts  int
	lastTouch time.Time
}

// Config mirrors internal/config.RetryConfig; NewPolicy reads its BackoffFactor/delays from it.
type Config struct {
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	CounterTTL    time.Duration
}

// NewPolicy builds the per-class budget table. lockConflict always has maxRetries=0 —
// it is never configurable.
func NewPolicy(cfg Config) *Policy {
	base := cfg.BaseDelay
	factor := cfg.BackoffFactor
	return &Policy{
		counters: map[string]*counterEntry{},
		maxDelay: cfg.MaxDelay,
		ttl:      cfg.CounterTTL,
		budgets: map[Class]budget{
			ClassRateLimit:    {maxRetries: 5, baseDelay: base, backoffFactor: factor},
			ClassLockConflict: {maxRetries: 0, baseDelay: base, backoffFactor: factor},
			ClassNetwork:      {maxRetries: 3, baseDelay: base, backoffFactor: factor},
			ClassAuth:         {maxRetries: 0, baseDelay: base, backoffFactor: factor},
			ClassDefault:      {maxRetries: 3, baseDelay: base, backoffFactor: factor},
		},
	}
}

// ClassifyError maps err onto one of the taxonomy classes above.
func ClassifyError(err error) Class {
	switch {
	case err == nil:
		return ClassDefault
	case errors.Is(err, ErrRateLimit):
		return ClassRateLimit
	case errors.Is(err, ErrLockConflict):
		return ClassLockConflict
	case errors.Is(err, ErrNetwork):
		return ClassNetwork
	case errors.Is(err, ErrAuth):
		return ClassAuth
	default:
		return ClassDefault
	}
}

// ShouldRetry consults the in-memory attempt counter for taskId against err's class budget.
func (p *Policy) ShouldRetry(taskID string, err error) bool {
	class := ClassifyError(err)
	b := p.budgets[class]

	p.mu.Lock()
	defer p.mu.Unlock()
	p.evictLocked()

	entry := p.counters[taskID]
	attempts := 0
	if entry != nil {
		attempts = entry.attempts
	}
	return attempts < b.maxRetries
}

// NextDelay returns the jittered exponential back-off for taskId's next attempt and records
// the attempt: min(base·factor^attempts, maxDelay) + jitter(±10%).
func (p *Policy) NextDelay(taskID string, err error) time.Duration {
	class := ClassifyError(err)
	b := p.budgets[class]

	p.mu.Lock()
	entry, ok := p.counters[taskID]
	if !ok {
		entry = &counterEntry{}
		p.counters[taskID] = entry
	}
	attempts := entry.attempts
	entry.attempts++
	entry.lastTouch = time.Now()
	p.mu.Unlock()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.baseDelay
	bo.Multiplier = b.backoffFactor
	bo.MaxInterval = p.maxDelay
	bo.RandomizationFactor = 0 // jitter (±10%) is applied once, below
	bo.Reset()

	// The first NextBackOff yields base; each further call multiplies by factor.
	var delay time.Duration
	for i := 0; i <= attempts; i++ {
		delay = bo.NextBackOff()
		if delay == backoff.Stop {
			delay = p.maxDelay
			break
		}
	}
	if delay > p.maxDelay {
		delay = p.maxDelay
	}
	return jitter(delay, 0.1)
}

func jitter(d time.Duration, frac float64) time.Duration {
	delta := float64(d) * frac
	return d + time.Duration((rand.Float64()*2-1)*delta)
}

// ResetCounter clears taskId's attempt history, called once a task reaches a terminal state.
func (p *Policy) ResetCounter(taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.counters, taskID)
}

// evictLocked drops counters idle for longer than p.ttl (default 1h).
// Caller must hold p.mu.
func (p *Policy) evictLocked() {
	if p.ttl <= 0 {
		return
	}
	now := time.Now()
	for id, entry := range p.counters {
		if now.Sub(entry.lastTouch) > p.ttl {
			delete(p.counters, id)
		}
	}
}

// Sleep waits out d or ctx cancellation, a small convenience wrapper callers use after
// NextDelay so context cancellation is always respected during a back-off sleep.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
