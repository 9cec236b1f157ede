package retry

import (
	"testing"
	"time"
)

func TestClassifyError(t *testing.T) {
	cases := []struct {
		err  error
		want Class
	}{
		{ErrRateLimit, ClassRateLimit},
		{ErrLockConflict, ClassLockConflict},
		{ErrNetwork, ClassNetwork},
		{ErrAuth, ClassAuth},
		{nil, ClassDefault},
	}
	for _, c := range cases {
		if got := ClassifyError(c.err); got != c.want {
			t.Errorf("ClassifyError(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestLockConflictNeverRetried(t *testing.T) {
	p := NewPolicy(Config{BaseDelay: time.Millisecond, MaxDelay: time.Second, BackoffFactor: 2, CounterTTL: time.Hour})
	if p.ShouldRetry("issue-1", ErrLockConflict) {
		t.Fatalf("lockConflict must never be retried (maxRetries=0)")
	}
}

func TestRetryBoundsRespected(t *testing.T) {
	p := NewPolicy(Config{BaseDelay: time.Millisecond, MaxDelay: time.Second, BackoffFactor: 2, CounterTTL: time.Hour})

	attempts := 0
	for p.ShouldRetry("issue-2", ErrNetwork) {
		p.NextDelay("issue-2", ErrNetwork)
		attempts++
		if attempts > 10 {
			t.Fatalf("retry budget not enforced, exceeded 10 attempts")
		}
	}
	if attempts != 3 {
		t.Fatalf("expected network class maxRetries=3, got %d attempts", attempts)
	}
}

func TestNextDelayCapsAtMaxDelay(t *testing.T) {
	p := NewPolicy(Config{BaseDelay: time.Second, MaxDelay: 2 * time.Second, BackoffFactor: 10, CounterTTL: time.Hour})
	for i := 0; i < 5; i++ {
		d := p.NextDelay("issue-3", ErrNetwork)
		if d > 2*time.Second+200*time.Millisecond {
			t.Fatalf("delay %v exceeds maxDelay plus jitter bound", d)
		}
	}
}

func TestResetCounter(t *testing.T) {
	p := NewPolicy(Config{BaseDelay: time.Millisecond, MaxDelay: time.Second, BackoffFactor: 2, CounterTTL: time.Hour})
	p.NextDelay("issue-4", ErrNetwork)
	p.ResetCounter("issue-4")
	if !p.ShouldRetry("issue-4", ErrNetwork) {
		t.Fatalf("expected retry allowed after counter reset")
	}
}
