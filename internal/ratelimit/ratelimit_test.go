package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestIsLimitedRespectsReportedHeaders(t *testing.T) {
	l := New(Config{ForgeRPS: 100, ForgeBurst: 100, AICLIRPS: 100, AICLIBurst: 100, MaxWaitAttempts: 5})

	l.ReportHeaders(ChannelForge, 0, time.Now().Add(time.Minute))
	status := l.IsLimited(ChannelForge)
	if !status.Limited {
		t.Fatalf("expected limited when remaining=0 and resetAt in future")
	}

	l.ReportHeaders(ChannelForge, 10, time.Now().Add(time.Minute))
	status = l.IsLimited(ChannelForge)
	if status.Limited {
		t.Fatalf("expected not limited when remaining > 0")
	}
}

func TestWaitWithBackoffExhausts(t *testing.T) {
	l := New(Config{ForgeRPS: 100, ForgeBurst: 100, AICLIRPS: 1, AICLIBurst: 1, MaxWaitAttempts: 2})
	ctx := context.Background()
	// Re-report an exhausted quota before each call so every call actually hits the limit.
	l.ReportHeaders(ChannelForge, 0, time.Now().Add(20*time.Millisecond))
	_ = l.WaitWithBackoff(ctx, "issue-1", ChannelForge, "test")
	l.ReportHeaders(ChannelForge, 0, time.Now().Add(20*time.Millisecond))
	_ = l.WaitWithBackoff(ctx, "issue-1", ChannelForge, "test")
	l.ReportHeaders(ChannelForge, 0, time.Now().Add(20*time.Millisecond))
	err := l.WaitWithBackoff(ctx, "issue-1", ChannelForge, "test")
	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("expected ErrRetryExhausted, got %v", err)
	}
}

func TestResetTaskCounter(t *testing.T) {
	l := New(Config{ForgeRPS: 100, ForgeBurst: 100, AICLIRPS: 100, AICLIBurst: 100, MaxWaitAttempts: 1})
	l.ReportHeaders(ChannelForge, 0, time.Now().Add(10*time.Millisecond))
	_ = l.WaitWithBackoff(context.Background(), "issue-2", ChannelForge, "test")
	l.ResetTaskCounter("issue-2")
	if l.waits["issue-2"] != 0 {
		t.Fatalf("expected counter reset, got %d", l.waits["issue-2"])
	}
}
