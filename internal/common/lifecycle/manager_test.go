package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestExecuteRunsPhasesInOrder(t *testing.T) {
	m := NewManager()

	var order []string
	record := func(name string) func(context.Context) error {
		return func(context.Context) error {
			order = append(order, name)
			return nil
		}
	}

	// Registered deliberately out of phase order.
	m.RegisterStoreShutdown("store", record("store"))
	m.RegisterPollingShutdown("polling", record("polling"))
	m.RegisterHook(ShutdownHook{Name: "final", Phase: PhaseFinal, Shutdown: record("final")})
	m.RegisterLockShutdown("lock", record("lock"))
	m.RegisterArbiterShutdown("arbiter", record("arbiter"))

	if err := m.execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}

	want := []string{"polling", "arbiter", "lock", "store", "final"}
	if len(order) != len(want) {
		t.Fatalf("expected %d hooks to run, got %v", len(want), order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected phase order %v, got %v", want, order)
		}
	}
}

func TestExecuteContinuesPastFailingHook(t *testing.T) {
	m := NewManager()

	boom := errors.New("flush failed")
	m.RegisterStoreShutdown("store", func(context.Context) error { return boom })

	finalRan := false
	m.RegisterHook(ShutdownHook{Name: "process-lock", Phase: PhaseFinal, Shutdown: func(context.Context) error {
		finalRan = true
		return nil
	}})

	err := m.execute()
	if !errors.Is(err, boom) {
		t.Fatalf("expected the hook error to be returned, got %v", err)
	}
	if !finalRan {
		t.Fatalf("expected the final phase to run despite an earlier failure")
	}
}

func TestExecuteAbandonsOverrunningHook(t *testing.T) {
	m := NewManager()

	m.RegisterHook(ShutdownHook{
		Name:    "stuck",
		Phase:   PhasePolling,
		Timeout: 20 * time.Millisecond,
		Shutdown: func(ctx context.Context) error {
			<-make(chan struct{}) // never returns
			return nil
		},
	})

	start := time.Now()
	err := m.execute()
	if err == nil {
		t.Fatalf("expected a timeout error for the stuck hook")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("expected execute to abandon the stuck hook promptly, took %v", elapsed)
	}
}
