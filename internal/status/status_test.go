package status

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/poppobuilder/poppobuilder/internal/state"
)

func newTestManager(t *testing.T) (*Manager, *state.Store) {
	t.Helper()
	store, err := state.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return New(store), store
}

func TestCheckoutThenCheckinLeavesNoProcessingLabelRequest(t *testing.T) {
	m, store := newTestManager(t)

	if err := m.Checkout(42, "issue-42", "initial"); err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if rec := m.Get(42); rec.State != state.StatusProcessing {
		t.Fatalf("expected state=processing after checkout, got %s", rec.State)
	}

	if err := m.Checkin(42, state.StatusCompleted, "done"); err != nil {
		t.Fatalf("Checkin: %v", err)
	}
	rec := m.Get(42)
	if rec.State != state.StatusCompleted {
		t.Fatalf("expected state=completed, got %s", rec.State)
	}

	entries, err := os.ReadDir(store.RequestsDir())
	if err != nil {
		t.Fatalf("ReadDir requests: %v", err)
	}
	requests := 0
	checkinRemovesProcessing := false
	for _, e := range entries {
		if e.IsDir() {
			continue // requests/failed/ lives inside the requests directory
		}
		requests++
		data, err := os.ReadFile(filepath.Join(store.RequestsDir(), e.Name()))
		if err != nil {
			t.Fatalf("read request %s: %v", e.Name(), err)
		}
		var req state.LabelMutationRequest
		if err := json.Unmarshal(data, &req); err != nil {
			t.Fatalf("decode request %s: %v", e.Name(), err)
		}
		if req.Reason == "checkin:completed" {
			for _, l := range req.RemoveLabels {
				if l == "processing" {
					checkinRemovesProcessing = true
				}
			}
		}
	}
	if requests != 2 {
		t.Fatalf("expected 2 label requests (checkout + checkin), got %d", requests)
	}
	if !checkinRemovesProcessing {
		t.Fatalf("expected the checkin request to remove the processing label")
	}
}

func TestCheckoutRejectsFromProcessing(t *testing.T) {
	m, _ := newTestManager(t)

	if err := m.Checkout(7, "issue-7", "initial"); err != nil {
		t.Fatalf("first checkout: %v", err)
	}
	if err := m.Checkout(7, "issue-7-comment-1", "follow-up"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for double checkout, got %v", err)
	}
}

func TestResetIssueStatusBackToIdle(t *testing.T) {
	m, _ := newTestManager(t)

	if err := m.Checkout(9, "issue-9", "initial"); err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if err := m.Checkin(9, state.StatusError, "boom"); err != nil {
		t.Fatalf("checkin: %v", err)
	}
	if err := m.ResetIssueStatus(9); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if rec := m.Get(9); rec.State != state.StatusIdle {
		t.Fatalf("expected idle after reset, got %s", rec.State)
	}
}
