// Package status implements the daemon's status manager: it maps
// work-item to status record, enforces the state machine, and emits label-mutation requests
// to the label arbiter (C5) on every transition.
package status

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/poppobuilder/poppobuilder/internal/state"
)

// ErrInvalidTransition is returned when checkout/checkin is attempted from a state the
// operation does not permit under the status state machine.
var ErrInvalidTransition = fmt.Errorf("invalid status transition")

// Manager is the C6 component.
type Manager struct {
	store *state.Store
}

// New builds a Manager over store.
func New(store *state.Store) *Manager {
	return &Manager{store: store}
}

// Checkout asserts the issue's current state is idle or awaiting-response, writes
// state=processing with lastHeartbeat=now, and emits a label request to set "processing" and
// remove "awaiting-response".
func (m *Manager) Checkout(issueID int, taskID, taskType string) error {
	records := m.store.LoadStatusRecords()
	rec := records[issueID]
	if rec == nil {
		rec = &state.StatusRecord{IssueID: issueID, State: state.StatusIdle}
	}
	if rec.State != state.StatusIdle && rec.State != state.StatusAwaitingResponse {
		return fmt.Errorf("%w: issue %d is in state %s", ErrInvalidTransition, issueID, rec.State)
	}

	now := time.Now()
	rec.State = state.StatusProcessing
	rec.ProcessID = taskID
	rec.StartedAt = now
	rec.LastHeartbeat = now
	rec.TaskType = taskType
	records[issueID] = rec

	if err := m.store.SaveStatusRecords(records); err != nil {
		return err
	}
	return m.emitLabelRequest(issueID, []string{"processing"}, []string{"awaiting-response"}, taskID, "checkout")
}

// Checkin transitions the issue to one of {completed, awaiting-response, error, skipped} and emits the
// corresponding label mutation.
func (m *Manager) Checkin(issueID int, newState state.Status, result string) error {
	switch newState {
	case state.StatusCompleted, state.StatusAwaitingResponse, state.StatusError, state.StatusSkipped:
	default:
		return fmt.Errorf("%w: checkin to %s is not permitted", ErrInvalidTransition, newState)
	}

	records := m.store.LoadStatusRecords()
	rec := records[issueID]
	if rec == nil {
		rec = &state.StatusRecord{IssueID: issueID}
	}
	rec.State = newState
	rec.EndedAt = time.Now()
	rec.Result = result
	records[issueID] = rec

	if err := m.store.SaveStatusRecords(records); err != nil {
		return err
	}

	var add, remove []string
	switch newState {
	case state.StatusCompleted:
		add = []string{"completed"}
		remove = []string{"processing", "awaiting-response"}
	case state.StatusAwaitingResponse:
		add = []string{"awaiting-response"}
		remove = []string{"processing"}
	case state.StatusError, state.StatusSkipped:
		remove = []string{"processing"}
	}
	return m.emitLabelRequest(issueID, add, remove, rec.ProcessID, "checkin:"+string(newState))
}

// SetPID records the owning worker process's pid against a processing record, so the orphan
// sweeper can later check liveness.
func (m *Manager) SetPID(issueID, pid int) error {
	records := m.store.LoadStatusRecords()
	rec, ok := records[issueID]
	if !ok {
		return nil
	}
	rec.PID = pid
	return m.store.SaveStatusRecords(records)
}

// UpdateHeartbeat refreshes lastHeartbeat for a processing record. The dispatcher calls this
// every heartbeat period for every record currently in state=processing.
func (m *Manager) UpdateHeartbeat(issueID int) error {
	records := m.store.LoadStatusRecords()
	rec, ok := records[issueID]
	if !ok || rec.State != state.StatusProcessing {
		return nil
	}
	rec.LastHeartbeat = time.Now()
	return m.store.SaveStatusRecords(records)
}

// ResetIssueStatus force-sets an issue back to idle (the error→idle back-edge, or manual
// reset after the orphan sweeper's cleanup) and removes any transient labels.
func (m *Manager) ResetIssueStatus(issueID int) error {
	records := m.store.LoadStatusRecords()
	rec, ok := records[issueID]
	if !ok {
		rec = &state.StatusRecord{IssueID: issueID}
		records[issueID] = rec
	}
	rec.State = state.StatusIdle
	rec.ProcessID = ""
	rec.PID = 0

	if err := m.store.SaveStatusRecords(records); err != nil {
		return err
	}
	return m.emitLabelRequest(issueID, nil, []string{"processing", "awaiting-response"}, "", "reset")
}

// Get returns the current status record for issueID, or nil if none exists.
func (m *Manager) Get(issueID int) *state.StatusRecord {
	return m.store.LoadStatusRecords()[issueID]
}

// AllProcessing returns every status record currently in state=processing, used by the
// dispatcher's heartbeat refresh.
func (m *Manager) AllProcessing() map[int]*state.StatusRecord {
	out := map[int]*state.StatusRecord{}
	for id, rec := range m.store.LoadStatusRecords() {
		if rec.State == state.StatusProcessing {
			out[id] = rec
		}
	}
	return out
}

// emitLabelRequest drops a LabelMutationRequest file into the requests directory for C5 to
// pick up. Only the arbiter ever mutates labels directly; every other
// component, including this one, only ever writes a request file.
func (m *Manager) emitLabelRequest(issueID int, add, remove []string, requestedBy, reason string) error {
	if len(add) == 0 && len(remove) == 0 {
		return nil
	}
	req := state.LabelMutationRequest{
		RequestID:    uuid.NewString(),
		IssueID:      issueID,
		AddLabels:    add,
		RemoveLabels: remove,
		RequestedBy:  requestedBy,
		Reason:       reason,
		Timestamp:    time.Now(),
	}
	name := fmt.Sprintf("label-update-%d-%d.json", req.Timestamp.UnixNano(), issueID)
	path := filepath.Join(m.store.RequestsDir(), name)
	if err := writeRequest(path, req); err != nil {
		return err
	}
	slog.Debug("status: emitted label mutation request", "path", path, "add", add, "remove", remove)
	return nil
}
