package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/outreach/internal/activity"
	"github.com/rendis/outreach/internal/store"
	"github.com/rendis/outreach/pkg/schema"
)

// mockRecorder records entries for assertions.
type mockRecorder struct {
	mu      sync.Mutex
	entries []activity.Entry
}

func (m *mockRecorder) Record(_ context.Context, e activity.Entry) (*store.ActivityEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return &store.ActivityEvent{RunID: e.RunID, Kind: e.Kind, Sequence: int64(len(m.entries))}, nil
}

func (m *mockRecorder) Entries() []activity.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]activity.Entry(nil), m.entries...)
}

// failRecorder always returns an error.
type failRecorder struct{}

func (failRecorder) Record(context.Context, activity.Entry) (*store.ActivityEvent, error) {
	return nil, errors.New("disk full")
}

func newRun(status schema.RunStatus) *store.Run {
	return &store.Run{ID: "run-1", OwnerID: "owner-1", Status: status}
}

func TestRunFSM_ValidTransitions(t *testing.T) {
	tests := []struct {
		from, to schema.RunStatus
	}{
		{schema.RunStatusRunning, schema.RunStatusRunning},
		{schema.RunStatusRunning, schema.RunStatusWaitingApproval},
		{schema.RunStatusRunning, schema.RunStatusRetrying},
		{schema.RunStatusRunning, schema.RunStatusFailed},
		{schema.RunStatusRunning, schema.RunStatusCompleted},
		{schema.RunStatusRetrying, schema.RunStatusRunning},
		{schema.RunStatusRetrying, schema.RunStatusRetrying},
		{schema.RunStatusRetrying, schema.RunStatusWaitingApproval},
		{schema.RunStatusRetrying, schema.RunStatusFailed},
		{schema.RunStatusWaitingApproval, schema.RunStatusRunning},
		{schema.RunStatusWaitingApproval, schema.RunStatusFailed},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			rec := &mockRecorder{}
			f := NewRunFSM(rec)
			run := newRun(tt.from)

			err := f.Transition(context.Background(), run, tt.to, activity.Entry{Kind: schema.ActivityStepSucceeded})
			require.NoError(t, err)
			assert.Equal(t, tt.to, run.Status)

			entries := rec.Entries()
			require.Len(t, entries, 1)
			assert.Equal(t, "run-1", entries[0].RunID)
			assert.Equal(t, "owner-1", entries[0].OwnerID)
		})
	}
}

func TestRunFSM_InvalidTransitions(t *testing.T) {
	tests := []struct {
		from, to schema.RunStatus
	}{
		{schema.RunStatusCompleted, schema.RunStatusRunning},
		{schema.RunStatusCompleted, schema.RunStatusFailed},
		{schema.RunStatusFailed, schema.RunStatusRunning},
		{schema.RunStatusFailed, schema.RunStatusFailed},
		{schema.RunStatusWaitingApproval, schema.RunStatusCompleted},
		{schema.RunStatusWaitingApproval, schema.RunStatusRetrying},
		{schema.RunStatusWaitingApproval, schema.RunStatusWaitingApproval},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			rec := &mockRecorder{}
			f := NewRunFSM(rec)
			run := newRun(tt.from)

			err := f.Transition(context.Background(), run, tt.to, activity.Entry{Kind: schema.ActivityFailed})
			require.Error(t, err)
			assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition))
			assert.Equal(t, tt.from, run.Status, "status must not change")
			assert.Empty(t, rec.Entries(), "no event for a rejected transition")
		})
	}
}

func TestRunFSM_Hooks(t *testing.T) {
	rec := &mockRecorder{}
	f := NewRunFSM(rec)

	var calls []string
	f.OnBefore(schema.RunStatusRunning, schema.RunStatusCompleted, func(_ context.Context, run *store.Run, from, to schema.RunStatus) error {
		calls = append(calls, "before:"+string(run.Status))
		return nil
	})
	f.OnAfter(schema.RunStatusRunning, schema.RunStatusCompleted, func(_ context.Context, run *store.Run, from, to schema.RunStatus) error {
		calls = append(calls, "after:"+string(run.Status))
		return nil
	})

	run := newRun(schema.RunStatusRunning)
	require.NoError(t, f.Transition(context.Background(), run, schema.RunStatusCompleted, activity.Entry{Kind: schema.ActivityCompleted}))
	assert.Equal(t, []string{"before:running", "after:completed"}, calls)
}

func TestRunFSM_BeforeHookAborts(t *testing.T) {
	rec := &mockRecorder{}
	f := NewRunFSM(rec)
	f.OnBefore(schema.RunStatusRunning, schema.RunStatusFailed, func(context.Context, *store.Run, schema.RunStatus, schema.RunStatus) error {
		return errors.New("vetoed")
	})

	run := newRun(schema.RunStatusRunning)
	err := f.Transition(context.Background(), run, schema.RunStatusFailed, activity.Entry{Kind: schema.ActivityFailed})
	require.EqualError(t, err, "vetoed")
	assert.Equal(t, schema.RunStatusRunning, run.Status)
	assert.Empty(t, rec.Entries())
}

func TestRunFSM_RecordFailureKeepsStatus(t *testing.T) {
	f := NewRunFSM(failRecorder{})
	run := newRun(schema.RunStatusRunning)

	err := f.Transition(context.Background(), run, schema.RunStatusCompleted, activity.Entry{Kind: schema.ActivityCompleted})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeStore))
	assert.Equal(t, schema.RunStatusRunning, run.Status)
}

func TestRunFSM_RecordDoesNotChangeStatus(t *testing.T) {
	rec := &mockRecorder{}
	f := NewRunFSM(rec)
	run := newRun(schema.RunStatusRetrying)

	require.NoError(t, f.Record(context.Background(), run, activity.Entry{StepID: "qualify", Kind: schema.ActivityStepFailed}))
	assert.Equal(t, schema.RunStatusRetrying, run.Status)
	require.Len(t, rec.Entries(), 1)
	assert.Equal(t, "qualify", rec.Entries()[0].StepID)
}

func TestTerminalStatesHaveNoTransitions(t *testing.T) {
	for status, targets := range ValidRunTransitions {
		if status.IsTerminal() {
			assert.Empty(t, targets, "%s must be terminal", status)
		}
	}
}
