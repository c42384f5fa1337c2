package engine

import (
	"context"
	"sync"

	"github.com/rendis/outreach/internal/activity"
	"github.com/rendis/outreach/internal/store"
	"github.com/rendis/outreach/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(ctx context.Context, run *store.Run, from, to schema.RunStatus) error

// Recorder is satisfied by the activity Log; the FSM records one event per transition.
type Recorder interface {
	Record(ctx context.Context, e activity.Entry) (*store.ActivityEvent, error)
}

type hookKey struct {
	from, to schema.RunStatus
}

// RunFSM validates run status transitions and records the event that explains each one.
// The caller persists the run afterwards.
type RunFSM struct {
	mu       sync.RWMutex
	recorder Recorder
	before   map[hookKey][]TransitionHook
	after    map[hookKey][]TransitionHook
}

// NewRunFSM creates a RunFSM that records events via recorder.
func NewRunFSM(recorder Recorder) *RunFSM {
	return &RunFSM{
		recorder: recorder,
		before:   make(map[hookKey][]TransitionHook),
		after:    make(map[hookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a transition. A hook error aborts it.
func (f *RunFSM) OnBefore(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a transition has been recorded.
func (f *RunFSM) OnAfter(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition moves run to status to, recording e as the explaining event.
// run.Status is updated only when the event was recorded.
func (f *RunFSM) Transition(ctx context.Context, run *store.Run, to schema.RunStatus, e activity.Entry) error {
	from := run.Status
	if !IsValidTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", from, to).
			WithDetails(map[string]any{"run_id": run.ID, "from": string(from), "to": string(to)})
	}

	f.mu.RLock()
	before := f.before[hookKey{from, to}]
	after := f.after[hookKey{from, to}]
	f.mu.RUnlock()

	for _, hook := range before {
		if err := hook(ctx, run, from, to); err != nil {
			return err
		}
	}

	if err := f.Record(ctx, run, e); err != nil {
		return err
	}
	run.Status = to

	for _, hook := range after {
		if err := hook(ctx, run, from, to); err != nil {
			return err
		}
	}
	return nil
}

// Record appends an event for run without changing its status.
func (f *RunFSM) Record(ctx context.Context, run *store.Run, e activity.Entry) error {
	e.RunID = run.ID
	e.OwnerID = run.OwnerID
	if _, err := f.recorder.Record(ctx, e); err != nil {
		if schema.CodeOf(err) != "" {
			return err
		}
		return schema.NewErrorf(schema.ErrCodeStore, "record %s event: %s", e.Kind, err.Error()).WithCause(err)
	}
	return nil
}

// IsValidTransition reports whether from -> to is allowed.
func IsValidTransition(from, to schema.RunStatus) bool {
	for _, a := range ValidRunTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// ValidRunTransitions defines the allowed run status transitions. running -> running is a
// step succeeding without a checkpoint. A retrying run is re-invoked without persisting an
// intermediate running state, so it transitions directly to the attempt's outcome.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusRunning: {
		schema.RunStatusRunning, schema.RunStatusWaitingApproval, schema.RunStatusRetrying,
		schema.RunStatusFailed, schema.RunStatusCompleted,
	},
	schema.RunStatusRetrying: {
		schema.RunStatusRunning, schema.RunStatusWaitingApproval, schema.RunStatusRetrying,
		schema.RunStatusFailed, schema.RunStatusCompleted,
	},
	schema.RunStatusWaitingApproval: {schema.RunStatusRunning, schema.RunStatusFailed},
	schema.RunStatusCompleted:       {},
	schema.RunStatusFailed:          {},
}
