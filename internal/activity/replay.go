package activity

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/outreach/internal/store"
	"github.com/rendis/outreach/pkg/schema"
)

// RunProjection is a run's externally visible state rebuilt from its activity alone.
type RunProjection struct {
	RunID             string
	OwnerID           string
	Mission           string
	StepIDs           []string
	Status            schema.RunStatus
	CurrentStepIndex  int
	Outputs           []store.StepOutput
	Attempts          map[string]int
	Cost              store.CostAccounting
	PendingApprovalID string
	FailureReason     string
	LastSequence      int64
}

// Replay folds the run's events into a RunProjection. It fails on sequence gaps or
// payloads it cannot decode.
func (l *Log) Replay(ctx context.Context, runID string) (*RunProjection, error) {
	p := &RunProjection{RunID: runID, Attempts: map[string]int{}}

	expected := int64(1)
	for e, err := range l.Query(ctx, runID) {
		if err != nil {
			return nil, err
		}
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, expected, e.Sequence)
		}
		expected++
		if err := p.apply(e); err != nil {
			return nil, fmt.Errorf("replay event %d (%s): %w", e.Sequence, e.Kind, err)
		}
		p.LastSequence = e.Sequence
	}
	if p.LastSequence == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no activity for run %q", runID)
	}
	return p, nil
}

func (p *RunProjection) apply(e *store.ActivityEvent) error {
	switch e.Kind {
	case schema.ActivityStarted:
		var pl StartedPayload
		if err := decode(e, &pl); err != nil {
			return err
		}
		p.OwnerID = pl.OwnerID
		p.Mission = pl.Mission
		p.StepIDs = pl.StepIDs
		p.Status = schema.RunStatusRunning

	case schema.ActivityStepSucceeded:
		var pl StepSucceededPayload
		if err := decode(e, &pl); err != nil {
			return err
		}
		p.Status = schema.RunStatusRunning
		p.Outputs = append(p.Outputs, store.StepOutput{StepID: e.StepID, Output: pl.Output, RecordedAt: e.Timestamp})
		p.Attempts[e.StepID] = pl.Attempt
		p.Cost.TotalTokens += pl.Tokens
		p.Cost.TotalCostUnits += pl.CostUnits
		p.CurrentStepIndex = pl.NextIndex

	case schema.ActivityStepFailed:
		var pl StepFailedPayload
		if err := decode(e, &pl); err != nil {
			return err
		}
		p.Attempts[e.StepID] = pl.Attempt

	case schema.ActivityRetryScheduled:
		p.Status = schema.RunStatusRetrying

	case schema.ActivityApprovalRequested:
		var pl ApprovalRequestedPayload
		if err := decode(e, &pl); err != nil {
			return err
		}
		p.Status = schema.RunStatusWaitingApproval
		p.PendingApprovalID = pl.ApprovalID

	case schema.ActivityApprovalResolved:
		var pl ApprovalResolvedPayload
		if err := decode(e, &pl); err != nil {
			return err
		}
		p.Status = schema.RunStatusRunning
		p.PendingApprovalID = ""
		p.CurrentStepIndex = pl.NextIndex

	case schema.ActivitySideEffectDispatched, schema.ActivitySideEffectFailed:
		// Side effects never change run state.

	case schema.ActivityCompleted:
		p.Status = schema.RunStatusCompleted

	case schema.ActivityFailed:
		var pl TerminalPayload
		if err := decode(e, &pl); err != nil {
			return err
		}
		p.Status = schema.RunStatusFailed
		p.FailureReason = pl.Reason
		p.PendingApprovalID = ""
	}
	return nil
}

func decode(e *store.ActivityEvent, v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}
