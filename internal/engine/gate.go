package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/outreach/internal/activity"
	"github.com/rendis/outreach/internal/dispatch"
	"github.com/rendis/outreach/internal/logging"
	"github.com/rendis/outreach/internal/store"
	"github.com/rendis/outreach/pkg/schema"
)

// TimeoutResolver is recorded as the resolver of approvals rejected by ExpireApprovals.
const TimeoutResolver = "system:timeout"

// AbandonedResolver is recorded on approvals whose checkpoint could not be recorded.
const AbandonedResolver = "system:abandoned"

// suspend creates the approval request for a checkpoint step, then records the step
// output and parks the run in waitingApproval. Nothing waits in memory:
// ResolveApproval picks the run up again.
func (m *Machine) suspend(ctx context.Context, run *store.Run, def schema.StepDefinition, succeeded activity.StepSucceededPayload) (*store.Run, error) {
	output := succeeded.Output
	now := m.now()
	approval := &store.ApprovalRequest{
		ID:             uuid.New().String(),
		RunID:          run.ID,
		OwnerID:        run.OwnerID,
		StepID:         def.ID,
		CheckpointKind: def.Checkpoint,
		Artifact:       m.artifact(ctx, def, output),
		SideEffect:     def.Dispatch,
		CreatedAt:      now,
	}
	if m.cfg.ApprovalTimeout > 0 {
		exp := now.Add(m.cfg.ApprovalTimeout)
		approval.ExpiresAt = &exp
	}
	if err := m.store.CreateApproval(ctx, approval); err != nil {
		return nil, storeError("create approval", err)
	}

	succeeded.NextIndex = run.CurrentStepIndex
	if err := m.fsm.Record(ctx, run, activity.Entry{
		StepID: def.ID, Kind: schema.ActivityStepSucceeded, Payload: succeeded,
	}); err != nil {
		m.abandonApproval(ctx, approval)
		return nil, err
	}

	run.PendingApprovalID = approval.ID
	run.NextAttemptAt = nil
	if err := m.fsm.Transition(ctx, run, schema.RunStatusWaitingApproval, activity.Entry{
		StepID: def.ID,
		Kind:   schema.ActivityApprovalRequested,
		Payload: activity.ApprovalRequestedPayload{
			ApprovalID:     approval.ID,
			CheckpointKind: def.Checkpoint,
			SideEffect:     def.Dispatch,
			ExpiresAt:      approval.ExpiresAt,
		},
	}); err != nil {
		return nil, err
	}
	if err := m.save(ctx, run); err != nil {
		return nil, err
	}
	logging.LogWith(ctx, m.logger).Info("waiting for approval",
		slog.String("approval_id", approval.ID), slog.String("checkpoint", string(def.Checkpoint)))
	return run.Clone(), nil
}

// abandonApproval rejects an approval whose run never reached waitingApproval, so it
// does not linger in pending listings. The step is re-run on the next Advance.
func (m *Machine) abandonApproval(ctx context.Context, approval *store.ApprovalRequest) {
	if err := m.store.ResolveApproval(ctx, approval.ID, schema.DecisionRejected, AbandonedResolver, m.now()); err != nil {
		logging.LogWith(ctx, m.logger).Warn("abandon approval failed",
			slog.String("approval_id", approval.ID), slog.String("error", err.Error()))
	}
}

// artifact is the JSON put up for approval: the artifact query result when the step
// has one and it applies, the raw output as a JSON string otherwise.
func (m *Machine) artifact(ctx context.Context, def schema.StepDefinition, output string) json.RawMessage {
	if def.ArtifactQuery != "" {
		v, err := m.evaluators.ExtractArtifact(ctx, def.ArtifactQuery, output)
		if err == nil {
			if b, err := json.Marshal(v); err == nil {
				return b
			}
		}
		logging.LogWith(ctx, m.logger).Warn("artifact query did not apply, using raw output",
			slog.String("query", def.ArtifactQuery), slog.Any("error", err))
	}
	b, _ := json.Marshal(output)
	return b
}

// ResolveApproval records the decision on a pending approval and resumes its run.
// An approved side-effecting checkpoint dispatches its artifact; a rejected one skips
// it. Either way the run moves on to the next step.
//
// Errors: VALIDATION_ERROR for an invalid decision, NOT_FOUND for unknown approvals,
// ALREADY_RESOLVED when a decision is already set, CANCELLED when the run was
// cancelled meanwhile and CONFLICT when the run is no longer waiting on this approval.
func (m *Machine) ResolveApproval(ctx context.Context, approvalID string, decision schema.Decision, resolvedBy string) (*store.Run, error) {
	if decision != schema.DecisionApproved && decision != schema.DecisionRejected {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "decision must be %q or %q, got %q",
			schema.DecisionApproved, schema.DecisionRejected, decision)
	}
	approval, err := m.store.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, storeError("load approval", err)
	}
	if approval.Decision != schema.DecisionPending {
		return nil, alreadyResolved(approval)
	}

	ctx = logging.WithStepID(logging.WithRunID(ctx, approval.RunID), approval.StepID)
	unlock, err := m.locks.lock(ctx, approval.RunID)
	if err != nil {
		return nil, cancelled(err)
	}
	defer unlock()

	// A concurrent resolution may have won the lock.
	approval, err = m.store.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, storeError("load approval", err)
	}
	if approval.Decision != schema.DecisionPending {
		return nil, alreadyResolved(approval)
	}

	_, sideCtx, done := m.inflight.register(ctx, approval.RunID)
	defer done()

	run, err := m.loadRun(ctx, approval.RunID)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		if run.FailureReason == schema.ReasonCancelled {
			return run.Clone(), schema.NewErrorf(schema.ErrCodeCancelled, "run %s was cancelled", run.ID).
				WithDetails(map[string]any{"run_id": run.ID, "approval_id": approvalID})
		}
		return run.Clone(), schema.NewErrorf(schema.ErrCodeConflict, "run %s is %s", run.ID, run.Status)
	}
	if run.Status != schema.RunStatusWaitingApproval || run.PendingApprovalID != approvalID {
		return run.Clone(), schema.NewErrorf(schema.ErrCodeConflict,
			"run %s is not waiting on approval %s", run.ID, approvalID)
	}

	bctx := context.WithoutCancel(ctx)
	if err := m.store.ResolveApproval(bctx, approvalID, decision, resolvedBy, m.now()); err != nil {
		return nil, storeError("resolve approval", err)
	}

	plan := activity.SideEffectNone
	var guardErr error
	if approval.SideEffect {
		if decision == schema.DecisionRejected {
			plan = activity.SideEffectSkippedRejected
		} else {
			def, _ := m.cfg.Catalog.Lookup(approval.StepID)
			output := ""
			if n := len(run.Outputs); n > 0 {
				output = run.Outputs[n-1].Output
			}
			plan, guardErr = m.planSideEffect(bctx, run, def, approval.Artifact, output)
		}
	}

	run.PendingApprovalID = ""
	run.CurrentStepIndex++
	if err := m.fsm.Transition(bctx, run, schema.RunStatusRunning, activity.Entry{
		StepID: approval.StepID,
		Kind:   schema.ActivityApprovalResolved,
		Payload: activity.ApprovalResolvedPayload{
			ApprovalID: approvalID,
			Decision:   decision,
			ResolvedBy: resolvedBy,
			SideEffect: plan,
			NextIndex:  run.CurrentStepIndex,
		},
	}); err != nil {
		return nil, err
	}
	if err := m.save(bctx, run); err != nil {
		return nil, err
	}
	logging.LogWith(ctx, m.logger).Info("approval resolved",
		slog.String("approval_id", approvalID), slog.String("decision", string(decision)),
		slog.String("side_effect", plan))

	if err := m.afterPlan(bctx, sideCtx, run, approval.StepID, plan, guardErr, approval.Artifact); err != nil {
		return run.Clone(), err
	}
	if run.CurrentStepIndex >= len(run.StepIDs) {
		return m.complete(bctx, run)
	}
	return run.Clone(), nil
}

// ExpireApprovals rejects pending approvals whose ExpiresAt is at or before now and
// returns how many it resolved. Approvals decided concurrently are skipped.
func (m *Machine) ExpireApprovals(ctx context.Context, now time.Time) (int, error) {
	expired, err := m.store.ListApprovals(ctx, store.ApprovalFilter{
		Decision:       schema.DecisionPending,
		ExpiredBy:      &now,
		ActiveRunsOnly: true,
	})
	if err != nil {
		return 0, storeError("list expired approvals", err)
	}
	n := 0
	for _, a := range expired {
		if ctx.Err() != nil {
			return n, cancelled(ctx.Err())
		}
		_, err := m.ResolveApproval(ctx, a.ID, schema.DecisionRejected, TimeoutResolver)
		switch {
		case err == nil:
			n++
		case schema.IsCode(err, schema.ErrCodeAlreadyResolved),
			schema.IsCode(err, schema.ErrCodeConflict),
			schema.IsCode(err, schema.ErrCodeCancelled):
		default:
			return n, err
		}
	}
	return n, nil
}

// ListPendingApprovals returns undecided approvals of active runs. An empty ownerID
// lists every owner.
func (m *Machine) ListPendingApprovals(ctx context.Context, ownerID string) ([]*store.ApprovalRequest, error) {
	approvals, err := m.store.ListApprovals(ctx, store.ApprovalFilter{
		OwnerID:        ownerID,
		Decision:       schema.DecisionPending,
		ActiveRunsOnly: true,
	})
	if err != nil {
		return nil, storeError("list approvals", err)
	}
	return approvals, nil
}

// GetApproval returns one approval request.
func (m *Machine) GetApproval(ctx context.Context, approvalID string) (*store.ApprovalRequest, error) {
	a, err := m.store.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, storeError("load approval", err)
	}
	return a, nil
}

// planSideEffect evaluates the step's dispatch guard. A guard that cannot be evaluated
// skips the side effect and returns the error for the activity log.
func (m *Machine) planSideEffect(ctx context.Context, run *store.Run, def schema.StepDefinition, artifact json.RawMessage, output string) (string, error) {
	if def.DispatchWhen == "" {
		return activity.SideEffectDispatch, nil
	}
	var decoded any
	if err := json.Unmarshal(artifact, &decoded); err != nil {
		decoded = string(artifact)
	}
	ok, err := m.evaluators.DispatchAllowed(ctx, def.DispatchWhen, map[string]any{
		"artifact": decoded,
		"output":   output,
		"run": map[string]any{
			"id":       run.ID,
			"owner_id": run.OwnerID,
			"mission":  run.Mission,
			"step_ids": run.StepIDs,
			"config":   run.Config,
		},
	})
	if err != nil {
		return activity.SideEffectSkippedCondition, err
	}
	if !ok {
		return activity.SideEffectSkippedCondition, nil
	}
	return activity.SideEffectDispatch, nil
}

// afterPlan carries out a side-effect plan once the run transition is recorded.
// Dispatch failures are recorded and never fail the run.
func (m *Machine) afterPlan(ctx, sideCtx context.Context, run *store.Run, stepID, plan string, guardErr error, artifact json.RawMessage) error {
	if guardErr != nil {
		return m.fsm.Record(ctx, run, activity.Entry{
			StepID: stepID,
			Kind:   schema.ActivitySideEffectFailed,
			Payload: activity.SideEffectPayload{
				ActorID: run.OwnerID,
				Code:    schema.ErrCodeExpression,
				Message: guardErr.Error(),
			},
		})
	}
	if plan != activity.SideEffectDispatch {
		return nil
	}
	return m.dispatchSideEffect(ctx, sideCtx, run, stepID, artifact)
}

type sideEffectBody struct {
	RunID    string          `json:"run_id"`
	StepID   string          `json:"step_id"`
	OwnerID  string          `json:"owner_id"`
	Artifact json.RawMessage `json:"artifact"`
}

func (m *Machine) dispatchSideEffect(ctx, sideCtx context.Context, run *store.Run, stepID string, artifact json.RawMessage) error {
	log := logging.LogWith(logging.WithActorID(ctx, run.OwnerID), m.logger)
	if m.dispatcher == nil {
		log.Warn("no dispatcher configured, side effect not performed")
		return m.fsm.Record(ctx, run, activity.Entry{
			StepID: stepID,
			Kind:   schema.ActivitySideEffectFailed,
			Payload: activity.SideEffectPayload{
				ActorID: run.OwnerID,
				Code:    schema.ErrCodeInvalidConfiguration,
				Message: "no dispatcher configured",
			},
		})
	}

	body, err := json.Marshal(sideEffectBody{RunID: run.ID, StepID: stepID, OwnerID: run.OwnerID, Artifact: artifact})
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "encode dispatch payload").WithCause(err)
	}
	ticket, derr := m.dispatcher.Dispatch(sideCtx, dispatch.Request{
		ActorID: run.OwnerID,
		RunID:   run.ID,
		StepID:  stepID,
		Payload: body,
	})

	p := activity.SideEffectPayload{ActorID: run.OwnerID}
	if ticket != nil {
		p.TicketID = ticket.ID
		p.Attempt = ticket.Attempt
		p.Result = ticket.Result
		p.ExternalRef = ticket.ExternalRef
	}
	if derr == nil {
		log.Info("side effect dispatched", slog.String("ticket_id", p.TicketID), slog.String("external_ref", p.ExternalRef))
		return m.fsm.Record(ctx, run, activity.Entry{StepID: stepID, Kind: schema.ActivitySideEffectDispatched, Payload: p})
	}

	p.Code = schema.CodeOf(derr)
	p.Message = derr.Error()
	log.Warn("side effect failed", slog.String("code", p.Code), slog.String("error", p.Message))
	if err := m.fsm.Record(ctx, run, activity.Entry{StepID: stepID, Kind: schema.ActivitySideEffectFailed, Payload: p}); err != nil {
		return err
	}
	if sideCtx.Err() != nil {
		return cancelled(sideCtx.Err())
	}
	return nil
}

func alreadyResolved(a *store.ApprovalRequest) error {
	return schema.NewErrorf(schema.ErrCodeAlreadyResolved, "approval %s is already %s", a.ID, a.Decision).
		WithDetails(map[string]any{"approval_id": a.ID, "decision": string(a.Decision), "resolved_by": a.ResolvedBy})
}
