package engine

import (
	"context"
	"encoding/json"
	"iter"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/rendis/outreach/internal/activity"
	"github.com/rendis/outreach/internal/agent"
	"github.com/rendis/outreach/internal/chain"
	"github.com/rendis/outreach/internal/dispatch"
	"github.com/rendis/outreach/internal/expressions"
	"github.com/rendis/outreach/internal/logging"
	"github.com/rendis/outreach/internal/retry"
	"github.com/rendis/outreach/internal/store"
	"github.com/rendis/outreach/pkg/schema"
)

// Dispatcher performs the side effect of an approved or dispatching step.
// Satisfied by *dispatch.Dispatcher and test fakes.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (*store.DispatchTicket, error)
}

// Config holds configuration for the Machine.
type Config struct {
	Retry retry.Policy
	// ApprovalTimeout stamps ExpiresAt on new approvals when positive. Zero means approvals
	// wait indefinitely.
	ApprovalTimeout time.Duration
	Catalog         schema.Catalog
}

// StartRequest describes a new run.
type StartRequest struct {
	Mission string         `json:"mission"`
	StepIDs []string       `json:"step_ids"`
	OwnerID string         `json:"owner_id"`
	Config  map[string]any `json:"config,omitempty"`
}

// Machine drives runs through their steps. It holds no per-run state in memory:
// every transition is recorded in the activity log and persisted on the run record.
type Machine struct {
	store      store.Store
	log        *activity.Log
	invoker    agent.Invoker
	dispatcher Dispatcher
	evaluators *expressions.Evaluators
	fsm        *RunFSM
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time
	metrics    *metrics

	locks    *runLocks
	inflight *inflight
}

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

// WithDispatcher sets the side-effect dispatcher. Without one, dispatching steps
// record a sideEffectFailed event and the run continues.
func WithDispatcher(d Dispatcher) Option {
	return func(m *Machine) { m.dispatcher = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// WithMeter records metrics on meter instead of the global provider.
func WithMeter(meter metric.Meter) Option {
	return func(m *Machine) { m.metrics = newMetrics(meter) }
}

// WithEvaluators shares expression engines (and their compile caches).
func WithEvaluators(ev *expressions.Evaluators) Option {
	return func(m *Machine) { m.evaluators = ev }
}

// NewMachine creates a Machine. cfg.Catalog must define every step runs may use.
func NewMachine(s store.Store, log *activity.Log, inv agent.Invoker, cfg Config, opts ...Option) (*Machine, error) {
	if len(cfg.Catalog) == 0 {
		return nil, schema.NewError(schema.ErrCodeInvalidConfiguration, "step catalog is empty")
	}
	m := &Machine{
		store:    s,
		log:      log,
		invoker:  inv,
		cfg:      cfg,
		logger:   slog.Default(),
		now:      time.Now,
		locks:    newRunLocks(),
		inflight: newInflight(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.evaluators == nil {
		ev, err := expressions.NewEvaluators()
		if err != nil {
			return nil, err
		}
		m.evaluators = ev
	}
	if m.metrics == nil {
		m.metrics = newMetrics(nil)
	}
	m.fsm = NewRunFSM(log)
	m.metrics.register(m.fsm)
	return m, nil
}

// Catalog returns the step catalog runs are validated against.
func (m *Machine) Catalog() schema.Catalog {
	return m.cfg.Catalog
}

// Start creates a run in the running state and records its started event.
// No step is invoked until Advance is called.
func (m *Machine) Start(ctx context.Context, req StartRequest) (*store.Run, error) {
	if len(req.StepIDs) == 0 {
		return nil, schema.NewError(schema.ErrCodeInvalidConfiguration, "step list is empty")
	}
	if unknown := m.cfg.Catalog.Unknown(req.StepIDs); len(unknown) > 0 {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidConfiguration, "unknown step ids: %s", strings.Join(unknown, ", ")).
			WithDetails(map[string]any{"unknown": unknown, "known": m.cfg.Catalog.IDs()})
	}
	if strings.TrimSpace(req.Mission) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "mission is required")
	}
	if req.OwnerID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "owner id is required")
	}

	now := m.now()
	run := &store.Run{
		ID:        uuid.New().String(),
		OwnerID:   req.OwnerID,
		Mission:   req.Mission,
		StepIDs:   append([]string(nil), req.StepIDs...),
		Status:    schema.RunStatusRunning,
		Attempts:  make(map[string]int),
		Config:    req.Config,
		StartedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.CreateRun(ctx, run); err != nil {
		return nil, storeError("create run", err)
	}
	ctx = logging.WithRunID(ctx, run.ID)
	if err := m.fsm.Record(ctx, run, activity.Entry{
		Kind: schema.ActivityStarted,
		Payload: activity.StartedPayload{
			OwnerID: run.OwnerID,
			Mission: run.Mission,
			StepIDs: run.StepIDs,
			Config:  run.Config,
		},
	}); err != nil {
		return nil, err
	}
	m.metrics.runStarted(ctx)
	logging.LogWith(ctx, m.logger).Info("run started",
		slog.String("owner_id", run.OwnerID), slog.Int("steps", len(run.StepIDs)))
	return run.Clone(), nil
}

// Advance drives one transition of the run. Terminal runs and runs waiting for approval
// are returned unchanged. A retrying run first waits out its backoff, then re-invokes
// the step in the same call.
//
// A configuration failure fails the run and is also returned as INVALID_CONFIGURATION.
// A Cancel issued while the agent call is in flight discards its result and returns CANCELLED.
func (m *Machine) Advance(ctx context.Context, runID string) (*store.Run, error) {
	ctx = logging.WithRunID(ctx, runID)
	unlock, err := m.locks.lock(ctx, runID)
	if err != nil {
		return nil, cancelled(err)
	}
	defer unlock()

	runCtx, sideCtx, done := m.inflight.register(ctx, runID)
	defer done()

	run, err := m.loadRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() || run.Status == schema.RunStatusWaitingApproval {
		return run.Clone(), nil
	}

	if run.Status == schema.RunStatusRetrying && run.NextAttemptAt != nil {
		if err := retry.Wait(runCtx, run.NextAttemptAt.Sub(m.now())); err != nil {
			return run.Clone(), cancelled(err)
		}
	}

	// Bookkeeping after the agent call must not be torn by the caller going away.
	bctx := context.WithoutCancel(ctx)

	if run.CurrentStepIndex >= len(run.StepIDs) {
		return m.complete(bctx, run)
	}
	return m.runStep(bctx, runCtx, sideCtx, run)
}

// Drive calls Advance until the run is terminal or waiting for approval.
func (m *Machine) Drive(ctx context.Context, runID string) (*store.Run, error) {
	for {
		run, err := m.Advance(ctx, runID)
		if err != nil {
			return run, err
		}
		if run.Status.IsTerminal() || run.Status == schema.RunStatusWaitingApproval {
			return run, nil
		}
	}
}

// Cancel fails a non-terminal run with reason cancelled. An agent call or dispatcher
// wait in flight for the run is aborted. Cancelling a terminal run is a no-op.
func (m *Machine) Cancel(ctx context.Context, runID string) (*store.Run, error) {
	ctx = logging.WithRunID(ctx, runID)
	release := m.inflight.cancel(runID)
	defer release()

	unlock, err := m.locks.lock(ctx, runID)
	if err != nil {
		return nil, cancelled(err)
	}
	defer unlock()

	run, err := m.loadRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		return run.Clone(), nil
	}
	if err := m.fail(context.WithoutCancel(ctx), run, schema.ReasonCancelled, "cancelled by operator"); err != nil {
		return nil, err
	}
	return run.Clone(), nil
}

// GetRun returns the run snapshot.
func (m *Machine) GetRun(ctx context.Context, runID string) (*store.Run, error) {
	return m.loadRun(ctx, runID)
}

// ListRuns returns runs matching filter.
func (m *Machine) ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.Run, error) {
	runs, err := m.store.ListRuns(ctx, filter)
	if err != nil {
		return nil, storeError("list runs", err)
	}
	return runs, nil
}

// GetActivity returns the run's events in order.
func (m *Machine) GetActivity(ctx context.Context, runID string) ([]*store.ActivityEvent, error) {
	if _, err := m.loadRun(ctx, runID); err != nil {
		return nil, err
	}
	return m.log.Collect(ctx, runID)
}

// Activity returns the run's events as a lazy sequence.
func (m *Machine) Activity(ctx context.Context, runID string) iter.Seq2[*store.ActivityEvent, error] {
	return m.log.Query(ctx, runID)
}

// ActivityAfter returns the run's events with a sequence greater than afterSeq.
func (m *Machine) ActivityAfter(ctx context.Context, runID string, afterSeq int64) iter.Seq2[*store.ActivityEvent, error] {
	return m.log.QueryAfter(ctx, runID, afterSeq)
}

func (m *Machine) runStep(ctx, runCtx, sideCtx context.Context, run *store.Run) (*store.Run, error) {
	stepID := run.CurrentStepID()
	ctx = logging.WithStepID(ctx, stepID)
	log := logging.LogWith(ctx, m.logger)

	attempt := 1
	if run.Status == schema.RunStatusRetrying {
		attempt = run.Attempts[stepID] + 1
	}

	def, ok := m.cfg.Catalog.Lookup(stepID)
	if !ok {
		err := agent.Configuration("step %q is not in the catalog", stepID)
		return m.stepFailed(ctx, run, schema.StepDefinition{ID: stepID}, attempt, err)
	}

	var previous *string
	if out, ok := run.PreviousOutput(); ok {
		previous = &out
	}
	payload := chain.Build(def, run.Mission, run.Config, previous)

	log.Debug("invoking agent", slog.Int("attempt", attempt), slog.String("role", def.Role))
	res, err := m.invoker.Invoke(runCtx, agent.Request{
		RunID:   run.ID,
		StepID:  stepID,
		Role:    def.Role,
		Model:   def.Model,
		Tool:    def.Tool,
		Payload: payload,
	})
	if runCtx.Err() != nil {
		log.Info("agent result discarded", slog.Int("attempt", attempt))
		return run.Clone(), cancelled(runCtx.Err())
	}
	if err == nil && res == nil {
		err = agent.Transient("agent returned no result")
	}
	if err == nil {
		err = m.checkQuality(ctx, def, res.Output, attempt)
	}
	if err != nil {
		return m.stepFailed(ctx, run, def, attempt, err)
	}
	return m.stepSucceeded(ctx, sideCtx, run, def, attempt, res)
}

// checkQuality applies the quality floor. Outputs shorter than MinOutputLength runes
// (at least one) fail, as do outputs the quality rule rejects.
func (m *Machine) checkQuality(ctx context.Context, def schema.StepDefinition, output string, attempt int) error {
	floor := max(def.MinOutputLength, 1)
	if n := utf8.RuneCountInString(strings.TrimSpace(output)); n < floor {
		return agent.Quality("output has %d characters, need at least %d", n, floor)
	}
	ok, err := m.evaluators.QualityPasses(ctx, def.QualityRule, expressions.QualityInput{
		Output:  output,
		StepID:  def.ID,
		Attempt: attempt,
	})
	if err != nil {
		return agent.Configuration("quality rule: %s", err.Error()).WithCause(err)
	}
	if !ok {
		return agent.Quality("quality rule %q rejected the output", def.QualityRule)
	}
	return nil
}

func (m *Machine) stepFailed(ctx context.Context, run *store.Run, def schema.StepDefinition, attempt int, cause error) (*store.Run, error) {
	kind := ClassifyError(cause)
	log := logging.LogWith(ctx, m.logger)

	run.Attempts[def.ID] = attempt
	if err := m.fsm.Record(ctx, run, activity.Entry{
		StepID: def.ID,
		Kind:   schema.ActivityStepFailed,
		Payload: activity.StepFailedPayload{
			Attempt: attempt,
			Kind:    kind,
			Message: cause.Error(),
		},
	}); err != nil {
		return nil, err
	}
	m.metrics.stepAttempt(ctx, def.ID, string(kind))

	decision := m.cfg.Retry.Decide(attempt, kind)
	if decision.Retry {
		at := m.now().Add(decision.Delay)
		run.NextAttemptAt = &at
		if err := m.fsm.Transition(ctx, run, schema.RunStatusRetrying, activity.Entry{
			StepID: def.ID,
			Kind:   schema.ActivityRetryScheduled,
			Payload: activity.RetryScheduledPayload{
				Attempt:       attempt,
				NextAttempt:   attempt + 1,
				DelayMs:       decision.Delay.Milliseconds(),
				NextAttemptAt: at,
			},
		}); err != nil {
			return nil, err
		}
		if err := m.save(ctx, run); err != nil {
			return nil, err
		}
		log.Warn("step failed, retry scheduled",
			slog.Int("attempt", attempt), slog.String("kind", string(kind)),
			slog.Duration("delay", decision.Delay), slog.String("error", cause.Error()))
		return run.Clone(), nil
	}

	reason := schema.ReasonRetryExhausted
	if kind == schema.ErrorKindConfiguration {
		reason = schema.ReasonNonRetryable
	}
	if err := m.fail(ctx, run, reason, cause.Error()); err != nil {
		return nil, err
	}
	log.Error("step failed", slog.Int("attempt", attempt), slog.String("kind", string(kind)),
		slog.String("reason", reason), slog.String("error", cause.Error()))

	if kind == schema.ErrorKindConfiguration {
		return run.Clone(), schema.NewErrorf(schema.ErrCodeInvalidConfiguration, "step %s: %s", def.ID, cause.Error()).
			WithStep(def.ID).WithCause(cause)
	}
	return run.Clone(), nil
}

func (m *Machine) stepSucceeded(ctx, sideCtx context.Context, run *store.Run, def schema.StepDefinition, attempt int, res *agent.Result) (*store.Run, error) {
	log := logging.LogWith(ctx, m.logger)
	now := m.now()

	run.Attempts[def.ID] = attempt
	run.NextAttemptAt = nil
	run.Outputs = append(run.Outputs, store.StepOutput{StepID: def.ID, Output: res.Output, RecordedAt: now})
	run.Cost.TotalTokens += res.Tokens
	run.Cost.TotalCostUnits += res.CostUnits
	m.metrics.stepAttempt(ctx, def.ID, outcomeSuccess)

	succeeded := activity.StepSucceededPayload{
		Attempt:   attempt,
		Output:    res.Output,
		Tokens:    res.Tokens,
		CostUnits: res.CostUnits,
	}

	if def.Checkpoint != schema.CheckpointNone {
		return m.suspend(ctx, run, def, succeeded)
	}

	artifact, _ := json.Marshal(res.Output)
	plan := activity.SideEffectNone
	var guardErr error
	if def.Dispatch {
		plan, guardErr = m.planSideEffect(ctx, run, def, artifact, res.Output)
		succeeded.SideEffect = plan
	}

	run.CurrentStepIndex++
	succeeded.NextIndex = run.CurrentStepIndex
	if err := m.fsm.Transition(ctx, run, schema.RunStatusRunning, activity.Entry{
		StepID: def.ID, Kind: schema.ActivityStepSucceeded, Payload: succeeded,
	}); err != nil {
		return nil, err
	}
	if err := m.save(ctx, run); err != nil {
		return nil, err
	}
	log.Info("step succeeded", slog.Int("attempt", attempt), slog.Int("next_index", run.CurrentStepIndex))

	if err := m.afterPlan(ctx, sideCtx, run, def.ID, plan, guardErr, artifact); err != nil {
		return run.Clone(), err
	}
	if run.CurrentStepIndex >= len(run.StepIDs) {
		return m.complete(ctx, run)
	}
	return run.Clone(), nil
}

// complete moves a run whose step list is exhausted to completed.
func (m *Machine) complete(ctx context.Context, run *store.Run) (*store.Run, error) {
	at := m.now()
	run.CompletedAt = &at
	if err := m.fsm.Transition(ctx, run, schema.RunStatusCompleted, activity.Entry{
		Kind: schema.ActivityCompleted,
	}); err != nil {
		return nil, err
	}
	if err := m.save(ctx, run); err != nil {
		return nil, err
	}
	logging.LogWith(ctx, m.logger).Info("run completed",
		slog.Int("outputs", len(run.Outputs)), slog.Int64("tokens", run.Cost.TotalTokens))
	return run.Clone(), nil
}

// fail moves run to failed with reason and persists it.
func (m *Machine) fail(ctx context.Context, run *store.Run, reason, message string) error {
	at := m.now()
	run.FailureReason = reason
	run.PendingApprovalID = ""
	run.NextAttemptAt = nil
	run.CompletedAt = &at
	if err := m.fsm.Transition(ctx, run, schema.RunStatusFailed, activity.Entry{
		StepID:  run.CurrentStepID(),
		Kind:    schema.ActivityFailed,
		Payload: activity.TerminalPayload{Reason: reason, Message: message},
	}); err != nil {
		return err
	}
	return m.save(ctx, run)
}

func (m *Machine) loadRun(ctx context.Context, runID string) (*store.Run, error) {
	run, err := m.store.GetRun(ctx, runID)
	if err != nil {
		if schema.IsCode(err, schema.ErrCodeNotFound) {
			return nil, err
		}
		return nil, storeError("load run", err)
	}
	if run.Attempts == nil {
		run.Attempts = make(map[string]int)
	}
	return run, nil
}

func (m *Machine) save(ctx context.Context, run *store.Run) error {
	run.UpdatedAt = m.now()
	if err := m.store.UpdateRun(ctx, run); err != nil {
		return storeError("update run", err)
	}
	return nil
}

func storeError(op string, err error) error {
	if schema.CodeOf(err) != "" {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}

func cancelled(err error) error {
	return schema.NewError(schema.ErrCodeCancelled, "run operation cancelled").WithCause(err)
}
