package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/rendis/outreach/internal/logging"
	"github.com/rendis/outreach/internal/retry"
	"github.com/rendis/outreach/internal/store"
	"github.com/rendis/outreach/pkg/schema"
)

// Defaults for Config.
const (
	DefaultMinInterval = 60 * time.Second
	DefaultDailyCap    = 50
)

// Config controls pacing and caps.
type Config struct {
	// MinInterval is the minimum spacing between two successful publishes of one actor.
	MinInterval time.Duration
	// DailyCap is the number of successful publishes allowed per actor per UTC day.
	// Zero means DefaultDailyCap; negative disables the cap.
	DailyCap int
	// RatePerSecond bounds publishes across all actors when positive.
	RatePerSecond float64
	Burst         int
	// Retry governs retryable publish failures.
	Retry retry.Policy
}

// Request is one side effect to publish.
type Request struct {
	ActorID string
	RunID   string
	StepID  string
	Payload json.RawMessage
}

// actorSlot serializes dispatches of one actor. Holding sem is the critical section
// for the actor's read-modify-write of its state.
type actorSlot struct {
	sem    chan struct{}
	loaded bool
	state  store.ActorState
}

// Dispatcher publishes side effects, enforcing the per-actor minimum interval
// and daily cap. Different actors never wait on each other.
type Dispatcher struct {
	store     store.Store
	publisher Publisher
	cfg       Config
	limiter   *rate.Limiter
	logger    *slog.Logger
	now       func() time.Time
	metrics   *metrics

	mu     sync.Mutex
	actors map[string]*actorSlot
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithClock replaces time.Now for timestamps and day boundaries.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithMeter records metrics on meter instead of the global provider.
func WithMeter(m metric.Meter) Option {
	return func(d *Dispatcher) { d.metrics = newMetrics(m) }
}

// New creates a Dispatcher.
func New(s store.Store, p Publisher, cfg Config, opts ...Option) *Dispatcher {
	if cfg.MinInterval < 0 {
		cfg.MinInterval = 0
	}
	if cfg.DailyCap == 0 {
		cfg.DailyCap = DefaultDailyCap
	}
	d := &Dispatcher{
		store:     s,
		publisher: p,
		cfg:       cfg,
		logger:    slog.Default(),
		now:       time.Now,
		actors:    make(map[string]*actorSlot),
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.metrics == nil {
		d.metrics = newMetrics(nil)
	}
	return d
}

func (d *Dispatcher) slot(actorID string) *actorSlot {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.actors[actorID]
	if !ok {
		s = &actorSlot{sem: make(chan struct{}, 1)}
		d.actors[actorID] = s
	}
	return s
}

// Dispatch publishes one payload for req.ActorID. It blocks until the actor's minimum
// interval since its last successful publish has elapsed, or until ctx is done.
// Each publish attempt produces one ticket; the last ticket is returned.
//
// Errors: RATE_LIMIT_EXCEEDED when the daily cap is reached (no ticket is created),
// CANCELLED when ctx ends while waiting, PUBLISH_FAILED for permanent failures and
// for retryable failures that exhausted the retry policy.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*store.DispatchTicket, error) {
	if req.ActorID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "actor id is required")
	}
	ctx = logging.WithActorID(ctx, req.ActorID)
	log := logging.LogWith(ctx, d.logger)

	slot := d.slot(req.ActorID)
	select {
	case slot.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, cancelled(ctx.Err())
	}
	defer func() { <-slot.sem }()

	if !slot.loaded {
		st, err := d.store.GetActorState(ctx, req.ActorID)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "load actor state").WithCause(err)
		}
		slot.state = *st
		slot.loaded = true
	}

	for attempt := 1; ; attempt++ {
		now := d.now()
		rollover(&slot.state, now)

		if d.cfg.DailyCap > 0 && slot.state.DayCount >= d.cfg.DailyCap {
			d.metrics.attempt(ctx, schema.DispatchPending)
			log.Warn("daily cap reached", slog.Int("cap", d.cfg.DailyCap))
			return nil, schema.NewErrorf(schema.ErrCodeRateLimitExceeded,
				"actor %s reached its daily cap of %d", req.ActorID, d.cfg.DailyCap).
				WithDetails(map[string]any{"actor_id": req.ActorID, "day": slot.state.Day, "cap": d.cfg.DailyCap})
		}

		ticket := &store.DispatchTicket{
			ID:                 uuid.New().String(),
			ActorID:            req.ActorID,
			RunID:              req.RunID,
			StepID:             req.StepID,
			Payload:            req.Payload,
			Attempt:            attempt,
			ScheduledNotBefore: d.notBefore(slot.state, now),
			CreatedAt:          now,
		}
		if err := d.store.CreateTicket(ctx, ticket); err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "create dispatch ticket").WithCause(err)
		}

		if err := d.waitUntil(ctx, ticket.ScheduledNotBefore); err != nil {
			ticket.Error = "cancelled while waiting"
			d.saveTicket(ticket, log)
			return ticket, cancelled(err)
		}

		res := d.publisher.Publish(ctx, req.ActorID, req.Payload)
		at := d.now()
		ticket.DispatchedAt = &at
		ticket.Result = res.Result
		ticket.ExternalRef = res.ExternalRef
		if res.Err != nil {
			ticket.Error = res.Err.Error()
		}
		d.metrics.attempt(ctx, res.Result)

		if res.Result == schema.DispatchSuccess {
			rollover(&slot.state, at)
			slot.state.LastSuccessAt = &at
			slot.state.DayCount++
			slot.state.UpdatedAt = at
			if err := d.store.SaveActorState(context.WithoutCancel(ctx), &slot.state); err != nil {
				log.Error("failed to persist actor state", slog.String("error", err.Error()))
			}
			d.saveTicket(ticket, log)
			log.Info("published", slog.String("ticket_id", ticket.ID), slog.String("external_ref", res.ExternalRef))
			return ticket, nil
		}

		if res.Result != schema.DispatchRetryableFailure {
			ticket.Result = schema.DispatchPermanentFailure
			d.saveTicket(ticket, log)
			return ticket, publishFailed(ticket, false)
		}
		d.saveTicket(ticket, log)

		decision := d.cfg.Retry.Decide(attempt, schema.ErrorKindTransient)
		if !decision.Retry {
			return ticket, publishFailed(ticket, true)
		}
		log.Warn("publish failed, retrying",
			slog.Int("attempt", attempt), slog.Duration("delay", decision.Delay), slog.String("error", ticket.Error))
		if err := retry.Wait(ctx, decision.Delay); err != nil {
			return ticket, cancelled(err)
		}
	}
}

// BatchItem is the outcome of one payload of a batch.
type BatchItem struct {
	Ticket *store.DispatchTicket
	Err    error
}

// DispatchBatch publishes payloads for one actor strictly in order. A failed item does
// not stop the batch; reaching the daily cap or cancellation does, and that error is
// returned alongside the items processed so far.
func (d *Dispatcher) DispatchBatch(ctx context.Context, actorID string, reqs []Request) ([]BatchItem, error) {
	items := make([]BatchItem, 0, len(reqs))
	for _, req := range reqs {
		req.ActorID = actorID
		ticket, err := d.Dispatch(ctx, req)
		if schema.IsCode(err, schema.ErrCodeRateLimitExceeded) || schema.IsCode(err, schema.ErrCodeCancelled) {
			return items, err
		}
		items = append(items, BatchItem{Ticket: ticket, Err: err})
	}
	return items, nil
}

// NextEligible reports when actorID may next publish successfully.
func (d *Dispatcher) NextEligible(ctx context.Context, actorID string) (time.Time, error) {
	st, err := d.actorState(ctx, actorID)
	if err != nil {
		return time.Time{}, err
	}
	return d.notBefore(*st, d.now()), nil
}

func (d *Dispatcher) actorState(ctx context.Context, actorID string) (*store.ActorState, error) {
	slot := d.slot(actorID)
	select {
	case slot.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, cancelled(ctx.Err())
	}
	defer func() { <-slot.sem }()
	if slot.loaded {
		st := slot.state
		return &st, nil
	}
	st, err := d.store.GetActorState(ctx, actorID)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "load actor state").WithCause(err)
	}
	slot.state = *st
	slot.loaded = true
	return st, nil
}

func (d *Dispatcher) notBefore(st store.ActorState, now time.Time) time.Time {
	if st.LastSuccessAt == nil {
		return now
	}
	nb := st.LastSuccessAt.Add(d.cfg.MinInterval)
	if nb.After(now) {
		return nb
	}
	return now
}

// waitUntil blocks until t and then for a global limiter token.
func (d *Dispatcher) waitUntil(ctx context.Context, t time.Time) error {
	start := time.Now()
	if delay := t.Sub(d.now()); delay > 0 {
		if err := retry.Wait(ctx, delay); err != nil {
			return err
		}
	}
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
	d.metrics.waited(ctx, time.Since(start))
	return ctx.Err()
}

func (d *Dispatcher) saveTicket(t *store.DispatchTicket, log *slog.Logger) {
	if err := d.store.UpdateTicket(context.Background(), t); err != nil {
		log.Error("failed to persist dispatch ticket", slog.String("ticket_id", t.ID), slog.String("error", err.Error()))
	}
}

func rollover(st *store.ActorState, now time.Time) {
	day := now.UTC().Format(time.DateOnly)
	if st.Day != day {
		st.Day = day
		st.DayCount = 0
	}
}

func cancelled(cause error) error {
	return schema.NewError(schema.ErrCodeCancelled, "dispatch cancelled").WithCause(cause)
}

func publishFailed(t *store.DispatchTicket, retryable bool) error {
	return schema.NewErrorf(schema.ErrCodePublishFailed, "publish failed after %d attempt(s): %s", t.Attempt, t.Error).
		WithDetails(map[string]any{
			"ticket_id": t.ID,
			"result":    string(t.Result),
			"attempts":  t.Attempt,
			"retryable": retryable,
		})
}
