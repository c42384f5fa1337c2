// Package activity is the append-only audit trail of workflow runs.
package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"

	"github.com/rendis/outreach/internal/logging"
	"github.com/rendis/outreach/internal/store"
	"github.com/rendis/outreach/internal/streaming"
	"github.com/rendis/outreach/pkg/schema"
)

const defaultPageSize = 100

// Log appends activity events to the store and mirrors them to a live hub.
// Safe for concurrent use by many runs.
type Log struct {
	store    store.Store
	hub      streaming.EventHub
	logger   *slog.Logger
	pageSize int
}

// Option configures a Log.
type Option func(*Log)

// WithHub mirrors every recorded event to hub.
func WithHub(hub streaming.EventHub) Option {
	return func(l *Log) { l.hub = hub }
}

// WithLogger sets the logger used for hub delivery failures.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) { l.logger = logger }
}

// WithPageSize sets how many events Query fetches per store round trip.
func WithPageSize(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.pageSize = n
		}
	}
}

// NewLog creates an activity Log backed by s.
func NewLog(s store.Store, opts ...Option) *Log {
	l := &Log{store: s, logger: logging.Discard(), pageSize: defaultPageSize}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Entry is the input to Record.
type Entry struct {
	RunID   string
	OwnerID string
	StepID  string
	Kind    schema.ActivityKind
	Payload any
}

// Record appends one event. It fails only for invalid input or a store error; hub
// delivery problems are logged and never fail the caller.
func (l *Log) Record(ctx context.Context, e Entry) (*store.ActivityEvent, error) {
	if e.RunID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "activity event requires a run id")
	}
	if !e.Kind.Valid() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown activity kind %q", e.Kind)
	}

	var payload json.RawMessage
	if e.Payload != nil {
		b, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "marshal activity payload: %s", err.Error()).WithCause(err)
		}
		payload = b
	}

	event := &store.ActivityEvent{
		RunID:   e.RunID,
		StepID:  e.StepID,
		Kind:    e.Kind,
		Payload: payload,
	}
	if err := l.store.AppendActivity(ctx, event); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "append activity: %s", err.Error()).WithCause(err)
	}

	if l.hub != nil {
		live := streaming.StreamEvent{
			RunID:     event.RunID,
			OwnerID:   e.OwnerID,
			StepID:    event.StepID,
			Kind:      event.Kind,
			Sequence:  event.Sequence,
			Payload:   event.Payload,
			Timestamp: event.Timestamp,
		}
		if err := l.hub.Publish(context.WithoutCancel(ctx), live); err != nil {
			logging.LogWith(ctx, l.logger).Warn("activity hub publish failed",
				slog.String("run_id", e.RunID), slog.String("error", err.Error()))
		}
	}
	return event, nil
}

// Query returns the run's events in sequence order. The sequence is lazy (pages are
// fetched as it is consumed), finite, and restartable: ranging over it again starts
// from the first event.
func (l *Log) Query(ctx context.Context, runID string) iter.Seq2[*store.ActivityEvent, error] {
	return l.QueryAfter(ctx, runID, 0)
}

// QueryAfter is Query starting after the given sequence number.
func (l *Log) QueryAfter(ctx context.Context, runID string, afterSeq int64) iter.Seq2[*store.ActivityEvent, error] {
	return func(yield func(*store.ActivityEvent, error) bool) {
		cursor := afterSeq
		for {
			page, err := l.store.ListActivity(ctx, runID, cursor, l.pageSize)
			if err != nil {
				yield(nil, fmt.Errorf("list activity for run %s: %w", runID, err))
				return
			}
			for _, e := range page {
				if !yield(e, nil) {
					return
				}
				cursor = e.Sequence
			}
			if len(page) < l.pageSize {
				return
			}
		}
	}
}

// Collect drains Query into a slice.
func (l *Log) Collect(ctx context.Context, runID string) ([]*store.ActivityEvent, error) {
	var out []*store.ActivityEvent
	for e, err := range l.Query(ctx, runID) {
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
