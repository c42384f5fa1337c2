package engine

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/rendis/outreach/internal/store"
	"github.com/rendis/outreach/pkg/schema"
)

const meterName = "github.com/rendis/outreach/engine"

// Step attempt outcomes besides the failure kinds.
const outcomeSuccess = "success"

type metrics struct {
	started  metric.Int64Counter
	finished metric.Int64Counter
	attempts metric.Int64Counter
}

func newMetrics(meter metric.Meter) *metrics {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	started, _ := meter.Int64Counter(
		"outreach.runs.started",
		metric.WithDescription("Runs started"),
		metric.WithUnit("{run}"),
	)
	finished, _ := meter.Int64Counter(
		"outreach.runs.finished",
		metric.WithDescription("Runs that reached a terminal status"),
		metric.WithUnit("{run}"),
	)
	attempts, _ := meter.Int64Counter(
		"outreach.step.attempts",
		metric.WithDescription("Agent step attempts by step and outcome"),
		metric.WithUnit("{attempt}"),
	)
	return &metrics{started: started, finished: finished, attempts: attempts}
}

func (m *metrics) runStarted(ctx context.Context) {
	m.started.Add(ctx, 1)
}

func (m *metrics) stepAttempt(ctx context.Context, stepID, outcome string) {
	m.attempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("step", stepID),
		attribute.String("outcome", outcome),
	))
}

// finishedHook counts terminal transitions.
func (m *metrics) finishedHook(ctx context.Context, _ *store.Run, _, to schema.RunStatus) error {
	m.finished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(to))))
	return nil
}

// register attaches the terminal-transition hooks to f.
func (m *metrics) register(f *RunFSM) {
	for _, from := range []schema.RunStatus{
		schema.RunStatusRunning, schema.RunStatusRetrying, schema.RunStatusWaitingApproval,
	} {
		for _, to := range []schema.RunStatus{schema.RunStatusCompleted, schema.RunStatusFailed} {
			if IsValidTransition(from, to) {
				f.OnAfter(from, to, m.finishedHook)
			}
		}
	}
}
