package dispatch

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/rendis/outreach/pkg/schema"
)

const meterName = "github.com/rendis/outreach/dispatch"

// metrics holds the dispatcher instruments:
//   - outreach.dispatch.total (Int64Counter): publish attempts by outcome
//   - outreach.dispatch.wait (Float64Histogram): time spent waiting for the actor interval, in seconds
type metrics struct {
	total metric.Int64Counter
	wait  metric.Float64Histogram
}

func newMetrics(meter metric.Meter) *metrics {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	// Instrument errors still return usable noop instruments.
	total, _ := meter.Int64Counter(
		"outreach.dispatch.total",
		metric.WithDescription("Publish attempts by outcome"),
		metric.WithUnit("{attempt}"),
	)
	wait, _ := meter.Float64Histogram(
		"outreach.dispatch.wait",
		metric.WithDescription("Time spent waiting for the per-actor interval"),
		metric.WithUnit("s"),
	)
	return &metrics{total: total, wait: wait}
}

func (m *metrics) attempt(ctx context.Context, result schema.DispatchResult) {
	outcome := string(result)
	if outcome == "" {
		outcome = "rateLimited"
	}
	m.total.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *metrics) waited(ctx context.Context, d time.Duration) {
	m.wait.Record(ctx, d.Seconds())
}
