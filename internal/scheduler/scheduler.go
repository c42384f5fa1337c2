// Package scheduler runs the background sweep that keeps runs moving: it drives
// runnable runs on a bounded pool and expires timed-out approvals.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/outreach/internal/engine"
	"github.com/rendis/outreach/internal/store"
	"github.com/rendis/outreach/pkg/schema"
)

// DefaultSchedule sweeps every five seconds.
const DefaultSchedule = "@every 5s"

// Driver is the part of the state machine the sweeper needs.
// Satisfied by *engine.Machine (avoids a wider dependency in tests).
type Driver interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.Run, error)
	Drive(ctx context.Context, runID string) (*store.Run, error)
	ExpireApprovals(ctx context.Context, now time.Time) (int, error)
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Expired   int `json:"expired"`
	Submitted int `json:"submitted"`
	Skipped   int `json:"skipped"`
}

// Sweeper periodically drives runs left in running or retrying (including runs
// persisted before a restart) and rejects approvals past their timeout.
type Sweeper struct {
	driver   Driver
	pool     *engine.RunPool
	schedule cron.Schedule
	logger   *slog.Logger
	now      func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex
}

var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule parses a cron expression or descriptor such as "@every 5s".
func ParseSchedule(spec string) (cron.Schedule, error) {
	if spec == "" {
		spec = DefaultSchedule
	}
	sched, err := parser.Parse(spec)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidConfiguration, "parse sweep schedule %q", spec).WithCause(err)
	}
	return sched, nil
}

// NewSweeper creates a Sweeper that drives runs on pool at the cadence given by spec.
func NewSweeper(d Driver, pool *engine.RunPool, spec string, logger *slog.Logger) (*Sweeper, error) {
	sched, err := ParseSchedule(spec)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		driver:   d,
		pool:     pool,
		schedule: sched,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Start launches the background sweep loop. The first sweep runs immediately.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("sweeper already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(loopCtx)
	s.logger.Info("sweeper started")
	return nil
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)

	s.Sweep(ctx)
	for {
		now := s.now()
		timer := time.NewTimer(s.schedule.Next(now).Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep expires overdue approvals, then submits every running run and every
// retrying run whose backoff has elapsed. Runs already being driven are skipped.
func (s *Sweeper) Sweep(ctx context.Context) SweepResult {
	var res SweepResult
	now := s.now()

	expired, err := s.driver.ExpireApprovals(ctx, now)
	if err != nil {
		s.logger.Error("expire approvals failed", slog.String("error", err.Error()))
	}
	res.Expired = expired

	runs, err := s.driver.ListRuns(ctx, store.RunFilter{
		Statuses: []schema.RunStatus{schema.RunStatusRunning, schema.RunStatusRetrying},
	})
	if err != nil {
		s.logger.Error("list runnable runs failed", slog.String("error", err.Error()))
		return res
	}

	for _, run := range runs {
		if run.Status == schema.RunStatusRetrying && run.NextAttemptAt != nil && run.NextAttemptAt.After(now) {
			res.Skipped++
			continue
		}
		runID := run.ID
		ok, err := s.pool.Submit(ctx, runID, func(ctx context.Context) error {
			_, err := s.driver.Drive(ctx, runID)
			if err != nil && !schema.IsCode(err, schema.ErrCodeCancelled) {
				s.logger.Error("drive run failed", slog.String("run_id", runID), slog.String("error", err.Error()))
			}
			return err
		})
		if err != nil {
			s.logger.Warn("sweep interrupted", slog.String("error", err.Error()))
			return res
		}
		if ok {
			res.Submitted++
		} else {
			res.Skipped++
		}
	}

	if res.Expired > 0 || res.Submitted > 0 {
		s.logger.Debug("sweep finished",
			slog.Int("expired", res.Expired), slog.Int("submitted", res.Submitted), slog.Int("skipped", res.Skipped))
	}
	return res
}

// Stop cancels the loop and waits for it and for the runs it submitted.
func (s *Sweeper) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.pool.Wait()
	s.cancel = nil
	s.done = nil

	s.logger.Info("sweeper stopped")
	return nil
}

// NextSweep returns the next sweep time after from for spec.
func NextSweep(spec string, from time.Time) (time.Time, error) {
	sched, err := ParseSchedule(spec)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(from), nil
}
