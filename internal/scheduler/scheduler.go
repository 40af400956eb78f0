// Package scheduler decides when pipeline runs happen: on a cron cadence,
// on demand for one date, or as an explicit backfill over a date range.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/internal/apod"
	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/internal/pipeline"
	apperrors "github.com/Adithya-Monish-Kumar-K/apod-pipeline/pkg/errors"
	"github.com/gorhill/cronexpr"
)

// MaxBackfillDays bounds a single backfill request.
const MaxBackfillDays = 366

// Runner executes one pipeline run.
type Runner interface {
	Run(ctx context.Context, date time.Time, trigger pipeline.Trigger) (*pipeline.Run, error)
}

// Clock abstracts time for the tick loop.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Scheduler triggers runs at cron ticks. A tick triggers the run for the
// tick's calendar date in the configured location. Ticks missed while the
// process was down or busy are never replayed.
type Scheduler struct {
	expr   *cronexpr.Expression
	spec   string
	loc    *time.Location
	runner Runner
	clock  Clock
	logger *slog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// New parses cron and returns a Scheduler evaluating it in loc (UTC if nil).
func New(cron string, loc *time.Location, runner Runner, opts ...Option) (*Scheduler, error) {
	expr, err := cronexpr.Parse(cron)
	if err != nil {
		return nil, fmt.Errorf("parsing schedule %q: %w", cron, err)
	}
	if loc == nil {
		loc = time.UTC
	}
	s := &Scheduler{
		expr:   expr,
		spec:   cron,
		loc:    loc,
		runner: runner,
		clock:  realClock{},
		logger: slog.Default().With("component", "scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Next returns the first tick strictly after t.
func (s *Scheduler) Next(t time.Time) time.Time {
	return s.expr.Next(t.In(s.loc))
}

// Start runs the tick loop until ctx is cancelled. Runs execute inline, so a
// slow run pushes the loop past any ticks it overlapped.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("scheduler started", "schedule", s.spec, "location", s.loc.String())
	for {
		now := s.clock.Now()
		next := s.Next(now)
		if next.IsZero() {
			return fmt.Errorf("schedule %q has no future ticks", s.spec)
		}
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-s.clock.After(next.Sub(now)):
		}
		s.tick(ctx, next)
	}
}

func (s *Scheduler) tick(ctx context.Context, at time.Time) {
	date := apod.Day(at.In(s.loc))
	run, err := s.runner.Run(ctx, date, pipeline.TriggerScheduled)
	switch {
	case errors.Is(err, apperrors.ErrRunActive):
		s.logger.Warn("scheduled tick skipped, a run is active", "date", apod.FormatDate(date))
	case err != nil:
		s.logger.Error("scheduled run could not start", "date", apod.FormatDate(date), "error", err)
	default:
		s.logger.Info("scheduled run finished", "run_id", run.ID, "date", run.Date, "status", run.Status)
	}
}

// TriggerManual runs the pipeline once for date.
func (s *Scheduler) TriggerManual(ctx context.Context, date time.Time) (*pipeline.Run, error) {
	return s.runner.Run(ctx, apod.Day(date), pipeline.TriggerManual)
}

// Backfill runs each date from..to inclusive, oldest first, one at a time.
// A failed run does not stop the backfill; losing the lease to another run
// or cancellation does.
func (s *Scheduler) Backfill(ctx context.Context, from, to time.Time) ([]*pipeline.Run, error) {
	dates, err := BackfillDates(from, to)
	if err != nil {
		return nil, err
	}
	runs := make([]*pipeline.Run, 0, len(dates))
	for _, d := range dates {
		if err := ctx.Err(); err != nil {
			return runs, err
		}
		run, err := s.runner.Run(ctx, d, pipeline.TriggerBackfill)
		if err != nil {
			return runs, fmt.Errorf("backfill %s: %w", apod.FormatDate(d), err)
		}
		if run.Status == pipeline.RunFailed {
			s.logger.Warn("backfill date failed",
				"date", run.Date,
				"failed_stage", run.FailedStage,
				"error_kind", run.ErrorKind,
			)
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// BackfillDates expands from..to into calendar dates.
func BackfillDates(from, to time.Time) ([]time.Time, error) {
	from, to = apod.Day(from), apod.Day(to)
	if from.IsZero() || to.IsZero() {
		return nil, apperrors.New(apperrors.ErrInvalidInput, 400, "backfill needs both from and to")
	}
	if to.Before(from) {
		return nil, apperrors.Newf(apperrors.ErrInvalidInput, 400, "backfill range %s..%s is reversed",
			apod.FormatDate(from), apod.FormatDate(to))
	}
	days := int(to.Sub(from).Hours()/24) + 1
	if days > MaxBackfillDays {
		return nil, apperrors.Newf(apperrors.ErrInvalidInput, 400, "backfill of %d days exceeds %d", days, MaxBackfillDays)
	}
	dates := make([]time.Time, 0, days)
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		dates = append(dates, d)
	}
	return dates, nil
}
