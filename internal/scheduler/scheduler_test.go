package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/internal/apod"
	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/internal/pipeline"
	apperrors "github.com/Adithya-Monish-Kumar-K/apod-pipeline/pkg/errors"
	"github.com/google/go-cmp/cmp"
)

type call struct {
	Date    string
	Trigger pipeline.Trigger
}

type fakeRunner struct {
	mu    sync.Mutex
	calls []call
	// fn decides the outcome; nil means success.
	fn func(date time.Time) (*pipeline.Run, error)
}

func (f *fakeRunner) Run(ctx context.Context, date time.Time, trigger pipeline.Trigger) (*pipeline.Run, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{apod.FormatDate(date), trigger})
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(date)
	}
	return &pipeline.Run{ID: "run", Date: apod.FormatDate(date), Status: pipeline.RunSucceeded}, nil
}

func (f *fakeRunner) Calls() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

// fakeClock jumps straight to every requested deadline. advance is added on
// top of each wait to simulate time spent inside a run.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waits   []time.Duration
	advance time.Duration
	stop    int
	cancel  context.CancelFunc
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waits = append(c.waits, d)
	ch := make(chan time.Time, 1)
	if len(c.waits) > c.stop {
		c.cancel()
		return ch
	}
	c.now = c.now.Add(d + c.advance)
	ch <- c.now
	return ch
}

func TestSchedulerTicksDaily(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	clock := &fakeClock{
		now:    time.Date(2025, 11, 13, 15, 30, 0, 0, time.UTC),
		stop:   3,
		cancel: cancel,
	}
	runner := &fakeRunner{}
	s, err := New("@daily", time.UTC, runner, WithClock(clock))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	want := []call{
		{"2025-11-14", pipeline.TriggerScheduled},
		{"2025-11-15", pipeline.TriggerScheduled},
		{"2025-11-16", pipeline.TriggerScheduled},
	}
	if diff := cmp.Diff(want, runner.Calls()); diff != "" {
		t.Fatalf("calls mismatch (-want +got):\n%s", diff)
	}
	if clock.waits[0] != 8*time.Hour+30*time.Minute {
		t.Fatalf("first wait = %s", clock.waits[0])
	}
}

func TestSchedulerDoesNotReplayMissedTicks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	// Each run takes more than two days, so two ticks are missed every time.
	clock := &fakeClock{
		now:     time.Date(2025, 11, 13, 12, 0, 0, 0, time.UTC),
		advance: 50 * time.Hour,
		stop:    2,
		cancel:  cancel,
	}
	runner := &fakeRunner{}
	s, _ := New("@daily", time.UTC, runner, WithClock(clock))
	s.Start(ctx)

	want := []call{
		{"2025-11-14", pipeline.TriggerScheduled},
		{"2025-11-17", pipeline.TriggerScheduled},
	}
	if diff := cmp.Diff(want, runner.Calls()); diff != "" {
		t.Fatalf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestSchedulerUsesLocationForDate(t *testing.T) {
	loc := time.FixedZone("UTC-5", -5*3600)
	ctx, cancel := context.WithCancel(context.Background())
	clock := &fakeClock{
		// The next 22:00 in loc is 03:00 UTC on the 15th.
		now:    time.Date(2025, 11, 14, 3, 0, 0, 0, time.UTC),
		stop:   1,
		cancel: cancel,
	}
	runner := &fakeRunner{}
	s, _ := New("0 0 22 * * * *", loc, runner, WithClock(clock))
	s.Start(ctx)

	if diff := cmp.Diff([]call{{"2025-11-14", pipeline.TriggerScheduled}}, runner.Calls()); diff != "" {
		t.Fatalf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestSchedulerSurvivesActiveRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	clock := &fakeClock{now: time.Date(2025, 11, 13, 0, 0, 0, 0, time.UTC), stop: 2, cancel: cancel}
	runner := &fakeRunner{fn: func(time.Time) (*pipeline.Run, error) {
		return nil, apperrors.ErrRunActive
	}}
	s, _ := New("@daily", time.UTC, runner, WithClock(clock))
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if n := len(runner.Calls()); n != 2 {
		t.Fatalf("expected the loop to keep ticking, got %d calls", n)
	}
}

func TestNewRejectsBadExpression(t *testing.T) {
	if _, err := New("not a cron", nil, &fakeRunner{}); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestTriggerManualTruncatesDate(t *testing.T) {
	runner := &fakeRunner{}
	s, _ := New("@daily", nil, runner)
	if _, err := s.TriggerManual(context.Background(), time.Date(2025, 1, 2, 17, 4, 0, 0, time.UTC)); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]call{{"2025-01-02", pipeline.TriggerManual}}, runner.Calls()); diff != "" {
		t.Fatalf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestBackfillRunsSequentiallyAndContinuesPastFailures(t *testing.T) {
	runner := &fakeRunner{fn: func(d time.Time) (*pipeline.Run, error) {
		status := pipeline.RunSucceeded
		if d.Day() == 2 {
			status = pipeline.RunFailed
		}
		return &pipeline.Run{Date: apod.FormatDate(d), Status: status}, nil
	}}
	s, _ := New("@daily", nil, runner)
	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	runs, err := s.Backfill(context.Background(), from, from.AddDate(0, 0, 2))
	if err != nil {
		t.Fatalf("Backfill: %v", err)
	}
	want := []call{
		{"2025-01-01", pipeline.TriggerBackfill},
		{"2025-01-02", pipeline.TriggerBackfill},
		{"2025-01-03", pipeline.TriggerBackfill},
	}
	if diff := cmp.Diff(want, runner.Calls()); diff != "" {
		t.Fatalf("calls mismatch (-want +got):\n%s", diff)
	}
	if len(runs) != 3 || runs[1].Status != pipeline.RunFailed {
		t.Fatalf("runs = %+v", runs)
	}
}

func TestBackfillStopsWhenLeaseIsTaken(t *testing.T) {
	runner := &fakeRunner{fn: func(d time.Time) (*pipeline.Run, error) {
		if d.Day() == 2 {
			return nil, apperrors.ErrRunActive
		}
		return &pipeline.Run{Date: apod.FormatDate(d), Status: pipeline.RunSucceeded}, nil
	}}
	s, _ := New("@daily", nil, runner)
	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	runs, err := s.Backfill(context.Background(), from, from.AddDate(0, 0, 4))
	if !errors.Is(err, apperrors.ErrRunActive) {
		t.Fatalf("expected ErrRunActive, got %v", err)
	}
	if len(runs) != 1 || len(runner.Calls()) != 2 {
		t.Fatalf("backfill should stop at the rejected date: runs=%d calls=%d", len(runs), len(runner.Calls()))
	}
}

func TestBackfillDatesValidation(t *testing.T) {
	d := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name     string
		from, to time.Time
		want     int
		wantErr  bool
	}{
		{"single day", d, d, 1, false},
		{"week", d, d.AddDate(0, 0, 6), 7, false},
		{"reversed", d.AddDate(0, 0, 1), d, 0, true},
		{"missing bound", time.Time{}, d, 0, true},
		{"too long", d, d.AddDate(2, 0, 0), 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dates, err := BackfillDates(tt.from, tt.to)
			if tt.wantErr {
				if !errors.Is(err, apperrors.ErrInvalidInput) {
					t.Fatalf("expected ErrInvalidInput, got %v", err)
				}
				return
			}
			if err != nil || len(dates) != tt.want {
				t.Fatalf("got %d dates, err %v; want %d", len(dates), err, tt.want)
			}
		})
	}
}
