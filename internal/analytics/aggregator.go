// Package analytics aggregates finished pipeline runs into operational
// statistics: outcome counts, run duration percentiles, and which stages
// and error kinds fail most often.
package analytics

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/internal/events"
	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/internal/pipeline"
)

const maxDurations = 10000

type AggregatedStats struct {
	TotalRuns       int64            `json:"total_runs"`
	Succeeded       int64            `json:"succeeded"`
	Failed          int64            `json:"failed"`
	SuccessRate     float64          `json:"success_rate"`
	ByTrigger       map[string]int   `json:"by_trigger"`
	AvgDurationMs   float64          `json:"avg_duration_ms"`
	P50DurationMs   int64            `json:"p50_duration_ms"`
	P95DurationMs   int64            `json:"p95_duration_ms"`
	P99DurationMs   int64            `json:"p99_duration_ms"`
	FailingStages   []Count          `json:"failing_stages"`
	ErrorKinds      []Count          `json:"error_kinds"`
	LastSuccessDate string           `json:"last_success_date,omitempty"`
	LastRun         *events.RunEvent `json:"last_run,omitempty"`
	RunsPerHour     float64          `json:"runs_per_hour"`
}

type Count struct {
	Name  string `json:"name"`
	Count int64  `json:"count"`
}

// Aggregator implements pipeline.Notifier.
type Aggregator struct {
	mu              sync.RWMutex
	total           int64
	succeeded       int64
	failed          int64
	byTrigger       map[string]int
	durations       []int64
	failingStages   map[string]int64
	errorKinds      map[string]int64
	lastSuccessDate string
	lastSuccessAt   time.Time
	lastRun         *events.RunEvent
	startTime       time.Time

	now    func() time.Time
	logger *slog.Logger
}

func NewAggregator(now func() time.Time) *Aggregator {
	if now == nil {
		now = time.Now
	}
	return &Aggregator{
		byTrigger:     make(map[string]int),
		durations:     make([]int64, 0, 256),
		failingStages: make(map[string]int64),
		errorKinds:    make(map[string]int64),
		startTime:     now(),
		now:           now,
		logger:        slog.Default().With("component", "run-analytics"),
	}
}

// RunFinished records run.
func (a *Aggregator) RunFinished(ctx context.Context, run *pipeline.Run) error {
	a.Record(events.NewRunEvent(run))
	return nil
}

// Record folds one finished run into the aggregate.
func (a *Aggregator) Record(ev events.RunEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.total++
	a.byTrigger[string(ev.Trigger)]++
	switch ev.Status {
	case pipeline.RunSucceeded:
		a.succeeded++
		if ev.Date > a.lastSuccessDate {
			a.lastSuccessDate = ev.Date
		}
		if ev.FinishedAt.After(a.lastSuccessAt) {
			a.lastSuccessAt = ev.FinishedAt
		}
	case pipeline.RunFailed:
		a.failed++
		if ev.FailedStage != "" {
			a.failingStages[ev.FailedStage]++
		}
		if ev.ErrorKind != "" {
			a.errorKinds[ev.ErrorKind]++
		}
	}
	if len(a.durations) >= maxDurations {
		a.durations = a.durations[1:]
	}
	a.durations = append(a.durations, ev.DurationMs)
	last := ev
	a.lastRun = &last

	a.logger.Debug("run recorded", "run_id", ev.RunID, "status", ev.Status)
}

// LastSuccess returns when the most recent successful run finished.
func (a *Aggregator) LastSuccess() (time.Time, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastSuccessAt, !a.lastSuccessAt.IsZero()
}

func (a *Aggregator) Stats() AggregatedStats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	stats := AggregatedStats{
		TotalRuns:       a.total,
		Succeeded:       a.succeeded,
		Failed:          a.failed,
		ByTrigger:       make(map[string]int, len(a.byTrigger)),
		LastSuccessDate: a.lastSuccessDate,
		LastRun:         a.lastRun,
	}
	for k, v := range a.byTrigger {
		stats.ByTrigger[k] = v
	}
	if a.total > 0 {
		stats.SuccessRate = float64(a.succeeded) / float64(a.total)
	}
	if len(a.durations) > 0 {
		sorted := make([]int64, len(a.durations))
		copy(sorted, a.durations)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

		var sum int64
		for _, d := range sorted {
			sum += d
		}
		stats.AvgDurationMs = float64(sum) / float64(len(sorted))
		stats.P50DurationMs = percentile(sorted, 50)
		stats.P95DurationMs = percentile(sorted, 95)
		stats.P99DurationMs = percentile(sorted, 99)
	}
	stats.FailingStages = topN(a.failingStages, 10)
	stats.ErrorKinds = topN(a.errorKinds, 10)
	if elapsed := a.now().Sub(a.startTime).Hours(); elapsed > 0 {
		stats.RunsPerHour = float64(a.total) / elapsed
	}
	return stats
}

func percentile(sorted []int64, pct int) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := (pct * len(sorted)) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func topN(counts map[string]int64, n int) []Count {
	result := make([]Count, 0, len(counts))
	for name, count := range counts {
		result = append(result, Count{Name: name, Count: count})
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Count != result[j].Count {
			return result[i].Count > result[j].Count
		}
		return result[i].Name < result[j].Name
	})
	if len(result) > n {
		result = result[:n]
	}
	return result
}
