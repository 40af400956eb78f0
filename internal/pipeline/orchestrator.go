package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/internal/apod"
	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/internal/pipeline/registry"
	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/internal/sink"
	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/internal/versioning"
	apperrors "github.com/Adithya-Monish-Kumar-K/apod-pipeline/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/pkg/resilience"
	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/pkg/tracing"
	"github.com/google/uuid"
)

// Stage names.
const (
	StageExtract        = "extract"
	StageTransform      = "transform"
	StageLoadKeyed      = "load_keyed"
	StageLoadSnapshot   = "load_snapshot"
	StageVersionCapture = "version_capture"
	StageVersionCommit  = "version_commit"
)

// Extractor fetches the raw record for a date.
type Extractor interface {
	Fetch(ctx context.Context, date time.Time) (apod.RawRecord, error)
}

// Transformer turns a raw record into a validated one.
type Transformer interface {
	Transform(raw apod.RawRecord) (apod.Record, error)
}

// Versioner is the two-step versioning chain.
type Versioner interface {
	Capture(ctx context.Context) (versioning.CaptureResult, error)
	Commit(ctx context.Context, res versioning.CaptureResult) (versioning.CommitResult, error)
}

// RunStore retains run records.
type RunStore interface {
	Save(ctx context.Context, run *Run) error
	Get(ctx context.Context, id string) (*Run, error)
	List(ctx context.Context, limit int) ([]*Run, error)
}

// Notifier is told about every finished run.
type Notifier interface {
	RunFinished(ctx context.Context, run *Run) error
}

// Notifiers fans a finished run out to every notifier in order.
type Notifiers []Notifier

func (ns Notifiers) RunFinished(ctx context.Context, run *Run) error {
	var errs []error
	for _, n := range ns {
		if err := n.RunFinished(ctx, run); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StagePolicy bounds one stage's execution.
type StagePolicy struct {
	// Timeout applies to each attempt; zero disables it.
	Timeout time.Duration
	// Retries is the number of attempts after the first.
	Retries    int
	RetryDelay time.Duration
}

// Deps are the orchestrator's collaborators. Notifier and Metrics may be nil.
type Deps struct {
	Extractor   Extractor
	Transformer Transformer
	Keyed       sink.Writer
	Snapshot    sink.Writer
	Versioning  Versioner
	Registry    registry.Registry
	Runs        RunStore
	Notifier    Notifier
	Metrics     *metrics.Metrics
}

// Options tune the orchestrator.
type Options struct {
	StageTimeout time.Duration
	StageRetries int
	RetryDelay   time.Duration
	// Policies overrides the derived policy of individual stages.
	Policies map[string]StagePolicy
	// Trace logs the span tree of every run when it ends.
	Trace bool
	Now   func() time.Time
}

// Orchestrator executes runs over the fixed stage graph.
type Orchestrator struct {
	deps     Deps
	graph    *Graph
	policies map[string]StagePolicy
	trace    bool
	now      func() time.Time
	logger   *slog.Logger

	inflight sync.WaitGroup
}

// NewGraph returns the pipeline's stage graph.
func NewGraph() (*Graph, error) {
	return NewGraphBuilder().
		Stage(StageExtract, StageTransform, StageLoadKeyed, StageLoadSnapshot, StageVersionCapture, StageVersionCommit).
		Edge(StageExtract, StageTransform).
		Edge(StageTransform, StageLoadKeyed).
		Edge(StageTransform, StageLoadSnapshot).
		Edge(StageLoadKeyed, StageVersionCapture).
		Edge(StageLoadSnapshot, StageVersionCapture).
		Edge(StageVersionCapture, StageVersionCommit).
		Build()
}

func New(deps Deps, opts Options) (*Orchestrator, error) {
	switch {
	case deps.Extractor == nil, deps.Transformer == nil:
		return nil, errors.New("orchestrator: extractor and transformer are required")
	case deps.Keyed == nil, deps.Snapshot == nil:
		return nil, errors.New("orchestrator: both sinks are required")
	case deps.Versioning == nil:
		return nil, errors.New("orchestrator: versioning chain is required")
	case deps.Registry == nil, deps.Runs == nil:
		return nil, errors.New("orchestrator: registry and run store are required")
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	g, err := NewGraph()
	if err != nil {
		return nil, err
	}

	policies := make(map[string]StagePolicy, len(g.names))
	for _, name := range g.names {
		policies[name] = StagePolicy{
			Timeout:    opts.StageTimeout,
			Retries:    opts.StageRetries,
			RetryDelay: opts.RetryDelay,
		}
	}
	// The extractor retries internally.
	p := policies[StageExtract]
	p.Retries = 0
	policies[StageExtract] = p
	for name, override := range opts.Policies {
		if !g.Has(name) {
			return nil, fmt.Errorf("orchestrator: policy for unknown stage %q", name)
		}
		policies[name] = override
	}

	return &Orchestrator{
		deps:     deps,
		graph:    g,
		policies: policies,
		trace:    opts.Trace,
		now:      opts.Now,
		logger:   slog.Default().With("component", "orchestrator"),
	}, nil
}

// Graph returns the stage graph.
func (o *Orchestrator) Graph() *Graph { return o.graph }

// Policy returns the effective policy of stage.
func (o *Orchestrator) Policy(stage string) StagePolicy { return o.policies[stage] }

// Wait blocks until every run started by Run or Start has recorded its result
// and released its lease.
func (o *Orchestrator) Wait() { o.inflight.Wait() }

// runScope carries stage outputs to downstream stages. Each field is written
// by exactly one stage after its attempt completed and read only by stages
// that start after it finished.
type runScope struct {
	date    time.Time
	raw     apod.RawRecord
	record  apod.Record
	capture versioning.CaptureResult
	commit  versioning.CommitResult
	// attempts is pre-populated; each stage goroutine updates only its own
	// entry.
	attempts map[string]*int
}

// Run executes one full traversal for date (zero means the upstream's
// current date). It returns apperrors.ErrRunActive without running anything
// when another run holds the lease. A run whose stages fail is returned with
// Status RunFailed and a nil error.
func (o *Orchestrator) Run(ctx context.Context, date time.Time, trigger Trigger) (*Run, error) {
	runID, lease, err := o.acquire(ctx, date, trigger)
	if err != nil {
		return nil, err
	}
	o.inflight.Add(1)
	defer o.inflight.Done()
	return o.execute(ctx, runID, lease, date, trigger), nil
}

// Start acquires the lease synchronously and executes the run in the
// background under ctx, which should outlive the caller's request. The
// returned channel yields the finished run once.
func (o *Orchestrator) Start(ctx context.Context, date time.Time, trigger Trigger) (string, <-chan *Run, error) {
	runID, lease, err := o.acquire(ctx, date, trigger)
	if err != nil {
		return "", nil, err
	}
	done := make(chan *Run, 1)
	o.inflight.Add(1)
	go func() {
		defer o.inflight.Done()
		done <- o.execute(ctx, runID, lease, date, trigger)
		close(done)
	}()
	return runID, done, nil
}

func (o *Orchestrator) acquire(ctx context.Context, date time.Time, trigger Trigger) (string, registry.Lease, error) {
	runID := uuid.NewString()
	lease, err := o.deps.Registry.Acquire(ctx, runID)
	if err != nil {
		if errors.Is(err, apperrors.ErrRunActive) {
			o.deps.Metrics.RunsRejectedTotal.WithLabelValues(string(trigger)).Inc()
			o.logger.Warn("run rejected, another run is active",
				"trigger", trigger,
				"date", apod.FormatDate(date),
				"error", err,
			)
		}
		return "", nil, err
	}
	return runID, lease, nil
}

func (o *Orchestrator) execute(ctx context.Context, runID string, lease registry.Lease, date time.Time, trigger Trigger) *Run {
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lease.Release(releaseCtx); err != nil {
			o.logger.Error("releasing run lease", "run_id", runID, "error", err)
		}
	}()

	run := &Run{
		ID:        runID,
		Date:      apod.FormatDate(date),
		Trigger:   trigger,
		Status:    RunRunning,
		Stages:    make(map[string]StageStatus, len(o.graph.names)),
		StartedAt: o.now().UTC(),
	}
	scope := &runScope{date: date, attempts: make(map[string]*int, len(o.graph.names))}
	for _, name := range o.graph.names {
		run.Stages[name] = StageStatus{State: StatePending}
		scope.attempts[name] = new(int)
	}

	ctx = logger.WithRunID(ctx, runID)
	log := logger.FromContext(ctx).With("component", "orchestrator", "date", run.Date, "trigger", trigger)

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go func() {
		select {
		case <-lease.Lost():
			log.Error("run lease lost, cancelling run")
			cancel(registry.ErrLeaseLost)
		case <-ctx.Done():
		}
	}()
	ctx, span := tracing.StartSpan(ctx, "pipeline_run", runID)
	span.SetAttr("date", run.Date)

	o.deps.Metrics.RunInProgress.Set(1)
	defer o.deps.Metrics.RunInProgress.Set(0)
	o.save(ctx, run)
	log.Info("run started")

	Walk(ctx, o.graph, func(ctx context.Context, stage string) error {
		return o.execStage(ctx, stage, scope)
	}, Hooks{
		OnStart: func(stage string) {
			st := run.Stages[stage]
			st.State = StateRunning
			st.StartedAt = o.now().UTC()
			run.Stages[stage] = st
			log.Debug("stage started", "stage", stage)
		},
		OnFinish: func(stage string, state StageState, err error) {
			st := run.Stages[stage]
			st.State = state
			st.Attempts = *scope.attempts[stage]
			if !st.StartedAt.IsZero() {
				st.FinishedAt = o.now().UTC()
				o.deps.Metrics.StageDuration.WithLabelValues(stage).Observe(st.FinishedAt.Sub(st.StartedAt).Seconds())
			}
			if state == StateFailed && err != nil {
				st.Error = err.Error()
				st.ErrorKind = apperrors.Kind(err)
				if run.FailedStage == "" {
					run.FailedStage = stage
					run.ErrorKind = st.ErrorKind
				}
				log.Error("stage failed", "stage", stage, "attempts", st.Attempts, "error", err)
			} else {
				log.Info("stage finished", "stage", stage, "state", state, "attempts", st.Attempts)
			}
			run.Stages[stage] = st
			o.deps.Metrics.StageResultsTotal.WithLabelValues(stage, string(state)).Inc()
		},
	})

	run.Status = RunSucceeded
	for _, name := range o.graph.names {
		if run.Stages[name].State != StateSucceeded {
			run.Status = RunFailed
			break
		}
	}
	switch {
	case run.Status == RunFailed && errors.Is(context.Cause(ctx), registry.ErrLeaseLost):
		run.ErrorKind = "lease_lost"
	case run.Status == RunFailed && run.FailedStage == "" && ctx.Err() != nil:
		run.ErrorKind = "cancelled"
	}
	if run.Date == "" && !scope.record.Date.IsZero() {
		run.Date = scope.record.Key()
	}
	run.Digest = scope.capture.Snapshot.Digest
	run.CommitHash = scope.commit.Hash
	run.FinishedAt = o.now().UTC()

	span.SetAttr("status", string(run.Status))
	var runErr error
	if run.FailedStage != "" {
		runErr = fmt.Errorf("stage %s failed: %s", run.FailedStage, run.ErrorKind)
	}
	span.End(runErr)
	if o.trace {
		span.Log(log)
	}

	o.deps.Metrics.RunsTotal.WithLabelValues(string(trigger), string(run.Status)).Inc()
	o.deps.Metrics.RunDuration.Observe(run.FinishedAt.Sub(run.StartedAt).Seconds())

	// Recording and notification must happen even if the caller's ctx ended.
	finishCtx, finishCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer finishCancel()
	o.save(finishCtx, run)
	if o.deps.Notifier != nil {
		if err := o.deps.Notifier.RunFinished(finishCtx, run.Clone()); err != nil {
			log.Warn("run notification failed", "error", err)
		}
	}
	log.Info("run finished",
		"status", run.Status,
		"failed_stage", run.FailedStage,
		"error_kind", run.ErrorKind,
		"duration", run.FinishedAt.Sub(run.StartedAt),
	)
	return run
}

func (o *Orchestrator) save(ctx context.Context, run *Run) {
	if err := o.deps.Runs.Save(ctx, run.Clone()); err != nil {
		logger.FromContext(ctx).Error("saving run record", "run_id", run.ID, "error", err)
	}
}

// execStage runs stage under its policy: each attempt is bounded by the
// stage timeout, a timed-out or permanent failure stops retrying, and other
// failures are retried after a fixed delay.
func (o *Orchestrator) execStage(ctx context.Context, stage string, scope *runScope) error {
	policy := o.policies[stage]
	fn := o.stageFunc(stage, scope)
	attempts := scope.attempts[stage]

	err := resilience.Do(ctx, stage, resilience.Policy{
		MaxAttempts: policy.Retries + 1,
		Backoff:     resilience.Fixed(policy.RetryDelay),
	}, func(ctx context.Context, attempt int) error {
		*attempts = attempt + 1
		actx, span := tracing.StartChildSpan(ctx, stage)
		span.SetAttr("attempt", attempt+1)
		var publish func()
		err := resilience.WithTimeout(actx, policy.Timeout, stage, func(ctx context.Context) error {
			p, err := fn(ctx)
			publish = p
			return err
		})
		span.End(err)

		switch {
		case err == nil:
			if publish != nil {
				publish()
			}
			o.deps.Metrics.StageAttemptsTotal.WithLabelValues(stage, "success").Inc()
			return nil
		case errors.Is(err, resilience.ErrTimeout):
			o.deps.Metrics.StageAttemptsTotal.WithLabelValues(stage, "timeout").Inc()
			return resilience.Permanent(err)
		default:
			o.deps.Metrics.StageAttemptsTotal.WithLabelValues(stage, "error").Inc()
			return err
		}
	})
	if err == nil {
		return nil
	}

	stageErr := &StageError{Stage: stage, Attempts: *attempts, Cause: err}
	var exhausted *resilience.ExhaustedError
	switch {
	case errors.Is(err, resilience.ErrTimeout):
		stageErr.Kind = Timeout
	case resilience.IsPermanent(err):
		stageErr.Kind = Failed
	case errors.As(err, &exhausted) && policy.Retries > 0:
		stageErr.Kind = RetriesExhausted
	default:
		stageErr.Kind = Failed
	}
	return stageErr
}

// stageAttempt performs one attempt of a stage. On success it returns a
// function that publishes the stage's output into the run scope; it is only
// called once the attempt is known to have completed in time.
type stageAttempt func(ctx context.Context) (publish func(), err error)

func (o *Orchestrator) stageFunc(stage string, scope *runScope) stageAttempt {
	switch stage {
	case StageExtract:
		return func(ctx context.Context) (func(), error) {
			raw, err := o.deps.Extractor.Fetch(ctx, scope.date)
			if err != nil {
				return nil, err
			}
			return func() { scope.raw = raw }, nil
		}
	case StageTransform:
		return func(ctx context.Context) (func(), error) {
			rec, err := o.deps.Transformer.Transform(scope.raw)
			if err != nil {
				return nil, err
			}
			if !scope.date.IsZero() && !rec.Date.Equal(scope.date) {
				logger.FromContext(ctx).Warn("upstream returned a different date",
					"requested", apod.FormatDate(scope.date),
					"received", rec.Key(),
				)
			}
			return func() { scope.record = rec }, nil
		}
	case StageLoadKeyed:
		return func(ctx context.Context) (func(), error) {
			return nil, o.deps.Keyed.Write(ctx, scope.record)
		}
	case StageLoadSnapshot:
		return func(ctx context.Context) (func(), error) {
			return nil, o.deps.Snapshot.Write(ctx, scope.record)
		}
	case StageVersionCapture:
		return func(ctx context.Context) (func(), error) {
			res, err := o.deps.Versioning.Capture(ctx)
			if err != nil {
				return nil, err
			}
			return func() { scope.capture = res }, nil
		}
	case StageVersionCommit:
		return func(ctx context.Context) (func(), error) {
			res, err := o.deps.Versioning.Commit(ctx, scope.capture)
			if err != nil {
				return nil, err
			}
			return func() { scope.commit = res }, nil
		}
	default:
		return func(context.Context) (func(), error) {
			return nil, fmt.Errorf("no implementation for stage %q", stage)
		}
	}
}
