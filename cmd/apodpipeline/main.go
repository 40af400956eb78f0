// Command apodpipeline runs the picture-of-the-day ETL pipeline.
//
// By default it serves the control API, the metrics endpoint, the cron
// scheduler and (when Kafka is enabled) the trigger consumer until
// SIGINT/SIGTERM. With -once or -date it performs a single run and exits;
// with -from and -to it backfills the range and exits.
//
// Usage:
//
//	go run ./cmd/apodpipeline [-config configs/development.yaml] [-once] [-date 2025-11-13]
//	go run ./cmd/apodpipeline -from 2025-11-01 -to 2025-11-07
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/internal/analytics"
	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/internal/api/handler"
	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/internal/api/router"
	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/internal/apod"
	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/internal/events"
	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/internal/extractor"
	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/internal/pipeline"
	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/internal/pipeline/registry"
	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/internal/pipeline/runstore"
	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/internal/scheduler"
	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/internal/sink/keyed"
	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/internal/sink/snapshot"
	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/internal/transform"
	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/internal/versioning"
	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/pkg/postgres"
	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/pkg/redis"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	once := flag.Bool("once", false, "perform a single run and exit")
	date := flag.String("date", "", "logical date (YYYY-MM-DD) for a single run; implies -once")
	from := flag.String("from", "", "first date (YYYY-MM-DD) of a backfill")
	to := flag.String("to", "", "last date (YYYY-MM-DD) of a backfill")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialise pipeline", "error", err)
		os.Exit(1)
	}
	defer a.close()

	switch {
	case *from != "" || *to != "":
		err = a.backfill(ctx, *from, *to)
	case *once || *date != "":
		err = a.runOnce(ctx, *date)
	default:
		err = a.serve(ctx)
	}
	if err != nil {
		slog.Error("apodpipeline exited with error", "error", err)
		stop()
		a.close()
		os.Exit(1)
	}
	slog.Info("apodpipeline stopped")
}

// app holds the wired pipeline and everything that must be closed on exit.
type app struct {
	cfg      *config.Config
	metrics  *metrics.Metrics
	orch     *pipeline.Orchestrator
	sched    *scheduler.Scheduler
	runs     pipeline.RunStore
	registry registry.Registry
	checker  *health.Checker
	stats    *analytics.Aggregator
	closers  []func() error
	closed   bool
}

func build(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{
		cfg:     cfg,
		metrics: metrics.New(prometheus.DefaultRegisterer),
		checker: health.NewChecker(),
		stats:   analytics.NewAggregator(time.Now),
	}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	// Keyed sink and run store: PostgreSQL when enabled, memory otherwise.
	var store keyed.Store = keyed.NewMemoryStore()
	a.runs = runstore.NewMemoryStore(cfg.Pipeline.RunHistorySize)
	if cfg.Postgres.Enabled {
		db, err := postgres.New(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		slog.Info("connected to postgres", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)

		pgStore := keyed.NewPostgresStore(db)
		if err := pgStore.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		store = pgStore
		if cfg.Pipeline.RunStore == "postgres" {
			pgRuns := runstore.NewPostgresStore(db)
			if err := pgRuns.EnsureSchema(ctx); err != nil {
				return nil, err
			}
			a.runs = pgRuns
		}
		a.checker.Register("postgres", health.Ping(db.Ping, true))
	}

	// Run exclusivity.
	switch cfg.Pipeline.Registry {
	case "redis":
		rc, err := redis.NewClient(cfg.Redis)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, rc.Close)
		a.registry = registry.NewRedisRegistry(rc, cfg.Redis.LeaseKey, cfg.Pipeline.LeaseTTL, redis.IsNilError)
		a.checker.Register("redis", health.Ping(rc.Ping, true))
		slog.Info("using redis run registry", "addr", cfg.Redis.Addr, "key", cfg.Redis.LeaseKey)
	default:
		a.registry = registry.NewMemoryRegistry()
	}

	snapshotDir := filepath.Dir(cfg.Snapshot.Path)
	if err := os.MkdirAll(snapshotDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating snapshot directory: %w", err)
	}
	if cfg.Schedule.Enabled && cfg.Schedule.MaxStaleness > 0 {
		a.checker.Register("freshness", health.Freshness(a.stats.LastSuccess, cfg.Schedule.MaxStaleness, time.Now))
	}
	a.checker.Register("snapshot_dir", health.Ping(func(context.Context) error {
		_, err := os.Stat(snapshotDir)
		return err
	}, true))

	chain := versioning.NewChain(
		cfg.Snapshot.Path,
		versioning.NewFileCapturer(cfg.Versioning.CacheDir, time.Now),
		versioning.NewGitCommitter(cfg.Versioning.RepoDir, cfg.Versioning.AuthorName, cfg.Versioning.AuthorEmail, time.Now),
		a.metrics,
	)

	deps := pipeline.Deps{
		Extractor:   extractor.NewClient(cfg.Source, a.metrics),
		Transformer: transform.New(time.Now),
		Keyed:       keyed.NewWriter(store),
		Snapshot:    snapshot.NewWriter(cfg.Snapshot.Path, a.metrics),
		Versioning:  chain,
		Registry:    a.registry,
		Runs:        a.runs,
		Metrics:     a.metrics,
	}
	notifiers := pipeline.Notifiers{a.stats}
	if cfg.Kafka.Enabled {
		producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.RunEvents)
		a.closers = append(a.closers, producer.Close)
		notifiers = append(notifiers, events.NewNotifier(producer))
	}
	deps.Notifier = notifiers

	orch, err := pipeline.New(deps, pipeline.Options{
		StageTimeout: cfg.Pipeline.StageTimeout,
		StageRetries: cfg.Pipeline.StageRetries,
		RetryDelay:   cfg.Pipeline.RetryDelay,
		Trace:        cfg.Tracing.Enabled,
	})
	if err != nil {
		return nil, err
	}
	a.orch = orch

	loc, err := time.LoadLocation(cfg.Schedule.Location)
	if err != nil {
		return nil, fmt.Errorf("loading schedule location: %w", err)
	}
	a.sched, err = scheduler.New(cfg.Schedule.Cron, loc, orch)
	if err != nil {
		return nil, err
	}

	ok = true
	return a, nil
}

func (a *app) close() {
	if a.closed {
		return
	}
	a.closed = true
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("close failed", "error", err)
		}
	}
}

func (a *app) runOnce(ctx context.Context, dateArg string) error {
	var date time.Time
	if dateArg != "" {
		d, err := apod.ParseDate(dateArg)
		if err != nil {
			return err
		}
		date = d
	}
	run, err := a.sched.TriggerManual(ctx, date)
	if err != nil {
		return err
	}
	if run.Status != pipeline.RunSucceeded {
		return fmt.Errorf("run %s failed at %s: %s", run.ID, run.FailedStage, run.ErrorKind)
	}
	return nil
}

func (a *app) backfill(ctx context.Context, fromArg, toArg string) error {
	from, errFrom := apod.ParseDate(fromArg)
	to, errTo := apod.ParseDate(toArg)
	if err := errors.Join(errFrom, errTo); err != nil {
		return fmt.Errorf("-from and -to are both required: %w", err)
	}
	runs, err := a.sched.Backfill(ctx, from, to)
	failed := 0
	for _, r := range runs {
		if r.Status != pipeline.RunSucceeded {
			failed++
		}
	}
	slog.Info("backfill complete", "runs", len(runs), "failed", failed)
	if err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d backfill runs failed", failed, len(runs))
	}
	return nil
}

// serve runs the control API, metrics server, scheduler and trigger
// consumer until ctx is cancelled or one of them fails.
func (a *app) serve(ctx context.Context) error {
	cfg := a.cfg
	g, gctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Enabled {
		g.Go(func() error { return metrics.Serve(gctx, cfg.Metrics.Port, cfg.Server.ShutdownTimeout) })
	}

	h := handler.New(gctx, a.orch, a.sched, a.runs, a.registry)
	api := router.New(h, analytics.NewHandler(a.stats), a.checker, a.metrics, router.Config{
		Timeout:          cfg.Server.WriteTimeout,
		APITokens:        cfg.Server.APITokens,
		TriggerRateLimit: cfg.Server.TriggerRateLimit,
	})
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	g.Go(func() error {
		slog.Info("control API listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("control API: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if cfg.Schedule.Enabled {
		g.Go(func() error { return a.sched.Start(gctx) })
	}

	if cfg.Kafka.Enabled {
		var opts []kafka.ConsumerOption
		if topic := cfg.Kafka.Topics.DeadLetters; topic != "" {
			dlq := kafka.NewProducer(cfg.Kafka, topic)
			defer dlq.Close()
			opts = append(opts, kafka.WithDeadLetter(dlq))
		}
		consumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.Triggers, events.HandleTrigger(a.sched), opts...)
		g.Go(func() error { return consumer.Start(gctx) })
		slog.Info("consuming run triggers",
			"topic", cfg.Kafka.Topics.Triggers,
			"group", cfg.Kafka.ConsumerGroup,
		)
	}

	err := g.Wait()
	// Runs started from the API or the trigger topic are not in the group;
	// they must record and release before the stores close.
	a.orch.Wait()
	slog.Info("in-flight runs drained")
	return err
}
