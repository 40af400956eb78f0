// Package events connects pipeline runs to Kafka: finished runs are
// published as RunEvents, and trigger requests consumed from a topic start
// manual runs.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/internal/apod"
	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/internal/pipeline"
	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/pkg/kafka"
)

// RunFinishedType is the event type of published RunEvents.
const RunFinishedType = "run.finished"

// RunEvent is published once per finished run, keyed by logical date.
type RunEvent struct {
	RunID       string             `json:"run_id"`
	Date        string             `json:"date"`
	Trigger     pipeline.Trigger   `json:"trigger"`
	Status      pipeline.RunStatus `json:"status"`
	FailedStage string             `json:"failed_stage,omitempty"`
	ErrorKind   string             `json:"error_kind,omitempty"`
	Digest      string             `json:"digest,omitempty"`
	CommitHash  string             `json:"commit_hash,omitempty"`
	StartedAt   time.Time          `json:"started_at"`
	FinishedAt  time.Time          `json:"finished_at"`
	DurationMs  int64              `json:"duration_ms"`
}

// NewRunEvent summarises run.
func NewRunEvent(run *pipeline.Run) RunEvent {
	return RunEvent{
		RunID:       run.ID,
		Date:        run.Date,
		Trigger:     run.Trigger,
		Status:      run.Status,
		FailedStage: run.FailedStage,
		ErrorKind:   run.ErrorKind,
		Digest:      run.Digest,
		CommitHash:  run.CommitHash,
		StartedAt:   run.StartedAt,
		FinishedAt:  run.FinishedAt,
		DurationMs:  run.Duration().Milliseconds(),
	}
}

// Notifier publishes a RunEvent for every finished run.
type Notifier struct {
	pub    kafka.Publisher
	logger *slog.Logger
}

func NewNotifier(pub kafka.Publisher) *Notifier {
	return &Notifier{
		pub:    pub,
		logger: slog.Default().With("component", "run-notifier"),
	}
}

// RunFinished implements pipeline.Notifier.
func (n *Notifier) RunFinished(ctx context.Context, run *pipeline.Run) error {
	ev := NewRunEvent(run)
	if err := n.pub.Publish(ctx, kafka.Event{Key: ev.Date, Type: RunFinishedType, Value: ev}); err != nil {
		return fmt.Errorf("publishing run event %s: %w", run.ID, err)
	}
	n.logger.Debug("run event published", "run_id", run.ID, "status", run.Status)
	return nil
}

// TriggerRequest asks for a manual run. An empty Date means the upstream's
// current date.
type TriggerRequest struct {
	Date string `json:"date"`
}

// ManualTrigger starts a manual run for one date.
type ManualTrigger interface {
	TriggerManual(ctx context.Context, date time.Time) (*pipeline.Run, error)
}

// HandleTrigger returns a Kafka MessageHandler that runs the pipeline for
// each decoded TriggerRequest. Undecodable requests are logged and dropped.
func HandleTrigger(trigger ManualTrigger) kafka.MessageHandler {
	logger := slog.Default().With("component", "trigger-consumer")
	return func(ctx context.Context, key []byte, value []byte) error {
		req, err := kafka.DecodeJSON[TriggerRequest](value)
		if err != nil {
			logger.Error("failed to decode trigger request",
				"error", err,
				"key", string(key),
			)
			return nil
		}
		var date time.Time
		if req.Date != "" {
			date, err = apod.ParseDate(req.Date)
			if err != nil {
				logger.Error("invalid trigger date", "date", req.Date, "error", err)
				return nil
			}
		}

		run, err := trigger.TriggerManual(ctx, date)
		if err != nil {
			return fmt.Errorf("triggering run for %q: %w", req.Date, err)
		}
		logger.Info("triggered run finished",
			"run_id", run.ID,
			"date", run.Date,
			"status", run.Status,
		)
		return nil
	}
}
