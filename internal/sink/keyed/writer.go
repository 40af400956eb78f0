package keyed

import (
	"context"
	"log/slog"

	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/internal/apod"
	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/internal/sink"
)

// SinkName identifies this sink in errors and logs.
const SinkName = "keyed"

// Writer upserts records into a Store and verifies the row afterwards.
type Writer struct {
	store  Store
	logger *slog.Logger
}

func NewWriter(store Store) *Writer {
	return &Writer{
		store:  store,
		logger: slog.Default().With("component", "keyed-writer"),
	}
}

// Write upserts rec. A failed upsert leaves the store unchanged and returns a
// *sink.SinkError. The post-commit row count is only logged.
func (w *Writer) Write(ctx context.Context, rec apod.Record) error {
	if err := w.store.Upsert(ctx, rec); err != nil {
		w.logger.Error("upsert failed", "date", rec.Key(), "error", err)
		return sink.WriteFailed(SinkName, err)
	}

	n, err := w.store.Count(ctx, rec.Date)
	switch {
	case err != nil:
		w.logger.Warn("verification query failed", "date", rec.Key(), "error", err)
	case n != 1:
		w.logger.Warn("unexpected row count after upsert", "date", rec.Key(), "count", n)
	default:
		w.logger.Info("record upserted", "date", rec.Key())
	}
	return nil
}
