package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/internal/pipeline"
	apperrors "github.com/Adithya-Monish-Kumar-K/apod-pipeline/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/pkg/postgres"
)

// Schema creates the run history table.
const Schema = `
CREATE TABLE IF NOT EXISTS pipeline_runs (
    id          TEXT PRIMARY KEY,
    run_date    TEXT NOT NULL,
    trigger     TEXT NOT NULL,
    status      TEXT NOT NULL,
    data        JSONB NOT NULL,
    started_at  TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ
)`

// PostgresStore persists runs as JSONB documents in pipeline_runs.
type PostgresStore struct {
	db     *postgres.Client
	logger *slog.Logger
}

func NewPostgresStore(db *postgres.Client) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: slog.Default().With("component", "run-store"),
	}
}

// EnsureSchema creates pipeline_runs if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	return s.db.EnsureSchema(ctx, "pipeline_runs", Schema)
}

// Save inserts run or replaces the stored copy with the same ID.
func (s *PostgresStore) Save(ctx context.Context, run *pipeline.Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshaling run: %w", err)
	}
	var finished sql.NullTime
	if !run.FinishedAt.IsZero() {
		finished = sql.NullTime{Time: run.FinishedAt, Valid: true}
	}
	_, err = s.db.DB.ExecContext(ctx,
		`INSERT INTO pipeline_runs (id, run_date, trigger, status, data, started_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
		     status = EXCLUDED.status,
		     data = EXCLUDED.data,
		     finished_at = EXCLUDED.finished_at`,
		run.ID, run.Date, string(run.Trigger), string(run.Status), data, run.StartedAt, finished,
	)
	if err != nil {
		return fmt.Errorf("saving run %s: %w", run.ID, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*pipeline.Run, error) {
	var data []byte
	err := s.db.DB.QueryRowContext(ctx,
		`SELECT data FROM pipeline_runs WHERE id = $1`, id,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, apperrors.Newf(apperrors.ErrRunNotFound, 404, "run %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying run %s: %w", id, err)
	}
	var run pipeline.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("unmarshaling run %s: %w", id, err)
	}
	return &run, nil
}

// List returns up to limit runs, newest first.
func (s *PostgresStore) List(ctx context.Context, limit int) ([]*pipeline.Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT data FROM pipeline_runs ORDER BY started_at DESC LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []*pipeline.Run
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scanning run row: %w", err)
		}
		var run pipeline.Run
		if err := json.Unmarshal(data, &run); err != nil {
			s.logger.Warn("skipping corrupt run", "error", err)
			continue
		}
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}
