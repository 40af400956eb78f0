// Package keyed writes records into a store keyed by calendar date with
// last-write-wins semantics.
package keyed

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/internal/apod"
	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/pkg/postgres"
)

// Store is the keyed persistence backend.
type Store interface {
	// Upsert inserts rec or replaces the row with the same date atomically.
	Upsert(ctx context.Context, rec apod.Record) error
	// Count returns how many rows exist for date.
	Count(ctx context.Context, date time.Time) (int, error)
	// Get returns the row for date, or false if none exists.
	Get(ctx context.Context, date time.Time) (apod.Record, bool, error)
}

// Schema creates the keyed table.
const Schema = `
CREATE TABLE IF NOT EXISTS apod_records (
    date         DATE PRIMARY KEY,
    title        TEXT NOT NULL,
    explanation  TEXT NOT NULL,
    url          TEXT NOT NULL,
    hdurl        TEXT NOT NULL,
    media_type   TEXT NOT NULL,
    copyright    TEXT NOT NULL,
    extracted_at TIMESTAMPTZ NOT NULL,
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

const upsertSQL = `
INSERT INTO apod_records (date, title, explanation, url, hdurl, media_type, copyright, extracted_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (date) DO UPDATE SET
    title        = EXCLUDED.title,
    explanation  = EXCLUDED.explanation,
    url          = EXCLUDED.url,
    hdurl        = EXCLUDED.hdurl,
    media_type   = EXCLUDED.media_type,
    copyright    = EXCLUDED.copyright,
    extracted_at = EXCLUDED.extracted_at,
    updated_at   = NOW()`

// PostgresStore keeps records in the apod_records table.
type PostgresStore struct {
	db *postgres.Client
}

// NewPostgresStore wraps an open client.
func NewPostgresStore(db *postgres.Client) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	return s.db.EnsureSchema(ctx, "apod_records", Schema)
}

func (s *PostgresStore) Upsert(ctx context.Context, rec apod.Record) error {
	return s.db.InTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, upsertSQL,
			apod.FormatDate(rec.Date),
			rec.Title,
			rec.Explanation,
			rec.URL,
			rec.HDURL,
			string(rec.MediaType),
			rec.Copyright,
			rec.ExtractedAt,
		)
		if err != nil {
			return fmt.Errorf("upserting %s: %w", rec.Key(), err)
		}
		return nil
	})
}

func (s *PostgresStore) Count(ctx context.Context, date time.Time) (int, error) {
	var n int
	err := s.db.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM apod_records WHERE date = $1`, apod.FormatDate(date),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting rows for %s: %w", apod.FormatDate(date), err)
	}
	return n, nil
}

func (s *PostgresStore) Get(ctx context.Context, date time.Time) (apod.Record, bool, error) {
	var (
		rec       apod.Record
		mediaType string
	)
	err := s.db.DB.QueryRowContext(ctx,
		`SELECT date, title, explanation, url, hdurl, media_type, copyright, extracted_at
		 FROM apod_records WHERE date = $1`, apod.FormatDate(date),
	).Scan(&rec.Date, &rec.Title, &rec.Explanation, &rec.URL, &rec.HDURL, &mediaType, &rec.Copyright, &rec.ExtractedAt)
	if err == sql.ErrNoRows {
		return apod.Record{}, false, nil
	}
	if err != nil {
		return apod.Record{}, false, fmt.Errorf("reading row for %s: %w", apod.FormatDate(date), err)
	}
	rec.Date = apod.Day(rec.Date)
	rec.MediaType = apod.MediaType(mediaType)
	rec.ExtractedAt = rec.ExtractedAt.UTC()
	return rec, true, nil
}

// MemoryStore is an in-process Store for local runs and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]apod.Record
	// FailNext, when non-nil, is returned by the next Upsert.
	FailNext error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]apod.Record)}
}

func (m *MemoryStore) Upsert(ctx context.Context, rec apod.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.FailNext; err != nil {
		m.FailNext = nil
		return err
	}
	m.rows[rec.Key()] = rec
	return nil
}

func (m *MemoryStore) Count(ctx context.Context, date time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.rows[apod.FormatDate(date)]; ok {
		return 1, nil
	}
	return 0, nil
}

func (m *MemoryStore) Get(ctx context.Context, date time.Time) (apod.Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.rows[apod.FormatDate(date)]
	return rec, ok, nil
}

// Len returns the number of stored rows.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rows)
}
