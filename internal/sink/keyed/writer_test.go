package keyed

import (
	"context"
	"errors"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/internal/apod"
	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/internal/sink"
	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/apod-pipeline/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/pkg/postgres"
	"github.com/google/go-cmp/cmp"
)

func record(date, title string) apod.Record {
	d, _ := apod.ParseDate(date)
	return apod.Record{
		Date:        d,
		Title:       title,
		Explanation: "N/A",
		URL:         "N/A",
		HDURL:       "N/A",
		MediaType:   apod.MediaImage,
		Copyright:   "Public Domain",
		ExtractedAt: time.Date(2025, 11, 13, 8, 0, 0, 0, time.UTC),
	}
}

func TestWriterLastWriteWins(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	w := NewWriter(store)

	if err := w.Write(ctx, record("2025-11-13", "First")); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := w.Write(ctx, record("2025-11-13", "Second")); err != nil {
		t.Fatalf("second write: %v", err)
	}
	if store.Len() != 1 {
		t.Fatalf("expected 1 row, got %d", store.Len())
	}
	got, ok, _ := store.Get(ctx, record("2025-11-13", "").Date)
	if !ok || got.Title != "Second" {
		t.Fatalf("expected latest title, got %+v", got)
	}
}

func TestWriterIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	w := NewWriter(store)
	rec := record("2025-11-13", "Nebula")
	for i := 0; i < 3; i++ {
		if err := w.Write(ctx, rec); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	got, _, _ := store.Get(ctx, rec.Date)
	if diff := cmp.Diff(rec, got); diff != "" {
		t.Fatalf("stored row differs (-want +got):\n%s", diff)
	}
}

func TestWriterFailureLeavesStoreUnchanged(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	w := NewWriter(store)
	if err := w.Write(ctx, record("2025-11-12", "Before")); err != nil {
		t.Fatalf("seed write: %v", err)
	}

	store.FailNext = errors.New("connection reset")
	err := w.Write(ctx, record("2025-11-13", "Nebula"))
	var sinkErr *sink.SinkError
	if !errors.As(err, &sinkErr) || sinkErr.Sink != SinkName {
		t.Fatalf("expected keyed SinkError, got %v", err)
	}
	if !errors.Is(err, apperrors.ErrSinkWrite) {
		t.Fatal("expected ErrSinkWrite")
	}
	if store.Len() != 1 {
		t.Fatalf("failed write must not change the store, have %d rows", store.Len())
	}
}

// skipIfNoPostgres skips the test when PostgreSQL is unavailable.
func skipIfNoPostgres(t *testing.T) *postgres.Client {
	t.Helper()
	port, err := strconv.Atoi(envOrDefault("TEST_POSTGRES_PORT", "5432"))
	if err != nil {
		t.Fatalf("bad TEST_POSTGRES_PORT: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	db, err := postgres.New(ctx, config.PostgresConfig{
		Host:            envOrDefault("TEST_POSTGRES_HOST", "localhost"),
		Port:            port,
		Database:        envOrDefault("TEST_POSTGRES_DB", "apod_test"),
		User:            envOrDefault("TEST_POSTGRES_USER", "apod"),
		Password:        envOrDefault("TEST_POSTGRES_PASSWORD", "localdev"),
		SSLMode:         "disable",
		MaxOpenConns:    2,
		MaxIdleConns:    1,
		ConnMaxLifetime: time.Minute,
	})
	if err != nil {
		t.Skipf("skipping: postgres unavailable: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func TestPostgresStoreUpsert(t *testing.T) {
	db := skipIfNoPostgres(t)
	ctx := context.Background()
	store := NewPostgresStore(db)
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	rec := record("1999-01-01", "First")
	t.Cleanup(func() {
		db.DB.ExecContext(context.Background(), `DELETE FROM apod_records WHERE date = $1`, "1999-01-01")
	})

	w := NewWriter(store)
	if err := w.Write(ctx, rec); err != nil {
		t.Fatalf("first write: %v", err)
	}
	rec.Title = "Second"
	if err := w.Write(ctx, rec); err != nil {
		t.Fatalf("second write: %v", err)
	}
	n, err := store.Count(ctx, rec.Date)
	if err != nil || n != 1 {
		t.Fatalf("Count = %d, %v; want 1", n, err)
	}
	got, ok, err := store.Get(ctx, rec.Date)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if diff := cmp.Diff(rec, got); diff != "" {
		t.Fatalf("row mismatch (-want +got):\n%s", diff)
	}
}
