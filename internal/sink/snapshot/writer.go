// Package snapshot maintains the tabular CSV snapshot of every record seen so
// far: one row per date, newest first, replaced atomically on each write.
package snapshot

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/internal/apod"
	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/internal/sink"
	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/pkg/metrics"
	"github.com/danjacques/gofslock/fslock"
)

// SinkName identifies this sink in errors and logs.
const SinkName = "snapshot"

// lockRetryDelay is how long a writer waits before re-trying a held lock.
const lockRetryDelay = 50 * time.Millisecond

// Header is the fixed column order of the snapshot.
var Header = []string{"date", "title", "explanation", "url", "hdurl", "media_type", "copyright", "extracted_at"}

// ErrCorrupt is wrapped by Read when the existing file cannot be parsed.
var ErrCorrupt = errors.New("snapshot corrupt")

// Writer owns the snapshot file at path.
type Writer struct {
	path    string
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewWriter(path string, m *metrics.Metrics) *Writer {
	if m == nil {
		m = metrics.NewNop()
	}
	return &Writer{
		path:    path,
		metrics: m,
		logger:  slog.Default().With("component", "snapshot-writer", "path", path),
	}
}

// Path returns the snapshot artifact location.
func (w *Writer) Path() string { return w.path }

// Write merges rec into the snapshot. Any failure is a *sink.SinkError and
// leaves the previous file in place.
func (w *Writer) Write(ctx context.Context, rec apod.Record) error {
	rows, err := w.AppendAndResort(ctx, rec)
	if err != nil {
		w.logger.Error("snapshot write failed", "date", rec.Key(), "error", err)
		return sink.WriteFailed(SinkName, err)
	}
	w.metrics.SnapshotRows.Set(float64(rows))
	w.logger.Info("snapshot updated", "date", rec.Key(), "rows", rows)
	return nil
}

// AppendAndResort performs the locked read-merge-replace cycle and returns the
// resulting row count.
func (w *Writer) AppendAndResort(ctx context.Context, rec apod.Record) (int, error) {
	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, fmt.Errorf("creating snapshot directory: %w", err)
	}

	var rows int
	err := fslock.WithBlocking(w.path+".lock", blocker(ctx), func() error {
		existing, err := Read(w.path)
		if err != nil {
			return err
		}
		merged := Merge(existing, rec)
		if err := writeAtomic(w.path, merged); err != nil {
			return err
		}
		rows = len(merged)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return rows, nil
}

func blocker(ctx context.Context) fslock.Blocker {
	return func() error {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for snapshot lock: %w", ctx.Err())
		case <-time.After(lockRetryDelay):
			return nil
		}
	}
}

// Merge returns existing without any row dated rec.Date, plus rec, stably
// sorted by date descending. existing is not modified.
func Merge(existing []apod.Record, rec apod.Record) []apod.Record {
	out := make([]apod.Record, 0, len(existing)+1)
	for _, r := range existing {
		if !r.Date.Equal(rec.Date) {
			out = append(out, r)
		}
	}
	out = append(out, rec)
	slices.SortStableFunc(out, func(a, b apod.Record) int {
		return b.Date.Compare(a.Date)
	})
	return out
}

// Read loads the snapshot at path. A missing file is an empty snapshot; an
// empty file, a wrong header or an unparseable row wraps ErrCorrupt.
func Read(path string) ([]apod.Record, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening snapshot: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = len(Header)

	header, err := r.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("%w: %s is empty", ErrCorrupt, path)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading header: %v", ErrCorrupt, err)
	}
	if !slices.Equal(header, Header) {
		return nil, fmt.Errorf("%w: unexpected header %v", ErrCorrupt, header)
	}

	var rows []apod.Record
	for {
		fields, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		line, _ := r.FieldPos(0)
		rec, err := decodeRow(fields)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrCorrupt, line, err)
		}
		rows = append(rows, rec)
	}
	return rows, nil
}

func decodeRow(fields []string) (apod.Record, error) {
	date, err := apod.ParseDate(fields[0])
	if err != nil {
		return apod.Record{}, err
	}
	rec := apod.Record{
		Date:        date,
		Title:       fields[1],
		Explanation: fields[2],
		URL:         fields[3],
		HDURL:       fields[4],
		MediaType:   apod.MediaType(fields[5]),
		Copyright:   fields[6],
	}
	if fields[7] != "" {
		rec.ExtractedAt, err = time.Parse(time.RFC3339Nano, fields[7])
		if err != nil {
			return apod.Record{}, fmt.Errorf("parsing extracted_at: %w", err)
		}
	}
	return rec, nil
}

func encodeRow(rec apod.Record) []string {
	extractedAt := ""
	if !rec.ExtractedAt.IsZero() {
		extractedAt = rec.ExtractedAt.UTC().Format(time.RFC3339Nano)
	}
	return []string{
		apod.FormatDate(rec.Date),
		rec.Title,
		rec.Explanation,
		rec.URL,
		rec.HDURL,
		string(rec.MediaType),
		rec.Copyright,
		extractedAt,
	}
}

// writeAtomic writes rows to a temp file next to path and renames it over
// path once synced.
func writeAtomic(path string, rows []apod.Record) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp snapshot: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	defer tmp.Close()

	cw := csv.NewWriter(tmp)
	if err := cw.Write(Header); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	for _, rec := range rows {
		if err := cw.Write(encodeRow(rec)); err != nil {
			return fmt.Errorf("writing row %s: %w", rec.Key(), err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flushing snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming snapshot: %w", err)
	}
	return nil
}
