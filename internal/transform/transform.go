// Package transform normalizes a raw upstream payload into a validated
// apod.Record.
package transform

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/internal/apod"
	apperrors "github.com/Adithya-Monish-Kumar-K/apod-pipeline/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/pkg/resilience"
)

// Defaults applied to optional fields that are absent from the payload.
const (
	DefaultMediaType   = apod.MediaImage
	DefaultCopyright   = "Public Domain"
	DefaultURL         = "N/A"
	DefaultExplanation = "N/A"
)

// TransformError reports a payload that cannot become a valid record. It is
// never worth retrying.
type TransformError struct {
	Cause error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("transform invalid: %v", e.Cause)
}

func (e *TransformError) Unwrap() error { return e.Cause }

// Is matches apperrors.ErrInvalidRecord regardless of the cause.
func (e *TransformError) Is(target error) bool {
	return target == apperrors.ErrInvalidRecord
}

// Transformer maps raw payloads onto records.
type Transformer struct {
	now    func() time.Time
	logger *slog.Logger
}

// New returns a Transformer stamping ExtractedAt with now. A nil now uses
// time.Now.
func New(now func() time.Time) *Transformer {
	if now == nil {
		now = time.Now
	}
	return &Transformer{
		now:    now,
		logger: slog.Default().With("component", "transformer"),
	}
}

// Transform builds a record from raw, applies defaults to optional fields and
// validates the result. Failures are wrapped with resilience.Permanent and
// carry a *TransformError.
func (t *Transformer) Transform(raw apod.RawRecord) (apod.Record, error) {
	if len(raw) == 0 {
		return apod.Record{}, invalid(errors.New("empty payload"))
	}

	rec := apod.Record{
		Title:       str(raw, "title"),
		Explanation: orDefault(str(raw, "explanation"), DefaultExplanation),
		URL:         orDefault(str(raw, "url"), DefaultURL),
		HDURL:       orDefault(str(raw, "hdurl"), DefaultURL),
		MediaType:   apod.MediaType(orDefault(str(raw, "media_type"), string(DefaultMediaType))),
		Copyright:   orDefault(strings.TrimSpace(str(raw, "copyright")), DefaultCopyright),
		ExtractedAt: t.now().UTC(),
	}
	if s := str(raw, "date"); s != "" {
		if d, err := apod.ParseDate(s); err == nil {
			rec.Date = d
		} else {
			t.logger.Warn("unparseable date treated as absent", "date", s)
		}
	}

	if err := apod.Validate(rec); err != nil {
		return apod.Record{}, invalid(err)
	}
	return rec, nil
}

func invalid(cause error) error {
	return resilience.Permanent(&TransformError{Cause: cause})
}

// str returns raw[key] when it is a string, "" otherwise.
func str(raw apod.RawRecord, key string) string {
	s, _ := raw[key].(string)
	return s
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
