package apod

import (
	"fmt"
	"strings"

	apperrors "github.com/Adithya-Monish-Kumar-K/apod-pipeline/pkg/errors"
)

// ValidationError names the first field that violated a record invariant.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return apperrors.ErrInvalidRecord
}

// Validate checks rec against the record invariants in order (date, title,
// media type) and reports the first violation. It never repairs rec.
func Validate(rec Record) error {
	if rec.Date.IsZero() {
		return &ValidationError{Field: "date", Reason: "date is required"}
	}
	if strings.TrimSpace(rec.Title) == "" {
		return &ValidationError{Field: "title", Reason: "title is required"}
	}
	if !rec.MediaType.Valid() {
		return &ValidationError{
			Field:  "media_type",
			Reason: fmt.Sprintf("unsupported media type %q", rec.MediaType),
		}
	}
	return nil
}
