// Package sink holds what the keyed and snapshot writers share.
package sink

import (
	"context"
	"fmt"

	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/internal/apod"
	apperrors "github.com/Adithya-Monish-Kumar-K/apod-pipeline/pkg/errors"
)

// Writer persists one record into a sink.
type Writer interface {
	Write(ctx context.Context, rec apod.Record) error
}

// SinkError reports a failed sink write. The sink's prior state is intact.
type SinkError struct {
	Sink  string
	Cause error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("sink %s: write failed: %v", e.Sink, e.Cause)
}

func (e *SinkError) Unwrap() error { return e.Cause }

func (e *SinkError) Is(target error) bool {
	return target == apperrors.ErrSinkWrite
}

// WriteFailed wraps cause as a SinkError for the named sink.
func WriteFailed(sink string, cause error) error {
	return &SinkError{Sink: sink, Cause: cause}
}
