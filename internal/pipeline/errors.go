package pipeline

import (
	"fmt"

	apperrors "github.com/Adithya-Monish-Kumar-K/apod-pipeline/pkg/errors"
)

// StageErrorKind classifies how a stage ended in failure.
type StageErrorKind int

const (
	// Timeout means an attempt exceeded the stage timeout.
	Timeout StageErrorKind = iota
	// RetriesExhausted means every allowed attempt failed.
	RetriesExhausted
	// Failed means the stage hit a permanent error or was cancelled.
	Failed
)

func (k StageErrorKind) String() string {
	switch k {
	case Timeout:
		return "timeout"
	case RetriesExhausted:
		return "retries_exhausted"
	default:
		return "failed"
	}
}

// StageError is the terminal error of a failed stage.
type StageError struct {
	Stage    string
	Kind     StageErrorKind
	Attempts int
	Cause    error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s %s after %d attempt(s): %v", e.Stage, e.Kind, e.Attempts, e.Cause)
}

func (e *StageError) Unwrap() error { return e.Cause }

func (e *StageError) Is(target error) bool {
	switch e.Kind {
	case Timeout:
		return target == apperrors.ErrStageTimeout
	case RetriesExhausted:
		return target == apperrors.ErrRetriesExhausted
	default:
		return target == apperrors.ErrStageFailed
	}
}
