// Package errors defines the sentinel errors shared across the pipeline and
// maps them onto HTTP status codes for the control API.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrExtractExhausted = errors.New("extraction attempts exhausted")
	ErrMalformedPayload = errors.New("malformed upstream payload")
	ErrInvalidRecord    = errors.New("invalid record")
	ErrSinkWrite        = errors.New("sink write failed")
	ErrStageTimeout     = errors.New("stage timed out")
	ErrRetriesExhausted = errors.New("stage retries exhausted")
	ErrStageFailed      = errors.New("stage failed")
	ErrCaptureFailed    = errors.New("snapshot capture failed")
	ErrCommitFailed     = errors.New("snapshot commit failed")
	ErrRunActive        = errors.New("a pipeline run is already active")
	ErrRunNotFound      = errors.New("pipeline run not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrInternal         = errors.New("internal error")
)

type AppError struct {
	Err        error
	Message    string
	StatusCode int
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, statusCode int, message string) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    message,
		StatusCode: statusCode,
	}
}

func Newf(sentinel error, statusCode int, format string, args ...any) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: statusCode,
	}
}

// Kind returns a short machine-readable name for the most specific sentinel
// err matches, or "unknown". It is what a failed run records as the
// underlying error kind.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrStageTimeout):
		return "timeout"
	case errors.Is(err, ErrExtractExhausted):
		return "extract_exhausted"
	case errors.Is(err, ErrMalformedPayload):
		return "malformed"
	case errors.Is(err, ErrInvalidRecord):
		return "invalid"
	case errors.Is(err, ErrSinkWrite):
		return "write_failed"
	case errors.Is(err, ErrCaptureFailed):
		return "capture_failed"
	case errors.Is(err, ErrCommitFailed):
		return "commit_failed"
	case errors.Is(err, ErrRetriesExhausted):
		return "retries_exhausted"
	case errors.Is(err, ErrStageFailed):
		return "failed"
	default:
		return "unknown"
	}
}

func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}

	switch {
	case errors.Is(err, ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrRunActive):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrStageTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrExtractExhausted):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
