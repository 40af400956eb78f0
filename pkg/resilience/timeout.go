package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTimeout matches every *TimeoutError via errors.Is.
var ErrTimeout = errors.New("deadline exceeded")

// TimeoutError reports that an operation outlived its limit.
type TimeoutError struct {
	Name  string
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: deadline exceeded (limit: %v)", e.Name, e.Limit)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout || target == context.DeadlineExceeded
}

// WithTimeout runs fn under a derived context cancelled after timeout and
// returns only once fn has. If the limit passed before fn returned, the
// result is a *TimeoutError whatever fn reported. A non-positive timeout runs
// fn unbounded.
func WithTimeout(ctx context.Context, timeout time.Duration, name string, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := fn(timeoutCtx)
	if timeoutCtx.Err() == nil {
		return err
	}
	if perr := ctx.Err(); perr != nil {
		return fmt.Errorf("%s: parent context cancelled: %w", name, perr)
	}
	return &TimeoutError{Name: name, Limit: timeout}
}
