package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// BackoffFunc returns how long to wait after the given 0-indexed attempt
// failed and before the next one starts.
type BackoffFunc func(attempt int) time.Duration

// Policy is a retry policy consumed by Do.
type Policy struct {
	MaxAttempts int
	Backoff     BackoffFunc
}

// Exponential waits unit * 2^attempt: 1, 2, 4, ... units.
func Exponential(unit time.Duration) BackoffFunc {
	return func(attempt int) time.Duration {
		return unit * time.Duration(1<<uint(attempt))
	}
}

// Fixed waits the same delay after every failed attempt.
func Fixed(delay time.Duration) BackoffFunc {
	return func(int) time.Duration { return delay }
}

// ExhaustedError is returned by Do when every attempt failed.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all %d attempts failed: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. Do returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or anything it wraps, was marked with
// Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Do calls fn until it succeeds, returns a permanent error, the policy's
// attempts run out, or ctx is done. fn receives the 0-indexed attempt number.
// A nil Backoff retries immediately.
func Do(ctx context.Context, name string, p Policy, fn func(ctx context.Context, attempt int) error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	logger := slog.Default().With("component", "retry", "operation", name)
	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			if attempt > 0 {
				logger.Info("succeeded after retry", "attempt", attempt+1)
			}
			return nil
		}
		if IsPermanent(lastErr) {
			return lastErr
		}
		if attempt == p.MaxAttempts-1 {
			break
		}
		if ctx.Err() != nil {
			return fmt.Errorf("retry aborted: %w", ctx.Err())
		}
		var delay time.Duration
		if p.Backoff != nil {
			delay = p.Backoff(attempt)
		}
		logger.Warn("operation failed, retrying",
			"attempt", attempt+1,
			"max_attempts", p.MaxAttempts,
			"error", lastErr,
			"next_delay", delay,
		)
		if delay <= 0 {
			continue
		}
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry aborted during backoff: %w", ctx.Err())
		}
	}
	return &ExhaustedError{Attempts: p.MaxAttempts, Last: lastErr}
}
