package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestExponentialBackoff(t *testing.T) {
	b := Exponential(time.Second)
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	for attempt, w := range want {
		if got := b(attempt); got != w {
			t.Errorf("attempt %d: got %v want %v", attempt, got, w)
		}
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), "flaky", Policy{MaxAttempts: 3, Backoff: Fixed(time.Millisecond)}, func(ctx context.Context, attempt int) error {
		if attempt != calls {
			t.Errorf("attempt index %d, expected %d", attempt, calls)
		}
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDoExhausted(t *testing.T) {
	cause := errors.New("boom")
	var waits []time.Duration
	p := Policy{MaxAttempts: 3, Backoff: func(attempt int) time.Duration {
		d := Exponential(time.Microsecond)(attempt)
		waits = append(waits, d)
		return d
	}}
	err := Do(context.Background(), "always-fails", p, func(context.Context, int) error { return cause })

	var ex *ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("expected ExhaustedError, got %v", err)
	}
	if ex.Attempts != 3 || !errors.Is(err, cause) {
		t.Fatalf("unexpected exhausted error: %+v", ex)
	}
	// No wait after the final attempt.
	if len(waits) != 2 {
		t.Fatalf("expected 2 backoff waits, got %d", len(waits))
	}
}

func TestDoStopsOnPermanent(t *testing.T) {
	calls := 0
	cause := errors.New("bad input")
	err := Do(context.Background(), "permanent", Policy{MaxAttempts: 5}, func(context.Context, int) error {
		calls++
		return Permanent(cause)
	})
	if calls != 1 {
		t.Fatalf("expected a single call, got %d", calls)
	}
	if !IsPermanent(err) || !errors.Is(err, cause) {
		t.Fatalf("expected permanent error wrapping cause, got %v", err)
	}
}

func TestDoAbortsDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	err := Do(ctx, "cancelled", Policy{MaxAttempts: 3, Backoff: Fixed(time.Hour)}, func(context.Context, int) error {
		cancel()
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestWithTimeout(t *testing.T) {
	err := WithTimeout(context.Background(), 10*time.Millisecond, "slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, ErrTimeout) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	var te *TimeoutError
	if !errors.As(err, &te) || te.Name != "slow" || te.Limit != 10*time.Millisecond {
		t.Fatalf("expected *TimeoutError for slow/10ms, got %#v", err)
	}

	err = WithTimeout(context.Background(), time.Second, "fast", func(context.Context) error { return nil })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestWithTimeoutWaitsForStragglers(t *testing.T) {
	finished := false
	err := WithTimeout(context.Background(), 10*time.Millisecond, "stubborn", func(context.Context) error {
		time.Sleep(50 * time.Millisecond)
		finished = true
		return nil
	})
	if !finished {
		t.Fatal("WithTimeout returned before fn finished")
	}
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("late success must still report a timeout, got %v", err)
	}
}

func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	now := time.Unix(0, 0)
	var transitions []State
	cb := NewCircuitBreaker("upstream", CircuitBreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     time.Minute,
		Now:              func() time.Time { return now },
		OnStateChange:    func(_ string, to State) { transitions = append(transitions, to) },
	})
	fail := func() error { return errors.New("down") }

	_ = cb.Execute(fail)
	_ = cb.Execute(fail)
	if cb.State() != StateOpen {
		t.Fatalf("expected open, got %v", cb.State())
	}
	if err := cb.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}

	now = now.Add(2 * time.Minute)
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("half-open probe should pass, got %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("expected closed after successful probe, got %v", cb.State())
	}
	want := []State{StateOpen, StateHalfOpen, StateClosed}
	if len(transitions) != len(want) {
		t.Fatalf("transitions %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transitions %v, want %v", transitions, want)
		}
	}
}

func TestCircuitBreakerAdmitsOneProbe(t *testing.T) {
	now := time.Unix(0, 0)
	cb := NewCircuitBreaker("upstream", CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		Now:              func() time.Time { return now },
	})
	_ = cb.Execute(func() error { return errors.New("down") })
	now = now.Add(2 * time.Minute)

	probeErr := cb.Execute(func() error {
		if err := cb.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
			t.Errorf("second call during probe = %v, want ErrCircuitOpen", err)
		}
		return errors.New("still down")
	})
	if probeErr == nil || cb.State() != StateOpen {
		t.Fatalf("failed probe should reopen the circuit, state=%v", cb.State())
	}
	if err := cb.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("reopened circuit admitted a call: %v", err)
	}
}
