// Package extractor fetches raw picture-of-the-day records from the upstream
// HTTP API with bounded, exponentially backed-off retries.
package extractor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/internal/apod"
	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/apod-pipeline/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/pkg/resilience"
)

const maxBodyBytes = 1 << 20

// Kind distinguishes why extraction failed.
type Kind int

const (
	// Exhausted means every attempt failed with a transport or status error.
	Exhausted Kind = iota
	// Malformed means the upstream answered 2xx with an unusable body.
	Malformed
)

func (k Kind) String() string {
	if k == Malformed {
		return "malformed"
	}
	return "exhausted"
}

// ExtractError is returned by Fetch on failure.
type ExtractError struct {
	Kind  Kind
	Cause error
}

func (e *ExtractError) Error() string {
	return fmt.Sprintf("extract %s: %v", e.Kind, e.Cause)
}

func (e *ExtractError) Unwrap() error { return e.Cause }

// Is lets errors.Is match the shared sentinels.
func (e *ExtractError) Is(target error) bool {
	switch e.Kind {
	case Malformed:
		return target == apperrors.ErrMalformedPayload
	default:
		return target == apperrors.ErrExtractExhausted
	}
}

// StatusError is a non-2xx upstream response.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.StatusCode)
}

// Client talks to the upstream API.
type Client struct {
	baseURL        string
	apiKey         string
	attemptTimeout time.Duration
	policy         resilience.Policy
	http           *http.Client
	breaker        *resilience.CircuitBreaker
	metrics        *metrics.Metrics
	logger         *slog.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// NewClient builds a Client from the source configuration. When
// cfg.BreakerEnabled is set, a circuit breaker guards the upstream across
// Fetch calls.
func NewClient(cfg config.SourceConfig, m *metrics.Metrics, opts ...Option) *Client {
	if m == nil {
		m = metrics.NewNop()
	}
	c := &Client{
		baseURL:        cfg.BaseURL,
		apiKey:         cfg.APIKey,
		attemptTimeout: cfg.AttemptTimeout,
		policy: resilience.Policy{
			MaxAttempts: cfg.MaxAttempts,
			Backoff:     resilience.Exponential(cfg.BackoffUnit),
		},
		http:    &http.Client{},
		metrics: m,
		logger:  slog.Default().With("component", "extractor"),
	}
	if cfg.BreakerEnabled {
		c.breaker = resilience.NewCircuitBreaker("apod-source", resilience.CircuitBreakerConfig{
			FailureThreshold: cfg.BreakerFailures,
			ResetTimeout:     cfg.BreakerReset,
			OnStateChange: func(name string, to resilience.State) {
				m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			},
		})
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fetch returns the raw record for date. A zero date asks the upstream for
// its current record.
func (c *Client) Fetch(ctx context.Context, date time.Time) (apod.RawRecord, error) {
	var raw apod.RawRecord
	err := resilience.Do(ctx, "apod-fetch", c.policy, func(ctx context.Context, attempt int) error {
		rec, err := c.attempt(ctx, date)
		if err != nil {
			return err
		}
		raw = rec
		return nil
	})
	if err == nil {
		c.logger.Info("record fetched", "date", apod.FormatDate(date), "fields", len(raw))
		return raw, nil
	}

	var extractErr *ExtractError
	if errors.As(err, &extractErr) {
		return nil, extractErr
	}
	var exhausted *resilience.ExhaustedError
	if errors.As(err, &exhausted) {
		c.logger.Error("fetch attempts exhausted",
			"date", apod.FormatDate(date),
			"attempts", exhausted.Attempts,
			"error", exhausted.Last,
		)
		return nil, &ExtractError{Kind: Exhausted, Cause: exhausted.Last}
	}
	return nil, &ExtractError{Kind: Exhausted, Cause: err}
}

func (c *Client) attempt(ctx context.Context, date time.Time) (apod.RawRecord, error) {
	var body []byte
	call := func() error {
		b, err := c.get(ctx, date)
		body = b
		return err
	}
	var err error
	if c.breaker != nil {
		err = c.breaker.Execute(call)
	} else {
		err = call()
	}
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			c.metrics.ExtractAttemptsTotal.WithLabelValues("status").Inc()
		} else {
			c.metrics.ExtractAttemptsTotal.WithLabelValues("transport").Inc()
		}
		return nil, err
	}

	raw, err := decode(body)
	if err != nil {
		c.metrics.ExtractAttemptsTotal.WithLabelValues("malformed").Inc()
		return nil, resilience.Permanent(&ExtractError{Kind: Malformed, Cause: err})
	}
	c.metrics.ExtractAttemptsTotal.WithLabelValues("success").Inc()
	return raw, nil
}

func (c *Client) get(ctx context.Context, date time.Time) ([]byte, error) {
	if c.attemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.attemptTimeout)
		defer cancel()
	}

	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base url: %w", err)
	}
	q := u.Query()
	q.Set("api_key", c.apiKey)
	if !date.IsZero() {
		q.Set("date", apod.FormatDate(date))
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting upstream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return nil, &StatusError{StatusCode: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("reading upstream body: %w", err)
	}
	return body, nil
}

func decode(body []byte) (apod.RawRecord, error) {
	var raw apod.RawRecord
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decoding body: %w", err)
	}
	if len(raw) == 0 {
		return nil, errors.New("empty record")
	}
	return raw, nil
}
