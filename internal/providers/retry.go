package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/nextlevelbuilder/agentd/internal/backoff"
	"github.com/nextlevelbuilder/agentd/internal/breaker"
)

// HTTPError carries a non-2xx provider response.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// Retryable reports whether the status warrants another attempt.
func (e *HTTPError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests ||
		e.Status == http.StatusRequestTimeout ||
		e.Status >= 500
}

// ParseRetryAfter parses a Retry-After header value (delay-seconds form).
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// RetryConfig controls retry behavior for provider calls.
type RetryConfig struct {
	MaxRetries int
	Policy     backoff.Policy
	Breaker    *breaker.Breaker
}

// DefaultRetryConfig retries transient failures up to 5 times on the llm
// backoff curve.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 5, Policy: backoff.LLM}
}

// RetryDo runs fn with retry on transient failures. Auth and client errors
// fail immediately; an open breaker short-circuits before any attempt.
func RetryDo[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if cfg.Breaker != nil && !cfg.Breaker.IsCallPermitted() {
			return zero, fmt.Errorf("llm call rejected: %w", breaker.ErrOpen)
		}

		result, err := fn()
		if err == nil {
			if cfg.Breaker != nil {
				cfg.Breaker.RecordSuccess()
			}
			return result, nil
		}
		lastErr = err

		var httpErr *HTTPError
		if errors.As(err, &httpErr) && !httpErr.Retryable() {
			// 4xx other than 408/429: the request itself is bad.
			return zero, err
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return zero, err
		}
		if cfg.Breaker != nil {
			cfg.Breaker.RecordFailure()
		}
		if attempt == maxRetries {
			break
		}

		delay := backoff.Delay(cfg.Policy, attempt)
		if httpErr != nil && httpErr.RetryAfter > delay {
			delay = httpErr.RetryAfter
		}
		slog.Warn("llm call failed, retrying",
			"attempt", attempt, "max", maxRetries, "delay", delay, "error", err)
		if err := backoff.SleepFor(ctx, delay); err != nil {
			return zero, err
		}
	}
	return zero, fmt.Errorf("llm call failed after %d attempts: %w", maxRetries, lastErr)
}
