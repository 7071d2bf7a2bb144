// ABOUTME: Bounded exponential backoff for retryable provider failures.
// ABOUTME: Honors vendor-supplied Retry-After hints before falling back to doubling.

package provider

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// RetryPolicy bounds how an Open call is retried on retryable errors.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy matches the propagation policy for RateLimited and
// Transient failures: three attempts, doubling from 500ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
	}
}

// Sleeper lets tests observe and skip backoff delays.
type Sleeper func(ctx context.Context, d time.Duration) error

// sleepFor blocks for d or until ctx is cancelled.
func sleepFor(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Retrier wraps an Adapter so that retryable Open failures are retried with
// bounded exponential backoff. Fatal kinds (auth, content policy) and
// context cancellation surface on the first occurrence.
type Retrier struct {
	adapter Adapter
	policy  RetryPolicy
	sleep   Sleeper
	logger  *slog.Logger
}

// NewRetrier builds a Retrier. Pass nil logger for the default; pass nil
// sleep outside of tests.
func NewRetrier(adapter Adapter, policy RetryPolicy, logger *slog.Logger, sleep Sleeper) *Retrier {
	if logger == nil {
		logger = slog.Default()
	}
	if sleep == nil {
		sleep = sleepFor
	}
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &Retrier{
		adapter: adapter,
		policy:  policy,
		sleep:   sleep,
		logger:  logger.With("component", "provider_retry"),
	}
}

// Open attempts the wrapped adapter's Open with retries. The per-attempt
// delay is the vendor's RetryAfter hint when present, otherwise
// BaseDelay*2^(attempt-1) capped at MaxDelay.
func (r *Retrier) Open(ctx context.Context, req *Request) (Stream, error) {
	var lastErr error
	delay := r.policy.BaseDelay

	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		stream, err := r.adapter.Open(ctx, req)
		if err == nil {
			return stream, nil
		}

		var perr *Error
		if !errors.As(err, &perr) || !perr.Retryable() {
			return nil, err
		}
		lastErr = err

		if attempt == r.policy.MaxAttempts {
			break
		}

		wait := delay
		if perr.RetryAfter > 0 {
			wait = perr.RetryAfter
		}
		if wait > r.policy.MaxDelay {
			wait = r.policy.MaxDelay
		}

		r.logger.Warn("provider open failed, retrying",
			"kind", perr.Kind,
			"attempt", attempt,
			"wait", wait,
		)

		if err := r.sleep(ctx, wait); err != nil {
			return nil, err
		}
		delay *= 2
	}

	return nil, lastErr
}

// Ensure Retrier satisfies the Adapter contract.
var _ Adapter = (*Retrier)(nil)
