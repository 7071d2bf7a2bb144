// ABOUTME: Tests for the bounded exponential backoff retrier.
// ABOUTME: Covers retry counts, fatal short-circuit, and Retry-After hints.

package provider

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSleep captures requested delays without actually sleeping.
func recordingSleep(delays *[]time.Duration) Sleeper {
	return func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return ctx.Err()
	}
}

func TestRetrier_RateLimitedTwiceThenSucceeds(t *testing.T) {
	adapter := NewScriptedAdapter(TextTurn(Usage{PromptTokens: 5, CompletionTokens: 2}, "done"))
	adapter.FailNext(NewError(ErrRateLimited, "busy"))
	adapter.FailNext(NewError(ErrRateLimited, "busy"))

	var delays []time.Duration
	r := NewRetrier(adapter, DefaultRetryPolicy(), nil, recordingSleep(&delays))

	stream, err := r.Open(t.Context(), &Request{Model: "scripted"})
	require.NoError(t, err)
	defer func() { _ = stream.Close() }()

	// Exactly two retry delays, doubling from the base.
	require.Len(t, delays, 2)
	assert.Equal(t, 500*time.Millisecond, delays[0])
	assert.Equal(t, time.Second, delays[1])
	assert.Equal(t, 3, adapter.Opens())
}

func TestRetrier_FatalErrorNotRetried(t *testing.T) {
	adapter := NewScriptedAdapter()
	adapter.FailNext(NewError(ErrAuth, "bad key"))

	var delays []time.Duration
	r := NewRetrier(adapter, DefaultRetryPolicy(), nil, recordingSleep(&delays))

	_, err := r.Open(t.Context(), &Request{})
	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ErrAuth, perr.Kind)
	assert.Empty(t, delays)
	assert.Equal(t, 1, adapter.Opens())
}

func TestRetrier_ExhaustsAttempts(t *testing.T) {
	adapter := NewScriptedAdapter()
	for range 5 {
		adapter.FailNext(NewError(ErrTransient, "flaky"))
	}

	var delays []time.Duration
	r := NewRetrier(adapter, RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Second}, nil, recordingSleep(&delays))

	_, err := r.Open(t.Context(), &Request{})
	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ErrTransient, perr.Kind)
	assert.Len(t, delays, 2)
	assert.Equal(t, 3, adapter.Opens())
}

func TestRetrier_HonorsRetryAfterHint(t *testing.T) {
	adapter := NewScriptedAdapter(TextTurn(Usage{}, "ok"))
	adapter.FailNext(&Error{Kind: ErrRateLimited, Message: "busy", RetryAfter: 7 * time.Second})

	var delays []time.Duration
	r := NewRetrier(adapter, DefaultRetryPolicy(), nil, recordingSleep(&delays))

	stream, err := r.Open(t.Context(), &Request{})
	require.NoError(t, err)
	defer func() { _ = stream.Close() }()

	require.Len(t, delays, 1)
	assert.Equal(t, 7*time.Second, delays[0])
}

func TestRetrier_HintCappedAtMaxDelay(t *testing.T) {
	adapter := NewScriptedAdapter(TextTurn(Usage{}, "ok"))
	adapter.FailNext(&Error{Kind: ErrRateLimited, Message: "busy", RetryAfter: time.Hour})

	var delays []time.Duration
	policy := DefaultRetryPolicy()
	r := NewRetrier(adapter, policy, nil, recordingSleep(&delays))

	_, err := r.Open(t.Context(), &Request{})
	require.NoError(t, err)
	require.Len(t, delays, 1)
	assert.Equal(t, policy.MaxDelay, delays[0])
}
