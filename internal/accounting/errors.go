// ABOUTME: Accounting error types surfaced to callers before or after a turn.
// ABOUTME: BalanceExceeded blocks a turn entirely; RateLimited carries a retry hint.

package accounting

import (
	"fmt"
	"time"
)

// BalanceExceededError means the pre-authorization would exceed the
// account's available balance. The turn is rejected before any provider
// call and no token usage is recorded.
type BalanceExceededError struct {
	AccountID string
	Available int64
	Requested int64
}

func (e *BalanceExceededError) Error() string {
	return fmt.Sprintf("account %s: balance exceeded (available %d tokens, requested %d)",
		e.AccountID, e.Available, e.Requested)
}

// RateLimitedError means the account's sliding request window is full.
type RateLimitedError struct {
	AccountID  string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("account %s: rate limit window full, retry after %s", e.AccountID, e.RetryAfter)
}
