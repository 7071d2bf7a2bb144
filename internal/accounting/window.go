// ABOUTME: Sliding-window request rate limiter keyed by account ID.
// ABOUTME: Tracks request timestamps in insertion order for O(1) pruning.

package accounting

import (
	"container/list"
	"sync"
	"time"
)

// RateWindow enforces a per-account sliding window: at most limit requests
// within span. A zero limit disables the window entirely.
type RateWindow struct {
	mu       sync.Mutex
	accounts map[string]*list.List // account id -> timestamps, oldest at front
	limit    int
	span     time.Duration
	now      func() time.Time
}

// NewRateWindow creates a window allowing limit requests per span.
func NewRateWindow(limit int, span time.Duration) *RateWindow {
	return &RateWindow{
		accounts: make(map[string]*list.List),
		limit:    limit,
		span:     span,
		now:      time.Now,
	}
}

// Allow records a request for the account and reports whether it fits in
// the window. When it does not, retryAfter is how long until the oldest
// in-window request expires.
func (w *RateWindow) Allow(accountID string) (ok bool, retryAfter time.Duration) {
	if w.limit <= 0 {
		return true, 0
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	cutoff := now.Add(-w.span)

	ts, exists := w.accounts[accountID]
	if !exists {
		ts = list.New()
		w.accounts[accountID] = ts
	}

	// Prune expired timestamps from the front.
	for e := ts.Front(); e != nil; {
		next := e.Next()
		if e.Value.(time.Time).After(cutoff) {
			break
		}
		ts.Remove(e)
		e = next
	}

	if ts.Len() >= w.limit {
		oldest := ts.Front().Value.(time.Time)
		return false, oldest.Add(w.span).Sub(now)
	}

	ts.PushBack(now)
	return true, 0
}
