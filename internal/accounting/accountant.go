// ABOUTME: Token estimation, balance pre-authorization, and usage settlement.
// ABOUTME: Serializes ledger mutations per account and clamps over-budget settlements.

package accounting

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/seance-gateway/internal/provider"
)

// estimateDivisor approximates tokens from characters. Four characters per
// token tracks common BPE vocabularies closely enough for budgeting.
const estimateDivisor = 4

// perMessageOverhead covers role markers and separators per history entry.
const perMessageOverhead = 4

// Entry is one balance ledger record: amount reserved at pre-authorization
// and amount settled once real usage arrived.
type Entry struct {
	ID        string
	AccountID string
	Reserved  int64
	Settled   int64
	Flagged   bool // settlement exceeded reservation or emptied the balance
	CreatedAt time.Time
	SettledAt *time.Time
}

// LedgerStore is what the Accountant needs from persistence. Implementations
// must apply Debit atomically and clamp the balance at zero.
type LedgerStore interface {
	AccountBalance(ctx context.Context, accountID string) (int64, error)
	OutstandingReserved(ctx context.Context, accountID string) (int64, error)
	SaveEntry(ctx context.Context, entry *Entry) error
	SettleEntry(ctx context.Context, entryID string, settled int64, flagged bool, settledAt time.Time) error
	// Debit subtracts amount from the balance, clamping at zero. It returns
	// true when the clamp was applied.
	Debit(ctx context.Context, accountID string, amount int64) (clamped bool, err error)
}

// Reservation is a live pre-authorization held for one turn.
type Reservation struct {
	EntryID   string
	AccountID string
	Reserved  int64
}

// Settlement reports the outcome of reconciling a reservation.
type Settlement struct {
	Settled int64
	Overrun bool // measured usage exceeded the reservation
	Clamped bool // debit emptied the balance
}

// Policy configures enforcement beyond the balance itself.
type Policy struct {
	// RateLimit / RateWindow bound requests per account per window.
	// Zero RateLimit disables the window.
	RateLimit  int
	RateWindow time.Duration

	// HardCapTokens, when positive, is the per-turn running-total threshold
	// at which a live stream is cancelled. Zero means soft cap: overruns
	// are recorded after the fact and the stream is never interrupted.
	HardCapTokens int64
}

// Accountant computes token estimates, reserves balances, and settles
// actual usage. Safe for concurrent use; mutations for a given account are
// serialized.
type Accountant struct {
	store  LedgerStore
	window *RateWindow
	policy Policy
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates an Accountant. Pass nil logger for the default.
func New(store LedgerStore, policy Policy, logger *slog.Logger) *Accountant {
	if logger == nil {
		logger = slog.Default()
	}
	return &Accountant{
		store:  store,
		window: NewRateWindow(policy.RateLimit, policy.RateWindow),
		policy: policy,
		logger: logger.With("component", "accounting"),
		locks:  make(map[string]*sync.Mutex),
	}
}

// accountLock returns the mutex serializing one account's ledger.
func (a *Accountant) accountLock(accountID string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.locks[accountID]
	if !ok {
		l = &sync.Mutex{}
		a.locks[accountID] = l
	}
	return l
}

// EstimateTokens projects the prompt cost of a request.
func (a *Accountant) EstimateTokens(req *provider.Request) int64 {
	var chars int64
	for _, m := range req.Messages {
		chars += int64(len(m.Content)) + perMessageOverhead*estimateDivisor
	}
	for _, t := range req.Tools {
		chars += int64(len(t.Name) + len(t.Description))
	}
	est := chars / estimateDivisor
	if est < 1 {
		est = 1
	}
	return est
}

// PreAuthorize reserves estimate tokens against the account. It fails with
// *RateLimitedError when the request window is full and with
// *BalanceExceededError when available balance (balance minus outstanding
// reservations) cannot cover the estimate.
func (a *Accountant) PreAuthorize(ctx context.Context, accountID string, estimate int64) (*Reservation, error) {
	if ok, retryAfter := a.window.Allow(accountID); !ok {
		return nil, &RateLimitedError{AccountID: accountID, RetryAfter: retryAfter}
	}

	lock := a.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	balance, err := a.store.AccountBalance(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("reading balance: %w", err)
	}
	outstanding, err := a.store.OutstandingReserved(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("reading outstanding reservations: %w", err)
	}

	available := balance - outstanding
	if estimate > available {
		return nil, &BalanceExceededError{
			AccountID: accountID,
			Available: available,
			Requested: estimate,
		}
	}

	entry := &Entry{
		ID:        uuid.New().String(),
		AccountID: accountID,
		Reserved:  estimate,
		CreatedAt: time.Now(),
	}
	if err := a.store.SaveEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("saving ledger entry: %w", err)
	}

	a.logger.Debug("pre-authorized",
		"account_id", accountID,
		"entry_id", entry.ID,
		"reserved", estimate,
		"available", available,
	)

	return &Reservation{EntryID: entry.ID, AccountID: accountID, Reserved: estimate}, nil
}

// Settle reconciles a reservation against measured usage. Settlement never
// drives the balance negative: the debit is clamped at zero and the entry
// flagged. Overruns beyond the reservation are recorded, not retracted.
func (a *Accountant) Settle(ctx context.Context, res *Reservation, usage provider.Usage) (*Settlement, error) {
	lock := a.accountLock(res.AccountID)
	lock.Lock()
	defer lock.Unlock()

	settled := usage.Total()
	overrun := settled > res.Reserved

	clamped, err := a.store.Debit(ctx, res.AccountID, settled)
	if err != nil {
		return nil, fmt.Errorf("debiting balance: %w", err)
	}

	flagged := overrun || clamped
	if err := a.store.SettleEntry(ctx, res.EntryID, settled, flagged, time.Now()); err != nil {
		return nil, fmt.Errorf("settling ledger entry: %w", err)
	}

	if overrun {
		a.logger.Warn("settlement exceeded reservation",
			"account_id", res.AccountID,
			"entry_id", res.EntryID,
			"reserved", res.Reserved,
			"settled", settled,
		)
	}

	return &Settlement{Settled: settled, Overrun: overrun, Clamped: clamped}, nil
}

// Release settles a reservation at zero usage, for turns rejected or
// cancelled before the provider reported anything.
func (a *Accountant) Release(ctx context.Context, res *Reservation) error {
	lock := a.accountLock(res.AccountID)
	lock.Lock()
	defer lock.Unlock()

	if err := a.store.SettleEntry(ctx, res.EntryID, 0, false, time.Now()); err != nil {
		return fmt.Errorf("releasing ledger entry: %w", err)
	}
	return nil
}

// HardCapExceeded reports whether the running completion total crosses the
// configured hard cap. Always false under the default soft-cap policy.
func (a *Accountant) HardCapExceeded(runningCompletionTokens int64) bool {
	return a.policy.HardCapTokens > 0 && runningCompletionTokens >= a.policy.HardCapTokens
}

// EstimateText projects tokens for a raw text fragment, used for the
// running total a hard cap is checked against.
func EstimateText(text string) int64 {
	est := int64(len(text)) / estimateDivisor
	if est < 1 && len(text) > 0 {
		est = 1
	}
	return est
}
