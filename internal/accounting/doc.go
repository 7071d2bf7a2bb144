// Package accounting enforces token budgets and rate limits per account.
//
// # Overview
//
// The Accountant sits in front of every generation turn. Before any
// provider call it estimates the prompt cost and reserves that amount
// against the account's balance; a request that cannot be covered fails
// with *BalanceExceededError and never reaches a provider. Once actual
// usage arrives the reservation is settled against measured tokens.
//
// # Ledger discipline
//
// Each account's ledger is mutated only by the Accountant, serialized per
// account. Invariants:
//
//   - reserved >= settled at all times before settlement completes
//   - balance never goes negative after settlement: an over-budget
//     settlement is clamped to the available balance and flagged
//
// # Overrun policy
//
// The default policy is soft cap with after-the-fact accounting: a stream
// that runs past its reservation is not interrupted, the overrun is
// recorded and flagged at settlement. When a hard cap is configured the
// Accountant reports the threshold crossing so the stream session can fire
// its cancellation controller mid-stream.
//
// # Rate window
//
// Each account also has a sliding request window (N requests per span).
// Requests beyond the window fail with *RateLimitedError before
// pre-authorization runs.
package accounting
