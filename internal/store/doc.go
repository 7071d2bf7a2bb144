// ABOUTME: Package documentation for the persistence layer.
// ABOUTME: SQLite-backed storage for conversations, messages, ledger, and usage.

// Package store persists the gateway's durable state: conversations and
// their message chains, tool call records, account balances with their
// reservation ledger, and per-request token usage.
//
// # Overview
//
// The package exposes one concrete implementation, [SQLiteStore], backed by
// modernc.org/sqlite with WAL journaling, plus an in-memory [MockStore] for
// tests. Both satisfy the [Store] interface, which embeds the persistence
// contracts the rest of the system consumes:
//
//   - conversation.Recorder for the append-then-finalize message lifecycle
//   - accounting.LedgerStore for balance reads, reservations, and debits
//
// All timestamps are stored as RFC3339 UTC strings. Lookups that find
// nothing return [ErrNotFound]; duplicate inserts return [ErrDuplicateID].
package store
