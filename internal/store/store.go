// ABOUTME: Store interface and data types for gateway persistence.
// ABOUTME: Defines the contract that SQLite and mock implementations satisfy.

package store

import (
	"context"
	"errors"
	"time"

	"github.com/2389/seance-gateway/internal/accounting"
	"github.com/2389/seance-gateway/internal/conversation"
)

// Common errors returned by Store implementations.
var (
	// ErrNotFound is returned when a requested record doesn't exist.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateID is returned when creating a record whose ID (or
	// another unique key) already exists.
	ErrDuplicateID = errors.New("duplicate id")
)

// Account is a billable identity with a token balance. Balances only move
// through CreditAccount and the ledger's Debit; reservations live in
// ledger_entries and never mutate the balance directly.
type Account struct {
	ID        string
	Balance   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// UsageRecord is one request's measured token consumption. MessageID is
// empty until the final message exists and LinkUsageToMessage runs.
type UsageRecord struct {
	ID               string
	ConversationID   string
	MessageID        string
	RequestID        string
	ProviderID       string
	Model            string
	PromptTokens     int64
	CompletionTokens int64
	CreatedAt        time.Time
}

// UsageFilter narrows GetUsageStats. Nil fields mean no filter.
type UsageFilter struct {
	AccountID  *string
	ProviderID *string
	Since      *time.Time
	Until      *time.Time
}

// UsageStats is the aggregate view over matching usage records.
type UsageStats struct {
	TotalPrompt     int64
	TotalCompletion int64
	TotalTokens     int64
	RequestCount    int64
}

// ConversationStore manages conversations and their message chains.
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv *conversation.Conversation) error
	GetConversation(ctx context.Context, id string) (*conversation.Conversation, error)
	ListConversations(ctx context.Context, accountID string, limit int) ([]*conversation.Conversation, error)
	GetMessage(ctx context.Context, id string) (*conversation.Message, error)
	ListMessages(ctx context.Context, conversationID string) ([]*conversation.Message, error)
	ListToolCalls(ctx context.Context, messageID string) ([]conversation.ToolCall, error)
}

// AccountStore manages accounts and their balances.
type AccountStore interface {
	CreateAccount(ctx context.Context, account *Account) error
	GetAccount(ctx context.Context, id string) (*Account, error)
	CreditAccount(ctx context.Context, id string, amount int64) error
}

// UsageStore records and aggregates token consumption.
type UsageStore interface {
	SaveUsage(ctx context.Context, usage *UsageRecord) error
	LinkUsageToMessage(ctx context.Context, requestID, messageID string) error
	GetConversationUsage(ctx context.Context, conversationID string) ([]*UsageRecord, error)
	GetUsageStats(ctx context.Context, filter UsageFilter) (*UsageStats, error)
}

// Store is the full persistence contract: the read/write surfaces above
// plus the two contracts the streaming core consumes directly.
type Store interface {
	ConversationStore
	AccountStore
	UsageStore
	conversation.Recorder
	accounting.LedgerStore

	Close() error
}
