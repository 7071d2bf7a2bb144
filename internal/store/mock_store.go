// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/2389/seance-gateway/internal/accounting"
	"github.com/2389/seance-gateway/internal/conversation"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]*conversation.Conversation // keyed by conversation ID
	messages      map[string]*conversation.Message      // keyed by message ID
	messageOrder  []string                              // message IDs in insertion order
	toolCalls     map[string]*conversation.ToolCall     // keyed by tool call ID
	toolCallOrder []string                              // tool call IDs in insertion order
	accounts      map[string]*Account                   // keyed by account ID
	entries       map[string]*accounting.Entry          // keyed by entry ID
	usage         map[string]*UsageRecord               // keyed by usage ID
	usageByReq    map[string]string                     // keyed by request_id -> usage ID
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[string]*conversation.Conversation),
		messages:      make(map[string]*conversation.Message),
		toolCalls:     make(map[string]*conversation.ToolCall),
		accounts:      make(map[string]*Account),
		entries:       make(map[string]*accounting.Entry),
		usage:         make(map[string]*UsageRecord),
		usageByReq:    make(map[string]string),
	}
}

// CreateConversation stores a new conversation.
func (m *MockStore) CreateConversation(ctx context.Context, conv *conversation.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[conv.ID]; ok {
		return ErrDuplicateID
	}

	// Make a copy to avoid external modification
	c := *conv
	m.conversations[c.ID] = &c
	return nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*conversation.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}

	// Return a copy
	result := *c
	return &result, nil
}

// ListConversations retrieves an account's conversations, most recent first.
func (m *MockStore) ListConversations(ctx context.Context, accountID string, limit int) ([]*conversation.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	var convs []*conversation.Conversation
	for _, c := range m.conversations {
		if c.AccountID == accountID {
			result := *c
			convs = append(convs, &result)
		}
	}

	sort.Slice(convs, func(i, j int) bool {
		return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
	})
	if len(convs) > limit {
		convs = convs[:limit]
	}

	return convs, nil
}

// CreatePendingMessage stores a new message. Duplicate IDs are idempotent.
func (m *MockStore) CreatePendingMessage(ctx context.Context, msg *conversation.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.messages[msg.ID]; ok {
		return nil
	}

	copied := *msg
	m.messages[copied.ID] = &copied
	m.messageOrder = append(m.messageOrder, copied.ID)
	return nil
}

// AppendContent appends a chunk to a message's content.
func (m *MockStore) AppendContent(ctx context.Context, messageID, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[messageID]
	if !ok {
		return ErrNotFound
	}

	msg.Content += content
	if msg.Status == conversation.StatusPending {
		msg.Status = conversation.StatusStreaming
	}
	msg.UpdatedAt = time.Now()
	return nil
}

// Finalize writes a message's terminal state.
func (m *MockStore) Finalize(ctx context.Context, messageID string, status conversation.Status, content string, promptTokens, completionTokens int64, truncated bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[messageID]
	if !ok {
		return ErrNotFound
	}

	msg.Status = status
	msg.Content = content
	msg.PromptTokens = promptTokens
	msg.CompletionTokens = completionTokens
	msg.Truncated = truncated
	msg.UpdatedAt = time.Now()
	return nil
}

// SaveToolCall upserts a tool call record.
func (m *MockStore) SaveToolCall(ctx context.Context, call *conversation.ToolCall) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := *call
	if _, ok := m.toolCalls[copied.ID]; !ok {
		m.toolCallOrder = append(m.toolCallOrder, copied.ID)
	}
	m.toolCalls[copied.ID] = &copied
	return nil
}

// GetMessage retrieves a message by ID, including its tool calls.
func (m *MockStore) GetMessage(ctx context.Context, id string) (*conversation.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msg, ok := m.messages[id]
	if !ok {
		return nil, ErrNotFound
	}

	result := *msg
	result.ToolCalls = m.toolCallsForMessage(id)
	return &result, nil
}

// ListMessages retrieves a conversation's messages in insertion order.
func (m *MockStore) ListMessages(ctx context.Context, conversationID string) ([]*conversation.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var msgs []*conversation.Message
	for _, id := range m.messageOrder {
		msg := m.messages[id]
		if msg.ConversationID == conversationID {
			result := *msg
			msgs = append(msgs, &result)
		}
	}
	return msgs, nil
}

// ListToolCalls retrieves a message's tool calls in insertion order.
func (m *MockStore) ListToolCalls(ctx context.Context, messageID string) ([]conversation.ToolCall, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.toolCallsForMessage(messageID), nil
}

// toolCallsForMessage must be called with the lock held.
func (m *MockStore) toolCallsForMessage(messageID string) []conversation.ToolCall {
	var calls []conversation.ToolCall
	for _, id := range m.toolCallOrder {
		call := m.toolCalls[id]
		if call.MessageID == messageID {
			calls = append(calls, *call)
		}
	}
	return calls
}

// CreateAccount stores a new account.
func (m *MockStore) CreateAccount(ctx context.Context, account *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[account.ID]; ok {
		return ErrDuplicateID
	}

	copied := *account
	m.accounts[copied.ID] = &copied
	return nil
}

// GetAccount retrieves an account by ID.
func (m *MockStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}

	result := *a
	return &result, nil
}

// CreditAccount adds amount to an account's balance.
func (m *MockStore) CreditAccount(ctx context.Context, id string, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[id]
	if !ok {
		return ErrNotFound
	}

	a.Balance += amount
	a.UpdatedAt = time.Now()
	return nil
}

// AccountBalance returns the account's current balance.
func (m *MockStore) AccountBalance(ctx context.Context, accountID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.accounts[accountID]
	if !ok {
		return 0, ErrNotFound
	}
	return a.Balance, nil
}

// OutstandingReserved sums the reservations not yet settled for an account.
func (m *MockStore) OutstandingReserved(ctx context.Context, accountID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total int64
	for _, e := range m.entries {
		if e.AccountID == accountID && e.SettledAt == nil {
			total += e.Reserved
		}
	}
	return total, nil
}

// SaveEntry stores a new ledger entry.
func (m *MockStore) SaveEntry(ctx context.Context, entry *accounting.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[entry.ID]; ok {
		return ErrDuplicateID
	}

	copied := *entry
	m.entries[copied.ID] = &copied
	return nil
}

// SettleEntry records the settled amount against a reservation.
func (m *MockStore) SettleEntry(ctx context.Context, entryID string, settled int64, flagged bool, settledAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[entryID]
	if !ok {
		return ErrNotFound
	}

	e.Settled = settled
	e.Flagged = flagged
	at := settledAt
	e.SettledAt = &at
	return nil
}

// Debit subtracts amount from the balance, clamping at zero.
func (m *MockStore) Debit(ctx context.Context, accountID string, amount int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[accountID]
	if !ok {
		return false, ErrNotFound
	}

	clamped := amount > a.Balance
	a.Balance -= amount
	if clamped {
		a.Balance = 0
	}
	a.UpdatedAt = time.Now()
	return clamped, nil
}

// GetEntry retrieves a ledger entry by ID, for test assertions.
func (m *MockStore) GetEntry(id string) (*accounting.Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[id]
	if !ok {
		return nil, false
	}
	result := *e
	return &result, true
}

// SaveUsage stores a token usage record.
func (m *MockStore) SaveUsage(ctx context.Context, usage *UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := *usage
	m.usage[copied.ID] = &copied
	m.usageByReq[copied.RequestID] = copied.ID
	return nil
}

// LinkUsageToMessage updates a usage record with the final message ID.
func (m *MockStore) LinkUsageToMessage(ctx context.Context, requestID, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.usageByReq[requestID]
	if !ok {
		return nil
	}
	m.usage[id].MessageID = messageID
	return nil
}

// GetConversationUsage retrieves all usage records for a conversation.
func (m *MockStore) GetConversationUsage(ctx context.Context, conversationID string) ([]*UsageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var usages []*UsageRecord
	for _, u := range m.usage {
		if u.ConversationID == conversationID {
			result := *u
			usages = append(usages, &result)
		}
	}

	sort.Slice(usages, func(i, j int) bool {
		return usages[i].CreatedAt.Before(usages[j].CreatedAt)
	})

	return usages, nil
}

// GetUsageStats returns aggregated usage statistics with optional filters.
func (m *MockStore) GetUsageStats(ctx context.Context, filter UsageFilter) (*UsageStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stats UsageStats
	for _, u := range m.usage {
		if filter.AccountID != nil {
			conv, ok := m.conversations[u.ConversationID]
			if !ok || conv.AccountID != *filter.AccountID {
				continue
			}
		}
		if filter.ProviderID != nil && u.ProviderID != *filter.ProviderID {
			continue
		}
		if filter.Since != nil && u.CreatedAt.Before(*filter.Since) {
			continue
		}
		if filter.Until != nil && !u.CreatedAt.Before(*filter.Until) {
			continue
		}
		stats.TotalPrompt += u.PromptTokens
		stats.TotalCompletion += u.CompletionTokens
		stats.RequestCount++
	}
	stats.TotalTokens = stats.TotalPrompt + stats.TotalCompletion

	return &stats, nil
}

// Close is a no-op for the mock.
func (m *MockStore) Close() error {
	return nil
}

// Ensure MockStore implements the Store interface.
var _ Store = (*MockStore)(nil)
