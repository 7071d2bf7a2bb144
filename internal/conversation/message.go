// ABOUTME: Message data model and the forward-only status state machine.
// ABOUTME: Enforces append-only content while streaming, immutability after finalize.

package conversation

import (
	"errors"
	"fmt"
	"time"

	"github.com/2389/seance-gateway/internal/provider"
)

// Status is a message's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusStreaming Status = "streaming"
	StatusComplete  Status = "complete"
	StatusErrored   Status = "errored"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusErrored || s == StatusCancelled
}

// ErrInvalidTransition indicates a status change that would move backwards
// or out of a terminal state.
var ErrInvalidTransition = errors.New("invalid message status transition")

// ErrImmutable indicates a content append after the message finalized.
var ErrImmutable = errors.New("message content is immutable after finalization")

// ToolCallStatus is a tool call's lifecycle state.
type ToolCallStatus string

const (
	ToolCallRequested ToolCallStatus = "requested"
	ToolCallRunning   ToolCallStatus = "running"
	ToolCallSucceeded ToolCallStatus = "succeeded"
	ToolCallFailed    ToolCallStatus = "failed"
)

// ToolCall records one structured tool invocation requested by a message.
type ToolCall struct {
	ID        string
	MessageID string
	Name      string
	Arguments string // JSON object
	Result    string
	Status    ToolCallStatus
	CreatedAt time.Time
}

// Message is one entry in a conversation's reply chain.
type Message struct {
	ID               string
	ConversationID   string
	ParentID         string
	Role             provider.Role
	Content          string
	ToolCalls        []ToolCall
	Status           Status
	PromptTokens     int64
	CompletionTokens int64
	Truncated        bool // finalized by the turn limit, not by the model
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// NewPending creates a message in the pending state.
func NewPending(id, conversationID, parentID string, role provider.Role) *Message {
	now := time.Now()
	return &Message{
		ID:             id,
		ConversationID: conversationID,
		ParentID:       parentID,
		Role:           role,
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// MarkStreaming transitions pending → streaming. Called on the first delta.
func (m *Message) MarkStreaming() error {
	if m.Status != StatusPending {
		return fmt.Errorf("%w: %s → streaming", ErrInvalidTransition, m.Status)
	}
	m.Status = StatusStreaming
	m.UpdatedAt = time.Now()
	return nil
}

// Append adds content to a message that is still accepting bytes.
func (m *Message) Append(content string) error {
	if m.Status.Terminal() {
		return ErrImmutable
	}
	m.Content += content
	m.UpdatedAt = time.Now()
	return nil
}

// Finalize moves the message into a terminal state. Finalizing an already
// terminal message is rejected so no failure path can overwrite another.
func (m *Message) Finalize(status Status) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: finalize to non-terminal %s", ErrInvalidTransition, status)
	}
	if m.Status.Terminal() {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, m.Status, status)
	}
	m.Status = status
	m.UpdatedAt = time.Now()
	return nil
}

// Conversation is the metadata the core reads: identity and the agent
// configuration snapshot active for the next turn. The message sequence
// itself lives behind the persistence collaborator.
type Conversation struct {
	ID        string
	AccountID string
	Snapshot  Snapshot
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Snapshot is the per-conversation configuration captured at turn start:
// which provider and model apply and which tools the agent may call. Tool
// authorization resolves against this list, never caller-supplied strings.
type Snapshot struct {
	ProviderID string
	Model      string
	ToolNames  []string
	MaxTokens  int64
}

// Allows reports whether the snapshot authorizes the named tool.
func (s Snapshot) Allows(toolName string) bool {
	for _, n := range s.ToolNames {
		if n == toolName {
			return true
		}
	}
	return false
}
