// ABOUTME: Tests for the forward-only message state machine.
// ABOUTME: Covers transitions, append-only content, and terminal immutability.

package conversation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/seance-gateway/internal/provider"
)

func TestMessage_HappyPath(t *testing.T) {
	m := NewPending("msg-1", "conv-1", "", provider.RoleAssistant)
	assert.Equal(t, StatusPending, m.Status)

	require.NoError(t, m.MarkStreaming())
	require.NoError(t, m.Append("hello "))
	require.NoError(t, m.Append("world"))
	require.NoError(t, m.Finalize(StatusComplete))

	assert.Equal(t, "hello world", m.Content)
	assert.Equal(t, StatusComplete, m.Status)
}

func TestMessage_NoAppendAfterTerminal(t *testing.T) {
	m := NewPending("msg-1", "conv-1", "", provider.RoleAssistant)
	require.NoError(t, m.MarkStreaming())
	require.NoError(t, m.Append("partial"))
	require.NoError(t, m.Finalize(StatusCancelled))

	assert.ErrorIs(t, m.Append("more"), ErrImmutable)
	assert.Equal(t, "partial", m.Content)
}

func TestMessage_StatusOnlyMovesForward(t *testing.T) {
	m := NewPending("msg-1", "conv-1", "", provider.RoleAssistant)
	require.NoError(t, m.MarkStreaming())

	// streaming → streaming is not a valid transition
	assert.ErrorIs(t, m.MarkStreaming(), ErrInvalidTransition)

	require.NoError(t, m.Finalize(StatusErrored))

	// Terminal states are final and mutually exclusive.
	assert.ErrorIs(t, m.Finalize(StatusComplete), ErrInvalidTransition)
	assert.ErrorIs(t, m.Finalize(StatusCancelled), ErrInvalidTransition)
	assert.Equal(t, StatusErrored, m.Status)
}

func TestMessage_CancelDirectlyFromPending(t *testing.T) {
	m := NewPending("msg-1", "conv-1", "", provider.RoleAssistant)
	require.NoError(t, m.Finalize(StatusCancelled))
	assert.Equal(t, StatusCancelled, m.Status)
	assert.Empty(t, m.Content)
}

func TestMessage_FinalizeRejectsNonTerminal(t *testing.T) {
	m := NewPending("msg-1", "conv-1", "", provider.RoleAssistant)
	assert.ErrorIs(t, m.Finalize(StatusStreaming), ErrInvalidTransition)
}

func TestSnapshot_Allows(t *testing.T) {
	s := Snapshot{ToolNames: []string{"search", "calculator"}}
	assert.True(t, s.Allows("search"))
	assert.False(t, s.Allows("shell"))
	assert.False(t, Snapshot{}.Allows("search"))
}
