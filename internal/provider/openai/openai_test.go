// ABOUTME: Tests for OpenAI message/tool conversion and terminal event mapping.
// ABOUTME: Exercises the pure translation layer without network calls.

package openai

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/seance-gateway/internal/provider"
)

func TestConvertMessages_Roles(t *testing.T) {
	converted := convertMessages([]provider.Message{
		{Role: provider.RoleSystem, Content: "be brief"},
		{Role: provider.RoleUser, Content: "hello"},
		{Role: provider.RoleAssistant, Content: "hi"},
	})

	require.Len(t, converted, 3)
	assert.NotNil(t, converted[0].OfSystem)
	assert.NotNil(t, converted[1].OfUser)
	assert.NotNil(t, converted[2].OfAssistant)
}

func TestConvertMessages_AssistantToolCalls(t *testing.T) {
	converted := convertMessages([]provider.Message{
		{
			Role:    provider.RoleAssistant,
			Content: "let me check",
			ToolCalls: []provider.ToolCallChunk{
				{ID: "call-1", Name: "search", ArgsDelta: `{"query":"weather"}`},
			},
		},
		{
			Role:       provider.RoleTool,
			Content:    "72 and sunny",
			ToolCallID: "call-1",
		},
	})

	require.Len(t, converted, 2)

	assistant := converted[0].OfAssistant
	require.NotNil(t, assistant)
	require.Len(t, assistant.ToolCalls, 1)
	fn := assistant.ToolCalls[0].OfFunction
	require.NotNil(t, fn)
	assert.Equal(t, "call-1", fn.ID)
	assert.Equal(t, "search", fn.Function.Name)
	assert.Equal(t, `{"query":"weather"}`, fn.Function.Arguments)

	assert.NotNil(t, converted[1].OfTool)
}

func TestConvertMessages_EmptyArgumentsBecomeObject(t *testing.T) {
	converted := convertMessages([]provider.Message{
		{
			Role:      provider.RoleAssistant,
			ToolCalls: []provider.ToolCallChunk{{ID: "call-1", Name: "ping"}},
		},
	})

	require.Len(t, converted, 1)
	fn := converted[0].OfAssistant.ToolCalls[0].OfFunction
	require.NotNil(t, fn)
	assert.Equal(t, "{}", fn.Function.Arguments)
}

func TestConvertTools(t *testing.T) {
	converted := convertTools([]provider.ToolSchema{
		{
			Name:        "search",
			Description: "Search the web",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"query": map[string]any{"type": "string"}},
			},
			Required: []string{"query"},
		},
	})

	require.Len(t, converted, 1)
	fn := converted[0].OfFunction
	require.NotNil(t, fn)
	assert.Equal(t, "search", fn.Function.Name)
	assert.Equal(t, []string{"query"}, fn.Function.Parameters["required"])
}

func TestTerminalDelta_FinishReasons(t *testing.T) {
	tests := []struct {
		finishReason string
		wantKind     provider.DeltaKind
		wantStop     provider.StopReason
	}{
		{"stop", provider.DeltaDone, provider.StopEndTurn},
		{"", provider.DeltaDone, provider.StopEndTurn},
		{"tool_calls", provider.DeltaDone, provider.StopToolUse},
		{"length", provider.DeltaDone, provider.StopMaxTokens},
	}

	for _, tt := range tests {
		t.Run(tt.finishReason, func(t *testing.T) {
			d := terminalDelta(tt.finishReason)
			require.Equal(t, tt.wantKind, d.Kind)
			require.NotNil(t, d.Done)
			assert.Equal(t, tt.wantStop, d.Done.StopReason)
		})
	}
}

func TestTerminalDelta_ContentFilterIsContentPolicy(t *testing.T) {
	d := terminalDelta("content_filter")
	require.Equal(t, provider.DeltaError, d.Kind)
	require.NotNil(t, d.Err)
	assert.Equal(t, provider.ErrContentPolicy, d.Err.Kind)
	assert.False(t, d.Err.Retryable())
}
