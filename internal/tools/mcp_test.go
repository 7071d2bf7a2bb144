// ABOUTME: Tests for MCP schema conversion and result flattening.
// ABOUTME: Pure-function coverage; live server wiring is exercised end to end.

package tools

import (
	"testing"

	mcptypes "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvertMCPTool(t *testing.T) {
	tool := mcptypes.Tool{
		Name:        "get_weather",
		Description: "Get weather data",
		InputSchema: mcptypes.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"city": map[string]any{"type": "string"},
			},
			Required: []string{"city"},
		},
	}

	schema := convertMCPTool(tool)
	assert.Equal(t, "get_weather", schema.Name)
	assert.Equal(t, "Get weather data", schema.Description)
	assert.Equal(t, []string{"city"}, schema.Required)
	assert.Equal(t, "object", schema.InputSchema["type"])

	props, ok := schema.InputSchema["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "city")
}

func TestFlattenContent(t *testing.T) {
	parts := []mcptypes.Content{
		mcptypes.TextContent{Type: "text", Text: "72 degrees"},
		mcptypes.TextContent{Type: "text", Text: " and sunny"},
	}
	assert.Equal(t, "72 degrees and sunny", flattenContent(parts))
	assert.Empty(t, flattenContent(nil))
}
