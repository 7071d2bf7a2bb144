// ABOUTME: The uniform invocation contract plus the structured observation format.
// ABOUTME: Transport-agnostic: local registries and MCP servers satisfy the same interface.

package tools

import (
	"context"

	"github.com/tidwall/sjson"

	"github.com/2389/seance-gateway/internal/provider"
)

// Invocation is one tool call request: the call id assigned by the
// provider, the resolved tool name, and the argument payload as JSON.
type Invocation struct {
	ID        string
	Name      string
	Arguments string
}

// Result is the answer to one invocation. IsError marks a recoverable
// failure observation the agent can react to.
type Result struct {
	CallID  string
	Name    string
	Content string
	IsError bool
}

// Executor answers invocations. Implementations must respect ctx
// cancellation and deadlines.
type Executor interface {
	Invoke(ctx context.Context, inv Invocation) (Result, error)
}

// Catalog exposes the tool schemas an executor can serve, in the
// vendor-neutral form sent to providers.
type Catalog interface {
	Schemas() []provider.ToolSchema
}

// Observation renders a recoverable tool failure as the structured JSON
// fed back to the model, so the agent can see what went wrong and retry
// or route around it.
func Observation(inv Invocation, terr *Error) string {
	obs, _ := sjson.Set("", "tool", inv.Name)
	obs, _ = sjson.Set(obs, "call_id", inv.ID)
	obs, _ = sjson.Set(obs, "error.kind", string(terr.Kind))
	obs, _ = sjson.Set(obs, "error.message", terr.Message)
	return obs
}
