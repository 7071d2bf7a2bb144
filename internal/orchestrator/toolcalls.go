// ABOUTME: Assembles streamed tool-call fragments into complete invocations.
// ABOUTME: Fragments without an id continue the call opened most recently.

package orchestrator

import (
	"strings"

	"github.com/2389/seance-gateway/internal/provider"
	"github.com/2389/seance-gateway/internal/tools"
)

// callBuilder accumulates one tool call across fragments.
type callBuilder struct {
	id   string
	name string
	args strings.Builder
}

// BuildInvocations merges streamed fragments into complete tool calls in
// first-seen order. A fragment carrying a new id opens a call; fragments
// with the same or an empty id extend the current one. Vendors differ on
// whether repeats carry the id, so both are accepted.
func BuildInvocations(chunks []provider.ToolCallChunk) []tools.Invocation {
	var order []string
	builders := make(map[string]*callBuilder)
	var current *callBuilder

	for _, c := range chunks {
		switch {
		case c.ID != "" && builders[c.ID] != nil:
			current = builders[c.ID]
		case c.ID != "":
			current = &callBuilder{id: c.ID}
			builders[c.ID] = current
			order = append(order, c.ID)
		case current == nil:
			// Fragment before any call opened; nothing to attach it to.
			continue
		}
		if c.Name != "" {
			current.name = c.Name
		}
		current.args.WriteString(c.ArgsDelta)
	}

	invs := make([]tools.Invocation, 0, len(order))
	for _, id := range order {
		b := builders[id]
		invs = append(invs, tools.Invocation{
			ID:        b.id,
			Name:      b.name,
			Arguments: b.args.String(),
		})
	}
	return invs
}

// toChunks renders complete invocations back into the history form carried
// on an assistant message.
func toChunks(invs []tools.Invocation) []provider.ToolCallChunk {
	chunks := make([]provider.ToolCallChunk, len(invs))
	for i, inv := range invs {
		chunks[i] = provider.ToolCallChunk{ID: inv.ID, Name: inv.Name, ArgsDelta: inv.Arguments}
	}
	return chunks
}
