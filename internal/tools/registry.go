// ABOUTME: Local function-backed tool registry with argument validation.
// ABOUTME: Validates call JSON against the registered schema before dispatch.

package tools

import (
	"context"
	"sort"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/2389/seance-gateway/internal/provider"
)

// Handler runs one local tool call against parsed arguments.
type Handler func(ctx context.Context, args gjson.Result) (string, error)

type registeredTool struct {
	schema  provider.ToolSchema
	handler Handler
}

// Registry serves tools implemented as in-process Go functions.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]registeredTool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]registeredTool)}
}

// Register adds or replaces a tool under its schema name.
func (r *Registry) Register(schema provider.ToolSchema, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[schema.Name] = registeredTool{schema: schema, handler: h}
}

// Schemas lists registered tool schemas in name order.
func (r *Registry) Schemas() []provider.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schemas := make([]provider.ToolSchema, 0, len(r.tools))
	for _, t := range r.tools {
		schemas = append(schemas, t.schema)
	}
	sort.Slice(schemas, func(i, j int) bool { return schemas[i].Name < schemas[j].Name })
	return schemas
}

// Invoke runs one registered tool. Arguments are validated before the
// handler runs: the payload must be a JSON object and carry every field
// the schema marks required.
func (r *Registry) Invoke(ctx context.Context, inv Invocation) (Result, error) {
	r.mu.RLock()
	tool, ok := r.tools[inv.Name]
	r.mu.RUnlock()
	if !ok {
		return Result{}, NewError(ErrExecutionFailure, inv.Name, "tool not registered")
	}

	args, err := parseArguments(inv, tool.schema)
	if err != nil {
		return Result{}, err
	}

	content, err := tool.handler(ctx, args)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return Result{}, NewError(ErrTimeout, inv.Name, "invocation deadline exceeded")
		}
		return Result{}, classify(inv.Name, err)
	}
	return Result{CallID: inv.ID, Name: inv.Name, Content: content}, nil
}

// parseArguments checks the raw call payload against the schema.
func parseArguments(inv Invocation, schema provider.ToolSchema) (gjson.Result, error) {
	raw := inv.Arguments
	if raw == "" {
		raw = "{}"
	}
	if !gjson.Valid(raw) {
		return gjson.Result{}, NewError(ErrInvalidArguments, inv.Name, "arguments are not valid JSON")
	}
	args := gjson.Parse(raw)
	if !args.IsObject() {
		return gjson.Result{}, NewError(ErrInvalidArguments, inv.Name, "arguments must be a JSON object")
	}
	for _, field := range schema.Required {
		if !args.Get(field).Exists() {
			return gjson.Result{}, NewError(ErrInvalidArguments, inv.Name, "missing required field %q", field)
		}
	}
	return args, nil
}

var _ Executor = (*Registry)(nil)
var _ Catalog = (*Registry)(nil)
