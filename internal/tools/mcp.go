// ABOUTME: MCP-backed executor reaching local (stdio) and remote tool servers.
// ABOUTME: Connects, lists tools, and routes calls to the owning server.

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcptypes "github.com/mark3labs/mcp-go/mcp"

	"github.com/2389/seance-gateway/internal/provider"
)

const mcpProtocolVersion = "2025-06-18"

// MCPServerConfig describes one tool server. Command starts a local stdio
// server; URL reaches a remote one over SSE or streamable HTTP.
type MCPServerConfig struct {
	ID        string
	Command   string
	Args      []string
	Env       []string
	URL       string
	Transport string // "sse" or "streamable-http", remote only
	Headers   map[string]string
}

// MCPExecutor aggregates tools from connected MCP servers behind the
// uniform Executor contract. Tool names are global across servers; the
// first server to advertise a name owns it.
type MCPExecutor struct {
	mu        sync.RWMutex
	clients   map[string]*client.Client
	toolOwner map[string]string // tool name -> server id
	schemas   []provider.ToolSchema
	logger    *slog.Logger
}

// NewMCPExecutor creates an executor with no servers connected.
func NewMCPExecutor(logger *slog.Logger) *MCPExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &MCPExecutor{
		clients:   make(map[string]*client.Client),
		toolOwner: make(map[string]string),
		logger:    logger.With("component", "mcp"),
	}
}

// Connect starts or dials one tool server, initializes the MCP session,
// and indexes its advertised tools.
func (m *MCPExecutor) Connect(ctx context.Context, cfg MCPServerConfig) error {
	m.mu.Lock()
	if _, ok := m.clients[cfg.ID]; ok {
		m.mu.Unlock()
		return fmt.Errorf("tool server %s already connected", cfg.ID)
	}
	m.mu.Unlock()

	mcpClient, err := m.dial(ctx, cfg)
	if err != nil {
		return fmt.Errorf("dial tool server %s: %w", cfg.ID, err)
	}

	initReq := mcptypes.InitializeRequest{
		Params: mcptypes.InitializeParams{
			ProtocolVersion: mcpProtocolVersion,
			Capabilities:    mcptypes.ClientCapabilities{},
			ClientInfo: mcptypes.Implementation{
				Name:    "seance-gateway",
				Version: "1.0.0",
			},
		},
	}
	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		_ = mcpClient.Close()
		return fmt.Errorf("initialize tool server %s: %w", cfg.ID, err)
	}

	toolsResult, err := mcpClient.ListTools(ctx, mcptypes.ListToolsRequest{})
	if err != nil {
		_ = mcpClient.Close()
		return fmt.Errorf("list tools for %s: %w", cfg.ID, err)
	}

	m.mu.Lock()
	m.clients[cfg.ID] = mcpClient
	for _, tool := range toolsResult.Tools {
		if owner, taken := m.toolOwner[tool.Name]; taken {
			m.logger.Warn("duplicate tool name skipped",
				"tool", tool.Name,
				"server", cfg.ID,
				"owner", owner)
			continue
		}
		m.toolOwner[tool.Name] = cfg.ID
		m.schemas = append(m.schemas, convertMCPTool(tool))
	}
	m.mu.Unlock()

	m.logger.Info("tool server connected",
		"server", cfg.ID,
		"tools", len(toolsResult.Tools),
		"remote", cfg.URL != "")
	return nil
}

func (m *MCPExecutor) dial(ctx context.Context, cfg MCPServerConfig) (*client.Client, error) {
	if cfg.URL == "" {
		return client.NewStdioMCPClient(cfg.Command, cfg.Env, cfg.Args...)
	}

	var (
		mcpClient *client.Client
		err       error
	)
	switch strings.ToLower(cfg.Transport) {
	case "streamable-http":
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(cfg.Headers))
		}
		mcpClient, err = client.NewStreamableHttpClient(cfg.URL, opts...)
	case "sse", "":
		var opts []transport.ClientOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHeaders(cfg.Headers))
		}
		mcpClient, err = client.NewSSEMCPClient(cfg.URL, opts...)
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
	if err != nil {
		return nil, err
	}

	// Remote transports must be started before Initialize/ListTools.
	if err := mcpClient.GetTransport().Start(ctx); err != nil {
		return nil, fmt.Errorf("start transport: %w", err)
	}
	return mcpClient, nil
}

// Invoke routes one call to the server that owns the tool.
func (m *MCPExecutor) Invoke(ctx context.Context, inv Invocation) (Result, error) {
	m.mu.RLock()
	serverID, ok := m.toolOwner[inv.Name]
	mcpClient := m.clients[serverID]
	m.mu.RUnlock()
	if !ok || mcpClient == nil {
		return Result{}, NewError(ErrExecutionFailure, inv.Name, "no connected server offers this tool")
	}

	var args map[string]any
	raw := inv.Arguments
	if raw == "" {
		raw = "{}"
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return Result{}, NewError(ErrInvalidArguments, inv.Name, "arguments are not a JSON object: %v", err)
	}

	res, err := mcpClient.CallTool(ctx, mcptypes.CallToolRequest{
		Params: mcptypes.CallToolParams{
			Name:      inv.Name,
			Arguments: args,
		},
	})
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return Result{}, NewError(ErrTimeout, inv.Name, "invocation deadline exceeded")
		}
		return Result{}, NewError(ErrExecutionFailure, inv.Name, "%v", err)
	}

	content := flattenContent(res.Content)
	if res.IsError {
		return Result{}, NewError(ErrExecutionFailure, inv.Name, "%s", content)
	}
	return Result{CallID: inv.ID, Name: inv.Name, Content: content}, nil
}

// Schemas lists every advertised tool across connected servers.
func (m *MCPExecutor) Schemas() []provider.ToolSchema {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]provider.ToolSchema, len(m.schemas))
	copy(out, m.schemas)
	return out
}

// Close disconnects every server.
func (m *MCPExecutor) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for id, c := range m.clients {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close tool server %s: %w", id, err)
		}
		delete(m.clients, id)
	}
	return firstErr
}

// convertMCPTool maps an advertised MCP tool to the vendor-neutral schema
// sent to providers.
func convertMCPTool(tool mcptypes.Tool) provider.ToolSchema {
	schema := map[string]any{
		"type": tool.InputSchema.Type,
	}
	if tool.InputSchema.Properties != nil {
		schema["properties"] = tool.InputSchema.Properties
	}
	return provider.ToolSchema{
		Name:        tool.Name,
		Description: tool.Description,
		InputSchema: schema,
		Required:    tool.InputSchema.Required,
	}
}

// flattenContent joins the textual parts of an MCP result. Non-text parts
// fall back to their JSON encoding, matching what models expect to read.
func flattenContent(parts []mcptypes.Content) string {
	var sb strings.Builder
	for _, part := range parts {
		if tc, ok := part.(mcptypes.TextContent); ok {
			sb.WriteString(tc.Text)
			continue
		}
		if encoded, err := json.Marshal(part); err == nil {
			sb.Write(encoded)
		}
	}
	return sb.String()
}

var _ Executor = (*MCPExecutor)(nil)
var _ Catalog = (*MCPExecutor)(nil)
