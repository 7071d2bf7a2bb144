// ABOUTME: Anthropic adapter translating the Messages streaming API into canonical deltas.
// ABOUTME: Wraps the official anthropic-sdk-go client behind the provider.Adapter contract.

package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/2389/seance-gateway/internal/provider"
)

const defaultMaxTokens = 4096

// Adapter streams Claude responses as canonical deltas.
type Adapter struct {
	client sdk.Client
	logger *slog.Logger
}

// New creates an Anthropic adapter. Pass nil logger for the default.
func New(apiKey, baseURL string, logger *slog.Logger) (*Adapter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic api key is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	return &Adapter{
		client: sdk.NewClient(opts...),
		logger: logger.With("component", "provider.anthropic"),
	}, nil
}

// Open starts a streaming generation call.
func (a *Adapter) Open(ctx context.Context, req *provider.Request) (provider.Stream, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	messages, system := convertMessages(req.Messages)
	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: maxTokens,
		Messages:  messages,
	}
	if len(system) > 0 {
		params.System = system
	}
	if len(req.Tools) > 0 {
		params.Tools = convertTools(req.Tools)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	stream, send := provider.NewPipe(cancel)
	go a.pump(streamCtx, params, send)
	return stream, nil
}

// pump drives the vendor SSE stream and pushes canonical deltas until the
// terminal event. A false send means the consumer closed the stream.
func (a *Adapter) pump(ctx context.Context, params sdk.MessageNewParams, send func(provider.Delta) bool) {
	stream := a.client.Messages.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()

	var msg sdk.Message
	for stream.Next() {
		event := stream.Current()
		if err := msg.Accumulate(event); err != nil {
			send(provider.Delta{Kind: provider.DeltaError, Err: provider.NewError(provider.ErrTransient, "accumulating stream event: %v", err)})
			return
		}

		switch ev := event.AsAny().(type) {
		case sdk.ContentBlockStartEvent:
			// A tool_use block opens a new call; arguments follow as
			// input_json deltas.
			if block, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
				if !send(provider.Delta{Kind: provider.DeltaToolCall, ToolCall: &provider.ToolCallChunk{ID: block.ID, Name: block.Name}}) {
					return
				}
			}
		case sdk.ContentBlockDeltaEvent:
			switch d := ev.Delta.AsAny().(type) {
			case sdk.TextDelta:
				if d.Text == "" {
					continue
				}
				if !send(provider.Delta{Kind: provider.DeltaText, Text: d.Text}) {
					return
				}
			case sdk.InputJSONDelta:
				if d.PartialJSON == "" {
					continue
				}
				if !send(provider.Delta{Kind: provider.DeltaToolCall, ToolCall: &provider.ToolCallChunk{ArgsDelta: d.PartialJSON}}) {
					return
				}
			}
		}
	}

	if err := stream.Err(); err != nil {
		if ctx.Err() != nil {
			// Consumer closed the stream; nothing left to report.
			return
		}
		a.logger.Warn("stream failed", "error", err)
		send(provider.Delta{Kind: provider.DeltaError, Err: classifyAPIError(err)})
		return
	}

	if !send(provider.Delta{Kind: provider.DeltaUsage, Usage: &provider.Usage{
		PromptTokens:     msg.Usage.InputTokens,
		CompletionTokens: msg.Usage.OutputTokens,
	}}) {
		return
	}

	send(terminalDelta(string(msg.StopReason)))
}

// terminalDelta maps the vendor stop reason onto the canonical terminal
// event. A refusal surfaces as a content policy error, not a completion.
func terminalDelta(stopReason string) provider.Delta {
	switch stopReason {
	case "tool_use":
		return provider.Delta{Kind: provider.DeltaDone, Done: &provider.Done{StopReason: provider.StopToolUse}}
	case "max_tokens":
		return provider.Delta{Kind: provider.DeltaDone, Done: &provider.Done{StopReason: provider.StopMaxTokens}}
	case "refusal":
		return provider.Delta{Kind: provider.DeltaError, Err: provider.NewError(provider.ErrContentPolicy, "model refused the request")}
	default:
		return provider.Delta{Kind: provider.DeltaDone, Done: &provider.Done{StopReason: provider.StopEndTurn}}
	}
}

// classifyAPIError maps SDK failures onto the canonical error taxonomy.
func classifyAPIError(err error) *provider.Error {
	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		perr := provider.NewError(provider.KindForStatus(apierr.StatusCode), "anthropic: %v", err)
		if perr.Kind == provider.ErrRateLimited && apierr.Response != nil {
			if secs, parseErr := strconv.Atoi(apierr.Response.Header.Get("Retry-After")); parseErr == nil && secs > 0 {
				perr.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return perr
	}
	return provider.NewError(provider.ErrTransient, "anthropic: %v", err)
}

// convertMessages converts canonical history to Anthropic format. System
// messages become the separate system parameter.
func convertMessages(messages []provider.Message) ([]sdk.MessageParam, []sdk.TextBlockParam) {
	var system []sdk.TextBlockParam
	converted := make([]sdk.MessageParam, 0, len(messages))

	for _, m := range messages {
		switch m.Role {
		case provider.RoleSystem:
			system = append(system, sdk.TextBlockParam{Text: m.Content})

		case provider.RoleAssistant:
			blocks := make([]sdk.ContentBlockParamUnion, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, call := range m.ToolCalls {
				blocks = append(blocks, sdk.ContentBlockParamUnion{
					OfToolUse: &sdk.ToolUseBlockParam{
						ID:    call.ID,
						Name:  call.Name,
						Input: json.RawMessage(argumentsOrEmpty(call.ArgsDelta)),
					},
				})
			}
			if len(blocks) == 0 {
				blocks = append(blocks, sdk.NewTextBlock(""))
			}
			converted = append(converted, sdk.NewAssistantMessage(blocks...))

		case provider.RoleTool:
			// Tool results are user-role messages carrying a tool_result block.
			converted = append(converted, sdk.NewUserMessage(sdk.ContentBlockParamUnion{
				OfToolResult: &sdk.ToolResultBlockParam{
					ToolUseID: m.ToolCallID,
					IsError:   sdk.Bool(m.IsError),
					Content: []sdk.ToolResultBlockParamContentUnion{
						{OfText: &sdk.TextBlockParam{Text: m.Content}},
					},
				},
			}))

		default:
			converted = append(converted, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		}
	}

	return converted, system
}

// convertTools converts canonical tool schemas to Anthropic tool params.
func convertTools(schemas []provider.ToolSchema) []sdk.ToolUnionParam {
	converted := make([]sdk.ToolUnionParam, len(schemas))
	for i, s := range schemas {
		inputSchema := sdk.ToolInputSchemaParam{
			Properties: s.InputSchema["properties"],
		}
		if len(s.Required) > 0 {
			inputSchema.Required = s.Required
		}

		converted[i] = sdk.ToolUnionParamOfTool(inputSchema, s.Name)
		if s.Description != "" {
			converted[i].OfTool.Description = sdk.String(s.Description)
		}
	}
	return converted
}

func argumentsOrEmpty(args string) string {
	if args == "" {
		return "{}"
	}
	return args
}

var _ provider.Adapter = (*Adapter)(nil)
