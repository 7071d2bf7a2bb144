// ABOUTME: OpenAI adapter translating chat completion chunks into canonical deltas.
// ABOUTME: Wraps the official openai-go client behind the provider.Adapter contract.

package openai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	sdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/2389/seance-gateway/internal/provider"
)

// Adapter streams OpenAI chat completions as canonical deltas.
type Adapter struct {
	client sdk.Client
	logger *slog.Logger
}

// New creates an OpenAI adapter. Pass nil logger for the default.
func New(apiKey, baseURL string, logger *slog.Logger) (*Adapter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai api key is required")
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
		logger: logger.With("component", "provider.openai"),
	}, nil
}

// Open starts a streaming generation call.
func (a *Adapter) Open(ctx context.Context, req *provider.Request) (provider.Stream, error) {
	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(req.Model),
		Messages: convertMessages(req.Messages),
		StreamOptions: sdk.ChatCompletionStreamOptionsParam{
			IncludeUsage: sdk.Bool(true),
		},
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = sdk.Int(req.MaxTokens)
	}
	if len(req.Tools) > 0 {
		params.Tools = convertTools(req.Tools)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	stream, send := provider.NewPipe(cancel)
	go a.pump(streamCtx, params, send)
	return stream, nil
}

// pump drives the vendor stream and pushes canonical deltas until the
// terminal event. A false send means the consumer closed the stream.
func (a *Adapter) pump(ctx context.Context, params sdk.ChatCompletionNewParams, send func(provider.Delta) bool) {
	stream := a.client.Chat.Completions.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()

	acc := sdk.ChatCompletionAccumulator{}
	var usage *provider.Usage

	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)

		// The usage-only chunk arrives last, with an empty choices list.
		if chunk.Usage.TotalTokens > 0 {
			usage = &provider.Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
			}
		}

		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta

		if delta.Content != "" {
			if !send(provider.Delta{Kind: provider.DeltaText, Text: delta.Content}) {
				return
			}
		}

		// Tool call fragments: the first fragment of a call carries ID and
		// name, later fragments extend the arguments.
		for _, tc := range delta.ToolCalls {
			out := &provider.ToolCallChunk{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				ArgsDelta: tc.Function.Arguments,
			}
			if out.ID == "" && out.Name == "" && out.ArgsDelta == "" {
				continue
			}
			if !send(provider.Delta{Kind: provider.DeltaToolCall, ToolCall: out}) {
				return
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

	if usage != nil {
		if !send(provider.Delta{Kind: provider.DeltaUsage, Usage: usage}) {
			return
		}
	}

	finishReason := ""
	if len(acc.Choices) > 0 {
		finishReason = acc.Choices[0].FinishReason
	}
	send(terminalDelta(finishReason))
}

// terminalDelta maps the vendor finish reason onto the canonical terminal
// event. A content filter cut surfaces as a content policy error.
func terminalDelta(finishReason string) provider.Delta {
	switch finishReason {
	case "tool_calls":
		return provider.Delta{Kind: provider.DeltaDone, Done: &provider.Done{StopReason: provider.StopToolUse}}
	case "length":
		return provider.Delta{Kind: provider.DeltaDone, Done: &provider.Done{StopReason: provider.StopMaxTokens}}
	case "content_filter":
		return provider.Delta{Kind: provider.DeltaError, Err: provider.NewError(provider.ErrContentPolicy, "model output blocked by content filter")}
	default:
		return provider.Delta{Kind: provider.DeltaDone, Done: &provider.Done{StopReason: provider.StopEndTurn}}
	}
}

// classifyAPIError maps SDK failures onto the canonical error taxonomy.
func classifyAPIError(err error) *provider.Error {
	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		perr := provider.NewError(provider.KindForStatus(apierr.StatusCode), "openai: %v", err)
		if perr.Kind == provider.ErrRateLimited && apierr.Response != nil {
			if secs, parseErr := strconv.Atoi(apierr.Response.Header.Get("Retry-After")); parseErr == nil && secs > 0 {
				perr.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return perr
	}
	return provider.NewError(provider.ErrTransient, "openai: %v", err)
}

// convertMessages converts canonical history to OpenAI chat format.
func convertMessages(messages []provider.Message) []sdk.ChatCompletionMessageParamUnion {
	converted := make([]sdk.ChatCompletionMessageParamUnion, 0, len(messages))

	for _, m := range messages {
		switch m.Role {
		case provider.RoleSystem:
			converted = append(converted, sdk.SystemMessage(m.Content))

		case provider.RoleAssistant:
			if len(m.ToolCalls) == 0 {
				converted = append(converted, sdk.AssistantMessage(m.Content))
				continue
			}
			calls := make([]sdk.ChatCompletionMessageToolCallUnionParam, len(m.ToolCalls))
			for i, call := range m.ToolCalls {
				calls[i] = sdk.ChatCompletionMessageToolCallUnionParam{
					OfFunction: &sdk.ChatCompletionMessageFunctionToolCallParam{
						ID: call.ID,
						Function: sdk.ChatCompletionMessageFunctionToolCallFunctionParam{
							Name:      call.Name,
							Arguments: argumentsOrEmpty(call.ArgsDelta),
						},
					},
				}
			}
			assistant := sdk.ChatCompletionAssistantMessageParam{ToolCalls: calls}
			if m.Content != "" {
				assistant.Content = sdk.ChatCompletionAssistantMessageParamContentUnion{
					OfString: sdk.String(m.Content),
				}
			}
			converted = append(converted, sdk.ChatCompletionMessageParamUnion{OfAssistant: &assistant})

		case provider.RoleTool:
			converted = append(converted, sdk.ToolMessage(m.Content, m.ToolCallID))

		default:
			converted = append(converted, sdk.UserMessage(m.Content))
		}
	}

	return converted
}

// convertTools converts canonical tool schemas to OpenAI function tools.
func convertTools(schemas []provider.ToolSchema) []sdk.ChatCompletionToolUnionParam {
	converted := make([]sdk.ChatCompletionToolUnionParam, len(schemas))
	for i, s := range schemas {
		params := sdk.FunctionParameters{}
		for k, v := range s.InputSchema {
			params[k] = v
		}
		if len(s.Required) > 0 {
			params["required"] = s.Required
		}

		converted[i] = sdk.ChatCompletionFunctionTool(sdk.FunctionDefinitionParam{
			Name:        s.Name,
			Description: sdk.String(s.Description),
			Parameters:  params,
		})
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
