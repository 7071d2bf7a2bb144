// Package provider defines the canonical streaming contract for upstream
// AI vendors.
//
// # Overview
//
// Every vendor API (Anthropic, OpenAI, test stubs) is wrapped by an Adapter
// that translates vendor-specific streaming output into canonical Delta
// events and vendor-specific failures into a small error taxonomy. The rest
// of the gateway never sees vendor types.
//
// # Adapter
//
// An Adapter opens one generation stream per call:
//
//	stream, err := adapter.Open(ctx, &provider.Request{
//	    Model:    "claude-sonnet-4-5",
//	    Messages: history,
//	    Tools:    toolSchemas,
//	})
//
// The returned Stream yields Deltas in emission order and terminates with
// exactly one terminal Delta (Done or Error). Close releases the underlying
// connection and is safe on every exit path, including early cancellation.
//
// # Deltas
//
// A Delta is one of:
//
//   - DeltaText: a text fragment
//   - DeltaToolCall: a partial or complete structured tool call
//   - DeltaUsage: prompt/completion token counts
//   - DeltaDone: normal end of stream
//   - DeltaError: abnormal end of stream, carrying an *Error
//
// # Error taxonomy
//
// Adapter failures are classified into ErrAuth (fatal), ErrRateLimited
// (retryable, honors vendor backoff hints), ErrTransient (retryable), and
// ErrContentPolicy (fatal, surfaced verbatim). Retry wraps an Open call
// with bounded exponential backoff for the retryable kinds.
package provider
