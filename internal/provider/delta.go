// ABOUTME: Canonical Delta event types emitted by provider adapters.
// ABOUTME: All vendor-specific streaming output is normalized into these events.

package provider

// DeltaKind identifies the type of a canonical streaming event.
type DeltaKind int

const (
	DeltaText     DeltaKind = iota // text fragment
	DeltaToolCall                  // partial or complete tool call
	DeltaUsage                     // token counts
	DeltaDone                      // terminal: normal completion
	DeltaError                     // terminal: failure
)

// String returns the wire name of the delta kind.
func (k DeltaKind) String() string {
	switch k {
	case DeltaText:
		return "text"
	case DeltaToolCall:
		return "tool_call"
	case DeltaUsage:
		return "usage"
	case DeltaDone:
		return "done"
	case DeltaError:
		return "error"
	default:
		return "unknown"
	}
}

// Delta is one incremental unit of generation output. Exactly one of the
// payload fields is set, matching Kind.
type Delta struct {
	Kind DeltaKind

	Text     string         // DeltaText
	ToolCall *ToolCallChunk // DeltaToolCall
	Usage    *Usage         // DeltaUsage
	Done     *Done          // DeltaDone
	Err      *Error         // DeltaError
}

// Terminal reports whether the delta ends the stream.
func (d Delta) Terminal() bool {
	return d.Kind == DeltaDone || d.Kind == DeltaError
}

// ToolCallChunk is an incremental piece of a structured tool call. Vendors
// stream tool calls differently: some emit the name first and arguments as
// JSON fragments, others emit the whole call at once. ID and Name are set
// on the first chunk for a given call; ArgsDelta carries argument JSON
// fragments that concatenate into the full arguments object.
type ToolCallChunk struct {
	ID        string
	Name      string
	ArgsDelta string
}

// Usage carries token counts reported by the vendor. A stream emits at most
// one Usage delta, before its terminal event.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
}

// Total returns the combined token count.
func (u Usage) Total() int64 {
	return u.PromptTokens + u.CompletionTokens
}

// StopReason indicates why the model stopped generating.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
)

// Done is the payload of a normal terminal delta.
type Done struct {
	StopReason StopReason
}
