// ABOUTME: Typed stream events delivered to the client-facing transport.
// ABOUTME: One ordered sequence per generation request, ending in done/error/cancelled.

package conversation

import (
	"github.com/2389/seance-gateway/internal/provider"
)

// EventKind identifies a client-visible stream event.
type EventKind string

const (
	EventDelta     EventKind = "delta"     // text or tool-call fragment
	EventToolState EventKind = "tool_state" // a tool call changed lifecycle state
	EventUsage     EventKind = "usage"
	EventDone      EventKind = "done"
	EventError     EventKind = "error"
	EventCancelled EventKind = "cancelled"
	EventWarning   EventKind = "warning" // durability loss, non-fatal
)

// Event is one entry of the ordered, typed stream a client observes for a
// generation request. Exactly one terminal event (done, error, or
// cancelled) ends each sequence.
type Event struct {
	Kind           EventKind
	ConversationID string
	MessageID      string

	// EventDelta
	Text     string
	ToolCall *provider.ToolCallChunk

	// EventToolState
	ToolCallID string
	ToolName   string
	ToolStatus ToolCallStatus
	ToolOutput string

	// EventUsage
	Usage *provider.Usage

	// EventDone
	Truncated bool

	// EventError
	ErrorKind    string
	ErrorMessage string
	Retryable    bool

	// EventCancelled / EventWarning
	Reason string
}

// Terminal reports whether the event ends the stream.
func (e *Event) Terminal() bool {
	return e.Kind == EventDone || e.Kind == EventError || e.Kind == EventCancelled
}
