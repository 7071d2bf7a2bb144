// ABOUTME: Per-request handle handed to the transport: events, cancel, summary.
// ABOUTME: Release lets a departed client unblock delivery without ending the request.

package gateway

import (
	"sync"

	"github.com/2389/seance-gateway/internal/conversation"
	"github.com/2389/seance-gateway/internal/orchestrator"
	"github.com/2389/seance-gateway/internal/session"
)

// Handle is the client side of one in-flight request. The transport reads
// Events until it closes, and may Cancel at any point. Release marks the
// consumer as gone so event delivery stops blocking on it; the request
// itself keeps running until cancelled or finished.
type Handle struct {
	RequestID      string
	ConversationID string
	MessageID      string

	ctrl     *session.Controller
	events   chan *conversation.Event
	released chan struct{}
	done     chan struct{}

	releaseOnce sync.Once

	mu      sync.Mutex
	summary *orchestrator.Summary
}

func newHandle(requestID, conversationID, messageID string, ctrl *session.Controller) *Handle {
	return &Handle{
		RequestID:      requestID,
		ConversationID: conversationID,
		MessageID:      messageID,
		ctrl:           ctrl,
		events:         make(chan *conversation.Event),
		released:       make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// Events is the ordered event stream for this request. It closes after
// the terminal event has been delivered and the request has wound down.
func (h *Handle) Events() <-chan *conversation.Event {
	return h.events
}

// Cancel fires the request's stop signal. The first reason wins; the
// stream still ends with exactly one terminal event.
func (h *Handle) Cancel(reason string) {
	h.ctrl.Cancel(reason)
}

// Release tells the gateway the consumer has stopped reading Events.
// Safe to call multiple times. Callers that abandon a stream must either
// Release or keep draining, otherwise delivery stalls until the sink's
// backpressure timeout cancels the request.
func (h *Handle) Release() {
	h.releaseOnce.Do(func() { close(h.released) })
}

// Done is closed once the request reached its terminal state and the
// ledger has been settled.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Summary returns the final summary, or nil while the request is running.
func (h *Handle) Summary() *orchestrator.Summary {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.summary
}

func (h *Handle) finish(sum *orchestrator.Summary) {
	h.mu.Lock()
	h.summary = sum
	h.mu.Unlock()
	close(h.done)
}
