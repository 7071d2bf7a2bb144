// ABOUTME: Bounded event bridge between sessions and the client transport.
// ABOUTME: Blocks on a full buffer, then cancels instead of growing without bound.

package session

import (
	"time"

	"github.com/2389/seance-gateway/internal/conversation"
)

const (
	// DefaultEventBuffer is the sink's channel capacity.
	DefaultEventBuffer = 32

	// DefaultStallTimeout is how long a send blocks on a full buffer
	// before the request is cancelled as a stalled consumer.
	DefaultStallTimeout = 10 * time.Second
)

// Sink carries ordered events from a request's sessions to the transport.
// One Sink spans all turns of a request; Close ends the client stream.
type Sink struct {
	ch    chan *conversation.Event
	stall time.Duration
}

// NewSink allocates a sink. Zero values pick the defaults.
func NewSink(buffer int, stall time.Duration) *Sink {
	if buffer <= 0 {
		buffer = DefaultEventBuffer
	}
	if stall <= 0 {
		stall = DefaultStallTimeout
	}
	return &Sink{
		ch:    make(chan *conversation.Event, buffer),
		stall: stall,
	}
}

// Events is the receive side consumed by the transport.
func (s *Sink) Events() <-chan *conversation.Event {
	return s.ch
}

// Close ends the event stream. Callers must not Send afterwards.
func (s *Sink) Close() {
	close(s.ch)
}

// SendFinal delivers a terminal event regardless of cancellation state,
// so a cancelled request still ends its client stream with exactly one
// terminal event. It gives up after the stall timeout.
func (s *Sink) SendFinal(ev *conversation.Event) bool {
	select {
	case s.ch <- ev:
		return true
	default:
	}
	timer := time.NewTimer(s.stall)
	defer timer.Stop()
	select {
	case s.ch <- ev:
		return true
	case <-timer.C:
		return false
	}
}

// Send forwards one event in order. It blocks while the buffer is full,
// up to the stall timeout; past that it fires the controller and reports
// false. A fired controller also aborts the send, so a cancelled request
// never queues further events.
func (s *Sink) Send(ctrl *Controller, ev *conversation.Event) bool {
	if ctrl.Cancelled() {
		return false
	}
	select {
	case s.ch <- ev:
		return true
	default:
	}

	timer := time.NewTimer(s.stall)
	defer timer.Stop()
	select {
	case s.ch <- ev:
		return true
	case <-ctrl.Done():
		return false
	case <-timer.C:
		ctrl.Cancel("client stopped consuming events")
		return false
	}
}
