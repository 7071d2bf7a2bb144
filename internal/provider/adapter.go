// ABOUTME: Adapter and Stream contracts plus the request/message types they consume.
// ABOUTME: Includes the channel-backed pipe adapters use to pump deltas in order.

package provider

import (
	"context"
	"errors"
	"sync"
)

// ErrStreamClosed is returned by Recv after Close or after the terminal delta.
var ErrStreamClosed = errors.New("provider stream closed")

// Role identifies the author of a history message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of the ordered history sent to the vendor.
type Message struct {
	Role    Role
	Content string

	// ToolCalls carries the structured calls an assistant message made.
	ToolCalls []ToolCallChunk

	// ToolCallID links a tool-result message to the call it answers.
	ToolCallID string
	// ToolName is the tool that produced a tool-result message.
	ToolName string
	// IsError marks a tool-result message as a failure observation.
	IsError bool
}

// ToolSchema describes one tool offered to the model, vendor-neutral.
// InputSchema is a JSON Schema object body (properties, required, ...).
type ToolSchema struct {
	Name        string
	Description string
	InputSchema map[string]any
	Required    []string
}

// Request is a fully resolved generation request: model id, ordered message
// history, and the tool schemas the model may call.
type Request struct {
	Model     string
	Messages  []Message
	Tools     []ToolSchema
	MaxTokens int64
}

// Stream yields canonical deltas in vendor emission order. After the
// terminal delta (Done or Error) Recv returns ErrStreamClosed. Close aborts
// the underlying network call and releases its connection; it is safe to
// call multiple times and on every exit path.
type Stream interface {
	Recv(ctx context.Context) (Delta, error)
	Close() error
}

// Adapter wraps one upstream vendor API. Open performs the outbound call
// and returns the live stream, or a classified *Error when the request
// itself is rejected.
type Adapter interface {
	Open(ctx context.Context, req *Request) (Stream, error)
}

// pipe is the channel-backed Stream implementation shared by adapters. The
// adapter goroutine pushes deltas with send and must finish with exactly
// one terminal delta; pipe enforces single-terminal delivery on the read
// side regardless.
type pipe struct {
	ch     chan Delta
	done   chan struct{}
	once   sync.Once
	closed bool
	mu     sync.Mutex

	// release aborts the producing goroutine's network work.
	release context.CancelFunc
}

// NewPipe creates a Stream and the send half adapters pump into. The
// returned send function reports false once the stream is closed, at which
// point the producer must stop and release its resources.
func NewPipe(release context.CancelFunc) (Stream, func(Delta) bool) {
	p := &pipe{
		ch:      make(chan Delta, 16),
		done:    make(chan struct{}),
		release: release,
	}
	return p, p.send
}

func (p *pipe) send(d Delta) bool {
	select {
	case p.ch <- d:
		return true
	case <-p.done:
		return false
	}
}

// Recv returns the next delta in emission order. A terminal delta closes
// the stream; later calls return ErrStreamClosed.
func (p *pipe) Recv(ctx context.Context) (Delta, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return Delta{}, ErrStreamClosed
	}
	p.mu.Unlock()

	select {
	case <-ctx.Done():
		return Delta{}, ctx.Err()
	case d := <-p.ch:
		if d.Terminal() {
			_ = p.Close()
		}
		return d, nil
	case <-p.done:
		return Delta{}, ErrStreamClosed
	}
}

// Close aborts the producer and marks the stream closed.
func (p *pipe) Close() error {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		close(p.done)
		if p.release != nil {
			p.release()
		}
	})
	return nil
}
