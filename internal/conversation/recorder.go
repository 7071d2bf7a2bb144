// ABOUTME: Persistence contract for message durability plus a retrying wrapper.
// ABOUTME: Persistence failures back off and surface as warnings, never as stream failures.

package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Recorder is the append-then-finalize persistence contract the core
// consumes. Implementations own schema and indexing; all three operations
// are expected to be idempotent for a given message ID.
type Recorder interface {
	CreatePendingMessage(ctx context.Context, msg *Message) error
	AppendContent(ctx context.Context, messageID, content string) error
	Finalize(ctx context.Context, messageID string, status Status, content string, promptTokens, completionTokens int64, truncated bool) error
	SaveToolCall(ctx context.Context, call *ToolCall) error
}

// DurabilityWarning describes a persistence write that was abandoned after
// retries. Streaming to the client still completes; the loss is surfaced.
type DurabilityWarning struct {
	MessageID string
	Op        string
	Err       error
}

// ReliableRecorder wraps a Recorder with bounded retries. When an
// operation still fails after the last attempt the failure is reported
// through the warn callback and swallowed, so a flaky store never tears
// down a live stream.
type ReliableRecorder struct {
	inner    Recorder
	attempts int
	backoff  time.Duration
	warn     func(DurabilityWarning)
	logger   *slog.Logger
}

// NewReliableRecorder wraps inner with retry-then-warn semantics. warn may
// be nil when the caller only wants logging.
func NewReliableRecorder(inner Recorder, attempts int, backoff time.Duration, warn func(DurabilityWarning), logger *slog.Logger) *ReliableRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	if attempts < 1 {
		attempts = 1
	}
	return &ReliableRecorder{
		inner:    inner,
		attempts: attempts,
		backoff:  backoff,
		warn:     warn,
		logger:   logger.With("component", "recorder"),
	}
}

func (r *ReliableRecorder) retry(ctx context.Context, messageID, op string, fn func(context.Context) error) error {
	delay := r.backoff
	var err error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			break
		}
		if attempt < r.attempts {
			r.logger.Warn("persistence write failed, retrying",
				"op", op,
				"message_id", messageID,
				"attempt", attempt,
				"error", err,
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
			}
			delay *= 2
		}
	}

	r.logger.Error("persistence write abandoned",
		"op", op,
		"message_id", messageID,
		"error", err,
	)
	if r.warn != nil {
		r.warn(DurabilityWarning{MessageID: messageID, Op: op, Err: err})
	}
	return fmt.Errorf("persistence %s for message %s: %w", op, messageID, err)
}

// CreatePendingMessage implements Recorder with retries.
func (r *ReliableRecorder) CreatePendingMessage(ctx context.Context, msg *Message) error {
	return r.retry(ctx, msg.ID, "create", func(ctx context.Context) error {
		return r.inner.CreatePendingMessage(ctx, msg)
	})
}

// AppendContent implements Recorder with retries.
func (r *ReliableRecorder) AppendContent(ctx context.Context, messageID, content string) error {
	return r.retry(ctx, messageID, "append", func(ctx context.Context) error {
		return r.inner.AppendContent(ctx, messageID, content)
	})
}

// Finalize implements Recorder with retries. It uses a detached timeout
// context so a cancelled request still gets its terminal state persisted.
func (r *ReliableRecorder) Finalize(ctx context.Context, messageID string, status Status, content string, promptTokens, completionTokens int64, truncated bool) error {
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return r.retry(saveCtx, messageID, "finalize", func(ctx context.Context) error {
		return r.inner.Finalize(ctx, messageID, status, content, promptTokens, completionTokens, truncated)
	})
}

// SaveToolCall implements Recorder with retries.
func (r *ReliableRecorder) SaveToolCall(ctx context.Context, call *ToolCall) error {
	return r.retry(ctx, call.MessageID, "tool_call", func(ctx context.Context) error {
		return r.inner.SaveToolCall(ctx, call)
	})
}

// Ensure ReliableRecorder satisfies the Recorder contract.
var _ Recorder = (*ReliableRecorder)(nil)
