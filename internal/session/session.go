// ABOUTME: Per-turn stream session binding a provider stream to the event sink.
// ABOUTME: Forwards deltas in order, accumulates text, and owns the message buffer.

package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/2389/seance-gateway/internal/accounting"
	"github.com/2389/seance-gateway/internal/conversation"
	"github.com/2389/seance-gateway/internal/provider"
)

// defaultFlushBytes is how much accumulated text triggers an intermediate
// persistence write. The final content is always written at finalize, so a
// lost flush costs replay fidelity, not correctness.
const defaultFlushBytes = 256

// HardCap is the accounting hook deciding when a running completion
// estimate must stop a live stream.
type HardCap interface {
	HardCapExceeded(runningCompletionTokens int64) bool
}

// Options tune one session. The zero value is usable.
type Options struct {
	// HardCap cancels the stream once the estimated completion token
	// count crosses the accountant's threshold. Nil disables the cap.
	HardCap HardCap

	// FlushBytes is the intermediate persistence granularity.
	FlushBytes int
}

// Outcome is what a finished session hands back to the orchestrator.
// Exactly one of the terminal statuses is set; Text is the full
// accumulated content, which on cancellation equals the forwarded prefix.
type Outcome struct {
	Status       conversation.Status
	StopReason   provider.StopReason
	Text         string
	Chunks       []provider.ToolCallChunk
	Usage        provider.Usage
	UsageSeen    bool
	Err          *provider.Error
	CancelReason string
}

// Session runs one generation turn. It is the single writer of its
// message buffer and must not be reused across turns.
type Session struct {
	msg    *conversation.Message
	rec    conversation.Recorder
	sink   *Sink
	ctrl   *Controller
	opts   Options
	logger *slog.Logger
}

// New builds a session for one turn. rec may be nil when the caller does
// not want intermediate persistence.
func New(msg *conversation.Message, rec conversation.Recorder, sink *Sink, ctrl *Controller, opts Options, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.FlushBytes <= 0 {
		opts.FlushBytes = defaultFlushBytes
	}
	return &Session{
		msg:    msg,
		rec:    rec,
		sink:   sink,
		ctrl:   ctrl,
		opts:   opts,
		logger: logger.With("component", "session", "message_id", msg.ID),
	}
}

// Run consumes the stream until a terminal delta, an error, or
// cancellation. ctx carries the provider-call deadline; a stream that goes
// silent past it fails the turn with a transient provider error instead of
// hanging. The stream is closed on every exit path. Run never calls Recv
// again after observing a terminal delta, so downstream consumers see at
// most one terminal outcome even from a misbehaving adapter.
func (s *Session) Run(ctx context.Context, stream provider.Stream) *Outcome {
	defer func() {
		if err := stream.Close(); err != nil {
			s.logger.Debug("stream close", "error", err)
		}
	}()

	out := &Outcome{}
	var text strings.Builder
	unflushed := 0

	for {
		if s.ctrl.Cancelled() {
			return s.cancelled(out, &text, unflushed)
		}

		d, err := stream.Recv(ctx)
		if err != nil {
			if s.ctrl.Cancelled() || errors.Is(err, context.Canceled) {
				return s.cancelled(out, &text, unflushed)
			}
			if errors.Is(err, context.DeadlineExceeded) {
				err = provider.NewError(provider.ErrTransient, "provider stream exceeded the call deadline")
			}
			return s.failed(out, &text, unflushed, err)
		}

		switch d.Kind {
		case provider.DeltaText:
			s.markStreaming()
			// Forward first, append second: persisted content must be
			// exactly the prefix the client was sent.
			ok := s.sink.Send(s.ctrl, &conversation.Event{
				Kind:           conversation.EventDelta,
				ConversationID: s.msg.ConversationID,
				MessageID:      s.msg.ID,
				Text:           d.Text,
			})
			if !ok {
				return s.cancelled(out, &text, unflushed)
			}
			if err := s.appendText(&text, d.Text, &unflushed); err != nil {
				s.logger.Warn("append rejected", "error", err)
			}
			if s.opts.HardCap != nil && s.opts.HardCap.HardCapExceeded(accounting.EstimateText(text.String())) {
				s.ctrl.Cancel("completion token hard cap reached")
				return s.cancelled(out, &text, unflushed)
			}

		case provider.DeltaToolCall:
			s.markStreaming()
			out.Chunks = append(out.Chunks, *d.ToolCall)
			if !s.sink.Send(s.ctrl, &conversation.Event{
				Kind:           conversation.EventDelta,
				ConversationID: s.msg.ConversationID,
				MessageID:      s.msg.ID,
				ToolCall:       d.ToolCall,
			}) {
				return s.cancelled(out, &text, unflushed)
			}

		case provider.DeltaUsage:
			out.Usage = *d.Usage
			out.UsageSeen = true
			if !s.sink.Send(s.ctrl, &conversation.Event{
				Kind:           conversation.EventUsage,
				ConversationID: s.msg.ConversationID,
				MessageID:      s.msg.ID,
				Usage:          d.Usage,
			}) {
				return s.cancelled(out, &text, unflushed)
			}

		case provider.DeltaDone:
			s.flush(&text, unflushed)
			out.Status = conversation.StatusComplete
			out.Text = text.String()
			if d.Done != nil {
				out.StopReason = d.Done.StopReason
			}
			return out

		case provider.DeltaError:
			s.flush(&text, unflushed)
			out.Status = conversation.StatusErrored
			out.Text = text.String()
			out.Err = d.Err
			return out
		}
	}
}

// appendText appends a forwarded chunk to the message buffer and writes an
// intermediate persistence chunk once enough has accumulated.
func (s *Session) appendText(text *strings.Builder, chunk string, unflushed *int) error {
	if err := s.msg.Append(chunk); err != nil {
		return err
	}
	text.WriteString(chunk)
	*unflushed += len(chunk)
	if s.rec != nil && *unflushed >= s.opts.FlushBytes {
		flushed := text.String()
		pending := flushed[len(flushed)-*unflushed:]
		if err := s.rec.AppendContent(s.ctrl.Context(), s.msg.ID, pending); err != nil {
			s.logger.Warn("intermediate persist failed", "error", err)
		}
		*unflushed = 0
	}
	return nil
}

func (s *Session) markStreaming() {
	if s.msg.Status == conversation.StatusPending {
		if err := s.msg.MarkStreaming(); err != nil {
			s.logger.Warn("mark streaming", "error", err)
		}
	}
}

func (s *Session) flush(text *strings.Builder, unflushed int) {
	if s.rec == nil || unflushed == 0 {
		return
	}
	full := text.String()
	pending := full[len(full)-unflushed:]
	if err := s.rec.AppendContent(context.WithoutCancel(s.ctrl.Context()), s.msg.ID, pending); err != nil {
		s.logger.Warn("final persist flush failed", "error", err)
	}
}

func (s *Session) cancelled(out *Outcome, text *strings.Builder, unflushed int) *Outcome {
	s.flush(text, unflushed)
	out.Status = conversation.StatusCancelled
	out.Text = text.String()
	out.CancelReason = s.ctrl.Reason()
	return out
}

func (s *Session) failed(out *Outcome, text *strings.Builder, unflushed int, err error) *Outcome {
	s.flush(text, unflushed)
	out.Status = conversation.StatusErrored
	out.Text = text.String()
	classified := provider.Classify(err)
	var perr *provider.Error
	if errors.As(classified, &perr) {
		out.Err = perr
	} else {
		out.Err = provider.NewError(provider.ErrTransient, "%v", err)
	}
	return out
}
