// ABOUTME: The bounded agent loop: generate, execute tools, regenerate, finalize.
// ABOUTME: Owns terminal-event emission and message finalization for a request.

package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/seance-gateway/internal/conversation"
	"github.com/2389/seance-gateway/internal/provider"
	"github.com/2389/seance-gateway/internal/session"
	"github.com/2389/seance-gateway/internal/tools"
)

const (
	// DefaultMaxTurns bounds the loop even when every turn requests tools.
	DefaultMaxTurns = 8

	// DefaultMaxWallClock bounds one request end to end.
	DefaultMaxWallClock = 5 * time.Minute

	// DefaultCallTimeout bounds a single provider call attempt, so a
	// stream that opens and then goes silent cannot outlive the turn.
	DefaultCallTimeout = 2 * time.Minute
)

// Limits bound one request. Zero values pick the defaults; there is no
// way to configure an unbounded loop.
type Limits struct {
	MaxTurns     int
	MaxWallClock time.Duration
	CallTimeout  time.Duration
}

func (l Limits) withDefaults() Limits {
	if l.MaxTurns <= 0 {
		l.MaxTurns = DefaultMaxTurns
	}
	if l.MaxWallClock <= 0 {
		l.MaxWallClock = DefaultMaxWallClock
	}
	if l.CallTimeout <= 0 {
		l.CallTimeout = DefaultCallTimeout
	}
	return l
}

// Request is one generation request: the conversation it belongs to, the
// pending assistant message to fill, and the prior history to send.
type Request struct {
	Conversation *conversation.Conversation
	Message      *conversation.Message
	History      []provider.Message
}

// Summary is what the loop hands back for settlement and bookkeeping.
type Summary struct {
	Status       conversation.Status
	Truncated    bool
	Turns        int
	Usage        provider.Usage
	Err          error
	CancelReason string
}

// Orchestrator runs the agent loop for one request and is not reused.
type Orchestrator struct {
	adapter provider.Adapter
	runner  *tools.Runner
	catalog tools.Catalog
	rec     conversation.Recorder
	sink    *session.Sink
	ctrl    *session.Controller
	hardCap session.HardCap
	limits  Limits
	logger  *slog.Logger
}

// New wires an orchestrator. catalog may be nil when the conversation has
// no tools; rec may be nil to skip persistence; hardCap is the
// accountant's cap policy and may be nil.
func New(adapter provider.Adapter, runner *tools.Runner, catalog tools.Catalog, rec conversation.Recorder, sink *session.Sink, ctrl *session.Controller, hardCap session.HardCap, limits Limits, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		adapter: adapter,
		runner:  runner,
		catalog: catalog,
		rec:     rec,
		sink:    sink,
		ctrl:    ctrl,
		hardCap: hardCap,
		limits:  limits.withDefaults(),
		logger:  logger.With("component", "orchestrator"),
	}
}

// Run drives the loop to a terminal state. It always finalizes the
// message and always emits exactly one terminal event.
func (o *Orchestrator) Run(req *Request) *Summary {
	started := time.Now()
	wallDeadline := started.Add(o.limits.MaxWallClock)
	sum := &Summary{}
	history := append([]provider.Message(nil), req.History...)
	schemas := o.allowedSchemas(req.Conversation.Snapshot)

	for {
		if sum.Turns >= o.limits.MaxTurns || time.Since(started) >= o.limits.MaxWallClock {
			sum.Truncated = true
			o.finalizeDone(req, sum)
			return sum
		}
		sum.Turns++

		out, ok := o.generate(req, sum, history, schemas, wallDeadline)
		if !ok {
			return sum
		}

		invs := BuildInvocations(out.Chunks)
		if out.StopReason != provider.StopToolUse || len(invs) == 0 {
			o.finalizeDone(req, sum)
			return sum
		}

		history = append(history, provider.Message{
			Role:      provider.RoleAssistant,
			Content:   out.Text,
			ToolCalls: toChunks(invs),
		})

		results, ok := o.executeTools(req, sum, invs)
		if !ok {
			return sum
		}
		for _, res := range results {
			o.appendToolMessage(req, res)
			history = append(history, provider.Message{
				Role:       provider.RoleTool,
				Content:    res.Content,
				ToolCallID: res.CallID,
				ToolName:   res.Name,
				IsError:    res.IsError,
			})
		}
	}
}

// generate runs one stream session. Every provider call attempt carries a
// deadline derived from the call timeout and the remaining wall clock, so
// a provider that opens a stream and never emits cannot hang the turn. It
// reports false when the request reached a terminal state.
func (o *Orchestrator) generate(req *Request, sum *Summary, history []provider.Message, schemas []provider.ToolSchema, wallDeadline time.Time) (*session.Outcome, bool) {
	preq := &provider.Request{
		Model:     req.Conversation.Snapshot.Model,
		Messages:  history,
		Tools:     schemas,
		MaxTokens: req.Conversation.Snapshot.MaxTokens,
	}

	attemptDeadline := time.Now().Add(o.limits.CallTimeout)
	if attemptDeadline.After(wallDeadline) {
		attemptDeadline = wallDeadline
	}
	ctx, cancel := context.WithDeadline(o.ctrl.Context(), attemptDeadline)
	defer cancel()

	stream, err := o.adapter.Open(ctx, preq)
	if err != nil {
		if o.ctrl.Cancelled() || errors.Is(err, context.Canceled) {
			o.finalizeCancelled(req, sum)
			return nil, false
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = provider.NewError(provider.ErrTransient, "provider call exceeded its deadline")
		}
		o.finalizeErrored(req, sum, asProviderError(err))
		return nil, false
	}

	sess := session.New(req.Message, o.rec, o.sink, o.ctrl, session.Options{
		HardCap: o.hardCap,
	}, o.logger)
	out := sess.Run(ctx, stream)

	sum.Usage.PromptTokens += out.Usage.PromptTokens
	sum.Usage.CompletionTokens += out.Usage.CompletionTokens

	switch out.Status {
	case conversation.StatusCancelled:
		sum.CancelReason = out.CancelReason
		o.finalizeCancelled(req, sum)
		return nil, false
	case conversation.StatusErrored:
		o.finalizeErrored(req, sum, out.Err)
		return nil, false
	}
	return out, true
}

// executeTools runs one turn's calls in parallel and persists their
// lifecycle. It reports false when a fatal tool failure or cancellation
// ended the request.
func (o *Orchestrator) executeTools(req *Request, sum *Summary, invs []tools.Invocation) ([]tools.Result, bool) {
	for _, inv := range invs {
		o.saveToolCall(req, inv, "", conversation.ToolCallRequested)
		o.emitToolState(req, inv.ID, inv.Name, conversation.ToolCallRequested, "")
	}
	for _, inv := range invs {
		o.emitToolState(req, inv.ID, inv.Name, conversation.ToolCallRunning, "")
	}

	results, err := o.runner.InvokeAll(o.ctrl.Context(), invs)
	if err != nil {
		// Calls that finished before the batch aborted keep their real
		// outcome; only the fatal call and its cancelled siblings fail.
		for i, inv := range invs {
			if i < len(results) && results[i].CallID != "" {
				status := conversation.ToolCallSucceeded
				if results[i].IsError {
					status = conversation.ToolCallFailed
				}
				o.saveToolCall(req, inv, results[i].Content, status)
				continue
			}
			o.saveToolCall(req, inv, "", conversation.ToolCallFailed)
		}
		if o.ctrl.Cancelled() || errors.Is(err, context.Canceled) {
			o.finalizeCancelled(req, sum)
			return nil, false
		}
		o.finalizeToolError(req, sum, err)
		return nil, false
	}

	for i, res := range results {
		status := conversation.ToolCallSucceeded
		if res.IsError {
			status = conversation.ToolCallFailed
		}
		o.saveToolCall(req, invs[i], res.Content, status)
		o.emitToolState(req, res.CallID, res.Name, status, res.Content)
	}
	return results, true
}

// appendToolMessage persists one tool result as an intermediate message in
// the conversation's reply chain.
func (o *Orchestrator) appendToolMessage(req *Request, res tools.Result) {
	if o.rec == nil {
		return
	}
	toolMsg := conversation.NewPending(uuid.New().String(), req.Conversation.ID, req.Message.ID, provider.RoleTool)
	ctx := o.ctrl.Context()
	if err := o.rec.CreatePendingMessage(ctx, toolMsg); err != nil {
		o.logger.Warn("persist tool message", "error", err)
		return
	}
	if err := o.rec.Finalize(ctx, toolMsg.ID, conversation.StatusComplete, res.Content, 0, 0, false); err != nil {
		o.logger.Warn("finalize tool message", "error", err)
	}
}

func (o *Orchestrator) saveToolCall(req *Request, inv tools.Invocation, result string, status conversation.ToolCallStatus) {
	if o.rec == nil {
		return
	}
	call := &conversation.ToolCall{
		ID:        inv.ID,
		MessageID: req.Message.ID,
		Name:      inv.Name,
		Arguments: inv.Arguments,
		Result:    result,
		Status:    status,
		CreatedAt: time.Now(),
	}
	if err := o.rec.SaveToolCall(o.ctrl.Context(), call); err != nil {
		o.logger.Warn("persist tool call", "call_id", inv.ID, "error", err)
	}
}

func (o *Orchestrator) emitToolState(req *Request, callID, name string, status conversation.ToolCallStatus, output string) {
	o.sink.Send(o.ctrl, &conversation.Event{
		Kind:           conversation.EventToolState,
		ConversationID: req.Conversation.ID,
		MessageID:      req.Message.ID,
		ToolCallID:     callID,
		ToolName:       name,
		ToolStatus:     status,
		ToolOutput:     output,
	})
}

func (o *Orchestrator) allowedSchemas(snap conversation.Snapshot) []provider.ToolSchema {
	if o.catalog == nil {
		return nil
	}
	var schemas []provider.ToolSchema
	for _, s := range o.catalog.Schemas() {
		if snap.Allows(s.Name) {
			schemas = append(schemas, s)
		}
	}
	return schemas
}

func (o *Orchestrator) finalizeDone(req *Request, sum *Summary) {
	sum.Status = conversation.StatusComplete
	o.commit(req, sum, conversation.StatusComplete)
	o.sink.SendFinal(&conversation.Event{
		Kind:           conversation.EventDone,
		ConversationID: req.Conversation.ID,
		MessageID:      req.Message.ID,
		Truncated:      sum.Truncated,
	})
}

func (o *Orchestrator) finalizeCancelled(req *Request, sum *Summary) {
	sum.Status = conversation.StatusCancelled
	if sum.CancelReason == "" {
		sum.CancelReason = o.ctrl.Reason()
	}
	sum.Err = &session.CancelledError{Reason: sum.CancelReason}
	o.commit(req, sum, conversation.StatusCancelled)
	o.sink.SendFinal(&conversation.Event{
		Kind:           conversation.EventCancelled,
		ConversationID: req.Conversation.ID,
		MessageID:      req.Message.ID,
		Reason:         sum.CancelReason,
	})
}

func (o *Orchestrator) finalizeErrored(req *Request, sum *Summary, perr *provider.Error) {
	if perr == nil {
		perr = provider.NewError(provider.ErrTransient, "stream failed")
	}
	sum.Status = conversation.StatusErrored
	sum.Err = perr
	o.commit(req, sum, conversation.StatusErrored)
	o.sink.SendFinal(&conversation.Event{
		Kind:           conversation.EventError,
		ConversationID: req.Conversation.ID,
		MessageID:      req.Message.ID,
		ErrorKind:      string(perr.Kind),
		ErrorMessage:   perr.Message,
		Retryable:      perr.Retryable(),
	})
}

func (o *Orchestrator) finalizeToolError(req *Request, sum *Summary, err error) {
	sum.Status = conversation.StatusErrored
	sum.Err = err
	o.commit(req, sum, conversation.StatusErrored)

	kind, msg := "execution_failure", err.Error()
	var terr *tools.Error
	if errors.As(err, &terr) {
		kind, msg = string(terr.Kind), terr.Message
	}
	o.sink.SendFinal(&conversation.Event{
		Kind:           conversation.EventError,
		ConversationID: req.Conversation.ID,
		MessageID:      req.Message.ID,
		ErrorKind:      kind,
		ErrorMessage:   msg,
	})
}

// commit moves the message to its terminal state in memory and in the
// store. No failure may leave the message pending or streaming.
func (o *Orchestrator) commit(req *Request, sum *Summary, status conversation.Status) {
	msg := req.Message
	msg.PromptTokens = sum.Usage.PromptTokens
	msg.CompletionTokens = sum.Usage.CompletionTokens
	msg.Truncated = sum.Truncated
	if err := msg.Finalize(status); err != nil {
		o.logger.Warn("message finalize", "message_id", msg.ID, "error", err)
	}
	if o.rec == nil {
		return
	}
	if err := o.rec.Finalize(o.ctrl.Context(), msg.ID, status, msg.Content, sum.Usage.PromptTokens, sum.Usage.CompletionTokens, sum.Truncated); err != nil {
		o.logger.Error("message persist finalize", "message_id", msg.ID, "error", err)
	}
}

func asProviderError(err error) *provider.Error {
	var perr *provider.Error
	if errors.As(err, &perr) {
		return perr
	}
	return provider.NewError(provider.ErrTransient, "%v", err)
}
