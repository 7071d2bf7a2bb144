// ABOUTME: The Send/Cancel core: pre-auth, persistence, agent loop, settlement.
// ABOUTME: Tracks in-flight requests so cancellation can be delivered by request id.

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/seance-gateway/internal/accounting"
	"github.com/2389/seance-gateway/internal/conversation"
	"github.com/2389/seance-gateway/internal/orchestrator"
	"github.com/2389/seance-gateway/internal/provider"
	"github.com/2389/seance-gateway/internal/session"
	"github.com/2389/seance-gateway/internal/store"
	"github.com/2389/seance-gateway/internal/tools"
)

// Gateway errors surfaced to transports.
var (
	// ErrConversationNotFound means the conversation id resolves to nothing.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrUnknownProvider means the conversation snapshot names a provider
	// no adapter is configured for.
	ErrUnknownProvider = errors.New("no adapter configured for provider")

	// ErrEmptyContent rejects a send with no message body.
	ErrEmptyContent = errors.New("message content is required")

	// ErrRequestNotFound means the request id is not currently in flight.
	ErrRequestNotFound = errors.New("no active request with that id")

	// ErrUnknownTool rejects a conversation snapshot naming a tool the
	// catalog does not serve.
	ErrUnknownTool = errors.New("unknown tool in snapshot")
)

// recorder retry parameters; final content is rewritten at finalize, so a
// lost intermediate write costs replay fidelity only.
const (
	recorderAttempts = 3
	recorderBackoff  = 100 * time.Millisecond
)

// settleTimeout bounds the detached settlement write after a request ends.
const settleTimeout = 5 * time.Second

// Options wires a Gateway. Store and Accountant are required; everything
// else has a usable zero value.
type Options struct {
	Store       store.Store
	Accountant  *accounting.Accountant
	Adapters    map[string]provider.Adapter
	Broadcaster *conversation.EventBroadcaster

	// Executor/Catalog serve tool calls. Nil means no tools.
	Executor tools.Executor
	Catalog  tools.Catalog

	Limits orchestrator.Limits
	Runner tools.RunnerOptions

	// DefaultBalance is the opening balance for accounts created
	// without an explicit one.
	DefaultBalance int64

	// Retry bounds provider open retries. Zero picks the default policy.
	Retry provider.RetryPolicy

	// RetrySleep is swapped out by tests to observe backoff delays.
	RetrySleep provider.Sleeper

	// EventBuffer / StallTimeout tune the per-request sink.
	EventBuffer  int
	StallTimeout time.Duration

	Logger *slog.Logger
}

// Gateway runs generation requests end to end. Safe for concurrent use.
type Gateway struct {
	store       store.Store
	accountant  *accounting.Accountant
	adapters    map[string]provider.Adapter
	broadcaster *conversation.EventBroadcaster
	exec        tools.Executor
	catalog     tools.Catalog
	limits      orchestrator.Limits
	runnerOpts  tools.RunnerOptions
	retry       provider.RetryPolicy
	retrySleep  provider.Sleeper
	eventBuffer int
	stall       time.Duration

	defaultBalance int64

	logger *slog.Logger

	baseCtx  context.Context
	shutdown context.CancelFunc
	wg       sync.WaitGroup

	mu     sync.Mutex
	active map[string]*Handle
}

// New builds a Gateway from options.
func New(opts Options) (*Gateway, error) {
	if opts.Store == nil {
		return nil, errors.New("gateway requires a store")
	}
	if opts.Accountant == nil {
		return nil, errors.New("gateway requires an accountant")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = provider.DefaultRetryPolicy()
	}
	exec, catalog := opts.Executor, opts.Catalog
	if exec == nil {
		reg := tools.NewRegistry()
		exec = reg
		if catalog == nil {
			catalog = reg
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		store:       opts.Store,
		accountant:  opts.Accountant,
		adapters:    opts.Adapters,
		broadcaster: opts.Broadcaster,
		exec:        exec,
		catalog:     catalog,
		limits:      opts.Limits,
		runnerOpts:  opts.Runner,
		retry:       opts.Retry,
		retrySleep:  opts.RetrySleep,
		eventBuffer: opts.EventBuffer,
		stall:       opts.StallTimeout,

		defaultBalance: opts.DefaultBalance,

		logger:   logger.With("component", "gateway"),
		baseCtx:  ctx,
		shutdown: cancel,
		active:   make(map[string]*Handle),
	}, nil
}

// CreateAccount creates a billable account with an opening balance.
// A zero balance falls back to the configured default.
func (g *Gateway) CreateAccount(ctx context.Context, id string, balance int64) (*store.Account, error) {
	if id == "" {
		id = uuid.New().String()
	}
	if balance == 0 {
		balance = g.defaultBalance
	}
	now := time.Now()
	account := &store.Account{ID: id, Balance: balance, CreatedAt: now, UpdatedAt: now}
	if err := g.store.CreateAccount(ctx, account); err != nil {
		return nil, fmt.Errorf("creating account: %w", err)
	}
	return account, nil
}

// CreateConversation validates a snapshot and persists a new conversation.
// The snapshot is the closed set of options a turn runs under: provider,
// model, authorized tools, and the completion token ceiling.
func (g *Gateway) CreateConversation(ctx context.Context, accountID string, snap conversation.Snapshot) (*conversation.Conversation, error) {
	if _, ok := g.adapters[snap.ProviderID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, snap.ProviderID)
	}
	if _, err := g.store.GetAccount(ctx, accountID); err != nil {
		return nil, fmt.Errorf("looking up account %s: %w", accountID, err)
	}
	for _, name := range snap.ToolNames {
		if !g.catalogServes(name) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
		}
	}

	now := time.Now()
	conv := &conversation.Conversation{
		ID:        uuid.New().String(),
		AccountID: accountID,
		Snapshot:  snap,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := g.store.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}
	return conv, nil
}

func (g *Gateway) catalogServes(name string) bool {
	for _, s := range g.catalog.Schemas() {
		if s.Name == name {
			return true
		}
	}
	return false
}

// SendRequest is one user turn addressed to a conversation.
type SendRequest struct {
	ConversationID string
	Content        string
}

// Send runs one generation request. It persists the user message, holds a
// balance reservation for the estimated cost, and starts the agent loop.
// It returns once the request is admitted; streaming happens through the
// returned Handle. A pre-authorization failure rejects the request before
// any provider call and surfaces the accountant's typed error.
func (g *Gateway) Send(ctx context.Context, req *SendRequest) (*Handle, error) {
	if req.Content == "" {
		return nil, ErrEmptyContent
	}

	conv, err := g.store.GetConversation(ctx, req.ConversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, req.ConversationID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}

	adapter, ok := g.adapters[conv.Snapshot.ProviderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, conv.Snapshot.ProviderID)
	}

	history, parentID, err := g.rebuildHistory(ctx, conv.ID)
	if err != nil {
		return nil, err
	}

	userMsg, err := g.persistUserMessage(ctx, conv.ID, parentID, req.Content)
	if err != nil {
		return nil, err
	}
	history = append(history, provider.Message{Role: provider.RoleUser, Content: req.Content})

	assistant := conversation.NewPending(uuid.New().String(), conv.ID, userMsg.ID, provider.RoleAssistant)
	if err := g.store.CreatePendingMessage(ctx, assistant); err != nil {
		return nil, fmt.Errorf("creating pending message: %w", err)
	}

	requestID := uuid.New().String()
	estimate := g.accountant.EstimateTokens(&provider.Request{
		Model:    conv.Snapshot.Model,
		Messages: history,
		Tools:    g.allowedSchemas(conv.Snapshot),
	})
	res, err := g.accountant.PreAuthorize(ctx, conv.AccountID, estimate)
	if err != nil {
		g.rejectRequest(ctx, conv, assistant, requestID)
		return nil, fmt.Errorf("pre-authorizing request: %w", err)
	}

	ctrl := session.NewController(g.baseCtx)
	sink := session.NewSink(g.eventBuffer, g.stall)
	h := newHandle(requestID, conv.ID, assistant.ID, ctrl)

	warn := func(w conversation.DurabilityWarning) {
		ev := &conversation.Event{
			Kind:           conversation.EventWarning,
			ConversationID: conv.ID,
			MessageID:      w.MessageID,
			Reason:         fmt.Sprintf("durability loss on %s: %v", w.Op, w.Err),
		}
		sink.Send(ctrl, ev)
	}
	rec := conversation.NewReliableRecorder(g.store, recorderAttempts, recorderBackoff, warn, g.logger)
	runner := tools.NewRunner(g.exec, conv.Snapshot, g.runnerOpts, g.logger)
	retrier := provider.NewRetrier(adapter, g.retry, g.logger, g.retrySleep)
	orch := orchestrator.New(retrier, runner, g.catalog, rec, sink, ctrl, g.accountant, g.limits, g.logger)

	g.register(h)
	g.wg.Add(2)
	go g.pump(conv.ID, sink, h)
	go g.run(h, orch, &orchestrator.Request{
		Conversation: conv,
		Message:      assistant,
		History:      history,
	}, res, conv, sink)

	g.logger.Info("request admitted",
		"request_id", requestID,
		"conversation_id", conv.ID,
		"message_id", assistant.ID,
		"reserved", res.Reserved,
	)
	return h, nil
}

// Cancel delivers the stop signal to an in-flight request.
func (g *Gateway) Cancel(requestID, reason string) error {
	g.mu.Lock()
	h, ok := g.active[requestID]
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrRequestNotFound, requestID)
	}
	h.Cancel(reason)
	return nil
}

// ActiveRequests returns the number of requests currently in flight.
func (g *Gateway) ActiveRequests() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.active)
}

// Providers lists the configured provider ids.
func (g *Gateway) Providers() []string {
	ids := make([]string, 0, len(g.adapters))
	for id := range g.adapters {
		ids = append(ids, id)
	}
	return ids
}

// Close cancels every in-flight request and waits for them to settle.
func (g *Gateway) Close() {
	g.shutdown()
	g.wg.Wait()
}

// rebuildHistory replays the persisted message chain as provider history.
// Completed turns collapse to their text: tool-role intermediates and
// non-terminal messages are not resent.
func (g *Gateway) rebuildHistory(ctx context.Context, conversationID string) ([]provider.Message, string, error) {
	msgs, err := g.store.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, "", fmt.Errorf("listing messages: %w", err)
	}

	var history []provider.Message
	parentID := ""
	for _, m := range msgs {
		parentID = m.ID
		if m.Status != conversation.StatusComplete || m.Content == "" {
			continue
		}
		switch m.Role {
		case provider.RoleUser, provider.RoleAssistant:
			history = append(history, provider.Message{Role: m.Role, Content: m.Content})
		}
	}
	return history, parentID, nil
}

// persistUserMessage writes the user's turn as an immediately complete
// message in the reply chain.
func (g *Gateway) persistUserMessage(ctx context.Context, conversationID, parentID, content string) (*conversation.Message, error) {
	msg := conversation.NewPending(uuid.New().String(), conversationID, parentID, provider.RoleUser)
	if err := g.store.CreatePendingMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("persisting user message: %w", err)
	}
	if err := g.store.Finalize(ctx, msg.ID, conversation.StatusComplete, content, 0, 0, false); err != nil {
		return nil, fmt.Errorf("finalizing user message: %w", err)
	}
	msg.Content = content
	msg.Status = conversation.StatusComplete
	return msg, nil
}

// rejectRequest finalizes the assistant message as errored before any
// provider call and records zero usage for the rejected request.
func (g *Gateway) rejectRequest(ctx context.Context, conv *conversation.Conversation, assistant *conversation.Message, requestID string) {
	if err := g.store.Finalize(ctx, assistant.ID, conversation.StatusErrored, "", 0, 0, false); err != nil {
		g.logger.Error("finalizing rejected message", "message_id", assistant.ID, "error", err)
	}
	rec := &store.UsageRecord{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		MessageID:      assistant.ID,
		RequestID:      requestID,
		ProviderID:     conv.Snapshot.ProviderID,
		Model:          conv.Snapshot.Model,
		CreatedAt:      time.Now(),
	}
	if err := g.store.SaveUsage(ctx, rec); err != nil {
		g.logger.Error("recording rejected usage", "request_id", requestID, "error", err)
	}
}

func (g *Gateway) allowedSchemas(snap conversation.Snapshot) []provider.ToolSchema {
	var schemas []provider.ToolSchema
	for _, s := range g.catalog.Schemas() {
		if snap.Allows(s.Name) {
			schemas = append(schemas, s)
		}
	}
	return schemas
}

// pump drains the request sink, publishing each event to conversation
// observers and delivering it to the handle. A released handle stops
// blocking delivery so the request can still wind down.
func (g *Gateway) pump(conversationID string, sink *session.Sink, h *Handle) {
	defer g.wg.Done()
	for ev := range sink.Events() {
		if g.broadcaster != nil {
			g.broadcaster.Publish(conversationID, ev, "")
		}
		select {
		case h.events <- ev:
		case <-h.released:
		}
	}
	close(h.events)
}

// run drives the agent loop to completion, then settles the reservation
// and records usage. Settlement uses a detached context so a cancelled
// request still pays for what it consumed.
func (g *Gateway) run(h *Handle, orch *orchestrator.Orchestrator, oreq *orchestrator.Request, res *accounting.Reservation, conv *conversation.Conversation, sink *session.Sink) {
	defer g.wg.Done()

	summary := orch.Run(oreq)
	sink.Close()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(g.baseCtx), settleTimeout)
	defer cancel()

	if summary.Usage.Total() == 0 {
		if err := g.accountant.Release(ctx, res); err != nil {
			g.logger.Error("releasing reservation", "request_id", h.RequestID, "error", err)
		}
	} else {
		settlement, err := g.accountant.Settle(ctx, res, summary.Usage)
		if err != nil {
			g.logger.Error("settling reservation", "request_id", h.RequestID, "error", err)
		} else if settlement.Overrun || settlement.Clamped {
			g.logger.Warn("settlement flagged",
				"request_id", h.RequestID,
				"settled", settlement.Settled,
				"overrun", settlement.Overrun,
				"clamped", settlement.Clamped,
			)
		}
		g.recordUsage(ctx, h, conv, summary)
	}

	g.unregister(h.RequestID)
	h.finish(summary)

	g.logger.Info("request finished",
		"request_id", h.RequestID,
		"status", summary.Status,
		"turns", summary.Turns,
		"prompt_tokens", summary.Usage.PromptTokens,
		"completion_tokens", summary.Usage.CompletionTokens,
		"truncated", summary.Truncated,
	)
}

func (g *Gateway) recordUsage(ctx context.Context, h *Handle, conv *conversation.Conversation, summary *orchestrator.Summary) {
	rec := &store.UsageRecord{
		ID:               uuid.New().String(),
		ConversationID:   conv.ID,
		RequestID:        h.RequestID,
		ProviderID:       conv.Snapshot.ProviderID,
		Model:            conv.Snapshot.Model,
		PromptTokens:     summary.Usage.PromptTokens,
		CompletionTokens: summary.Usage.CompletionTokens,
		CreatedAt:        time.Now(),
	}
	if err := g.store.SaveUsage(ctx, rec); err != nil {
		g.logger.Error("recording usage", "request_id", h.RequestID, "error", err)
		return
	}
	if err := g.store.LinkUsageToMessage(ctx, h.RequestID, h.MessageID); err != nil {
		g.logger.Error("linking usage to message", "request_id", h.RequestID, "error", err)
	}
}

func (g *Gateway) register(h *Handle) {
	g.mu.Lock()
	g.active[h.RequestID] = h
	g.mu.Unlock()
}

func (g *Gateway) unregister(requestID string) {
	g.mu.Lock()
	delete(g.active, requestID)
	g.mu.Unlock()
}
