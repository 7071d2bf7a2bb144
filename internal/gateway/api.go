// ABOUTME: HTTP API handlers exposing send/cancel via SSE and JSON.
// ABOUTME: Provides POST /api/send streaming plus account/conversation/usage endpoints.

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/2389/seance-gateway/internal/accounting"
	"github.com/2389/seance-gateway/internal/conversation"
	"github.com/2389/seance-gateway/internal/store"
)

// SendMessageRequest is the JSON request body for POST /api/send.
type SendMessageRequest struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
}

// CancelRequest is the JSON request body for POST /api/cancel.
type CancelRequest struct {
	RequestID string `json:"request_id"`
	Reason    string `json:"reason,omitempty"`
}

// CreateAccountRequest is the JSON request body for POST /api/accounts.
type CreateAccountRequest struct {
	ID      string `json:"id,omitempty"`
	Balance int64  `json:"balance"`
}

// CreateConversationRequest is the JSON request body for POST /api/conversations.
type CreateConversationRequest struct {
	AccountID  string   `json:"account_id"`
	ProviderID string   `json:"provider_id"`
	Model      string   `json:"model"`
	Tools      []string `json:"tools,omitempty"`
	MaxTokens  int64    `json:"max_tokens,omitempty"`
}

// ConversationResponse is the JSON shape for conversation metadata.
type ConversationResponse struct {
	ID         string   `json:"id"`
	AccountID  string   `json:"account_id"`
	ProviderID string   `json:"provider_id"`
	Model      string   `json:"model"`
	Tools      []string `json:"tools,omitempty"`
	MaxTokens  int64    `json:"max_tokens,omitempty"`
	CreatedAt  string   `json:"created_at"`
	UpdatedAt  string   `json:"updated_at"`
}

// ToolCallResponse is the JSON shape for one persisted tool call.
type ToolCallResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"`
	Result    string `json:"result,omitempty"`
	Status    string `json:"status"`
}

// MessageResponse is the JSON shape for one message in a conversation.
type MessageResponse struct {
	ID               string             `json:"id"`
	ParentID         string             `json:"parent_id,omitempty"`
	Role             string             `json:"role"`
	Content          string             `json:"content"`
	Status           string             `json:"status"`
	PromptTokens     int64              `json:"prompt_tokens,omitempty"`
	CompletionTokens int64              `json:"completion_tokens,omitempty"`
	Truncated        bool               `json:"truncated,omitempty"`
	ToolCalls        []ToolCallResponse `json:"tool_calls,omitempty"`
	CreatedAt        string             `json:"created_at"`
}

// ConversationMessagesResponse is the JSON response for
// GET /api/conversations/{id}/messages.
type ConversationMessagesResponse struct {
	ConversationID string            `json:"conversation_id"`
	Messages       []MessageResponse `json:"messages"`
}

// UsageStatsResponse is the JSON response for GET /api/stats/usage.
type UsageStatsResponse struct {
	TotalPrompt     int64 `json:"total_prompt_tokens"`
	TotalCompletion int64 `json:"total_completion_tokens"`
	TotalTokens     int64 `json:"total_tokens"`
	RequestCount    int64 `json:"request_count"`
}

// SSEEvent is one server-sent event: a name and a JSON payload.
type SSEEvent struct {
	Event string
	Data  any
}

// Handler builds the HTTP surface. Health endpoints carry no auth; the
// API endpoints trust the network, matching the deployment posture of a
// gateway that terminates its own tailnet.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/health/ready", g.handleReady)
	mux.HandleFunc("/api/accounts", g.handleAccounts)
	mux.HandleFunc("/api/conversations", g.handleConversations)
	mux.HandleFunc("/api/conversations/", g.handleConversationRoutes)
	mux.HandleFunc("/api/send", g.handleSend)
	mux.HandleFunc("/api/cancel", g.handleCancel)
	mux.HandleFunc("/api/stats/usage", g.handleUsageStats)
	return mux
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once at least one provider adapter is wired.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if len(g.adapters) == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no providers configured"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d providers)", len(g.adapters))
}

// handleSend handles POST /api/send. The response is an SSE stream: an
// initial "started" event carrying the request/message ids, then the
// request's ordered event sequence ending in done, error, or cancelled.
// A client disconnect cancels the request; already-delivered deltas are
// exactly what the finalized message contains.
func (g *Gateway) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ConversationID == "" || req.Content == "" {
		g.sendJSONError(w, http.StatusBadRequest, "conversation_id and content are required")
		return
	}

	// Check streaming support before admitting the request (fail fast)
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	h, err := g.Send(r.Context(), &SendRequest{
		ConversationID: req.ConversationID,
		Content:        req.Content,
	})
	if err != nil {
		g.sendSendError(w, err)
		return
	}
	defer h.Release()

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	g.writeSSEEvent(w, "started", map[string]string{
		"request_id":      h.RequestID,
		"conversation_id": h.ConversationID,
		"message_id":      h.MessageID,
	})
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			h.Cancel("client disconnected")
			return

		case ev, ok := <-h.Events():
			if !ok {
				return
			}
			sse := eventToSSE(ev)
			g.writeSSEEvent(w, sse.Event, sse.Data)
			flusher.Flush()
			if ev.Terminal() {
				return
			}
		}
	}
}

// sendSendError maps a Send failure to its HTTP shape. The accountant's
// typed errors carry their own status codes: 402 for balance, 429 with a
// Retry-After hint for the rate window.
func (g *Gateway) sendSendError(w http.ResponseWriter, err error) {
	var balErr *accounting.BalanceExceededError
	if errors.As(err, &balErr) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":     "balance exceeded",
			"available": balErr.Available,
			"requested": balErr.Requested,
		})
		return
	}
	var rlErr *accounting.RateLimitedError
	if errors.As(err, &rlErr) {
		w.Header().Set("Retry-After", strconv.Itoa(int(rlErr.RetryAfter.Seconds())+1))
		g.sendJSONError(w, http.StatusTooManyRequests, "rate limited")
		return
	}
	switch {
	case errors.Is(err, ErrConversationNotFound):
		g.sendJSONError(w, http.StatusNotFound, "conversation not found")
	case errors.Is(err, ErrUnknownProvider):
		g.sendJSONError(w, http.StatusBadRequest, "unknown provider")
	case errors.Is(err, ErrEmptyContent):
		g.sendJSONError(w, http.StatusBadRequest, "content is required")
	default:
		g.logger.Error("send failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// handleCancel handles POST /api/cancel.
func (g *Gateway) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.RequestID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "request_id is required")
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "cancelled by client"
	}

	if err := g.Cancel(req.RequestID, reason); err != nil {
		g.sendJSONError(w, http.StatusNotFound, "request not found")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleAccounts handles POST /api/accounts.
func (g *Gateway) handleAccounts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Balance < 0 {
		g.sendJSONError(w, http.StatusBadRequest, "balance must not be negative")
		return
	}

	account, err := g.CreateAccount(r.Context(), req.ID, req.Balance)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateID) {
			g.sendJSONError(w, http.StatusConflict, "account already exists")
			return
		}
		g.logger.Error("failed to create account", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":      account.ID,
		"balance": account.Balance,
	})
}

// handleConversations routes conversation collection requests by method.
func (g *Gateway) handleConversations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		g.handleCreateConversation(w, r)
	case http.MethodGet:
		g.handleListConversations(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (g *Gateway) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.AccountID == "" || req.ProviderID == "" || req.Model == "" {
		g.sendJSONError(w, http.StatusBadRequest, "account_id, provider_id, and model are required")
		return
	}

	conv, err := g.CreateConversation(r.Context(), req.AccountID, conversation.Snapshot{
		ProviderID: req.ProviderID,
		Model:      req.Model,
		ToolNames:  req.Tools,
		MaxTokens:  req.MaxTokens,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrUnknownProvider):
			g.sendJSONError(w, http.StatusBadRequest, "unknown provider")
		case errors.Is(err, ErrUnknownTool):
			g.sendJSONError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, store.ErrNotFound):
			g.sendJSONError(w, http.StatusNotFound, "account not found")
		default:
			g.logger.Error("failed to create conversation", "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(conversationToResponse(conv))
}

func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account_id")
	if accountID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "account_id query param required")
		return
	}

	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	convs, err := g.store.ListConversations(r.Context(), accountID, limit)
	if err != nil {
		g.logger.Error("failed to list conversations", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := make([]ConversationResponse, len(convs))
	for i, conv := range convs {
		response[i] = conversationToResponse(conv)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}

// handleConversationRoutes dispatches /api/conversations/{id}/... paths.
func (g *Gateway) handleConversationRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/conversations/")
	switch {
	case strings.HasSuffix(rest, "/messages"):
		g.handleConversationMessages(w, r, strings.TrimSuffix(rest, "/messages"))
	case strings.HasSuffix(rest, "/events"):
		g.handleConversationEvents(w, r, strings.TrimSuffix(rest, "/events"))
	default:
		g.sendJSONError(w, http.StatusNotFound, "not found")
	}
}

// handleConversationMessages handles GET /api/conversations/{id}/messages.
func (g *Gateway) handleConversationMessages(w http.ResponseWriter, r *http.Request, conversationID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if conversationID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "conversation id is required")
		return
	}

	if _, err := g.store.GetConversation(r.Context(), conversationID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "conversation not found")
			return
		}
		g.logger.Error("failed to get conversation", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	msgs, err := g.store.ListMessages(r.Context(), conversationID)
	if err != nil {
		g.logger.Error("failed to list messages", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := ConversationMessagesResponse{
		ConversationID: conversationID,
		Messages:       make([]MessageResponse, len(msgs)),
	}
	for i, msg := range msgs {
		calls, err := g.store.ListToolCalls(r.Context(), msg.ID)
		if err != nil {
			g.logger.Error("failed to list tool calls", "message_id", msg.ID, "error", err)
		}
		response.Messages[i] = messageToResponse(msg, calls)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}

// handleConversationEvents handles GET /api/conversations/{id}/events.
// It streams the conversation's live event feed over SSE, letting a
// second client observe a request another client started.
func (g *Gateway) handleConversationEvents(w http.ResponseWriter, r *http.Request, conversationID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if g.broadcaster == nil {
		g.sendJSONError(w, http.StatusNotFound, "event feed not enabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ch, subID := g.broadcaster.Subscribe(r.Context(), conversationID)
	defer g.broadcaster.Unsubscribe(conversationID, subID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			sse := eventToSSE(ev)
			g.writeSSEEvent(w, sse.Event, sse.Data)
			flusher.Flush()
		}
	}
}

// handleUsageStats handles GET /api/stats/usage with optional account_id,
// provider_id, since, and until filters (RFC3339 timestamps).
func (g *Gateway) handleUsageStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var filter store.UsageFilter
	if v := r.URL.Query().Get("account_id"); v != "" {
		filter.AccountID = &v
	}
	if v := r.URL.Query().Get("provider_id"); v != "" {
		filter.ProviderID = &v
	}
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		filter.Since = &t
	}
	if v := r.URL.Query().Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "until must be RFC3339")
			return
		}
		filter.Until = &t
	}

	stats, err := g.store.GetUsageStats(r.Context(), filter)
	if err != nil {
		g.logger.Error("failed to get usage stats", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(UsageStatsResponse{
		TotalPrompt:     stats.TotalPrompt,
		TotalCompletion: stats.TotalCompletion,
		TotalTokens:     stats.TotalTokens,
		RequestCount:    stats.RequestCount,
	})
}

// eventToSSE converts a stream event to its SSE wire shape.
func eventToSSE(ev *conversation.Event) SSEEvent {
	switch ev.Kind {
	case conversation.EventDelta:
		if ev.ToolCall != nil {
			return SSEEvent{
				Event: "tool_call",
				Data: map[string]string{
					"id":         ev.ToolCall.ID,
					"name":       ev.ToolCall.Name,
					"args_delta": ev.ToolCall.ArgsDelta,
				},
			}
		}
		return SSEEvent{
			Event: "delta",
			Data:  map[string]string{"text": ev.Text},
		}
	case conversation.EventToolState:
		return SSEEvent{
			Event: "tool_state",
			Data: map[string]string{
				"id":     ev.ToolCallID,
				"name":   ev.ToolName,
				"status": string(ev.ToolStatus),
				"output": ev.ToolOutput,
			},
		}
	case conversation.EventUsage:
		if ev.Usage == nil {
			return SSEEvent{Event: "error", Data: map[string]string{"error": "malformed usage event"}}
		}
		return SSEEvent{
			Event: "usage",
			Data: map[string]int64{
				"prompt_tokens":     ev.Usage.PromptTokens,
				"completion_tokens": ev.Usage.CompletionTokens,
			},
		}
	case conversation.EventDone:
		return SSEEvent{
			Event: "done",
			Data:  map[string]bool{"truncated": ev.Truncated},
		}
	case conversation.EventError:
		return SSEEvent{
			Event: "error",
			Data: map[string]any{
				"kind":      ev.ErrorKind,
				"error":     ev.ErrorMessage,
				"retryable": ev.Retryable,
			},
		}
	case conversation.EventCancelled:
		return SSEEvent{
			Event: "cancelled",
			Data:  map[string]string{"reason": ev.Reason},
		}
	case conversation.EventWarning:
		return SSEEvent{
			Event: "warning",
			Data:  map[string]string{"reason": ev.Reason},
		}
	default:
		return SSEEvent{
			Event: "unknown",
			Data:  map[string]string{"kind": string(ev.Kind)},
		}
	}
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func conversationToResponse(conv *conversation.Conversation) ConversationResponse {
	return ConversationResponse{
		ID:         conv.ID,
		AccountID:  conv.AccountID,
		ProviderID: conv.Snapshot.ProviderID,
		Model:      conv.Snapshot.Model,
		Tools:      conv.Snapshot.ToolNames,
		MaxTokens:  conv.Snapshot.MaxTokens,
		CreatedAt:  conv.CreatedAt.Format(time.RFC3339),
		UpdatedAt:  conv.UpdatedAt.Format(time.RFC3339),
	}
}

func messageToResponse(msg *conversation.Message, calls []conversation.ToolCall) MessageResponse {
	resp := MessageResponse{
		ID:               msg.ID,
		ParentID:         msg.ParentID,
		Role:             string(msg.Role),
		Content:          msg.Content,
		Status:           string(msg.Status),
		PromptTokens:     msg.PromptTokens,
		CompletionTokens: msg.CompletionTokens,
		Truncated:        msg.Truncated,
		CreatedAt:        msg.CreatedAt.Format(time.RFC3339),
	}
	for _, c := range calls {
		resp.ToolCalls = append(resp.ToolCalls, ToolCallResponse{
			ID:        c.ID,
			Name:      c.Name,
			Arguments: c.Arguments,
			Result:    c.Result,
			Status:    string(c.Status),
		})
	}
	return resp
}
