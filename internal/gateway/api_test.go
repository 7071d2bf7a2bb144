// ABOUTME: HTTP surface tests: SSE streaming, error mapping, JSON endpoints.
// ABOUTME: Runs against httptest servers over a mock store and scripted adapter.

package gateway

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/2389/seance-gateway/internal/accounting"
	"github.com/2389/seance-gateway/internal/provider"
)

// sseRecord is one parsed server-sent event.
type sseRecord struct {
	Event string
	Data  string
}

// readSSE parses an SSE body into event records.
func readSSE(t *testing.T, body io.Reader) []sseRecord {
	t.Helper()
	var records []sseRecord
	var current sseRecord
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			current.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			current.Data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if current.Event != "" {
				records = append(records, current)
				current = sseRecord{}
			}
		}
	}
	require.NoError(t, scanner.Err())
	return records
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func TestHandleSend_StreamsSSE(t *testing.T) {
	usage := provider.Usage{PromptTokens: 10, CompletionTokens: 5}
	adapter := provider.NewScriptedAdapter(provider.TextTurn(usage, "Hello", " world"))
	e := newEnv(t, 100, adapter, accounting.Policy{}, nil)

	srv := httptest.NewServer(e.gw.Handler())
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/api/send", SendMessageRequest{
		ConversationID: "conv-1",
		Content:        "hi",
	})
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	records := readSSE(t, resp.Body)
	require.NotEmpty(t, records)

	assert.Equal(t, "started", records[0].Event)
	started := gjson.Parse(records[0].Data)
	assert.NotEmpty(t, started.Get("request_id").String())
	assert.Equal(t, "conv-1", started.Get("conversation_id").String())

	var names []string
	var text strings.Builder
	for _, rec := range records[1:] {
		names = append(names, rec.Event)
		if rec.Event == "delta" {
			text.WriteString(gjson.Parse(rec.Data).Get("text").String())
		}
	}
	assert.Equal(t, []string{"delta", "delta", "usage", "done"}, names)
	assert.Equal(t, "Hello world", text.String())

	usageRec := records[len(records)-2]
	assert.Equal(t, int64(10), gjson.Parse(usageRec.Data).Get("prompt_tokens").Int())
}

func TestHandleSend_BalanceExceededIs402(t *testing.T) {
	adapter := provider.NewScriptedAdapter()
	e := newEnv(t, 1, adapter, accounting.Policy{}, nil)

	srv := httptest.NewServer(e.gw.Handler())
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/api/send", SendMessageRequest{
		ConversationID: "conv-1",
		Content:        strings.Repeat("an expensive prompt ", 20),
	})
	defer resp.Body.Close()

	require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	parsed := gjson.ParseBytes(body)
	assert.Equal(t, "balance exceeded", parsed.Get("error").String())
	assert.Equal(t, int64(1), parsed.Get("available").Int())
	assert.Equal(t, 0, adapter.Opens())
}

func TestHandleSend_Validation(t *testing.T) {
	adapter := provider.NewScriptedAdapter()
	e := newEnv(t, 100, adapter, accounting.Policy{}, nil)

	srv := httptest.NewServer(e.gw.Handler())
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/api/send", SendMessageRequest{ConversationID: "conv-1"})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/api/send", SendMessageRequest{ConversationID: "nope", Content: "hi"})
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/send", nil)
	require.NoError(t, err)
	getResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	getResp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, getResp.StatusCode)
}

func TestHandleCancel(t *testing.T) {
	adapter := provider.NewScriptedAdapter(provider.TextTurn(provider.Usage{PromptTokens: 1, CompletionTokens: 1}, "a", "b", "c", "d", "e"))
	adapter.Pace = 50 * time.Millisecond
	e := newEnv(t, 100, adapter, accounting.Policy{}, nil)

	srv := httptest.NewServer(e.gw.Handler())
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/api/cancel", CancelRequest{RequestID: "unknown"})
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	h, err := e.gw.Send(t.Context(), &SendRequest{ConversationID: "conv-1", Content: "hi"})
	require.NoError(t, err)

	resp = postJSON(t, srv.URL+"/api/cancel", CancelRequest{RequestID: h.RequestID, Reason: "operator stop"})
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	events := drain(h)
	waitDone(t, h)
	last := events[len(events)-1]
	assert.Equal(t, "cancelled", string(last.Kind))
	assert.Equal(t, "operator stop", last.Reason)
}

func TestHandleAccountsAndConversations(t *testing.T) {
	adapter := provider.NewScriptedAdapter()
	e := newEnv(t, 100, adapter, accounting.Policy{}, nil)

	srv := httptest.NewServer(e.gw.Handler())
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/api/accounts", CreateAccountRequest{ID: "acct-2", Balance: 500})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, int64(500), gjson.ParseBytes(body).Get("balance").Int())

	// Duplicate account id conflicts.
	resp = postJSON(t, srv.URL+"/api/accounts", CreateAccountRequest{ID: "acct-2", Balance: 1})
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/api/conversations", CreateConversationRequest{
		AccountID:  "acct-2",
		ProviderID: "scripted",
		Model:      "test-model",
		MaxTokens:  1024,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	convID := gjson.ParseBytes(body).Get("id").String()
	require.NotEmpty(t, convID)

	resp = postJSON(t, srv.URL+"/api/conversations", CreateConversationRequest{
		AccountID:  "acct-2",
		ProviderID: "unknown-vendor",
		Model:      "test-model",
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	listResp, err := http.Get(srv.URL + "/api/conversations?account_id=acct-2")
	require.NoError(t, err)
	body, _ = io.ReadAll(listResp.Body)
	listResp.Body.Close()
	require.Equal(t, http.StatusOK, listResp.StatusCode)
	listed := gjson.ParseBytes(body).Array()
	require.Len(t, listed, 1)
	assert.Equal(t, convID, listed[0].Get("id").String())
}

func TestHandleConversationMessages(t *testing.T) {
	usage := provider.Usage{PromptTokens: 3, CompletionTokens: 2}
	adapter := provider.NewScriptedAdapter(provider.TextTurn(usage, "the answer"))
	e := newEnv(t, 100, adapter, accounting.Policy{}, nil)

	h, err := e.gw.Send(t.Context(), &SendRequest{ConversationID: "conv-1", Content: "the question"})
	require.NoError(t, err)
	drain(h)
	waitDone(t, h)

	srv := httptest.NewServer(e.gw.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/conversations/conv-1/messages")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	parsed := gjson.ParseBytes(body)
	msgs := parsed.Get("messages").Array()
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].Get("role").String())
	assert.Equal(t, "the question", msgs[0].Get("content").String())
	assert.Equal(t, "assistant", msgs[1].Get("role").String())
	assert.Equal(t, "the answer", msgs[1].Get("content").String())
	assert.Equal(t, "complete", msgs[1].Get("status").String())

	missing, err := http.Get(srv.URL + "/api/conversations/not-here/messages")
	require.NoError(t, err)
	missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestHandleUsageStats(t *testing.T) {
	usage := provider.Usage{PromptTokens: 7, CompletionTokens: 3}
	adapter := provider.NewScriptedAdapter(provider.TextTurn(usage, "ok"))
	e := newEnv(t, 100, adapter, accounting.Policy{}, nil)

	h, err := e.gw.Send(t.Context(), &SendRequest{ConversationID: "conv-1", Content: "hi"})
	require.NoError(t, err)
	drain(h)
	waitDone(t, h)

	srv := httptest.NewServer(e.gw.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/stats/usage?account_id=acct-1")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	parsed := gjson.ParseBytes(body)
	assert.Equal(t, int64(7), parsed.Get("total_prompt_tokens").Int())
	assert.Equal(t, int64(3), parsed.Get("total_completion_tokens").Int())
	assert.Equal(t, int64(10), parsed.Get("total_tokens").Int())
	assert.Equal(t, int64(1), parsed.Get("request_count").Int())

	bad, err := http.Get(srv.URL + "/api/stats/usage?since=yesterday")
	require.NoError(t, err)
	bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestHandleHealth(t *testing.T) {
	adapter := provider.NewScriptedAdapter()
	e := newEnv(t, 100, adapter, accounting.Policy{}, nil)

	srv := httptest.NewServer(e.gw.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ready, err := http.Get(srv.URL + "/health/ready")
	require.NoError(t, err)
	body, _ := io.ReadAll(ready.Body)
	ready.Body.Close()
	assert.Equal(t, http.StatusOK, ready.StatusCode)
	assert.Equal(t, fmt.Sprintf("ready (%d providers)", 1), string(body))
}
