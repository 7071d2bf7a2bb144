// ABOUTME: Scenario tests for the agent loop: plain turns, tool turns, retries.
// ABOUTME: Asserts termination, truncation, and exactly-one-terminal-event behavior.

package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/2389/seance-gateway/internal/conversation"
	"github.com/2389/seance-gateway/internal/provider"
	"github.com/2389/seance-gateway/internal/session"
	"github.com/2389/seance-gateway/internal/tools"
)

// memRecorder captures every persistence call for assertions.
type memRecorder struct {
	mu        sync.Mutex
	created   []*conversation.Message
	finalized map[string]conversation.Status
	contents  map[string]string
	toolCalls []*conversation.ToolCall
}

func newMemRecorder() *memRecorder {
	return &memRecorder{
		finalized: make(map[string]conversation.Status),
		contents:  make(map[string]string),
	}
}

func (r *memRecorder) CreatePendingMessage(ctx context.Context, msg *conversation.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, msg)
	return nil
}

func (r *memRecorder) AppendContent(ctx context.Context, messageID, content string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contents[messageID] += content
	return nil
}

func (r *memRecorder) Finalize(ctx context.Context, messageID string, status conversation.Status, content string, promptTokens, completionTokens int64, truncated bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finalized[messageID] = status
	r.contents[messageID] = content
	return nil
}

func (r *memRecorder) SaveToolCall(ctx context.Context, call *conversation.ToolCall) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.toolCalls = append(r.toolCalls, call)
	return nil
}

type fixture struct {
	conv   *conversation.Conversation
	msg    *conversation.Message
	rec    *memRecorder
	sink   *session.Sink
	ctrl   *session.Controller
	runner *tools.Runner
	reg    *tools.Registry
}

func newFixture(t *testing.T, toolNames ...string) *fixture {
	t.Helper()
	reg := tools.NewRegistry()
	reg.Register(provider.ToolSchema{
		Name:        "search",
		Description: "Looks things up.",
		InputSchema: map[string]any{"type": "object"},
	}, func(ctx context.Context, args gjson.Result) (string, error) {
		return "72 and sunny", nil
	})

	conv := &conversation.Conversation{
		ID:        "conv-1",
		AccountID: "acct-1",
		Snapshot: conversation.Snapshot{
			ProviderID: "scripted",
			Model:      "test-model",
			ToolNames:  toolNames,
		},
	}
	ctrl := session.NewController(t.Context())
	return &fixture{
		conv:   conv,
		msg:    conversation.NewPending("msg-1", conv.ID, "", provider.RoleAssistant),
		rec:    newMemRecorder(),
		sink:   session.NewSink(128, 0),
		ctrl:   ctrl,
		runner: tools.NewRunner(reg, conv.Snapshot, tools.RunnerOptions{}, nil),
		reg:    reg,
	}
}

func (f *fixture) run(adapter provider.Adapter, limits Limits) *Summary {
	o := New(adapter, f.runner, f.reg, f.rec, f.sink, f.ctrl, nil, limits, nil)
	return o.Run(&Request{
		Conversation: f.conv,
		Message:      f.msg,
		History:      []provider.Message{{Role: provider.RoleUser, Content: "hello"}},
	})
}

func (f *fixture) events() []*conversation.Event {
	var events []*conversation.Event
	for {
		select {
		case ev := <-f.sink.Events():
			events = append(events, ev)
		default:
			return events
		}
	}
}

func terminalEvents(events []*conversation.Event) []*conversation.Event {
	var terms []*conversation.Event
	for _, ev := range events {
		if ev.Terminal() {
			terms = append(terms, ev)
		}
	}
	return terms
}

func TestRun_SingleTurnCompletion(t *testing.T) {
	usage := provider.Usage{PromptTokens: 12, CompletionTokens: 4}
	adapter := provider.NewScriptedAdapter(provider.TextTurn(usage, "It is ", "sunny."))

	f := newFixture(t)
	sum := f.run(adapter, Limits{})

	assert.Equal(t, conversation.StatusComplete, sum.Status)
	assert.False(t, sum.Truncated)
	assert.Equal(t, 1, sum.Turns)
	assert.Equal(t, int64(12), sum.Usage.PromptTokens)
	assert.Equal(t, int64(4), sum.Usage.CompletionTokens)

	assert.Equal(t, conversation.StatusComplete, f.msg.Status)
	assert.Equal(t, "It is sunny.", f.msg.Content)
	assert.Equal(t, conversation.StatusComplete, f.rec.finalized["msg-1"])
	assert.Equal(t, "It is sunny.", f.rec.contents["msg-1"])

	events := f.events()
	terms := terminalEvents(events)
	require.Len(t, terms, 1, "exactly one terminal event")
	assert.Equal(t, conversation.EventDone, terms[0].Kind)

	// Ordered: two deltas, one usage, one done.
	var kinds []conversation.EventKind
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []conversation.EventKind{
		conversation.EventDelta,
		conversation.EventDelta,
		conversation.EventUsage,
		conversation.EventDone,
	}, kinds)
}

func TestRun_ToolCallTurn(t *testing.T) {
	adapter := provider.NewScriptedAdapter(
		provider.ToolCallTurn(provider.Usage{PromptTokens: 10, CompletionTokens: 3}, "call-1", "search", `{"q":"weather"}`),
		provider.TextTurn(provider.Usage{PromptTokens: 20, CompletionTokens: 5}, "It is 72 and sunny."),
	)

	f := newFixture(t, "search")
	sum := f.run(adapter, Limits{})

	assert.Equal(t, conversation.StatusComplete, sum.Status)
	assert.Equal(t, 2, sum.Turns)
	assert.Equal(t, int64(30), sum.Usage.PromptTokens)
	assert.Equal(t, int64(8), sum.Usage.CompletionTokens)
	assert.Equal(t, "It is 72 and sunny.", f.msg.Content)

	// Tool call lifecycle was persisted through to success.
	require.NotEmpty(t, f.rec.toolCalls)
	last := f.rec.toolCalls[len(f.rec.toolCalls)-1]
	assert.Equal(t, "call-1", last.ID)
	assert.Equal(t, conversation.ToolCallSucceeded, last.Status)
	assert.Equal(t, "72 and sunny", last.Result)

	// The tool result became an intermediate message in the reply chain.
	require.Len(t, f.rec.created, 1)
	toolMsg := f.rec.created[0]
	assert.Equal(t, provider.RoleTool, toolMsg.Role)
	assert.Equal(t, "msg-1", toolMsg.ParentID)
	assert.Equal(t, conversation.StatusComplete, f.rec.finalized[toolMsg.ID])
	assert.Equal(t, "72 and sunny", f.rec.contents[toolMsg.ID])

	// tool_state events walked requested → running → succeeded.
	var states []conversation.ToolCallStatus
	for _, ev := range f.events() {
		if ev.Kind == conversation.EventToolState {
			states = append(states, ev.ToolStatus)
		}
	}
	assert.Equal(t, []conversation.ToolCallStatus{
		conversation.ToolCallRequested,
		conversation.ToolCallRunning,
		conversation.ToolCallSucceeded,
	}, states)
}

func TestRun_RateLimitedRetriesThenCompletes(t *testing.T) {
	scripted := provider.NewScriptedAdapter(provider.TextTurn(provider.Usage{PromptTokens: 5, CompletionTokens: 2}, "done"))
	scripted.FailNext(provider.NewError(provider.ErrRateLimited, "slow down"))
	scripted.FailNext(provider.NewError(provider.ErrRateLimited, "slow down"))

	var delays []time.Duration
	retrier := provider.NewRetrier(scripted, provider.RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    time.Second,
	}, nil, func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	})

	f := newFixture(t)
	sum := f.run(retrier, Limits{})

	assert.Equal(t, conversation.StatusComplete, sum.Status)
	assert.Equal(t, "done", f.msg.Content)
	assert.Equal(t, 3, scripted.Opens())
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, delays, "exactly two retry delays")
}

func TestRun_TransientRetryMatchesCleanRun(t *testing.T) {
	turn := provider.TextTurn(provider.Usage{PromptTokens: 5, CompletionTokens: 2}, "same ", "content")

	clean := newFixture(t)
	cleanSum := clean.run(provider.NewScriptedAdapter(turn), Limits{})

	flaky := provider.NewScriptedAdapter(turn)
	flaky.FailNext(provider.NewError(provider.ErrTransient, "blip"))
	retried := newFixture(t)
	retriedSum := retried.run(provider.NewRetrier(flaky, provider.RetryPolicy{
		MaxAttempts: 2,
		BaseDelay:   time.Millisecond,
		MaxDelay:    time.Millisecond,
	}, nil, func(ctx context.Context, d time.Duration) error { return nil }), Limits{})

	assert.Equal(t, cleanSum.Status, retriedSum.Status)
	assert.Equal(t, clean.msg.Content, retried.msg.Content, "retry is invisible in the final content")
}

func TestRun_TerminatesWhenToolsNeverStop(t *testing.T) {
	adapter := provider.NewScriptedAdapter(
		provider.ToolCallTurn(provider.Usage{PromptTokens: 2, CompletionTokens: 1}, "call-loop", "search", `{}`),
	)
	adapter.RepeatLast = true

	f := newFixture(t, "search")
	sum := f.run(adapter, Limits{MaxTurns: 3})

	assert.Equal(t, conversation.StatusComplete, sum.Status)
	assert.True(t, sum.Truncated, "policy cut is flagged distinctly")
	assert.Equal(t, 3, sum.Turns)
	assert.True(t, f.msg.Truncated)

	terms := terminalEvents(f.events())
	require.Len(t, terms, 1)
	assert.Equal(t, conversation.EventDone, terms[0].Kind)
	assert.True(t, terms[0].Truncated)
}

func TestRun_WallClockCutsLoop(t *testing.T) {
	adapter := provider.NewScriptedAdapter(
		provider.ToolCallTurn(provider.Usage{}, "call-loop", "search", `{}`),
	)
	adapter.RepeatLast = true
	adapter.Pace = 20 * time.Millisecond

	f := newFixture(t, "search")
	sum := f.run(adapter, Limits{MaxTurns: 1000, MaxWallClock: 50 * time.Millisecond})

	assert.Equal(t, conversation.StatusComplete, sum.Status)
	assert.True(t, sum.Truncated)
	assert.Less(t, sum.Turns, 1000)
}

func TestRun_SilentProviderFailsWithinWallClock(t *testing.T) {
	// The stream opens and then never emits: Pace stalls the first delta
	// for longer than any test would wait.
	adapter := provider.NewScriptedAdapter(provider.TextTurn(provider.Usage{}, "never delivered"))
	adapter.Pace = time.Hour

	f := newFixture(t)
	start := time.Now()
	sum := f.run(adapter, Limits{MaxWallClock: 100 * time.Millisecond})

	assert.Less(t, time.Since(start), 2*time.Second, "the loop must not outlive its wall clock")
	assert.Equal(t, conversation.StatusErrored, sum.Status)
	var perr *provider.Error
	require.ErrorAs(t, sum.Err, &perr)
	assert.Equal(t, provider.ErrTransient, perr.Kind)
	assert.Equal(t, conversation.StatusErrored, f.rec.finalized["msg-1"])

	terms := terminalEvents(f.events())
	require.Len(t, terms, 1)
	assert.Equal(t, conversation.EventError, terms[0].Kind)
	assert.True(t, terms[0].Retryable)
}

func TestRun_CallTimeoutBoundsOneAttempt(t *testing.T) {
	adapter := provider.NewScriptedAdapter(provider.TextTurn(provider.Usage{}, "never delivered"))
	adapter.Pace = time.Hour

	f := newFixture(t)
	start := time.Now()
	sum := f.run(adapter, Limits{CallTimeout: 50 * time.Millisecond})

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, conversation.StatusErrored, sum.Status)
	var perr *provider.Error
	require.ErrorAs(t, sum.Err, &perr)
	assert.Equal(t, provider.ErrTransient, perr.Kind)
}

func TestRun_RecoverableToolFailureFeedsBack(t *testing.T) {
	adapter := provider.NewScriptedAdapter(
		provider.ToolCallTurn(provider.Usage{PromptTokens: 2, CompletionTokens: 1}, "call-1", "flaky", `{}`),
		provider.TextTurn(provider.Usage{PromptTokens: 4, CompletionTokens: 2}, "recovered"),
	)

	f := newFixture(t, "flaky")
	f.reg.Register(provider.ToolSchema{Name: "flaky", InputSchema: map[string]any{"type": "object"}},
		func(ctx context.Context, args gjson.Result) (string, error) {
			return "", context.DeadlineExceeded
		})
	// Rebind the runner so the new tool is authorized without waiting on
	// real timeout backoff.
	f.runner = tools.NewRunner(f.reg, f.conv.Snapshot, tools.RunnerOptions{
		MaxAttempts: 1,
		Sleep:       func(time.Duration) {},
	}, nil)

	sum := f.run(adapter, Limits{})

	assert.Equal(t, conversation.StatusComplete, sum.Status, "the agent got a chance to recover")
	assert.Equal(t, "recovered", f.msg.Content)

	// The failure reached the model as a structured observation message.
	require.Len(t, f.rec.created, 1)
	obs := gjson.Parse(f.rec.contents[f.rec.created[0].ID])
	assert.Equal(t, "flaky", obs.Get("tool").String())
	assert.Equal(t, "timeout", obs.Get("error.kind").String())

	// And the persisted tool call ended failed.
	last := f.rec.toolCalls[len(f.rec.toolCalls)-1]
	assert.Equal(t, conversation.ToolCallFailed, last.Status)
}

func TestRun_FatalToolBatchKeepsFinishedSiblingOutcomes(t *testing.T) {
	adapter := provider.NewScriptedAdapter([]provider.Delta{
		{Kind: provider.DeltaToolCall, ToolCall: &provider.ToolCallChunk{ID: "call-fast", Name: "fast", ArgsDelta: `{}`}},
		{Kind: provider.DeltaToolCall, ToolCall: &provider.ToolCallChunk{ID: "call-gate", Name: "gate", ArgsDelta: `{}`}},
		{Kind: provider.DeltaUsage, Usage: &provider.Usage{PromptTokens: 2, CompletionTokens: 1}},
		{Kind: provider.DeltaDone, Done: &provider.Done{StopReason: provider.StopToolUse}},
	})

	f := newFixture(t, "fast", "gate")
	f.reg.Register(provider.ToolSchema{Name: "fast", InputSchema: map[string]any{"type": "object"}},
		func(ctx context.Context, args gjson.Result) (string, error) {
			return "done fast", nil
		})
	// The fatal failure lands after the sibling has finished.
	f.reg.Register(provider.ToolSchema{Name: "gate", InputSchema: map[string]any{"type": "object"}},
		func(ctx context.Context, args gjson.Result) (string, error) {
			time.Sleep(50 * time.Millisecond)
			return "", tools.NewError(tools.ErrInvalidArguments, "gate", "rejected payload")
		})
	f.runner = tools.NewRunner(f.reg, f.conv.Snapshot, tools.RunnerOptions{
		MaxAttempts: 1,
		Sleep:       func(time.Duration) {},
	}, nil)

	sum := f.run(adapter, Limits{})
	assert.Equal(t, conversation.StatusErrored, sum.Status)

	// Each call is saved at request time and again at its terminal state;
	// the last write per ID is what the record keeps.
	statuses := make(map[string]conversation.ToolCallStatus)
	contents := make(map[string]string)
	for _, call := range f.rec.toolCalls {
		statuses[call.ID] = call.Status
		contents[call.ID] = call.Result
	}
	assert.Equal(t, conversation.ToolCallSucceeded, statuses["call-fast"], "a finished sibling keeps its real outcome")
	assert.Equal(t, "done fast", contents["call-fast"])
	assert.Equal(t, conversation.ToolCallFailed, statuses["call-gate"])
}

func TestRun_UnauthorizedToolIsFatal(t *testing.T) {
	adapter := provider.NewScriptedAdapter(
		provider.ToolCallTurn(provider.Usage{PromptTokens: 2, CompletionTokens: 1}, "call-1", "shell", `{}`),
	)

	// "shell" is not in the snapshot, so the runner must refuse it.
	f := newFixture(t, "search")
	sum := f.run(adapter, Limits{})

	assert.Equal(t, conversation.StatusErrored, sum.Status)
	assert.Equal(t, conversation.StatusErrored, f.msg.Status)

	terms := terminalEvents(f.events())
	require.Len(t, terms, 1)
	assert.Equal(t, conversation.EventError, terms[0].Kind)
	assert.Equal(t, "unauthorized", terms[0].ErrorKind)
}

func TestRun_FatalProviderErrorSurfacesOnce(t *testing.T) {
	adapter := provider.NewScriptedAdapter()
	adapter.FailNext(provider.NewError(provider.ErrAuth, "bad key"))

	f := newFixture(t)
	sum := f.run(adapter, Limits{})

	assert.Equal(t, conversation.StatusErrored, sum.Status)
	assert.Equal(t, conversation.StatusErrored, f.rec.finalized["msg-1"])

	terms := terminalEvents(f.events())
	require.Len(t, terms, 1)
	assert.Equal(t, conversation.EventError, terms[0].Kind)
	assert.Equal(t, "auth", terms[0].ErrorKind)
	assert.False(t, terms[0].Retryable)
}

func TestRun_CancellationFinalizesCancelled(t *testing.T) {
	adapter := provider.NewScriptedAdapter(
		provider.TextTurn(provider.Usage{PromptTokens: 2, CompletionTokens: 1}, "a", "b", "c"),
	)
	adapter.Pace = 30 * time.Millisecond

	f := newFixture(t)
	go func() {
		time.Sleep(45 * time.Millisecond)
		f.ctrl.Cancel("client disconnected")
	}()
	sum := f.run(adapter, Limits{})

	assert.Equal(t, conversation.StatusCancelled, sum.Status)
	assert.Equal(t, "client disconnected", sum.CancelReason)
	assert.Equal(t, conversation.StatusCancelled, f.msg.Status)
	assert.Equal(t, conversation.StatusCancelled, f.rec.finalized["msg-1"])

	terms := terminalEvents(f.events())
	require.Len(t, terms, 1)
	assert.Equal(t, conversation.EventCancelled, terms[0].Kind)
	assert.Equal(t, "client disconnected", terms[0].Reason)
}

func TestBuildInvocations_MergesFragments(t *testing.T) {
	invs := BuildInvocations([]provider.ToolCallChunk{
		{ID: "call-1", Name: "search", ArgsDelta: `{"q":`},
		{ArgsDelta: `"wea`},
		{ArgsDelta: `ther"}`},
		{ID: "call-2", Name: "calculator", ArgsDelta: `{"expr":"1+1"}`},
	})

	require.Len(t, invs, 2)
	assert.Equal(t, "call-1", invs[0].ID)
	assert.Equal(t, "search", invs[0].Name)
	assert.Equal(t, `{"q":"weather"}`, invs[0].Arguments)
	assert.Equal(t, "call-2", invs[1].ID)
	assert.Equal(t, `{"expr":"1+1"}`, invs[1].Arguments)
}

func TestBuildInvocations_IgnoresOrphanFragments(t *testing.T) {
	invs := BuildInvocations([]provider.ToolCallChunk{
		{ArgsDelta: `{"lost":true}`},
	})
	assert.Empty(t, invs)
}
