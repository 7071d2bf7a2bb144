// ABOUTME: Tests for the registry, runner policy layer, and observation format.
// ABOUTME: Covers validation, authorization, timeout retries, and ordered joins.

package tools

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/2389/seance-gateway/internal/conversation"
	"github.com/2389/seance-gateway/internal/provider"
)

func echoSchema() provider.ToolSchema {
	return provider.ToolSchema{
		Name:        "echo",
		Description: "Repeats its input.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{"type": "string"},
			},
		},
		Required: []string{"text"},
	}
}

func newEchoRegistry() *Registry {
	r := NewRegistry()
	r.Register(echoSchema(), func(ctx context.Context, args gjson.Result) (string, error) {
		return args.Get("text").String(), nil
	})
	return r
}

func TestRegistry_InvokeHappyPath(t *testing.T) {
	r := newEchoRegistry()

	res, err := r.Invoke(t.Context(), Invocation{ID: "call-1", Name: "echo", Arguments: `{"text":"hi"}`})
	require.NoError(t, err)
	assert.Equal(t, "call-1", res.CallID)
	assert.Equal(t, "hi", res.Content)
	assert.False(t, res.IsError)
}

func TestRegistry_ArgumentValidation(t *testing.T) {
	r := newEchoRegistry()

	tests := []struct {
		name string
		args string
		kind ErrorKind
	}{
		{"malformed JSON", `{"text":`, ErrInvalidArguments},
		{"not an object", `["text"]`, ErrInvalidArguments},
		{"missing required field", `{"other":1}`, ErrInvalidArguments},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Invoke(t.Context(), Invocation{ID: "c", Name: "echo", Arguments: tt.args})
			var terr *Error
			require.ErrorAs(t, err, &terr)
			assert.Equal(t, tt.kind, terr.Kind)
		})
	}
}

func TestRegistry_UnknownToolIsExecutionFailure(t *testing.T) {
	r := newEchoRegistry()
	_, err := r.Invoke(t.Context(), Invocation{Name: "shell", Arguments: `{}`})
	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, ErrExecutionFailure, terr.Kind)
}

func TestRegistry_SchemasSorted(t *testing.T) {
	r := NewRegistry()
	r.Register(provider.ToolSchema{Name: "zeta"}, func(ctx context.Context, args gjson.Result) (string, error) { return "", nil })
	r.Register(provider.ToolSchema{Name: "alpha"}, func(ctx context.Context, args gjson.Result) (string, error) { return "", nil })

	schemas := r.Schemas()
	require.Len(t, schemas, 2)
	assert.Equal(t, "alpha", schemas[0].Name)
	assert.Equal(t, "zeta", schemas[1].Name)
}

func snapshotWith(tools ...string) conversation.Snapshot {
	return conversation.Snapshot{ProviderID: "scripted", Model: "test-model", ToolNames: tools}
}

func TestRunner_RejectsUnauthorizedTool(t *testing.T) {
	runner := NewRunner(newEchoRegistry(), snapshotWith("search"), RunnerOptions{}, nil)

	_, err := runner.Invoke(t.Context(), Invocation{Name: "echo", Arguments: `{"text":"hi"}`})
	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, ErrUnauthorized, terr.Kind)
	assert.False(t, terr.Recoverable())
}

// timeoutThenSuccess fails with deadline errors until failures runs out.
type timeoutThenSuccess struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (e *timeoutThenSuccess) Invoke(ctx context.Context, inv Invocation) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.calls <= e.failures {
		return Result{}, context.DeadlineExceeded
	}
	return Result{CallID: inv.ID, Name: inv.Name, Content: "late but fine"}, nil
}

func TestRunner_RetriesTimeoutsWithBackoff(t *testing.T) {
	exec := &timeoutThenSuccess{failures: 2}
	var delays []time.Duration
	runner := NewRunner(exec, snapshotWith("echo"), RunnerOptions{
		MaxAttempts: 3,
		BaseBackoff: 100 * time.Millisecond,
		Sleep:       func(d time.Duration) { delays = append(delays, d) },
	}, nil)

	res, err := runner.Invoke(t.Context(), Invocation{ID: "call-1", Name: "echo"})
	require.NoError(t, err)
	assert.Equal(t, "late but fine", res.Content)
	assert.Equal(t, 3, exec.calls)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, delays)
}

func TestRunner_TimeoutSurfacesAfterExhaustion(t *testing.T) {
	exec := &timeoutThenSuccess{failures: 10}
	runner := NewRunner(exec, snapshotWith("echo"), RunnerOptions{
		MaxAttempts: 2,
		Sleep:       func(time.Duration) {},
	}, nil)

	_, err := runner.Invoke(t.Context(), Invocation{ID: "call-1", Name: "echo"})
	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, ErrTimeout, terr.Kind)
	assert.True(t, terr.Recoverable(), "an exhausted timeout becomes an observation, not an abort")
	assert.Equal(t, 2, exec.calls)
}

// staggeredExec completes calls in reverse request order.
type staggeredExec struct{}

func (staggeredExec) Invoke(ctx context.Context, inv Invocation) (Result, error) {
	switch inv.ID {
	case "call-1":
		time.Sleep(50 * time.Millisecond)
	case "call-2":
		time.Sleep(10 * time.Millisecond)
	}
	if inv.Name == "broken" {
		return Result{}, errors.New("backend exploded")
	}
	return Result{CallID: inv.ID, Name: inv.Name, Content: "ok " + inv.ID}, nil
}

func TestRunner_InvokeAllPreservesRequestOrder(t *testing.T) {
	runner := NewRunner(staggeredExec{}, snapshotWith("echo"), RunnerOptions{}, nil)

	results, err := runner.InvokeAll(t.Context(), []Invocation{
		{ID: "call-1", Name: "echo"},
		{ID: "call-2", Name: "echo"},
		{ID: "call-3", Name: "echo"},
	})
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i, res := range results {
		assert.Equal(t, fmt.Sprintf("call-%d", i+1), res.CallID, "results follow request order, not completion order")
	}
}

func TestRunner_InvokeAllEmbedsRecoverableFailures(t *testing.T) {
	runner := NewRunner(staggeredExec{}, snapshotWith("echo", "broken"), RunnerOptions{}, nil)

	results, err := runner.InvokeAll(t.Context(), []Invocation{
		{ID: "call-1", Name: "echo"},
		{ID: "call-2", Name: "broken", Arguments: `{}`},
	})
	require.NoError(t, err, "execution failures do not abort the batch")
	require.Len(t, results, 2)

	assert.False(t, results[0].IsError)
	assert.True(t, results[1].IsError)
	obs := gjson.Parse(results[1].Content)
	assert.Equal(t, "broken", obs.Get("tool").String())
	assert.Equal(t, "call-2", obs.Get("call_id").String())
	assert.Equal(t, string(ErrExecutionFailure), obs.Get("error.kind").String())
	assert.Contains(t, obs.Get("error.message").String(), "backend exploded")
}

func TestRunner_InvokeAllAbortsOnUnauthorized(t *testing.T) {
	runner := NewRunner(staggeredExec{}, snapshotWith("echo"), RunnerOptions{}, nil)

	_, err := runner.InvokeAll(t.Context(), []Invocation{
		{ID: "call-1", Name: "echo"},
		{ID: "call-2", Name: "forbidden"},
	})
	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, ErrUnauthorized, terr.Kind)
}

func TestObservation_Format(t *testing.T) {
	obs := Observation(
		Invocation{ID: "call-9", Name: "search"},
		NewError(ErrTimeout, "search", "invocation deadline exceeded"),
	)
	parsed := gjson.Parse(obs)
	assert.Equal(t, "search", parsed.Get("tool").String())
	assert.Equal(t, "call-9", parsed.Get("call_id").String())
	assert.Equal(t, "timeout", parsed.Get("error.kind").String())
	assert.Equal(t, "invocation deadline exceeded", parsed.Get("error.message").String())
}
