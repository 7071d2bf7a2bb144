// ABOUTME: Deterministic in-memory adapter replaying scripted delta sequences.
// ABOUTME: Used by tests and the dev loop; supports failure injection per Open call.

package provider

import (
	"context"
	"sync"
	"time"
)

// ScriptedAdapter replays pre-built delta sequences, one per Open call.
// Open errors queued with FailNext are consumed before any turn plays.
// When RepeatLast is set the final turn replays forever, which is how the
// orchestrator's termination guarantee is exercised.
type ScriptedAdapter struct {
	mu         sync.Mutex
	turns      [][]Delta
	openErrs   []error
	next       int
	opens      int
	RepeatLast bool

	// Pace inserts a delay before each delta, to simulate network arrival.
	Pace time.Duration
}

// NewScriptedAdapter creates an adapter that plays the given turns in order.
func NewScriptedAdapter(turns ...[]Delta) *ScriptedAdapter {
	return &ScriptedAdapter{turns: turns}
}

// FailNext queues an error to be returned by the next Open call. Multiple
// queued errors are consumed in order before any scripted turn plays.
func (a *ScriptedAdapter) FailNext(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.openErrs = append(a.openErrs, err)
}

// Opens returns how many times Open has been called, counting failures.
func (a *ScriptedAdapter) Opens() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.opens
}

// Open implements Adapter by replaying the next scripted turn.
func (a *ScriptedAdapter) Open(ctx context.Context, req *Request) (Stream, error) {
	a.mu.Lock()
	a.opens++
	if len(a.openErrs) > 0 {
		err := a.openErrs[0]
		a.openErrs = a.openErrs[1:]
		a.mu.Unlock()
		return nil, err
	}
	if a.next >= len(a.turns) {
		if !a.RepeatLast || len(a.turns) == 0 {
			a.mu.Unlock()
			return nil, NewError(ErrTransient, "script exhausted after %d turns", len(a.turns))
		}
		a.next = len(a.turns) - 1
	}
	turn := a.turns[a.next]
	a.next++
	pace := a.Pace
	a.mu.Unlock()

	streamCtx, cancel := context.WithCancel(context.Background())
	stream, send := NewPipe(cancel)

	go func() {
		for _, d := range turn {
			if pace > 0 {
				select {
				case <-time.After(pace):
				case <-streamCtx.Done():
					return
				case <-ctx.Done():
					return
				}
			}
			if !send(d) {
				return
			}
		}
	}()

	return stream, nil
}

// TextTurn builds a plain completion: the given chunks, a usage report, and
// a normal end-of-turn terminal.
func TextTurn(usage Usage, chunks ...string) []Delta {
	var ds []Delta
	for _, c := range chunks {
		ds = append(ds, Delta{Kind: DeltaText, Text: c})
	}
	ds = append(ds,
		Delta{Kind: DeltaUsage, Usage: &usage},
		Delta{Kind: DeltaDone, Done: &Done{StopReason: StopEndTurn}},
	)
	return ds
}

// ToolCallTurn builds a turn that requests one tool call with complete
// arguments and stops for tool use.
func ToolCallTurn(usage Usage, id, name, argsJSON string) []Delta {
	return []Delta{
		{Kind: DeltaToolCall, ToolCall: &ToolCallChunk{ID: id, Name: name, ArgsDelta: argsJSON}},
		{Kind: DeltaUsage, Usage: &usage},
		{Kind: DeltaDone, Done: &Done{StopReason: StopToolUse}},
	}
}

// ErrorTurn builds a turn that fails mid-stream with the given error.
func ErrorTurn(err *Error, chunks ...string) []Delta {
	var ds []Delta
	for _, c := range chunks {
		ds = append(ds, Delta{Kind: DeltaText, Text: c})
	}
	return append(ds, Delta{Kind: DeltaError, Err: err})
}

// Ensure ScriptedAdapter satisfies the Adapter contract.
var _ Adapter = (*ScriptedAdapter)(nil)
