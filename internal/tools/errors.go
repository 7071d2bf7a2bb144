// ABOUTME: Classified tool failure taxonomy shared by all executors.
// ABOUTME: Distinguishes retryable, recoverable, and fatal tool errors.

package tools

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies a tool failure.
type ErrorKind string

const (
	ErrTimeout          ErrorKind = "timeout"           // deadline hit, retried locally
	ErrInvalidArguments ErrorKind = "invalid_arguments" // malformed call, fatal
	ErrExecutionFailure ErrorKind = "execution_failure" // tool ran and failed, recoverable
	ErrUnauthorized     ErrorKind = "unauthorized"      // tool not in the conversation's snapshot, fatal
)

// Error is a classified tool failure.
type Error struct {
	Kind    ErrorKind
	Tool    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("tool %s %s: %s", e.Tool, e.Kind, e.Message)
}

// Retryable reports whether the failure is worth another local attempt.
func (e *Error) Retryable() bool {
	return e.Kind == ErrTimeout
}

// Recoverable reports whether the failure can be fed back to the agent as
// an observation rather than aborting the turn.
func (e *Error) Recoverable() bool {
	return e.Kind == ErrExecutionFailure || e.Kind == ErrTimeout
}

// NewError builds a classified tool error.
func NewError(kind ErrorKind, tool, format string, args ...any) *Error {
	return &Error{Kind: kind, Tool: tool, Message: fmt.Sprintf(format, args...)}
}

// classify normalizes an executor failure. Deadline expiry becomes a
// timeout; anything unclassified is an execution failure.
func classify(tool string, err error) *Error {
	var terr *Error
	if errors.As(err, &terr) {
		return terr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(ErrTimeout, tool, "invocation deadline exceeded")
	}
	return NewError(ErrExecutionFailure, tool, "%v", err)
}
