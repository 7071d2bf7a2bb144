// ABOUTME: Canonical provider error taxonomy and retryability classification.
// ABOUTME: Vendor HTTP failures are mapped onto four kinds shared by all adapters.

package provider

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a provider failure.
type ErrorKind string

const (
	ErrAuth          ErrorKind = "auth"           // credentials rejected, fatal
	ErrRateLimited   ErrorKind = "rate_limited"   // retryable with backoff
	ErrTransient     ErrorKind = "transient"      // network/server hiccup, retryable
	ErrContentPolicy ErrorKind = "content_policy" // refused by the vendor, fatal
)

// Error is a classified provider failure.
type Error struct {
	Kind    ErrorKind
	Message string

	// RetryAfter is the vendor-supplied backoff hint, zero if none.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider %s: %s", e.Kind, e.Message)
}

// Retryable reports whether the error kind permits a local retry.
func (e *Error) Retryable() bool {
	return e.Kind == ErrRateLimited || e.Kind == ErrTransient
}

// NewError builds a classified provider error.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindForStatus maps an HTTP status code to an error kind. Both vendor SDKs
// surface request failures as API errors carrying the response status.
func KindForStatus(status int) ErrorKind {
	switch {
	case status == 401 || status == 403:
		return ErrAuth
	case status == 429:
		return ErrRateLimited
	case status >= 500:
		return ErrTransient
	default:
		return ErrTransient
	}
}

// Classify normalizes an arbitrary adapter failure into *Error. Context
// cancellation is passed through untouched so callers can distinguish a
// client cancel from a vendor failure.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &Error{Kind: ErrTransient, Message: err.Error()}
}
