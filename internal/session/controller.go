// ABOUTME: Single-fire cancellation controller for one generation request.
// ABOUTME: First cancel wins; the reason is preserved for the terminal event.

package session

import (
	"context"
	"fmt"
	"sync"
)

// CancelledError reports that a request was stopped by the cancellation
// controller rather than finishing on its own.
type CancelledError struct {
	Reason string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("request cancelled: %s", e.Reason)
}

// Controller is the single-fire stop signal for one request. Client
// disconnects, explicit stop calls, backpressure stalls, and hard token
// caps all funnel through Cancel; the first caller's reason sticks.
//
// The derived context aborts in-flight provider I/O, so cancellation is
// observed at network reads and tool waits, not just between deltas.
type Controller struct {
	ctx    context.Context
	cancel context.CancelFunc

	once   sync.Once
	mu     sync.Mutex
	reason string
}

// NewController derives the request context from parent. Cancelling the
// parent also fires the controller, with an empty reason.
func NewController(parent context.Context) *Controller {
	ctx, cancel := context.WithCancel(parent)
	return &Controller{ctx: ctx, cancel: cancel}
}

// Cancel fires the stop signal. Only the first call records its reason;
// later calls are no-ops.
func (c *Controller) Cancel(reason string) {
	c.once.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		c.cancel()
	})
}

// Context is the request-scoped context passed to provider and tool calls.
func (c *Controller) Context() context.Context {
	return c.ctx
}

// Done is closed once the controller has fired (or the parent died).
func (c *Controller) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Cancelled reports whether the stop signal has fired.
func (c *Controller) Cancelled() bool {
	return c.ctx.Err() != nil
}

// Reason returns the recorded cancellation reason. Empty when the parent
// context died without an explicit Cancel.
func (c *Controller) Reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Err returns a CancelledError once fired, nil otherwise.
func (c *Controller) Err() error {
	if c.ctx.Err() == nil {
		return nil
	}
	return &CancelledError{Reason: c.Reason()}
}
