// ABOUTME: Package documentation for the per-request stream session runtime.
// ABOUTME: Explains session lifetime, forwarding rules, and cancellation flow.

// Package session binds one provider stream to the client-facing event
// sink for the duration of a single generation turn.
//
// # Overview
//
// A Session is transient. It owns the only writer of its message buffer,
// forwards deltas in receipt order, accumulates text, captures usage, and
// guarantees downstream consumers observe at most one terminal outcome no
// matter how the adapter behaves. The Controller carries the single-fire
// cancellation signal for the whole request; every suspension point in the
// session observes it. The Sink is the bounded bridge to the transport:
// when its buffer fills and the consumer stalls past the configured
// timeout, the session cancels the request instead of queueing without
// bound.
package session
