// Package conversation tracks message lifecycle and delivers live events.
//
// # Overview
//
// The conversation package owns the per-message state machine, the
// persistence contract the gateway records through, and the event
// broadcaster that fans live stream events out to observers.
//
// # Message lifecycle
//
// A message moves forward only:
//
//	pending → streaming → {complete | errored | cancelled}
//
// pending is set before any provider bytes arrive; streaming on the first
// delta; the terminal states are mutually exclusive and final. Content is
// append-only while streaming and immutable afterwards. Cancellation may
// jump straight from pending or streaming to cancelled, preserving the
// partial content accumulated so far.
//
// # Persistence
//
// The Recorder interface is the append-then-finalize contract the core
// consumes; the collaborator behind it owns schema and indexing. The
// ReliableRecorder wraps any Recorder with bounded retries and reports
// durability loss through a distinct warning instead of failing the
// stream.
//
// # Broadcasting
//
// EventBroadcaster provides in-memory pub/sub keyed by conversation ID so
// multiple observers see the same live event feed. Observer channels are
// best-effort: a full observer drops events rather than stalling the
// stream (the primary client channel is delivered separately with blocking
// backpressure).
package conversation
