// ABOUTME: Package documentation for the gateway wiring layer.
// ABOUTME: Describes the Send lifecycle and the HTTP/SSE surface.

// Package gateway wires the streaming core together behind two surfaces:
// a programmatic Send/Cancel API returning request handles, and an HTTP
// API that exposes the same operations over JSON and SSE.
//
// # Overview
//
// One Send call runs the full request lifecycle:
//
//  1. Load the conversation and resolve its provider adapter.
//  2. Rebuild the provider history from persisted messages.
//  3. Persist the user message and a pending assistant message.
//  4. Pre-authorize the estimated cost against the account balance.
//  5. Run the agent loop in a goroutine, streaming events to the handle.
//  6. Settle the reservation against measured usage and record it.
//
// Pre-authorization failures reject the request before any provider call
// is made; the pending assistant message is finalized as errored and a
// zero-usage record is written.
//
// The returned Handle carries the ordered event stream, the cancel
// signal, and the final summary. Every event is also published through
// the conversation broadcaster so additional observers can follow a
// conversation they did not start.
package gateway
