// ABOUTME: Package documentation for the bounded agent loop.
// ABOUTME: Describes turn phases, limits, and failure feedback.

// Package orchestrator drives the agent loop for one generation request.
//
// # Overview
//
// Each request runs a bounded sequence of turns. A turn generates through
// a stream session; when the accumulated output requests tool calls, the
// loop executes them in parallel, appends the results (or structured
// failure observations) as tool messages, and regenerates with the
// updated context. The loop is cut by a maximum turn count and a wall
// clock; a cut completion is finalized as truncated so consumers can tell
// a policy stop from a model stop. Every provider call attempt carries a
// deadline bounded by the call timeout and the remaining wall clock, so a
// provider that goes silent fails the turn as a transient error instead
// of hanging it. Exactly one terminal event ends the client stream on
// every path.
package orchestrator
