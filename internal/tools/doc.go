// ABOUTME: Package documentation for tool execution.
// ABOUTME: Describes the executor contract, authorization, and transports.

// Package tools invokes external capabilities on behalf of the agent loop.
//
// # Overview
//
// An Executor answers one Invocation with one Result, uniformly whether
// the tool is a local Go function in a Registry or a remote capability
// reached over MCP. The Runner wraps an executor with the policy layer:
// tool identity is authorized against the conversation's configuration
// snapshot rather than caller-supplied strings, every call gets a
// deadline, timeouts retry with bounded backoff, and parallel calls from
// one turn are joined back in request order.
package tools
