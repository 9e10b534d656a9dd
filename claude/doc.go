// Package claude manages the Claude CLI subprocess and turns its
// stream-json output into an ordered stream of UI events.
//
// A Runner owns one backend session. Callers Start it, Submit prompts,
// consume Events, and Stop it when done. Frames from the CLI are decoded
// in arrival order and never batched or reordered; text deltas for a
// block are append-only. Tool invocations without a standing grant are
// routed through the permission Arbiter before the backend proceeds, and
// a denial synthesizes an error ToolResult without forwarding the call.
//
// The Claude CLI runs in --print --output-format stream-json mode with a
// generated MCP config pointing back at this binary's mcp-server
// subcommand, which relays permission prompts over a Unix socket.
package claude
