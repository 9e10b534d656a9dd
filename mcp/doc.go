// Package mcp implements the permission bridge between the Claude CLI and
// the TUI.
//
// The Claude CLI cannot prompt the user itself when run with
// --output-format stream-json; instead it calls a permission tool on an MCP
// server configured via --permission-prompt-tool. Tether points that flag at
// its own binary running the mcp-server subcommand, which speaks JSON-RPC
// 2.0 over stdio to the CLI and relays each permission request over a Unix
// socket to the TUI process.
//
// Flow for one tool invocation:
//
//	claude CLI ── tools/call ──▶ Server (mcp-server subprocess)
//	Server ── SocketClient ──▶ SocketServer (TUI process)
//	SocketServer ── ChannelPair.Req ──▶ session worker ──▶ user prompt
//	user decision ── ChannelPair.Resp ──▶ SocketServer ──▶ Server ──▶ CLI
//
// There is no timeout on the user's decision: a request blocks until a
// human resolves it or the session is stopped, which resolves it as a deny.
package mcp
