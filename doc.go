// Package mcpwire implements the session and transport layer of the Model
// Context Protocol (MCP): typed channels to remote endpoints over subprocess
// pipes, streaming HTTP, or duplex websockets, the capability-negotiation
// handshake on top of them, and the server-side counterpart that multiplexes
// many logical sessions over one listener with idle-based eviction.
//
// Everything that decides *what* to send over a session (agent loops, tool
// registries, inspector UIs) lives outside this package and consumes its
// public surface: connect, send, notification dispatch, disconnect.
package mcpwire
