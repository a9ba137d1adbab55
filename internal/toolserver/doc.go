// Package toolserver serves locally registered tools over the same
// JSON-RPC protocol the mcp package consumes. One [Server] can be
// driven line-by-line over stdio, which makes the toolrelay binary
// usable as a local provider for another relay, or mounted as an HTTP
// handler for remote callers.
package toolserver
