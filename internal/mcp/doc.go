// Package mcp implements the client side of the JSON-RPC 2.0 tool
// protocol spoken by toolrelay providers.
//
// Two transports are supported. A local provider is a child process
// that exchanges one JSON object per line on stdin/stdout; the
// [Process] type owns that child and its pipes. A remote provider is
// an HTTP endpoint that accepts one JSON-RPC envelope per POST. A
// [Client] sits on top of either transport and exposes tool discovery
// (tools/list) and invocation (tools/call).
//
// The wire types in this package are shared with the toolserver
// package, which implements the serving side of the same protocol.
package mcp
