package mcp

import "context"

// Transport moves JSON-RPC envelopes between a [Client] and one
// provider. Implementations own framing and response correlation.
type Transport interface {
	// Send delivers req and returns the response carrying req's ID.
	Send(ctx context.Context, req *Request) (*Response, error)

	// Notify delivers a notification; no response is read.
	Notify(ctx context.Context, notif *Notification) error

	// Close releases the transport. For stdio this stops the child.
	Close() error
}

// sessioned is implemented by transports whose underlying session can
// be replaced under the client, invalidating a completed handshake.
type sessioned interface {
	Generation() uint64
}
