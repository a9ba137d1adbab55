package llm

import "context"

// Client is a language model backend.
type Client interface {
	// Send submits the conversation so far together with the tools the
	// model may call, and returns the model's reply.
	Send(ctx context.Context, history []Message, tools []ToolSpec) (*Reply, error)

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error
}
