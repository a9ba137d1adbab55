package providers

import (
	"context"
	"log/slog"
	"time"

	"github.com/nugget/toolrelay/internal/mcp"
)

// ToolClient is the capability the aggregator needs from a provider,
// whichever transport reaches it.
type ToolClient interface {
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
	Close() error
}

// ClientOptions carries the transport settings shared by every
// provider client.
type ClientOptions struct {
	RequestTimeout time.Duration
	TimeoutPolicy  mcp.TimeoutPolicy
	StopGrace      time.Duration
	ClientInfo     mcp.Implementation
	Logger         *slog.Logger
}

// Factory builds a client for a provider.
type Factory func(p Provider, opts ClientOptions) (ToolClient, error)

// NewToolClient is the default [Factory]. Local providers get a stdio
// transport and perform the initialize handshake before first use;
// remote providers get a stateless HTTP transport with no handshake.
// The child process of a local provider is not spawned until the first
// request.
func NewToolClient(p Provider, opts ClientOptions) (ToolClient, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	clientOpts := []mcp.ClientOption{mcp.WithLogger(logger)}
	if opts.ClientInfo.Name != "" {
		clientOpts = append(clientOpts, mcp.WithClientInfo(opts.ClientInfo))
	}

	var transport mcp.Transport
	switch p.Kind {
	case KindLocal:
		transport = mcp.NewStdioTransport(mcp.StdioConfig{
			Command:        p.Command,
			Args:           p.Args,
			Env:            p.EnvList(),
			RequestTimeout: opts.RequestTimeout,
			TimeoutPolicy:  opts.TimeoutPolicy,
			StopGrace:      opts.StopGrace,
			Logger:         logger.With("provider", p.Label()),
		})
		clientOpts = append(clientOpts, mcp.WithHandshake())
	default:
		transport = mcp.NewHTTPTransport(mcp.HTTPConfig{
			URL:            p.URL,
			Headers:        p.Headers,
			RequestTimeout: opts.RequestTimeout,
			Logger:         logger.With("provider", p.Label()),
		})
	}
	return mcp.NewClient(p.Label(), transport, clientOpts...), nil
}
