package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nugget/toolrelay/internal/buildinfo"
)

// ClientOption configures a [Client].
type ClientOption func(*Client)

// WithLogger sets the client's logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithHandshake makes the client perform the initialize handshake
// before its first tools/list or tools/call. Process-backed providers
// require it; remote providers do not.
func WithHandshake() ClientOption {
	return func(c *Client) { c.handshake = true }
}

// WithClientInfo overrides the identity announced during initialize.
func WithClientInfo(info Implementation) ClientOption {
	return func(c *Client) { c.info = info }
}

// Client talks to a single provider over a [Transport] and exposes
// tool discovery and invocation.
type Client struct {
	name      string
	transport Transport
	handshake bool
	info      Implementation
	logger    *slog.Logger
	nextID    atomic.Int64

	mu          sync.Mutex
	initialized bool
	initGen     uint64
	server      Implementation
}

// NewClient creates a client for the named provider.
func NewClient(name string, transport Transport, opts ...ClientOption) *Client {
	c := &Client{
		name:      name,
		transport: transport,
		info:      Implementation{Name: "toolrelay", Version: buildinfo.Version},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("provider", name)
	return c
}

// Name returns the provider name this client is bound to.
func (c *Client) Name() string {
	return c.name
}

// ServerInfo returns the identity reported by the last successful
// initialize, or the zero value.
func (c *Client) ServerInfo() Implementation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.server
}

// generation reports the transport's session generation, or 0 for
// transports without replaceable sessions.
func (c *Client) generation() uint64 {
	if s, ok := c.transport.(sessioned); ok {
		return s.Generation()
	}
	return 0
}

// Initialize performs the handshake: an initialize request followed
// by the notifications/initialized notification. It is a no-op when
// the current session is already initialized, so it is safe to call
// before every operation.
func (c *Client) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initialized && c.initGen == c.generation() {
		return nil
	}
	c.initialized = false

	params := InitializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      c.info,
	}
	resp, err := c.send(ctx, MethodInitialize, params)
	if err != nil {
		return fmt.Errorf("initialize %s: %w", c.name, err)
	}
	if resp.Error != nil {
		return fmt.Errorf("initialize %s: %w", c.name, resp.Error)
	}

	var result InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return &ProtocolError{Reason: "decode initialize result", Err: err}
	}

	if err := c.transport.Notify(ctx, NewNotification(MethodInitialized, nil)); err != nil {
		return fmt.Errorf("send initialized notification: %w", err)
	}

	// The first request may have spawned the session, so the
	// generation is read only after the exchange.
	c.initialized = true
	c.initGen = c.generation()
	c.server = result.ServerInfo

	c.logger.Info("provider initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)
	return nil
}

func (c *Client) ready(ctx context.Context) error {
	if !c.handshake {
		return nil
	}
	return c.Initialize(ctx)
}

// ListTools calls tools/list. Tools whose required parameters are not
// declared in their schema are dropped with a warning.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	if err := c.ready(ctx); err != nil {
		return nil, err
	}

	resp, err := c.send(ctx, MethodToolsList, nil)
	if err != nil {
		return nil, fmt.Errorf("tools/list %s: %w", c.name, err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("tools/list %s: %w", c.name, resp.Error)
	}

	var result ListToolsResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, &ProtocolError{Reason: "decode tools/list result", Err: err}
	}

	tools := make([]Tool, 0, len(result.Tools))
	for _, tool := range result.Tools {
		if err := tool.Validate(); err != nil {
			c.logger.Warn("skipping invalid tool", "tool", tool.Name, "error", err)
			continue
		}
		tools = append(tools, tool)
	}

	c.logger.Debug("listed provider tools", "count", len(tools))
	return tools, nil
}

// CallTool invokes a tool and returns the text of the first text
// content block, or "" if the result has none. A JSON-RPC error or a
// result flagged isError becomes a [ToolExecutionError].
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	if err := c.ready(ctx); err != nil {
		return "", err
	}
	if args == nil {
		args = map[string]any{}
	}

	resp, err := c.send(ctx, MethodToolsCall, CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return "", fmt.Errorf("tools/call %s on %s: %w", name, c.name, err)
	}
	if resp.Error != nil {
		return "", &ToolExecutionError{Name: name, Code: resp.Error.Code, Message: resp.Error.Message}
	}

	var result CallToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return "", &ProtocolError{Reason: "decode tools/call result", Err: err}
	}
	if result.IsError {
		return "", &ToolExecutionError{Name: name, Message: result.FirstText()}
	}
	return result.FirstText(), nil
}

// Ping checks whether the provider is responsive.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.ready(ctx); err != nil {
		return err
	}
	resp, err := c.send(ctx, MethodPing, nil)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	return nil
}

// Close shuts down the client and its transport.
func (c *Client) Close() error {
	c.logger.Debug("closing provider client")
	return c.transport.Close()
}

// send issues one request with a fresh ID. JSON-RPC errors are left on
// the response for the caller to interpret.
func (c *Client) send(ctx context.Context, method string, params any) (*Response, error) {
	req, err := NewRequest(IntID(c.nextID.Add(1)), method, params)
	if err != nil {
		return nil, err
	}
	return c.transport.Send(ctx, req)
}
