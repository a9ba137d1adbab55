package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/nugget/toolrelay/internal/httpkit"
)

// sessionHeader carries server-assigned session affinity between POSTs.
const sessionHeader = "Mcp-Session-Id"

// maxResponseBody bounds how much of a response body is read.
const maxResponseBody = 10 << 20

// HTTPConfig configures a transport that talks to a remote provider by
// POSTing one JSON-RPC envelope per request.
type HTTPConfig struct {
	// URL is the provider endpoint.
	URL string

	// Headers are additional HTTP headers sent with every request
	// (e.g., Authorization).
	Headers map[string]string

	// RequestTimeout overrides [DefaultRequestTimeout].
	RequestTimeout time.Duration

	// Client replaces the default httpkit client. Tests use this to
	// point at an httptest server.
	Client *http.Client

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// HTTPTransport is stateless apart from the optional session header.
// Remote providers need no initialize handshake.
type HTTPTransport struct {
	url        string
	headers    map[string]string
	timeout    time.Duration
	httpClient *http.Client
	logger     *slog.Logger

	mu        sync.RWMutex
	sessionID string
}

// NewHTTPTransport creates an HTTP transport for the given config.
func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	client := cfg.Client
	if client == nil {
		client = httpkit.NewClient(
			httpkit.WithLogger(logger),
			httpkit.WithTimeout(timeout),
		)
	}

	return &HTTPTransport{
		url:        cfg.URL,
		headers:    cfg.Headers,
		timeout:    timeout,
		httpClient: client,
		logger:     logger,
	}
}

// Send POSTs req and decodes the response envelope. A response whose
// ID differs from the request's is a [ProtocolError].
func (t *HTTPTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, &ProtocolError{Reason: "encode request", Err: err}
	}
	t.logger.Log(ctx, levelTrace, "http send", "url", t.url, "method", req.Method, "payload", string(body))

	httpResp, cancel, err := t.post(ctx, req.Method, body)
	if err != nil {
		return nil, err
	}
	defer cancel()
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	if httpResp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(httpResp.Body, 1<<20)
		return nil, &TransportError{Op: "post", Err: fmt.Errorf("%s returned %d: %s", t.url, httpResp.StatusCode, errBody)}
	}

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		return nil, t.classify(req.Method, "read", err)
	}

	resp, err := DecodeResponse(respBody)
	if err != nil {
		return nil, err
	}
	if !resp.ID.Equal(req.ID) {
		return nil, &ProtocolError{Reason: "response id " + resp.ID.String() + " does not match request id " + req.ID.String()}
	}
	return resp, nil
}

// Notify POSTs a notification. 200 and 202 are both accepted.
func (t *HTTPTransport) Notify(ctx context.Context, notif *Notification) error {
	body, err := json.Marshal(notif)
	if err != nil {
		return &ProtocolError{Reason: "encode notification", Err: err}
	}

	httpResp, cancel, err := t.post(ctx, notif.Method, body)
	if err != nil {
		return err
	}
	defer cancel()
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	if httpResp.StatusCode != http.StatusOK && httpResp.StatusCode != http.StatusAccepted {
		errBody := httpkit.ReadErrorBody(httpResp.Body, 1<<20)
		return &TransportError{Op: "notify", Err: fmt.Errorf("%s returned %d: %s", t.url, httpResp.StatusCode, errBody)}
	}
	return nil
}

// post issues the request under the transport's timeout. The returned
// cancel func must be called once the body has been consumed.
func (t *HTTPTransport) post(ctx context.Context, method string, body []byte) (*http.Response, context.CancelFunc, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, nil, &TransportError{Op: "post", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range t.headers {
		httpReq.Header.Set(k, v)
	}

	t.mu.RLock()
	if t.sessionID != "" {
		httpReq.Header.Set(sessionHeader, t.sessionID)
	}
	t.mu.RUnlock()

	httpResp, err := t.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, nil, t.classify(method, "post", err)
	}

	if sid := httpResp.Header.Get(sessionHeader); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}
	return httpResp, cancel, nil
}

// classify maps a client error onto the package's error taxonomy.
func (t *HTTPTransport) classify(method, op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Method: method, After: t.timeout}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &TransportError{Op: op, Err: err}
}

// Close is a no-op; the http.Client manages its own connection pool.
func (t *HTTPTransport) Close() error {
	return nil
}
