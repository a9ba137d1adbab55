package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"
)

// DefaultRequestTimeout bounds a single request/response exchange.
const DefaultRequestTimeout = 10 * time.Second

// levelTrace sits below Debug for full wire payloads.
const levelTrace = slog.Level(-8)

// TimeoutPolicy decides what happens to a child process after a
// request to it times out.
type TimeoutPolicy string

const (
	// TimeoutKeep leaves the child running. A late response to the
	// abandoned request is recognised by its ID and dropped.
	TimeoutKeep TimeoutPolicy = "keep"
	// TimeoutRestart stops the child; the next request spawns a fresh
	// one and repeats the initialize handshake.
	TimeoutRestart TimeoutPolicy = "restart"
)

// StdioConfig configures a [StdioTransport].
type StdioConfig struct {
	// Command is the executable to run.
	Command string
	// Args are the command-line arguments.
	Args []string
	// Env holds extra KEY=VALUE pairs for the child.
	Env []string
	// RequestTimeout overrides [DefaultRequestTimeout].
	RequestTimeout time.Duration
	// TimeoutPolicy defaults to [TimeoutKeep].
	TimeoutPolicy TimeoutPolicy
	// StopGrace overrides [DefaultStopGrace].
	StopGrace time.Duration
	// Logger is used for lifecycle and wire logging.
	Logger *slog.Logger
}

// StdioTransport speaks line-delimited JSON-RPC to a child process.
// The child is spawned lazily on the first request. Only one request
// is outstanding at a time; concurrent callers queue on a semaphore
// that honours context cancellation.
type StdioTransport struct {
	config StdioConfig
	logger *slog.Logger

	// generation is written only while holding sem but read without
	// it, so a queued caller never waits on the slot just to learn it.
	generation atomic.Uint64

	// sem serializes the send-then-await sequence and also guards the
	// fields below.
	sem       chan struct{}
	proc      *Process
	closed    bool
	abandoned map[string]struct{}
}

// NewStdioTransport creates a stdio transport. The subprocess is not
// started until the first request.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.TimeoutPolicy == "" {
		cfg.TimeoutPolicy = TimeoutKeep
	}
	return &StdioTransport{
		config:    cfg,
		logger:    logger,
		sem:       make(chan struct{}, 1),
		abandoned: make(map[string]struct{}),
	}
}

// acquire takes the request slot or returns ctx's error.
func (t *StdioTransport) acquire(ctx context.Context) error {
	select {
	case t.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	// Both cases can be ready at once; a cancelled caller must not
	// proceed just because the slot happened to win the select.
	if err := ctx.Err(); err != nil {
		t.release()
		return err
	}
	return nil
}

func (t *StdioTransport) release() { <-t.sem }

// Generation changes every time the child process is spawned or
// discarded. A [Client] compares it against the generation it last
// initialized to decide whether the handshake must be repeated.
func (t *StdioTransport) Generation() uint64 {
	return t.generation.Load()
}

// ensureProcess starts the child if none is attached. A child that
// has exited on its own is not replaced. Caller holds the semaphore.
func (t *StdioTransport) ensureProcess() error {
	if t.closed {
		return ErrNotRunning
	}
	if t.proc != nil {
		if !t.proc.Running() {
			return ErrNotRunning
		}
		return nil
	}

	proc := NewProcess(ProcessConfig{
		Command:   t.config.Command,
		Args:      t.config.Args,
		Env:       t.config.Env,
		StopGrace: t.config.StopGrace,
		Logger:    t.logger,
	})
	if err := proc.Start(); err != nil {
		return err
	}
	t.proc = proc
	t.generation.Add(1)
	clear(t.abandoned)
	return nil
}

// Send writes req to the child and returns the response whose ID
// matches. Non-JSON lines and server notifications are logged and
// skipped, as are late responses to requests that timed out earlier.
// Any other response ID is a [ProtocolError].
func (t *StdioTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	if err := t.acquire(ctx); err != nil {
		return nil, err
	}
	defer t.release()

	if err := t.ensureProcess(); err != nil {
		return nil, err
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, &ProtocolError{Reason: "encode request", Err: err}
	}
	t.logger.Log(ctx, levelTrace, "stdio send", "method", req.Method, "id", req.ID.String(), "payload", string(data))

	timeout := t.config.RequestTimeout
	deadline := time.Now().Add(timeout)

	line, err := t.proc.SendAndAwait(ctx, data, timeout)
	for {
		if err != nil {
			return nil, t.fail(req, timeout, err)
		}

		resp, skip, perr := t.match(req, line)
		if perr != nil {
			return nil, perr
		}
		if !skip {
			t.logger.Log(ctx, levelTrace, "stdio recv", "method", req.Method, "id", resp.ID.String(), "payload", string(line))
			return resp, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, t.fail(req, timeout, &TimeoutError{Method: req.Method, After: timeout})
		}
		line, err = t.proc.AwaitLine(ctx, remaining)
	}
}

// match classifies one line read while waiting for req.
func (t *StdioTransport) match(req *Request, line []byte) (resp *Response, skip bool, err error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		t.logger.Debug("skipping non-JSON line from provider", "line", string(line))
		return nil, true, nil
	}

	var head struct {
		ID     ID     `json:"id"`
		Method string `json:"method"`
	}
	if err := json.Unmarshal(trimmed, &head); err != nil {
		return nil, false, &ProtocolError{Reason: "malformed response", Err: err}
	}
	if head.Method != "" && head.ID.IsZero() {
		t.logger.Debug("ignoring provider notification", "method", head.Method)
		return nil, true, nil
	}

	resp, err = DecodeResponse(trimmed)
	if err != nil {
		return nil, false, err
	}
	if resp.ID.Equal(req.ID) {
		return resp, false, nil
	}
	if _, ok := t.abandoned[resp.ID.String()]; ok {
		delete(t.abandoned, resp.ID.String())
		t.logger.Debug("dropping late response to abandoned request", "id", resp.ID.String())
		return nil, true, nil
	}
	return nil, false, &ProtocolError{Reason: "response id " + resp.ID.String() + " does not match request id " + req.ID.String()}
}

// fail records a request that will never be answered and applies the
// timeout policy.
func (t *StdioTransport) fail(req *Request, timeout time.Duration, err error) error {
	timedOut := errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
	if errors.Is(err, ErrTimeout) {
		err = &TimeoutError{Method: req.Method, After: timeout}
	}
	if !timedOut && !errors.Is(err, context.Canceled) {
		return err
	}

	t.abandoned[req.ID.String()] = struct{}{}
	if timedOut && t.config.TimeoutPolicy == TimeoutRestart && t.proc != nil {
		t.logger.Warn("request timed out, restarting provider process",
			"method", req.Method, "timeout", timeout)
		_ = t.proc.Stop()
		t.proc = nil
		t.generation.Add(1)
		clear(t.abandoned)
	}
	return err
}

// Notify sends a notification to the child. No response is read.
func (t *StdioTransport) Notify(ctx context.Context, n *Notification) error {
	if err := t.acquire(ctx); err != nil {
		return err
	}
	defer t.release()

	if err := t.ensureProcess(); err != nil {
		return err
	}

	data, err := json.Marshal(n)
	if err != nil {
		return &ProtocolError{Reason: "encode notification", Err: err}
	}
	t.logger.Log(ctx, levelTrace, "stdio notify", "method", n.Method, "payload", string(data))
	return t.proc.Write(data)
}

// Close stops the child process. Requests after Close fail with
// [ErrNotRunning].
func (t *StdioTransport) Close() error {
	t.sem <- struct{}{}
	defer t.release()

	t.closed = true
	if t.proc == nil {
		return nil
	}
	err := t.proc.Stop()
	t.proc = nil
	return err
}
