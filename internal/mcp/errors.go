package mcp

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTransport matches every [TransportError] via errors.Is.
	ErrTransport = errors.New("transport failure")

	// ErrNotRunning is returned when a request is made against a child
	// process that was never started, has been stopped, or has exited.
	ErrNotRunning = errors.New("provider process not running")

	// ErrTimeout matches every [TimeoutError] via errors.Is.
	ErrTimeout = errors.New("request timed out")
)

// TransportError reports an I/O failure underneath the protocol: a
// process that could not be spawned, a broken pipe, or an HTTP request
// that never produced a usable response.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

// Unwrap exposes both the underlying cause and [ErrTransport].
func (e *TransportError) Unwrap() []error {
	return []error{ErrTransport, e.Err}
}

// TimeoutError reports that no matching response arrived in time.
type TimeoutError struct {
	Method string
	After  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: no response within %s", e.Method, e.After)
}

// Is reports true for [ErrTimeout].
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// ProtocolError reports a peer that broke the wire contract: malformed
// JSON, an envelope with neither result nor error, or a response whose
// ID does not match the outstanding request.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
	}
	return "protocol error: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ToolExecutionError reports that a provider answered a tools/call
// with a failure, either as a JSON-RPC error or as a result flagged
// isError.
type ToolExecutionError struct {
	Name    string
	Code    int
	Message string
}

func (e *ToolExecutionError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("tool %s failed (%d): %s", e.Name, e.Code, e.Message)
	}
	return fmt.Sprintf("tool %s failed: %s", e.Name, e.Message)
}
