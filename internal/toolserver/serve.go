package toolserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/nugget/toolrelay/internal/mcp"
)

// maxRequestSize bounds one request line or HTTP body.
const maxRequestSize = 10 << 20

// ServeStdio reads one request per line from r and writes one response
// per line to w until r reaches EOF or ctx is done. Requests are
// answered strictly in order. Lines that are not valid JSON get a
// parse error response with a null id; notifications get nothing.
func (s *Server) ServeStdio(ctx context.Context, r io.Reader, w io.Writer) error {
	reader := bufio.NewReaderSize(r, 64<<10)
	out := bufio.NewWriter(w)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		line, readErr := mcp.ReadLine(reader, maxRequestSize)
		if errors.Is(readErr, mcp.ErrLineTooLong) {
			s.logger.Warn("request line too large", "limit_bytes", maxRequestSize)
			if err := writeLine(out, mcp.NewErrorResponse(mcp.ID{}, mcp.CodeInvalidRequest, "request too large")); err != nil {
				return err
			}
			continue
		}
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			if resp := s.handleLine(ctx, trimmed); resp != nil {
				if err := writeLine(out, resp); err != nil {
					return err
				}
			}
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return nil
			}
			return fmt.Errorf("read request: %w", readErr)
		}
	}
}

// handleLine decodes and dispatches one raw request.
func (s *Server) handleLine(ctx context.Context, data []byte) *mcp.Response {
	req, err := mcp.DecodeRequest(data)
	if err != nil {
		s.logger.Debug("undecodable request", "error", err)
		var pe *mcp.ProtocolError
		if errors.As(err, &pe) && pe.Err == nil {
			return mcp.NewErrorResponse(idOf(data), mcp.CodeInvalidRequest, pe.Reason)
		}
		return mcp.NewErrorResponse(mcp.ID{}, mcp.CodeParseError, "parse error")
	}
	return s.Dispatch(ctx, req)
}

// idOf recovers the id of a JSON object that failed envelope checks, so
// the error can still be correlated.
func idOf(data []byte) mcp.ID {
	var head struct {
		ID mcp.ID `json:"id"`
	}
	_ = json.Unmarshal(data, &head)
	return head.ID
}

func writeLine(w *bufio.Writer, resp *mcp.Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	return w.Flush()
}

// ServeHTTP accepts one JSON-RPC envelope per POST. Notifications are
// acknowledged with 202 and an empty body.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestSize))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	resp := s.handleLine(r.Context(), bytes.TrimSpace(body))
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}
