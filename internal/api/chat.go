package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/yuin/goldmark"

	"github.com/nugget/toolrelay/internal/agent"
)

// ChatRequest is the body of POST /v1/chat and /v1/chat/stream.
type ChatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
	MaxIterations  int    `json:"max_iterations,omitempty"`
	// Format "html" adds an HTML rendering of the markdown answer.
	Format string `json:"format,omitempty"`
}

// ChatResponse is the body returned by POST /v1/chat.
type ChatResponse struct {
	Response       string `json:"response"`
	HTML           string `json:"html,omitempty"`
	Model          string `json:"model,omitempty"`
	ConversationID string `json:"conversation_id"`
	RunID          string `json:"run_id"`
	Iterations     int    `json:"iterations"`
	ToolCalls      int    `json:"tool_calls"`
	ElapsedMS      int64  `json:"elapsed_ms"`
}

func (s *Server) decodeChat(w http.ResponseWriter, r *http.Request) (*agent.Request, string, bool) {
	if s.deps.Runner == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "chat not configured")
		return nil, "", false
	}
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return nil, "", false
	}
	if req.Message == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return nil, "", false
	}
	if req.ConversationID == "" {
		req.ConversationID = uuid.NewString()
	}
	return &agent.Request{
		ConversationID: req.ConversationID,
		Message:        req.Message,
		MaxIterations:  req.MaxIterations,
	}, req.Format, true
}

// handleChat answers with the final text once the run completes.
// POST /v1/chat {"message": "what time is it?"}
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	agentReq, format, ok := s.decodeChat(w, r)
	if !ok {
		return
	}

	res, err := s.deps.Runner.Run(r.Context(), agentReq, nil)
	if err != nil {
		s.logger.Error("agent run failed", "conversation", agentReq.ConversationID, "error", err)
		code := http.StatusInternalServerError
		if errors.Is(err, agent.ErrIterationLimitExceeded) {
			code = http.StatusUnprocessableEntity
		}
		s.errorResponse(w, code, "agent error: "+err.Error())
		return
	}

	resp := ChatResponse{
		Response:       res.Text,
		Model:          res.Model,
		ConversationID: res.ConversationID,
		RunID:          res.RunID,
		Iterations:     res.Iterations,
		ToolCalls:      res.ToolCalls,
		ElapsedMS:      res.Elapsed.Milliseconds(),
	}
	if format == "html" {
		html, err := renderMarkdown(res.Text)
		if err != nil {
			s.logger.Warn("markdown rendering failed", "error", err)
		}
		resp.HTML = html
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

// handleChatStream writes every progress event as one JSON line. The
// last line is the final or failed event.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	agentReq, _, ok := s.decodeChat(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	enc := json.NewEncoder(w)
	emit := func(e agent.Event) {
		if err := enc.Encode(e); err != nil {
			s.logger.Debug("failed to write stream event", "error", err)
			return
		}
		if err := rc.Flush(); err != nil {
			s.logger.Debug("failed to flush stream event", "error", err)
		}
		// Each event buys the stream more time during long tool loops.
		if err := rc.SetWriteDeadline(time.Now().Add(2 * time.Minute)); err != nil && !errors.Is(err, http.ErrNotSupported) {
			s.logger.Debug("failed to reset write deadline", "error", err)
		}
	}

	if _, err := s.deps.Runner.Run(r.Context(), agentReq, emit); err != nil {
		// The failed event has already been written; status can't change.
		s.logger.Error("agent run failed", "conversation", agentReq.ConversationID, "error", err)
	}
}

func renderMarkdown(md string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}
