package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nugget/toolrelay/internal/providers"
)

// ToolsResponse is the body of GET /v1/tools.
type ToolsResponse struct {
	Tools []providers.CatalogEntry `json:"tools"`
	// Conflicts maps a shadowed tool name to its providers, first wins.
	Conflicts map[string][]string `json:"conflicts,omitempty"`
}

// ToolCallRequest is the body of POST /v1/tools/call.
type ToolCallRequest struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// attemptJSON is one provider's failure in a 404 tool call response.
type attemptJSON struct {
	Provider string `json:"provider"`
	Error    string `json:"error"`
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tools == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "tools not configured")
		return
	}
	entries, err := s.deps.Tools.Catalog(r.Context())
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "catalog: "+err.Error())
		return
	}
	if entries == nil {
		entries = []providers.CatalogEntry{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, ToolsResponse{Tools: entries, Conflicts: providers.Conflicts(entries)}, s.logger)
}

func (s *Server) handleToolCall(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tools == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "tools not configured")
		return
	}
	var req ToolCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		s.errorResponse(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.Arguments == nil {
		req.Arguments = map[string]any{}
	}

	out, err := s.deps.Tools.CallTool(r.Context(), req.Name, req.Arguments)
	if err != nil {
		var nf *providers.ToolNotFoundError
		if !errors.As(err, &nf) {
			s.errorResponse(w, http.StatusBadGateway, err.Error())
			return
		}
		attempts := make([]attemptJSON, 0, len(nf.Attempts))
		for _, a := range nf.Attempts {
			attempts = append(attempts, attemptJSON{Provider: a.Provider, Error: a.Err.Error()})
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		writeJSON(w, map[string]any{
			"error":    map[string]any{"message": nf.Error(), "code": http.StatusNotFound},
			"attempts": attempts,
		}, s.logger)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"result": out}, s.logger)
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tools == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "tools not configured")
		return
	}
	n := s.deps.Tools.ClearCache()
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]int{"retired": n}, s.logger)
}
