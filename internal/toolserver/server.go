package toolserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/nugget/toolrelay/internal/mcp"
)

// Handler executes a tool with already-validated arguments and returns
// its text result.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool is a tool the server can execute.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
	Handler     Handler
}

type entry struct {
	def    mcp.Tool
	schema *gojsonschema.Schema
	run    Handler
}

// Server holds registered tools and answers protocol requests for
// them. Registration is safe to interleave with dispatching.
type Server struct {
	info   mcp.Implementation
	logger *slog.Logger

	mu    sync.RWMutex
	tools map[string]*entry
	order []string
}

// New creates an empty server that identifies itself as info.
func New(info mcp.Implementation, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		info:   info,
		logger: logger,
		tools:  make(map[string]*entry),
	}
}

// Register adds a tool. It fails on an empty name, a nil handler, a
// duplicate name, a schema that does not compile, or a required
// parameter that the schema does not declare.
func (s *Server) Register(t Tool) error {
	if t.Name == "" {
		return errors.New("tool has no name")
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %s has no handler", t.Name)
	}

	schema := t.InputSchema
	if schema == nil {
		schema = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	def := mcp.Tool{
		Name:               t.Name,
		Description:        t.Description,
		InputSchema:        schema,
		RequiredParameters: mcp.RequiredFromSchema(schema),
	}
	if err := def.Validate(); err != nil {
		return err
	}

	compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schema))
	if err != nil {
		return fmt.Errorf("tool %s: compile input schema: %w", t.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tools[t.Name]; exists {
		return fmt.Errorf("tool %s already registered", t.Name)
	}
	s.tools[t.Name] = &entry{def: def, schema: compiled, run: t.Handler}
	s.order = append(s.order, t.Name)
	return nil
}

// MustRegister is Register for static tool tables; it panics on error.
func (s *Server) MustRegister(tools ...Tool) {
	for _, t := range tools {
		if err := s.Register(t); err != nil {
			panic(err)
		}
	}
}

// Tools returns the registered tool definitions in registration order.
func (s *Server) Tools() []mcp.Tool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]mcp.Tool, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.tools[name].def)
	}
	return out
}

// Dispatch answers one request. It returns nil for notifications,
// which never get a response.
func (s *Server) Dispatch(ctx context.Context, req *mcp.Request) *mcp.Response {
	if req.IsNotification() {
		s.logger.Debug("notification received", "method", req.Method)
		return nil
	}

	switch req.Method {
	case mcp.MethodInitialize:
		return s.result(req.ID, mcp.InitializeResult{
			ProtocolVersion: mcp.ProtocolVersion,
			Capabilities:    mcp.ServerCapabilities{Tools: &mcp.ToolsCapability{ListChanged: false}},
			ServerInfo:      s.info,
		})
	case mcp.MethodPing:
		return s.result(req.ID, struct{}{})
	case mcp.MethodToolsList:
		return s.result(req.ID, mcp.ListToolsResult{Tools: s.Tools()})
	case mcp.MethodToolsCall:
		return s.callTool(ctx, req)
	default:
		return mcp.NewErrorResponse(req.ID, mcp.CodeMethodNotFound, "method not found: "+req.Method)
	}
}

func (s *Server) callTool(ctx context.Context, req *mcp.Request) *mcp.Response {
	var params mcp.CallToolParams
	if len(req.Params) == 0 {
		return mcp.NewErrorResponse(req.ID, mcp.CodeInvalidParams, "missing params")
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return mcp.NewErrorResponse(req.ID, mcp.CodeInvalidParams, "invalid params: "+err.Error())
	}
	if params.Arguments == nil {
		params.Arguments = map[string]any{}
	}

	s.mu.RLock()
	e, ok := s.tools[params.Name]
	s.mu.RUnlock()
	if !ok {
		return mcp.NewErrorResponse(req.ID, mcp.CodeInvalidParams, "unknown tool: "+params.Name)
	}

	if msg := validateArgs(e.schema, params.Arguments); msg != "" {
		return mcp.NewErrorResponse(req.ID, mcp.CodeInvalidParams, "invalid arguments for "+params.Name+": "+msg)
	}

	text, err := s.invoke(ctx, e, params.Arguments)
	if err != nil {
		s.logger.Warn("tool failed", "tool", params.Name, "error", err)
		return mcp.NewErrorResponse(req.ID, mcp.CodeToolFailure, err.Error())
	}
	return s.result(req.ID, mcp.TextResult(text))
}

// invoke runs the handler, converting a panic into an error so one
// bad tool cannot take the server down.
func (s *Server) invoke(ctx context.Context, e *entry, args map[string]any) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("tool panicked", "tool", e.def.Name, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("tool %s panicked: %v", e.def.Name, r)
		}
	}()
	return e.run(ctx, args)
}

func (s *Server) result(id mcp.ID, v any) *mcp.Response {
	resp, err := mcp.NewResult(id, v)
	if err != nil {
		return mcp.NewErrorResponse(id, mcp.CodeInternalError, err.Error())
	}
	return resp
}

// validateArgs returns a human-readable list of schema violations, or
// "" when args conform.
func validateArgs(schema *gojsonschema.Schema, args map[string]any) string {
	res, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return err.Error()
	}
	if res.Valid() {
		return ""
	}
	msgs := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		msgs = append(msgs, e.String())
	}
	return strings.Join(msgs, "; ")
}
