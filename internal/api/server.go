// Package api implements the relay's HTTP surface: chat, the tool
// catalog, provider management, the relay's own tool endpoint, and a
// live event stream.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/nugget/toolrelay/internal/agent"
	"github.com/nugget/toolrelay/internal/buildinfo"
	"github.com/nugget/toolrelay/internal/connwatch"
	"github.com/nugget/toolrelay/internal/events"
	"github.com/nugget/toolrelay/internal/providers"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Runner answers chat requests, normally an *agent.Loop.
type Runner interface {
	Run(ctx context.Context, req *agent.Request, emit func(agent.Event)) (*agent.Result, error)
}

// Tools is the aggregated catalog, normally a *providers.Aggregator.
type Tools interface {
	Catalog(ctx context.Context) ([]providers.CatalogEntry, error)
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
	ClearCache() int
}

// ProviderStore is the durable provider list, normally a
// *providers.Store.
type ProviderStore interface {
	Providers(ctx context.Context) ([]providers.Provider, error)
	Get(ctx context.Context, id string) (providers.Provider, error)
	Create(ctx context.Context, p providers.Provider) (providers.Provider, error)
	Update(ctx context.Context, p providers.Provider) error
	SetActive(ctx context.Context, id string, active bool) error
	Delete(ctx context.Context, id string) error
}

// HealthReporter reports the services the relay depends on, normally a
// *connwatch.Manager.
type HealthReporter interface {
	Status() []connwatch.Status
}

// Deps are the collaborators behind the endpoints. Any of them may be
// nil; the endpoints that need a missing one answer 503.
type Deps struct {
	Runner     Runner
	Tools      Tools
	Store      ProviderStore
	ToolServer http.Handler
	Health     HealthReporter
	Bus        *events.Bus
	Logger     *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	addr   string
	deps   Deps
	logger *slog.Logger
	server *http.Server
}

// NewServer creates a server that will listen on addr.
func NewServer(addr string, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{addr: addr, deps: deps, logger: logger}
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/chat", s.handleChat)
	mux.HandleFunc("POST /v1/chat/stream", s.handleChatStream)

	mux.HandleFunc("GET /v1/tools", s.handleTools)
	mux.HandleFunc("POST /v1/tools/call", s.handleToolCall)

	mux.HandleFunc("GET /v1/providers", s.handleProviderList)
	mux.HandleFunc("POST /v1/providers", s.handleProviderCreate)
	mux.HandleFunc("GET /v1/providers/{id}", s.handleProviderGet)
	mux.HandleFunc("PUT /v1/providers/{id}", s.handleProviderUpdate)
	mux.HandleFunc("DELETE /v1/providers/{id}", s.handleProviderDelete)
	mux.HandleFunc("POST /v1/providers/{id}/activate", s.handleProviderActive(true))
	mux.HandleFunc("POST /v1/providers/{id}/deactivate", s.handleProviderActive(false))
	mux.HandleFunc("POST /v1/cache/clear", s.handleCacheClear)

	mux.HandleFunc("POST /mcp", s.handleMCP)
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	return s.withLogging(mux)
}

// Start serves until the listener fails or [Server.Shutdown] is
// called, in which case it returns nil.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.addr,
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: chat streams and the event websocket stay
		// open for as long as the run or subscriber lasts.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	s.logger.Info("starting API server", "address", s.addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// statusRecorder captures the status code for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach Flush and deadlines.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack passes the connection through for the websocket upgrade.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "toolrelay",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.RuntimeInfo(), s.logger)
}

// HealthResponse is the body of GET /health. Status is "degraded" when
// any watched service is unreachable; the endpoint still answers 200
// because the relay itself is up.
type HealthResponse struct {
	Status   string             `json:"status"`
	Services []connwatch.Status `json:"services,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "healthy"}
	if s.deps.Health != nil {
		resp.Services = s.deps.Health.Status()
		for _, svc := range resp.Services {
			if !svc.Ready {
				resp.Status = "degraded"
			}
		}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	if s.deps.ToolServer == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "tool server not configured")
		return
	}
	s.deps.ToolServer.ServeHTTP(w, r)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
