package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/nugget/toolrelay/internal/httpkit"
)

// DefaultOllamaURL is used when no base URL is configured.
const DefaultOllamaURL = "http://localhost:11434"

// OllamaClient is a client for the Ollama chat API.
type OllamaClient struct {
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient creates a client that sends every request to model.
// Large models with tools need time, so the request timeout is long;
// callers bound individual requests with their context.
func NewOllamaClient(baseURL, model string, timeout time.Duration, logger *slog.Logger) *OllamaClient {
	if baseURL == "" {
		baseURL = DefaultOllamaURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	logger = logger.With("backend", "ollama")
	return &OllamaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		logger:  logger,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(timeout),
			httpkit.WithRetry(2, time.Second),
			httpkit.WithLogger(logger),
		),
	}
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Tools    []ollamaTool    `json:"tools,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"` // Ollama sends an object, not a string
	} `json:"function"`
}

type ollamaTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		Parameters  map[string]any `json:"parameters"`
	} `json:"function"`
}

// ollamaWireResponse is the /api/chat response body.
type ollamaWireResponse struct {
	Model           string        `json:"model"`
	CreatedAt       string        `json:"created_at"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	TotalDuration   int64         `json:"total_duration,omitempty"`
	PromptEvalCount int           `json:"prompt_eval_count,omitempty"`
	EvalCount       int           `json:"eval_count,omitempty"`
}

func (w *ollamaWireResponse) toReply() *Reply {
	r := &Reply{
		Model:        w.Model,
		Text:         w.Message.Content,
		InputTokens:  w.PromptEvalCount,
		OutputTokens: w.EvalCount,
		Duration:     time.Duration(w.TotalDuration),
	}
	for i, tc := range w.Message.ToolCalls {
		r.ToolCalls = append(r.ToolCalls, ToolCall{
			ID:        fmt.Sprintf("call_%d", i),
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return r
}

func toOllamaMessages(history []Message) []ollamaMessage {
	out := make([]ollamaMessage, 0, len(history))
	for _, m := range history {
		om := ollamaMessage{Role: m.Role, Content: m.Content}
		if m.Role == RoleTool {
			om.ToolName = m.ToolName
		}
		for _, tc := range m.ToolCalls {
			var wc ollamaToolCall
			wc.Function.Name = tc.Name
			wc.Function.Arguments = tc.Arguments
			if wc.Function.Arguments == nil {
				wc.Function.Arguments = map[string]any{}
			}
			om.ToolCalls = append(om.ToolCalls, wc)
		}
		out = append(out, om)
	}
	return out
}

func toOllamaTools(tools []ToolSpec) []ollamaTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]ollamaTool, 0, len(tools))
	for _, t := range tools {
		var ot ollamaTool
		ot.Type = "function"
		ot.Function.Name = t.Name
		ot.Function.Description = t.Description
		ot.Function.Parameters = t.Parameters
		if ot.Function.Parameters == nil {
			ot.Function.Parameters = emptyParameters()
		}
		out = append(out, ot)
	}
	return out
}

// Send posts a non-streaming chat request.
func (c *OllamaClient) Send(ctx context.Context, history []Message, tools []ToolSpec) (*Reply, error) {
	req := ollamaRequest{
		Model:    c.model,
		Messages: toOllamaMessages(history),
		Tools:    toOllamaTools(tools),
	}
	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Debug("sending chat request", "model", c.model, "messages", len(history), "tools", len(tools))
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama API error %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 4096))
	}

	var wire ollamaWireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	reply := wire.toReply()

	// Many models write tool calls into the content instead of using
	// the native tool_calls field.
	if len(reply.ToolCalls) == 0 && reply.Text != "" && len(tools) > 0 {
		if parsed := parseTextToolCalls(reply.Text, toolNames(tools)); len(parsed) > 0 {
			c.logger.Debug("recovered tool calls from content", "count", len(parsed))
			reply.ToolCalls = parsed
			reply.Text = ""
		}
	}

	c.logger.Debug("chat response received",
		"model", reply.Model,
		"input_tokens", reply.InputTokens,
		"output_tokens", reply.OutputTokens,
		"tool_calls", len(reply.ToolCalls),
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", reply.Text)
	return reply, nil
}

type textToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// parseTextToolCalls extracts tool calls written into content text.
// Recognized forms:
//   - a JSON object: {"name": "...", "arguments": {...}}
//   - a JSON array of such objects
//   - concatenated objects, optionally followed by prose
//   - tool_name {json arguments}
//   - any of the above wrapped in <tool_call> tags
//
// When validTools is non-empty, calls to other names are dropped.
func parseTextToolCalls(content string, validTools []string) []ToolCall {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	if start := strings.Index(content, "<tool_call>"); start != -1 {
		rest := content[start+len("<tool_call>"):]
		if end := strings.Index(rest, "</tool_call>"); end != -1 {
			rest = rest[:end]
		}
		content = strings.TrimSpace(rest)
	}

	allowed := func(name string) bool {
		return name != "" && (len(validTools) == 0 || slices.Contains(validTools, name))
	}
	var out []ToolCall
	add := func(name string, args map[string]any) {
		if !allowed(name) {
			return
		}
		if args == nil {
			args = map[string]any{}
		}
		out = append(out, ToolCall{ID: fmt.Sprintf("call_%d", len(out)), Name: name, Arguments: args})
	}

	var list []textToolCall
	if err := json.Unmarshal([]byte(content), &list); err == nil {
		for _, c := range list {
			add(c.Name, c.Arguments)
		}
		return out
	}

	if strings.HasPrefix(content, "{") {
		dec := json.NewDecoder(strings.NewReader(content))
		for {
			var c textToolCall
			if err := dec.Decode(&c); err != nil {
				break
			}
			add(c.Name, c.Arguments)
		}
		return out
	}

	brace := strings.Index(content, "{")
	if brace <= 0 {
		return nil
	}
	name := strings.TrimSpace(content[:brace])
	if name == "" || strings.ContainsAny(name, " \t\n") {
		return nil
	}
	var args map[string]any
	if err := json.NewDecoder(strings.NewReader(content[brace:])).Decode(&args); err != nil {
		return nil
	}
	add(name, args)
	return out
}

// Ping checks if Ollama is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	_, err := c.tags(ctx)
	return err
}

// ListModels returns the models installed on the server.
func (c *OllamaClient) ListModels(ctx context.Context) ([]string, error) {
	return c.tags(ctx)
}

func (c *OllamaClient) tags(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama API error %d", resp.StatusCode)
	}

	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	names := make([]string, len(result.Models))
	for i, m := range result.Models {
		names[i] = m.Name
	}
	return names, nil
}
