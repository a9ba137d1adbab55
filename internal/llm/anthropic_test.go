package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestConvertToAnthropic(t *testing.T) {
	messages := []Message{
		SystemMessage("You are a helpful assistant."),
		UserMessage("Hello!"),
		{Role: RoleAssistant, Content: "Hi there!"},
		UserMessage("What time is it?"),
	}

	result, system := convertToAnthropic(messages)

	if system != "You are a helpful assistant." {
		t.Errorf("expected system prompt extracted, got %q", system)
	}
	if len(result) != 3 {
		t.Fatalf("expected 3 messages (no system), got %d", len(result))
	}
	if result[0].Role != RoleUser {
		t.Errorf("expected first message to be user, got %s", result[0].Role)
	}
}

func TestConvertToAnthropicWithToolCalls(t *testing.T) {
	call := ToolCall{ID: "toolu_abc123", Name: "current_time", Arguments: map[string]any{"timezone": "UTC"}}
	messages := []Message{
		UserMessage("What time is it?"),
		{Role: RoleAssistant, Content: "Checking.", ToolCalls: []ToolCall{call, {Name: "echo"}}},
		ToolMessage(call, "12:00"),
	}

	result, _ := convertToAnthropic(messages)
	if len(result) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(result))
	}

	blocks, ok := result[1].Content.([]anthropicContent)
	if !ok {
		t.Fatalf("assistant content is %T, want blocks", result[1].Content)
	}
	want := []anthropicContent{
		{Type: "text", Text: "Checking."},
		{Type: "tool_use", ID: "toolu_abc123", Name: "current_time", Input: map[string]any{"timezone": "UTC"}},
		{Type: "tool_use", ID: "toolu_echo_1", Name: "echo", Input: map[string]any{}},
	}
	if diff := cmp.Diff(want, blocks); diff != "" {
		t.Errorf("blocks mismatch (-want +got):\n%s", diff)
	}

	if result[2].Role != RoleUser {
		t.Errorf("tool result role = %s, want user", result[2].Role)
	}
	res := result[2].Content.([]anthropicContent)
	if res[0].Type != "tool_result" || res[0].ToolUseID != "toolu_abc123" || res[0].Content != "12:00" {
		t.Errorf("tool result block = %+v", res[0])
	}
}

func TestConvertToolsToAnthropic(t *testing.T) {
	schema := map[string]any{"type": "object", "properties": map[string]any{"text": map[string]any{"type": "string"}}}
	got := convertToolsToAnthropic([]ToolSpec{
		{Name: "echo", Description: "Echo", Parameters: schema},
		{Name: "new_uuid"},
	})
	if len(got) != 2 {
		t.Fatalf("got %d tools, want 2", len(got))
	}
	if diff := cmp.Diff(any(schema), got[0].InputSchema); diff != "" {
		t.Errorf("schema mismatch (-want +got):\n%s", diff)
	}
	if got[1].InputSchema == nil {
		t.Error("missing schema should default to an empty object schema")
	}
	if convertToolsToAnthropic(nil) != nil {
		t.Error("no tools should convert to nil")
	}
}

func TestConvertFromAnthropic(t *testing.T) {
	resp := &anthropicResponse{
		Model: "claude-test",
		Content: []anthropicContent{
			{Type: "text", Text: "Let me "},
			{Type: "text", Text: "check."},
			{Type: "tool_use", ID: "toolu_1", Name: "echo", Input: map[string]any{"text": "x"}},
			{Type: "tool_use", ID: "toolu_2", Name: "new_uuid", Input: "not an object"},
		},
	}
	resp.Usage.InputTokens = 10
	resp.Usage.OutputTokens = 5

	got := convertFromAnthropic(resp)
	want := &Reply{
		Model: "claude-test",
		Text:  "Let me check.",
		ToolCalls: []ToolCall{
			{ID: "toolu_1", Name: "echo", Arguments: map[string]any{"text": "x"}},
			{ID: "toolu_2", Name: "new_uuid", Arguments: map[string]any{}},
		},
		InputTokens:  10,
		OutputTokens: 5,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("reply mismatch (-want +got):\n%s", diff)
	}
}

func TestClientsImplementInterface(t *testing.T) {
	var _ Client = (*AnthropicClient)(nil)
	var _ Client = (*OllamaClient)(nil)
}

func TestAnthropicClient_Send(t *testing.T) {
	var gotReq anthropicRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "secret" {
			t.Errorf("x-api-key = %q", r.Header.Get("x-api-key"))
		}
		if r.Header.Get("anthropic-version") != anthropicAPIVersion {
			t.Errorf("anthropic-version = %q", r.Header.Get("anthropic-version"))
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{"model":"claude-test","stop_reason":"end_turn","content":[{"type":"text","text":"done"}],"usage":{"input_tokens":3,"output_tokens":1}}`))
	}))
	defer srv.Close()

	c := NewAnthropicClient("secret", "claude-test", time.Second, nil)
	c.apiURL = srv.URL

	reply, err := c.Send(context.Background(), []Message{SystemMessage("sys"), UserMessage("hi")}, []ToolSpec{{Name: "echo"}})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if reply.Text != "done" || reply.HasToolCalls() {
		t.Errorf("reply = %+v", reply)
	}
	if gotReq.System != "sys" || gotReq.MaxTokens != anthropicMaxTokens || len(gotReq.Tools) != 1 {
		t.Errorf("request = %+v", gotReq)
	}
}

func TestAnthropicClient_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewAnthropicClient("bad", "claude-test", time.Second, nil)
	c.apiURL = srv.URL
	if err := c.Ping(context.Background()); err == nil {
		t.Fatal("expected error for 401")
	}
}
