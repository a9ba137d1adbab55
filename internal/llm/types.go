// Package llm talks to the language model that drives the tool loop.
// The rest of toolrelay sees one provider-neutral shape: a history of
// [Message] values and a list of [ToolSpec] offers go in, a [Reply]
// comes out. Wire formats are converted at the provider edge
// (ollama.go, anthropic.go).
package llm

import (
	"log/slog"
	"time"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one conversation turn.
type Message struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID and ToolName identify the call a tool-role message
	// answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
}

// SystemMessage returns a system-role turn.
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// UserMessage returns a user-role turn.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// ToolMessage returns the tool-role turn carrying the outcome of call.
func ToolMessage(call ToolCall, content string) Message {
	return Message{
		Role:       RoleTool,
		Content:    content,
		ToolCallID: call.ID,
		ToolName:   call.Name,
	}
}

// ToolCall is a model's request to execute one tool.
type ToolCall struct {
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolSpec describes a tool offered to the model. Parameters is a JSON
// Schema object.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

// Reply is the model's answer to one request. A reply with tool calls
// asks the caller to run them and send the results back; a reply
// without tool calls is final.
type Reply struct {
	Model     string
	Text      string
	ToolCalls []ToolCall

	InputTokens  int
	OutputTokens int
	Duration     time.Duration
}

// HasToolCalls reports whether the reply requests tool execution.
func (r *Reply) HasToolCalls() bool {
	return r != nil && len(r.ToolCalls) > 0
}

// Message returns the assistant turn to append to the history.
func (r *Reply) Message() Message {
	return Message{Role: RoleAssistant, Content: r.Text, ToolCalls: r.ToolCalls}
}

// toolNames lists spec names in order.
func toolNames(tools []ToolSpec) []string {
	if len(tools) == 0 {
		return nil
	}
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		if t.Name != "" {
			names = append(names, t.Name)
		}
	}
	return names
}

// emptyParameters is offered for tools that declare no schema.
func emptyParameters() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}
