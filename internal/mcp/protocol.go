package mcp

import (
	"encoding/json"
	"fmt"
	"sort"
)

// ProtocolVersion is the protocol revision announced during the
// initialize handshake.
const ProtocolVersion = "2024-11-05"

// Implementation identifies a client or server by name and version.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeParams is the payload of an initialize request.
type InitializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      Implementation `json:"clientInfo"`
}

// ToolsCapability advertises tool support in an initialize result.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged"`
}

// ServerCapabilities is the capability set a server advertises.
type ServerCapabilities struct {
	Tools *ToolsCapability `json:"tools,omitempty"`
}

// InitializeResult is the payload of an initialize response.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion,omitempty"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Implementation     `json:"serverInfo"`
}

// Tool describes one tool offered by a provider. RequiredParameters is
// derived from the schema's "required" array and never sent on the
// wire on its own.
type Tool struct {
	Name               string         `json:"name"`
	Description        string         `json:"description,omitempty"`
	InputSchema        map[string]any `json:"inputSchema"`
	RequiredParameters []string       `json:"-"`
}

// UnmarshalJSON decodes a tool and fills RequiredParameters from its
// input schema.
func (t *Tool) UnmarshalJSON(data []byte) error {
	type wire Tool
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*t = Tool(w)
	t.RequiredParameters = RequiredFromSchema(t.InputSchema)
	return nil
}

// Validate checks that every required parameter is declared in the
// schema's properties.
func (t Tool) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("tool has no name")
	}
	props, _ := t.InputSchema["properties"].(map[string]any)
	for _, name := range t.RequiredParameters {
		if _, ok := props[name]; !ok {
			return fmt.Errorf("tool %s: required parameter %q is not a declared property", t.Name, name)
		}
	}
	return nil
}

// PropertyNames returns the sorted property names of the tool's schema.
func (t Tool) PropertyNames() []string {
	props, _ := t.InputSchema["properties"].(map[string]any)
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RequiredFromSchema extracts the "required" array of a JSON Schema
// object. Both decoded ([]any) and hand-built ([]string) forms are
// accepted.
func RequiredFromSchema(schema map[string]any) []string {
	switch req := schema["required"].(type) {
	case []string:
		return append([]string(nil), req...)
	case []any:
		out := make([]string, 0, len(req))
		for _, v := range req {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// ListToolsResult is the payload of a tools/list response.
type ListToolsResult struct {
	Tools []Tool `json:"tools"`
}

// CallToolParams is the payload of a tools/call request.
type CallToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ContentBlock is a single content item in a tool result.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// CallToolResult is the payload of a tools/call response.
type CallToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// TextResult wraps text in a single-block tool result.
func TextResult(text string) CallToolResult {
	return CallToolResult{Content: []ContentBlock{{Type: "text", Text: text}}}
}

// FirstText returns the text of the first text block, or "" if there
// is none.
func (r CallToolResult) FirstText() string {
	for _, block := range r.Content {
		if block.Type == "text" {
			return block.Text
		}
	}
	return ""
}
