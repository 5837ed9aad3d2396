package planner

import (
	"context"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/jsonschema"

	"mealplanagent/tools"
)

type MessagePart struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	ToolName  string         `json:"tool_name,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

type MessageParts []MessagePart

func (mp MessageParts) Join() string {
	var b strings.Builder
	for _, part := range mp {
		if part.Type == "text" {
			b.WriteString(part.Text)
		}
	}
	return b.String()
}

type Message struct {
	Role    string       `json:"role"`
	Content MessageParts `json:"content"`
}

type ToolResult struct {
	ToolUseID string
	ToolName  string
	Data      map[string]any
}

func NewToolResultMessage(results []ToolResult) Message {
	var parts MessageParts
	for _, result := range results {
		parts = append(parts, MessagePart{
			Type:      "tool_result",
			ToolUseID: result.ToolUseID,
			ToolName:  result.ToolName,
			Data:      result.Data,
		})
	}
	return Message{Role: "user", Content: parts}
}

// ToolSpec is the policy-facing description of one tool.
type ToolSpec struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	InputSchema *jsonschema.Schema `json:"input_schema"`
}

type Prompt struct {
	Messages []Message  `json:"messages"`
	Tools    []ToolSpec `json:"tools,omitempty"`
}

// Response is either tool calls or a terminal text summary.
type Response struct {
	Content   string       `json:"content,omitempty"`
	ToolCalls []tools.Call `json:"tool_calls,omitempty"`
}

// Policy chooses the next step. Every invocation receives the whole prompt;
// no conversation state is kept on the provider side.
type Policy interface {
	Invoke(ctx context.Context, prompt Prompt) (Response, error)
}
