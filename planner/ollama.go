package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"mealplanagent"
	"mealplanagent/tools"
)

type ollamaOptions struct {
	Temperature   float64 `json:"temperature,omitempty"`
	TopP          float64 `json:"top_p,omitempty"`
	RepeatPenalty float64 `json:"repeat_penalty,omitempty"`
	NumCtx        int     `json:"num_ctx,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"function"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	Name      string           `json:"name,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters"`
	} `json:"function"`
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Tools    []ollamaTool    `json:"tools,omitempty"`
	Stream   bool            `json:"stream"`
	Options  ollamaOptions   `json:"options,omitempty"`
}

type ollamaResponse struct {
	Message ollamaMessage `json:"message"`
}

// OllamaClient is a step-selection policy backed by a local Ollama server's
// native tool calling.
type OllamaClient struct {
	endpoint   string
	model      string
	httpClient mealplanagent.HTTPClient
	options    ollamaOptions
}

func NewOllamaClient(baseURL, model string, httpClient mealplanagent.HTTPClient) *OllamaClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &OllamaClient{
		endpoint:   strings.TrimRight(baseURL, "/") + "/api/chat",
		model:      model,
		httpClient: httpClient,
		options: ollamaOptions{
			Temperature:   defaultTemperature,
			TopP:          defaultTopP,
			RepeatPenalty: 1.05,
			NumCtx:        16384,
		},
	}
}

func (c *OllamaClient) Invoke(ctx context.Context, prompt Prompt) (Response, error) {
	const op = "invoke policy"
	slog.Info("LLM_CLIENT: Invoked", "messages_len", len(prompt.Messages), "backend", "ollama")

	specs := make([]ollamaTool, 0, len(prompt.Tools))
	for _, t := range prompt.Tools {
		spec, err := ollamaToolSpec(t)
		if err != nil {
			slog.Error("LLM_CLIENT: Failed to build tool spec", "tool", t.Name, "error", err)
			continue
		}
		specs = append(specs, spec)
	}

	reqBytes, err := json.Marshal(ollamaRequest{
		Model:    c.model,
		Messages: ollamaMessages(prompt),
		Tools:    specs,
		Options:  c.options,
	})
	if err != nil {
		return Response{}, mealplanagent.Wrap(mealplanagent.KindPermanent, op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(reqBytes))
	if err != nil {
		return Response{}, mealplanagent.Wrap(mealplanagent.KindPermanent, op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Response{}, mealplanagent.Wrap(mealplanagent.KindTransient, op, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		kind := mealplanagent.KindPermanent
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			kind = mealplanagent.KindTransient
		}
		return Response{}, mealplanagent.Errorf(kind, op, "ollama returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var wr ollamaResponse
	if err := json.Unmarshal(body, &wr); err != nil {
		slog.Warn("LLM_CLIENT: decode failed, returning raw", "error", err)
		return Response{Content: string(body)}, nil
	}

	// Ollama does not assign call ids; results are matched by position.
	var calls []tools.Call
	for i, tc := range wr.Message.ToolCalls {
		input := tc.Function.Arguments
		if input == nil {
			input = map[string]any{}
		}
		calls = append(calls, tools.Call{
			Name:      tc.Function.Name,
			Input:     normalizeInput(input).(map[string]any),
			ToolUseID: fmt.Sprintf("ollama-%d-%d", len(prompt.Messages), i),
		})
	}
	slog.Info("LLM_CLIENT: Ollama invoke succeeded", "tool_calls", len(calls))
	return Response{Content: strings.TrimSpace(wr.Message.Content), ToolCalls: calls}, nil
}

// ollamaMessages flattens part-based messages into Ollama chat messages.
// Tool uses become assistant tool_calls and each tool result becomes its own
// role=tool message carrying the tool name.
func ollamaMessages(prompt Prompt) []ollamaMessage {
	out := make([]ollamaMessage, 0, len(prompt.Messages))
	for _, m := range prompt.Messages {
		switch m.Role {
		case "system", "user", "assistant":
		default:
			slog.Warn("LLM_CLIENT: unknown role, coercing to user", "role", m.Role)
			m.Role = "user"
		}

		msg := ollamaMessage{Role: m.Role, Content: m.Content.Join()}
		var results []ollamaMessage
		for _, part := range m.Content {
			switch part.Type {
			case "tool_use":
				var tc ollamaToolCall
				tc.Function.Name = part.ToolName
				tc.Function.Arguments = plainJSON(part.Data)
				msg.ToolCalls = append(msg.ToolCalls, tc)
			case "tool_result":
				b, _ := json.Marshal(part.Data)
				results = append(results, ollamaMessage{Role: "tool", Name: part.ToolName, Content: string(b)})
			}
		}
		if msg.Content != "" || len(msg.ToolCalls) > 0 {
			out = append(out, msg)
		}
		out = append(out, results...)
	}
	return out
}

func ollamaToolSpec(t ToolSpec) (ollamaTool, error) {
	var spec ollamaTool
	schemaJSON, err := json.Marshal(t.InputSchema)
	if err != nil {
		return spec, fmt.Errorf("marshal tool schema for %s: %w", t.Name, err)
	}
	var params map[string]any
	if err := json.Unmarshal(schemaJSON, &params); err != nil {
		return spec, fmt.Errorf("unmarshal tool schema for %s: %w", t.Name, err)
	}
	spec.Type = "function"
	spec.Function.Name = t.Name
	spec.Function.Description = t.Description
	spec.Function.Parameters = params
	return spec, nil
}
