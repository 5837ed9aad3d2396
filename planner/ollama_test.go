package planner

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mealplanagent"
	"mealplanagent/tools"
)

// mockHTTPClient implements the HTTPClient interface for testing
type mockHTTPClient struct {
	response *http.Response
	err      error
	request  *http.Request
	body     []byte
}

func (m *mockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	m.request = req
	if req.Body != nil {
		m.body, _ = io.ReadAll(req.Body)
	}
	return m.response, m.err
}

// createMockResponse creates a mock HTTP response
func createMockResponse(statusCode int, body string) *http.Response {
	return &http.Response{
		StatusCode: statusCode,
		Status:     http.StatusText(statusCode),
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     make(http.Header),
	}
}

func TestNewOllamaClient(t *testing.T) {
	c := NewOllamaClient("http://localhost:11434/", "llama3.2", &mockHTTPClient{})
	assert.Equal(t, "http://localhost:11434/api/chat", c.endpoint)
	assert.Equal(t, "llama3.2", c.model)
	assert.Equal(t, 0.2, c.options.Temperature)
	assert.Equal(t, 0.9, c.options.TopP)
	assert.Equal(t, 1.05, c.options.RepeatPenalty)
	assert.Equal(t, 16384, c.options.NumCtx)
}

func TestOllamaClient_Invoke(t *testing.T) {
	conversation := Prompt{
		Messages: []Message{
			{Role: "system", Content: MessageParts{{Type: "text", Text: "plan meals"}}},
			{Role: "user", Content: MessageParts{{Type: "text", Text: "two days please"}}},
			{Role: "assistant", Content: MessageParts{{Type: "tool_use", ToolUseID: "t1", ToolName: tools.NameGenerateDraft, Data: map[string]any{}}}},
			NewToolResultMessage([]ToolResult{{ToolUseID: "t1", ToolName: tools.NameGenerateDraft, Data: map[string]any{"ok": true, "draft_id": "d1"}}}),
		},
		Tools: []ToolSpec{{
			Name:        tools.NameGenerateMissingRecipes,
			Description: "generate",
			InputSchema: tools.GenerateMissingRecipesTool{}.InputSchema(),
		}},
	}

	t.Run("tool call", func(t *testing.T) {
		mock := &mockHTTPClient{response: createMockResponse(http.StatusOK, `{
			"message": {
				"role": "assistant",
				"content": "",
				"tool_calls": [{"function": {"name": "generate_missing_recipes", "arguments": {"indexes": "[1, 3]"}}}]
			}
		}`)}
		c := NewOllamaClient("http://ollama:11434", "llama3.2", mock)

		resp, err := c.Invoke(context.Background(), conversation)
		require.NoError(t, err)
		require.Len(t, resp.ToolCalls, 1)
		call := resp.ToolCalls[0]
		assert.Equal(t, tools.NameGenerateMissingRecipes, call.Name)
		assert.Equal(t, []any{float64(1), float64(3)}, call.Input["indexes"])
		assert.NotEmpty(t, call.ToolUseID)

		assert.Equal(t, http.MethodPost, mock.request.Method)
		assert.Equal(t, "/api/chat", mock.request.URL.Path)
		assert.Equal(t, "application/json", mock.request.Header.Get("Content-Type"))

		var sent ollamaRequest
		require.NoError(t, json.Unmarshal(mock.body, &sent))
		assert.Equal(t, "llama3.2", sent.Model)
		assert.False(t, sent.Stream)
		require.Len(t, sent.Tools, 1)
		assert.Equal(t, "function", sent.Tools[0].Type)
		assert.Equal(t, tools.NameGenerateMissingRecipes, sent.Tools[0].Function.Name)
		assert.Equal(t, "object", sent.Tools[0].Function.Parameters["type"])

		require.Len(t, sent.Messages, 4)
		assert.Equal(t, "system", sent.Messages[0].Role)
		assert.Equal(t, "plan meals", sent.Messages[0].Content)
		assert.Equal(t, "assistant", sent.Messages[2].Role)
		require.Len(t, sent.Messages[2].ToolCalls, 1)
		assert.Equal(t, tools.NameGenerateDraft, sent.Messages[2].ToolCalls[0].Function.Name)
		assert.Equal(t, "tool", sent.Messages[3].Role)
		assert.Equal(t, tools.NameGenerateDraft, sent.Messages[3].Name)
		assert.Contains(t, sent.Messages[3].Content, `"draft_id":"d1"`)
	})

	t.Run("final summary", func(t *testing.T) {
		mock := &mockHTTPClient{response: createMockResponse(http.StatusOK, `{"message":{"role":"assistant","content":" {\"status\":\"completed\"} "}}`)}
		resp, err := NewOllamaClient("http://ollama:11434", "m", mock).Invoke(context.Background(), conversation)
		require.NoError(t, err)
		assert.Empty(t, resp.ToolCalls)
		assert.Equal(t, `{"status":"completed"}`, resp.Content)
	})

	t.Run("server error is transient", func(t *testing.T) {
		mock := &mockHTTPClient{response: createMockResponse(http.StatusServiceUnavailable, "loading model")}
		_, err := NewOllamaClient("http://ollama:11434", "m", mock).Invoke(context.Background(), conversation)
		require.Error(t, err)
		assert.True(t, mealplanagent.IsTransient(err))
		assert.Contains(t, err.Error(), "loading model")
	})

	t.Run("bad request is permanent", func(t *testing.T) {
		mock := &mockHTTPClient{response: createMockResponse(http.StatusBadRequest, "model not found")}
		_, err := NewOllamaClient("http://ollama:11434", "m", mock).Invoke(context.Background(), conversation)
		require.Error(t, err)
		assert.Equal(t, mealplanagent.KindPermanent, mealplanagent.KindOf(err))
	})

	t.Run("transport error", func(t *testing.T) {
		mock := &mockHTTPClient{err: errors.New("connection refused")}
		_, err := NewOllamaClient("http://ollama:11434", "m", mock).Invoke(context.Background(), conversation)
		require.Error(t, err)
		assert.True(t, mealplanagent.IsTransient(err))
	})

	t.Run("undecodable body is returned raw", func(t *testing.T) {
		mock := &mockHTTPClient{response: createMockResponse(http.StatusOK, "not json")}
		resp, err := NewOllamaClient("http://ollama:11434", "m", mock).Invoke(context.Background(), conversation)
		require.NoError(t, err)
		assert.Equal(t, "not json", resp.Content)
	})
}
