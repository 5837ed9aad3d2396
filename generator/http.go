package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"mealplanagent"
)

type doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPDraftClient calls a draft generation endpoint that answers {draft_id, status}.
type HTTPDraftClient struct {
	url        string
	token      string
	httpClient doer
}

func NewHTTPDraftClient(url, token string, httpClient doer) *HTTPDraftClient {
	return &HTTPDraftClient{url: url, token: token, httpClient: httpClient}
}

func (c *HTTPDraftClient) Generate(ctx context.Context, req DraftRequest) (DraftRef, error) {
	const op = "generate draft"
	var ref DraftRef
	status, body, err := post(ctx, c.httpClient, c.url, c.token, "", req)
	if err != nil {
		return ref, mealplanagent.Wrap(mealplanagent.KindTransient, op, err)
	}
	if status/100 != 2 {
		return ref, mealplanagent.Wrap(classifyStatus(status), op, &StatusError{StatusCode: status, Message: errorMessage(body)})
	}
	if err := json.Unmarshal(body, &ref); err != nil {
		return ref, mealplanagent.Wrap(mealplanagent.KindPermanent, op, fmt.Errorf("decode response: %w", err))
	}
	if ref.DraftID == "" {
		return ref, mealplanagent.Errorf(mealplanagent.KindPermanent, op, "response carried no draft_id")
	}
	return ref, nil
}

// HTTPRecipeClient calls a recipe generation endpoint. The idempotency key is
// also sent as the Idempotency-Key header.
type HTTPRecipeClient struct {
	url        string
	token      string
	httpClient doer
}

func NewHTTPRecipeClient(url, token string, httpClient doer) *HTTPRecipeClient {
	return &HTTPRecipeClient{url: url, token: token, httpClient: httpClient}
}

func (c *HTTPRecipeClient) Generate(ctx context.Context, req RecipeRequest) (Recipe, error) {
	var r Recipe
	status, body, err := post(ctx, c.httpClient, c.url, c.token, req.IdempotencyKey, req)
	if err != nil {
		if mealplanagent.IsTimeout(err) {
			return r, &RecipeError{Code: CodeProviderTimeout, Message: err.Error()}
		}
		return r, &RecipeError{Code: CodeProviderError, Message: err.Error()}
	}
	if status/100 != 2 {
		var envelope struct {
			Error *RecipeError `json:"error"`
		}
		if json.Unmarshal(body, &envelope) == nil && envelope.Error != nil && envelope.Error.Code != "" {
			return r, envelope.Error
		}
		code := CodeProviderError
		if status == http.StatusGatewayTimeout || status == http.StatusRequestTimeout {
			code = CodeProviderTimeout
		}
		return r, &RecipeError{Code: code, Message: (&StatusError{StatusCode: status, Message: errorMessage(body)}).Error()}
	}
	if err := json.Unmarshal(body, &r); err != nil {
		return r, &RecipeError{Code: CodeSchemaValidation, Message: fmt.Sprintf("decode response: %v", err)}
	}
	if r.RecipeID == "" {
		return r, &RecipeError{Code: CodeSchemaValidation, Message: "response carried no recipe_id"}
	}
	return r, nil
}

// classifyStatus maps 5xx, 408 and 429 to transient and every other status to permanent.
func classifyStatus(status int) mealplanagent.Kind {
	switch {
	case status >= 500, status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return mealplanagent.KindTransient
	default:
		return mealplanagent.KindPermanent
	}
}

func post(ctx context.Context, httpClient doer, url, token, idempotencyKey string, payload any) (int, []byte, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

func errorMessage(body []byte) string {
	var v struct {
		Message string `json:"message"`
		Error   any    `json:"error"`
	}
	if json.Unmarshal(body, &v) == nil {
		if v.Message != "" {
			return v.Message
		}
		if s, ok := v.Error.(string); ok {
			return s
		}
	}
	if len(body) > 200 {
		body = body[:200]
	}
	return string(bytes.TrimSpace(body))
}
