// Package slack posts job notifications to an incoming webhook.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"mealplanagent"
)

const maxAttempts = 3

type Client struct {
	webhookURL string
	httpClient mealplanagent.HTTPClient
	retryAfter time.Duration
}

func NewClient(webhookURL string, httpClient mealplanagent.HTTPClient) *Client {
	return &Client{
		webhookURL: webhookURL,
		httpClient: httpClient,
		retryAfter: 500 * time.Millisecond,
	}
}

// PostMessage retries rate limits and server errors a few times. Other
// failures are returned at once.
func (c *Client) PostMessage(ctx context.Context, channel string, message string) error {
	const op = "post slack message"
	payload, err := json.Marshal(map[string]any{
		"channel": channel,
		"text":    message,
	})
	if err != nil {
		return mealplanagent.Wrap(mealplanagent.KindPermanent, op, err)
	}

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		err := c.post(ctx, payload)
		if err != nil && !mealplanagent.IsTransient(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(c.retryAfter)),
		backoff.WithMaxTries(maxAttempts),
	)
	return err
}

func (c *Client) post(ctx context.Context, payload []byte) error {
	const op = "post slack message"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return mealplanagent.Wrap(mealplanagent.KindPermanent, op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return mealplanagent.Wrap(mealplanagent.KindTransient, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	kind := mealplanagent.KindPermanent
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		kind = mealplanagent.KindTransient
	}
	return mealplanagent.Errorf(kind, op, "webhook returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
}
