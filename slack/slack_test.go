package slack_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync/atomic"
	"testing"

	"mealplanagent"
	"mealplanagent/slack"

	should "github.com/stretchr/testify/assert"
	must "github.com/stretchr/testify/require"
)

type mockDoer struct {
	calls  atomic.Int32
	doFunc func(req *http.Request) (*http.Response, error)
}

func (m *mockDoer) Do(req *http.Request) (*http.Response, error) {
	m.calls.Add(1)
	return m.doFunc(req)
}

func respond(code int, status, body string) func(*http.Request) (*http.Response, error) {
	return func(*http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: code, Status: status, Body: io.NopCloser(bytes.NewBufferString(body))}, nil
	}
}

func TestNewClient(t *testing.T) {
	webhook := "http://slack.com/webhook"
	client := slack.NewClient(webhook, &mockDoer{})
	must.NotNil(t, client, "expected non-nil client")
}

func TestPostMessage(t *testing.T) {
	tests := []struct {
		name      string
		doFunc    func(req *http.Request) (*http.Response, error)
		wantErr   string
		wantKind  mealplanagent.Kind
		wantCalls int32
	}{
		{
			name:      "success",
			doFunc:    respond(http.StatusOK, "200 OK", "ok"),
			wantCalls: 1,
		},
		{
			name:      "bad request is not retried",
			doFunc:    respond(http.StatusBadRequest, "400 Bad Request", "invalid_payload"),
			wantErr:   "post slack message: webhook returned 400 Bad Request: invalid_payload",
			wantKind:  mealplanagent.KindPermanent,
			wantCalls: 1,
		},
		{
			name:      "server error is retried",
			doFunc:    respond(http.StatusBadGateway, "502 Bad Gateway", ""),
			wantErr:   "post slack message: webhook returned 502 Bad Gateway: ",
			wantKind:  mealplanagent.KindTransient,
			wantCalls: 3,
		},
		{
			name: "do error",
			doFunc: func(req *http.Request) (*http.Response, error) {
				return nil, errors.New("network error")
			},
			wantErr:   "post slack message: network error",
			wantKind:  mealplanagent.KindTransient,
			wantCalls: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doer := &mockDoer{doFunc: tt.doFunc}
			client := slack.NewClient("http://example.com/webhook", doer)
			err := client.PostMessage(context.Background(), "#general", "Hello, world!")
			should.Equal(t, tt.wantCalls, doer.calls.Load())
			if tt.wantErr == "" {
				should.NoError(t, err)
				return
			}
			should.EqualError(t, err, tt.wantErr)
			should.Equal(t, tt.wantKind, mealplanagent.KindOf(err))
		})
	}
}

func TestPostMessage_Payload(t *testing.T) {
	var got map[string]string
	doer := &mockDoer{doFunc: func(req *http.Request) (*http.Response, error) {
		should.Equal(t, http.MethodPost, req.Method)
		should.Equal(t, "application/json", req.Header.Get("Content-Type"))
		must.NoError(t, json.NewDecoder(req.Body).Decode(&got))
		return respond(http.StatusOK, "200 OK", "ok")(req)
	}}

	err := slack.NewClient("http://example.com/webhook", doer).PostMessage(context.Background(), "#meal-plans", "ready")
	must.NoError(t, err)
	should.Equal(t, map[string]string{"channel": "#meal-plans", "text": "ready"}, got)
}
