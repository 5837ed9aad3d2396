package generator_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	should "github.com/stretchr/testify/assert"
	must "github.com/stretchr/testify/require"

	"mealplanagent"
	"mealplanagent/draft"
	"mealplanagent/generator"
	"mealplanagent/store/memory"
)

type mockDoer struct {
	doFunc func(req *http.Request) (*http.Response, error)
	last   *http.Request
}

func (m *mockDoer) Do(req *http.Request) (*http.Response, error) {
	m.last = req
	return m.doFunc(req)
}

func reply(status int, body string) func(*http.Request) (*http.Response, error) {
	return func(*http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: status, Status: http.StatusText(status), Body: io.NopCloser(bytes.NewBufferString(body))}, nil
	}
}

func TestHTTPDraftClient_Generate(t *testing.T) {
	tests := []struct {
		name     string
		doFunc   func(*http.Request) (*http.Response, error)
		wantID   string
		wantKind mealplanagent.Kind
		wantErr  bool
	}{
		{name: "success", doFunc: reply(http.StatusOK, `{"draft_id":"d1","status":"completed"}`), wantID: "d1"},
		{name: "server error is transient", doFunc: reply(http.StatusBadGateway, `{"message":"upstream"}`), wantKind: mealplanagent.KindTransient, wantErr: true},
		{name: "request timeout is transient", doFunc: reply(http.StatusRequestTimeout, ``), wantKind: mealplanagent.KindTransient, wantErr: true},
		{name: "rate limit is transient", doFunc: reply(http.StatusTooManyRequests, ``), wantKind: mealplanagent.KindTransient, wantErr: true},
		{name: "bad request is permanent", doFunc: reply(http.StatusBadRequest, `{"error":"invalid range"}`), wantKind: mealplanagent.KindPermanent, wantErr: true},
		{name: "missing draft id is permanent", doFunc: reply(http.StatusOK, `{}`), wantKind: mealplanagent.KindPermanent, wantErr: true},
		{
			name:     "network error is transient",
			doFunc:   func(*http.Request) (*http.Response, error) { return nil, errors.New("connection reset") },
			wantKind: mealplanagent.KindTransient,
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &mockDoer{doFunc: tt.doFunc}
			c := generator.NewHTTPDraftClient("http://drafts.local/generate", "tok", d)
			ref, err := c.Generate(context.Background(), generator.DraftRequest{HouseholdID: "h1"})
			if tt.wantErr {
				must.Error(t, err)
				should.Equal(t, tt.wantKind, mealplanagent.KindOf(err))
				return
			}
			must.NoError(t, err)
			should.Equal(t, tt.wantID, ref.DraftID)
			should.Equal(t, "Bearer tok", d.last.Header.Get("Authorization"))
		})
	}

	t.Run("status error is reachable", func(t *testing.T) {
		c := generator.NewHTTPDraftClient("http://drafts.local", "", &mockDoer{doFunc: reply(http.StatusServiceUnavailable, `{"message":"down"}`)})
		_, err := c.Generate(context.Background(), generator.DraftRequest{})
		var se *generator.StatusError
		must.True(t, errors.As(err, &se))
		should.Equal(t, http.StatusServiceUnavailable, se.StatusCode)
		should.Equal(t, "down", se.Message)
	})
}

func TestHTTPRecipeClient_Generate(t *testing.T) {
	tests := []struct {
		name     string
		doFunc   func(*http.Request) (*http.Response, error)
		wantCode generator.RecipeErrorCode
		timeout  bool
	}{
		{
			name:     "typed constraint violation",
			doFunc:   reply(http.StatusUnprocessableEntity, `{"error":{"code":"constraint-violation","message":"blocked","violations":["contains peanut"]}}`),
			wantCode: generator.CodeConstraintViolation,
		},
		{name: "gateway timeout", doFunc: reply(http.StatusGatewayTimeout, ``), wantCode: generator.CodeProviderTimeout, timeout: true},
		{name: "untyped server error", doFunc: reply(http.StatusInternalServerError, `oops`), wantCode: generator.CodeProviderError},
		{name: "bad body", doFunc: reply(http.StatusOK, `not json`), wantCode: generator.CodeSchemaValidation},
		{
			name:     "client deadline",
			doFunc:   func(*http.Request) (*http.Response, error) { return nil, context.DeadlineExceeded },
			wantCode: generator.CodeProviderTimeout,
			timeout:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := generator.NewHTTPRecipeClient("http://recipes.local", "", &mockDoer{doFunc: tt.doFunc})
			_, err := c.Generate(context.Background(), generator.RecipeRequest{Title: "Curry", IdempotencyKey: "k1"})
			var re *generator.RecipeError
			must.True(t, errors.As(err, &re))
			should.Equal(t, tt.wantCode, re.Code)
			should.Equal(t, tt.timeout, mealplanagent.IsTimeout(err))
		})
	}

	t.Run("success sends idempotency key", func(t *testing.T) {
		d := &mockDoer{doFunc: reply(http.StatusCreated, `{"recipe_id":"r1","slug":"curry","title":"Curry"}`)}
		c := generator.NewHTTPRecipeClient("http://recipes.local", "", d)
		r, err := c.Generate(context.Background(), generator.RecipeRequest{Title: "Curry", IdempotencyKey: "k1"})
		must.NoError(t, err)
		should.Equal(t, "r1", r.RecipeID)
		should.Equal(t, "k1", d.last.Header.Get("Idempotency-Key"))
	})
}

type scriptedDrafts struct {
	errs  []error
	calls int
}

func (s *scriptedDrafts) Generate(context.Context, generator.DraftRequest) (generator.DraftRef, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return generator.DraftRef{}, s.errs[i]
	}
	return generator.DraftRef{DraftID: "d1", Status: "completed"}, nil
}

type recordingCleaner struct {
	household, message string
	calls              int
}

func (c *recordingCleaner) DeleteDuplicateFailed(_ context.Context, householdID, message string) (int, error) {
	c.calls++
	c.household, c.message = householdID, message
	return 2, nil
}

func TestRetryingDraftGenerator(t *testing.T) {
	transient := func(msg string) error { return mealplanagent.Errorf(mealplanagent.KindTransient, "generate draft", "%s", msg) }
	permanent := mealplanagent.Errorf(mealplanagent.KindPermanent, "generate draft", "household has no members")

	tests := []struct {
		name        string
		errs        []error
		wantErr     bool
		wantCalls   int
		wantCleanup int
	}{
		{name: "first try", errs: nil, wantCalls: 1},
		{name: "recovers after transient", errs: []error{transient("503"), transient("503")}, wantCalls: 3},
		{name: "permanent fails immediately", errs: []error{permanent}, wantErr: true, wantCalls: 1},
		{name: "identical exhaustion cleans up", errs: []error{transient("503"), transient("503"), transient("503")}, wantErr: true, wantCalls: 3, wantCleanup: 1},
		{name: "different messages skip cleanup", errs: []error{transient("503"), transient("502"), transient("503")}, wantErr: true, wantCalls: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := &scriptedDrafts{errs: tt.errs}
			cleaner := &recordingCleaner{}
			g := generator.NewRetryingDraftGenerator(next, cleaner, 3, time.Millisecond)

			ref, err := g.Generate(context.Background(), generator.DraftRequest{HouseholdID: "h1"})
			should.Equal(t, tt.wantCalls, next.calls)
			should.Equal(t, tt.wantCleanup, cleaner.calls)
			if tt.wantErr {
				must.Error(t, err)
				return
			}
			must.NoError(t, err)
			should.Equal(t, "d1", ref.DraftID)
		})
	}

	t.Run("cleanup uses the shared message", func(t *testing.T) {
		next := &scriptedDrafts{errs: []error{transient("503"), transient("503")}}
		cleaner := &recordingCleaner{}
		_, err := generator.NewRetryingDraftGenerator(next, cleaner, 2, time.Millisecond).Generate(context.Background(), generator.DraftRequest{HouseholdID: "h9"})
		must.Error(t, err)
		should.Equal(t, "h9", cleaner.household)
		should.Equal(t, "generate draft: 503", cleaner.message)
	})
}

func TestRetryingDraftGenerator_CleansStoredFailures(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"message":"upstream overloaded"}`))
	}))
	defer srv.Close()

	drafts := memory.NewDraftStore()
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"d1", "d2", "d3"} {
		must.NoError(t, drafts.Save(ctx, &draft.Draft{ID: id, HouseholdID: "h1", Status: draft.StatusFailed, Error: "upstream overloaded", CreatedAt: t0.Add(time.Duration(i) * time.Minute)}))
	}

	client := generator.NewHTTPDraftClient(srv.URL, "token", srv.Client())
	_, err := generator.NewRetryingDraftGenerator(client, drafts, 3, time.Millisecond).Generate(ctx, generator.DraftRequest{HouseholdID: "h1"})
	must.Error(t, err)
	should.True(t, mealplanagent.IsTransient(err))
	should.Equal(t, int32(3), calls.Load())
	should.Len(t, drafts.All(), 1)
	_, err = drafts.Get(ctx, "d1")
	should.NoError(t, err, "earliest failure is kept")
}
