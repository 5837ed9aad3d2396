// Package dispatch hands a job to a planner worker without waiting for it.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"mealplanagent"
)

// SecretHeader carries the shared secret between ingress and worker.
const SecretHeader = "X-Worker-Secret"

// Invocation is the worker's input: which job to run and whether it is a
// continuation of an earlier invocation.
type Invocation struct {
	JobID  string `json:"job_id"`
	Resume bool   `json:"resume,omitempty"`
}

// Dispatcher starts a worker invocation asynchronously.
type Dispatcher interface {
	Dispatch(ctx context.Context, inv Invocation) error
}

type doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPDispatcher posts invocations to a worker endpoint.
type HTTPDispatcher struct {
	url        string
	secret     string
	httpClient doer
}

func NewHTTPDispatcher(url, secret string, httpClient doer) *HTTPDispatcher {
	return &HTTPDispatcher{url: url, secret: secret, httpClient: httpClient}
}

func (d *HTTPDispatcher) Dispatch(ctx context.Context, inv Invocation) error {
	const op = "dispatch worker"
	payload, err := json.Marshal(inv)
	if err != nil {
		return mealplanagent.Wrap(mealplanagent.KindOrchestration, op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(payload))
	if err != nil {
		return mealplanagent.Wrap(mealplanagent.KindOrchestration, op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.secret != "" {
		req.Header.Set(SecretHeader, d.secret)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return mealplanagent.Wrap(mealplanagent.KindTransient, op, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode < 300:
		slog.Info("DISPATCH: Worker invoked", "job_id", inv.JobID, "resume", inv.Resume, "status", resp.StatusCode)
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return mealplanagent.Errorf(mealplanagent.KindTransient, op, "worker returned %s", resp.Status)
	default:
		return mealplanagent.Errorf(mealplanagent.KindPermanent, op, "worker returned %s", resp.Status)
	}
}

// Runner executes one invocation to completion.
type Runner func(ctx context.Context, inv Invocation) error

// LocalDispatcher runs invocations on goroutines in the current process.
// Each invocation gets a fresh background context so it outlives the request
// that dispatched it.
type LocalDispatcher struct {
	run Runner
	wg  sync.WaitGroup
}

func NewLocalDispatcher(run Runner) *LocalDispatcher {
	return &LocalDispatcher{run: run}
}

// SetRunner replaces the runner. It exists so a dispatcher can be built
// before the agent that both uses it and serves it.
func (d *LocalDispatcher) SetRunner(run Runner) {
	d.run = run
}

func (d *LocalDispatcher) Dispatch(_ context.Context, inv Invocation) error {
	if d.run == nil {
		return fmt.Errorf("local dispatcher has no runner")
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.run(context.Background(), inv); err != nil {
			slog.Error("DISPATCH: Local invocation failed", "job_id", inv.JobID, "resume", inv.Resume, "error", err)
		}
	}()
	return nil
}

// Wait blocks until every dispatched invocation has returned.
func (d *LocalDispatcher) Wait() {
	d.wg.Wait()
}
