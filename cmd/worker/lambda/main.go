package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"log/slog"

	"github.com/aws/aws-lambda-go/lambda"

	"mealplanagent"
	"mealplanagent/app"
	"mealplanagent/job"
)

type Results struct {
	JobID    string     `json:"job_id"`
	Status   job.Status `json:"status"`
	Progress int        `json:"progress"`
	Error    string     `json:"error,omitempty"`
}

func main() {
	ctx := context.Background()

	cfg, err := app.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to decode: %s", err)
	}

	tracerProvider, meterProvider, _, err := mealplanagent.InitOtel(ctx)
	if err != nil {
		log.Fatalf("Failed to initialize OpenTelemetry: %s", err)
	}

	a, err := app.Build(ctx, cfg, app.Options{Logger: mealplanagent.NewStdoutIterationLogger()})
	if err != nil {
		log.Fatalf("Failed to build application: %s", err)
	}

	fn := func(ctx context.Context, payload json.RawMessage) (Results, error) {
		defer func() {
			// The sandbox may be frozen once the handler returns.
			if err := errors.Join(tracerProvider.ForceFlush(ctx), meterProvider.ForceFlush(ctx)); err != nil {
				slog.Error("SETUP: Failed to flush OpenTelemetry", "error", err)
			}
		}()

		inv, err := decodeInvocation(payload, cfg.Ingress.WorkerSecret)
		if err != nil {
			slog.Error("RESULT: Rejected invocation", "error", err)
			return Results{}, err
		}

		j, err := a.Agent.Run(ctx, inv)
		if err != nil {
			slog.Error("RESULT: Error running job", "job_id", inv.JobID, "error", err)
			return Results{}, err
		}
		// Continuations dispatched in-process must finish before the handler returns.
		a.Local.Wait()
		if j, err = a.Jobs.Get(ctx, inv.JobID); err != nil {
			return Results{}, err
		}
		return Results{JobID: j.ID, Status: j.Status, Progress: j.Progress, Error: j.Error}, nil
	}

	lambda.Start(fn)
}
