package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"mealplanagent"
	"mealplanagent/app"
	"mealplanagent/artifacts"
	"mealplanagent/ingress"
)

const localUser = "local-user"

func main() {
	start := flag.String("start", time.Now().Format(mealplanagent.DateLayout), "first plan date (YYYY-MM-DD)")
	days := flag.Int("days", 3, "number of days to plan")
	meals := flag.Int("meals", 3, "meals per day")
	diet := flag.String("diet", "", "comma separated dietary styles")
	chunk := flag.Int("chunk", 0, "recipe generation chunk size override")
	dump := flag.Bool("dump", false, "dump the final job and plan")
	flag.Parse()

	ctx := context.Background()

	cfg, err := app.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to decode: %s", err)
	}
	// A local run never touches shared infrastructure.
	cfg.Store = mealplanagent.StoreConfig{}
	cfg.Ingress.WorkerURL = ""
	if *chunk > 0 {
		cfg.Agent.RecipeChunkSize = *chunk
	}

	model := "mock"
	if cfg.Model != nil {
		model = cfg.Model.ModelID
	}
	logger, cleanup, err := newIterationLogger(model)
	if err != nil {
		slog.Error("Failed to create iteration logger", "error", err)
		return
	}
	defer func() {
		if err := cleanup(); err != nil {
			slog.Error("Failed to flush iteration log", "error", err)
		}
	}()

	archive := artifacts.NewMemoryArchive()
	a, err := app.Build(ctx, cfg, app.Options{Logger: logger, SeedUserID: localUser, Archive: archive})
	if err != nil {
		slog.Error("SETUP: Failed to build application", "error", err)
		return
	}
	defer a.Close()

	first, err := time.Parse(mealplanagent.DateLayout, *start)
	if err != nil {
		log.Fatalf("Invalid -start: %s", err)
	}
	body := ingress.PlanRequestBody{
		StartDate:   first.Format(mealplanagent.DateLayout),
		EndDate:     first.AddDate(0, 0, *days-1).Format(mealplanagent.DateLayout),
		MealsPerDay: *meals,
	}
	if *diet != "" {
		body.DietaryStyles = strings.Split(*diet, ",")
	}
	raw, _ := json.Marshal(body)

	accepted, err := a.Ingress.Submit(ctx, localUser, raw)
	if err != nil {
		slog.Error("RESULT: Request rejected", "error", err)
		return
	}
	slog.Info("RESULT: Job accepted", "job_id", accepted.JobID)

	a.Local.Wait()

	st, err := a.Ingress.Status(ctx, localUser, accepted.JobID)
	if err != nil {
		slog.Error("RESULT: Failed to read job", "error", err)
		return
	}
	slog.Info("RESULT: Job finished", "job_id", st.JobID, "status", st.Status, "progress", st.Progress, "error", st.Error)

	if *dump {
		mealplanagent.Fdump(os.Stdout, "job", st)
		if plan, err := a.Ingress.Plan(ctx, localUser, accepted.JobID); err == nil {
			var res mealplanagent.PlanResult
			if err := json.Unmarshal(plan, &res); err == nil {
				mealplanagent.Fdump(os.Stdout, "plan", res)
			}
		}
	}
	printPlan(st.Result)
}

func printPlan(raw json.RawMessage) {
	var res mealplanagent.PlanResult
	if len(raw) == 0 || json.Unmarshal(raw, &res) != nil {
		return
	}
	fmt.Println(res.Summary)
	for _, m := range res.Items {
		fmt.Printf("%s  %-10s %-28s %s\n", m.Date, m.MealType, m.Title, m.RecipeID)
	}
}

func newIterationLogger(modelID string) (mealplanagent.IterationLogger, func() error, error) {
	logFilePath := mealplanagent.NewIterationLogFilePath("local", modelID)
	if err := os.MkdirAll(filepath.Dir(logFilePath), 0o755); err != nil {
		return nil, func() error { return err }, fmt.Errorf("failed to create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, func() error { return err }, fmt.Errorf("failed to open log file: %w", err)
	}

	logger := mealplanagent.NewFileIterationLogger(logFile)
	cleanup := func() error {
		return errors.Join(logger.Flush(), logFile.Close())
	}
	return logger, cleanup, nil
}
