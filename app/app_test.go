package app_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mealplanagent/app"
	"mealplanagent/artifacts"
	"mealplanagent/job"
)

func localEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"MODEL_ID", "DATABASE_URL", "REDIS_ADDR", "WORKER_URL", "SLACK_WEBHOOK_URL",
		"DRAFT_GENERATOR_URL", "RECIPE_GENERATOR_URL", "ARTIFACTS_S3_BUCKET",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadConfig(t *testing.T) {
	localEnv(t)
	t.Setenv("RECIPE_CHUNK_SIZE", "4")
	t.Setenv("JOB_STALE_AFTER", "2m")

	cfg, err := app.LoadConfig()
	require.NoError(t, err)
	assert.Nil(t, cfg.Model)
	assert.Equal(t, 4, cfg.Agent.RecipeChunkSize)
	assert.Equal(t, 2*time.Minute, cfg.Ingress.StaleAfter)
	assert.Equal(t, "system", cfg.Agent.SystemUserID)
	assert.Equal(t, 0.8, cfg.Matcher.MinConfidence)
	assert.Equal(t, "plans", cfg.Artifact.Prefix)

	t.Setenv("MODEL_ID", "anthropic.claude-3-haiku")
	cfg, err = app.LoadConfig()
	require.NoError(t, err)
	require.NotNil(t, cfg.Model)
	assert.Equal(t, int32(1024), cfg.Model.MaxTokens)
}

func TestBuildRunsPlanEndToEnd(t *testing.T) {
	localEnv(t)
	ctx := context.Background()

	cfg, err := app.LoadConfig()
	require.NoError(t, err)

	archive := artifacts.NewMemoryArchive()
	a, err := app.Build(ctx, cfg, app.Options{SeedUserID: "user-1", Archive: archive})
	require.NoError(t, err)
	defer a.Close()
	require.NotNil(t, a.Local)

	accepted, err := a.Ingress.Submit(ctx, "user-1", []byte(`{"start_date":"2025-03-03","end_date":"2025-03-05","meals_per_day":3}`))
	require.NoError(t, err)
	a.Local.Wait()

	st, err := a.Ingress.Status(ctx, "user-1", accepted.JobID)
	require.NoError(t, err)
	require.Equal(t, job.StatusCompleted, st.Status, st.Error)
	assert.Equal(t, 100, st.Progress)

	_, err = archive.Get(ctx, artifacts.PlanKey("plans", accepted.JobID))
	assert.NoError(t, err)

	plan, err := a.Ingress.Plan(ctx, "user-1", accepted.JobID)
	require.NoError(t, err)
	assert.Contains(t, string(plan), "sys-breakfast-")
}

func TestSystemRecipesCoverEverySlot(t *testing.T) {
	seen := map[string]int{}
	ids := map[string]bool{}
	for _, r := range app.SystemRecipes() {
		seen[r.MealType]++
		assert.False(t, ids[r.ID], "duplicate id %s", r.ID)
		ids[r.ID] = true
	}
	assert.Len(t, seen, 6)
}
