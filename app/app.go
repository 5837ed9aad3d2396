// Package app assembles the planner, its stores, and the ingress from
// environment configuration. Every binary builds its process through here.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/joeshaw/envdecode"

	"mealplanagent"
	"mealplanagent/artifacts"
	"mealplanagent/dispatch"
	"mealplanagent/draft"
	"mealplanagent/generator"
	"mealplanagent/generator/stub"
	"mealplanagent/household"
	"mealplanagent/ingress"
	"mealplanagent/job"
	"mealplanagent/matcher"
	"mealplanagent/planner"
	"mealplanagent/planner/mockpolicy"
	"mealplanagent/slack"
	"mealplanagent/store/memory"
	"mealplanagent/store/postgres"
	redisstore "mealplanagent/store/redis"
)

// DemoHouseholdID is the household seeded for Options.SeedUserID.
const DemoHouseholdID = "home"

type Config struct {
	// Model is nil when MODEL_ID is unset; the mock policy is used then.
	Model     *mealplanagent.ModelConfig
	Agent     mealplanagent.AgentConfig
	Matcher   mealplanagent.MatcherConfig
	Store     mealplanagent.StoreConfig
	Ingress   mealplanagent.IngressConfig
	Generator mealplanagent.GeneratorConfig
	Artifact  mealplanagent.ArtifactConfig
}

// LoadConfig decodes every config struct from the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	for name, target := range map[string]any{
		"agent":     &cfg.Agent,
		"matcher":   &cfg.Matcher,
		"store":     &cfg.Store,
		"ingress":   &cfg.Ingress,
		"generator": &cfg.Generator,
		"artifact":  &cfg.Artifact,
	} {
		if err := envdecode.Decode(target); err != nil {
			return Config{}, fmt.Errorf("decode %s config: %w", name, err)
		}
	}
	if os.Getenv("MODEL_ID") != "" {
		var mc mealplanagent.ModelConfig
		if err := envdecode.Decode(&mc); err != nil {
			return Config{}, fmt.Errorf("decode model config: %w", err)
		}
		cfg.Model = &mc
	}
	return cfg, nil
}

// Options adjust what Build wires beyond the environment.
type Options struct {
	// Logger receives per-iteration logs. Nil discards them.
	Logger mealplanagent.IterationLogger
	// Policy overrides the configured step-selection policy.
	Policy planner.Policy
	// SeedUserID is added to DemoHouseholdID and owns stub-generated recipes.
	SeedUserID string
	// Archive overrides the configured plan archive.
	Archive artifacts.Archive
}

type App struct {
	Config     Config
	Jobs       *job.Manager
	Drafts     draft.Store
	Households household.Source
	Agent      *planner.Agent
	Ingress    *ingress.Service
	Archive    artifacts.Archive
	// Local runs invocations in this process. It serves the internal run
	// route and, without a worker url, every dispatch.
	Local *dispatch.LocalDispatcher

	closers []func()
}

// Close releases pools and clients in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func Build(ctx context.Context, cfg Config, opts Options) (*App, error) {
	a := &App{Config: cfg}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	var (
		jobStore job.Store
		catalog  matcher.Catalog
		created  func(context.Context, generator.RecipeRequest, generator.Recipe) error
	)
	if cfg.Store.DatabaseURL != "" {
		pool, err := postgres.Connect(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pool.Close)
		if err := postgres.Migrate(ctx, pool); err != nil {
			return nil, err
		}
		homes := postgres.NewHouseholds(pool)
		if opts.SeedUserID != "" {
			if err := homes.AddMember(ctx, DemoHouseholdID, opts.SeedUserID, true, household.Preferences{}); err != nil {
				return nil, fmt.Errorf("seed household: %w", err)
			}
		}
		jobStore = postgres.NewJobStore(pool)
		a.Drafts = postgres.NewDraftStore(pool)
		a.Households = homes
		catalog = postgres.NewCatalog(pool, cfg.Agent.SystemUserID, cfg.Matcher.TrigramSize)
		slog.Info("SETUP: Using postgres stores")
	} else {
		mc := memory.NewCatalog(cfg.Agent.SystemUserID, cfg.Matcher.TrigramSize, SystemRecipes()...)
		homes := memory.NewHouseholds()
		if opts.SeedUserID != "" {
			homes.AddMember(DemoHouseholdID, opts.SeedUserID)
			created = mc.Remember(opts.SeedUserID)
		}
		jobStore = memory.NewJobStore()
		a.Drafts = memory.NewDraftStore()
		a.Households = homes
		catalog = mc
		slog.Info("SETUP: Using in-memory stores", "catalog_size", mc.Len())
	}
	a.Jobs = job.NewManager(jobStore, job.WithHistoryLimits(cfg.Agent.EventHistory, cfg.Agent.FaultHistory))

	httpClient := &http.Client{Timeout: cfg.Generator.Timeout}
	var draftGen generator.DraftGenerator = &stub.DraftGenerator{Drafts: a.Drafts}
	if cfg.Generator.DraftURL != "" {
		draftGen = generator.NewHTTPDraftClient(cfg.Generator.DraftURL, cfg.Generator.Token, httpClient)
	}
	var recipeGen generator.RecipeGenerator = &stub.RecipeGenerator{Created: created}
	if cfg.Generator.RecipeURL != "" {
		recipeGen = generator.NewHTTPRecipeClient(cfg.Generator.RecipeURL, cfg.Generator.Token, httpClient)
	}

	archive, err := newArchive(ctx, cfg.Artifact, opts.Archive)
	if err != nil {
		return nil, err
	}
	a.Archive = archive

	policy := opts.Policy
	if policy == nil {
		policy, err = newPolicy(ctx, cfg.Model)
		if err != nil {
			return nil, err
		}
	}

	deps := planner.Deps{
		Jobs:       a.Jobs,
		Drafts:     a.Drafts,
		Households: a.Households,
		Matcher:    matcher.New(catalog, a.Drafts, matcher.ConfigFrom(cfg.Matcher)),
		DraftGen:   generator.NewRetryingDraftGenerator(draftGen, a.Drafts, cfg.Agent.DraftAttempts, cfg.Agent.DraftBackoffStart),
		RecipeGen:  recipeGen,
		Policy:     policy,
		Archive:    archive,
		Logger:     opts.Logger,
	}
	if cfg.Artifact.SlackURL != "" {
		deps.Notifier = slack.NewJobNotifier(slack.NewClient(cfg.Artifact.SlackURL, http.DefaultClient), cfg.Agent.NotifyChannel)
	}
	a.Local = dispatch.NewLocalDispatcher(nil)
	if cfg.Ingress.WorkerURL != "" {
		deps.Dispatcher = dispatch.NewHTTPDispatcher(cfg.Ingress.WorkerURL, cfg.Ingress.WorkerSecret, http.DefaultClient)
	} else {
		deps.Dispatcher = a.Local
	}

	a.Agent = planner.NewAgent(deps, cfg.Agent, planner.WithArchivePrefix(cfg.Artifact.Prefix))
	a.Local.SetRunner(func(ctx context.Context, inv dispatch.Invocation) error {
		_, err := a.Agent.Run(ctx, inv)
		return err
	})

	svcOpts := []ingress.Option{ingress.WithArchive(archive), ingress.WithWorker(a.Local)}
	if cfg.Store.RedisAddr != "" {
		cli, err := redisstore.NewClient(ctx, redisstore.Options{Addr: cfg.Store.RedisAddr, Password: cfg.Store.RedisPassword, DB: cfg.Store.RedisDB})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = cli.Close() })
		svcOpts = append(svcOpts, ingress.WithLocker(redisstore.NewLocker(cli)))
		slog.Info("SETUP: Admission lock enabled", "redis_addr", cfg.Store.RedisAddr)
	}
	a.Ingress, err = ingress.NewService(a.Jobs, a.Households, deps.Dispatcher, cfg.Ingress, svcOpts...)
	if err != nil {
		return nil, err
	}

	ok = true
	return a, nil
}

func newArchive(ctx context.Context, cfg mealplanagent.ArtifactConfig, override artifacts.Archive) (artifacts.Archive, error) {
	if override != nil {
		return override, nil
	}
	if cfg.Bucket == "" {
		slog.Info("SETUP: Archiving plans to local files", "path", cfg.LocalPath)
		return artifacts.NewFileArchive(cfg.LocalPath), nil
	}
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	slog.Info("SETUP: Archiving plans to S3", "bucket", cfg.Bucket)
	return artifacts.NewS3Archive(s3.NewFromConfig(awsCfg), cfg.Bucket), nil
}

func newPolicy(ctx context.Context, mc *mealplanagent.ModelConfig) (planner.Policy, error) {
	if mc == nil {
		slog.Info("SETUP: No model configured, using the hint-following policy")
		return &mockpolicy.Policy{}, nil
	}
	if mc.OllamaURL != "" {
		slog.Info("SETUP: Using Ollama policy", "endpoint", mc.OllamaURL, "model_id", mc.ModelID)
		return planner.NewOllamaClient(mc.OllamaURL, mc.ModelID, http.DefaultClient), nil
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRetryMaxAttempts(5))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	slog.Info("SETUP: Using Bedrock policy", "model_id", mc.ModelID)
	return planner.NewLLMClient(bedrockruntime.NewFromConfig(awsCfg), planner.LLMOptionsFrom(*mc)), nil
}

// SystemRecipes is the shared catalog used when no database is configured.
func SystemRecipes() []memory.Recipe {
	var out []memory.Recipe
	for _, slot := range mealplanagent.SlotVocabulary {
		for i, title := range stub.Menu[slot] {
			out = append(out, memory.Recipe{
				ID:       fmt.Sprintf("sys-%s-%d", slot, i+1),
				Title:    title,
				MealType: slot,
				Tags:     []string{"vegetarian"},
			})
		}
	}
	return out
}
