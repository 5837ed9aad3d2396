package mealplanagent

import "time"

type ModelConfig struct {
	ModelID     string  `env:"MODEL_ID,required"`
	MaxTokens   int32   `env:"MAX_TOKENS,default=1024"`
	Temperature float32 `env:"TEMPERATURE,default=0.2"`
	TopP        float32 `env:"TOP_P,default=0.9"`

	// OllamaURL selects a local Ollama server instead of Bedrock.
	OllamaURL string `env:"OLLAMA_URL"`
}

// AgentConfig holds the planner loop tunables.
type AgentConfig struct {
	MaxIterations int `env:"MAX_ITERATIONS,default=16"`

	// ToolFailureLimit is the number of consecutive failures of the same tool that abort a run.
	ToolFailureLimit int `env:"TOOL_FAILURE_LIMIT,default=2"`

	// RecipeBatchSize is the fan-out width of one parallel generation batch.
	RecipeBatchSize int `env:"RECIPE_BATCH_SIZE,default=3"`
	// RecipeChunkSize is the number of items generated per invocation before handing off to a fresh one.
	RecipeChunkSize int           `env:"RECIPE_CHUNK_SIZE,default=6"`
	RecipeRetries   int           `env:"RECIPE_RETRIES,default=2"`
	RecipeBudget    time.Duration `env:"RECIPE_BUDGET,default=40s"`

	// ResumeMargin is the remaining invocation time under which the agent checkpoints and hands off.
	ResumeMargin time.Duration `env:"RESUME_MARGIN,default=8s"`

	EventHistory int `env:"EVENT_HISTORY,default=50"`
	FaultHistory int `env:"FAULT_HISTORY,default=20"`

	DraftAttempts     int           `env:"DRAFT_ATTEMPTS,default=3"`
	DraftBackoffStart time.Duration `env:"DRAFT_BACKOFF_START,default=500ms"`

	// SystemUserID owns the shared recipe catalog. Resolved once at startup.
	SystemUserID string `env:"SYSTEM_USER_ID,default=system"`

	NotifyChannel string `env:"SLACK_CHANNEL,default=#meal-plans"`
}

// MatcherConfig exposes every matching constant.
type MatcherConfig struct {
	MinConfidence  float64       `env:"MATCH_MIN_CONFIDENCE,default=0.8"`
	MealTypeBonus  float64       `env:"MATCH_MEAL_TYPE_BONUS,default=0.08"`
	CuisineBonus   float64       `env:"MATCH_CUISINE_BONUS,default=0.04"`
	TrigramSize    int           `env:"MATCH_TRIGRAM_SIZE,default=3"`
	CandidateLimit int           `env:"MATCH_CANDIDATE_LIMIT,default=8"`
	TimeBudget     time.Duration `env:"MATCH_TIME_BUDGET,default=50s"`
	SafetyBuffer   time.Duration `env:"MATCH_SAFETY_BUFFER,default=5s"`
	FlushEvery     int           `env:"MATCH_FLUSH_EVERY,default=5"`
}

type StoreConfig struct {
	DatabaseURL   string `env:"DATABASE_URL"`
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB,default=0"`
}

// IngressConfig is shared by the ingress and the worker. JWTSecret is only
// needed where requests are authenticated; WorkerURL selects HTTP dispatch.
type IngressConfig struct {
	JWTSecret     string        `env:"JWT_SECRET"`
	WorkerURL     string        `env:"WORKER_URL"`
	WorkerSecret  string        `env:"WORKER_SECRET"`
	StaleAfter    time.Duration `env:"JOB_STALE_AFTER,default=15m"`
	AdmissionLock time.Duration `env:"ADMISSION_LOCK_TTL,default=10s"`
	ListenAddr    string        `env:"LISTEN_ADDR,default=:8080"`
}

// GeneratorConfig points at the external draft and recipe services. Empty
// URLs select the in-process stub generators.
type GeneratorConfig struct {
	DraftURL  string        `env:"DRAFT_GENERATOR_URL"`
	RecipeURL string        `env:"RECIPE_GENERATOR_URL"`
	Token     string        `env:"GENERATOR_TOKEN"`
	Timeout   time.Duration `env:"GENERATOR_TIMEOUT,default=30s"`
}

type ArtifactConfig struct {
	Bucket    string `env:"ARTIFACTS_S3_BUCKET"`
	Prefix    string `env:"ARTIFACTS_S3_PREFIX,default=plans"`
	LocalPath string `env:"ARTIFACTS_LOCAL_PATH,default=artifacts"`
	SlackURL  string `env:"SLACK_WEBHOOK_URL"`
}
