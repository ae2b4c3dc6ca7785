package config

import (
	"fmt"
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Port  string `envconfig:"PORT" default:"8080"`
	Debug bool   `envconfig:"DEBUG" default:"false"`

	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`

	OpenAIAPIKey     string `envconfig:"OPENAI_API_KEY"`
	EmbeddingVersion int32  `envconfig:"EMBEDDING_VERSION" default:"1"`

	// Duplicate detection
	DuplicateThreshold float64 `envconfig:"DUPLICATE_THRESHOLD" default:"0.85"`
	DuplicateTopK      int     `envconfig:"DUPLICATE_TOP_K" default:"5"`

	// Restricted-term scanning on create/update (warnings only)
	RestrictedTerms []string `envconfig:"RESTRICTED_TERMS"`

	// Embedding worker
	MaxEmbedAttempts  int32         `envconfig:"MAX_EMBED_ATTEMPTS" default:"5"`
	BackoffBase       time.Duration `envconfig:"BACKOFF_BASE" default:"30s"`
	BackoffMax        time.Duration `envconfig:"BACKOFF_MAX" default:"10m"`
	WorkerBatchSize   int           `envconfig:"WORKER_BATCH_SIZE" default:"10"`
	WorkerPoll        time.Duration `envconfig:"WORKER_POLL" default:"10s"`
	ProcessingTimeout time.Duration `envconfig:"PROCESSING_TIMEOUT" default:"5m"`
	ProviderTimeout   time.Duration `envconfig:"PROVIDER_TIMEOUT" default:"30s"`

	// Circuit breaker
	BreakerFailureThreshold int32         `envconfig:"BREAKER_FAILURE_THRESHOLD" default:"5"`
	BreakerWindow           time.Duration `envconfig:"BREAKER_WINDOW" default:"60s"`
	BreakerCooldown         time.Duration `envconfig:"BREAKER_COOLDOWN" default:"30s"`
	BreakerCooldownMax      time.Duration `envconfig:"BREAKER_COOLDOWN_MAX" default:"10m"`

	// Rate limiting (per-scope sliding windows)
	WriteLimit  int           `envconfig:"WRITE_LIMIT" default:"30"`
	WriteWindow time.Duration `envconfig:"WRITE_WINDOW" default:"60s"`
	EmbedLimit  int           `envconfig:"EMBED_LIMIT" default:"120"`
	EmbedWindow time.Duration `envconfig:"EMBED_WINDOW" default:"60s"`
	AdminLimit  int           `envconfig:"ADMIN_LIMIT" default:"60"`
	AdminWindow time.Duration `envconfig:"ADMIN_WINDOW" default:"60s"`

	// Daily spend budget (micro-dollars)
	BudgetDailyCap   int64   `envconfig:"BUDGET_DAILY_CAP" default:"5000000"`
	BudgetSoftRatio  float64 `envconfig:"BUDGET_SOFT_RATIO" default:"0.8"`
	BudgetKillSwitch bool    `envconfig:"BUDGET_KILL_SWITCH" default:"false"`
	EmbedCost        int64   `envconfig:"EMBED_COST" default:"100"`

	// Drift scanner
	DriftMaxAge  time.Duration `envconfig:"DRIFT_MAX_AGE" default:"720h"`
	DriftHorizon time.Duration `envconfig:"DRIFT_HORIZON" default:"168h"`

	// Optional snapshot archive (S3-compatible)
	S3Endpoint  string `envconfig:"S3_ENDPOINT"`
	S3AccessKey string `envconfig:"S3_ACCESS_KEY_ID"`
	S3SecretKey string `envconfig:"S3_SECRET_ACCESS_KEY"`
	S3Bucket    string `envconfig:"S3_BUCKET" default:"guardrail-snapshots"`
	S3Region    string `envconfig:"S3_REGION" default:"us-east-1"`

	// Bootstrap: create initial organization and API key on startup
	InitOrgName string `envconfig:"INIT_ORG_NAME"`
	InitAPIKey  string `envconfig:"INIT_API_KEY"`
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("GUARDRAIL", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}

	return &cfg, nil
}

func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	return cfg
}

func (c *Config) HasS3() bool {
	return c.S3Endpoint != "" && c.S3AccessKey != "" && c.S3SecretKey != ""
}

func (c *Config) HasOpenAI() bool {
	return c.OpenAIAPIKey != ""
}
