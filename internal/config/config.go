// Package config loads process settings from the environment. A .env file in the
// working directory is read first; variables already set win over it.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Prefix is prepended to every variable name.
const Prefix = "CHATGUARD_"

// Config holds every runtime setting.
type Config struct {
	HTTPAddr        string        `env:"HTTP_ADDR" envDefault:":8080"`
	GRPCAddr        string        `env:"GRPC_ADDR"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
	MaxBodyBytes    int64         `env:"MAX_BODY_BYTES" envDefault:"1048576"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`

	PGDSN           string `env:"PG_DSN"`
	RedisURL        string `env:"REDIS_URL"`
	AuditSQLitePath string `env:"AUDIT_SQLITE_PATH"`

	AuthSecret   string        `env:"AUTH_SECRET"`
	AuthIssuer   string        `env:"AUTH_ISSUER" envDefault:"chatguard"`
	AuthTokenTTL time.Duration `env:"AUTH_TOKEN_TTL" envDefault:"1h"`

	PolicyFile      string `env:"POLICY_FILE"`
	ModelCatalog    string `env:"MODEL_CATALOG"`
	ModelRouterAddr string `env:"MODEL_ROUTER_ADDR"`

	LLMBaseURL        string        `env:"LLM_BASE_URL"`
	LLMAPIKey         string        `env:"LLM_API_KEY"`
	LLMTimeout        time.Duration `env:"LLM_TIMEOUT" envDefault:"60s"`
	LLMEmbeddingModel string        `env:"LLM_EMBEDDING_MODEL"`

	TokenEstimate int64 `env:"TOKEN_ESTIMATE" envDefault:"100"`
	HistoryTurns  int   `env:"HISTORY_TURNS" envDefault:"20"`

	RateBurst  int     `env:"RATE_BURST" envDefault:"20"`
	RatePerSec float64 `env:"RATE_PER_SEC" envDefault:"10"`
}

// Load reads .env files (missing ones are ignored) and parses the environment.
func Load(dotenv ...string) (Config, error) {
	if err := godotenv.Load(dotenv...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load dotenv: %w", err)
	}
	return Parse()
}

// Parse reads the environment only.
func Parse() (Config, error) {
	cfg, err := env.ParseAsWithOptions[Config](env.Options{Prefix: Prefix})
	if err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot start with.
func (c Config) Validate() error {
	var errs []error
	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("HTTP_ADDR is required"))
	}
	if c.TokenEstimate <= 0 {
		errs = append(errs, errors.New("TOKEN_ESTIMATE must be positive"))
	}
	if c.RatePerSec < 0 || c.RateBurst < 0 {
		errs = append(errs, errors.New("rate limits must not be negative"))
	}
	if c.AuthSecret != "" && len(c.AuthSecret) < 32 {
		errs = append(errs, errors.New("AUTH_SECRET must be at least 32 bytes"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
