package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Environment string `envconfig:"ENVIRONMENT" default:"local"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
	DBMinConns  int32  `envconfig:"NM_DB_MIN_CONNS" default:"1"`
	DBMaxConns  int32  `envconfig:"NM_DB_MAX_CONNS" default:"8"`

	OpenAIAPIKey   string `envconfig:"OPENAI_API_KEY" default:""`
	OpenAIBaseURL  string `envconfig:"OPENAI_BASE_URL" default:""`
	ChatModel      string `envconfig:"NM_CHAT_MODEL" default:"gpt-4o-mini"`
	EmbeddingModel string `envconfig:"NM_EMBEDDING_MODEL" default:"text-embedding-3-small"`

	SimilarityThreshold float64       `envconfig:"NM_SIMILARITY_THRESHOLD" default:"0.85"`
	CandidateLimit      int           `envconfig:"NM_AI_CANDIDATE_LIMIT" default:"40"`
	AIWorkers           int           `envconfig:"NM_AI_WORKERS" default:"4"`
	ProviderTimeout     time.Duration `envconfig:"NM_PROVIDER_TIMEOUT" default:"30s"`
	RetryAttempts       int           `envconfig:"NM_RETRY_ATTEMPTS" default:"3"`
	RetryBaseDelay      time.Duration `envconfig:"NM_RETRY_BASE_DELAY" default:"500ms"`

	HTTPHost string `envconfig:"NM_HTTP_HOST" default:"0.0.0.0"`
	HTTPPort int    `envconfig:"NM_HTTP_PORT" default:"8091"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.DBMinConns < 0 {
		return fmt.Errorf("NM_DB_MIN_CONNS must be >= 0")
	}
	if c.DBMaxConns < 1 {
		return fmt.Errorf("NM_DB_MAX_CONNS must be >= 1")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("NM_DB_MIN_CONNS (%d) cannot exceed NM_DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.SimilarityThreshold <= 0 || c.SimilarityThreshold > 1 {
		return fmt.Errorf("NM_SIMILARITY_THRESHOLD must be in (0,1], got %f", c.SimilarityThreshold)
	}
	if c.CandidateLimit < 1 {
		return fmt.Errorf("NM_AI_CANDIDATE_LIMIT must be >= 1")
	}
	if c.AIWorkers < 1 {
		return fmt.Errorf("NM_AI_WORKERS must be >= 1")
	}
	if c.RetryAttempts < 1 || c.RetryAttempts > 5 {
		return fmt.Errorf("NM_RETRY_ATTEMPTS must be between 1 and 5")
	}
	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("NM_PROVIDER_TIMEOUT must be positive")
	}
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("NM_HTTP_PORT must be a valid port")
	}
	return nil
}

// AIConfigured reports whether the embedding and disambiguation providers can
// be used. When false those stages degrade to no-ops and log once.
func (c *Config) AIConfigured() bool {
	return strings.TrimSpace(c.OpenAIAPIKey) != ""
}
