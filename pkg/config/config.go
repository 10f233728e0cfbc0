// Package config loads engine configuration from a JSON file with
// environment variable overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
)

type LLMConfig struct {
	BaseURL           string   `json:"base_url" env:"SEAPEN_LLM_BASE_URL"`
	Model             string   `json:"model" env:"SEAPEN_LLM_MODEL"`
	FallbackModel     string   `json:"fallback_model" env:"SEAPEN_LLM_FALLBACK_MODEL"`
	FastModel         string   `json:"fast_model" env:"SEAPEN_LLM_FAST_MODEL"`
	APIKeys           []string `json:"api_keys" env:"SEAPEN_LLM_API_KEYS"`
	RequestTimeout    int      `json:"request_timeout_seconds" env:"SEAPEN_LLM_REQUEST_TIMEOUT"`
	Temperature       float64  `json:"temperature" env:"SEAPEN_LLM_TEMPERATURE"`
	TopP              float64  `json:"top_p" env:"SEAPEN_LLM_TOP_P"`
	TopK              int      `json:"top_k" env:"SEAPEN_LLM_TOP_K"`
	MaxOutputTokens   int      `json:"max_output_tokens" env:"SEAPEN_LLM_MAX_OUTPUT_TOKENS"`
	RequestsPerMinute int      `json:"requests_per_minute" env:"SEAPEN_LLM_REQUESTS_PER_MINUTE"`
}

type RetryConfig struct {
	MaxRounds       int    `json:"max_rounds" env:"SEAPEN_RETRY_MAX_ROUNDS"`
	Strategy        string `json:"strategy" env:"SEAPEN_RETRY_STRATEGY"` // linear, exponential, fibonacci
	InterRoundDelay int    `json:"inter_round_delay_seconds" env:"SEAPEN_RETRY_INTER_ROUND_DELAY"`
}

type SessionConfig struct {
	MaxIterations        int `json:"max_iterations" env:"SEAPEN_SESSION_MAX_ITERATIONS"`
	MaxConsecutiveErrors int `json:"max_consecutive_errors" env:"SEAPEN_SESSION_MAX_CONSECUTIVE_ERRORS"`
	IterationDelay       int `json:"iteration_delay_seconds" env:"SEAPEN_SESSION_ITERATION_DELAY"`
	CompactionInterval   int `json:"compaction_interval" env:"SEAPEN_SESSION_COMPACTION_INTERVAL"`
	LogWindow            int `json:"log_window" env:"SEAPEN_SESSION_LOG_WINDOW"`
}

type ScriptConfig struct {
	TimeoutSeconds int `json:"timeout_seconds" env:"SEAPEN_SCRIPT_TIMEOUT"`
}

type StoreConfig struct {
	Path        string `json:"path" env:"SEAPEN_STORE_PATH"`
	ArchiveKeep int    `json:"archive_keep" env:"SEAPEN_STORE_ARCHIVE_KEEP"`
}

type Config struct {
	LLM     LLMConfig     `json:"llm"`
	Retry   RetryConfig   `json:"retry"`
	Session SessionConfig `json:"session"`
	Script  ScriptConfig  `json:"script"`
	Store   StoreConfig   `json:"store"`
	LogFile string        `json:"log_file" env:"SEAPEN_LOG_FILE"`
}

func DefaultConfig() *Config {
	return &Config{
		LLM: LLMConfig{
			BaseURL:           "https://generativelanguage.googleapis.com",
			Model:             "gemini-2.5-pro",
			FallbackModel:     "gemini-2.5-flash",
			FastModel:         "gemini-2.5-flash-lite",
			RequestTimeout:    120,
			Temperature:       0.7,
			TopP:              0.95,
			TopK:              40,
			MaxOutputTokens:   8192,
			RequestsPerMinute: 30,
		},
		Retry: RetryConfig{
			MaxRounds:       3,
			Strategy:        "linear",
			InterRoundDelay: 5,
		},
		Session: SessionConfig{
			MaxIterations:        50,
			MaxConsecutiveErrors: 3,
			IterationDelay:       2,
			CompactionInterval:   15,
			LogWindow:            20,
		},
		Script: ScriptConfig{
			TimeoutSeconds: 30,
		},
		Store: StoreConfig{
			Path:        defaultStorePath(),
			ArchiveKeep: 5,
		},
	}
}

func defaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "seapen.db"
	}
	return filepath.Join(home, ".seapen", "seapen.db")
}

// LoadConfig reads the JSON file at path (missing file falls back to
// defaults), then applies environment variable overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	} else if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, cfg.Validate()
}

func SaveConfig(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func (c *Config) Validate() error {
	if c.Session.MaxIterations <= 0 {
		return fmt.Errorf("session.max_iterations must be positive, got %d", c.Session.MaxIterations)
	}
	if c.Session.MaxConsecutiveErrors <= 0 {
		return fmt.Errorf("session.max_consecutive_errors must be positive, got %d", c.Session.MaxConsecutiveErrors)
	}
	if c.Session.CompactionInterval <= 0 {
		return fmt.Errorf("session.compaction_interval must be positive, got %d", c.Session.CompactionInterval)
	}
	switch c.Retry.Strategy {
	case "", "linear", "exponential", "fibonacci":
	default:
		return fmt.Errorf("retry.strategy must be linear, exponential or fibonacci, got %q", c.Retry.Strategy)
	}
	return nil
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.LLM.RequestTimeout) * time.Second
}

func (c *Config) IterationDelay() time.Duration {
	return time.Duration(c.Session.IterationDelay) * time.Second
}

func (c *Config) ScriptTimeout() time.Duration {
	return time.Duration(c.Script.TimeoutSeconds) * time.Second
}
