package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the Charisma job server.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Worker   WorkerConfig
	AI       AIConfig
}

type ServerConfig struct {
	Port     int
	Env      string
	LogFile  string
	InMemory bool
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL      string
	QueueKey string
}

type WorkerConfig struct {
	Count         int
	MaxAttempts   int
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	JobTimeout    time.Duration
	PollInterval  time.Duration
	SnapshotTTL   time.Duration
	AvgJobSeconds int
}

type AIConfig struct {
	Timeout   time.Duration
	OpenAI    OpenAIConfig
	Anthropic AnthropicConfig
	Ollama    OllamaConfig
}

type OpenAIConfig struct {
	APIKey string
	Model  string
}

type AnthropicConfig struct {
	APIKey string
	Model  string
}

type OllamaConfig struct {
	BaseURL string
	Model   string
}

// Load reads configuration from environment variables and returns a validated
// Config. Returns an error with a descriptive message if any required value
// is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:     envInt("CHARISMA_PORT", 8080),
			Env:      envString("CHARISMA_ENV", "development"),
			LogFile:  envString("CHARISMA_LOG_FILE", ""),
			InMemory: envBool("CHARISMA_INMEMORY", false),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL:      os.Getenv("REDIS_URL"),
			QueueKey: envString("CHARISMA_QUEUE_KEY", "jobs:queue"),
		},
		Worker: WorkerConfig{
			Count:         envInt("CHARISMA_WORKER_COUNT", 4),
			MaxAttempts:   envInt("CHARISMA_JOB_MAX_ATTEMPTS", 3),
			BackoffBase:   envDuration("CHARISMA_RETRY_BACKOFF_BASE", 5*time.Second),
			BackoffCap:    envDuration("CHARISMA_RETRY_BACKOFF_CAP", 5*time.Minute),
			JobTimeout:    envDuration("CHARISMA_JOB_TIMEOUT", 15*time.Minute),
			PollInterval:  envDuration("CHARISMA_CLIENT_POLL_INTERVAL", 2500*time.Millisecond),
			SnapshotTTL:   envDuration("CHARISMA_STATUS_CACHE_TTL", 30*time.Minute),
			AvgJobSeconds: envInt("CHARISMA_AVG_JOB_SECONDS", 45),
		},
		AI: AIConfig{
			Timeout: envDurationSecs("AI_INFERENCE_TIMEOUT_SECS", 120*time.Second),
			OpenAI: OpenAIConfig{
				APIKey: os.Getenv("OPENAI_API_KEY"),
				Model:  envString("OPENAI_MODEL", "gpt-4"),
			},
			Anthropic: AnthropicConfig{
				APIKey: os.Getenv("ANTHROPIC_API_KEY"),
				Model:  envString("ANTHROPIC_MODEL", "claude-sonnet-4-5-20250929"),
			},
			Ollama: OllamaConfig{
				BaseURL: envString("OLLAMA_BASE_URL", "http://localhost:11434"),
				Model:   envString("OLLAMA_MODEL", "llama3"),
			},
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if !c.Server.InMemory {
		if c.Database.URL == "" {
			return fmt.Errorf("DATABASE_URL is required")
		}
		if c.Redis.URL == "" {
			return fmt.Errorf("REDIS_URL is required")
		}
	}
	if c.Worker.Count < 1 {
		return fmt.Errorf("CHARISMA_WORKER_COUNT must be at least 1, got %d", c.Worker.Count)
	}
	if c.Worker.MaxAttempts < 1 {
		return fmt.Errorf("CHARISMA_JOB_MAX_ATTEMPTS must be at least 1, got %d", c.Worker.MaxAttempts)
	}
	if c.Worker.BackoffBase <= 0 {
		return fmt.Errorf("CHARISMA_RETRY_BACKOFF_BASE must be positive")
	}
	if c.Worker.BackoffCap < c.Worker.BackoffBase {
		return fmt.Errorf("CHARISMA_RETRY_BACKOFF_CAP must be >= CHARISMA_RETRY_BACKOFF_BASE")
	}
	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
