package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// config is the server configuration, read from the environment.
type config struct {
	HTTPAddr     string
	WorkflowsDir string

	MongoURL      string
	MongoDatabase string

	RedisURL      string
	RedisPassword string

	// Provider selects the agent invoker: anthropic, openai or scripted.
	Provider     string
	Model        string
	APIKey       string
	ScriptPath   string
	InputPerMTok float64
	OutPerMTok   float64
	TokensPerMin float64

	CallTimeout time.Duration
	MaxRetries  int
	TailSize    int
	LeaseTTL    time.Duration
	OutboxSize  int
	PruneIdle   time.Duration

	AllowTools []string
	BlockTools []string
}

func loadConfig() config {
	cfg := config{
		HTTPAddr:      envOr("MOZAIKS_HTTP_ADDR", ":8080"),
		WorkflowsDir:  envOr("MOZAIKS_WORKFLOWS_DIR", "workflows"),
		MongoURL:      os.Getenv("MONGO_URL"),
		MongoDatabase: envOr("MONGO_DATABASE", "mozaiks"),
		RedisURL:      os.Getenv("REDIS_URL"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		Provider:      envOr("MOZAIKS_PROVIDER", "scripted"),
		Model:         os.Getenv("MOZAIKS_MODEL"),
		ScriptPath:    envOr("MOZAIKS_SCRIPT", "workflows/onboarding.script.yaml"),
		InputPerMTok:  envFloatOr("MOZAIKS_PRICE_INPUT_MTOK", 0),
		OutPerMTok:    envFloatOr("MOZAIKS_PRICE_OUTPUT_MTOK", 0),
		TokensPerMin:  envFloatOr("MOZAIKS_TOKENS_PER_MINUTE", 0),
		CallTimeout:   envDurationOr("MOZAIKS_CALL_TIMEOUT", 60*time.Second),
		MaxRetries:    envIntOr("MOZAIKS_MAX_RETRIES", 2),
		TailSize:      envIntOr("MOZAIKS_TAIL_SIZE", 40),
		LeaseTTL:      envDurationOr("MOZAIKS_LEASE_TTL", 2*time.Minute),
		OutboxSize:    envIntOr("MOZAIKS_OUTBOX_SIZE", 256),
		PruneIdle:     envDurationOr("MOZAIKS_PRUNE_IDLE", 10*time.Minute),
		AllowTools:    envListOr("MOZAIKS_ALLOW_TOOLS", nil),
		BlockTools:    envListOr("MOZAIKS_BLOCK_TOOLS", nil),
	}
	switch cfg.Provider {
	case "anthropic":
		cfg.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	case "openai":
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	return cfg
}

// validate rejects settings the runtime cannot honor. The lease is
// refreshed in the background at a third of its TTL, and it must outlive a
// single agent call so one slow call cannot let it expire between ticks.
func (c config) validate() error {
	if c.CallTimeout <= 0 {
		return fmt.Errorf("call timeout must be positive, got %s", c.CallTimeout)
	}
	if c.LeaseTTL <= c.CallTimeout {
		return fmt.Errorf("lease TTL %s must exceed call timeout %s", c.LeaseTTL, c.CallTimeout)
	}
	return nil
}

// envOr returns the environment variable value or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envIntOr returns the environment variable as int or a default.
func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

// envFloatOr returns the environment variable as float64 or a default.
func envFloatOr(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

// envDurationOr returns the environment variable as duration or a default.
func envDurationOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

// envListOr returns the comma separated environment variable or a default.
func envListOr(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
