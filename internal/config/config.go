// Package config reads runtime settings from the environment. Call
// godotenv.Load before Load to pick up a .env file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/polzovatel/course-scout/internal/llm"
)

const (
	DefaultMultiOnBaseURL = "https://api.multion.ai/v1/web"
	DefaultSettleDelay    = 2 * time.Second
	DefaultMaxMarkupChars = 150000
	DefaultMaxSteps       = 10
	DefaultMaxImageWidth  = 500
)

type Config struct {
	MultiOnAPIKey  string
	MultiOnBaseURL string

	LLM llm.Config

	Headless       bool
	SettleDelay    time.Duration
	MaxMarkupChars int
	CondenseMarkup bool

	MaxSteps      int
	MaxImageWidth int

	ScreenshotDir string
	MetricsAddr   string
	LogLevel      zerolog.Level
}

// Load never fails on missing credentials. The component that needs a key
// reports its absence.
func Load() (Config, error) {
	cfg := Config{
		MultiOnAPIKey:  env("MULTION_API_KEY"),
		MultiOnBaseURL: envOr("MULTION_BASE_URL", DefaultMultiOnBaseURL),
		LLM: llm.Config{
			Provider: env("LLM_PROVIDER"),
			OpenAI: llm.OpenAIConfig{
				APIKey:  env("OPENAI_API_KEY"),
				Model:   env("OPENAI_MODEL"),
				BaseURL: env("OPENAI_BASE_URL"),
			},
			Anthropic: llm.AnthropicConfig{
				APIKey: env("ANTHROPIC_API_KEY"),
				Model:  env("ANTHROPIC_MODEL"),
			},
		},
		Headless:       parseBoolEnv("AGENT_HEADLESS", true),
		CondenseMarkup: parseBoolEnv("SCRAPE_CONDENSE_MARKUP", false),
		ScreenshotDir:  env("SCREENSHOT_DIR"),
		MetricsAddr:    env("METRICS_ADDR"),
	}

	var err error
	if cfg.SettleDelay, err = parseDurationEnv("SCRAPE_SETTLE_DELAY", DefaultSettleDelay); err != nil {
		return Config{}, err
	}
	if cfg.MaxMarkupChars, err = parseIntEnv("SCRAPE_MAX_MARKUP_CHARS", DefaultMaxMarkupChars); err != nil {
		return Config{}, err
	}
	if cfg.MaxSteps, err = parseIntEnv("AGENT_MAX_STEPS", DefaultMaxSteps); err != nil {
		return Config{}, err
	}
	if cfg.MaxImageWidth, err = parseIntEnv("AGENT_MAX_IMAGE_WIDTH", DefaultMaxImageWidth); err != nil {
		return Config{}, err
	}
	if cfg.LogLevel, err = parseLevelEnv("LOG_LEVEL", zerolog.InfoLevel); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func env(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

func envOr(key, fallback string) string {
	if v := env(key); v != "" {
		return v
	}
	return fallback
}

func parseBoolEnv(key string, def bool) bool {
	v := strings.ToLower(env(key))
	switch v {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

func parseIntEnv(key string, def int) (int, error) {
	v := env(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s: want a non-negative integer, got %q", key, v)
	}
	return n, nil
}

func parseDurationEnv(key string, def time.Duration) (time.Duration, error) {
	v := env(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("%s: want a duration like 2s, got %q", key, v)
	}
	return d, nil
}

func parseLevelEnv(key string, def zerolog.Level) (zerolog.Level, error) {
	v := env(key)
	if v == "" {
		return def, nil
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(v))
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return lvl, nil
}
