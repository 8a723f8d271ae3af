package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"

	defaultMaxTokens = 4096
	maxRetries       = 3
)

var (
	ErrNoMessages    = errors.New("no messages")
	ErrEmptyResponse = errors.New("empty response content")
	ErrRefusal       = errors.New("model refused the request")
)

type Client interface {
	Generate(ctx context.Context, req Request) (Response, error)
	Name() string
}

type Request struct {
	System   string
	Messages []Message
	// Schema, when set, constrains the reply to a single JSON document
	// matching it. Response.Text then holds that document.
	Schema      *Schema
	Temperature float32
	MaxTokens   int
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Schema is a named JSON schema for structured output.
type Schema struct {
	Name        string
	Description string
	JSON        map[string]any
}

type Response struct {
	Text string
}

type Config struct {
	Provider  string
	OpenAI    OpenAIConfig
	Anthropic AnthropicConfig
}

// New returns the client for cfg.Provider. OpenAI is the default.
func New(cfg Config, logger zerolog.Logger) (Client, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = ProviderOpenAI
	}

	switch provider {
	case ProviderOpenAI:
		return NewOpenAI(cfg.OpenAI, logger.With().Str("provider", provider).Logger())
	case ProviderAnthropic:
		return NewAnthropic(cfg.Anthropic, logger.With().Str("provider", provider).Logger())
	default:
		return nil, fmt.Errorf("unknown LLM provider: %s (use 'openai' or 'anthropic')", provider)
	}
}

func cleanModel(model, fallback string) string {
	model = strings.Trim(strings.TrimSpace(model), "\"'")
	if model == "" {
		return fallback
	}
	return model
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
