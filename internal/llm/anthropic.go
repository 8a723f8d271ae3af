package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultAnthropicModel = "claude-sonnet-4-5-20250929"

	anthropicAPIURL  = "https://api.anthropic.com/v1/messages"
	anthropicVersion = "2023-06-01"
	anthropicTimeout = 120 * time.Second

	retryBaseDelay = 500 * time.Millisecond
)

type AnthropicConfig struct {
	APIKey string
	Model  string
	// BaseURL replaces the messages endpoint, mostly for tests and proxies.
	BaseURL    string
	HTTPClient *http.Client
}

type anthropicClient struct {
	apiKey   string
	model    string
	endpoint string
	http     *http.Client
	logger   zerolog.Logger
}

func NewAnthropic(cfg AnthropicConfig, logger zerolog.Logger) (Client, error) {
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		return nil, errors.New("missing ANTHROPIC_API_KEY")
	}
	endpoint := strings.TrimSpace(cfg.BaseURL)
	if endpoint == "" {
		endpoint = anthropicAPIURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: anthropicTimeout}
	}
	return &anthropicClient{
		apiKey:   key,
		model:    cleanModel(cfg.Model, defaultAnthropicModel),
		endpoint: endpoint,
		http:     httpClient,
		logger:   logger,
	}, nil
}

func (c *anthropicClient) Name() string { return c.model }

// Generate calls the messages API. A schema is sent as the only tool and the
// model is forced to call it, so the tool input is the structured reply.
func (c *anthropicClient) Generate(ctx context.Context, req Request) (Response, error) {
	if len(req.Messages) == 0 {
		return Response{}, ErrNoMessages
	}

	payload := anthropicPayload{
		Model:       c.model,
		System:      req.System,
		MaxTokens:   req.MaxTokens,
		Temperature: float64(req.Temperature),
	}
	if payload.MaxTokens <= 0 {
		payload.MaxTokens = defaultMaxTokens
	}
	for _, m := range req.Messages {
		payload.Messages = append(payload.Messages, anthropicMessage{
			Role:    m.Role,
			Content: []anthropicContent{{Type: "text", Text: m.Content}},
		})
	}
	if req.Schema != nil {
		payload.Tools = []anthropicTool{{
			Name:        req.Schema.Name,
			Description: req.Schema.Description,
			InputSchema: req.Schema.JSON,
		}}
		payload.ToolChoice = &anthropicToolChoice{Type: "tool", Name: req.Schema.Name}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Response{}, fmt.Errorf("marshal payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay * time.Duration(1<<uint(attempt-1))
			c.logger.Info().
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("retrying Anthropic API call")
			select {
			case <-ctx.Done():
				return Response{}, ctx.Err()
			case <-time.After(delay):
			}
		}

		c.logger.Debug().
			Str("model", c.model).
			Int("messages", len(payload.Messages)).
			Bool("structured", req.Schema != nil).
			Int("payload_size", len(body)).
			Int("max_tokens", payload.MaxTokens).
			Msg("Anthropic API request")

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return Response{}, fmt.Errorf("create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("x-api-key", c.apiKey)
		httpReq.Header.Set("anthropic-version", anthropicVersion)

		resp, err := c.http.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return Response{}, ctx.Err()
			}
			lastErr = fmt.Errorf("http request: %w", err)
			continue
		}

		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			continue
		}

		c.logger.Debug().
			Int("status", resp.StatusCode).
			Int("response_size", len(data)).
			Msg("Anthropic API response")

		if resp.StatusCode >= 400 {
			var envelope anthropicErrorEnvelope
			rawError := string(data)
			if err := json.Unmarshal(data, &envelope); err != nil || envelope.Error.Message == "" {
				lastErr = fmt.Errorf("anthropic %d: %s", resp.StatusCode, truncateString(rawError, 500))
			} else {
				lastErr = fmt.Errorf("anthropic %d: %s (type: %s)", resp.StatusCode, envelope.Error.Message, envelope.Error.Type)
			}

			c.logger.Error().
				Int("status", resp.StatusCode).
				Str("error_type", envelope.Error.Type).
				Str("error_msg", envelope.Error.Message).
				Int("attempt", attempt).
				Msg("Anthropic API error")

			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				continue
			}
			return Response{}, lastErr
		}

		var ar anthropicResponse
		if err := json.Unmarshal(data, &ar); err != nil {
			return Response{}, fmt.Errorf("parse response: %w", err)
		}
		text, err := ar.text(req.Schema)
		if err != nil {
			return Response{}, err
		}

		c.logger.Debug().
			Str("stop_reason", ar.StopReason).
			Int("input_tokens", ar.Usage.InputTokens).
			Int("output_tokens", ar.Usage.OutputTokens).
			Str("response_preview", truncateString(text, 200)).
			Msg("Anthropic API success")

		return Response{Text: text}, nil
	}

	return Response{}, fmt.Errorf("max retries exceeded: %w", lastErr)
}

type anthropicPayload struct {
	Model       string               `json:"model"`
	System      string               `json:"system,omitempty"`
	Messages    []anthropicMessage   `json:"messages"`
	Tools       []anthropicTool      `json:"tools,omitempty"`
	ToolChoice  *anthropicToolChoice `json:"tool_choice,omitempty"`
	MaxTokens   int                  `json:"max_tokens"`
	Temperature float64              `json:"temperature"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

type anthropicResponse struct {
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// text returns the tool input for structured requests, joined text blocks otherwise.
func (r anthropicResponse) text(schema *Schema) (string, error) {
	if schema != nil {
		for _, block := range r.Content {
			if block.Type == "tool_use" && block.Name == schema.Name && len(block.Input) > 0 {
				return string(block.Input), nil
			}
		}
		return "", fmt.Errorf("%w: no %s tool call", ErrEmptyResponse, schema.Name)
	}

	var buf strings.Builder
	for _, block := range r.Content {
		if block.Type == "text" {
			buf.WriteString(block.Text)
		}
	}
	if buf.Len() == 0 {
		return "", ErrEmptyResponse
	}
	return buf.String(), nil
}

type anthropicErrorEnvelope struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
