package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/rs/zerolog"
)

const (
	defaultOpenAIModel = "gpt-4o-mini-2024-07-18"
	openAITimeout      = 120 * time.Second
)

type OpenAIConfig struct {
	APIKey string
	Model  string
	// BaseURL points at an OpenAI compatible endpoint. Empty means api.openai.com.
	BaseURL string
	// HTTPClient overrides the SDK transport.
	HTTPClient *http.Client
	// MaxRetries overrides the SDK retry count. Negative disables retries.
	MaxRetries int
}

type openAIClient struct {
	client openai.Client
	model  string
	logger zerolog.Logger
}

func NewOpenAI(cfg OpenAIConfig, logger zerolog.Logger) (Client, error) {
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		return nil, errors.New("missing OPENAI_API_KEY")
	}

	retries := maxRetries
	if cfg.MaxRetries > 0 {
		retries = cfg.MaxRetries
	} else if cfg.MaxRetries < 0 {
		retries = 0
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: openAITimeout}
	}

	opts := []option.RequestOption{
		option.WithAPIKey(key),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(retries),
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		opts = append(opts, option.WithBaseURL(base))
	}

	return &openAIClient{
		client: openai.NewClient(opts...),
		model:  cleanModel(cfg.Model, defaultOpenAIModel),
		logger: logger,
	}, nil
}

func (c *openAIClient) Name() string {
	return c.model
}

func (c *openAIClient) Generate(ctx context.Context, req Request) (Response, error) {
	if len(req.Messages) == 0 {
		return Response{}, ErrNoMessages
	}

	// OpenAI takes the system prompt as the first message.
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			messages = append(messages, openai.SystemMessage(m.Content))
		case "assistant":
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	params := openai.ChatCompletionNewParams{
		Model:               c.model,
		Messages:            messages,
		Temperature:         openai.Float(float64(req.Temperature)),
		MaxCompletionTokens: openai.Int(int64(maxTokens)),
	}
	if req.Schema != nil {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:        req.Schema.Name,
					Description: openai.String(req.Schema.Description),
					Schema:      req.Schema.JSON,
					Strict:      openai.Bool(true),
				},
			},
		}
	}

	c.logger.Debug().
		Str("model", c.model).
		Int("messages", len(messages)).
		Bool("structured", req.Schema != nil).
		Int("max_tokens", maxTokens).
		Msg("OpenAI API request")

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			c.logger.Error().
				Int("status", apiErr.StatusCode).
				Str("error_type", apiErr.Type).
				Str("error_msg", apiErr.Message).
				Msg("OpenAI API error")
			return Response{}, fmt.Errorf("openai %d: %s: %w", apiErr.StatusCode, apiErr.Message, err)
		}
		return Response{}, fmt.Errorf("openai request: %w", err)
	}

	if len(completion.Choices) == 0 {
		return Response{}, errors.New("no choices in response")
	}
	choice := completion.Choices[0]
	if choice.Message.Refusal != "" {
		return Response{}, fmt.Errorf("%w: %s", ErrRefusal, truncateString(choice.Message.Refusal, 200))
	}
	text := choice.Message.Content
	if text == "" {
		return Response{}, ErrEmptyResponse
	}

	c.logger.Debug().
		Str("finish_reason", choice.FinishReason).
		Int64("prompt_tokens", completion.Usage.PromptTokens).
		Int64("completion_tokens", completion.Usage.CompletionTokens).
		Int64("total_tokens", completion.Usage.TotalTokens).
		Str("response_preview", truncateString(text, 200)).
		Msg("OpenAI API success")

	return Response{Text: text}, nil
}
