package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSchema = &Schema{
	Name:        "items",
	Description: "a list of items",
	JSON: map[string]any{
		"type":                 "object",
		"properties":           map[string]any{"items": map[string]any{"type": "array"}},
		"required":             []string{"items"},
		"additionalProperties": false,
	},
}

func TestNewProviderSelection(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		wantName string
		wantErr  bool
	}{
		{name: "default openai", cfg: Config{OpenAI: OpenAIConfig{APIKey: "k"}}, wantName: defaultOpenAIModel},
		{name: "anthropic", cfg: Config{Provider: " Anthropic ", Anthropic: AnthropicConfig{APIKey: "k", Model: "'claude-x'"}}, wantName: "claude-x"},
		{name: "missing key", cfg: Config{Provider: "openai"}, wantErr: true},
		{name: "unknown", cfg: Config{Provider: "gemini"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(tt.cfg, zerolog.Nop())
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, c.Name())
		})
	}
}

func TestOpenAIStructuredOutput(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1", "object": "chat.completion", "created": 1, "model": "gpt-test",
			"choices": [{"index": 0, "finish_reason": "stop",
				"message": {"role": "assistant", "content": "{\"items\":[]}"}}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 3, "total_tokens": 13}
		}`))
	}))
	defer srv.Close()

	c, err := NewOpenAI(OpenAIConfig{APIKey: "test-key", Model: "gpt-test", BaseURL: srv.URL, MaxRetries: -1}, zerolog.Nop())
	require.NoError(t, err)

	resp, err := c.Generate(context.Background(), Request{
		System:      "extract",
		Messages:    []Message{{Role: "user", Content: "<html></html>"}},
		Schema:      testSchema,
		Temperature: 0.1,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"items":[]}`, resp.Text)

	assert.Equal(t, "gpt-test", got["model"])
	assert.InDelta(t, 0.1, got["temperature"], 0.0001)
	messages, ok := got["messages"].([]any)
	require.True(t, ok)
	require.Len(t, messages, 2)
	assert.Equal(t, "system", messages[0].(map[string]any)["role"])

	format, ok := got["response_format"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "json_schema", format["type"])
	schema := format["json_schema"].(map[string]any)
	assert.Equal(t, "items", schema["name"])
	assert.Equal(t, true, schema["strict"])
}

func TestOpenAIRefusal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","object":"chat.completion","created":1,"model":"m",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"","refusal":"no"}}]}`))
	}))
	defer srv.Close()

	c, err := NewOpenAI(OpenAIConfig{APIKey: "k", BaseURL: srv.URL, MaxRetries: -1}, zerolog.Nop())
	require.NoError(t, err)
	_, err = c.Generate(context.Background(), Request{Messages: []Message{{Role: "user", Content: "x"}}, Schema: testSchema})
	require.ErrorIs(t, err, ErrRefusal)
}

func TestOpenAIClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad schema","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	c, err := NewOpenAI(OpenAIConfig{APIKey: "k", BaseURL: srv.URL, MaxRetries: -1}, zerolog.Nop())
	require.NoError(t, err)
	_, err = c.Generate(context.Background(), Request{Messages: []Message{{Role: "user", Content: "x"}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "openai 400")
}

func TestGenerateRequiresMessages(t *testing.T) {
	oc, err := NewOpenAI(OpenAIConfig{APIKey: "k"}, zerolog.Nop())
	require.NoError(t, err)
	_, err = oc.Generate(context.Background(), Request{})
	require.ErrorIs(t, err, ErrNoMessages)

	ac, err := NewAnthropic(AnthropicConfig{APIKey: "k"}, zerolog.Nop())
	require.NoError(t, err)
	_, err = ac.Generate(context.Background(), Request{})
	require.ErrorIs(t, err, ErrNoMessages)
}

func TestAnthropicForcedToolUse(t *testing.T) {
	var got anthropicPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"content":[
			{"type":"text","text":"here you go"},
			{"type":"tool_use","id":"t1","name":"items","input":{"items":[1,2]}}
		],"stop_reason":"tool_use","usage":{"input_tokens":5,"output_tokens":7}}`))
	}))
	defer srv.Close()

	c, err := NewAnthropic(AnthropicConfig{APIKey: "test-key", BaseURL: srv.URL}, zerolog.Nop())
	require.NoError(t, err)

	resp, err := c.Generate(context.Background(), Request{
		System:   "extract",
		Messages: []Message{{Role: "user", Content: "<html></html>"}},
		Schema:   testSchema,
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"items":[1,2]}`, resp.Text)

	assert.Equal(t, "extract", got.System)
	assert.Equal(t, defaultMaxTokens, got.MaxTokens)
	require.Len(t, got.Tools, 1)
	assert.Equal(t, "items", got.Tools[0].Name)
	require.NotNil(t, got.ToolChoice)
	assert.Equal(t, anthropicToolChoice{Type: "tool", Name: "items"}, *got.ToolChoice)
}

func TestAnthropicPlainTextAndMissingTool(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"hello "},{"type":"text","text":"world"}]}`))
	}))
	defer srv.Close()

	c, err := NewAnthropic(AnthropicConfig{APIKey: "k", BaseURL: srv.URL}, zerolog.Nop())
	require.NoError(t, err)

	resp, err := c.Generate(context.Background(), Request{Messages: []Message{{Role: "user", Content: "hi"}}})
	require.NoError(t, err)
	assert.Equal(t, "hello world", resp.Text)

	_, err = c.Generate(context.Background(), Request{Messages: []Message{{Role: "user", Content: "hi"}}, Schema: testSchema})
	require.ErrorIs(t, err, ErrEmptyResponse)
}

func TestAnthropicRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"type":"error","error":{"type":"overloaded_error","message":"busy"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"ok"}]}`))
	}))
	defer srv.Close()

	c, err := NewAnthropic(AnthropicConfig{APIKey: "k", BaseURL: srv.URL}, zerolog.Nop())
	require.NoError(t, err)
	resp, err := c.Generate(context.Background(), Request{Messages: []Message{{Role: "user", Content: "hi"}}})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
	assert.EqualValues(t, 2, calls.Load())
}

func TestAnthropicDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"bad tool"}}`))
	}))
	defer srv.Close()

	c, err := NewAnthropic(AnthropicConfig{APIKey: "k", BaseURL: srv.URL}, zerolog.Nop())
	require.NoError(t, err)
	_, err = c.Generate(context.Background(), Request{Messages: []Message{{Role: "user", Content: "hi"}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad tool")
	assert.EqualValues(t, 1, calls.Load())
}
