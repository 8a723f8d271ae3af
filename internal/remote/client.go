package remote

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	envAPIKey      = "MULTION_API_KEY"
	DefaultBaseURL = "https://api.multion.ai/v1/web"

	apiKeyHeader = "X_MULTION_API_KEY"
	timeoutSecs  = 120

	maxRetries     = 3
	retryBaseDelay = 500 * time.Millisecond
	maxScreenshot  = 20 << 20
)

// CreateSessionRequest opens a new remote session anchored at URL.
type CreateSessionRequest struct {
	URL               string `json:"url"`
	IncludeScreenshot bool   `json:"include_screenshot"`
}

// StepRequest issues one command against an existing session.
type StepRequest struct {
	SessionID         string `json:"-"`
	Cmd               string `json:"cmd"`
	IncludeScreenshot bool   `json:"include_screenshot"`
	Mode              string `json:"mode,omitempty"`
}

// SessionResponse is what the service reports after create and step calls.
// Screenshot is already decoded to image bytes.
type SessionResponse struct {
	SessionID  string
	URL        string
	Status     string
	Message    string
	Screenshot []byte
}

type sessionPayload struct {
	SessionID  string `json:"session_id"`
	URL        string `json:"url"`
	Status     string `json:"status"`
	Message    string `json:"message"`
	Screenshot string `json:"screenshot"`
}

type listPayload struct {
	SessionIDs []string `json:"session_ids"`
}

// APIError is a non-2xx answer from the automation service.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("automation api %d: %s", e.Status, e.Message)
}

func (e *APIError) retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// Client talks to the remote browser-automation service over HTTPS.
type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client
	logger  zerolog.Logger
}

type Option func(*Client)

func WithBaseURL(base string) Option {
	return func(c *Client) {
		if strings.TrimSpace(base) != "" {
			c.baseURL = strings.TrimRight(strings.TrimSpace(base), "/")
		}
	}
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

func New(apiKey string, opts ...Option) (*Client, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, fmt.Errorf("missing %s", envAPIKey)
	}
	c := &Client{
		apiKey:  apiKey,
		baseURL: DefaultBaseURL,
		http:    &http.Client{Timeout: timeoutSecs * time.Second},
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (SessionResponse, error) {
	var out sessionPayload
	if err := c.do(ctx, http.MethodPost, "/session", req, &out, false); err != nil {
		return SessionResponse{}, err
	}
	return c.toResponse(ctx, out), nil
}

func (c *Client) Step(ctx context.Context, req StepRequest) (SessionResponse, error) {
	if strings.TrimSpace(req.SessionID) == "" {
		return SessionResponse{}, errors.New("step: empty session id")
	}
	var out sessionPayload
	if err := c.do(ctx, http.MethodPost, "/session/"+url.PathEscape(req.SessionID), req, &out, false); err != nil {
		return SessionResponse{}, err
	}
	resp := c.toResponse(ctx, out)
	if resp.SessionID == "" {
		resp.SessionID = req.SessionID
	}
	return resp, nil
}

func (c *Client) CloseSession(ctx context.Context, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return errors.New("close: empty session id")
	}
	return c.do(ctx, http.MethodDelete, "/session/"+url.PathEscape(sessionID), nil, nil, true)
}

func (c *Client) ListSessions(ctx context.Context) ([]string, error) {
	var out listPayload
	if err := c.do(ctx, http.MethodGet, "/sessions", nil, &out, true); err != nil {
		return nil, err
	}
	return out.SessionIDs, nil
}

func (c *Client) toResponse(ctx context.Context, p sessionPayload) SessionResponse {
	return SessionResponse{
		SessionID:  p.SessionID,
		URL:        p.URL,
		Status:     strings.ToUpper(strings.TrimSpace(p.Status)),
		Message:    p.Message,
		Screenshot: c.screenshot(ctx, p.Screenshot),
	}
}

// do sends one API call. Only idempotent calls are retried: a create or step
// that may have reached the service is reported to the caller as is.
func (c *Client) do(ctx context.Context, method, path string, in, out any, idempotent bool) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay * time.Duration(1<<uint(attempt-1))
			c.logger.Info().
				Int("attempt", attempt).
				Dur("delay", delay).
				Str("path", path).
				Msg("retrying automation API call")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		reqID := uuid.NewString()
		httpReq.Header.Set(apiKeyHeader, c.apiKey)
		httpReq.Header.Set("X-Request-ID", reqID)
		httpReq.Header.Set("Accept", "application/json")
		if body != nil {
			httpReq.Header.Set("Content-Type", "application/json")
		}

		c.logger.Debug().
			Str("method", method).
			Str("path", path).
			Str("request_id", reqID).
			Int("payload_size", len(body)).
			Msg("automation API request")

		resp, err := c.http.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = fmt.Errorf("http request: %w", err)
			if !idempotent {
				return lastErr
			}
			continue
		}
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			if !idempotent {
				return lastErr
			}
			continue
		}

		c.logger.Debug().
			Int("status", resp.StatusCode).
			Int("response_size", len(data)).
			Str("request_id", reqID).
			Msg("automation API response")

		if resp.StatusCode >= 400 {
			apiErr := &APIError{Status: resp.StatusCode, Message: errorMessage(data)}
			c.logger.Error().
				Int("status", resp.StatusCode).
				Str("error_msg", apiErr.Message).
				Int("attempt", attempt).
				Msg("automation API error")
			if idempotent && apiErr.retryable() {
				lastErr = apiErr
				continue
			}
			return apiErr
		}

		if out == nil || len(bytes.TrimSpace(data)) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("parse response: %w", err)
		}
		return nil
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func errorMessage(data []byte) string {
	var parsed struct {
		Message string `json:"message"`
		Detail  string `json:"detail"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(data, &parsed); err == nil {
		for _, m := range []string{parsed.Message, parsed.Detail, parsed.Error} {
			if m != "" {
				return m
			}
		}
	}
	msg := strings.TrimSpace(string(data))
	if r := []rune(msg); len(r) > 500 {
		msg = string(r[:500]) + "..."
	}
	return msg
}

// screenshot turns the wire value into image bytes. The service sends either a
// data URI, bare base64 or a link to the image.
func (c *Client) screenshot(ctx context.Context, raw string) []byte {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		data, err := c.fetch(ctx, raw)
		if err != nil {
			c.logger.Debug().Err(err).Str("url", raw).Msg("screenshot fetch failed")
			return nil
		}
		return data
	}
	if strings.HasPrefix(raw, "data:") {
		idx := strings.Index(raw, ",")
		if idx < 0 {
			return nil
		}
		raw = raw[idx+1:]
	}
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		c.logger.Debug().Err(err).Int("size", len(raw)).Msg("screenshot is not base64")
		return nil
	}
	return data
}

func (c *Client) fetch(ctx context.Context, link string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxScreenshot))
}
