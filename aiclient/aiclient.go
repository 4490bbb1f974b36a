// Package aiclient is a minimal chat-completions client in the OpenAI wire
// format. It serves two callers: the tier-3 field-mapping fallback and the
// report-extraction step. Absence of an API key disables both, never the run.
package aiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client produces a completion for a single-prompt exchange.
type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Config configures the HTTP client.
type Config struct {
	// Endpoint is the API base, e.g. "https://api.openai.com". The
	// /v1/chat/completions path is appended.
	Endpoint string

	// APIKey is sent as a bearer token. Empty means the client is disabled
	// and New returns nil.
	APIKey string

	// Model name. Default: "gpt-4o".
	Model string

	// MaxTokens per completion. Default: 8000.
	MaxTokens int

	// Temperature. Zero is intentional: mapping must be deterministic as
	// far as the model allows.
	Temperature float64

	// Timeout per request. Default: 120s.
	Timeout time.Duration
}

func (c *Config) defaults() {
	if c.Endpoint == "" {
		c.Endpoint = "https://api.openai.com"
	}
	if c.Model == "" {
		c.Model = "gpt-4o"
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 8000
	}
	if c.Timeout <= 0 {
		c.Timeout = 120 * time.Second
	}
}

type httpClient struct {
	cfg    Config
	client *http.Client
}

// New creates a Client, or nil when no API key is configured. Callers treat a
// nil Client as "tier disabled".
func New(cfg Config) Client {
	if cfg.APIKey == "" {
		return nil
	}
	cfg.defaults()
	return &httpClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *httpClient) Complete(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:       c.cfg.Model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	url := strings.TrimRight(c.cfg.Endpoint, "/") + "/v1/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("HTTP POST %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("HTTP %d from %s: %s", resp.StatusCode, url, string(respBody))
	}

	var result chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("no choices returned from %s", url)
	}
	return strings.TrimSpace(result.Choices[0].Message.Content), nil
}

// StripFences removes a markdown code fence around a model reply, with or
// without a language tag. Models wrap JSON in fences despite instructions.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		// Drop the language tag line ("json", "").
		first := strings.TrimSpace(s[:i])
		if len(first) <= 10 && !strings.ContainsAny(first, "{}[]") {
			s = s[i+1:]
		}
	}
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
