// Package generator is the text generation client used for cluster titles and
// draft enrichment. It is optional: callers fall back to deterministic
// heuristics whenever it fails.
package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/pbaille/cpsynth/internal/config"
	"github.com/pbaille/cpsynth/internal/domain"
)

const component = "generator"

// Client calls an Anthropic Messages compatible endpoint
type Client struct {
	apiKey    string
	model     string
	endpoint  string
	maxTokens int
	http      *http.Client
}

// New creates a Client from configuration. The API key is read from the
// environment variable named by cfg.APIKeyEnv.
func New(cfg config.GenerationConfig) (*Client, error) {
	apiKey := os.Getenv(cfg.APIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("%s environment variable not set", cfg.APIKeyEnv)
	}
	return NewWithKey(cfg, apiKey), nil
}

// NewWithKey creates a Client with an explicit key.
func NewWithKey(cfg config.GenerationConfig, apiKey string) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &Client{
		apiKey:    apiKey,
		model:     cfg.Model,
		endpoint:  cfg.Endpoint,
		maxTokens: maxTokens,
		http:      &http.Client{Timeout: timeout},
	}
}

type apiRequest struct {
	Model     string       `json:"model"`
	MaxTokens int          `json:"max_tokens"`
	Messages  []apiMessage `json:"messages"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Generate sends prompt and returns the first text block. Every failure is a
// GENERATION_UNAVAILABLE error.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	text, err := c.callAPI(ctx, prompt)
	if err != nil {
		return "", domain.NewError(component, domain.CodeGenerationUnavailable, "text generation failed", err)
	}
	return text, nil
}

func (c *Client) callAPI(ctx context.Context, prompt string) (string, error) {
	reqBody := apiRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages: []apiMessage{
			{Role: "user", Content: prompt},
		},
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("api error (status %d): %s", resp.StatusCode, string(body))
	}

	var apiResp apiResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}

	if apiResp.Error != nil {
		return "", fmt.Errorf("api error: %s", apiResp.Error.Message)
	}

	for _, block := range apiResp.Content {
		if block.Type == "" || block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", fmt.Errorf("empty response")
}
