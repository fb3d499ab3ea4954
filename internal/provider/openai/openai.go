// Package openai talks to an OpenAI-compatible HTTP API for embeddings and
// chat completions.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"text2tasks/internal/provider"
)

var (
	_ provider.Embedder  = (*Client)(nil)
	_ provider.Extractor = (*Client)(nil)
	_ provider.Answerer  = (*Client)(nil)
)

const (
	DefaultBaseURL        = "https://api.openai.com/v1"
	DefaultEmbeddingModel = "text-embedding-3-small"
	DefaultChatModel      = "gpt-4o-mini"
	DefaultTimeout        = 60 * time.Second
)

type Config struct {
	APIKey         string
	BaseURL        string
	EmbeddingModel string
	ChatModel      string
	// Dimensions is requested from text-embedding-3-* models and checked on
	// every response.
	Dimensions int
	Timeout    time.Duration
	// RequestsPerSecond throttles outbound calls. Zero disables throttling.
	RequestsPerSecond float64
	HTTPClient        *http.Client
}

type Client struct {
	http    *http.Client
	limiter *rate.Limiter
	baseURL string
	apiKey  string
	embed   string
	chat    string
	dim     int
}

func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: API key is required")
	}
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("openai: dimensions must be positive")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = DefaultEmbeddingModel
	}
	if cfg.ChatModel == "" {
		cfg.ChatModel = DefaultChatModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return &Client{
		http:    hc,
		limiter: limiter,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		embed:   cfg.EmbeddingModel,
		chat:    cfg.ChatModel,
		dim:     cfg.Dimensions,
	}, nil
}

func (c *Client) Dimensions() int { return c.dim }

type embeddingRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	req := embeddingRequest{Model: c.embed, Input: []string{text}}
	if strings.HasPrefix(c.embed, "text-embedding-3") {
		req.Dimensions = c.dim
	}
	var resp embeddingResponse
	if err := c.post(ctx, "/embeddings", req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("openai: no embedding returned")
	}
	raw := resp.Data[0].Embedding
	if len(raw) != c.dim {
		return nil, fmt.Errorf("openai: model %s returned %d dimensions, want %d", c.embed, len(raw), c.dim)
	}
	out := make([]float32, len(raw))
	for i, v := range raw {
		out[i] = float32(v)
	}
	return out, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	MaxTokens      int           `json:"max_tokens,omitempty"`
	ResponseFormat *struct {
		Type string `json:"type"`
	} `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (c *Client) Extract(ctx context.Context, text string) (provider.Extraction, error) {
	reply, err := c.complete(ctx, provider.ExtractInstructions, text, 0.1, 1000)
	if err != nil {
		return provider.Extraction{}, err
	}
	return provider.ParseExtraction(reply), nil
}

func (c *Client) Answer(ctx context.Context, question, contextText string) (provider.Answer, error) {
	reply, err := c.complete(ctx, provider.AnswerInstructions, provider.AnswerPrompt(question, contextText), 0.3, 500)
	if err != nil {
		return provider.Answer{}, err
	}
	return provider.ParseAnswer(reply), nil
}

func (c *Client) complete(ctx context.Context, system, user string, temperature float64, maxTokens int) (string, error) {
	req := chatRequest{
		Model: c.chat,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: temperature,
		MaxTokens:   maxTokens,
		ResponseFormat: &struct {
			Type string `json:"type"`
		}{Type: "json_object"},
	}
	var resp chatResponse
	if err := c.post(ctx, "/chat/completions", req, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai: no choices returned")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

type apiError struct {
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr apiError
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != nil {
			return fmt.Errorf("openai error (status %d): %s", resp.StatusCode, apiErr.Error.Message)
		}
		return fmt.Errorf("openai error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
