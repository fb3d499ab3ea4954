// Package anthropic implements extraction and answering on the Anthropic
// Messages API. It has no embeddings endpoint, so pair it with another
// Embedder.
package anthropic

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"text2tasks/internal/provider"
)

var (
	_ provider.Extractor = (*Client)(nil)
	_ provider.Answerer  = (*Client)(nil)
)

const DefaultModel = "claude-3-5-haiku-latest"

type Config struct {
	APIKey string
	Model  string
	// BaseURL overrides the API endpoint, mainly for tests.
	BaseURL    string
	MaxRetries int
}

type Client struct {
	inner anthropic.Client
	model anthropic.Model
}

func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: API key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(cfg.MaxRetries)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	return &Client{inner: anthropic.NewClient(opts...), model: anthropic.Model(model)}, nil
}

func (c *Client) Extract(ctx context.Context, text string) (provider.Extraction, error) {
	reply, err := c.send(ctx, provider.ExtractInstructions, text, 1000)
	if err != nil {
		return provider.Extraction{}, err
	}
	return provider.ParseExtraction(reply), nil
}

func (c *Client) Answer(ctx context.Context, question, contextText string) (provider.Answer, error) {
	reply, err := c.send(ctx, provider.AnswerInstructions, provider.AnswerPrompt(question, contextText), 500)
	if err != nil {
		return provider.Answer{}, err
	}
	return provider.ParseAnswer(reply), nil
}

func (c *Client) send(ctx context.Context, system, prompt string, maxTokens int64) (string, error) {
	resp, err := c.inner.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic: %w", err)
	}
	var sb strings.Builder
	for _, block := range resp.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(tb.Text)
		}
	}
	return strings.TrimSpace(sb.String()), nil
}
