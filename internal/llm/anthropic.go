// Package llm hands retrieval prompts to a language model and returns its
// text. Answer synthesis lives entirely on the model side.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	DefaultModel     = "claude-sonnet-4-5-20250929"
	DefaultMaxTokens = 1024
)

// DefaultSystemPrompt frames the model as a reader of activity records.
const DefaultSystemPrompt = `You answer questions about what the user did on their computer.
Use only the activity records provided. Each record has a time span, an activity type,
an application and a relevance score. If the records do not answer the question, say so.
Answer in the language of the question.`

// ErrNoAPIKey is returned when no Anthropic key is configured.
var ErrNoAPIKey = errors.New("llm: anthropic api key is required")

// Config configures the Anthropic client.
type Config struct {
	APIKey       string
	BaseURL      string
	Model        string
	MaxTokens    int
	SystemPrompt string
	MaxRetries   int
}

// AnthropicAnswerer sends prompts to the Messages API.
type AnthropicAnswerer struct {
	client anthropic.Client
	cfg    Config
}

// NewAnthropic creates an answerer. Zero fields take the package defaults.
func NewAnthropic(cfg Config) (*AnthropicAnswerer, error) {
	if cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.MaxRetries > 0 {
		opts = append(opts, option.WithMaxRetries(cfg.MaxRetries))
	} else {
		opts = append(opts, option.WithMaxRetries(0))
	}
	return &AnthropicAnswerer{client: anthropic.NewClient(opts...), cfg: cfg}, nil
}

// Model returns the configured model name.
func (a *AnthropicAnswerer) Model() string { return a.cfg.Model }

// Answer sends prompt as a single user turn and joins the text blocks of
// the reply.
func (a *AnthropicAnswerer) Answer(ctx context.Context, prompt string) (string, error) {
	message, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.cfg.Model),
		MaxTokens: int64(a.cfg.MaxTokens),
		System: []anthropic.TextBlockParam{
			{Text: a.cfg.SystemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("llm: messages: %w", err)
	}

	var b strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	answer := strings.TrimSpace(b.String())
	if answer == "" {
		return "", errors.New("llm: empty response")
	}
	return answer, nil
}
