// Package relay forwards admitted messages to an OpenAI-compatible chat
// completion endpoint and returns the assistant's reply. Every call runs
// under its own timeout so a slow provider can never wedge a channel
// worker.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// Relay errors. Timeouts and provider failures are distinguished so the
// worker can phrase the error notice sent back to the sender.
var (
	ErrTimeout = errors.New("relay: request timed out")
	ErrFailure = errors.New("relay: request failed")
)

// Config holds the relay endpoint settings.
type Config struct {
	// BaseURL is the OpenAI-compatible endpoint. Empty selects the
	// OpenAI default.
	BaseURL string `yaml:"base_url"`

	// APIKey authenticates against the provider.
	APIKey string `yaml:"api_key"`

	// Model is the chat model to use.
	Model string `yaml:"model"`

	// SystemPrompt is prepended to every conversation.
	SystemPrompt string `yaml:"system_prompt"`

	// Timeout bounds each completion call, as a Go duration string
	// ("90s", "2m"). Defaults to 90s.
	Timeout string `yaml:"timeout"`
}

// DefaultTimeout bounds a completion round-trip.
const DefaultTimeout = 90 * time.Second

// Client is the LLM relay.
type Client struct {
	api     *openai.Client
	model   string
	system  string
	timeout time.Duration
	logger  *slog.Logger
}

// New creates a relay client from config.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := DefaultTimeout
	if cfg.Timeout != "" {
		if d, err := time.ParseDuration(cfg.Timeout); err == nil && d > 0 {
			timeout = d
		} else {
			logger.Warn("invalid relay timeout, using default",
				"value", cfg.Timeout, "default", DefaultTimeout)
		}
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}

	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = cfg.BaseURL
	}

	return &Client{
		api:     openai.NewClientWithConfig(apiCfg),
		model:   cfg.Model,
		system:  cfg.SystemPrompt,
		timeout: timeout,
		logger:  logger.With("component", "relay"),
	}
}

// Complete sends the text as a single-turn chat completion and returns
// the reply. The call is bounded by the configured timeout; callers may
// additionally cancel via ctx.
func (c *Client) Complete(ctx context.Context, text string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if c.system != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: c.system,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: text,
	})

	start := time.Now()
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: messages,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w after %s", ErrTimeout, c.timeout)
		}
		return "", fmt.Errorf("%w: %v", ErrFailure, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: empty response", ErrFailure)
	}

	c.logger.Debug("completion finished",
		"model", c.model,
		"elapsed", time.Since(start),
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens)

	return resp.Choices[0].Message.Content, nil
}
