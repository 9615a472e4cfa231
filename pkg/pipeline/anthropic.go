package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v5"
)

const defaultMaxTries = 3

// AnthropicLLMClient implements LLMClient using the Anthropic API. Rate
// limits, overloads and server errors are retried with exponential backoff.
type AnthropicLLMClient struct {
	log       *slog.Logger
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
	maxTries  uint
}

// NewAnthropicLLMClient creates a new Anthropic-based LLM client. An empty
// apiKey falls back to the ANTHROPIC_API_KEY environment variable.
func NewAnthropicLLMClient(log *slog.Logger, model anthropic.Model, maxTokens int64, apiKey string) *AnthropicLLMClient {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	// Retries are handled here, not by the SDK.
	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	return &AnthropicLLMClient{
		log:       log,
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
		maxTries:  defaultMaxTries,
	}
}

// Complete sends a prompt to Claude and returns the response text.
func (c *AnthropicLLMClient) Complete(ctx context.Context, systemPrompt, userPrompt string, opts ...CompleteOption) (string, error) {
	var o CompleteOptions
	for _, opt := range opts {
		opt(&o)
	}

	system := anthropic.TextBlockParam{Type: "text", Text: systemPrompt}
	if o.CacheSystemPrompt {
		system.CacheControl = anthropic.NewCacheControlEphemeralParam()
	}
	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System:    []anthropic.TextBlockParam{system},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	}

	start := time.Now()
	c.log.Debug("anthropic: call starting", "model", c.model, "maxTokens", c.maxTokens, "userPromptLen", len(userPrompt), "cache", o.CacheSystemPrompt)

	attempt := 0
	msg, err := backoff.Retry(ctx, func() (*anthropic.Message, error) {
		if attempt > 0 {
			c.log.Warn("anthropic: retrying call", "attempt", attempt)
		}
		attempt++
		msg, err := c.client.Messages.New(ctx, params)
		if err != nil {
			if retryable(err) {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return msg, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(c.maxTries))

	duration := time.Since(start)
	if err != nil {
		c.log.Error("anthropic: call failed", "duration", duration, "attempts", attempt, "error", err)
		return "", fmt.Errorf("anthropic API error: %w", err)
	}
	c.log.Debug("anthropic: call completed", "duration", duration, "stopReason", msg.StopReason)

	for _, block := range msg.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", errors.New("no text content in response")
}

// retryable reports whether an API error is worth another attempt.
func retryable(err error) bool {
	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		// Transport errors have no status.
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}
	switch apiErr.StatusCode {
	case http.StatusTooManyRequests, http.StatusRequestTimeout, http.StatusConflict:
		return true
	}
	return apiErr.StatusCode >= http.StatusInternalServerError
}
