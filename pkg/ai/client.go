// Package ai is the model gateway: it wraps the external language-model
// service behind a small interface with bounded retries, per-call timeouts
// and prometheus metrics. It holds no session state between invocations.
package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	openaigo "github.com/sashabaranov/go-openai"

	"aidm-server/internal/domain"
)

var log = zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()

// Client is the gateway to the language model.
type Client interface {
	// GenerateText performs a non-streaming call (recap generation).
	GenerateText(ctx context.Context, systemPrompt string, userInput string) (string, error)
	// GenerateTextStream performs a streaming call, invoking chunkHandler for
	// each received fragment. Transient failures are retried with exponential
	// backoff only while no fragment has been handed to the handler yet; once
	// the first fragment is delivered, a failure is terminal and reported as
	// domain.ErrStreamInterrupted.
	GenerateTextStream(ctx context.Context, systemPrompt string, userInput string, chunkHandler func(string) error) error
}

// Config holds the gateway configuration.
type Config struct {
	Provider       string // "openai" (any OpenAI-compatible endpoint) or "ollama"
	APIKey         string
	BaseURL        string
	Model          string
	Timeout        time.Duration // per-attempt timeout
	MaxAttempts    int
	BaseRetryDelay time.Duration
	OllamaHost     string
}

// New creates a model gateway for the configured provider.
func New(cfg Config) (Client, error) {
	if cfg.Model == "" {
		return nil, errors.New("AI model name is not set")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseRetryDelay <= 0 {
		cfg.BaseRetryDelay = time.Second
	}

	switch strings.ToLower(cfg.Provider) {
	case "", "openai":
		return newOpenAIClient(cfg)
	case "ollama":
		return newOllamaClient(cfg)
	default:
		return nil, fmt.Errorf("unknown AI provider: %s", cfg.Provider)
	}
}

// --- OpenAI-compatible implementation ---

type openAIClient struct {
	client         *openaigo.Client
	model          string
	timeout        time.Duration
	maxAttempts    int
	baseRetryDelay time.Duration
}

func newOpenAIClient(cfg Config) (*openAIClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("AI API key is not set")
	}

	clientConfig := openaigo.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	return &openAIClient{
		client:         openaigo.NewClientWithConfig(clientConfig),
		model:          cfg.Model,
		timeout:        cfg.Timeout,
		maxAttempts:    cfg.MaxAttempts,
		baseRetryDelay: cfg.BaseRetryDelay,
	}, nil
}

func (c *openAIClient) GenerateText(ctx context.Context, systemPrompt string, userInput string) (string, error) {
	if strings.TrimSpace(systemPrompt) == "" {
		return "", fmt.Errorf("%w: system prompt is empty", domain.ErrAIGenerationFailed)
	}

	attempts := 0
	var lastErr error
	for attempts < c.maxAttempts {
		attempts++

		text, err := c.completeOnce(ctx, systemPrompt, userInput)
		if err == nil {
			return text, nil
		}
		lastErr = err
		log.Warn().Err(err).Int("attempt", attempts).Str("model", c.model).Msg("AI completion attempt failed")

		if ctx.Err() != nil || attempts >= c.maxAttempts {
			break
		}
		if !sleepBackoff(ctx, c.baseRetryDelay, attempts) {
			break
		}
	}
	return "", fmt.Errorf("%w after %d attempts: %v", domain.ErrAIGenerationFailed, attempts, lastErr)
}

func (c *openAIClient) completeOnce(ctx context.Context, systemPrompt, userInput string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, openaigo.ChatCompletionRequest{
		Model:    c.model,
		Messages: chatMessages(systemPrompt, userInput),
	})
	duration := time.Since(start)

	if err != nil {
		observeRequest(c.model, "error", duration)
		return "", err
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		observeRequest(c.model, "error_empty_response", duration)
		return "", errors.New("empty response from AI API")
	}

	observeRequest(c.model, "success", duration)
	observeTokens(c.model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	return resp.Choices[0].Message.Content, nil
}

func (c *openAIClient) GenerateTextStream(ctx context.Context, systemPrompt string, userInput string, chunkHandler func(string) error) error {
	if strings.TrimSpace(systemPrompt) == "" {
		return fmt.Errorf("%w: system prompt is empty", domain.ErrAIGenerationFailed)
	}

	delivered := false
	wrapped := func(chunk string) error {
		delivered = true
		return chunkHandler(chunk)
	}

	attempts := 0
	var lastErr error
	for attempts < c.maxAttempts {
		attempts++

		err := c.streamOnce(ctx, systemPrompt, userInput, wrapped)
		if err == nil {
			return nil
		}
		lastErr = err

		if delivered {
			// Partial narration already reached the caller. Retrying would
			// replace text participants have seen, so fail the call instead.
			log.Error().Err(err).Str("model", c.model).Msg("AI stream failed after partial delivery")
			return fmt.Errorf("%w: %v", domain.ErrStreamInterrupted, err)
		}
		log.Warn().Err(err).Int("attempt", attempts).Str("model", c.model).Msg("AI stream attempt failed")

		if ctx.Err() != nil || attempts >= c.maxAttempts {
			break
		}
		if !sleepBackoff(ctx, c.baseRetryDelay, attempts) {
			break
		}
	}
	return fmt.Errorf("%w after %d attempts: %v", domain.ErrAIGenerationFailed, attempts, lastErr)
}

func (c *openAIClient) streamOnce(ctx context.Context, systemPrompt, userInput string, chunkHandler func(string) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	stream, err := c.client.CreateChatCompletionStream(ctx, openaigo.ChatCompletionRequest{
		Model:    c.model,
		Messages: chatMessages(systemPrompt, userInput),
		Stream:   true,
	})
	if err != nil {
		observeRequest(c.model, "error_stream_init", time.Since(start))
		return fmt.Errorf("failed to open completion stream: %w", err)
	}
	defer stream.Close()

	var received strings.Builder
	var finalUsage openaigo.Usage
	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			observeRequest(c.model, "error_stream_read", time.Since(start))
			return fmt.Errorf("failed to read completion stream: %w", err)
		}

		// Some providers attach usage to the last stream frame only.
		if response.Usage != nil && response.Usage.TotalTokens > 0 {
			finalUsage = *response.Usage
		}

		if len(response.Choices) == 0 {
			continue
		}
		chunk := response.Choices[0].Delta.Content
		if chunk == "" {
			continue
		}
		received.WriteString(chunk)
		if err := chunkHandler(chunk); err != nil {
			observeRequest(c.model, "error_chunk_handler", time.Since(start))
			return fmt.Errorf("chunk handler rejected fragment: %w", err)
		}
	}

	duration := time.Since(start)
	if received.Len() == 0 {
		observeRequest(c.model, "error_empty_response", duration)
		return errors.New("stream produced no content")
	}

	observeRequest(c.model, "success_stream", duration)
	if finalUsage.TotalTokens > 0 {
		observeTokens(c.model, finalUsage.PromptTokens, finalUsage.CompletionTokens)
	} else {
		observeTokens(c.model,
			estimateTokens(systemPrompt)+estimateTokens(userInput),
			estimateTokens(received.String()))
	}
	return nil
}

func chatMessages(systemPrompt, userInput string) []openaigo.ChatCompletionMessage {
	messages := []openaigo.ChatCompletionMessage{
		{Role: openaigo.ChatMessageRoleSystem, Content: systemPrompt},
	}
	if userInput != "" {
		messages = append(messages, openaigo.ChatCompletionMessage{
			Role:    openaigo.ChatMessageRoleUser,
			Content: userInput,
		})
	}
	return messages
}

// sleepBackoff waits baseDelay doubled per completed attempt, returning false
// if the context is done first.
func sleepBackoff(ctx context.Context, baseDelay time.Duration, attempt int) bool {
	timer := time.NewTimer(backoffDelay(baseDelay, attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func backoffDelay(baseDelay time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return baseDelay << (attempt - 1)
}

// parseBaseURL is shared by the provider constructors.
func parseBaseURL(raw string) (*url.URL, error) {
	raw = strings.TrimSuffix(raw, "/v1")
	raw = strings.TrimSuffix(raw, "/")
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse base URL %q: %w", raw, err)
	}
	return parsed, nil
}
