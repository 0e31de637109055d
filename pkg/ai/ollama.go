package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ollama/ollama/api"

	"aidm-server/internal/domain"
)

type ollamaClient struct {
	client         *api.Client
	model          string
	timeout        time.Duration
	maxAttempts    int
	baseRetryDelay time.Duration
}

func newOllamaClient(cfg Config) (*ollamaClient, error) {
	host := cfg.OllamaHost
	if host == "" {
		host = "http://localhost:11434"
	}
	parsedURL, err := parseBaseURL(host)
	if err != nil {
		return nil, err
	}

	// The per-attempt deadline comes from the request context, the HTTP
	// client itself stays without a timeout so long generations can finish.
	client := api.NewClient(parsedURL, http.DefaultClient)

	log.Info().Str("host", parsedURL.String()).Str("model", cfg.Model).Msg("Ollama client created")
	return &ollamaClient{
		client:         client,
		model:          cfg.Model,
		timeout:        cfg.Timeout,
		maxAttempts:    cfg.MaxAttempts,
		baseRetryDelay: cfg.BaseRetryDelay,
	}, nil
}

func (c *ollamaClient) GenerateText(ctx context.Context, systemPrompt string, userInput string) (string, error) {
	if strings.TrimSpace(systemPrompt) == "" {
		return "", fmt.Errorf("%w: system prompt is empty", domain.ErrAIGenerationFailed)
	}

	attempts := 0
	var lastErr error
	for attempts < c.maxAttempts {
		attempts++

		text, err := c.chatOnce(ctx, systemPrompt, userInput)
		if err == nil {
			return text, nil
		}
		lastErr = err
		log.Warn().Err(err).Int("attempt", attempts).Str("model", c.model).Msg("Ollama completion attempt failed")

		if ctx.Err() != nil || attempts >= c.maxAttempts {
			break
		}
		if !sleepBackoff(ctx, c.baseRetryDelay, attempts) {
			break
		}
	}
	return "", fmt.Errorf("%w after %d attempts: %v", domain.ErrAIGenerationFailed, attempts, lastErr)
}

func (c *ollamaClient) chatOnce(ctx context.Context, systemPrompt, userInput string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	stream := false
	req := &api.ChatRequest{
		Model:    c.model,
		Messages: ollamaMessages(systemPrompt, userInput),
		Stream:   &stream,
	}

	start := time.Now()
	var content strings.Builder
	err := c.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		content.WriteString(resp.Message.Content)
		return nil
	})
	duration := time.Since(start)

	if err != nil {
		observeRequest(c.model, "error", duration)
		return "", err
	}
	if content.Len() == 0 {
		observeRequest(c.model, "error_empty_response", duration)
		return "", errors.New("empty response from Ollama")
	}

	observeRequest(c.model, "success", duration)
	observeTokens(c.model, estimateTokens(systemPrompt)+estimateTokens(userInput), estimateTokens(content.String()))
	return content.String(), nil
}

func (c *ollamaClient) GenerateTextStream(ctx context.Context, systemPrompt string, userInput string, chunkHandler func(string) error) error {
	if strings.TrimSpace(systemPrompt) == "" {
		return fmt.Errorf("%w: system prompt is empty", domain.ErrAIGenerationFailed)
	}

	delivered := false
	attempts := 0
	var lastErr error
	for attempts < c.maxAttempts {
		attempts++

		err := c.chatStreamOnce(ctx, systemPrompt, userInput, func(chunk string) error {
			delivered = true
			return chunkHandler(chunk)
		})
		if err == nil {
			return nil
		}
		lastErr = err

		if delivered {
			log.Error().Err(err).Str("model", c.model).Msg("Ollama stream failed after partial delivery")
			return fmt.Errorf("%w: %v", domain.ErrStreamInterrupted, err)
		}
		log.Warn().Err(err).Int("attempt", attempts).Str("model", c.model).Msg("Ollama stream attempt failed")

		if ctx.Err() != nil || attempts >= c.maxAttempts {
			break
		}
		if !sleepBackoff(ctx, c.baseRetryDelay, attempts) {
			break
		}
	}
	return fmt.Errorf("%w after %d attempts: %v", domain.ErrAIGenerationFailed, attempts, lastErr)
}

func (c *ollamaClient) chatStreamOnce(ctx context.Context, systemPrompt, userInput string, chunkHandler func(string) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	stream := true
	req := &api.ChatRequest{
		Model:    c.model,
		Messages: ollamaMessages(systemPrompt, userInput),
		Stream:   &stream,
	}

	start := time.Now()
	var received strings.Builder
	err := c.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		chunk := resp.Message.Content
		if chunk == "" {
			return nil
		}
		received.WriteString(chunk)
		return chunkHandler(chunk)
	})
	duration := time.Since(start)

	if err != nil {
		observeRequest(c.model, "error_stream_read", duration)
		return err
	}
	if received.Len() == 0 {
		observeRequest(c.model, "error_empty_response", duration)
		return errors.New("stream produced no content")
	}

	observeRequest(c.model, "success_stream", duration)
	observeTokens(c.model, estimateTokens(systemPrompt)+estimateTokens(userInput), estimateTokens(received.String()))
	return nil
}

func ollamaMessages(systemPrompt, userInput string) []api.Message {
	messages := []api.Message{{Role: "system", Content: systemPrompt}}
	if userInput != "" {
		messages = append(messages, api.Message{Role: "user", Content: userInput})
	}
	return messages
}
