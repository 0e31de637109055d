package ai

import (
	"context"
	"testing"
	"time"

	openaigo "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("Missing model is rejected", func(t *testing.T) {
		_, err := New(Config{Provider: "openai", APIKey: "key"})
		assert.Error(t, err)
	})

	t.Run("OpenAI provider requires an API key", func(t *testing.T) {
		_, err := New(Config{Provider: "openai", Model: "some-model"})
		assert.Error(t, err)
	})

	t.Run("Unknown provider is rejected", func(t *testing.T) {
		_, err := New(Config{Provider: "carrier-pigeon", Model: "some-model"})
		assert.Error(t, err)
	})

	t.Run("Empty provider defaults to openai", func(t *testing.T) {
		client, err := New(Config{APIKey: "key", Model: "some-model"})
		require.NoError(t, err)
		assert.IsType(t, &openAIClient{}, client)
	})

	t.Run("Ollama provider", func(t *testing.T) {
		client, err := New(Config{Provider: "ollama", Model: "llama3", OllamaHost: "http://localhost:11434"})
		require.NoError(t, err)
		assert.IsType(t, &ollamaClient{}, client)
	})
}

func TestChatMessages(t *testing.T) {
	messages := chatMessages("system prompt", "user input")
	require.Len(t, messages, 2)
	assert.Equal(t, openaigo.ChatMessageRoleSystem, messages[0].Role)
	assert.Equal(t, "system prompt", messages[0].Content)
	assert.Equal(t, openaigo.ChatMessageRoleUser, messages[1].Role)

	messages = chatMessages("system only", "")
	require.Len(t, messages, 1)
}

func TestSleepBackoff(t *testing.T) {
	t.Run("Waits and reports completion", func(t *testing.T) {
		ok := sleepBackoff(context.Background(), time.Millisecond, 2)
		assert.True(t, ok)
	})

	t.Run("Aborts on cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		ok := sleepBackoff(ctx, time.Hour, 1)
		assert.False(t, ok)
	})

	t.Run("Delay doubles per completed attempt", func(t *testing.T) {
		assert.Equal(t, time.Second, backoffDelay(time.Second, 1))
		assert.Equal(t, 2*time.Second, backoffDelay(time.Second, 2))
		assert.Equal(t, 4*time.Second, backoffDelay(time.Second, 3))
		assert.Equal(t, time.Second, backoffDelay(time.Second, 0))
	})
}

func TestParseBaseURL(t *testing.T) {
	parsed, err := parseBaseURL("http://localhost:11434/v1")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:11434", parsed.String())

	parsed, err = parseBaseURL("http://localhost:11434/")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:11434", parsed.String())
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, estimateTokens(""))
	assert.Greater(t, estimateTokens("The quick brown fox jumps over the lazy dog."), 0)
}
