package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"aidm-server/pkg/ai"
)

// MockAIClient is a mock type for the ai.Client type.
type MockAIClient struct {
	mock.Mock
}

func (m *MockAIClient) GenerateText(ctx context.Context, systemPrompt string, userInput string) (string, error) {
	args := m.Called(ctx, systemPrompt, userInput)
	return args.String(0), args.Error(1)
}

// GenerateTextStream replays the chunks configured with OnStream through the
// handler, or returns the configured error without delivering anything. A
// configured func(context.Context, func(string) error) error is invoked with
// the call context, so tests can model streams that only unblock on cancel.
func (m *MockAIClient) GenerateTextStream(ctx context.Context, systemPrompt string, userInput string, chunkHandler func(string) error) error {
	args := m.Called(ctx, systemPrompt, userInput, chunkHandler)
	if fn, ok := args.Get(0).(func(context.Context, func(string) error) error); ok {
		return fn(ctx, chunkHandler)
	}
	if fn, ok := args.Get(0).(func(func(string) error) error); ok {
		return fn(chunkHandler)
	}
	return args.Error(0)
}

// StreamChunks builds a GenerateTextStream return value that delivers the
// given chunks in order, then returns err.
func StreamChunks(chunks []string, err error) func(func(string) error) error {
	return func(handler func(string) error) error {
		for _, chunk := range chunks {
			if herr := handler(chunk); herr != nil {
				return herr
			}
		}
		return err
	}
}

var _ ai.Client = (*MockAIClient)(nil)
