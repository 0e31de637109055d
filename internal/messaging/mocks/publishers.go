package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"aidm-server/internal/messaging"
)

// Mock EventPublisher
type EventPublisher struct {
	mock.Mock
}

func (m *EventPublisher) PublishSessionEvent(ctx context.Context, payload messaging.SessionEventPayload) error {
	args := m.Called(ctx, payload)
	return args.Error(0)
}

var _ messaging.EventPublisher = (*EventPublisher)(nil)
