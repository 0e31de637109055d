// Package messaging publishes session lifecycle events to RabbitMQ for
// out-of-process consumers. Publishing is fire-and-forget with a bounded
// timeout; a broker failure never fails a turn.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// EventPublisher publishes session lifecycle events.
type EventPublisher interface {
	PublishSessionEvent(ctx context.Context, payload SessionEventPayload) error
}

type rabbitMQEventPublisher struct {
	conn      *amqp.Connection
	channel   *amqp.Channel
	queueName string
	logger    *zap.Logger
}

// NewRabbitMQEventPublisher creates a publisher bound to a durable queue.
func NewRabbitMQEventPublisher(conn *amqp.Connection, queueName string, logger *zap.Logger) (EventPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("event publisher: failed to open channel: %w", err)
	}

	// Declare the queue here so publishing never races consumer startup.
	_, err = ch.QueueDeclare(
		queueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("event publisher: failed to declare queue %q: %w", queueName, err)
	}

	logger.Info("RabbitMQ event publisher initialized", zap.String("queue", queueName))
	return &rabbitMQEventPublisher{
		conn:      conn,
		channel:   ch,
		queueName: queueName,
		logger:    logger.Named("EventPublisher"),
	}, nil
}

func (p *rabbitMQEventPublisher) PublishSessionEvent(ctx context.Context, payload SessionEventPayload) error {
	if p.channel == nil {
		return errors.New("RabbitMQ channel is not initialized")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error("Failed to marshal session event",
			zap.String("kind", payload.Kind),
			zap.Error(err))
		return fmt.Errorf("failed to prepare session event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	err = p.channel.PublishWithContext(ctx,
		"",          // default exchange
		p.queueName, // routing key
		false,       // mandatory
		false,       // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		p.logger.Error("Failed to publish session event",
			zap.String("kind", payload.Kind),
			zap.String("sessionID", payload.SessionID.String()),
			zap.Error(err))
		return fmt.Errorf("failed to publish session event: %w", err)
	}

	p.logger.Debug("Session event published",
		zap.String("kind", payload.Kind),
		zap.String("sessionID", payload.SessionID.String()))
	return nil
}

// NopEventPublisher is used when RabbitMQ is not configured.
type NopEventPublisher struct{}

func (NopEventPublisher) PublishSessionEvent(ctx context.Context, payload SessionEventPayload) error {
	return nil
}
