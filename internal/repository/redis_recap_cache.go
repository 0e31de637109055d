package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"aidm-server/internal/domain"
)

var _ RecapCache = (*redisRecapCache)(nil)

type redisRecapCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisRecapCache creates a Redis-backed RecapCache with the given TTL.
func NewRedisRecapCache(client *redis.Client, ttl time.Duration, logger *zap.Logger) RecapCache {
	return &redisRecapCache{
		client: client,
		ttl:    ttl,
		logger: logger.Named("RedisRecapCache"),
	}
}

func recapKey(sessionID uuid.UUID) string {
	return fmt.Sprintf("session_recap:%s", sessionID.String())
}

func (c *redisRecapCache) Get(ctx context.Context, sessionID uuid.UUID) (string, error) {
	recap, err := c.client.Get(ctx, recapKey(sessionID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", domain.ErrNotFound
		}
		c.logger.Warn("Failed to read recap from cache", zap.Error(err), zap.String("sessionID", sessionID.String()))
		return "", fmt.Errorf("failed to read recap from cache: %w", err)
	}
	return recap, nil
}

func (c *redisRecapCache) Set(ctx context.Context, sessionID uuid.UUID, recap string) error {
	if err := c.client.Set(ctx, recapKey(sessionID), recap, c.ttl).Err(); err != nil {
		c.logger.Warn("Failed to cache recap", zap.Error(err), zap.String("sessionID", sessionID.String()))
		return fmt.Errorf("failed to cache recap: %w", err)
	}
	return nil
}

// NopRecapCache is used when Redis is not configured.
type NopRecapCache struct{}

func (NopRecapCache) Get(ctx context.Context, sessionID uuid.UUID) (string, error) {
	return "", domain.ErrNotFound
}

func (NopRecapCache) Set(ctx context.Context, sessionID uuid.UUID, recap string) error {
	return nil
}
