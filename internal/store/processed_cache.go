package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ProcessedCache remembers finalized event ids so duplicates can be skipped without a
// database transaction. It is only ever a positive cache: a miss falls through to the
// repository, which stays authoritative.
type ProcessedCache interface {
	IsProcessed(ctx context.Context, eventID uuid.UUID) (bool, error)
	MarkProcessed(ctx context.Context, eventID uuid.UUID) error
}

// RedisProcessedCache implements ProcessedCache with one expiring key per event id.
type RedisProcessedCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisProcessedCache(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisProcessedCache {
	trimmed := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmed == "" {
		trimmed = "bonus:processed"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisProcessedCache{client: client, prefix: trimmed, ttl: ttl}
}

func (c *RedisProcessedCache) key(eventID uuid.UUID) string {
	return fmt.Sprintf("%s:%s", c.prefix, eventID)
}

func (c *RedisProcessedCache) IsProcessed(ctx context.Context, eventID uuid.UUID) (bool, error) {
	n, err := c.client.Exists(ctx, c.key(eventID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *RedisProcessedCache) MarkProcessed(ctx context.Context, eventID uuid.UUID) error {
	return c.client.Set(ctx, c.key(eventID), 1, c.ttl).Err()
}

// CachedRepository decorates a Repository with a ProcessedCache in front of the
// dedup/lock store. Cache failures are logged and ignored.
type CachedRepository struct {
	Repository
	cache  ProcessedCache
	logger *slog.Logger
}

func NewCachedRepository(repo Repository, cache ProcessedCache, logger *slog.Logger) *CachedRepository {
	return &CachedRepository{Repository: repo, cache: cache, logger: logger}
}

func (r *CachedRepository) AcquireOrSkip(ctx context.Context, eventID uuid.UUID) (LockDecision, error) {
	hit, err := r.cache.IsProcessed(ctx, eventID)
	if err != nil {
		r.logger.Warn("processed cache lookup failed", "event_id", eventID, "error", err)
	} else if hit {
		return LockSkippedProcessed, nil
	}

	decision, err := r.Repository.AcquireOrSkip(ctx, eventID)
	if err != nil {
		return decision, err
	}
	if decision == LockSkippedProcessed {
		r.remember(ctx, eventID)
	}
	return decision, nil
}

func (r *CachedRepository) MarkProcessed(ctx context.Context, eventID uuid.UUID) (int64, error) {
	rows, err := r.Repository.MarkProcessed(ctx, eventID)
	if err != nil || rows == 0 {
		return rows, err
	}
	r.remember(ctx, eventID)
	return rows, nil
}

func (r *CachedRepository) remember(ctx context.Context, eventID uuid.UUID) {
	if err := r.cache.MarkProcessed(ctx, eventID); err != nil {
		r.logger.Warn("processed cache write failed", "event_id", eventID, "error", err)
	}
}
