package store

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisOrphanCache remembers which pointers are orphaned so the enforcement
// gate can deny without a database round trip. Only the terminal state is
// cached: a miss falls through to the store, and entries never expire because
// orphaning is irreversible. Cache failures degrade to the slow path, never to
// an access decision.
type RedisOrphanCache struct {
	client *redis.Client
	logger *slog.Logger
}

func NewRedisOrphanCache(client *redis.Client, logger *slog.Logger) *RedisOrphanCache {
	return &RedisOrphanCache{client: client, logger: logger}
}

func cacheKey(id uuid.UUID) string {
	return "veto:orphaned:" + id.String()
}

func (c *RedisOrphanCache) MarkOrphaned(ctx context.Context, id uuid.UUID) {
	if err := c.client.Set(ctx, cacheKey(id), "1", 0).Err(); err != nil {
		c.logger.WarnContext(ctx, "orphan cache write failed",
			"pointer_id", id,
			"error", err,
		)
	}
}

func (c *RedisOrphanCache) IsOrphaned(ctx context.Context, id uuid.UUID) bool {
	n, err := c.client.Exists(ctx, cacheKey(id)).Result()
	if err != nil {
		c.logger.WarnContext(ctx, "orphan cache read failed",
			"pointer_id", id,
			"error", err,
		)
		return false
	}
	return n > 0
}
