//go:build integration

package store_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"veto/internal/pointer/store"
	"veto/pkg/testutil/containers"
)

type RedisOrphanCacheSuite struct {
	suite.Suite
	redis *containers.RedisContainer
	cache *store.RedisOrphanCache
}

func TestRedisOrphanCacheSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisOrphanCacheSuite))
}

func (s *RedisOrphanCacheSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.redis = mgr.GetRedis(s.T())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s.cache = store.NewRedisOrphanCache(s.redis.Client, logger)
}

func (s *RedisOrphanCacheSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
}

func (s *RedisOrphanCacheSuite) TestMarkAndCheck() {
	ctx := context.Background()
	id := uuid.New()

	s.False(s.cache.IsOrphaned(ctx, id))
	s.cache.MarkOrphaned(ctx, id)
	s.True(s.cache.IsOrphaned(ctx, id))

	// Other pointers are unaffected.
	s.False(s.cache.IsOrphaned(ctx, uuid.New()))
}

func (s *RedisOrphanCacheSuite) TestEntriesDoNotExpire() {
	ctx := context.Background()
	id := uuid.New()
	s.cache.MarkOrphaned(ctx, id)

	ttl, err := s.redis.Client.TTL(ctx, "veto:orphaned:"+id.String()).Result()
	s.Require().NoError(err)
	s.Equal(time.Duration(-1), ttl, "orphan markers must never expire")
}
