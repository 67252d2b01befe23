package storage

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/garimpo-io/garimpo/pkg/config"
	"github.com/garimpo-io/garimpo/pkg/errors"
	"github.com/garimpo-io/garimpo/pkg/logger"
)

const cacheKeyPrefix = "gold:"

// RedisCache mirrors freshly published gold tables into Redis so serving
// applications can read them without touching the object store. Each table
// lives in one hash carrying the serialized payload, the publishing trace id
// and the publish timestamp.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisCache connects to the instance named by cfg. The connection is
// lazy; a down cache surfaces on the first Set, which the artifact writer
// logs and ignores.
func NewRedisCache(cfg config.CacheConfig) *RedisCache {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisCache{
		client: client,
		ttl:    cfg.TTL,
		logger: logger.Get().With(zap.String("component", "redis_cache")),
	}
}

func (c *RedisCache) Set(ctx context.Context, table string, payload []byte, traceID string) error {
	key := cacheKeyPrefix + table

	fields := map[string]interface{}{
		"payload":      payload,
		"trace_id":     traceID,
		"published_at": time.Now().UTC().Format(time.RFC3339),
	}
	if err := c.client.HSet(ctx, key, fields).Err(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "caching table").
			WithDetail("table", table)
	}
	if c.ttl > 0 {
		if err := c.client.Expire(ctx, key, c.ttl).Err(); err != nil {
			return errors.Wrap(err, errors.ErrorTypeStorage, "setting cache ttl").
				WithDetail("table", table)
		}
	}

	c.logger.Debug("table cached",
		zap.String("table", table),
		zap.Int("bytes", len(payload)))
	return nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
