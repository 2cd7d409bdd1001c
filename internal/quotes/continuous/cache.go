package continuous

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/encoding/json"
	"quotehub.com/internal/quotes/model"
	"quotehub.com/pkg/metrics"
)

// Cache 合约列表缓存，多实例共享同一份目录时减少 DB 压力
type Cache interface {
	Get(ctx context.Context, key string) ([]model.Instrument, bool, error)
	Set(ctx context.Context, key string, list []model.Instrument, ttl time.Duration) error
}

type RedisCache struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewRedisCache(rdb redis.UniversalClient, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "quotehub:contracts:"
	}
	return &RedisCache{rdb: rdb, prefix: prefix}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]model.Instrument, bool, error) {
	start := time.Now()
	b, err := c.rdb.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.ObserveRedis("get", start, nil)
		return nil, false, nil
	}
	metrics.ObserveRedis("get", start, err)
	if err != nil {
		return nil, false, err
	}
	var list []model.Instrument
	if err := json.Unmarshal(b, &list); err != nil {
		return nil, false, err
	}
	return list, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, list []model.Instrument, ttl time.Duration) error {
	b, err := json.Marshal(list)
	if err != nil {
		return err
	}
	start := time.Now()
	err = c.rdb.Set(ctx, c.prefix+key, b, ttl).Err()
	metrics.ObserveRedis("set", start, err)
	return err
}
