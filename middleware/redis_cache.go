package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shrek82/jormpool/core"
	"github.com/shrek82/jormpool/logger"
)

// RedisCacheMiddleware caches fetch and evaluate results in Redis.
// Enable it per call with WithCacheTTL.
type RedisCacheMiddleware struct {
	Client     redis.UniversalClient
	DefaultTTL time.Duration
	log        logger.Logger
}

func NewRedisCache(opt *redis.Options) *RedisCacheMiddleware {
	return &RedisCacheMiddleware{
		Client:     redis.NewClient(opt),
		DefaultTTL: 5 * time.Minute,
	}
}

func (m *RedisCacheMiddleware) Name() string {
	return "RedisCache"
}

func (m *RedisCacheMiddleware) Init(db *core.Database) error {
	m.log = db.Logger().WithFields(map[string]any{"middleware": "redis_cache"})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.Client.Ping(ctx).Err()
}

func (m *RedisCacheMiddleware) Shutdown() error {
	return m.Client.Close()
}

func (m *RedisCacheMiddleware) Process(ctx context.Context, op *core.Operation, next core.QueryFunc) (*core.Result, error) {
	ttl, ok := cacheTTL(ctx, op, m.DefaultTTL)
	if !ok {
		return next(ctx, op)
	}
	key := cacheKey(op)

	data, err := m.Client.Get(ctx, key).Bytes()
	if err == nil {
		if res, err := decodeResult(op, data); err == nil {
			return res, nil
		}
	} else if !errors.Is(err, redis.Nil) && m.log != nil {
		m.log.Warn("redis cache get %s: %v", key, err)
	}

	res, err := next(ctx, op)
	if err != nil {
		return res, err
	}

	if data, err := encodeResult(op, res); err == nil {
		// Redis treats a zero expiration as no expiry.
		if err := m.Client.Set(ctx, key, data, ttl).Err(); err != nil && m.log != nil {
			m.log.Warn("redis cache set %s: %v", key, err)
		}
	}
	return res, nil
}
