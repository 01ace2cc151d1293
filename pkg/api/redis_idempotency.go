package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisIdempotencyStore shares cached responses across replicas. Redis
// expires keys itself, so there is no sweeper.
type RedisIdempotencyStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisIdempotencyStore(rdb *redis.Client, ttl time.Duration) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{rdb: rdb, ttl: ttl}
}

func redisKey(key string) string { return "idem:" + key }

func (s *RedisIdempotencyStore) Check(key string) (*cachedResponse, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	raw, err := s.rdb.Get(ctx, redisKey(key)).Bytes()
	if err != nil {
		if err != redis.Nil {
			slog.Warn("idempotency store check failed", "key", key, "error", err)
		}
		return nil, false
	}
	var cached cachedResponse
	if err := json.Unmarshal(raw, &cached); err != nil {
		return nil, false
	}
	return &cached, true
}

func (s *RedisIdempotencyStore) Set(key string, statusCode int, body []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	raw, err := json.Marshal(&cachedResponse{StatusCode: statusCode, Body: body, CachedAt: time.Now()})
	if err != nil {
		return
	}
	if err := s.rdb.Set(ctx, redisKey(key), raw, s.ttl).Err(); err != nil {
		// Best-effort: losing a cache entry only costs a duplicate execution.
		slog.Warn("idempotency store set failed", "key", key, "error", err)
	}
}
