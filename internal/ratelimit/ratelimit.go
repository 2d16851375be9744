// Package ratelimit guards the admin REST surface with a fixed-window
// request counter, adapted from the Redis-backed rate limiter pattern used
// elsewhere in the retrieved corpus for protecting a mutating API
// surface during load. Falls back to an in-memory bucket when no Redis
// URL is configured, so the admin endpoints are never unguarded.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Limiter checks whether a client may make another request in the
// current window.
type Limiter interface {
	Allow(ctx context.Context, clientID string) bool
}

// Redis is a fixed-window limiter backed by Redis hashes, one window per
// client keyed "ratelimit:{clientID}" with a count and a resetTime field.
type Redis struct {
	client        *redis.Client
	logger        *zap.Logger
	maxRequests   int
	windowSeconds int
}

// NewRedis builds a Redis-backed limiter allowing maxRequests per
// windowSeconds per client.
func NewRedis(client *redis.Client, maxRequests, windowSeconds int, logger *zap.Logger) *Redis {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{client: client, logger: logger, maxRequests: maxRequests, windowSeconds: windowSeconds}
}

func (r *Redis) key(clientID string) string { return "ratelimit:" + clientID }

func (r *Redis) Allow(ctx context.Context, clientID string) bool {
	key := r.key(clientID)
	now := time.Now().Unix()

	count, errCount := r.client.HGet(ctx, key, "count").Int()
	resetTime, errReset := r.client.HGet(ctx, key, "resetTime").Int64()

	if errCount != nil || errReset != nil || now >= resetTime {
		pipe := r.client.Pipeline()
		pipe.HSet(ctx, key, "count", 1)
		pipe.HSet(ctx, key, "resetTime", now+int64(r.windowSeconds))
		pipe.Expire(ctx, key, time.Duration(r.windowSeconds+10)*time.Second)
		if _, err := pipe.Exec(ctx); err != nil {
			r.logger.Warn("rate limiter redis unavailable, failing open", zap.Error(err))
			return true // fail open: Redis being down must not block the admin surface
		}
		return true
	}

	if count < r.maxRequests {
		if err := r.client.HIncrBy(ctx, key, "count", 1).Err(); err != nil {
			r.logger.Warn("rate limiter increment failed, failing open", zap.Error(err))
			return true
		}
		return true
	}

	return false
}

// Memory is an in-memory fixed-window limiter used when REDIS_URL is
// unset, so the admin endpoints keep at least process-local protection.
type Memory struct {
	mu            sync.Mutex
	buckets       map[string]*memBucket
	maxRequests   int
	windowSeconds int
}

type memBucket struct {
	count     int
	resetTime int64
}

// NewMemory builds an in-memory limiter allowing maxRequests per
// windowSeconds per client.
func NewMemory(maxRequests, windowSeconds int) *Memory {
	return &Memory{
		buckets:       make(map[string]*memBucket),
		maxRequests:   maxRequests,
		windowSeconds: windowSeconds,
	}
}

func (m *Memory) Allow(ctx context.Context, clientID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().Unix()

	b, ok := m.buckets[clientID]
	if !ok || now >= b.resetTime {
		m.buckets[clientID] = &memBucket{count: 1, resetTime: now + int64(m.windowSeconds)}
		return true
	}
	if b.count < m.maxRequests {
		b.count++
		return true
	}
	return false
}
