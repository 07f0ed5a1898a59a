package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BlackQuiet/server/internal/pkg/logger"
)

// Limiter is a per-key request limiter over a time window.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// Lua script for an atomic check-and-increment. A plain GET → check → INCR
// sequence races under concurrent requests from the same address.
const windowLimitLuaScript = `
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])

local current = tonumber(redis.call("GET", key) or "0")
if current + 1 > limit then
    return 0
end

local newVal = redis.call("INCR", key)
if newVal == 1 then
    redis.call("EXPIRE", key, ttl)
end
return 1
`

// RedisLimiter implements Limiter on Redis with time-bucketed windows, so
// several instances behind one load balancer share limits.
type RedisLimiter struct {
	redis  *redis.Client
	script *redis.Script
}

// NewRedisLimiter creates a limiter with the pre-compiled Lua script.
func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{
		redis:  client,
		script: redis.NewScript(windowLimitLuaScript),
	}
}

// NewRedisLimiterFromURL connects to Redis and verifies the connection.
func NewRedisLimiterFromURL(redisURL string) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger.Info("rate limiter connected to redis")
	return NewRedisLimiter(client), nil
}

// Allow atomically checks and increments the counter for key in the
// current window bucket.
func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	bucket := time.Now().Unix() / int64(window.Seconds())
	redisKey := fmt.Sprintf("ratelimit:%s:%d", key, bucket)
	ttl := int64(window.Seconds()) * 2

	result, err := l.script.Run(ctx, l.redis, []string{redisKey}, limit, ttl).Int64()
	if err != nil {
		return false, fmt.Errorf("rate limit check failed: %w", err)
	}
	return result == 1, nil
}

// Close closes the Redis connection.
func (l *RedisLimiter) Close() error {
	return l.redis.Close()
}

// MemoryLimiter is the single-node fallback used when Redis is not
// configured. Same windowed semantics, process-local.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*memBucket
}

type memBucket struct {
	count   int
	expires time.Time
}

// NewMemoryLimiter creates an in-process limiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{buckets: make(map[string]*memBucket)}
}

// Allow checks and increments the in-process counter for key.
func (l *MemoryLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	// Opportunistic expiry keeps the map from growing unbounded.
	if len(l.buckets) > 4096 {
		for k, b := range l.buckets {
			if now.After(b.expires) {
				delete(l.buckets, k)
			}
		}
	}

	b, ok := l.buckets[key]
	if !ok || now.After(b.expires) {
		l.buckets[key] = &memBucket{count: 1, expires: now.Add(window)}
		return true, nil
	}
	if b.count+1 > limit {
		return false, nil
	}
	b.count++
	return true, nil
}

// rateLimit builds a chi middleware enforcing a per-IP limit for one scope
// (api, smtp-test, campaign-start). On limiter errors the request is let
// through; rate limiting must not take the control plane down with Redis.
func (s *Server) rateLimit(scope string, limit int, window time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := fmt.Sprintf("%s:%s", scope, clientIP(r))

			allowed, err := s.limiter.Allow(r.Context(), key, limit, window)
			if err != nil {
				logger.Warn("rate limit check error", "scope", scope, "error", err.Error())
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				respondError(w, http.StatusTooManyRequests, "rate limit exceeded, try again later")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP trusts middleware.RealIP to have rewritten RemoteAddr.
func clientIP(r *http.Request) string {
	host := r.RemoteAddr
	for i := len(host) - 1; i >= 0; i-- {
		if host[i] == ':' {
			return host[:i]
		}
	}
	return host
}
