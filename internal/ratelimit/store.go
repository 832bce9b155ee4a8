// Package ratelimit provides the external counter store backing the ingress
// admission rate limiter, implemented against Redis the way the teacher's
// internal/worker package reaches Redis for asynq (REDIS_URL env var,
// default redis://localhost:6379).
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// RedisStore implements tunnel.CounterStore with a Redis INCR + EXPIRE pair,
// the standard fixed-window counter pattern: the first
// increment in a window sets the expiry, subsequent increments within the
// window leave it untouched so the counter resets once per window.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore returns a RedisStore talking to addr (host:port, no scheme).
func NewRedisStore(addr string) *RedisStore {
	return &RedisStore{client: redis.NewClient(&redis.Options{Addr: addr})}
}

// Increment bumps key and returns its new value. If this call creates the
// key, it is set to expire after windowSeconds.
func (s *RedisStore) Increment(ctx context.Context, key string, windowSeconds int) (int64, error) {
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		if err := s.client.Expire(ctx, key, time.Duration(windowSeconds)*time.Second).Err(); err != nil {
			return 0, err
		}
	}
	return count, nil
}

// Close releases the underlying Redis connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping verifies connectivity. cmd/server calls it at startup to log a
// warning about an unreachable Redis; startup continues either way.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// MemoryStore is the in-process fallback counter store used when Redis is
// unreachable. It approximates the fixed-window per-IP limit with one
// token-bucket rate.Limiter per key, grounded on the teacher's own
// connection-rate gate (internal/tunnel.Server's rate.Limiter field,
// Websoft9-AppOS/backend/internal/tunnel/server.go). A bucket refills at
// limit/window and bursts up to limit, which tracks a fixed window closely
// enough for a soft safeguard — spec.md §4.G calls the rate limiter "a soft
// safeguard, not a correctness property".
//
// The bucket set is bounded to maxKeys entries; once full, the oldest-seen
// key is evicted to make room rather than letting an unbounded set of
// distinct source IPs grow the process's memory without limit.
type MemoryStore struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	order    []string
	maxKeys  int
	limit    int64
}

// NewMemoryStore returns a MemoryStore admitting up to limit requests per
// window, per key, tracking at most maxKeys distinct keys at once. The
// refill window of each bucket comes from the windowSeconds passed to the
// Increment call that creates it; the window argument here is not used.
func NewMemoryStore(limit int64, window time.Duration, maxKeys int) *MemoryStore {
	return &MemoryStore{
		limiters: make(map[string]*rate.Limiter),
		maxKeys:  maxKeys,
		limit:    limit,
	}
}

// Increment reports whether key's bucket still has a token available. It
// satisfies tunnel.CounterStore's shape by returning 1 (admit) or
// limit+1 (reject) rather than a literal running count, since a token
// bucket has no discrete per-window counter to report.
func (m *MemoryStore) Increment(_ context.Context, key string, windowSeconds int) (int64, error) {
	m.mu.Lock()
	lim, ok := m.limiters[key]
	if !ok {
		if m.limit <= 0 {
			m.mu.Unlock()
			return 1, nil
		}
		every := time.Duration(windowSeconds) * time.Second / time.Duration(m.limit)
		lim = rate.NewLimiter(rate.Every(every), int(m.limit))
		m.evictIfFull()
		m.limiters[key] = lim
		m.order = append(m.order, key)
	}
	m.mu.Unlock()

	if lim.Allow() {
		return 1, nil
	}
	return m.limit + 1, nil
}

// evictIfFull drops the oldest-seen key once the bucket set is at capacity.
// Callers must hold m.mu.
func (m *MemoryStore) evictIfFull() {
	if m.maxKeys <= 0 || len(m.order) < m.maxKeys {
		return
	}
	oldest := m.order[0]
	m.order = m.order[1:]
	delete(m.limiters, oldest)
}
