package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store counts hits within a window bucket. Keys expire after twice the
// window so rolled-over buckets become garbage automatically.
type Store interface {
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// Limiter is a fixed-window per-IP counter guarding the callback
// endpoints. With a shared (Redis) store the limit spans processes;
// clock skew between processes makes the global rate approximate, which
// is an accepted boundary of the fixed-window design.
type Limiter struct {
	store  Store
	limit  int64
	window time.Duration
	now    func() time.Time
}

func NewLimiter(store Store, limit int64, window time.Duration) *Limiter {
	return &Limiter{store: store, limit: limit, window: window, now: time.Now}
}

// Allow records a hit for (sourceIP, endpoint) in the current window and
// reports whether the request is within the limit. Store failures fail
// open: a broken counter must not take down callback ingestion.
func (l *Limiter) Allow(ctx context.Context, sourceIP, endpoint string) (bool, error) {
	bucket := l.now().Unix() / int64(l.window/time.Second)
	key := fmt.Sprintf("ratelimit:%s:%s:%d", endpoint, sourceIP, bucket)

	count, err := l.store.Incr(ctx, key, 2*l.window)
	if err != nil {
		return true, err
	}
	return count <= l.limit, nil
}

// RedisStore backs the limiter with a shared Redis counter.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		s.client.Expire(ctx, key, ttl)
	}
	return count, nil
}

// MemoryStore is a single-process fallback used in tests and
// single-instance deployments. Expired buckets are evicted lazily on
// write.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*memCounter
	now      func() time.Time
}

type memCounter struct {
	count     int64
	expiresAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counters: make(map[string]*memCounter), now: time.Now}
}

func (s *MemoryStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	c := s.counters[key]
	if c == nil || now.After(c.expiresAt) {
		c = &memCounter{expiresAt: now.Add(ttl)}
		s.counters[key] = c
	}
	c.count++

	if len(s.counters) > 1024 {
		for k, v := range s.counters {
			if now.After(v.expiresAt) {
				delete(s.counters, k)
			}
		}
	}
	return c.count, nil
}
