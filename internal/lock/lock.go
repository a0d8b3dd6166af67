package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/uzpay/gateway-service/internal/payerr"
)

// Handle identifies one held lock. Release verifies the token so a lock
// that expired and was re-acquired by another processor is never
// released by the first holder.
type Handle struct {
	key   string
	token string
}

// Locker serializes callback processing per order. The Redis
// implementation is the production backend: in-memory locking cannot
// exclude a second process handling the same order.
type Locker interface {
	Acquire(ctx context.Context, orderID string, timeout time.Duration) (*Handle, error)
	Release(ctx context.Context, h *Handle) error
}

const acquireRetryInterval = 50 * time.Millisecond

func lockKey(orderID string) string {
	return "payment_lock:" + orderID
}

// RedisLocker implements Locker with SETNX + TTL. The TTL bounds how
// long a crashed holder can block the order.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	return &RedisLocker{client: client, ttl: ttl}
}

func (l *RedisLocker) Acquire(ctx context.Context, orderID string, timeout time.Duration) (*Handle, error) {
	key := lockKey(orderID)
	token := uuid.NewString()
	deadline := time.Now().Add(timeout)

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			return &Handle{key: key, token: token}, nil
		}
		if time.Now().After(deadline) {
			return nil, payerr.Newf(payerr.CodeLockTimeout, "order %s is already being processed", orderID)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(acquireRetryInterval):
		}
	}
}

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

func (l *RedisLocker) Release(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	return releaseScript.Run(ctx, l.client, []string{h.key}, h.token).Err()
}

// MemoryLocker is a single-process Locker for tests and single-instance
// deployments.
type MemoryLocker struct {
	mu     sync.Mutex
	tokens map[string]string
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{tokens: make(map[string]string)}
}

func (l *MemoryLocker) Acquire(ctx context.Context, orderID string, timeout time.Duration) (*Handle, error) {
	key := lockKey(orderID)
	token := uuid.NewString()
	deadline := time.Now().Add(timeout)

	for {
		l.mu.Lock()
		if _, held := l.tokens[key]; !held {
			l.tokens[key] = token
			l.mu.Unlock()
			return &Handle{key: key, token: token}, nil
		}
		l.mu.Unlock()

		if time.Now().After(deadline) {
			return nil, payerr.Newf(payerr.CodeLockTimeout, "order %s is already being processed", orderID)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(acquireRetryInterval):
		}
	}
}

func (l *MemoryLocker) Release(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tokens[h.key] == h.token {
		delete(l.tokens, h.key)
	}
	return nil
}
