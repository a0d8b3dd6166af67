package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/uzpay/gateway-service/internal/interfaces"
	"github.com/uzpay/gateway-service/internal/models"
	"github.com/uzpay/gateway-service/internal/telemetry"
)

// CredentialCache is a process-wide read-through cache of gateway
// credentials. Concurrent readers never block each other; a miss
// triggers exactly one underlying fetch per key (singleflight). An
// expired entry may still be served while a refresh is in flight,
// bounded by TTL×2. Invalidate must be called when settings are saved.
type CredentialCache struct {
	src interfaces.CredentialSource
	ttl time.Duration

	mu      sync.RWMutex
	entries map[string]*entry
	sf      singleflight.Group

	now func() time.Time
}

type entry struct {
	cred      *models.GatewayCredential
	fetchedAt time.Time
}

func NewCredentialCache(src interfaces.CredentialSource, ttl time.Duration) *CredentialCache {
	return &CredentialCache{
		src:     src,
		ttl:     ttl,
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

func (c *CredentialCache) Get(ctx context.Context, gatewayName string) (*models.GatewayCredential, error) {
	c.mu.RLock()
	e := c.entries[gatewayName]
	c.mu.RUnlock()

	if e != nil {
		age := c.now().Sub(e.fetchedAt)
		if age < c.ttl {
			return e.cred, nil
		}
		if age < 2*c.ttl {
			// Stale-while-revalidate: answer with the expired entry and
			// refresh off the request path.
			go c.refresh(gatewayName)
			return e.cred, nil
		}
	}

	v, err, _ := c.sf.Do(gatewayName, func() (any, error) {
		return c.fetch(ctx, gatewayName)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.GatewayCredential), nil
}

func (c *CredentialCache) fetch(ctx context.Context, gatewayName string) (*models.GatewayCredential, error) {
	cred, err := c.src.FetchCredential(ctx, gatewayName)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.entries[gatewayName] = &entry{cred: cred, fetchedAt: c.now()}
	c.mu.Unlock()
	return cred, nil
}

func (c *CredentialCache) refresh(gatewayName string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err, _ := c.sf.Do(gatewayName, func() (any, error) {
		return c.fetch(ctx, gatewayName)
	})
	if err != nil {
		telemetry.Logger.Warn("Credential refresh failed",
			zap.String("gateway", gatewayName),
			zap.Error(err),
		)
	}
}

// Invalidate drops the cached credential for a gateway. Called from the
// settings-update hook so the next read fetches fresh values.
func (c *CredentialCache) Invalidate(gatewayName string) {
	c.mu.Lock()
	delete(c.entries, gatewayName)
	c.mu.Unlock()
	c.sf.Forget(gatewayName)
}
