package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/uzpay/gateway-service/internal/models"
	"github.com/uzpay/gateway-service/internal/telemetry"
)

func TestMain(m *testing.M) {
	telemetry.Logger = zap.NewNop()
	m.Run()
}

type countingSource struct {
	mu      sync.Mutex
	fetches int32
	secret  string
	err     error
	delay   time.Duration
}

func (s *countingSource) FetchCredential(ctx context.Context, gatewayName string) (*models.GatewayCredential, error) {
	atomic.AddInt32(&s.fetches, 1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return &models.GatewayCredential{GatewayName: gatewayName, MerchantID: "m1", SecretKey: s.secret}, nil
}

func TestCredentialCacheServesFromCache(t *testing.T) {
	src := &countingSource{secret: "s1"}
	c := NewCredentialCache(src, time.Minute)

	for i := 0; i < 5; i++ {
		cred, err := c.Get(context.Background(), "Payme")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if cred.SecretKey != "s1" {
			t.Fatalf("unexpected secret %q", cred.SecretKey)
		}
	}
	if n := atomic.LoadInt32(&src.fetches); n != 1 {
		t.Errorf("expected 1 fetch for repeated reads, got %d", n)
	}
}

func TestCredentialCacheExpiry(t *testing.T) {
	src := &countingSource{secret: "s1"}
	c := NewCredentialCache(src, time.Minute)

	base := time.Now()
	c.now = func() time.Time { return base }

	if _, err := c.Get(context.Background(), "Click"); err != nil {
		t.Fatal(err)
	}

	// Past 2×TTL the stale entry is unusable and the read blocks on a
	// fresh fetch.
	src.mu.Lock()
	src.secret = "s2"
	src.mu.Unlock()
	c.now = func() time.Time { return base.Add(3 * time.Minute) }

	cred, err := c.Get(context.Background(), "Click")
	if err != nil {
		t.Fatal(err)
	}
	if cred.SecretKey != "s2" {
		t.Errorf("expected refetched secret after expiry, got %q", cred.SecretKey)
	}
	if n := atomic.LoadInt32(&src.fetches); n != 2 {
		t.Errorf("expected 2 fetches, got %d", n)
	}
}

func TestCredentialCacheStaleWhileRevalidate(t *testing.T) {
	src := &countingSource{secret: "s1"}
	c := NewCredentialCache(src, time.Minute)

	base := time.Now()
	c.now = func() time.Time { return base }
	if _, err := c.Get(context.Background(), "Payme"); err != nil {
		t.Fatal(err)
	}

	// Between TTL and 2×TTL the stale value is returned immediately.
	c.now = func() time.Time { return base.Add(90 * time.Second) }
	cred, err := c.Get(context.Background(), "Payme")
	if err != nil {
		t.Fatal(err)
	}
	if cred.SecretKey != "s1" {
		t.Errorf("expected stale secret to be served, got %q", cred.SecretKey)
	}

	// The background refresh eventually replaces the entry.
	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&src.fetches) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("background refresh never ran")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCredentialCacheSingleflight(t *testing.T) {
	src := &countingSource{secret: "s1", delay: 50 * time.Millisecond}
	c := NewCredentialCache(src, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Get(context.Background(), "FreedomPay"); err != nil {
				t.Errorf("Get: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := atomic.LoadInt32(&src.fetches); n != 1 {
		t.Errorf("expected concurrent misses to collapse into 1 fetch, got %d", n)
	}
}

func TestCredentialCacheInvalidate(t *testing.T) {
	src := &countingSource{secret: "old"}
	c := NewCredentialCache(src, time.Hour)

	if _, err := c.Get(context.Background(), "Payme"); err != nil {
		t.Fatal(err)
	}

	src.mu.Lock()
	src.secret = "new"
	src.mu.Unlock()
	c.Invalidate("Payme")

	cred, err := c.Get(context.Background(), "Payme")
	if err != nil {
		t.Fatal(err)
	}
	if cred.SecretKey != "new" {
		t.Errorf("expected fresh secret after invalidation, got %q", cred.SecretKey)
	}
}

func TestCredentialCacheFetchError(t *testing.T) {
	src := &countingSource{err: errors.New("settings unavailable")}
	c := NewCredentialCache(src, time.Minute)

	if _, err := c.Get(context.Background(), "Payme"); err == nil {
		t.Fatal("expected fetch error to propagate")
	}

	// An error is not cached; the next read tries again.
	src.mu.Lock()
	src.err = nil
	src.secret = "s1"
	src.mu.Unlock()

	cred, err := c.Get(context.Background(), "Payme")
	if err != nil {
		t.Fatalf("Get after recovery: %v", err)
	}
	if cred.SecretKey != "s1" {
		t.Errorf("unexpected secret %q", cred.SecretKey)
	}
}
