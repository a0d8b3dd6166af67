package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/uzpay/gateway-service/internal/payerr"
)

// MemoryStore is a single-process Store. It is suitable for tests and
// single-instance deployments only: the shared-fingerprint guarantee
// does not extend across processes. Losers wait on a channel instead of
// polling.
type MemoryStore struct {
	mu       sync.Mutex
	results  map[string]string
	inFlight map[string]chan struct{}
	opts     Options
}

func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{
		results:  make(map[string]string),
		inFlight: make(map[string]chan struct{}),
		opts:     opts.withDefaults(),
	}
}

func (s *MemoryStore) CheckAndRecord(ctx context.Context, fingerprint string) (*Outcome, error) {
	s.mu.Lock()
	if result, ok := s.results[fingerprint]; ok {
		s.mu.Unlock()
		return &Outcome{Seen: true, Result: result}, nil
	}
	if done, ok := s.inFlight[fingerprint]; ok {
		s.mu.Unlock()
		return s.waitForWinner(ctx, fingerprint, done)
	}
	s.inFlight[fingerprint] = make(chan struct{})
	s.mu.Unlock()
	return &Outcome{Seen: false}, nil
}

func (s *MemoryStore) waitForWinner(ctx context.Context, fingerprint string, done chan struct{}) (*Outcome, error) {
	timer := time.NewTimer(s.opts.Wait)
	defer timer.Stop()

	select {
	case <-done:
		s.mu.Lock()
		result, ok := s.results[fingerprint]
		s.mu.Unlock()
		if ok {
			return &Outcome{Seen: true, Result: result}, nil
		}
		// Winner failed without a result; contend again.
		return s.CheckAndRecord(ctx, fingerprint)
	case <-timer.C:
		if s.opts.FailClosed {
			return nil, payerr.New(payerr.CodeProcessingInFlight, "callback still being applied")
		}
		return &Outcome{Seen: true, Result: ResultProcessing}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *MemoryStore) Complete(ctx context.Context, fingerprint, result string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[fingerprint] = result
	if done, ok := s.inFlight[fingerprint]; ok {
		close(done)
		delete(s.inFlight, fingerprint)
	}
	return nil
}

func (s *MemoryStore) Fail(ctx context.Context, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if done, ok := s.inFlight[fingerprint]; ok {
		close(done)
		delete(s.inFlight, fingerprint)
	}
	return nil
}
