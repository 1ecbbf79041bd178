package openid

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

const nonceTimeLayout = "2006-01-02T15:04:05Z"

// NonceStore records provider nonces so each is accepted at most once per
// endpoint.
type NonceStore interface {
	// Accept stores (endpoint, nonce) until expiresAt. It returns false when
	// the pair has been seen before.
	Accept(ctx context.Context, endpoint, nonce string, expiresAt time.Time) (bool, error)
	// Sweep drops entries that expired before now.
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// ParseNonceTime extracts the timestamp prefix of an openid.response_nonce.
func ParseNonceTime(nonce string) (time.Time, error) {
	if len(nonce) < len(nonceTimeLayout) {
		return time.Time{}, errors.New("nonce too short")
	}
	ts, err := time.Parse(nonceTimeLayout, nonce[:len(nonceTimeLayout)])
	if err != nil {
		return time.Time{}, fmt.Errorf("nonce timestamp: %w", err)
	}
	return ts, nil
}

// MemoryNonceStore keeps nonces in process memory, sharded by endpoint.
type MemoryNonceStore struct {
	buckets sync.Map
}

type nonceBucket struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

// NewMemoryNonceStore constructs an empty store.
func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{}
}

// Accept implements NonceStore.
func (s *MemoryNonceStore) Accept(_ context.Context, endpoint, nonce string, expiresAt time.Time) (bool, error) {
	v, ok := s.buckets.Load(endpoint)
	if !ok {
		v, _ = s.buckets.LoadOrStore(endpoint, &nonceBucket{seen: map[string]time.Time{}})
	}
	b := v.(*nonceBucket)
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, dup := b.seen[nonce]; dup {
		return false, nil
	}
	b.seen[nonce] = expiresAt
	return true, nil
}

// Sweep implements NonceStore.
func (s *MemoryNonceStore) Sweep(_ context.Context, now time.Time) (int, error) {
	removed := 0
	s.buckets.Range(func(_, v any) bool {
		b := v.(*nonceBucket)
		b.mu.Lock()
		for n, exp := range b.seen {
			if !now.Before(exp) {
				delete(b.seen, n)
				removed++
			}
		}
		b.mu.Unlock()
		return true
	})
	return removed, nil
}
