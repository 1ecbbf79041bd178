package session

import (
	"context"
	"sync"
	"time"

	"openidrp/openid"
)

// Pending is the state of a login between the redirect to the provider and
// the provider's answer.
type Pending struct {
	ID          string          `json:"id"`
	Purpose     Purpose         `json:"purpose"`
	State       State           `json:"state"`
	Endpoint    openid.Endpoint `json:"endpoint"`
	AssocHandle string          `json:"assoc_handle,omitempty"`
	ReturnTo    string          `json:"return_to"`
	// FixedProvider is set when the login went to the configured provider
	// rather than an identifier the user typed.
	FixedProvider bool              `json:"fixed_provider,omitempty"`
	From          string            `json:"from,omitempty"`
	Data          map[string]string `json:"data,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	ExpiresAt     time.Time         `json:"expires_at"`
}

// PendingStore maps pending-login ids to their state. Take is the only way
// to read an entry and succeeds at most once per id.
type PendingStore interface {
	Put(ctx context.Context, p *Pending) error
	// Take removes and returns the entry. Missing, consumed and expired
	// entries yield ErrSessionNotFound with the matching reason.
	Take(ctx context.Context, id string, now time.Time) (*Pending, error)
	Sweep(ctx context.Context, now time.Time) (int, error)
}

type pendingEntry struct {
	pending  *Pending
	consumed bool
}

// MemoryPendingStore keeps pending logins in memory. Consumed entries stay
// behind as tombstones until they expire so a repeated finish can be told
// apart from an unknown one.
type MemoryPendingStore struct {
	mu      sync.Mutex
	entries map[string]*pendingEntry
}

// NewMemoryPendingStore constructs an empty store.
func NewMemoryPendingStore() *MemoryPendingStore {
	return &MemoryPendingStore{entries: map[string]*pendingEntry{}}
}

func (s *MemoryPendingStore) Put(_ context.Context, p *Pending) error {
	cp := *p
	s.mu.Lock()
	s.entries[p.ID] = &pendingEntry{pending: &cp}
	s.mu.Unlock()
	return nil
}

func (s *MemoryPendingStore) Take(_ context.Context, id string, now time.Time) (*Pending, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	switch {
	case !ok:
		return nil, ErrSessionNotFound{Reason: ReasonMissing}
	case e.consumed:
		return nil, ErrSessionNotFound{Reason: ReasonConsumed}
	case !now.Before(e.pending.ExpiresAt):
		delete(s.entries, id)
		return nil, ErrSessionNotFound{Reason: ReasonExpired}
	}
	e.consumed = true
	cp := *e.pending
	return &cp, nil
}

func (s *MemoryPendingStore) Sweep(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, e := range s.entries {
		if !now.Before(e.pending.ExpiresAt) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed, nil
}
