package account

import (
	"context"
	"sync"
)

// MemoryStore keeps accounts in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*Account
	digests  map[string]string
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: map[string]*Account{}, digests: map[string]string{}}
}

func (s *MemoryStore) Get(_ context.Context, name string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[name]
	if !ok {
		return nil, ErrAccountNotFound{Name: name}
	}
	return a.clone(), nil
}

func (s *MemoryStore) FindByDigest(_ context.Context, digest string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	name, ok := s.digests[digest]
	if !ok {
		return nil, ErrAccountNotFound{}
	}
	return s.accounts[name].clone(), nil
}

func (s *MemoryStore) Create(_ context.Context, a *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[a.Name]; ok {
		return ErrAccountExists{Name: a.Name}
	}
	if err := s.checkDigests(a); err != nil {
		return err
	}
	s.store(a)
	return nil
}

func (s *MemoryStore) Update(_ context.Context, a *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.accounts[a.Name]
	if !ok {
		return ErrAccountNotFound{Name: a.Name}
	}
	if err := s.checkDigests(a); err != nil {
		return err
	}
	for _, b := range old.Identifiers {
		delete(s.digests, b.Digest)
	}
	s.store(a)
	return nil
}

func (s *MemoryStore) checkDigests(a *Account) error {
	for _, b := range a.Identifiers {
		if owner, ok := s.digests[b.Digest]; ok && owner != a.Name {
			return ErrIdentifierInUse{Account: owner}
		}
	}
	return nil
}

func (s *MemoryStore) store(a *Account) {
	cp := a.clone()
	s.accounts[a.Name] = cp
	for _, b := range cp.Identifiers {
		s.digests[b.Digest] = cp.Name
	}
}
