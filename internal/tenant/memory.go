package tenant

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu       sync.RWMutex
	byNumber map[string]Config
	byID     map[string]Config

	// LookupCount tracks store hits so cache tests can assert on misses.
	lookups int
}

func NewMemoryStore(configs ...Config) *MemoryStore {
	s := &MemoryStore{
		byNumber: make(map[string]Config),
		byID:     make(map[string]Config),
	}
	for _, c := range configs {
		s.Put(c)
	}
	return s
}

func (s *MemoryStore) Put(c Config) {
	s.mu.Lock()
	s.byNumber[c.PhoneNumber] = c
	s.byID[c.ID] = c
	s.mu.Unlock()
}

func (s *MemoryStore) ByNumber(ctx context.Context, number string) (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++
	c, ok := s.byNumber[number]
	if !ok || !c.Active {
		return Config{}, ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) ByID(ctx context.Context, tenantID string) (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++
	c, ok := s.byID[tenantID]
	if !ok {
		return Config{}, ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) Lookups() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookups
}
