package progress

import (
	"context"
	"fmt"
	"sync"
)

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory Store tier for tests and local development.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record

	// PutErr, when set, is returned by Put to simulate a failing tier.
	PutErr error
	// FetchErr, when set, is returned by Fetch.
	FetchErr error
}

// NewMemoryStore creates an empty in-memory tier.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Put stores the record.
func (s *MemoryStore) Put(_ context.Context, jobID string, rec Record) error {
	if s.PutErr != nil {
		return s.PutErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[jobID] = rec
	return nil
}

// Fetch reads the record.
func (s *MemoryStore) Fetch(_ context.Context, jobID string) (*Record, error) {
	if s.FetchErr != nil {
		return nil, s.FetchErr
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	return &rec, nil
}
