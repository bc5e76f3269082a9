package job

import (
	"context"
	"sync"
	"time"

	"github.com/waveforge/convert-api/internal/job/id"
)

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory implementation of Store.
// It uses a map with RWMutex for thread-safe access.
// Suitable for development and testing; production uses DynamoStore.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job

	// now is swappable for tests.
	now func() time.Time
}

// NewMemoryStore creates a new in-memory job store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*Job),
		now:  time.Now,
	}
}

// CreateJob persists a new job in CREATED status.
func (s *MemoryStore) CreateJob(_ context.Context, in CreateInput) (*Job, error) {
	now := s.now()
	j := &Job{
		ID:        id.Generate(),
		Status:    StatusCreated,
		InputRef:  in.InputRef,
		Format:    in.Format,
		Quality:   in.Quality,
		CreatedAt: now,
		UpdatedAt: now,
		TTL:       now.Add(TTLDuration).Unix(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = j.Clone()
	return j, nil
}

// GetJob retrieves a job by its ID.
// Returns a clone to prevent external mutations.
func (s *MemoryStore) GetJob(_ context.Context, jobID string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[jobID]
	if !ok || j.TTL < s.now().Unix() {
		return nil, ErrJobNotFound
	}
	return j.Clone(), nil
}

// UpdateStatus transitions a job through the state machine.
func (s *MemoryStore) UpdateStatus(_ context.Context, jobID string, status Status, outputRef *BlobRef, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if !CanTransition(j.Status, status) {
		return ErrInvalidTransition
	}

	j.Status = status
	j.UpdatedAt = s.now()
	if outputRef != nil {
		out := *outputRef
		j.OutputRef = &out
	}
	if errMsg != "" {
		j.Error = errMsg
	}
	return nil
}

// Scan returns up to limit jobs matching the filter.
func (s *MemoryStore) Scan(_ context.Context, filter ScanFilter, limit int) ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Job, 0)
	for _, j := range s.jobs {
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		if !filter.UpdatedBefore.IsZero() && !j.UpdatedAt.Before(filter.UpdatedBefore) {
			continue
		}
		result = append(result, j.Clone())
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}
