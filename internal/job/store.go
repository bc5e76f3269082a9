package job

import (
	"context"
	"errors"
	"time"
)

// ErrJobNotFound is returned when a job cannot be found by ID.
var ErrJobNotFound = errors.New("job not found")

// CreateInput carries the fields the orchestrator supplies on job creation.
type CreateInput struct {
	InputRef BlobRef
	Format   string
	Quality  string
}

// ScanFilter selects jobs during recovery scans. Zero fields match everything.
type ScanFilter struct {
	// Status restricts the scan to jobs in this status.
	Status Status
	// UpdatedBefore restricts the scan to jobs last touched before this time.
	UpdatedBefore time.Time
}

// Store defines the interface for durable job persistence.
// It acts as a port in the hexagonal architecture pattern.
type Store interface {
	// CreateJob persists a new job in CREATED status with a generated ID,
	// stamped timestamps and a TTL of createdAt + 24h.
	CreateJob(ctx context.Context, in CreateInput) (*Job, error)

	// GetJob retrieves a job by its unique identifier.
	// Returns ErrJobNotFound if the job does not exist.
	GetJob(ctx context.Context, id string) (*Job, error)

	// UpdateStatus transitions a job to the given status, updating UpdatedAt.
	// outputRef and errMsg are recorded when non-zero. Returns
	// ErrInvalidTransition when the state machine forbids the move.
	UpdateStatus(ctx context.Context, id string, status Status, outputRef *BlobRef, errMsg string) error

	// Scan returns up to limit jobs matching the filter, for recovery sweeps.
	Scan(ctx context.Context, filter ScanFilter, limit int) ([]*Job, error)
}
