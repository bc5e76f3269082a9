// Package progress publishes per-job conversion progress through a two-tier
// store: a low-latency primary (Redis) with a durable fallback mirror.
package progress

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no progress record exists for a job.
var ErrNotFound = errors.New("progress record not found")

// Well-known stage values observed by external clients.
const (
	// StageQueued is written by Init before the pipeline starts.
	StageQueued = "queued"
	// StageCompleted is the sole terminal success marker. Clients must see
	// progress=100 together with this stage before fetching the result.
	StageCompleted = "completed"
	// StageFailed accompanies the -1 progress sentinel.
	StageFailed = "failed"
)

// FailedProgress is the sentinel progress value for failed jobs.
const FailedProgress = -1

// Record is one snapshot of a job's conversion progress.
type Record struct {
	JobID string `json:"jobId"`
	// Progress is -1 on failure, otherwise 0..100.
	Progress int    `json:"progress"`
	Stage    string `json:"stage"`
	// CurrentTime and TotalDuration mirror the transcoder's HH:MM:SS.ss clock.
	CurrentTime           string `json:"currentTime,omitempty"`
	TotalDuration         string `json:"totalDuration,omitempty"`
	EstimatedRemainingSec int    `json:"estimatedRemainingSec,omitempty"`
	// UpdatedAt is unix milliseconds.
	UpdatedAt int64  `json:"updatedAt"`
	Error     string `json:"error,omitempty"`
}

// Terminal reports whether the record is a terminal marker.
func (r *Record) Terminal() bool {
	return r.Progress == FailedProgress || (r.Progress == 100 && r.Stage == StageCompleted)
}

// Store is one tier of the progress channel.
type Store interface {
	// Put writes the record under the job's key.
	Put(ctx context.Context, jobID string, rec Record) error
	// Fetch reads the record, returning ErrNotFound when absent.
	Fetch(ctx context.Context, jobID string) (*Record, error)
}

// Channel is the progress API the pipeline and HTTP layer use.
type Channel interface {
	// Init writes the initial {0, queued} record.
	Init(ctx context.Context, jobID string) error
	// Set publishes a snapshot. Implementations must never propagate
	// storage failures to the caller's pipeline.
	Set(ctx context.Context, jobID string, rec Record) error
	// Get reads the latest record.
	Get(ctx context.Context, jobID string) (*Record, error)
	// MarkComplete writes the {100, completed} terminal marker.
	MarkComplete(ctx context.Context, jobID string) error
	// MarkFailed writes the {-1, failed} terminal marker with the reason.
	MarkFailed(ctx context.Context, jobID string, errMsg string) error
}
