// Package job provides the Job record for audio conversion work, its status
// state machine, and the Store port for durable persistence with TTL.
package job

import (
	"errors"
	"time"
)

// Status represents the current state of a Job.
type Status string

const (
	// StatusCreated indicates the job record exists but the pipeline has not started.
	StatusCreated Status = "CREATED"
	// StatusProcessing indicates the conversion pipeline owns the job.
	StatusProcessing Status = "PROCESSING"
	// StatusCompleted indicates the output object was uploaded successfully.
	StatusCompleted Status = "COMPLETED"
	// StatusFailed indicates the conversion failed; Error carries the reason.
	StatusFailed Status = "FAILED"
)

// ErrInvalidTransition is returned when an invalid state transition is attempted.
var ErrInvalidTransition = errors.New("invalid state transition")

// validTransitions defines which state transitions are allowed.
var validTransitions = map[Status][]Status{
	StatusCreated:    {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusFailed},
	StatusCompleted:  {},
	StatusFailed:     {},
}

// CanTransition checks if a transition from one status to another is valid.
func CanTransition(from, to Status) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s is a terminal status.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// BlobRef identifies an immutable object in the storage gateway.
type BlobRef struct {
	Bucket string `json:"bucket" dynamodbav:"bucket"`
	Key    string `json:"key" dynamodbav:"key"`
	// Size is stamped after a successful upload when unknown up front.
	Size uint64 `json:"size" dynamodbav:"size"`
}

// IsZero reports whether the reference is unset.
func (r BlobRef) IsZero() bool {
	return r.Bucket == "" && r.Key == ""
}

// TTLDuration is how long job records live in the store after creation.
const TTLDuration = 24 * time.Hour

// Job is the authoritative record of one conversion.
type Job struct {
	ID        string    `json:"jobId" dynamodbav:"jobId"`
	Status    Status    `json:"status" dynamodbav:"status"`
	InputRef  BlobRef   `json:"inputRef" dynamodbav:"inputRef"`
	OutputRef *BlobRef  `json:"outputRef,omitempty" dynamodbav:"outputRef,omitempty"`
	Format    string    `json:"format" dynamodbav:"format"`
	Quality   string    `json:"quality" dynamodbav:"quality"`
	Error     string    `json:"error,omitempty" dynamodbav:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt" dynamodbav:"createdAt,unixtime"`
	UpdatedAt time.Time `json:"updatedAt" dynamodbav:"updatedAt,unixtime"`
	// TTL is the unix-seconds expiry honoured by the store.
	TTL int64 `json:"ttl" dynamodbav:"ttl"`
}

// IsTerminal reports whether the job reached a terminal status.
func (j *Job) IsTerminal() bool {
	return j.Status.IsTerminal()
}

// Clone returns a copy of the job safe to hand across goroutines.
func (j *Job) Clone() *Job {
	cp := *j
	if j.OutputRef != nil {
		out := *j.OutputRef
		cp.OutputRef = &out
	}
	return &cp
}
