// Package storage provides typed access to the blob store backing uploads
// and conversion outputs. It defines the Gateway interface (port) for
// hexagonal architecture and implementations for S3 and in-memory testing.
package storage

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/waveforge/convert-api/internal/job"
)

// ErrNotFound is returned when the referenced object does not exist.
var ErrNotFound = errors.New("object not found")

// PutSmallLimit is the largest body accepted by PutSmall; anything bigger
// must go through Upload.
const PutSmallLimit = 5 * 1024 * 1024

// DefaultPresignTTL is the expiry applied when a presign TTL is not given.
const DefaultPresignTTL = time.Hour

// ObjectInfo describes an object returned by Head.
type ObjectInfo struct {
	Size         int64
	ContentType  string
	LastModified time.Time
	ETag         string
}

// ObjectSummary is one entry of a List result.
type ObjectSummary struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Gateway is the only component that talks to the blob store, and the only
// place where retry policy lives. Callers treat its errors as terminal.
type Gateway interface {
	// Head returns object metadata. Fails with ErrNotFound when absent.
	Head(ctx context.Context, ref job.BlobRef) (ObjectInfo, error)

	// Get returns a lazily-consumed byte stream for the object.
	// The caller is responsible for closing the returned ReadCloser.
	Get(ctx context.Context, ref job.BlobRef) (io.ReadCloser, error)

	// PutSmall uploads a body of at most PutSmallLimit bytes in one shot.
	PutSmall(ctx context.Context, ref job.BlobRef, data []byte, contentType string) error

	// Upload streams body into the object using a multipart upload with
	// bounded in-flight parts. Partial sessions are aborted on failure.
	// Returns the metadata of the stored object.
	Upload(ctx context.Context, ref job.BlobRef, contentType string, body io.Reader) (ObjectInfo, error)

	// Presign returns a time-limited GET URL for the object. A non-empty
	// responseDisposition overrides the Content-Disposition the store serves.
	Presign(ctx context.Context, ref job.BlobRef, ttl time.Duration, responseDisposition string) (string, error)

	// List returns up to limit objects under the prefix.
	List(ctx context.Context, bucket, prefix string, limit int) ([]ObjectSummary, error)
}
