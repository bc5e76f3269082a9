package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/waveforge/convert-api/internal/job"
)

// Compile-time check that MemoryGateway implements Gateway.
var _ Gateway = (*MemoryGateway)(nil)

type memoryObject struct {
	data         []byte
	contentType  string
	lastModified time.Time
}

// MemoryGateway is an in-memory Gateway implementation for tests and local
// development without cloud credentials.
type MemoryGateway struct {
	mu      sync.RWMutex
	objects map[string]memoryObject

	// UploadErr, when set, is returned by Upload to simulate failures.
	UploadErr error
	// GetErr, when set, is returned by Get.
	GetErr error
}

// NewMemoryGateway creates an empty in-memory gateway.
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{objects: make(map[string]memoryObject)}
}

func objectKey(bucket, key string) string { return bucket + "/" + key }

// Seed stores an object directly, bypassing size limits.
func (g *MemoryGateway) Seed(bucket, key string, data []byte, contentType string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.objects[objectKey(bucket, key)] = memoryObject{
		data:         append([]byte(nil), data...),
		contentType:  contentType,
		lastModified: time.Now(),
	}
}

// Head returns object metadata.
func (g *MemoryGateway) Head(_ context.Context, ref job.BlobRef) (ObjectInfo, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	obj, ok := g.objects[objectKey(ref.Bucket, ref.Key)]
	if !ok {
		return ObjectInfo{}, fmt.Errorf("%w: %s/%s", ErrNotFound, ref.Bucket, ref.Key)
	}
	return ObjectInfo{
		Size:         int64(len(obj.data)),
		ContentType:  obj.contentType,
		LastModified: obj.lastModified,
		ETag:         fmt.Sprintf("%q", fmt.Sprintf("mem-%d", len(obj.data))),
	}, nil
}

// Get returns the object body.
func (g *MemoryGateway) Get(_ context.Context, ref job.BlobRef) (io.ReadCloser, error) {
	if g.GetErr != nil {
		return nil, g.GetErr
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	obj, ok := g.objects[objectKey(ref.Bucket, ref.Key)]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, ref.Bucket, ref.Key)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

// PutSmall stores a small body.
func (g *MemoryGateway) PutSmall(_ context.Context, ref job.BlobRef, data []byte, contentType string) error {
	if len(data) > PutSmallLimit {
		return fmt.Errorf("body of %d bytes exceeds single-shot limit, use Upload", len(data))
	}
	g.Seed(ref.Bucket, ref.Key, data, contentType)
	return nil
}

// Upload consumes body and stores the result.
func (g *MemoryGateway) Upload(ctx context.Context, ref job.BlobRef, contentType string, body io.Reader) (ObjectInfo, error) {
	if g.UploadErr != nil {
		// Drain so the writer side does not block forever on a pipe.
		_, _ = io.Copy(io.Discard, body)
		return ObjectInfo{}, g.UploadErr
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("read upload body: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return ObjectInfo{}, err
	}
	g.Seed(ref.Bucket, ref.Key, data, contentType)
	return g.Head(ctx, ref)
}

// Presign returns a deterministic fake URL.
func (g *MemoryGateway) Presign(_ context.Context, ref job.BlobRef, ttl time.Duration, responseDisposition string) (string, error) {
	if ttl <= 0 {
		ttl = DefaultPresignTTL
	}
	url := fmt.Sprintf("https://memory.local/%s/%s?expires=%d", ref.Bucket, ref.Key, int64(ttl.Seconds()))
	if responseDisposition != "" {
		url += "&response-content-disposition=" + strings.ReplaceAll(responseDisposition, " ", "+")
	}
	return url, nil
}

// List returns up to limit objects under the prefix, sorted by key.
func (g *MemoryGateway) List(_ context.Context, bucket, prefix string, limit int) ([]ObjectSummary, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var result []ObjectSummary
	for k, obj := range g.objects {
		b, key, ok := strings.Cut(k, "/")
		if !ok || b != bucket || !strings.HasPrefix(key, prefix) {
			continue
		}
		result = append(result, ObjectSummary{
			Key:          key,
			Size:         int64(len(obj.data)),
			LastModified: obj.lastModified,
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
