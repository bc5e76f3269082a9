package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// KeyTTL is the per-key expiry for progress records in the primary.
const KeyTTL = time.Hour

// Compile-time check that RedisStore implements Store.
var _ Store = (*RedisStore)(nil)

// RedisStore is the low-latency primary tier, keyed progress:{jobId}.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps an existing redis client. The client is shareable and
// should be a single long-lived connection pool.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func progressKey(jobID string) string { return "progress:" + jobID }

// Put writes the JSON-encoded record with the 1h TTL.
func (s *RedisStore) Put(ctx context.Context, jobID string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal progress record: %w", err)
	}
	if err := s.client.Set(ctx, progressKey(jobID), data, KeyTTL).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Fetch reads and decodes the record.
func (s *RedisStore) Fetch(ctx context.Context, jobID string) (*Record, error) {
	data, err := s.client.Get(ctx, progressKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal progress record: %w", err)
	}
	return &rec, nil
}
