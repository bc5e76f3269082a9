package progress

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Compile-time check that TieredChannel implements Channel.
var _ Channel = (*TieredChannel)(nil)

// TieredChannel writes progress to a fast primary store and mirrors to a
// durable fallback when the primary fails. Reads try the primary first.
// Write failures are logged and swallowed: losing a progress tick must never
// fail a running conversion.
type TieredChannel struct {
	primary  Store
	fallback Store
	logger   *slog.Logger

	mu   sync.Mutex
	last map[string]int

	now func() time.Time
}

// NewTieredChannel creates a channel over the given tiers. fallback may be
// nil, in which case the primary is the only tier.
func NewTieredChannel(primary, fallback Store, logger *slog.Logger) *TieredChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &TieredChannel{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
		last:     make(map[string]int),
		now:      time.Now,
	}
}

// Init writes the initial queued record.
func (c *TieredChannel) Init(ctx context.Context, jobID string) error {
	return c.Set(ctx, jobID, Record{Progress: 0, Stage: StageQueued})
}

// Set publishes a snapshot, enforcing monotonicity for non-terminal values:
// a write lower than the latest observed is raised to the observed value,
// except for the -1 failure sentinel.
func (c *TieredChannel) Set(ctx context.Context, jobID string, rec Record) error {
	rec.JobID = jobID
	rec.UpdatedAt = c.now().UnixMilli()

	c.mu.Lock()
	if rec.Progress != FailedProgress {
		if prev, ok := c.last[jobID]; ok && rec.Progress < prev {
			rec.Progress = prev
		}
	}
	// Terminal markers end the job's tracking.
	if rec.Terminal() {
		delete(c.last, jobID)
	} else {
		c.last[jobID] = rec.Progress
	}
	c.mu.Unlock()

	if err := c.primary.Put(ctx, jobID, rec); err != nil {
		c.logger.Warn("progress primary write failed, mirroring to fallback",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		if c.fallback == nil {
			return nil
		}
		if ferr := c.fallback.Put(ctx, jobID, rec); ferr != nil {
			c.logger.Error("progress fallback write failed",
				slog.String("job_id", jobID),
				slog.String("error", ferr.Error()),
			)
		}
		return nil
	}

	// Terminal markers are mirrored durably even when the primary succeeds,
	// so a cache eviction cannot erase the outcome.
	if c.fallback != nil && rec.Terminal() {
		if ferr := c.fallback.Put(ctx, jobID, rec); ferr != nil {
			c.logger.Warn("terminal progress mirror failed",
				slog.String("job_id", jobID),
				slog.String("error", ferr.Error()),
			)
		}
	}
	return nil
}

// Get reads the primary, falling back on miss or error.
func (c *TieredChannel) Get(ctx context.Context, jobID string) (*Record, error) {
	rec, err := c.primary.Fetch(ctx, jobID)
	if err == nil {
		return rec, nil
	}
	if c.fallback == nil {
		return nil, err
	}
	if !errors.Is(err, ErrNotFound) {
		c.logger.Warn("progress primary read failed, trying fallback",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}
	return c.fallback.Fetch(ctx, jobID)
}

// MarkComplete writes the terminal success marker.
func (c *TieredChannel) MarkComplete(ctx context.Context, jobID string) error {
	return c.Set(ctx, jobID, Record{Progress: 100, Stage: StageCompleted})
}

// MarkFailed writes the terminal failure marker.
func (c *TieredChannel) MarkFailed(ctx context.Context, jobID string, errMsg string) error {
	return c.Set(ctx, jobID, Record{Progress: FailedProgress, Stage: StageFailed, Error: errMsg})
}
