// Package recovery returns jobs abandoned by crashes or wedged transcoders
// to a terminal state so clients stop polling forever.
package recovery

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/waveforge/convert-api/internal/convert"
	"github.com/waveforge/convert-api/internal/job"
	"github.com/waveforge/convert-api/internal/progress"
	"github.com/waveforge/convert-api/internal/transcode"
)

const (
	// stuckThreshold is how long a PROCESSING job may go without a progress
	// update before the periodic sweep declares it stuck.
	stuckThreshold = 5 * time.Minute

	// orphanFloor is the minimum age before a startup sweep reaps a
	// PROCESSING job; larger inputs get their full conversion timeout.
	orphanFloor = 15 * time.Minute

	defaultInterval = time.Minute
	scanLimit       = 100
)

// Reaper sweeps the job store for PROCESSING jobs that can no longer finish.
type Reaper struct {
	jobs       job.Store
	progress   progress.Channel
	supervisor *transcode.Supervisor
	logger     *slog.Logger
	interval   time.Duration

	now func() time.Time
}

// NewReaper creates a reaper over the given stores.
func NewReaper(jobs job.Store, prog progress.Channel, supervisor *transcode.Supervisor, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		jobs:       jobs,
		progress:   prog,
		supervisor: supervisor,
		logger:     logger,
		interval:   defaultInterval,
		now:        time.Now,
	}
}

// ReapOrphans fails PROCESSING jobs left behind by a previous instance.
// A job is orphaned once it has been silent longer than its own conversion
// timeout, with a floor for small inputs. Returns the number reaped.
func (r *Reaper) ReapOrphans(ctx context.Context) (int, error) {
	jobs, err := r.jobs.Scan(ctx, job.ScanFilter{Status: job.StatusProcessing}, scanLimit)
	if err != nil {
		return 0, err
	}

	now := r.now()
	reaped := 0
	for _, jb := range jobs {
		deadline := convert.TimeoutForSize(int64(jb.InputRef.Size))
		if deadline < orphanFloor {
			deadline = orphanFloor
		}
		if now.Sub(jb.UpdatedAt) <= deadline {
			continue
		}
		r.fail(ctx, jb.ID, "orphaned on restart")
		reaped++
	}
	if reaped > 0 {
		r.logger.Info("reaped orphaned jobs", slog.Int("count", reaped))
	}
	return reaped, nil
}

// Run sweeps for stuck jobs on a fixed interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := r.sweepStuck(ctx); err != nil {
				r.logger.Warn("stuck job sweep failed", slog.String("error", err.Error()))
			} else if n > 0 {
				r.logger.Info("reaped stuck jobs", slog.Int("count", n))
			}
		}
	}
}

// sweepStuck fails PROCESSING jobs with no sign of life within the stuck
// threshold. Liveness comes from the progress channel: the pipeline touches
// the job record only at phase transitions, while every streamed tick
// refreshes the progress timestamp.
func (r *Reaper) sweepStuck(ctx context.Context) (int, error) {
	jobs, err := r.jobs.Scan(ctx, job.ScanFilter{Status: job.StatusProcessing}, scanLimit)
	if err != nil {
		return 0, err
	}

	cutoff := r.now().Add(-stuckThreshold)
	reaped := 0
	for _, jb := range jobs {
		if r.lastActivity(ctx, jb).After(cutoff) {
			continue
		}
		r.fail(ctx, jb.ID, "no progress updates, presumed stuck")
		reaped++
	}
	return reaped, nil
}

// lastActivity returns the newest liveness signal for a job: the progress
// record timestamp when one exists, otherwise the job record's update time.
func (r *Reaper) lastActivity(ctx context.Context, jb *job.Job) time.Time {
	rec, err := r.progress.Get(ctx, jb.ID)
	if err != nil || rec.UpdatedAt == 0 {
		return jb.UpdatedAt
	}
	ts := time.UnixMilli(rec.UpdatedAt)
	if ts.Before(jb.UpdatedAt) {
		return jb.UpdatedAt
	}
	return ts
}

func (r *Reaper) fail(ctx context.Context, jobID, reason string) {
	if r.supervisor != nil {
		if err := r.supervisor.Terminate(jobID); err != nil {
			r.logger.Warn("reaper terminate failed",
				slog.String("job_id", jobID),
				slog.String("error", err.Error()),
			)
		}
	}
	if err := r.progress.MarkFailed(ctx, jobID, reason); err != nil {
		r.logger.Warn("reaper progress write failed",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}
	err := r.jobs.UpdateStatus(ctx, jobID, job.StatusFailed, nil, reason)
	if err != nil && !errors.Is(err, job.ErrInvalidTransition) && !errors.Is(err, job.ErrJobNotFound) {
		r.logger.Error("reaper status update failed",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		return
	}
	r.logger.Warn("job reaped",
		slog.String("job_id", jobID),
		slog.String("reason", reason),
	)
}
