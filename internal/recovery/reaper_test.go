package recovery

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waveforge/convert-api/internal/job"
	"github.com/waveforge/convert-api/internal/progress"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newReaperFixture(t *testing.T) (*Reaper, *job.MemoryStore, *progress.TieredChannel) {
	t.Helper()
	jobs := job.NewMemoryStore()
	channel := progress.NewTieredChannel(progress.NewMemoryStore(), nil, testLogger())
	r := NewReaper(jobs, channel, nil, testLogger())
	return r, jobs, channel
}

func createProcessing(t *testing.T, jobs *job.MemoryStore, size uint64) *job.Job {
	t.Helper()
	ctx := context.Background()
	jb, err := jobs.CreateJob(ctx, job.CreateInput{
		InputRef: job.BlobRef{Bucket: "b", Key: "uploads/x.wav", Size: size},
		Format:   "mp3",
		Quality:  "192k",
	})
	require.NoError(t, err)
	require.NoError(t, jobs.UpdateStatus(ctx, jb.ID, job.StatusProcessing, nil, ""))
	return jb
}

func TestReapOrphans(t *testing.T) {
	r, jobs, channel := newReaperFixture(t)
	ctx := context.Background()

	orphan := createProcessing(t, jobs, 1024)
	done := createProcessing(t, jobs, 1024)
	require.NoError(t, jobs.UpdateStatus(ctx, done.ID, job.StatusCompleted, &job.BlobRef{Bucket: "b", Key: "conversions/x.mp3"}, ""))

	// Shifting the reaper's clock makes the orphan look 20 minutes stale.
	r.now = func() time.Time { return time.Now().Add(20 * time.Minute) }
	n, err := r.ReapOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := jobs.GetJob(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, got.Status)
	assert.Equal(t, "orphaned on restart", got.Error)

	rec, err := channel.Get(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, progress.FailedProgress, rec.Progress)

	got, err = jobs.GetJob(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, got.Status)
}

func TestReapOrphans_LargeInputGetsFullWindow(t *testing.T) {
	r, jobs, _ := newReaperFixture(t)
	ctx := context.Background()

	// 500 MiB input carries a conversion timeout of 28m, beyond the floor.
	big := createProcessing(t, jobs, 500*1024*1024)

	r.now = func() time.Time { return time.Now().Add(20 * time.Minute) }
	n, err := r.ReapOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	got, err := jobs.GetJob(ctx, big.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusProcessing, got.Status)
}

func TestSweepStuck(t *testing.T) {
	r, jobs, channel := newReaperFixture(t)
	ctx := context.Background()

	stuck := createProcessing(t, jobs, 1024)

	r.now = func() time.Time { return time.Now().Add(6 * time.Minute) }
	n, err := r.sweepStuck(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := jobs.GetJob(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, got.Status)
	assert.Equal(t, "no progress updates, presumed stuck", got.Error)

	rec, err := channel.Get(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, progress.FailedProgress, rec.Progress)
}

func TestSweepStuck_LiveProgressSurvives(t *testing.T) {
	jobs := job.NewMemoryStore()
	primary := progress.NewMemoryStore()
	channel := progress.NewTieredChannel(primary, nil, testLogger())
	r := NewReaper(jobs, channel, nil, testLogger())
	ctx := context.Background()

	live := createProcessing(t, jobs, 1024)
	stale := createProcessing(t, jobs, 1024)

	base := time.Now()
	r.now = func() time.Time { return base.Add(6 * time.Minute) }

	// A long conversion only refreshes the progress record; the job record
	// has not moved since the PROCESSING transition.
	require.NoError(t, primary.Put(ctx, live.ID, progress.Record{
		JobID:     live.ID,
		Progress:  60,
		Stage:     "streaming conversion in progress",
		UpdatedAt: base.Add(5*time.Minute + 30*time.Second).UnixMilli(),
	}))

	n, err := r.sweepStuck(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := jobs.GetJob(ctx, live.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusProcessing, got.Status)

	got, err = jobs.GetJob(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, got.Status)
}

func TestSweepStuck_FreshJobSurvives(t *testing.T) {
	r, jobs, _ := newReaperFixture(t)
	ctx := context.Background()

	fresh := createProcessing(t, jobs, 1024)

	n, err := r.sweepStuck(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	got, err := jobs.GetJob(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusProcessing, got.Status)
}

func TestRun_StopsOnCancel(t *testing.T) {
	r, _, _ := newReaperFixture(t)
	r.interval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop on context cancel")
	}
}
