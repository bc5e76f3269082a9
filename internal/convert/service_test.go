package convert

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waveforge/convert-api/internal/apperr"
	"github.com/waveforge/convert-api/internal/job"
	"github.com/waveforge/convert-api/internal/progress"
	"github.com/waveforge/convert-api/internal/storage"
	"github.com/waveforge/convert-api/internal/transcode"
)

type serviceFixture struct {
	gateway  *storage.MemoryGateway
	jobs     *job.MemoryStore
	progress *progress.TieredChannel
	service  *Service
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	gateway := storage.NewMemoryGateway()
	jobs := job.NewMemoryStore()
	channel := progress.NewTieredChannel(progress.NewMemoryStore(), progress.NewMemoryStore(), testLogger())
	sup := transcode.NewSupervisor(fakeTranscoder(t, "exec cat"), testLogger())
	pipeline := NewPipeline(gateway, jobs, channel, sup, nil, testLogger(),
		WithTempDir(t.TempDir()),
		WithConsistencyWait(time.Millisecond),
	)
	svc := NewService(gateway, jobs, channel, pipeline, sup, testBucket, testLogger())
	return &serviceFixture{gateway: gateway, jobs: jobs, progress: channel, service: svc}
}

func TestService_Convert_Success(t *testing.T) {
	f := newServiceFixture(t)
	f.gateway.Seed(testBucket, "uploads/song-abc.wav", []byte("wav data"), "audio/wav")

	jb, err := f.service.Convert(context.Background(), ConvertRequest{
		FileID:  "song-abc",
		Format:  "MP3",
		Quality: "192k",
	})
	require.NoError(t, err)
	assert.Equal(t, job.StatusCreated, jb.Status)
	assert.Equal(t, "mp3", jb.Format)
	assert.Equal(t, "uploads/song-abc.wav", jb.InputRef.Key)
	assert.Equal(t, uint64(8), jb.InputRef.Size)

	rec, err := f.progress.Get(context.Background(), jb.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.Progress)
	assert.Equal(t, progress.StageQueued, rec.Stage)
}

func TestService_Convert_Validation(t *testing.T) {
	f := newServiceFixture(t)
	f.gateway.Seed(testBucket, "uploads/song-abc.wav", []byte("wav data"), "audio/wav")

	tests := []struct {
		name    string
		req     ConvertRequest
		kind    apperr.Kind
		message string
	}{
		{
			name:    "missing fields",
			req:     ConvertRequest{FileID: "song-abc"},
			kind:    apperr.KindValidation,
			message: "Missing required fields",
		},
		{
			name:    "unsupported format",
			req:     ConvertRequest{FileID: "song-abc", Format: "xyz", Quality: "192k"},
			kind:    apperr.KindValidation,
			message: "Unsupported format: xyz",
		},
		{
			name:    "bad quality",
			req:     ConvertRequest{FileID: "song-abc", Format: "mp3", Quality: "fast"},
			kind:    apperr.KindValidation,
			message: "Invalid quality",
		},
		{
			name:    "unknown file",
			req:     ConvertRequest{FileID: "nope", Format: "mp3", Quality: "192k"},
			kind:    apperr.KindNotFound,
			message: "Input file not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.service.Convert(context.Background(), tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.kind, apperr.KindOf(err))
			assert.Contains(t, err.Error(), tt.message)
		})
	}
}

func TestService_Convert_PrefixMatchIsExact(t *testing.T) {
	f := newServiceFixture(t)
	// Only a longer ID shares the prefix; it must not match.
	f.gateway.Seed(testBucket, "uploads/song-abc-extended.wav", []byte("data"), "audio/wav")

	_, err := f.service.Convert(context.Background(), ConvertRequest{
		FileID:  "song-abc",
		Format:  "mp3",
		Quality: "192k",
	})
	require.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestService_Convert_EmptyInputRejected(t *testing.T) {
	f := newServiceFixture(t)
	f.gateway.Seed(testBucket, "uploads/empty.wav", nil, "audio/wav")

	_, err := f.service.Convert(context.Background(), ConvertRequest{
		FileID:  "empty",
		Format:  "mp3",
		Quality: "192k",
	})
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestService_Progress_NotFound(t *testing.T) {
	f := newServiceFixture(t)
	_, err := f.service.Progress(context.Background(), "job-unknown")
	require.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func seedCompletedJob(t *testing.T, f *serviceFixture, output []byte) *job.Job {
	t.Helper()
	ctx := context.Background()
	jb, err := f.jobs.CreateJob(ctx, job.CreateInput{
		InputRef: job.BlobRef{Bucket: testBucket, Key: "uploads/track.wav", Size: 100},
		Format:   "mp3",
		Quality:  "192k",
	})
	require.NoError(t, err)

	outRef := job.BlobRef{Bucket: testBucket, Key: "conversions/" + jb.ID + ".mp3", Size: uint64(len(output))}
	f.gateway.Seed(testBucket, outRef.Key, output, "audio/mpeg")
	require.NoError(t, f.jobs.UpdateStatus(ctx, jb.ID, job.StatusProcessing, nil, ""))
	require.NoError(t, f.jobs.UpdateStatus(ctx, jb.ID, job.StatusCompleted, &outRef, ""))

	got, err := f.jobs.GetJob(ctx, jb.ID)
	require.NoError(t, err)
	return got
}

func TestService_ResolveDownload_Completed(t *testing.T) {
	f := newServiceFixture(t)
	jb := seedCompletedJob(t, f, []byte("mp3 bytes"))

	d, err := f.service.ResolveDownload(context.Background(), jb.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "track.mp3", d.Filename)
	assert.Equal(t, "audio/mpeg", d.ContentType)
	assert.Equal(t, int64(9), d.Info.Size)
	assert.Equal(t, "conversions/"+jb.ID+".mp3", d.Ref.Key)
}

func TestService_ResolveDownload_FilenameOverride(t *testing.T) {
	f := newServiceFixture(t)
	jb := seedCompletedJob(t, f, []byte("mp3 bytes"))

	d, err := f.service.ResolveDownload(context.Background(), jb.ID, "../../etc/passwd")
	require.NoError(t, err)
	assert.Equal(t, "passwd", d.Filename)
}

func TestService_ResolveDownload_StatusGating(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	create := func(t *testing.T) *job.Job {
		jb, err := f.jobs.CreateJob(ctx, job.CreateInput{
			InputRef: job.BlobRef{Bucket: testBucket, Key: "uploads/track.wav", Size: 100},
			Format:   "mp3",
			Quality:  "192k",
		})
		require.NoError(t, err)
		return jb
	}

	t.Run("unknown job", func(t *testing.T) {
		_, err := f.service.ResolveDownload(ctx, "job-missing", "")
		assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	})

	t.Run("created", func(t *testing.T) {
		jb := create(t)
		_, err := f.service.ResolveDownload(ctx, jb.ID, "")
		require.Error(t, err)
		assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
		assert.Contains(t, err.Error(), "not started")
	})

	t.Run("processing", func(t *testing.T) {
		jb := create(t)
		require.NoError(t, f.jobs.UpdateStatus(ctx, jb.ID, job.StatusProcessing, nil, ""))
		_, err := f.service.ResolveDownload(ctx, jb.ID, "")
		require.Error(t, err)
		assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
		assert.Contains(t, err.Error(), "still in progress")
	})

	t.Run("failed", func(t *testing.T) {
		jb := create(t)
		require.NoError(t, f.jobs.UpdateStatus(ctx, jb.ID, job.StatusFailed, nil, "transcoder exploded"))
		_, err := f.service.ResolveDownload(ctx, jb.ID, "")
		require.Error(t, err)
		assert.Equal(t, apperr.KindGone, apperr.KindOf(err))
		assert.Contains(t, err.Error(), "transcoder exploded")
	})

	t.Run("output object missing", func(t *testing.T) {
		jb := create(t)
		outRef := job.BlobRef{Bucket: testBucket, Key: "conversions/" + jb.ID + ".mp3"}
		require.NoError(t, f.jobs.UpdateStatus(ctx, jb.ID, job.StatusProcessing, nil, ""))
		require.NoError(t, f.jobs.UpdateStatus(ctx, jb.ID, job.StatusCompleted, &outRef, ""))
		_, err := f.service.ResolveDownload(ctx, jb.ID, "")
		require.Error(t, err)
		assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
		assert.Contains(t, err.Error(), "File not found in storage")
	})
}

func TestService_PresignDownload(t *testing.T) {
	f := newServiceFixture(t)
	jb := seedCompletedJob(t, f, []byte("mp3 bytes"))

	d, err := f.service.ResolveDownload(context.Background(), jb.ID, "")
	require.NoError(t, err)

	url, err := f.service.PresignDownload(context.Background(), d, false)
	require.NoError(t, err)
	assert.Contains(t, url, d.Ref.Key)
	assert.Contains(t, url, "response-content-disposition=attachment")

	preview, err := f.service.PresignDownload(context.Background(), d, true)
	require.NoError(t, err)
	assert.NotContains(t, preview, "response-content-disposition")
}

func TestService_Cleanup(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	jb, err := f.jobs.CreateJob(ctx, job.CreateInput{
		InputRef: job.BlobRef{Bucket: testBucket, Key: "uploads/track.wav", Size: 100},
		Format:   "mp3",
		Quality:  "192k",
	})
	require.NoError(t, err)
	require.NoError(t, f.jobs.UpdateStatus(ctx, jb.ID, job.StatusProcessing, nil, ""))

	require.NoError(t, f.service.Cleanup(ctx, jb.ID, ""))

	got, err := f.jobs.GetJob(ctx, jb.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, got.Status)
	assert.Equal(t, "manually cleaned up", got.Error)

	rec, err := f.progress.Get(ctx, jb.ID)
	require.NoError(t, err)
	assert.Equal(t, progress.FailedProgress, rec.Progress)

	// Terminal jobs are a no-op.
	require.NoError(t, f.service.Cleanup(ctx, jb.ID, "again"))
	got, err = f.jobs.GetJob(ctx, jb.ID)
	require.NoError(t, err)
	assert.Equal(t, "manually cleaned up", got.Error)
}

func TestService_Cleanup_UnknownJob(t *testing.T) {
	f := newServiceFixture(t)
	err := f.service.Cleanup(context.Background(), "job-missing", "")
	require.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestService_ListConverted(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	jb := seedCompletedJob(t, f, []byte("mp3 bytes"))
	// An orphan output whose job record expired.
	f.gateway.Seed(testBucket, "conversions/job-000-dead.ogg", []byte("ogg"), "audio/ogg")

	files, err := f.service.ListConverted(ctx)
	require.NoError(t, err)
	require.Len(t, files, 2)

	byID := map[string]ConvertedFile{}
	for _, file := range files {
		byID[file.JobID] = file
	}

	known := byID[jb.ID]
	assert.Equal(t, "track.mp3", known.Name)
	assert.Equal(t, "mp3", known.Format)
	assert.Equal(t, "192k", known.Quality)
	assert.Equal(t, int64(9), known.Size)
	assert.False(t, known.Timestamp.IsZero())

	orphan := byID["job-000-dead"]
	assert.Equal(t, "job-000-dead.ogg", orphan.Name)
	assert.Equal(t, "ogg", orphan.Format)
	assert.Empty(t, orphan.Quality)
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"song.mp3", "song.mp3"},
		{"../song.mp3", "song.mp3"},
		{"/etc/passwd", "passwd"},
		{`..\..\song.mp3`, "song.mp3"},
		{"nested/dir/song.mp3", "song.mp3"},
		{".", ""},
		{"/", ""},
	}
	for _, tt := range tests {
		if got := sanitizeFilename(tt.in); got != tt.want {
			t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDownloadName(t *testing.T) {
	jb := &job.Job{
		ID:       "job-1",
		Format:   "flac",
		InputRef: job.BlobRef{Key: "uploads/my song.wav"},
	}
	if got := downloadName(jb); got != "my song.flac" {
		t.Errorf("downloadName = %q, want %q", got, "my song.flac")
	}
	if !strings.HasPrefix(downloadName(&job.Job{ID: "job-2", Format: "mp3"}), "job-2") {
		t.Error("expected job ID fallback for empty input key")
	}
}
