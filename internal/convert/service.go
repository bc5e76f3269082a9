package convert

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/waveforge/convert-api/internal/apperr"
	"github.com/waveforge/convert-api/internal/format"
	"github.com/waveforge/convert-api/internal/job"
	"github.com/waveforge/convert-api/internal/progress"
	"github.com/waveforge/convert-api/internal/storage"
	"github.com/waveforge/convert-api/internal/transcode"
)

// uploadPrefix and outputPrefix define the storage layout contract.
const (
	uploadPrefix = "uploads/"
	outputPrefix = "conversions/"
)

// ConvertRequest is the validated input for starting a conversion.
type ConvertRequest struct {
	FileID  string
	Format  string
	Quality string
	Bucket  string
}

// Service orchestrates request validation, job creation and pipeline launch,
// and serves the read-side operations (progress, download, listing).
type Service struct {
	gateway       storage.Gateway
	jobs          job.Store
	progress      progress.Channel
	pipeline      *Pipeline
	supervisor    *transcode.Supervisor
	defaultBucket string
	logger        *slog.Logger
}

// NewService creates the orchestrator.
func NewService(
	gateway storage.Gateway,
	jobs job.Store,
	prog progress.Channel,
	pipeline *Pipeline,
	supervisor *transcode.Supervisor,
	defaultBucket string,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		gateway:       gateway,
		jobs:          jobs,
		progress:      prog,
		pipeline:      pipeline,
		supervisor:    supervisor,
		defaultBucket: defaultBucket,
		logger:        logger,
	}
}

// Convert validates the request, locates the uploaded source object, creates
// the job record and initialises its progress. The pipeline itself is
// launched by the caller so HTTP tests can run synchronously.
func (s *Service) Convert(ctx context.Context, req ConvertRequest) (*job.Job, error) {
	if req.FileID == "" || req.Format == "" || req.Quality == "" {
		return nil, apperr.New(apperr.KindValidation, "Missing required fields: fileId, format, quality")
	}
	if !format.IsSupported(req.Format) {
		return nil, apperr.Validationf("Unsupported format: %s", req.Format)
	}
	if !format.ValidQuality(req.Quality) {
		return nil, apperr.Validationf("Invalid quality: %s", req.Quality)
	}

	bucket := req.Bucket
	if bucket == "" {
		bucket = s.defaultBucket
	}

	inputRef, err := s.locateSource(ctx, bucket, req.FileID)
	if err != nil {
		return nil, err
	}

	info, err := s.gateway.Head(ctx, inputRef)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperr.NotFoundf("Input file not found: %s", req.FileID)
		}
		return nil, fmt.Errorf("head input object: %w", err)
	}
	if info.Size <= 0 {
		return nil, apperr.Validationf("Input file is empty: %s", req.FileID)
	}
	inputRef.Size = uint64(info.Size)

	jb, err := s.jobs.CreateJob(ctx, job.CreateInput{
		InputRef: inputRef,
		Format:   strings.ToLower(req.Format),
		Quality:  req.Quality,
	})
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	if err := s.progress.Init(ctx, jb.ID); err != nil {
		s.logger.Warn("progress init failed",
			slog.String("job_id", jb.ID),
			slog.String("error", err.Error()),
		)
	}

	s.logger.Info("conversion job created",
		slog.String("job_id", jb.ID),
		slog.String("input_key", inputRef.Key),
		slog.String("format", jb.Format),
		slog.String("quality", jb.Quality),
		slog.Uint64("input_size", inputRef.Size),
	)
	return jb, nil
}

// RunPipeline executes the conversion for an already-created job. Intended
// to run on its own goroutine with a request-detached context.
func (s *Service) RunPipeline(ctx context.Context, jb *job.Job) {
	if err := s.pipeline.Run(ctx, jb); err != nil {
		s.logger.Error("conversion pipeline failed",
			slog.String("job_id", jb.ID),
			slog.String("error", err.Error()),
		)
	}
}

// locateSource finds the uploaded object for a file ID. Uploads are stored
// as uploads/{fileId}.{ext}; the first exact-stem match wins.
func (s *Service) locateSource(ctx context.Context, bucket, fileID string) (job.BlobRef, error) {
	prefix := uploadPrefix + fileID
	objects, err := s.gateway.List(ctx, bucket, prefix, 100)
	if err != nil {
		return job.BlobRef{}, fmt.Errorf("list uploads: %w", err)
	}

	keyPattern := regexp.MustCompile(`^` + regexp.QuoteMeta(uploadPrefix+fileID) + `\.[A-Za-z0-9]+$`)
	for _, obj := range objects {
		if keyPattern.MatchString(obj.Key) {
			return job.BlobRef{Bucket: bucket, Key: obj.Key, Size: uint64(obj.Size)}, nil
		}
	}
	return job.BlobRef{}, apperr.NotFoundf("Input file not found: %s", fileID)
}

// Progress returns the latest progress record for a job.
func (s *Service) Progress(ctx context.Context, jobID string) (*progress.Record, error) {
	rec, err := s.progress.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, progress.ErrNotFound) {
			return nil, apperr.NotFoundf("No progress found for job: %s", jobID)
		}
		return nil, fmt.Errorf("read progress: %w", err)
	}
	return rec, nil
}

// Download describes a completed job's output ready to serve.
type Download struct {
	Ref         job.BlobRef
	Info        storage.ObjectInfo
	Filename    string
	ContentType string
}

// ResolveDownload validates that a job's output is downloadable and returns
// what the HTTP layer needs to serve it.
func (s *Service) ResolveDownload(ctx context.Context, jobID, filenameOverride string) (*Download, error) {
	jb, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			return nil, apperr.NotFoundf("Job not found: %s", jobID)
		}
		return nil, fmt.Errorf("get job: %w", err)
	}

	switch jb.Status {
	case job.StatusCompleted:
		// proceed
	case job.StatusFailed:
		msg := jb.Error
		if msg == "" {
			msg = "Conversion failed"
		}
		return nil, apperr.New(apperr.KindGone, msg)
	case job.StatusProcessing:
		return nil, apperr.New(apperr.KindValidation, "Conversion is still in progress, please wait")
	default:
		return nil, apperr.New(apperr.KindValidation, "Conversion has not started yet")
	}

	if jb.OutputRef == nil {
		return nil, fmt.Errorf("completed job %s has no output reference", jobID)
	}

	info, err := s.gateway.Head(ctx, *jb.OutputRef)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperr.New(apperr.KindNotFound, "File not found in storage")
		}
		return nil, fmt.Errorf("head output object: %w", err)
	}

	filename := sanitizeFilename(filenameOverride)
	if filename == "" {
		filename = downloadName(jb)
	}

	return &Download{
		Ref:         *jb.OutputRef,
		Info:        info,
		Filename:    filename,
		ContentType: format.MIMETypeFor(jb.Format),
	}, nil
}

// OpenDownload opens the output object for streaming to a client.
func (s *Service) OpenDownload(ctx context.Context, d *Download) (io.ReadCloser, error) {
	body, err := s.gateway.Get(ctx, d.Ref)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperr.New(apperr.KindNotFound, "File not found in storage")
		}
		return nil, fmt.Errorf("open output object: %w", err)
	}
	return body, nil
}

// PresignDownload returns a presigned URL for the output. Non-preview mode
// forces an attachment disposition through the URL's response overrides.
func (s *Service) PresignDownload(ctx context.Context, d *Download, preview bool) (string, error) {
	disposition := ""
	if !preview {
		disposition = fmt.Sprintf("attachment; filename=%q", d.Filename)
	}
	url, err := s.gateway.Presign(ctx, d.Ref, storage.DefaultPresignTTL, disposition)
	if err != nil {
		return "", fmt.Errorf("presign output: %w", err)
	}
	return url, nil
}

// Cleanup terminates any running transcoder for the job and marks it failed
// with the given reason. Terminal jobs are a no-op. Idempotent.
func (s *Service) Cleanup(ctx context.Context, jobID, reason string) error {
	if reason == "" {
		reason = "manually cleaned up"
	}

	jb, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			return apperr.NotFoundf("Job not found: %s", jobID)
		}
		return fmt.Errorf("get job: %w", err)
	}
	if jb.IsTerminal() {
		return nil
	}

	if err := s.supervisor.Terminate(jobID); err != nil {
		s.logger.Warn("cleanup terminate failed",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}
	_ = s.progress.MarkFailed(ctx, jobID, reason)
	if err := s.jobs.UpdateStatus(ctx, jobID, job.StatusFailed, nil, reason); err != nil && !errors.Is(err, job.ErrInvalidTransition) {
		return fmt.Errorf("mark job failed: %w", err)
	}

	s.logger.Info("job cleaned up",
		slog.String("job_id", jobID),
		slog.String("reason", reason),
	)
	return nil
}

// ConvertedFile is one entry of the aggregated outputs listing.
type ConvertedFile struct {
	JobID     string      `json:"jobId"`
	Name      string      `json:"name"`
	Format    string      `json:"format"`
	Quality   string      `json:"quality,omitempty"`
	Size      int64       `json:"size"`
	Timestamp time.Time   `json:"timestamp"`
	OutputRef job.BlobRef `json:"outputRef"`
}

// ListConverted aggregates the stored conversion outputs with their job
// metadata. Outputs whose job records have expired are still listed, with
// fields derived from the object key alone.
func (s *Service) ListConverted(ctx context.Context) ([]ConvertedFile, error) {
	objects, err := s.gateway.List(ctx, s.defaultBucket, outputPrefix, 1000)
	if err != nil {
		return nil, fmt.Errorf("list conversions: %w", err)
	}

	files := make([]ConvertedFile, 0, len(objects))
	for _, obj := range objects {
		base := path.Base(obj.Key)
		ext := strings.TrimPrefix(path.Ext(base), ".")
		jobID := strings.TrimSuffix(base, path.Ext(base))

		entry := ConvertedFile{
			JobID:     jobID,
			Name:      base,
			Format:    ext,
			Size:      obj.Size,
			Timestamp: obj.LastModified,
			OutputRef: job.BlobRef{Bucket: s.defaultBucket, Key: obj.Key, Size: uint64(obj.Size)},
		}
		if jb, err := s.jobs.GetJob(ctx, jobID); err == nil {
			entry.Quality = jb.Quality
			entry.Format = jb.Format
			entry.Name = downloadName(jb)
		}
		files = append(files, entry)
	}
	return files, nil
}

// downloadName derives a user-facing filename from the job's original
// upload name and target format.
func downloadName(jb *job.Job) string {
	base := path.Base(jb.InputRef.Key)
	stem := strings.TrimSuffix(base, path.Ext(base))
	if stem == "" || stem == "." {
		stem = jb.ID
	}
	return stem + "." + jb.Format
}

// sanitizeFilename strips path separators from a client-supplied filename.
func sanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(name)
	if name == "." || name == "/" {
		return ""
	}
	return name
}
