// Package convert contains the conversion core: the streaming pipeline, its
// buffered fallback, the size-derived timeout policy, and the orchestrator
// service exposed to the HTTP layer.
package convert

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/waveforge/convert-api/internal/format"
	"github.com/waveforge/convert-api/internal/job"
	"github.com/waveforge/convert-api/internal/progress"
	"github.com/waveforge/convert-api/internal/storage"
	"github.com/waveforge/convert-api/internal/transcode"
)

// Progress stage texts, in phase order. External dashboards key off these.
const (
	stageCreatingSource = "creating source stream"
	stageStartingTool   = "starting transcoder"
	stageWiring         = "setting up streaming pipeline"
	stageConnecting     = "connecting streaming pipeline"
	stageStreaming      = "streaming conversion in progress"
	stageOutputBytes    = "processing audio stream"
	stageUploading      = "uploading to object store"
	stageFinalising     = "finalising"
)

// streamingFloor is the lowest progress value the parser-driven phase may
// publish; the upload window threshold mirrors the multipart part size.
const (
	streamingFloor    = 40
	uploadWindowBytes = 5 * 1024 * 1024
)

// defaultConsistencyWait is the pause between completion write and terminal
// progress publish, tolerating eventually-consistent job stores.
const defaultConsistencyWait = 250 * time.Millisecond

// Pipeline owns a job from the PROCESSING transition to its terminal state.
// It is the sole writer of the job record and its progress after creation.
type Pipeline struct {
	gateway    storage.Gateway
	jobs       job.Store
	progress   progress.Channel
	supervisor *transcode.Supervisor
	compat     *format.CompatibilityTable
	logger     *slog.Logger

	tempDir         string
	consistencyWait time.Duration
	verifyRetries   int
	timeoutFor      func(sizeBytes int64) time.Duration
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithTempDir sets the directory the buffered fallback materialises into.
func WithTempDir(dir string) PipelineOption {
	return func(p *Pipeline) { p.tempDir = dir }
}

// WithConsistencyWait overrides the post-completion wait, for tests.
func WithConsistencyWait(d time.Duration) PipelineOption {
	return func(p *Pipeline) { p.consistencyWait = d }
}

// WithTimeoutPolicy overrides the size-to-deadline policy.
func WithTimeoutPolicy(f func(sizeBytes int64) time.Duration) PipelineOption {
	return func(p *Pipeline) { p.timeoutFor = f }
}

// NewPipeline creates a conversion pipeline.
func NewPipeline(
	gateway storage.Gateway,
	jobs job.Store,
	prog progress.Channel,
	supervisor *transcode.Supervisor,
	compat *format.CompatibilityTable,
	logger *slog.Logger,
	opts ...PipelineOption,
) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if compat == nil {
		compat = format.DefaultCompatibility()
	}
	p := &Pipeline{
		gateway:         gateway,
		jobs:            jobs,
		progress:        prog,
		supervisor:      supervisor,
		compat:          compat,
		logger:          logger,
		consistencyWait: defaultConsistencyWait,
		verifyRetries:   3,
		timeoutFor:      TimeoutForSize,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run drives one job to a terminal state. The context should be detached
// from the originating HTTP request; the pipeline applies its own
// size-derived deadline on top.
func (p *Pipeline) Run(ctx context.Context, jb *job.Job) error {
	logger := p.logger.With(slog.String("job_id", jb.ID))

	if err := p.jobs.UpdateStatus(ctx, jb.ID, job.StatusProcessing, nil, ""); err != nil {
		p.fail(ctx, jb.ID, fmt.Sprintf("start processing: %v", err))
		return err
	}

	timeout := p.timeoutFor(int64(jb.InputRef.Size))
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	outExt := strings.ToLower(jb.Format)
	outputRef := job.BlobRef{
		Bucket: jb.InputRef.Bucket,
		Key:    "conversions/" + jb.ID + "." + outExt,
	}
	inputExt := strings.TrimPrefix(path.Ext(jb.InputRef.Key), ".")

	verdict := p.compat.Check(inputExt, outExt)

	var info storage.ObjectInfo
	var err error
	if verdict.StreamingSupported {
		info, err = p.runStreaming(runCtx, jb, outputRef)
	} else {
		logger.Info("streaming unsupported for format pair, using buffered fallback",
			slog.String("input_ext", inputExt),
			slog.String("output_ext", outExt),
			slog.String("reason", verdict.Reason),
		)
		info, err = p.runBuffered(runCtx, jb, inputExt, outputRef)
	}

	if err == nil && info.Size == 0 {
		err = errors.New("converted output is empty")
	}
	if err != nil {
		msg := err.Error()
		// Wait on a SIGTERM'd child reports "signal: terminated" rather than
		// the deadline; the run context is the authority on expiry.
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			msg = fmt.Sprintf("timed out after %d ms", timeout.Milliseconds())
		}
		p.fail(context.WithoutCancel(ctx), jb.ID, msg)
		return err
	}

	outputRef.Size = uint64(info.Size)
	p.publish(runCtx, jb.ID, progress.Record{Progress: 98, Stage: stageFinalising})

	doneCtx := context.WithoutCancel(ctx)
	if err := p.jobs.UpdateStatus(doneCtx, jb.ID, job.StatusCompleted, &outputRef, ""); err != nil {
		p.fail(doneCtx, jb.ID, fmt.Sprintf("record completion: %v", err))
		return err
	}
	p.awaitVisibility(doneCtx, jb.ID)
	_ = p.progress.MarkComplete(doneCtx, jb.ID)

	logger.Info("conversion completed",
		slog.String("output_key", outputRef.Key),
		slog.Int64("output_size", info.Size),
	)
	return nil
}

// runStreaming wires source blob -> transcoder stdin and transcoder stdout
// -> multipart upload, with the stderr parser driving mid-phase progress.
func (p *Pipeline) runStreaming(ctx context.Context, jb *job.Job, outputRef job.BlobRef) (storage.ObjectInfo, error) {
	p.publish(ctx, jb.ID, progress.Record{Progress: 5, Stage: stageCreatingSource})
	src, err := p.gateway.Get(ctx, jb.InputRef)
	if err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("create source stream: %w", err)
	}
	defer func() { _ = src.Close() }()

	// Group first: the subprocess runs under the group context so any side
	// failing tears the whole dataflow down.
	g, gctx := errgroup.WithContext(ctx)

	p.publish(ctx, jb.ID, progress.Record{Progress: 15, Stage: stageStartingTool})
	proc, err := p.supervisor.Start(gctx, jb.ID, jb.Format, jb.Quality)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	defer p.supervisor.Release(jb.ID)

	p.publish(ctx, jb.ID, progress.Record{Progress: 25, Stage: stageWiring})

	var fatalMu sync.Mutex
	var fatal error
	parser := transcode.NewParser(func(e transcode.Event) {
		if e.Err != nil {
			fatalMu.Lock()
			if fatal == nil {
				fatal = e.Err
			}
			fatalMu.Unlock()
			return
		}
		if e.Started || e.Progress <= 0 {
			return
		}
		pct := e.Progress
		if pct < streamingFloor {
			pct = streamingFloor
		}
		p.publish(ctx, jb.ID, progress.Record{
			Progress:              pct,
			Stage:                 stageStreaming,
			CurrentTime:           e.CurrentTime,
			TotalDuration:         e.TotalDuration,
			EstimatedRemainingSec: e.EstimatedRemainingSec,
		})
	})

	p.publish(ctx, jb.ID, progress.Record{Progress: 35, Stage: stageConnecting})

	out := &countingReader{
		r: proc.Stdout,
		onFirst: func() {
			p.publish(ctx, jb.ID, progress.Record{Progress: 50, Stage: stageOutputBytes})
		},
		onWindow: func() {
			p.publish(ctx, jb.ID, progress.Record{Progress: 70, Stage: stageUploading})
		},
	}

	p.publish(ctx, jb.ID, progress.Record{Progress: streamingFloor, Stage: stageStreaming})

	var info storage.ObjectInfo
	g.Go(func() error {
		defer func() { _ = proc.Stdin.Close() }()
		if _, err := io.Copy(proc.Stdin, src); err != nil && !isPipeClosed(err) {
			return fmt.Errorf("stream source to transcoder: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return parser.Run(proc.Stderr)
	})
	g.Go(func() error {
		var uerr error
		info, uerr = p.gateway.Upload(gctx, outputRef, format.MIMETypeFor(jb.Format), out)
		if uerr != nil {
			return fmt.Errorf("upload converted stream: %w", uerr)
		}
		return nil
	})

	groupErr := g.Wait()
	procErr := proc.Wait()

	fatalMu.Lock()
	fatalErr := fatal
	fatalMu.Unlock()

	switch {
	case fatalErr != nil:
		return info, fatalErr
	case procErr != nil:
		var perr *transcode.ProcessError
		if errors.As(procErr, &perr) && perr.Stderr == "" {
			perr.Stderr = parser.Tail()
		}
		return info, procErr
	case groupErr != nil:
		return info, groupErr
	case ctx.Err() != nil:
		return info, ctx.Err()
	}
	return info, nil
}

// publish writes a progress snapshot; the channel swallows storage errors,
// so this only logs the unexpected.
func (p *Pipeline) publish(ctx context.Context, jobID string, rec progress.Record) {
	if err := p.progress.Set(ctx, jobID, rec); err != nil {
		p.logger.Warn("progress publish failed",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}
}

// fail records a terminal failure: progress first, then the job record,
// then a best-effort subprocess terminate.
func (p *Pipeline) fail(ctx context.Context, jobID, msg string) {
	_ = p.progress.MarkFailed(ctx, jobID, msg)
	if err := p.jobs.UpdateStatus(ctx, jobID, job.StatusFailed, nil, msg); err != nil && !errors.Is(err, job.ErrInvalidTransition) {
		p.logger.Error("failed to record job failure",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}
	if err := p.supervisor.Terminate(jobID); err != nil {
		p.logger.Warn("terminate after failure",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}
}

// awaitVisibility waits out store propagation and verifies the completed
// status is readable before the terminal progress marker goes out.
func (p *Pipeline) awaitVisibility(ctx context.Context, jobID string) {
	time.Sleep(p.consistencyWait)
	for i := 0; i < p.verifyRetries; i++ {
		j, err := p.jobs.GetJob(ctx, jobID)
		if err == nil && j.Status == job.StatusCompleted {
			return
		}
		time.Sleep(p.consistencyWait)
	}
	p.logger.Warn("completed status not visible after verification window",
		slog.String("job_id", jobID),
	)
}

// countingReader fires phase callbacks as converted bytes flow towards the
// uploader: once on the first byte, once past the first part window.
type countingReader struct {
	r           io.Reader
	n           int64
	firedFirst  bool
	firedWindow bool
	onFirst     func()
	onWindow    func()
}

func (c *countingReader) Read(b []byte) (int, error) {
	n, err := c.r.Read(b)
	if n > 0 {
		c.n += int64(n)
		if !c.firedFirst {
			c.firedFirst = true
			c.onFirst()
		}
		if !c.firedWindow && c.n >= uploadWindowBytes {
			c.firedWindow = true
			c.onWindow()
		}
	}
	return n, err
}

// isPipeClosed recognises the benign write errors seen when the transcoder
// closes stdin after reading enough of the source.
func isPipeClosed(err error) bool {
	return errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, syscall.EPIPE) ||
		strings.Contains(err.Error(), "file already closed")
}
