package convert

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/waveforge/convert-api/internal/format"
	"github.com/waveforge/convert-api/internal/job"
	"github.com/waveforge/convert-api/internal/progress"
	"github.com/waveforge/convert-api/internal/storage"
	"github.com/waveforge/convert-api/internal/transcode"
)

// runBuffered is the fallback path for format pairs the streaming pipeline
// cannot serve: the source is materialised into a per-job temp directory,
// converted file-to-file, and the result streamed back to the object store.
// It publishes the same phase progress as the streaming path.
func (p *Pipeline) runBuffered(ctx context.Context, jb *job.Job, inputExt string, outputRef job.BlobRef) (storage.ObjectInfo, error) {
	tempDir, err := os.MkdirTemp(p.tempDir, "convert-"+jb.ID+"-")
	if err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("create temp dir: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(tempDir); rmErr != nil {
			p.logger.Warn("temp dir cleanup failed",
				slog.String("job_id", jb.ID),
				slog.String("dir", tempDir),
				slog.String("error", rmErr.Error()),
			)
		}
	}()

	p.publish(ctx, jb.ID, progress.Record{Progress: 5, Stage: stageCreatingSource})
	inPath := filepath.Join(tempDir, "input."+inputExt)
	if err := p.materialise(ctx, jb.InputRef, inPath); err != nil {
		return storage.ObjectInfo{}, err
	}

	p.publish(ctx, jb.ID, progress.Record{Progress: 15, Stage: stageStartingTool})
	outPath := filepath.Join(tempDir, "output."+jb.Format)
	proc, err := p.supervisor.StartFile(ctx, jb.ID, inPath, outPath, jb.Quality)
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
	p.publish(ctx, jb.ID, progress.Record{Progress: streamingFloor, Stage: stageStreaming})

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error { return parser.Run(proc.Stderr) })

	groupErr := g.Wait()
	procErr := proc.Wait()

	fatalMu.Lock()
	fatalErr := fatal
	fatalMu.Unlock()

	switch {
	case fatalErr != nil:
		return storage.ObjectInfo{}, fatalErr
	case procErr != nil:
		var perr *transcode.ProcessError
		if errors.As(procErr, &perr) && perr.Stderr == "" {
			perr.Stderr = parser.Tail()
		}
		return storage.ObjectInfo{}, procErr
	case groupErr != nil:
		return storage.ObjectInfo{}, groupErr
	case ctx.Err() != nil:
		return storage.ObjectInfo{}, ctx.Err()
	}

	p.publish(ctx, jb.ID, progress.Record{Progress: 50, Stage: stageOutputBytes})

	f, err := os.Open(outPath) // #nosec G304 - path is inside our temp dir
	if err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("open converted file: %w", err)
	}
	defer func() { _ = f.Close() }()

	p.publish(ctx, jb.ID, progress.Record{Progress: 70, Stage: stageUploading})
	info, err := p.gateway.Upload(ctx, outputRef, format.MIMETypeFor(jb.Format), f)
	if err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("upload converted file: %w", err)
	}
	return info, nil
}

// materialise downloads the source object to a local file.
func (p *Pipeline) materialise(ctx context.Context, ref job.BlobRef, dst string) error {
	src, err := p.gateway.Get(ctx, ref)
	if err != nil {
		return fmt.Errorf("create source stream: %w", err)
	}
	defer func() { _ = src.Close() }()

	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600) // #nosec G304 - path is inside our temp dir
	if err != nil {
		return fmt.Errorf("create temp input: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := io.Copy(f, src); err != nil {
		return fmt.Errorf("materialise source: %w", err)
	}
	return nil
}
