// Package transcode manages the external transcoder subprocess: spawning,
// stdio plumbing, termination, and parsing of its stderr progress stream.
package transcode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// probeTimeout bounds the readiness check before any spawn.
const probeTimeout = 5 * time.Second

// terminateGrace is how long a process gets after SIGTERM before SIGKILL.
const terminateGrace = 5 * time.Second

// ErrToolUnavailable is returned when the transcoder binary cannot be run.
var ErrToolUnavailable = errors.New("transcoder not available")

// ProcessError represents an abnormal exit of the transcoder, including the
// tail of its stderr when known.
type ProcessError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("transcoder error: %v\nargs: %v\nstderr: %s", e.Err, e.Args, e.Stderr)
}

func (e *ProcessError) Unwrap() error { return e.Err }

// muxers maps output extensions to the container names the tool expects.
// Extensions not listed mux under their own name.
var muxers = map[string]string{
	"m4a": "ipod",
	"aac": "adts",
}

// MuxerFor returns the container format name for an output extension.
func MuxerFor(ext string) string {
	if m, ok := muxers[strings.ToLower(ext)]; ok {
		return m
	}
	return strings.ToLower(ext)
}

// Process is one supervised transcoder run. Stdin receives the source bytes,
// Stdout produces the converted stream, Stderr carries progress lines.
type Process struct {
	JobID  string
	Stdin  io.WriteCloser
	Stdout io.ReadCloser
	Stderr io.ReadCloser

	cmd      *exec.Cmd
	args     []string
	done     chan struct{}
	waitOnce sync.Once
	waitErr  error
}

// Wait blocks until the process exits and returns a ProcessError on abnormal
// exit. Safe to call multiple times.
func (p *Process) Wait() error {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()
		if err != nil {
			p.waitErr = &ProcessError{Args: p.args, Err: err}
		}
		close(p.done)
	})
	<-p.done
	return p.waitErr
}

// Supervisor spawns and tracks transcoder subprocesses by job ID.
// The registry is internally synchronised.
type Supervisor struct {
	path   string
	logger *slog.Logger

	mu    sync.Mutex
	procs map[string]*Process
}

// NewSupervisor creates a supervisor for the transcoder at path.
// An empty path defaults to "ffmpeg" found via PATH.
func NewSupervisor(path string, logger *slog.Logger) *Supervisor {
	if path == "" {
		path = "ffmpeg"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		path:   path,
		logger: logger,
		procs:  make(map[string]*Process),
	}
}

// Probe verifies the transcoder binary runs at all, with a bounded timeout.
func (s *Supervisor) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	// #nosec G204 - path is set by the application, not user input
	cmd := exec.CommandContext(ctx, s.path, "-version")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrToolUnavailable, s.path, err)
	}
	return nil
}

// Start spawns a transcoder reading from stdin and writing to stdout:
//
//	-i pipe:0 -f <muxer> -b:a <quality> -y pipe:1
//
// The returned process is registered under jobID until Release is called.
func (s *Supervisor) Start(ctx context.Context, jobID, outputExt, quality string) (*Process, error) {
	args := []string{
		"-i", "pipe:0",
		"-f", MuxerFor(outputExt),
		"-b:a", quality,
		"-y",
		"pipe:1",
	}

	// #nosec G204 - path is set by the application, not user input
	cmd := exec.CommandContext(ctx, s.path, args...)
	// Let the termination protocol own signalling; CommandContext's default
	// kill remains the backstop when ctx expires.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = terminateGrace

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, &ProcessError{Args: args, Err: fmt.Errorf("spawn: %w", err)}
	}

	p := &Process{
		JobID:  jobID,
		Stdin:  stdin,
		Stdout: stdout,
		Stderr: stderr,
		cmd:    cmd,
		args:   args,
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	s.procs[jobID] = p
	s.mu.Unlock()

	s.logger.Debug("transcoder started",
		slog.String("job_id", jobID),
		slog.Int("pid", cmd.Process.Pid),
	)
	return p, nil
}

// StartFile spawns a transcoder over files instead of pipes, for the
// buffered fallback path:
//
//	-i <input> -b:a <quality> -y <output>
//
// The output extension selects the container. Stdin and Stdout are nil;
// Stderr still carries progress.
func (s *Supervisor) StartFile(ctx context.Context, jobID, inputPath, outputPath, quality string) (*Process, error) {
	args := []string{
		"-i", inputPath,
		"-b:a", quality,
		"-y",
		outputPath,
	}

	// #nosec G204 - path and file arguments are produced by the pipeline
	cmd := exec.CommandContext(ctx, s.path, args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = terminateGrace

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, &ProcessError{Args: args, Err: fmt.Errorf("spawn: %w", err)}
	}

	p := &Process{
		JobID:  jobID,
		Stderr: stderr,
		cmd:    cmd,
		args:   args,
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	s.procs[jobID] = p
	s.mu.Unlock()

	s.logger.Debug("transcoder started on files",
		slog.String("job_id", jobID),
		slog.Int("pid", cmd.Process.Pid),
	)
	return p, nil
}

// Get returns the registered process for a job, if any.
func (s *Supervisor) Get(jobID string) (*Process, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[jobID]
	return p, ok
}

// Release drops a finished process from the registry.
func (s *Supervisor) Release(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.procs, jobID)
}

// Terminate stops the process for a job: graceful signal first, hard kill
// after the grace period. A missing registration is a no-op.
func (s *Supervisor) Terminate(jobID string) error {
	s.mu.Lock()
	p, ok := s.procs[jobID]
	if ok {
		delete(s.procs, jobID)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.terminate(p)
}

func (s *Supervisor) terminate(p *Process) error {
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Already gone.
		return nil
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(terminateGrace):
		s.logger.Warn("transcoder ignored graceful terminate, killing",
			slog.String("job_id", p.JobID),
		)
		if err := p.cmd.Process.Kill(); err != nil {
			return fmt.Errorf("kill transcoder: %w", err)
		}
		return nil
	}
}

// CleanupAll terminates every supervised process. Used during shutdown and
// invoked with no job still expected to complete.
func (s *Supervisor) CleanupAll() {
	s.mu.Lock()
	procs := make([]*Process, 0, len(s.procs))
	for _, p := range s.procs {
		procs = append(procs, p)
	}
	s.procs = make(map[string]*Process)
	s.mu.Unlock()

	for _, p := range procs {
		if err := s.terminate(p); err != nil {
			s.logger.Warn("cleanup terminate failed",
				slog.String("job_id", p.JobID),
				slog.String("error", err.Error()),
			)
		}
	}
}
