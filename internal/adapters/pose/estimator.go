// Package pose talks to the external pose-estimation worker process.
//
// The worker reads length-prefixed msgpack frames on stdin and answers each
// with one length-prefixed msgpack result on stdout. It is started on first
// use and restarted after it fails.
package pose

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/okian/trustrep/internal/domain/analysis"
	"github.com/okian/trustrep/internal/domain/model"
	"github.com/okian/trustrep/pkg/logger"
	"github.com/okian/trustrep/pkg/metrics"
)

// process is a running worker.
type process struct {
	stdin  io.WriteCloser
	stdout *bufio.Reader
	stop   func() error
}

// spawner starts a worker.
type spawner func(ctx context.Context) (*process, error)

// Estimator is an analysis.PoseEstimator backed by a worker process. Calls
// are serialized; the worker handles one frame at a time.
type Estimator struct {
	mu      sync.Mutex
	command string
	args    []string
	timeout time.Duration
	spawn   spawner
	proc    *process
	seq     uint64
	closed  bool
	log     logger.Logger
}

var _ analysis.PoseEstimator = (*Estimator)(nil)

// NewEstimator creates an estimator for the worker started by command.
func NewEstimator(command string, opts ...Option) (*Estimator, error) {
	e := &Estimator{
		command: command,
		timeout: defaultTimeout,
		log:     logger.Get().Named("pose"),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.spawn == nil {
		if command == "" {
			return nil, ErrNoCommand
		}
		e.spawn = e.spawnProcess
	}
	return e, nil
}

// Estimate sends frame to the worker and returns the detected landmarks.
// An empty slice means no pose was detected.
func (e *Estimator) Estimate(ctx context.Context, frame analysis.Frame) ([]model.Landmark, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if err := e.ensure(ctx); err != nil {
		return nil, err
	}

	e.seq++
	req := request{Seq: e.seq, Timestamp: frame.Timestamp, Width: frame.Width, Height: frame.Height, Pixels: frame.Pixels}
	start := time.Now()

	type result struct {
		resp response
		err  error
	}
	done := make(chan result, 1)
	proc := e.proc
	go func() {
		var r result
		if r.err = writeMessage(proc.stdin, req); r.err == nil {
			r.err = readMessage(proc.stdout, &r.resp)
		}
		done <- r
	}()

	timer := time.NewTimer(e.timeout)
	defer timer.Stop()
	var r result
	select {
	case r = <-done:
	case <-timer.C:
		e.reset(ctx, "timeout")
		return nil, ErrTimeout
	case <-ctx.Done():
		e.reset(ctx, "cancelled")
		return nil, ctx.Err()
	}

	if r.err != nil {
		e.reset(ctx, r.err.Error())
		return nil, fmt.Errorf("%w: %w", ErrWorkerFailed, r.err)
	}
	metrics.RecordPoseLatency(float64(time.Since(start).Milliseconds()))
	if r.resp.Seq != req.Seq {
		e.reset(ctx, "sequence mismatch")
		return nil, fmt.Errorf("%w: sent %d got %d", ErrSeqMismatch, req.Seq, r.resp.Seq)
	}
	if r.resp.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrWorkerFailed, r.resp.Error)
	}
	if !r.resp.Detected {
		return nil, nil
	}
	return r.resp.Landmarks, nil
}

// Close stops the worker. Further calls fail with ErrClosed.
func (e *Estimator) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	if e.proc == nil {
		return nil
	}
	proc := e.proc
	e.proc = nil
	_ = proc.stdin.Close()
	return proc.stop()
}

func (e *Estimator) ensure(ctx context.Context) error {
	if e.proc != nil {
		return nil
	}
	proc, err := e.spawn(ctx)
	if err != nil {
		return fmt.Errorf("%w: start: %w", ErrWorkerFailed, err)
	}
	e.proc = proc
	metrics.RecordPoseWorkerStart()
	e.log.Info(ctx, "pose worker started", logger.String("command", e.command))
	return nil
}

// reset drops the current worker so the next call starts a fresh one.
func (e *Estimator) reset(ctx context.Context, reason string) {
	if e.proc == nil {
		return
	}
	proc := e.proc
	e.proc = nil
	_ = proc.stdin.Close()
	if err := proc.stop(); err != nil {
		e.log.Debug(ctx, "pose worker exit", logger.Error(err))
	}
	e.log.Warn(ctx, "pose worker reset", logger.String("reason", reason))
}

// spawnProcess starts the configured command. The process outlives ctx; it is
// owned by the estimator until Close.
func (e *Estimator) spawnProcess(ctx context.Context) (*process, error) {
	cmd := exec.Command(e.command, e.args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	go e.logStderr(stderr)

	waited := make(chan error, 1)
	go func() { waited <- cmd.Wait() }()

	stop := func() error {
		select {
		case err := <-waited:
			return exitErr(err)
		case <-time.After(2 * time.Second):
		}
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		return exitErr(<-waited)
	}
	return &process{stdin: stdin, stdout: bufio.NewReader(stdout), stop: stop}, nil
}

func (e *Estimator) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		e.log.Debug(context.Background(), "pose worker", logger.String("stderr", scanner.Text()))
	}
}

func exitErr(err error) error {
	var exit *exec.ExitError
	if errors.As(err, &exit) && !exit.Exited() {
		return nil
	}
	return err
}
