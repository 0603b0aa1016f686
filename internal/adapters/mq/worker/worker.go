// Package worker runs queued submission jobs through the orchestrator.
package worker

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/okian/trustrep/internal/adapters/mq/queue"
	"github.com/okian/trustrep/internal/domain/submission"
	"github.com/okian/trustrep/pkg/logger"
	"github.com/okian/trustrep/pkg/metrics"
)

const (
	poolShutdownTimeout = 30 * time.Second
)

// Executor runs the pipeline of one asset.
type Executor interface {
	Execute(ctx context.Context, assetID string, emit func(submission.Event)) error
}

// Releaser frees the in-flight slot held for an asset.
type Releaser interface {
	Release(ctx context.Context, id string)
}

// Queue defines how workers receive jobs.
type Queue interface {
	Dequeue(ctx context.Context) <-chan queue.Job
}

// Hook is called after a job finishes, before its in-flight slot is released.
// cancelled reports whether the job was stopped through Pool.Cancel.
type Hook func(ctx context.Context, job queue.Job, err error, cancelled bool)

// Worker processes jobs until its queue closes or it is shut down.
type Worker interface {
	// Run starts the worker loop until ctx is canceled.
	Run(ctx context.Context)

	// Shutdown stops the worker after its current job.
	Shutdown(ctx context.Context) error
}

// InMemoryWorker implements Worker.
type InMemoryWorker struct {
	queue    Queue
	executor Executor
	guard    Releaser
	jobs     *registry
	hook     Hook
	name     string

	shutdown     chan struct{}
	shutdownOnce sync.Once
	done         chan struct{}

	logger logger.Logger
}

// NewInMemoryWorker creates a worker. guard may be nil.
func NewInMemoryWorker(q Queue, executor Executor, guard Releaser, opts ...Option) *InMemoryWorker {
	w := &InMemoryWorker{
		queue:    q,
		executor: executor,
		guard:    guard,
		jobs:     newRegistry(),
		name:     "worker",
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
		logger:   logger.Get().Named("worker"),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.name != "worker" {
		w.logger = w.logger.Named(w.name)
	}
	return w
}

// Run starts the worker loop.
func (w *InMemoryWorker) Run(ctx context.Context) {
	defer close(w.done)

	jobs := w.queue.Dequeue(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.shutdown:
			return
		case job, ok := <-jobs:
			if !ok {
				return
			}
			if err := w.process(ctx, job); err != nil {
				w.logger.Warn(ctx, "submission job ended with error",
					logger.String("asset_id", job.AssetID),
					logger.Bool("resume", job.Resume),
					logger.Error(err))
			}
		}
	}
}

// Shutdown signals the worker to stop and waits for it.
func (w *InMemoryWorker) Shutdown(ctx context.Context) error {
	w.shutdownOnce.Do(func() { close(w.shutdown) })

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		w.logger.Warn(ctx, "shutdown timed out")
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
}

// process runs one job on its own cancellable context.
func (w *InMemoryWorker) process(ctx context.Context, job queue.Job) error {
	start := time.Now()
	metrics.AddWorkerBusy(1)
	defer func() {
		metrics.AddWorkerBusy(-1)
		metrics.RecordWorkerProcessingLatency(float64(time.Since(start).Milliseconds()))
	}()

	jobCtx, cancel := context.WithCancel(ctx)
	w.jobs.add(job.AssetID, cancel)
	defer cancel()

	w.logger.Debug(ctx, "job started",
		logger.String("asset_id", job.AssetID),
		logger.Duration("waited", start.Sub(job.EnqueuedAt)))

	err := w.executor.Execute(jobCtx, job.AssetID, func(ev submission.Event) {
		w.logger.Debug(ctx, "stage", logger.String("asset_id", ev.AssetID), logger.String("stage", string(ev.Stage)))
	})
	cancelled := w.jobs.remove(job.AssetID)

	if err != nil {
		metrics.RecordWorkerError()
		metrics.RecordErrorByComponent("worker", "pipeline_error")
	}
	if w.hook != nil {
		w.hook(context.WithoutCancel(ctx), job, err, cancelled)
	}
	if w.guard != nil {
		w.guard.Release(ctx, job.AssetID)
	}
	return err
}

// registry tracks the cancel functions of running jobs by asset id.
type registry struct {
	mu        sync.Mutex
	running   map[string]context.CancelFunc
	cancelled map[string]bool
}

func newRegistry() *registry {
	return &registry{
		running:   make(map[string]context.CancelFunc),
		cancelled: make(map[string]bool),
	}
}

func (r *registry) add(id string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running[id] = cancel
	delete(r.cancelled, id)
}

// remove forgets id and reports whether it was cancelled while running.
func (r *registry) remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.cancelled[id]
	delete(r.running, id)
	delete(r.cancelled, id)
	return c
}

func (r *registry) cancel(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn, ok := r.running[id]
	if !ok {
		return false
	}
	r.cancelled[id] = true
	fn()
	return true
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running)
}

// Pool manages multiple workers sharing one queue.
type Pool struct {
	workers []*InMemoryWorker
	queue   Queue
	jobs    *registry
	logger  logger.Logger
}

// NewPool creates a worker pool. A non-positive count uses runtime.NumCPU().
func NewPool(workerCount int, q Queue, executor Executor, guard Releaser, opts ...Option) *Pool {
	if workerCount < 1 {
		workerCount = runtime.NumCPU()
	}

	pool := &Pool{
		workers: make([]*InMemoryWorker, workerCount),
		queue:   q,
		jobs:    newRegistry(),
		logger:  logger.Get().Named("worker-pool"),
	}
	for i := 0; i < workerCount; i++ {
		wopts := append([]Option{WithName("worker-" + strconv.Itoa(i))}, opts...)
		w := NewInMemoryWorker(q, executor, guard, wopts...)
		w.jobs = pool.jobs
		pool.workers[i] = w
	}

	metrics.UpdateWorkerCount(workerCount)
	return pool
}

// Start starts all workers in the pool.
func (p *Pool) Start(ctx context.Context) {
	for _, w := range p.workers {
		go w.Run(ctx)
	}
	p.logger.Info(ctx, "worker pool started", logger.Int("workers", len(p.workers)))
}

// Cancel stops the running job for assetID between stages. It reports
// whether such a job was running.
func (p *Pool) Cancel(assetID string) bool {
	return p.jobs.cancel(assetID)
}

// Running returns the number of jobs currently executing.
func (p *Pool) Running() int {
	return p.jobs.len()
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return len(p.workers)
}

// Shutdown closes the queue and waits for workers to drain it.
func (p *Pool) Shutdown(ctx context.Context) error {
	if closer, ok := p.queue.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			p.logger.Error(ctx, "error closing queue", logger.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, poolShutdownTimeout)
	defer cancel()

	var timedOut int
	for i, w := range p.workers {
		select {
		case <-w.done:
		case <-shutdownCtx.Done():
			timedOut++
			p.logger.Warn(ctx, "worker shutdown timed out", logger.Int("worker_id", i))
		}
	}
	metrics.UpdateWorkerCount(0)
	if timedOut > 0 {
		return fmt.Errorf("%d workers did not stop: %w", timedOut, shutdownCtx.Err())
	}
	return nil
}
