// Package service wires the submission pipeline, the job queue and the
// reputation ranking into the operations the HTTP API and CLI need.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/trustrep/internal/adapters/mq/queue"
	"github.com/okian/trustrep/internal/adapters/mq/worker"
	"github.com/okian/trustrep/internal/domain/dedupe"
	"github.com/okian/trustrep/internal/domain/model"
	"github.com/okian/trustrep/internal/domain/submission"
	"github.com/okian/trustrep/internal/domain/types"
	"github.com/okian/trustrep/pkg/logger"
	"github.com/okian/trustrep/pkg/metrics"
	"github.com/robfig/cron/v3"
)

// Orchestrator runs and inspects submission pipelines.
type Orchestrator interface {
	Start(ctx context.Context, req submission.Request) (*model.Checkpoint, error)
	PrepareResume(ctx context.Context, assetID string) (*model.Checkpoint, error)
	Checkpoint(ctx context.Context, assetID string) (*model.Checkpoint, error)
	Abandon(ctx context.Context, assetID, reason string) (*model.Checkpoint, error)
	Execute(ctx context.Context, assetID string, emit func(submission.Event)) error
}

// Store is the persistence the service reads directly.
type Store interface {
	UpsertProfile(ctx context.Context, p *model.Profile) error
	GetProfile(ctx context.Context, athleteID string) (*model.Profile, error)
	ListProfiles(ctx context.Context) ([]*model.Profile, error)
	ListAssets(ctx context.Context, athleteID string) ([]*model.Asset, error)
	ListCheckpoints(ctx context.Context, incompleteOnly bool) ([]*model.Checkpoint, error)
}

// Reputation recomputes athlete reputation.
type Reputation interface {
	Recalculate(ctx context.Context, athleteID string) (int, error)
	RecalculateBreakdown(ctx context.Context, athleteID string) (types.Breakdown, error)
}

// Ranking answers leaderboard queries.
type Ranking interface {
	TopN(ctx context.Context, n int) ([]types.Entry, error)
	Rank(ctx context.Context, athleteID string) (types.Entry, error)
	Count(ctx context.Context) int
	Load(ctx context.Context, scores map[string]int) error
}

// Deps are the collaborators of a Service.
type Deps struct {
	Orchestrator Orchestrator
	Store        Store
	Reputation   Reputation
	Ranking      Ranking
}

// Service implements the API dependencies for the submission system.
type Service struct {
	mu sync.RWMutex

	orch       Orchestrator
	store      Store
	reputation Reputation
	ranks      Ranking

	deduper   dedupe.Deduper
	queue     queue.Queue
	pool      *worker.Pool
	cron      *cron.Cron
	runCancel context.CancelFunc

	workerCount        int
	queueSize          int
	inflightSize       int
	uploadDir          string
	sweepSchedule      string
	recoverInterrupted bool

	abandonMu sync.Mutex
	abandons  map[string]string

	started  bool
	stopping atomic.Bool

	completed atomic.Int64
	failed    atomic.Int64
	abandoned atomic.Int64
	recovered atomic.Int64
	sweeps    atomic.Int64
	lastSweep atomic.Int64 // unix seconds

	logger logger.Logger
}

// New constructs a Service.
func New(deps Deps, opts ...Option) (*Service, error) {
	var missing []string
	if deps.Orchestrator == nil {
		missing = append(missing, "orchestrator")
	}
	if deps.Store == nil {
		missing = append(missing, "store")
	}
	if deps.Reputation == nil {
		missing = append(missing, "reputation")
	}
	if deps.Ranking == nil {
		missing = append(missing, "ranking")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingDependency, strings.Join(missing, ", "))
	}

	s := &Service{
		orch:               deps.Orchestrator,
		store:              deps.Store,
		reputation:         deps.Reputation,
		ranks:              deps.Ranking,
		workerCount:        defaultWorkerCount(),
		queueSize:          1024,
		inflightSize:       4096,
		uploadDir:          filepath.Join(os.TempDir(), "trustrep-uploads"),
		sweepSchedule:      "@hourly",
		recoverInterrupted: true,
		abandons:           make(map[string]string),
		logger:             logger.Get().Named("service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start initializes the queue, the worker pool and the sweep, then re-queues
// pipelines a previous process left unfinished.
func (s *Service) Start(ctx context.Context) error {
	started, err := s.start(ctx)
	if err != nil || !started {
		return err
	}

	// enqueue takes s.mu, so recovery runs once start has released it.
	if s.recoverInterrupted {
		s.recoverJobs(ctx)
	}

	s.logger.Info(ctx, "submission service started",
		logger.Int("workers", s.workerCount),
		logger.Int("queueSize", s.queueSize),
		logger.Int("inflightSize", s.inflightSize),
		logger.String("sweep", s.sweepSchedule),
	)
	return nil
}

// start reports whether this call started the service.
func (s *Service) start(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return false, nil
	}
	s.logger.Info(ctx, "starting submission service...")

	if err := os.MkdirAll(s.uploadDir, 0o755); err != nil {
		return false, fmt.Errorf("create upload dir: %w", err)
	}

	s.deduper = dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(s.inflightSize))
	s.queue = queue.NewInMemoryQueue(queue.WithCapacity(s.queueSize))

	// Pipelines outlive the request that started the service; Stop cancels them.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.runCancel = cancel
	s.pool = worker.NewPool(s.workerCount, s.queue, s, releaser{s}, worker.WithHook(s.afterJob))
	s.pool.Start(runCtx)

	if err := s.loadRanks(ctx); err != nil {
		s.logger.Warn(ctx, "could not seed the ranking", logger.Error(err))
	}

	if s.sweepSchedule != "" {
		c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{l: s.logger})))
		if _, err := c.AddFunc(s.sweepSchedule, func() {
			if _, err := s.Sweep(runCtx); err != nil {
				s.logger.Warn(runCtx, "reputation sweep finished with errors", logger.Error(err))
			}
		}); err != nil {
			cancel()
			return false, fmt.Errorf("schedule reputation sweep: %w", err)
		}
		c.Start()
		s.cron = c
	}

	s.stopping.Store(false)
	s.started = true
	return true, nil
}

// Stop stops accepting work and waits for running pipelines until ctx ends.
// Jobs still queued are left for recovery on the next start.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}
	s.logger.Info(ctx, "stopping submission service...")
	s.stopping.Store(true)

	if s.cron != nil {
		select {
		case <-s.cron.Stop().Done():
		case <-ctx.Done():
		}
		s.cron = nil
	}

	err := s.pool.Shutdown(ctx)
	s.runCancel()

	s.started = false
	s.logger.Info(ctx, "submission service stopped")
	return err
}

// Submit stages body in the upload directory, persists a new checkpoint and
// queues its pipeline. req.SourcePath is ignored.
func (s *Service) Submit(ctx context.Context, req submission.Request, body io.Reader) (*model.Checkpoint, error) {
	if err := s.accepting(); err != nil {
		return nil, err
	}
	if body == nil {
		return nil, fmt.Errorf("%w: %w", submission.ErrInvalidRequest, ErrEmptyUpload)
	}

	dir, err := os.MkdirTemp(s.uploadDir, "upload-")
	if err != nil {
		return nil, fmt.Errorf("stage upload: %w", err)
	}
	path := filepath.Join(dir, uploadName(req.FileName))
	if err := writeUpload(path, body); err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}

	req.SourcePath = path
	cp, err := s.orch.Start(ctx, req)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}

	if err := s.enqueue(ctx, cp.AssetID, false); err != nil {
		// The pipeline never ran; close the checkpoint so it is not recovered.
		if _, aerr := s.orch.Abandon(ctx, cp.AssetID, "rejected: "+err.Error()); aerr != nil {
			s.logger.Warn(ctx, "could not close rejected submission",
				logger.String("asset_id", cp.AssetID), logger.Error(aerr))
		}
		_ = os.RemoveAll(dir)
		return nil, err
	}
	return cp, nil
}

// Resume queues a failed or interrupted submission again.
func (s *Service) Resume(ctx context.Context, assetID string) (*model.Checkpoint, error) {
	if err := s.accepting(); err != nil {
		return nil, err
	}
	cp, err := s.orch.PrepareResume(ctx, assetID)
	if err != nil {
		return nil, err
	}
	if err := s.enqueue(ctx, assetID, true); err != nil {
		return nil, err
	}
	return cp, nil
}

// Status returns the checkpoint of a submission.
func (s *Service) Status(ctx context.Context, assetID string) (*model.Checkpoint, error) {
	return s.orch.Checkpoint(ctx, assetID)
}

// Abandon gives up on a submission. When its pipeline is queued or running
// the request is recorded, the job is cancelled between stages and pending
// is true; the abandonment completes when the job releases its slot.
func (s *Service) Abandon(ctx context.Context, assetID, reason string) (cp *model.Checkpoint, pending bool, err error) {
	s.mu.RLock()
	deduper, pool := s.deduper, s.pool
	s.mu.RUnlock()

	if deduper != nil {
		s.abandonMu.Lock()
		inFlight := deduper.InFlight(assetID)
		if inFlight {
			s.abandons[assetID] = reason
		}
		s.abandonMu.Unlock()

		if inFlight {
			pool.Cancel(assetID)
			cp, err = s.orch.Checkpoint(ctx, assetID)
			return cp, true, err
		}
	}

	cp, err = s.orch.Abandon(ctx, assetID, reason)
	if err != nil {
		return nil, false, err
	}
	s.abandoned.Add(1)
	s.removeUpload(ctx, cp)
	return cp, false, nil
}

// Execute runs one queued job. It implements worker.Executor.
func (s *Service) Execute(ctx context.Context, assetID string, emit func(submission.Event)) error {
	if s.stopping.Load() {
		return ErrStopping
	}
	if reason, ok := s.takeAbandon(assetID); ok {
		return s.finishAbandon(ctx, assetID, reason)
	}

	err := s.orch.Execute(ctx, assetID, emit)

	if reason, ok := s.takeAbandon(assetID); ok {
		if err != nil {
			s.logger.Debug(ctx, "pipeline stopped for abandonment",
				logger.String("asset_id", assetID), logger.Error(err))
		}
		return s.finishAbandon(context.WithoutCancel(ctx), assetID, reason)
	}
	if err == nil {
		if cp, cerr := s.orch.Checkpoint(ctx, assetID); cerr == nil {
			s.removeUpload(ctx, cp)
		}
	}
	return err
}

func (s *Service) finishAbandon(ctx context.Context, assetID, reason string) error {
	cp, err := s.orch.Abandon(ctx, assetID, reason)
	if err != nil {
		return fmt.Errorf("abandon %s: %w", assetID, err)
	}
	s.abandoned.Add(1)
	s.removeUpload(ctx, cp)
	return fmt.Errorf("%w: %s", submission.ErrAbandoned, cp.FailureReason)
}

// afterJob is the worker hook: it keeps the outcome counters.
func (s *Service) afterJob(ctx context.Context, job queue.Job, err error, cancelled bool) {
	switch {
	case err == nil:
		s.completed.Add(1)
	case errors.Is(err, submission.ErrAbandoned):
		s.logger.Info(ctx, "submission abandoned by request",
			logger.String("asset_id", job.AssetID), logger.Bool("cancelled_running", cancelled))
	case errors.Is(err, ErrStopping):
		s.logger.Info(ctx, "queued submission left for recovery", logger.String("asset_id", job.AssetID))
	default:
		s.failed.Add(1)
	}
}

func (s *Service) enqueue(ctx context.Context, assetID string, resume bool) error {
	s.mu.RLock()
	deduper, q := s.deduper, s.queue
	s.mu.RUnlock()

	if err := deduper.Acquire(ctx, assetID); err != nil {
		if errors.Is(err, dedupe.ErrCapacity) {
			return fmt.Errorf("%w: %w", ErrBusy, err)
		}
		return err
	}
	if err := q.Enqueue(ctx, queue.Job{AssetID: assetID, Resume: resume}); err != nil {
		s.release(ctx, assetID)
		switch {
		case errors.Is(err, queue.ErrFull):
			return fmt.Errorf("%w: %w", ErrBusy, err)
		case errors.Is(err, queue.ErrClosed):
			return ErrStopping
		}
		return err
	}
	return nil
}

func (s *Service) accepting() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started {
		return ErrNotStarted
	}
	if s.stopping.Load() {
		return ErrStopping
	}
	return nil
}

// recoverJobs re-queues checkpoints left mid-pipeline by a previous process.
// Failed checkpoints are not retried automatically.
func (s *Service) recoverJobs(ctx context.Context) {
	cps, err := s.store.ListCheckpoints(ctx, true)
	if err != nil {
		s.logger.Warn(ctx, "could not list interrupted submissions", logger.Error(err))
		return
	}
	for _, cp := range cps {
		if cp.Abandoned || cp.Completed || cp.Stage == model.StageFailed {
			continue
		}
		if err := s.enqueue(ctx, cp.AssetID, cp.Stage != model.StageIdle); err != nil {
			s.logger.Warn(ctx, "could not recover submission",
				logger.String("asset_id", cp.AssetID), logger.Error(err))
			continue
		}
		s.recovered.Add(1)
		s.logger.Info(ctx, "recovered interrupted submission",
			logger.String("asset_id", cp.AssetID), logger.String("stage", string(cp.Stage)))
	}
}

// release frees the in-flight slot of assetID. An abandonment recorded after
// the job's last check is completed here, under the same lock Abandon uses.
func (s *Service) release(ctx context.Context, assetID string) {
	s.abandonMu.Lock()
	s.deduper.Release(ctx, assetID)
	reason, ok := s.abandons[assetID]
	delete(s.abandons, assetID)
	s.abandonMu.Unlock()

	if !ok {
		return
	}
	if err := s.finishAbandon(context.WithoutCancel(ctx), assetID, reason); !errors.Is(err, submission.ErrAbandoned) {
		s.logger.Warn(ctx, "could not complete abandonment",
			logger.String("asset_id", assetID), logger.Error(err))
	}
}

// releaser adapts Service to worker.Releaser.
type releaser struct{ s *Service }

func (r releaser) Release(ctx context.Context, assetID string) { r.s.release(ctx, assetID) }

func (s *Service) takeAbandon(assetID string) (string, bool) {
	s.abandonMu.Lock()
	defer s.abandonMu.Unlock()
	reason, ok := s.abandons[assetID]
	if ok {
		delete(s.abandons, assetID)
	}
	return reason, ok
}

// removeUpload deletes the staged upload of cp if it lives in the upload dir.
func (s *Service) removeUpload(ctx context.Context, cp *model.Checkpoint) {
	if cp == nil || cp.SourcePath == "" {
		return
	}
	dir := filepath.Dir(cp.SourcePath)
	rel, err := filepath.Rel(s.uploadDir, dir)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		s.logger.Warn(ctx, "could not remove staged upload", logger.String("dir", dir), logger.Error(err))
	}
}

// UpsertProfile creates or updates an athlete's profile.
func (s *Service) UpsertProfile(ctx context.Context, p *model.Profile) (*model.Profile, error) {
	if err := s.store.UpsertProfile(ctx, p); err != nil {
		return nil, err
	}
	return s.store.GetProfile(ctx, p.AthleteID)
}

// Athlete returns a profile with its assets, oldest first.
func (s *Service) Athlete(ctx context.Context, athleteID string) (*model.Profile, []*model.Asset, error) {
	p, err := s.store.GetProfile(ctx, athleteID)
	if err != nil {
		return nil, nil, err
	}
	assets, err := s.store.ListAssets(ctx, athleteID)
	if err != nil {
		return nil, nil, err
	}
	return p, assets, nil
}

// RecalculateReputation recomputes one athlete's reputation now.
func (s *Service) RecalculateReputation(ctx context.Context, athleteID string) (types.Breakdown, error) {
	return s.reputation.RecalculateBreakdown(ctx, athleteID)
}

// TopN returns the top n athletes by reputation.
func (s *Service) TopN(ctx context.Context, n int) ([]types.Entry, error) {
	return s.ranks.TopN(ctx, n)
}

// Rank returns the rank and reputation of an athlete.
func (s *Service) Rank(ctx context.Context, athleteID string) (types.Entry, error) {
	return s.ranks.Rank(ctx, athleteID)
}

// Sweep recalculates every athlete's reputation so time-dependent terms
// (tenure, streak grace) stay current. It returns the number updated.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	start := time.Now()
	profiles, err := s.store.ListProfiles(ctx)
	if err != nil {
		return 0, fmt.Errorf("list profiles: %w", err)
	}

	var errs []error
	updated := 0
	for _, p := range profiles {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if _, err := s.reputation.Recalculate(ctx, p.AthleteID); err != nil {
			metrics.RecordReputationError()
			errs = append(errs, fmt.Errorf("%s: %w", p.AthleteID, err))
			continue
		}
		updated++
	}

	s.sweeps.Add(1)
	s.lastSweep.Store(time.Now().Unix())
	s.logger.Info(ctx, "reputation sweep finished",
		logger.Int("athletes", len(profiles)),
		logger.Int("updated", updated),
		logger.Duration("took", time.Since(start)))
	return updated, errors.Join(errs...)
}

func (s *Service) loadRanks(ctx context.Context) error {
	profiles, err := s.store.ListProfiles(ctx)
	if err != nil {
		return err
	}
	scores := make(map[string]int, len(profiles))
	for _, p := range profiles {
		if !p.ReputationUpdatedAt.IsZero() {
			scores[p.AthleteID] = p.Reputation
		}
	}
	return s.ranks.Load(ctx, scores)
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx := context.Background()
	stats := map[string]any{
		"started":      s.started,
		"workerCount":  s.workerCount,
		"queueSize":    s.queueSize,
		"inflightSize": s.inflightSize,
		"completed":    s.completed.Load(),
		"failed":       s.failed.Load(),
		"abandoned":    s.abandoned.Load(),
		"recovered":    s.recovered.Load(),
		"sweeps":       s.sweeps.Load(),
		"rankedAthletes": s.ranks.Count(ctx),
	}
	if ts := s.lastSweep.Load(); ts > 0 {
		stats["lastSweep"] = time.Unix(ts, 0).UTC().Format(time.RFC3339)
	}
	if s.started {
		stats["queueLength"] = s.queue.Len()
		stats["inFlight"] = s.deduper.Size()
		stats["running"] = s.pool.Running()
	}
	return stats
}

func uploadName(name string) string {
	base := filepath.Base(filepath.Clean("/" + name))
	if base == "/" || base == "." || base == "" {
		return "upload"
	}
	return base
}

func writeUpload(path string, body io.Reader) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("stage upload: %w", err)
	}
	if _, err := io.Copy(f, body); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: read upload: %w", submission.ErrInvalidRequest, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("stage upload: %w", err)
	}
	return nil
}

// cronLogger routes cron's own messages into the service logger.
type cronLogger struct {
	l logger.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug(context.Background(), "cron: "+msg, logger.Any("details", keysAndValues))
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error(context.Background(), "cron: "+msg, logger.Error(err), logger.Any("details", keysAndValues))
}
