// Package submission drives a recording through compression, upload, record
// creation, analysis and registration.
//
// Every identifier a stage produces is written to the checkpoint as soon as
// the stage returns it, so a failed or interrupted run can be resumed from the
// first stage whose output is missing. No stage is retried automatically.
package submission

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/okian/trustrep/internal/domain/model"
	"github.com/okian/trustrep/pkg/logger"
	"github.com/okian/trustrep/pkg/metrics"
)

const defaultEventBuffer = 32

// Request is a new submission.
type Request struct {
	AthleteID  string
	Kind       string
	SourcePath string
	FileName   string
	Context    map[string]string
}

// Orchestrator runs submission pipelines. Runs for different assets share no
// mutable state; callers must not run two pipelines for one asset at once.
type Orchestrator struct {
	transcoder  Transcoder
	objects     ObjectStore
	assets      AssetStore
	profiles    ProfileStore
	checkpoints CheckpointStore
	analyzer    Analyzer
	registrar   Registrar

	reputation ReputationCalculator
	publisher  EventPublisher

	workDir     string
	eventBuffer int
	now         func() time.Time
	newID       func() string
	log         logger.Logger
}

// New creates an orchestrator. Every field of deps is required.
func New(deps Deps, opts ...Option) (*Orchestrator, error) {
	missing := []string{}
	if deps.Transcoder == nil {
		missing = append(missing, "transcoder")
	}
	if deps.Objects == nil {
		missing = append(missing, "object store")
	}
	if deps.Assets == nil {
		missing = append(missing, "asset store")
	}
	if deps.Profiles == nil {
		missing = append(missing, "profile store")
	}
	if deps.Checkpoints == nil {
		missing = append(missing, "checkpoint store")
	}
	if deps.Analyzer == nil {
		missing = append(missing, "analyzer")
	}
	if deps.Registrar == nil {
		missing = append(missing, "registrar")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingDependency, strings.Join(missing, ", "))
	}

	o := &Orchestrator{
		transcoder:  deps.Transcoder,
		objects:     deps.Objects,
		assets:      deps.Assets,
		profiles:    deps.Profiles,
		checkpoints: deps.Checkpoints,
		analyzer:    deps.Analyzer,
		registrar:   deps.Registrar,
		workDir:     filepath.Join(os.TempDir(), "trustrep"),
		eventBuffer: defaultEventBuffer,
		now:         time.Now,
		newID:       uuid.NewString,
		log:         logger.Get().Named("orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Start validates req and persists a fresh checkpoint in the Idle stage.
// Input errors are returned before anything is written.
func (o *Orchestrator) Start(ctx context.Context, req Request) (*model.Checkpoint, error) {
	if strings.TrimSpace(req.AthleteID) == "" {
		return nil, fmt.Errorf("%w: athlete id is required", ErrInvalidRequest)
	}
	kind, err := model.ParseKind(req.Kind)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if err := checkReadable(req.SourcePath); err != nil {
		return nil, err
	}
	if _, err := o.profiles.GetProfile(ctx, req.AthleteID); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownAthlete, req.AthleteID)
		}
		return nil, fmt.Errorf("resolve athlete: %w", err)
	}

	now := o.now().UTC()
	cp := &model.Checkpoint{
		AssetID:    o.newID(),
		AthleteID:  req.AthleteID,
		Kind:       kind,
		SourcePath: req.SourcePath,
		FileName:   req.FileName,
		Context:    req.Context,
		Stage:      model.StageIdle,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := o.checkpoints.SaveCheckpoint(ctx, cp); err != nil {
		return nil, fmt.Errorf("persist checkpoint: %w", err)
	}
	metrics.RecordSubmissionStarted(string(kind))
	o.log.Info(ctx, "submission accepted",
		logger.String("asset_id", cp.AssetID),
		logger.String("athlete_id", cp.AthleteID),
		logger.String("kind", string(kind)))
	return cp.Clone(), nil
}

// PrepareResume checks that assetID can be resumed.
func (o *Orchestrator) PrepareResume(ctx context.Context, assetID string) (*model.Checkpoint, error) {
	cp, err := o.load(ctx, assetID)
	if err != nil {
		return nil, err
	}
	if cp.Completed {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyComplete, assetID)
	}
	if cp.Abandoned {
		return nil, fmt.Errorf("%w: %s", ErrAbandoned, assetID)
	}
	return cp, nil
}

// Submit starts a new pipeline and streams its events. The channel closes
// after the Complete or Failed event. The caller must drain the channel or
// cancel ctx: once ctx ends, events that do not fit the buffer are dropped
// and the pipeline stops at the next stage boundary.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (<-chan Event, error) {
	cp, err := o.Start(ctx, req)
	if err != nil {
		return nil, err
	}
	return o.stream(ctx, cp.AssetID), nil
}

// Resume re-runs a pipeline from its first incomplete stage. The channel
// follows the same contract as Submit's.
func (o *Orchestrator) Resume(ctx context.Context, assetID string) (<-chan Event, error) {
	if _, err := o.PrepareResume(ctx, assetID); err != nil {
		return nil, err
	}
	return o.stream(ctx, assetID), nil
}

func (o *Orchestrator) stream(ctx context.Context, assetID string) <-chan Event {
	ch := make(chan Event, o.eventBuffer)
	go func() {
		defer close(ch)
		_ = o.Execute(ctx, assetID, func(ev Event) {
			select {
			case ch <- ev:
				return
			default:
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
			}
		})
	}()
	return ch
}

// Checkpoint returns the persisted state of a submission.
func (o *Orchestrator) Checkpoint(ctx context.Context, assetID string) (*model.Checkpoint, error) {
	return o.load(ctx, assetID)
}

// Abandon gives up on a submission for good. A created asset is marked
// failed so it never contributes to scoring, and resume is refused afterwards.
// It must not be called while a pipeline for the asset is running.
func (o *Orchestrator) Abandon(ctx context.Context, assetID, reason string) (*model.Checkpoint, error) {
	cp, err := o.load(ctx, assetID)
	if err != nil {
		return nil, err
	}
	if cp.Completed {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyComplete, assetID)
	}
	if cp.Abandoned {
		return cp, nil
	}
	if reason == "" {
		reason = "abandoned"
	} else {
		reason = "abandoned: " + reason
	}
	now := o.now().UTC()
	if cp.RecordCreated {
		if err := o.assets.FailAsset(ctx, assetID, now); err != nil {
			return nil, fmt.Errorf("mark asset failed: %w", err)
		}
	}
	if cp.Stage != model.StageFailed {
		cp.FailedStage = cp.Stage
	}
	cp.Stage = model.StageFailed
	cp.Abandoned = true
	cp.FailureReason = reason
	cp.UpdatedAt = now
	if err := o.checkpoints.SaveCheckpoint(ctx, cp); err != nil {
		return nil, fmt.Errorf("persist checkpoint: %w", err)
	}
	o.removeArtifact(ctx, cp)
	if o.reputation != nil && cp.RecordCreated {
		if _, err := o.reputation.Recalculate(ctx, cp.AthleteID); err != nil {
			o.log.Warn(ctx, "reputation recalculation failed", logger.String("athlete_id", cp.AthleteID), logger.Error(err))
		}
	}
	o.log.Info(ctx, "submission abandoned", logger.String("asset_id", assetID), logger.String("reason", reason))
	return cp.Clone(), nil
}

// Execute runs the pipeline for a persisted checkpoint and calls emit for
// every event. Stages run to completion once started; ctx is only consulted
// between stages. The returned error is a *StageError for pipeline failures.
func (o *Orchestrator) Execute(ctx context.Context, assetID string, emit func(Event)) error {
	cp, err := o.PrepareResume(ctx, assetID)
	if err != nil {
		return err
	}
	if emit == nil {
		emit = func(Event) {}
	}
	resumed := cp.Stage != model.StageIdle
	if resumed {
		metrics.RecordSubmissionResumed()
		o.log.Info(ctx, "resuming submission",
			logger.String("asset_id", assetID),
			logger.String("last_stage", string(cp.Stage)),
			logger.String("failed_stage", string(cp.FailedStage)))
	}

	metrics.AddSubmissionsInFlight(1)
	defer metrics.AddSubmissionsInFlight(-1)

	r := &run{
		o:        o,
		cp:       cp,
		emit:     emit,
		stageCtx: context.WithoutCancel(ctx),
		m:        machine{stage: model.StageIdle},
		log:      o.log.With(logger.String("asset_id", assetID)),
	}
	return r.execute(ctx)
}

func (o *Orchestrator) load(ctx context.Context, assetID string) (*model.Checkpoint, error) {
	if assetID == "" {
		return nil, fmt.Errorf("%w: empty asset id", ErrNotFound)
	}
	cp, err := o.checkpoints.LoadCheckpoint(ctx, assetID)
	if errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, assetID)
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return cp, nil
}

// removeArtifact deletes the transcoded file the pipeline wrote.
func (o *Orchestrator) removeArtifact(ctx context.Context, cp *model.Checkpoint) {
	if cp.CompressedPath == "" || cp.CompressedPath == cp.SourcePath {
		return
	}
	if err := os.Remove(cp.CompressedPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		o.log.Warn(ctx, "remove transcoded file", logger.String("path", cp.CompressedPath), logger.Error(err))
	}
}

func checkReadable(path string) error {
	if path == "" {
		return fmt.Errorf("%w: no source file", ErrInvalidRequest)
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnreadableSource, err)
	}
	defer func() { _ = f.Close() }()
	st, err := f.Stat()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnreadableSource, err)
	}
	if !st.Mode().IsRegular() || st.Size() == 0 {
		return fmt.Errorf("%w: %s is empty or not a regular file", ErrUnreadableSource, path)
	}
	return nil
}
