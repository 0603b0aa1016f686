package submission

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"time"

	"github.com/okian/trustrep/internal/domain/model"
	"github.com/okian/trustrep/pkg/logger"
	"github.com/okian/trustrep/pkg/metrics"
)

// progressStep is the minimum progress delta between two progress events.
const progressStep = 5.0

// run is one execution of the pipeline for a single checkpoint.
type run struct {
	o        *Orchestrator
	cp       *model.Checkpoint
	emit     func(Event)
	stageCtx context.Context
	m        machine
	log      logger.Logger
}

func (r *run) execute(ctx context.Context) error {
	if r.cp.Stage == model.StageFailed {
		r.m = machine{stage: model.StageFailed}
		if err := r.m.advance(model.StageIdle); err != nil {
			return err
		}
	}
	r.cp.Stage = model.StageIdle
	r.cp.FailedStage = ""
	r.cp.FailureReason = ""
	if err := r.save(); err != nil {
		return r.fail(model.StageIdle, err)
	}
	r.publish(Event{Stage: model.StageIdle})

	for _, st := range pipeline {
		if r.done(st) {
			r.log.Debug(ctx, "stage already done", logger.String("stage", string(st)))
			continue
		}
		if err := ctx.Err(); err != nil {
			return r.fail(st, fmt.Errorf("cancelled before start: %w", err))
		}
		if err := r.m.advance(st); err != nil {
			return r.fail(st, err)
		}
		r.cp.Stage = st
		if err := r.save(); err != nil {
			return r.fail(st, err)
		}
		r.publish(Event{Stage: st})

		start := time.Now()
		err := r.runStage(st)
		metrics.RecordStageDuration(string(st), float64(time.Since(start).Milliseconds()))
		if err != nil {
			return r.fail(st, err)
		}
	}

	if err := r.m.advance(model.StageComplete); err != nil {
		return r.fail(r.m.stage, err)
	}
	r.cp.Stage = model.StageComplete
	r.cp.Completed = true
	if err := r.save(); err != nil {
		return r.fail(model.StageRegistering, err)
	}
	r.o.removeArtifact(r.stageCtx, r.cp)
	metrics.RecordSubmissionCompleted(string(r.cp.Kind))
	r.log.Info(r.stageCtx, "submission complete",
		logger.String("registration_id", r.cp.RegistrationID),
		logger.String("transaction_ref", r.cp.TransactionRef))
	r.publish(Event{Stage: model.StageComplete})
	return nil
}

// done reports whether the output of st is already persisted.
func (r *run) done(st model.Stage) bool {
	switch st {
	case model.StageCompressing:
		return r.cp.StorageURL != "" || fileExists(r.cp.CompressedPath)
	case model.StageUploading:
		return r.cp.StorageURL != ""
	case model.StageCreatingRecord:
		return r.cp.RecordCreated
	case model.StageAnalyzing:
		return r.cp.Metadata != nil
	case model.StageUpdatingMetadata:
		return r.cp.MetadataStored
	case model.StageRegistering:
		return r.cp.Completed
	}
	return false
}

func (r *run) runStage(st model.Stage) error {
	switch st {
	case model.StageCompressing:
		return r.compress()
	case model.StageUploading:
		return r.upload()
	case model.StageCreatingRecord:
		return r.createRecord()
	case model.StageAnalyzing:
		return r.analyze()
	case model.StageUpdatingMetadata:
		return r.updateMetadata()
	case model.StageRegistering:
		return r.register()
	}
	return fmt.Errorf("%w: no handler for %s", ErrIllegalTransition, st)
}

func (r *run) compress() error {
	if r.cp.Kind == model.KindAudio {
		r.cp.CompressedPath = r.cp.SourcePath
		r.progress(model.StageCompressing)(100)
		return r.save()
	}
	if err := os.MkdirAll(r.o.workDir, 0o750); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	dst := filepath.Join(r.o.workDir, r.cp.AssetID+".webm")
	if err := r.o.transcoder.Transcode(r.stageCtx, r.cp.SourcePath, dst, r.progress(model.StageCompressing)); err != nil {
		_ = os.Remove(dst)
		return fmt.Errorf("transcode: %w", err)
	}
	r.cp.CompressedPath = dst
	return r.save()
}

func (r *run) upload() error {
	f, err := os.Open(r.cp.CompressedPath)
	if err != nil {
		return fmt.Errorf("open media: %w", err)
	}
	defer func() { _ = f.Close() }()
	st, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat media: %w", err)
	}

	ext := r.mediaExt()
	path := ObjectPath(r.cp.AthleteID, r.cp.Kind, r.cp.AssetID, ext)
	body := &progressReader{r: f, total: st.Size(), report: r.progress(model.StageUploading)}
	url, err := r.o.objects.Put(r.stageCtx, path, body, contentType(r.cp.Kind, ext))
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	r.cp.ObjectPath = path
	r.cp.StorageURL = url
	return r.save()
}

func (r *run) createRecord() error {
	now := r.o.now().UTC()
	asset := &model.Asset{
		ID:         r.cp.AssetID,
		AthleteID:  r.cp.AthleteID,
		Kind:       r.cp.Kind,
		Status:     model.StatusPending,
		ObjectPath: r.cp.ObjectPath,
		StorageURL: r.cp.StorageURL,
		CreatedAt:  r.cp.CreatedAt,
		UpdatedAt:  now,
	}
	err := r.o.assets.CreateAsset(r.stageCtx, asset)
	switch {
	case errors.Is(err, model.ErrAlreadyExists):
		r.log.Debug(r.stageCtx, "asset record already exists")
	case err != nil:
		return fmt.Errorf("create asset: %w", err)
	}
	r.cp.RecordCreated = true
	return r.save()
}

func (r *run) analyze() error {
	path, err := r.localMedia()
	if err != nil {
		return err
	}
	asset, err := r.o.assets.GetAsset(r.stageCtx, r.cp.AssetID)
	if err != nil {
		return fmt.Errorf("load asset: %w", err)
	}
	md, err := r.o.analyzer.Analyze(r.stageCtx, asset, path)
	if err != nil {
		return fmt.Errorf("analysis: %w", err)
	}
	if md == nil || md.Kind != r.cp.Kind {
		return fmt.Errorf("%w: want %s", ErrMetadataMismatch, r.cp.Kind)
	}
	r.cp.Metadata = md
	return r.save()
}

func (r *run) updateMetadata() error {
	if err := r.o.assets.UpdateMetadata(r.stageCtx, r.cp.AssetID, r.cp.Metadata); err != nil {
		return fmt.Errorf("store metadata: %w", err)
	}
	r.cp.MetadataStored = true
	return r.save()
}

func (r *run) register() error {
	if r.cp.RegistrationID == "" {
		reg, err := r.o.registrar.Register(r.stageCtx, RegistrationRequest{
			AssetID:   r.cp.AssetID,
			AthleteID: r.cp.AthleteID,
			Kind:      r.cp.Kind,
			MediaURL:  r.cp.StorageURL,
			Metadata:  r.cp.Metadata,
			Context:   r.cp.Context,
		})
		if err != nil {
			return fmt.Errorf("register: %w", err)
		}
		if reg.RegistrationID == "" {
			return errors.New("register: empty registration id")
		}
		r.cp.RegistrationID = reg.RegistrationID
		r.cp.TransactionRef = reg.TransactionRef
		if err := r.save(); err != nil {
			return err
		}
	}

	err := r.o.assets.ActivateAsset(r.stageCtx, r.cp.AssetID, r.cp.RegistrationID, r.cp.TransactionRef, r.o.now().UTC())
	if err != nil {
		return fmt.Errorf("activate asset: %w", err)
	}
	if r.o.reputation != nil {
		if _, err := r.o.reputation.Recalculate(r.stageCtx, r.cp.AthleteID); err != nil {
			metrics.RecordReputationError()
			r.log.Warn(r.stageCtx, "reputation recalculation failed", logger.Error(err))
		}
	}
	return nil
}

// localMedia returns a local copy of the uploaded media, fetching it back
// from object storage when the transcoded file is gone.
func (r *run) localMedia() (string, error) {
	if fileExists(r.cp.CompressedPath) {
		return r.cp.CompressedPath, nil
	}
	if r.cp.ObjectPath == "" {
		return "", errors.New("media is neither local nor uploaded")
	}
	if err := os.MkdirAll(r.o.workDir, 0o750); err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}
	src, err := r.o.objects.Open(r.stageCtx, r.cp.ObjectPath)
	if err != nil {
		return "", fmt.Errorf("fetch media: %w", err)
	}
	defer func() { _ = src.Close() }()

	dst := filepath.Join(r.o.workDir, r.cp.AssetID+"-fetched"+r.mediaExt())
	out, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("fetch media: %w", err)
	}
	if _, err := io.Copy(out, src); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return "", fmt.Errorf("fetch media: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("fetch media: %w", err)
	}
	r.log.Info(r.stageCtx, "media fetched from object storage", logger.String("object_path", r.cp.ObjectPath))
	r.cp.CompressedPath = dst
	return dst, r.save()
}

func (r *run) mediaExt() string {
	if r.cp.Kind == model.KindVideo {
		return ".webm"
	}
	if ext := filepath.Ext(r.cp.FileName); ext != "" {
		return ext
	}
	return filepath.Ext(r.cp.SourcePath)
}

func (r *run) fail(st model.Stage, cause error) error {
	serr := &StageError{Stage: st, Reason: cause.Error(), Err: cause}
	r.m.stage = model.StageFailed
	r.cp.Stage = model.StageFailed
	r.cp.FailedStage = st
	r.cp.FailureReason = serr.Reason
	if err := r.save(); err != nil {
		r.log.Error(r.stageCtx, "persist failed checkpoint", logger.Error(err))
	}
	metrics.RecordSubmissionFailed(string(st))
	metrics.RecordErrorByComponent("orchestrator", string(st))
	r.log.Warn(r.stageCtx, "submission failed", logger.String("stage", string(st)), logger.Error(cause))
	r.publish(Event{Stage: model.StageFailed, Err: serr})
	return serr
}

func (r *run) save() error {
	r.cp.UpdatedAt = r.o.now().UTC()
	if err := r.o.checkpoints.SaveCheckpoint(r.stageCtx, r.cp); err != nil {
		return fmt.Errorf("persist checkpoint: %w", err)
	}
	return nil
}

func (r *run) publish(ev Event) {
	ev.AssetID = r.cp.AssetID
	r.emit(ev)
	if r.o.publisher == nil {
		return
	}
	err := r.o.publisher.Publish(r.stageCtx, ev)
	metrics.RecordEventPublished(err != nil)
	if err != nil {
		r.log.Debug(r.stageCtx, "event publish failed", logger.Error(err))
	}
}

// progress returns a reporter that emits progress events for st, at most one
// per progressStep plus the final 100.
func (r *run) progress(st model.Stage) func(float64) {
	last := -progressStep
	return func(p float64) {
		p = min(max(p, 0), 100)
		if p-last < progressStep && !(p == 100 && last < 100) {
			return
		}
		last = p
		r.publish(Event{Stage: st, Progress: &p})
	}
}

// ObjectPath is where the media of an asset is stored.
func ObjectPath(athleteID string, kind model.Kind, assetID, ext string) string {
	return fmt.Sprintf("athletes/%s/%s/%s%s", athleteID, kind, assetID, ext)
}

func contentType(kind model.Kind, ext string) string {
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	if kind == model.KindVideo {
		return "video/webm"
	}
	return "application/octet-stream"
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	st, err := os.Stat(path)
	return err == nil && st.Mode().IsRegular()
}

// progressReader reports how much of the body has been read.
type progressReader struct {
	r      io.Reader
	total  int64
	read   int64
	report func(float64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	if p.total > 0 {
		p.report(float64(p.read) * 100 / float64(p.total))
	}
	return n, err
}
