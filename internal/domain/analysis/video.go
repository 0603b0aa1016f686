// Package analysis turns stored media into asset metadata.
package analysis

import (
	"context"
	"fmt"
	"time"

	"github.com/okian/trustrep/internal/domain/model"
	"github.com/okian/trustrep/internal/domain/repetition"
	"github.com/okian/trustrep/internal/domain/scoring"
	"github.com/okian/trustrep/pkg/logger"
	"github.com/okian/trustrep/pkg/metrics"
)

// VideoAnalyzer counts reps in a video and derives its motion metrics.
type VideoAnalyzer struct {
	frames      FrameOpener
	estimator   PoseEstimator
	verifier    HumanVerifier
	machineOpts []repetition.Option
	log         logger.Logger
}

// NewVideoAnalyzer creates a video analyzer.
func NewVideoAnalyzer(frames FrameOpener, estimator PoseEstimator, opts ...Option) *VideoAnalyzer {
	a := &VideoAnalyzer{
		frames:    frames,
		estimator: estimator,
		log:       logger.Get().Named("video_analyzer"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Analyze runs one full pass over the video at mediaPath. It blocks until end
// of video or cancellation.
func (a *VideoAnalyzer) Analyze(ctx context.Context, asset *model.Asset, mediaPath string) (*model.Metadata, error) {
	if mediaPath == "" {
		return nil, ErrNoMediaPath
	}
	start := time.Now()

	src, err := a.frames.OpenFrames(ctx, mediaPath)
	if err != nil {
		return nil, fmt.Errorf("open video: %w", err)
	}
	defer func() {
		if cerr := src.Close(); cerr != nil {
			a.log.Warn(ctx, "close frame source", logger.Error(cerr))
		}
	}()

	acc := NewAccumulator()
	runner := repetition.NewRunner(
		repetition.NewMachine(a.machineOpts...),
		&poseSource{frames: src, estimator: a.estimator},
		repetition.WithObserver(acc.Observe),
		repetition.WithRunnerLogger(a.log),
	)
	rec, err := runner.Run(ctx)
	if err != nil {
		return nil, err
	}

	vm := acc.Metrics(rec)
	if a.verifier != nil {
		conf, verr := a.verifier.VerifyHuman(ctx, asset, mediaPath)
		if verr != nil {
			a.log.Warn(ctx, "human verification failed, keeping landmark confidence",
				logger.String("asset_id", asset.ID), logger.Error(verr))
		} else {
			vm.HumanConfidence = clamp01(conf)
		}
	}

	metrics.RecordAnalysisDuration(string(model.KindVideo), float64(time.Since(start).Milliseconds()))
	metrics.RecordQualityScore(scoring.Quality(&vm))
	a.log.Info(ctx, "video analysed",
		logger.String("asset_id", asset.ID),
		logger.Int("reps", vm.RepCount),
		logger.Int("frames", vm.FramesAnalyzed),
		logger.Int("frames_with_pose", vm.FramesWithPose))
	return model.NewVideoMetadata(vm), nil
}

// poseSource adapts decoded frames into joint frames.
type poseSource struct {
	frames    FrameSource
	estimator PoseEstimator
}

func (p *poseSource) Next(ctx context.Context) (model.JointFrame, error) {
	f, err := p.frames.Next(ctx)
	if err != nil {
		return model.JointFrame{}, err
	}
	lms, err := p.estimator.Estimate(ctx, f)
	if err != nil {
		return model.JointFrame{}, fmt.Errorf("estimate pose at %.3fs: %w", f.Timestamp, err)
	}
	return model.JointFrame{Timestamp: f.Timestamp, Landmarks: lms}, nil
}
