package repetition

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/okian/trustrep/internal/domain/model"
	"github.com/okian/trustrep/pkg/logger"
	"github.com/okian/trustrep/pkg/metrics"
)

// JointSource yields poses in playback order. Next returns io.EOF at end of video.
type JointSource interface {
	Next(ctx context.Context) (model.JointFrame, error)
}

// Observer sees every frame the runner feeds to the machine.
type Observer func(frame model.JointFrame, res FrameResult)

// Runner is the frame loop for one analysis pass.
type Runner struct {
	machine   *Machine
	source    JointSource
	observers []Observer
	log       logger.Logger

	skipped   int
	lastCount int
}

// NewRunner creates a runner that feeds frames from source into machine.
func NewRunner(machine *Machine, source JointSource, opts ...RunnerOption) *Runner {
	r := &Runner{
		machine: machine,
		source:  source,
		log:     logger.Get().Named("repetition"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run processes frames until end of video or cancellation. On cancellation the
// partial record is returned together with ctx.Err().
func (r *Runner) Run(ctx context.Context) (model.RepetitionRecord, error) {
	for {
		if err := ctx.Err(); err != nil {
			return r.machine.Result(), err
		}

		frame, err := r.source.Next(ctx)
		if errors.Is(err, io.EOF) {
			rec := r.machine.Result()
			r.log.Debug(ctx, "end of video",
				logger.Int("reps", rec.Count),
				logger.Int("skipped_frames", r.skipped))
			return rec, nil
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return r.machine.Result(), ctxErr
			}
			return r.machine.Result(), fmt.Errorf("read frame: %w", err)
		}

		res, err := r.machine.ProcessFrame(frame)
		if err != nil {
			// Bad timestamps are dropped; the pass continues with the next frame.
			r.skipped++
			r.log.Warn(ctx, "frame skipped", logger.Error(err))
			continue
		}
		metrics.RecordFrameProcessed(!res.PoseDetected)
		if res.RepCount > r.lastCount {
			r.lastCount = res.RepCount
			metrics.RecordRepCounted()
		}
		for _, fn := range r.observers {
			fn(frame, res)
		}
	}
}

// Skipped returns how many frames were rejected by the machine.
func (r *Runner) Skipped() int { return r.skipped }
