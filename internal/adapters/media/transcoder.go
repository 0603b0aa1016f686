package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/okian/trustrep/pkg/logger"
	"github.com/okian/trustrep/pkg/metrics"
	"github.com/tinyzimmer/go-gst/gst"
)

// Transcoder re-encodes recordings to a WebM upload profile: height capped,
// fixed frame rate, VP9 or VP8 at a target bitrate, no audio.
type Transcoder struct {
	encoders  []string
	bitrate   int
	maxHeight int
	fps       int
	stall     time.Duration
	prober    *Prober
	available func(string) bool
	log       logger.Logger
}

// NewTranscoder creates a transcoder with the default profile.
func NewTranscoder(opts ...Option) *Transcoder {
	t := &Transcoder{
		encoders:  DefaultEncoders,
		bitrate:   DefaultBitrate,
		maxHeight: DefaultMaxHeight,
		fps:       DefaultFPS,
		stall:     DefaultStallTimeout,
		prober:    NewProber(0),
		available: elementAvailable,
		log:       logger.Get().Named("transcoder"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Transcode writes the re-encoded src to dst. Output goes to a ".part" file
// renamed on end-of-stream, so dst never holds partial output. progress is
// non-decreasing and reaches 100 only once dst exists.
func (t *Transcoder) Transcode(ctx context.Context, src, dst string, progress func(float64)) (err error) {
	if progress == nil {
		progress = func(float64) {}
	}
	start := time.Now()
	defer func() {
		if err != nil {
			metrics.RecordTranscodeFailure(failureReason(err))
		}
	}()

	if err := checkSource(src); err != nil {
		return err
	}
	encoder, err := t.pickEncoder()
	if err != nil {
		return err
	}
	srcW, srcH, err := t.prober.Dimensions(ctx, src)
	if err != nil {
		return err
	}
	width, height := scaleDimensions(srcW, srcH, t.maxHeight)

	part := dst + ".part"
	desc := t.describe(src, part, encoder, width, height)
	t.log.Debug(ctx, "transcode pipeline", logger.String("pipeline", desc))

	ensureInit()
	pipeline, err := gst.NewPipelineFromString(desc)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPipeline, err)
	}
	defer func() {
		teardown(pipeline)
		if err != nil {
			_ = os.Remove(part)
		}
	}()

	linker, err := linkDecoded(pipeline, "dec", "video")
	if err != nil {
		return err
	}
	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("%w: play: %w", ErrPipeline, err)
	}

	tracker := &progressTracker{report: progress}
	if err := t.pump(ctx, pipeline, linker, tracker); err != nil {
		return err
	}
	teardown(pipeline)
	if err := os.Rename(part, dst); err != nil {
		return fmt.Errorf("%w: finalize output: %w", ErrPipeline, err)
	}
	tracker.finish()

	metrics.RecordTranscodeDuration(float64(time.Since(start).Milliseconds()))
	metrics.RecordTranscodeEncoder(encoder)
	t.log.Info(ctx, "transcode complete",
		logger.String("encoder", encoder),
		logger.Int("width", width),
		logger.Int("height", height),
		logger.Duration("took", time.Since(start)))
	return nil
}

// pump drives the bus until EOS, an error or cancellation. It fails when the
// stream position has not advanced for the stall timeout.
func (t *Transcoder) pump(ctx context.Context, pipeline *gst.Pipeline, linker *decodeLinker, tracker *progressTracker) error {
	bus := pipeline.GetPipelineBus()
	lastPos := int64(-1)
	moved := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := linker.failure(); err != nil {
			return err
		}
		msg := bus.TimedPop(defaultPoll)
		if msg != nil {
			switch msg.Type() {
			case gst.MessageEOS:
				return nil
			case gst.MessageError:
				gerr := msg.ParseError()
				t.log.Warn(ctx, "transcode pipeline error",
					logger.String("error", gerr.Error()),
					logger.String("debug", gerr.DebugString()))
				if strings.Contains(gerr.Error(), "decode") || strings.Contains(gerr.Error(), "type") {
					return fmt.Errorf("%w: %s", ErrUnreadableSource, gerr.Error())
				}
				return fmt.Errorf("%w: %s", ErrPipeline, gerr.Error())
			}
		}
		okPos, pos := pipeline.QueryPosition(gst.FormatTime)
		okDur, dur := pipeline.QueryDuration(gst.FormatTime)
		if okPos && okDur {
			tracker.update(pos, dur)
		}
		if okPos && pos != lastPos {
			lastPos, moved = pos, time.Now()
		}
		if t.stall > 0 && time.Since(moved) > t.stall {
			return fmt.Errorf("%w: %w after %s", ErrPipeline, ErrStalled, t.stall)
		}
	}
}

func (t *Transcoder) pickEncoder() (string, error) {
	for _, name := range t.encoders {
		if t.available(name) {
			return name, nil
		}
	}
	return "", fmt.Errorf("%w: tried %s", ErrEncoderUnavailable, strings.Join(t.encoders, ", "))
}

// describe builds the gst-launch description of the transcode pipeline. The
// decodebin "dec" is linked to the "video" queue at runtime by linkDecoded;
// audio never reaches the output.
func (t *Transcoder) describe(src, dst, encoder string, width, height int) string {
	return fmt.Sprintf(
		"filesrc location=%s ! decodebin name=dec "+
			"queue name=video ! videoconvert ! videoscale ! videorate ! "+
			"video/x-raw,width=%d,height=%d,framerate=%d/1 ! "+
			"%s target-bitrate=%d deadline=1 ! webmmux ! filesink location=%s sync=false",
		quote(src), width, height, t.fps, encoder, t.bitrate, quote(dst))
}

// progressTracker converts position queries into a non-decreasing percentage
// that stays below 100 until finish.
type progressTracker struct {
	last   float64
	report func(float64)
}

func (p *progressTracker) update(pos, dur int64) {
	if dur <= 0 || pos < 0 {
		return
	}
	pct := min(float64(pos)*100/float64(dur), 99)
	if pct <= p.last {
		return
	}
	p.last = pct
	p.report(pct)
}

func (p *progressTracker) finish() {
	p.last = 100
	p.report(100)
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case errors.Is(err, ErrUnreadableSource):
		return "unreadable_source"
	case errors.Is(err, ErrEncoderUnavailable):
		return "encoder_unavailable"
	case errors.Is(err, ErrNoVideo):
		return "no_video"
	case errors.Is(err, ErrStalled):
		return "stalled"
	}
	return "pipeline"
}
