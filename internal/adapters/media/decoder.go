package media

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/okian/trustrep/internal/domain/analysis"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// FrameDecoder opens videos as RGB frame sources for motion analysis.
type FrameDecoder struct {
	fps       int
	maxHeight int
	stall     time.Duration
	prober    *Prober
}

// NewFrameDecoder creates a decoder sampling at the analysis frame rate.
func NewFrameDecoder(opts ...DecoderOption) *FrameDecoder {
	d := &FrameDecoder{
		fps:       DefaultAnalysisFPS,
		maxHeight: DefaultMaxHeight,
		stall:     DefaultStallTimeout,
		prober:    NewProber(0),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// OpenFrames starts decoding path. The returned source must be closed.
func (d *FrameDecoder) OpenFrames(ctx context.Context, path string) (analysis.FrameSource, error) {
	srcW, srcH, err := d.prober.Dimensions(ctx, path)
	if err != nil {
		return nil, err
	}
	width, height := scaleDimensions(srcW, srcH, d.maxHeight)

	ensureInit()
	pipeline, err := gst.NewPipelineFromString(fmt.Sprintf(
		"filesrc location=%s ! decodebin name=dec "+
			"queue name=video ! videoconvert ! videoscale ! videorate ! "+
			"video/x-raw,format=RGB,width=%d,height=%d,framerate=%d/1 ! "+
			"appsink name=frames sync=false max-buffers=4",
		quote(path), width, height, d.fps))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPipeline, err)
	}
	linker, err := linkDecoded(pipeline, "dec", "video")
	if err != nil {
		teardown(pipeline)
		return nil, err
	}
	elem, err := pipeline.GetElementByName("frames")
	if err != nil {
		teardown(pipeline)
		return nil, fmt.Errorf("%w: %w", ErrPipeline, err)
	}
	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		teardown(pipeline)
		return nil, fmt.Errorf("%w: play: %w", ErrPipeline, err)
	}
	return &frameSource{
		pipeline: pipeline,
		linker:   linker,
		sink:     app.SinkFromElement(elem),
		stall:    d.stall,
		width:    width,
		height:   height,
		fps:      float64(d.fps),
	}, nil
}

type frameSource struct {
	mu       sync.Mutex
	pipeline *gst.Pipeline
	linker   *decodeLinker
	sink     *app.Sink
	stall    time.Duration
	width    int
	height   int
	fps      float64
	n        int
	closed   bool
}

// Next returns the next frame. Frame n carries timestamp n/fps.
func (s *frameSource) Next(ctx context.Context) (analysis.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return analysis.Frame{}, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return analysis.Frame{}, err
	}

	sample, err := s.pull(ctx)
	if err != nil {
		return analysis.Frame{}, err
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return analysis.Frame{}, fmt.Errorf("%w: sample without buffer", ErrPipeline)
	}
	mapped := buffer.Map(gst.MapRead)
	data := mapped.Bytes()
	pixels := make([]byte, len(data))
	copy(pixels, data)
	buffer.Unmap()

	frame := analysis.Frame{
		Timestamp: float64(s.n) / s.fps,
		Width:     s.width,
		Height:    s.height,
		Pixels:    pixels,
	}
	s.n++
	return frame, nil
}

// pull waits for the next sample. It returns io.EOF at end of stream and
// fails once no sample arrived within the stall timeout.
func (s *frameSource) pull(ctx context.Context) (*gst.Sample, error) {
	deadline := time.Now().Add(s.stall)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if sample := s.sink.TryPullSample(defaultPoll); sample != nil {
			return sample, nil
		}
		if s.sink.IsEOS() {
			return nil, io.EOF
		}
		if err := s.busError(); err != nil {
			return nil, err
		}
		if err := s.linker.failure(); err != nil {
			return nil, err
		}
		if s.stall > 0 && time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: no frame decoded for %s", ErrPipeline, s.stall)
		}
	}
}

func (s *frameSource) busError() error {
	msg := s.pipeline.GetPipelineBus().TimedPop(0)
	for msg != nil {
		if msg.Type() == gst.MessageError {
			return fmt.Errorf("%w: %s", ErrPipeline, msg.ParseError().Error())
		}
		msg = s.pipeline.GetPipelineBus().TimedPop(0)
	}
	return nil
}

// Close stops decoding and releases the pipeline.
func (s *frameSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("%w: %w", ErrPipeline, err)
	}
	return nil
}
