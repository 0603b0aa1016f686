package media

import (
	"time"

	"github.com/okian/trustrep/pkg/logger"
)

// Defaults of the transcode profile.
const (
	DefaultMaxHeight    = 720
	DefaultFPS          = 30
	DefaultBitrate      = 1_500_000
	DefaultAnalysisFPS  = 15
	DefaultStallTimeout = 30 * time.Second
	defaultPoll         = 100 * time.Millisecond
	defaultPreroll      = 10 * time.Second
)

// DefaultEncoders is the encoder preference order.
var DefaultEncoders = []string{"vp9enc", "vp8enc"}

// Option applies a configuration option to the Transcoder.
type Option func(*Transcoder)

// WithEncoders sets the encoder preference order.
func WithEncoders(names ...string) Option {
	return func(t *Transcoder) {
		if len(names) > 0 {
			t.encoders = names
		}
	}
}

// WithBitrate sets the target bitrate in bits per second.
func WithBitrate(bps int) Option {
	return func(t *Transcoder) {
		if bps > 0 {
			t.bitrate = bps
		}
	}
}

// WithMaxHeight caps the output height. Smaller sources are not upscaled.
func WithMaxHeight(h int) Option {
	return func(t *Transcoder) {
		if h > 0 {
			t.maxHeight = h
		}
	}
}

// WithFPS fixes the output frame rate.
func WithFPS(fps int) Option {
	return func(t *Transcoder) {
		if fps > 0 {
			t.fps = fps
		}
	}
}

// WithStallTimeout fails a transcode whose position has not advanced for d.
// Zero disables the check.
func WithStallTimeout(d time.Duration) Option {
	return func(t *Transcoder) {
		if d >= 0 {
			t.stall = d
		}
	}
}

// WithLogger sets the transcoder logger.
func WithLogger(l logger.Logger) Option {
	return func(t *Transcoder) {
		if l != nil {
			t.log = l
		}
	}
}

// DecoderOption applies a configuration option to the FrameDecoder.
type DecoderOption func(*FrameDecoder)

// WithAnalysisFPS sets the rate frames are sampled at.
func WithAnalysisFPS(fps int) DecoderOption {
	return func(d *FrameDecoder) {
		if fps > 0 {
			d.fps = fps
		}
	}
}

// WithAnalysisMaxHeight caps the height of decoded frames.
func WithAnalysisMaxHeight(h int) DecoderOption {
	return func(d *FrameDecoder) {
		if h > 0 {
			d.maxHeight = h
		}
	}
}

// WithDecoderStallTimeout fails Next when no frame was decoded for d. Zero
// disables the check.
func WithDecoderStallTimeout(timeout time.Duration) DecoderOption {
	return func(d *FrameDecoder) {
		if timeout >= 0 {
			d.stall = timeout
		}
	}
}
