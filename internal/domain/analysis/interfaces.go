package analysis

import (
	"context"
	"time"

	"github.com/okian/trustrep/internal/domain/model"
)

// Frame is one decoded RGB video frame.
type Frame struct {
	Timestamp float64
	Width     int
	Height    int
	Pixels    []byte
}

// FrameSource yields decoded frames in playback order. Next returns io.EOF at
// end of video. Close releases the decoder.
type FrameSource interface {
	Next(ctx context.Context) (Frame, error)
	Close() error
}

// FrameOpener opens a media file for frame-by-frame decoding.
type FrameOpener interface {
	OpenFrames(ctx context.Context, path string) (FrameSource, error)
}

// PoseEstimator turns a frame into body landmarks. An empty result means no
// pose was found in the frame.
type PoseEstimator interface {
	Estimate(ctx context.Context, frame Frame) ([]model.Landmark, error)
	Close() error
}

// HumanVerifier gives an independent estimate in [0,1] that the recording
// at mediaPath shows a real person exercising.
type HumanVerifier interface {
	VerifyHuman(ctx context.Context, asset *model.Asset, mediaPath string) (float64, error)
}

// Prober reads media container facts without decoding the whole file.
type Prober interface {
	Duration(ctx context.Context, path string) (time.Duration, error)
}
