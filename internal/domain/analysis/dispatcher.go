package analysis

import (
	"context"
	"fmt"

	"github.com/okian/trustrep/internal/domain/model"
)

// KindAnalyzer analyses one kind of asset.
type KindAnalyzer interface {
	Analyze(ctx context.Context, asset *model.Asset, mediaPath string) (*model.Metadata, error)
}

// Dispatcher routes an asset to the analyzer for its kind.
type Dispatcher struct {
	video KindAnalyzer
	audio KindAnalyzer
}

// NewDispatcher creates a dispatcher. Either analyzer may be nil.
func NewDispatcher(video, audio KindAnalyzer) *Dispatcher {
	return &Dispatcher{video: video, audio: audio}
}

// Analyze implements the orchestrator's Analyzer.
func (d *Dispatcher) Analyze(ctx context.Context, asset *model.Asset, mediaPath string) (*model.Metadata, error) {
	var a KindAnalyzer
	switch asset.Kind {
	case model.KindVideo:
		a = d.video
	case model.KindAudio:
		a = d.audio
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedKind, asset.Kind)
	}
	if a == nil {
		return nil, fmt.Errorf("%w: %s", ErrAnalyzerDisabled, asset.Kind)
	}
	return a.Analyze(ctx, asset, mediaPath)
}
