package analysis

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/okian/trustrep/internal/domain/model"
	"github.com/okian/trustrep/pkg/metrics"
)

// AudioAnalyzer records duration and size of an audio asset.
type AudioAnalyzer struct {
	prober Prober
}

// NewAudioAnalyzer creates an audio analyzer.
func NewAudioAnalyzer(prober Prober) *AudioAnalyzer {
	return &AudioAnalyzer{prober: prober}
}

// Analyze probes the audio file at mediaPath.
func (a *AudioAnalyzer) Analyze(ctx context.Context, _ *model.Asset, mediaPath string) (*model.Metadata, error) {
	if mediaPath == "" {
		return nil, ErrNoMediaPath
	}
	start := time.Now()
	st, err := os.Stat(mediaPath)
	if err != nil {
		return nil, fmt.Errorf("stat audio: %w", err)
	}
	d, err := a.prober.Duration(ctx, mediaPath)
	if err != nil {
		return nil, fmt.Errorf("probe audio: %w", err)
	}
	metrics.RecordAnalysisDuration(string(model.KindAudio), float64(time.Since(start).Milliseconds()))
	return model.NewAudioMetadata(model.AudioMetrics{
		DurationSeconds: d.Seconds(),
		SizeBytes:       st.Size(),
	}), nil
}
