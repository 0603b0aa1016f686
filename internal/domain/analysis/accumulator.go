package analysis

import (
	"math"

	"github.com/okian/trustrep/internal/domain/model"
	"github.com/okian/trustrep/internal/domain/repetition"
)

// fullRange is the verticality swing treated as a complete range of motion.
const fullRange = repetition.DefaultExtensionThreshold

// Accumulator derives motion metrics from the frames of one analysis pass.
// It is used as a repetition.Observer.
type Accumulator struct {
	frames int
	posed  int

	minV, maxV float64

	firstPosed, lastPosed float64
	lastTS                float64

	visSum   float64
	visCount int
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Observe records one processed frame.
func (a *Accumulator) Observe(frame model.JointFrame, res repetition.FrameResult) {
	a.frames++
	a.lastTS = frame.Timestamp
	if !res.PoseDetected {
		return
	}
	if a.posed == 0 {
		a.minV, a.maxV = res.Verticality, res.Verticality
		a.firstPosed = frame.Timestamp
	}
	a.posed++
	a.minV = math.Min(a.minV, res.Verticality)
	a.maxV = math.Max(a.maxV, res.Verticality)
	a.lastPosed = frame.Timestamp
	for _, l := range frame.Landmarks {
		a.visSum += clamp01(l.VisibilityOr(1))
		a.visCount++
	}
}

// Metrics combines the observed frames with the final repetition record.
func (a *Accumulator) Metrics(rec model.RepetitionRecord) model.VideoMetrics {
	m := model.VideoMetrics{
		RepCount:        rec.Count,
		RepTimestamps:   rec.Clone().Timestamps,
		DurationSeconds: a.lastTS,
		FramesAnalyzed:  a.frames,
		FramesWithPose:  a.posed,
	}
	if a.posed > 0 {
		m.RangeOfMotion = clamp01((a.maxV - a.minV) / fullRange)
	}
	m.Consistency = consistency(rec.Timestamps)
	if span := a.lastPosed - a.firstPosed; span > 0 {
		m.Cadence = float64(rec.Count) / span * 60
	}
	if a.frames > 0 && a.visCount > 0 {
		m.HumanConfidence = clamp01(float64(a.posed) / float64(a.frames) * (a.visSum / float64(a.visCount)))
	}
	return m
}

// consistency is one minus the coefficient of variation of the intervals
// between reps.
func consistency(ts []float64) float64 {
	if len(ts) < 2 {
		return 0
	}
	intervals := make([]float64, 0, len(ts)-1)
	var sum float64
	for i := 1; i < len(ts); i++ {
		d := ts[i] - ts[i-1]
		intervals = append(intervals, d)
		sum += d
	}
	mean := sum / float64(len(intervals))
	if mean <= 0 {
		return 0
	}
	var sq float64
	for _, d := range intervals {
		sq += (d - mean) * (d - mean)
	}
	stddev := math.Sqrt(sq / float64(len(intervals)))
	return clamp01(1 - stddev/mean)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
