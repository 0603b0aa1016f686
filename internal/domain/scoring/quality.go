// Package scoring computes per-asset quality and per-athlete reputation.
package scoring

import (
	"math"

	"github.com/okian/trustrep/internal/domain/model"
)

// Quality weights.
const (
	weightRangeOfMotion   = 0.35
	weightConsistency     = 0.30
	weightCadence         = 0.25
	weightHumanConfidence = 0.10

	// cadenceCeiling is the rep rate per minute that earns the full cadence term.
	cadenceCeiling = 25.0
)

// Quality maps one video asset's metrics to [0,1]. Missing metrics yield 0;
// each term is clamped so out-of-range inputs cannot leak out of the range.
func Quality(m *model.VideoMetrics) float64 {
	if m == nil {
		return 0
	}
	q := weightRangeOfMotion*clamp(m.RangeOfMotion, 0, 1) +
		weightConsistency*clamp(m.Consistency, 0, 1) +
		weightCadence*clamp(m.Cadence/cadenceCeiling, 0, 1) +
		weightHumanConfidence*clamp(m.HumanConfidence, 0, 1)
	return clamp(q, 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
