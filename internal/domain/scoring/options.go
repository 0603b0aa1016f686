package scoring

import (
	"time"

	"github.com/okian/trustrep/pkg/logger"
)

// Option applies a configuration option to the Aggregator.
type Option func(*Aggregator)

// WithCountPendingInStreak lets pending assets count toward the consistency
// month set and the recency check. They never count toward any other term.
func WithCountPendingInStreak(enabled bool) Option {
	return func(a *Aggregator) {
		a.countPending = enabled
	}
}

// WithRankIndex publishes every recalculated score to idx.
func WithRankIndex(idx RankIndex) Option {
	return func(a *Aggregator) {
		if idx != nil {
			a.ranks = idx
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		if now != nil {
			a.now = now
		}
	}
}

// WithLogger sets the aggregator logger.
func WithLogger(l logger.Logger) Option {
	return func(a *Aggregator) {
		if l != nil {
			a.log = l
		}
	}
}
