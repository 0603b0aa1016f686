package submission

import (
	"time"

	"github.com/okian/trustrep/pkg/logger"
)

// Option applies a configuration option to the Orchestrator.
type Option func(*Orchestrator)

// WithReputation recalculates the athlete's reputation after activation.
func WithReputation(r ReputationCalculator) Option {
	return func(o *Orchestrator) {
		o.reputation = r
	}
}

// WithPublisher forwards every event to p.
func WithPublisher(p EventPublisher) Option {
	return func(o *Orchestrator) {
		o.publisher = p
	}
}

// WithWorkDir sets where transcoded and fetched media are written.
func WithWorkDir(dir string) Option {
	return func(o *Orchestrator) {
		if dir != "" {
			o.workDir = dir
		}
	}
}

// WithEventBuffer sets the buffer of channels returned by Submit and Resume.
func WithEventBuffer(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.eventBuffer = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithIDGenerator overrides asset id generation.
func WithIDGenerator(fn func() string) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.newID = fn
		}
	}
}

// WithLogger sets the orchestrator logger.
func WithLogger(l logger.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}
