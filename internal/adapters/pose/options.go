package pose

import (
	"time"

	"github.com/okian/trustrep/pkg/logger"
)

const defaultTimeout = 10 * time.Second

// Option applies a configuration option to the Estimator.
type Option func(*Estimator)

// WithArgs sets the worker command arguments.
func WithArgs(args ...string) Option {
	return func(e *Estimator) {
		e.args = args
	}
}

// WithTimeout bounds one request/response round trip.
func WithTimeout(d time.Duration) Option {
	return func(e *Estimator) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithLogger sets the estimator logger.
func WithLogger(l logger.Logger) Option {
	return func(e *Estimator) {
		if l != nil {
			e.log = l
		}
	}
}

// withSpawner replaces process creation. Used by tests.
func withSpawner(s spawner) Option {
	return func(e *Estimator) {
		e.spawn = s
	}
}
