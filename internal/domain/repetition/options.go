package repetition

import "github.com/okian/trustrep/pkg/logger"

// Default thresholds on torso verticality (hipY - shoulderY).
const (
	DefaultDownThreshold      = 0.20
	DefaultUpThreshold        = 0.30
	DefaultExtensionThreshold = 0.35
	DefaultMinVisibility      = 0.5
)

// Option applies a configuration option to the Machine.
type Option func(*Machine)

// WithThresholds sets the three transition thresholds. Values that are not
// strictly increasing are ignored.
func WithThresholds(down, up, extension float64) Option {
	return func(m *Machine) {
		if down < up && up < extension {
			m.down = down
			m.up = up
			m.extension = extension
		}
	}
}

// WithMinVisibility sets the visibility below which a landmark counts as missing.
func WithMinVisibility(v float64) Option {
	return func(m *Machine) {
		if v >= 0 && v <= 1 {
			m.minVisibility = v
		}
	}
}

// RunnerOption applies a configuration option to the Runner.
type RunnerOption func(*Runner)

// WithObserver registers a callback invoked after every processed frame.
func WithObserver(fn Observer) RunnerOption {
	return func(r *Runner) {
		if fn != nil {
			r.observers = append(r.observers, fn)
		}
	}
}

// WithRunnerLogger sets the logger used by the frame loop.
func WithRunnerLogger(l logger.Logger) RunnerOption {
	return func(r *Runner) {
		if l != nil {
			r.log = l
		}
	}
}
