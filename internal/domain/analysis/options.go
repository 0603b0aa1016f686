package analysis

import (
	"github.com/okian/trustrep/internal/domain/repetition"
	"github.com/okian/trustrep/pkg/logger"
)

// Option applies a configuration option to the VideoAnalyzer.
type Option func(*VideoAnalyzer)

// WithHumanVerifier replaces the landmark-derived human confidence with an
// external verifier's estimate.
func WithHumanVerifier(v HumanVerifier) Option {
	return func(a *VideoAnalyzer) {
		a.verifier = v
	}
}

// WithMachineOptions configures every repetition machine the analyzer creates.
func WithMachineOptions(opts ...repetition.Option) Option {
	return func(a *VideoAnalyzer) {
		a.machineOpts = append(a.machineOpts, opts...)
	}
}

// WithLogger sets the analyzer logger.
func WithLogger(l logger.Logger) Option {
	return func(a *VideoAnalyzer) {
		if l != nil {
			a.log = l
		}
	}
}
