package analysis

import "errors"

// Sentinel errors for media analysis.
var (
	ErrNoMediaPath      = errors.New("media path is empty")
	ErrUnsupportedKind  = errors.New("no analyzer for asset kind")
	ErrAnalyzerDisabled = errors.New("analyzer not configured")
)
