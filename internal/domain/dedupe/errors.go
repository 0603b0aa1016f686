package dedupe

import "errors"

var (
	ErrInFlight = errors.New("a pipeline is already running for this asset")
	ErrCapacity = errors.New("too many pipelines in flight")
	ErrEmptyID  = errors.New("empty id")
)
