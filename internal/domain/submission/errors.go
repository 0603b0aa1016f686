package submission

import "errors"

// Input errors are returned before any state is written.
var (
	ErrInvalidRequest   = errors.New("invalid submission request")
	ErrUnreadableSource = errors.New("source file is not readable")
	ErrUnknownAthlete   = errors.New("unknown athlete")
)

// Lifecycle errors.
var (
	ErrNotFound          = errors.New("submission not found")
	ErrAlreadyComplete   = errors.New("submission already complete")
	ErrAbandoned         = errors.New("submission was abandoned")
	ErrIllegalTransition = errors.New("illegal stage transition")
	ErrMissingDependency = errors.New("orchestrator dependency missing")
	ErrMetadataMismatch  = errors.New("analysis returned metadata for another kind")
)
