package repetition

import "errors"

// Sentinel errors for the repetition machine.
var (
	ErrOutOfOrder       = errors.New("frame timestamp went backwards")
	ErrInvalidTimestamp = errors.New("frame timestamp must be finite and non-negative")
)
