package cli

import "errors"

var (
	ErrBadServer        = errors.New("invalid server url")
	ErrBadArgument      = errors.New("invalid argument")
	ErrNotTerminal      = errors.New("submission did not settle")
	ErrSubmissionFailed = errors.New("submission failed")
)
