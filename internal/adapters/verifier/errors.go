package verifier

import "errors"

var (
	ErrNoAPIKey      = errors.New("gemini api key not configured")
	ErrNoMedia       = errors.New("no local media to verify")
	ErrMediaTooLarge = errors.New("media too large to send inline")
	ErrFileFailed    = errors.New("gemini file processing failed")
	ErrEmptyResponse = errors.New("empty model response")
	ErrBadResponse   = errors.New("unparseable model response")
)
