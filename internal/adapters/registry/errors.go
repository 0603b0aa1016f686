package registry

import "errors"

var (
	ErrNoBaseURL = errors.New("registration service url not configured")
	ErrRejected  = errors.New("registration rejected")
)
