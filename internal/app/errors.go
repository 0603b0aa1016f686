package service

import "errors"

// Sentinel errors returned by Service.
var (
	ErrNotStarted        = errors.New("service not started")
	ErrStopping          = errors.New("service is stopping")
	ErrBusy              = errors.New("submission queue is full")
	ErrEmptyUpload       = errors.New("upload is empty")
	ErrMissingDependency = errors.New("missing service dependency")
)
