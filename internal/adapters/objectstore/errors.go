package objectstore

import "errors"

var (
	ErrInvalidPath    = errors.New("invalid object path")
	ErrNotFound       = errors.New("object not found")
	ErrUnknownBackend = errors.New("unknown storage backend")
	ErrNoBucket       = errors.New("gcs bucket not configured")
)
