package model

import "errors"

// Sentinel errors for model validation and persistence lookups.
var (
	ErrUnknownKind     = errors.New("unknown asset kind")
	ErrInvalidMetadata = errors.New("invalid asset metadata")
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
)
