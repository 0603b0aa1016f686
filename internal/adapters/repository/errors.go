package repository

import (
	"errors"

	"github.com/okian/trustrep/internal/domain/model"
)

// Sentinel kinds for persistence errors.
var (
	ErrNotFound       = model.ErrNotFound
	ErrAlreadyExists  = model.ErrAlreadyExists
	ErrInvalidLimit   = errors.New("invalid leaderboard limit")
	ErrUnknownBackend = errors.New("unknown database backend")
	ErrEmptyID        = errors.New("empty identifier")
)
