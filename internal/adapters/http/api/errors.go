package api

import (
	"errors"
	"net/http"

	"github.com/okian/trustrep/internal/adapters/repository"
	service "github.com/okian/trustrep/internal/app"
	"github.com/okian/trustrep/internal/domain/dedupe"
	"github.com/okian/trustrep/internal/domain/model"
	"github.com/okian/trustrep/internal/domain/submission"
)

// Sentinel kinds for API errors.
var (
	ErrBadRequest    = errors.New("bad request")
	ErrLimitExceeded = errors.New("limit exceeded")
	ErrMissingFile   = errors.New("missing file part")
	ErrTooLarge      = errors.New("upload too large")
)

// classify maps an error to an HTTP status and a stable error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, ErrTooLarge):
		return http.StatusRequestEntityTooLarge, "too_large"
	case errors.Is(err, ErrLimitExceeded):
		return http.StatusBadRequest, "limit_exceeded"
	case errors.Is(err, submission.ErrUnknownAthlete):
		return http.StatusBadRequest, "unknown_athlete"
	case errors.Is(err, submission.ErrUnreadableSource):
		return http.StatusBadRequest, "unreadable_source"
	case errors.Is(err, ErrBadRequest),
		errors.Is(err, ErrMissingFile),
		errors.Is(err, submission.ErrInvalidRequest),
		errors.Is(err, model.ErrUnknownKind),
		errors.Is(err, repository.ErrInvalidLimit),
		errors.Is(err, repository.ErrEmptyID):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, submission.ErrNotFound), errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, dedupe.ErrInFlight):
		return http.StatusConflict, "in_flight"
	case errors.Is(err, submission.ErrAlreadyComplete):
		return http.StatusConflict, "already_complete"
	case errors.Is(err, submission.ErrAbandoned):
		return http.StatusConflict, "abandoned"
	case errors.Is(err, service.ErrBusy):
		return http.StatusTooManyRequests, "busy"
	case errors.Is(err, service.ErrStopping), errors.Is(err, service.ErrNotStarted):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
