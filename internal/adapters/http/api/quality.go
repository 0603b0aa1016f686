package api

import (
	"fmt"
	"net/http"

	"github.com/okian/trustrep/internal/domain/model"
	"github.com/okian/trustrep/internal/domain/scoring"
)

// QualityHandler scores video metrics without storing anything.
type QualityHandler struct{}

// NewQualityHandler creates a new quality handler.
func NewQualityHandler() *QualityHandler {
	return &QualityHandler{}
}

type qualityResponse struct {
	Quality float64 `json:"quality"`
}

// HandleQuality handles POST /quality with a video metrics body.
func (h *QualityHandler) HandleQuality(w http.ResponseWriter, r *http.Request) {
	var m model.VideoMetrics
	if err := decodeJSON(r, &m); err != nil {
		writeFailure(w, fmt.Errorf("%w: %w", ErrBadRequest, err))
		return
	}
	writeJSON(w, http.StatusOK, qualityResponse{Quality: scoring.Quality(&m)})
}
