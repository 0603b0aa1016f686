package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/okian/trustrep/internal/domain/model"
)

// AthleteHandler handles athlete profiles and reputation.
type AthleteHandler struct {
	deps AthleteDependencies
}

// NewAthleteHandler creates a new athlete handler.
func NewAthleteHandler(deps AthleteDependencies) *AthleteHandler {
	return &AthleteHandler{deps: deps}
}

type profileRequest struct {
	DisplayName      string `json:"display_name"`
	IdentityVerified bool   `json:"identity_verified"`
}

type athleteResponse struct {
	Profile *model.Profile `json:"profile"`
	Assets  []*model.Asset `json:"assets"`
}

// HandleUpsert handles PUT /athletes/{athlete_id}.
func (h *AthleteHandler) HandleUpsert(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("athlete_id"))
	var body profileRequest
	if err := decodeJSON(r, &body); err != nil {
		writeFailure(w, fmt.Errorf("%w: %w", ErrBadRequest, err))
		return
	}
	p, err := h.deps.UpsertProfile(r.Context(), &model.Profile{
		AthleteID:        id,
		DisplayName:      strings.TrimSpace(body.DisplayName),
		IdentityVerified: body.IdentityVerified,
	})
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// HandleGet handles GET /athletes/{athlete_id}.
func (h *AthleteHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	p, assets, err := h.deps.Athlete(r.Context(), r.PathValue("athlete_id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	if assets == nil {
		assets = []*model.Asset{}
	}
	writeJSON(w, http.StatusOK, athleteResponse{Profile: p, Assets: assets})
}

// HandleRecalculate handles POST /athletes/{athlete_id}/reputation.
func (h *AthleteHandler) HandleRecalculate(w http.ResponseWriter, r *http.Request) {
	b, err := h.deps.RecalculateReputation(r.Context(), r.PathValue("athlete_id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}
