// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/okian/trustrep/internal/domain/model"
	"github.com/okian/trustrep/internal/domain/submission"
	"github.com/okian/trustrep/internal/domain/types"
)

// Dependencies required by HTTP handlers. Using an interface bundle keeps
// the handler layer loosely coupled to implementations in other packages.
type Dependencies interface {
	SubmissionDependencies
	AthleteDependencies
	LeaderboardDependencies
	RankDependencies
	StatsProvider
}

// SubmissionDependencies runs and inspects submissions.
type SubmissionDependencies interface {
	Submit(ctx context.Context, req submission.Request, body io.Reader) (*model.Checkpoint, error)
	Status(ctx context.Context, assetID string) (*model.Checkpoint, error)
	Resume(ctx context.Context, assetID string) (*model.Checkpoint, error)
	Abandon(ctx context.Context, assetID, reason string) (*model.Checkpoint, bool, error)
}

// AthleteDependencies manages athletes and their reputation.
type AthleteDependencies interface {
	UpsertProfile(ctx context.Context, p *model.Profile) (*model.Profile, error)
	Athlete(ctx context.Context, athleteID string) (*model.Profile, []*model.Asset, error)
	RecalculateReputation(ctx context.Context, athleteID string) (types.Breakdown, error)
}

// Entry mirrors the read shape returned by leaderboard queries.
type Entry = types.Entry

// Server wires HTTP routes for the business API.
type Server struct {
	healthHandler      *HealthHandler
	statsHandler       *StatsHandler
	submissionHandler  *SubmissionHandler
	athleteHandler     *AthleteHandler
	qualityHandler     *QualityHandler
	leaderboardHandler *LeaderboardHandler
	rankHandler        *RankHandler

	mediaPrefix  string
	mediaHandler http.Handler
}

// NewServer creates a new API server with all handlers.
func NewServer(deps Dependencies, opts ...Option) *Server {
	o := options{maxLimit: defaultMaxLimit, maxUpload: defaultMaxUpload}
	for _, opt := range opts {
		opt(&o)
	}
	return &Server{
		healthHandler:      NewHealthHandler(),
		statsHandler:       NewStatsHandler(deps),
		submissionHandler:  NewSubmissionHandler(deps, o.maxUpload),
		athleteHandler:     NewAthleteHandler(deps),
		qualityHandler:     NewQualityHandler(),
		leaderboardHandler: NewLeaderboardHandler(deps, o.maxLimit),
		rankHandler:        NewRankHandler(deps),
		mediaPrefix:        o.mediaPrefix,
		mediaHandler:       o.media,
	}
}

// Register attaches all HTTP routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", MetricsMiddleware(s.healthHandler.HandleHealth, "healthz"))
	mux.HandleFunc("GET /stats", MetricsMiddleware(s.statsHandler.HandleStats, "stats"))

	mux.HandleFunc("POST /submissions", MetricsMiddleware(s.submissionHandler.HandleSubmit, "submissions"))
	mux.HandleFunc("GET /submissions/{asset_id}", MetricsMiddleware(s.submissionHandler.HandleStatus, "submission_status"))
	mux.HandleFunc("POST /submissions/{asset_id}/resume", MetricsMiddleware(s.submissionHandler.HandleResume, "submission_resume"))
	mux.HandleFunc("POST /submissions/{asset_id}/abandon", MetricsMiddleware(s.submissionHandler.HandleAbandon, "submission_abandon"))

	mux.HandleFunc("PUT /athletes/{athlete_id}", MetricsMiddleware(s.athleteHandler.HandleUpsert, "athlete_upsert"))
	mux.HandleFunc("GET /athletes/{athlete_id}", MetricsMiddleware(s.athleteHandler.HandleGet, "athlete"))
	mux.HandleFunc("POST /athletes/{athlete_id}/reputation", MetricsMiddleware(s.athleteHandler.HandleRecalculate, "reputation"))

	mux.HandleFunc("POST /quality", MetricsMiddleware(s.qualityHandler.HandleQuality, "quality"))
	mux.HandleFunc("GET /leaderboard", MetricsMiddleware(s.leaderboardHandler.HandleGetLeaderboard, "leaderboard"))
	mux.HandleFunc("GET /rank/{athlete_id}", MetricsMiddleware(s.rankHandler.HandleGetRank, "rank"))

	if s.mediaHandler != nil && s.mediaPrefix != "" {
		mux.Handle("GET "+s.mediaPrefix+"/", s.mediaHandler)
	}
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	tagError(w, code)
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

// writeFailure maps a domain error to its status and code.
func writeFailure(w http.ResponseWriter, err error) {
	status, code := classify(err)
	writeError(w, status, code, err)
}

// decodeJSON reads a single JSON document, rejecting unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
