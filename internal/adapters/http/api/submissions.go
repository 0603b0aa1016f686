package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/okian/trustrep/internal/domain/model"
	"github.com/okian/trustrep/internal/domain/submission"
)

// multipartMemory is how much of a multipart form is kept in memory before
// the rest spills to temporary files.
const multipartMemory = 32 << 20

// contextFields are optional form fields forwarded to the registry with a submission.
var contextFields = []string{"exercise", "title", "description", "location"}

// SubmissionHandler handles the submission lifecycle.
type SubmissionHandler struct {
	deps      SubmissionDependencies
	maxUpload int64
}

// NewSubmissionHandler creates a new submission handler.
func NewSubmissionHandler(deps SubmissionDependencies, maxUpload int64) *SubmissionHandler {
	return &SubmissionHandler{deps: deps, maxUpload: maxUpload}
}

// submissionResponse is the public view of a checkpoint. Local paths stay private.
type submissionResponse struct {
	AssetID        string            `json:"asset_id"`
	AthleteID      string            `json:"athlete_id"`
	Kind           model.Kind        `json:"kind"`
	Stage          model.Stage       `json:"stage"`
	FailedStage    model.Stage       `json:"failed_stage,omitempty"`
	FailureReason  string            `json:"failure_reason,omitempty"`
	Completed      bool              `json:"completed"`
	Abandoned      bool              `json:"abandoned"`
	Pending        bool              `json:"abandon_pending,omitempty"`
	StorageURL     string            `json:"storage_url,omitempty"`
	Metadata       *model.Metadata   `json:"metadata,omitempty"`
	RegistrationID string            `json:"registration_id,omitempty"`
	TransactionRef string            `json:"transaction_ref,omitempty"`
	Context        map[string]string `json:"context,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

func newSubmissionResponse(cp *model.Checkpoint) submissionResponse {
	return submissionResponse{
		AssetID:        cp.AssetID,
		AthleteID:      cp.AthleteID,
		Kind:           cp.Kind,
		Stage:          cp.Stage,
		FailedStage:    cp.FailedStage,
		FailureReason:  cp.FailureReason,
		Completed:      cp.Completed,
		Abandoned:      cp.Abandoned,
		StorageURL:     cp.StorageURL,
		Metadata:       cp.Metadata,
		RegistrationID: cp.RegistrationID,
		TransactionRef: cp.TransactionRef,
		Context:        cp.Context,
		CreatedAt:      cp.CreatedAt,
		UpdatedAt:      cp.UpdatedAt,
	}
}

// HandleSubmit handles POST /submissions with a multipart body carrying the
// recording in "file" plus athlete_id and kind.
func (h *SubmissionHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeFailure(w, fmt.Errorf("%w: limit is %d bytes", ErrTooLarge, tooLarge.Limit))
			return
		}
		writeFailure(w, fmt.Errorf("%w: %w", ErrBadRequest, err))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeFailure(w, ErrMissingFile)
		return
	}
	defer func() { _ = file.Close() }()

	req := submission.Request{
		AthleteID: strings.TrimSpace(r.FormValue("athlete_id")),
		Kind:      strings.ToLower(strings.TrimSpace(r.FormValue("kind"))),
		FileName:  header.Filename,
	}
	for _, field := range contextFields {
		if v := strings.TrimSpace(r.FormValue(field)); v != "" {
			if req.Context == nil {
				req.Context = make(map[string]string)
			}
			req.Context[field] = v
		}
	}

	cp, err := h.deps.Submit(r.Context(), req, file)
	if err != nil {
		writeFailure(w, err)
		return
	}
	w.Header().Set("Location", "/submissions/"+cp.AssetID)
	writeJSON(w, http.StatusAccepted, newSubmissionResponse(cp))
}

// HandleStatus handles GET /submissions/{asset_id}.
func (h *SubmissionHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	cp, err := h.deps.Status(r.Context(), r.PathValue("asset_id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newSubmissionResponse(cp))
}

// HandleResume handles POST /submissions/{asset_id}/resume.
func (h *SubmissionHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	cp, err := h.deps.Resume(r.Context(), r.PathValue("asset_id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, newSubmissionResponse(cp))
}

type abandonRequest struct {
	Reason string `json:"reason"`
}

// HandleAbandon handles POST /submissions/{asset_id}/abandon. The body is
// optional. A running pipeline answers 202 and finishes abandoning later.
func (h *SubmissionHandler) HandleAbandon(w http.ResponseWriter, r *http.Request) {
	var body abandonRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &body); err != nil {
			writeFailure(w, fmt.Errorf("%w: %w", ErrBadRequest, err))
			return
		}
	}
	cp, pending, err := h.deps.Abandon(r.Context(), r.PathValue("asset_id"), strings.TrimSpace(body.Reason))
	if err != nil {
		writeFailure(w, err)
		return
	}
	resp := newSubmissionResponse(cp)
	resp.Pending = pending
	status := http.StatusOK
	if pending {
		status = http.StatusAccepted
	}
	writeJSON(w, status, resp)
}
