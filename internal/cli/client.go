package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/okian/trustrep/internal/domain/model"
	"github.com/okian/trustrep/internal/domain/types"
)

// Submission is the server's view of one submission.
type Submission struct {
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

// Athlete is a profile plus its assets.
type Athlete struct {
	Profile *model.Profile `json:"profile"`
	Assets  []*model.Asset `json:"assets"`
}

// SubmitRequest describes one upload.
type SubmitRequest struct {
	Path      string
	AthleteID string
	Kind      string
	Context   map[string]string
}

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

// Client talks to the trustrep HTTP API.
type Client struct {
	base string
	hc   *http.Client
}

// NewClient creates a client for the server at base.
func NewClient(base string, hc *http.Client) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadServer, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: %q", ErrBadServer, base)
	}
	if hc == nil {
		hc = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{base: u.String(), hc: hc}, nil
}

// Submit streams the recording as multipart form data.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*Submission, error) {
	f, err := os.Open(req.Path)
	if err != nil {
		return nil, fmt.Errorf("open recording: %w", err)
	}
	defer func() { _ = f.Close() }()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeSubmitForm(mw, f, req))
	}()

	var out Submission
	if err := c.do(ctx, http.MethodPost, "/submissions", mw.FormDataContentType(), pr, &out); err != nil {
		_ = pr.Close()
		return nil, err
	}
	return &out, nil
}

func writeSubmitForm(mw *multipart.Writer, f io.Reader, req SubmitRequest) error {
	fields := map[string]string{"athlete_id": req.AthleteID, "kind": req.Kind}
	for k, v := range req.Context {
		fields[k] = v
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return err
		}
	}
	part, err := mw.CreateFormFile("file", filepath.Base(req.Path))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return err
	}
	return mw.Close()
}

// Status fetches a submission.
func (c *Client) Status(ctx context.Context, assetID string) (*Submission, error) {
	var out Submission
	if err := c.do(ctx, http.MethodGet, "/submissions/"+url.PathEscape(assetID), "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Resume re-queues a failed or interrupted submission.
func (c *Client) Resume(ctx context.Context, assetID string) (*Submission, error) {
	var out Submission
	if err := c.do(ctx, http.MethodPost, "/submissions/"+url.PathEscape(assetID)+"/resume", "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Abandon gives a submission up for good.
func (c *Client) Abandon(ctx context.Context, assetID, reason string) (*Submission, error) {
	body, err := jsonBody(map[string]string{"reason": reason})
	if err != nil {
		return nil, err
	}
	var out Submission
	if err := c.do(ctx, http.MethodPost, "/submissions/"+url.PathEscape(assetID)+"/abandon", "application/json", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpsertAthlete writes a profile.
func (c *Client) UpsertAthlete(ctx context.Context, id, displayName string, verified bool) (*model.Profile, error) {
	body, err := jsonBody(map[string]any{"display_name": displayName, "identity_verified": verified})
	if err != nil {
		return nil, err
	}
	var out model.Profile
	if err := c.do(ctx, http.MethodPut, "/athletes/"+url.PathEscape(id), "application/json", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Athlete fetches a profile and its assets.
func (c *Client) Athlete(ctx context.Context, id string) (*Athlete, error) {
	var out Athlete
	if err := c.do(ctx, http.MethodGet, "/athletes/"+url.PathEscape(id), "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Recalculate recomputes an athlete's reputation.
func (c *Client) Recalculate(ctx context.Context, id string) (*types.Breakdown, error) {
	var out types.Breakdown
	if err := c.do(ctx, http.MethodPost, "/athletes/"+url.PathEscape(id)+"/reputation", "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Leaderboard fetches the top entries.
func (c *Client) Leaderboard(ctx context.Context, limit int) ([]types.Entry, error) {
	path := "/leaderboard"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []types.Entry
	if err := c.do(ctx, http.MethodGet, path, "", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Rank fetches one athlete's leaderboard entry.
func (c *Client) Rank(ctx context.Context, id string) (*types.Entry, error) {
	var out types.Entry
	if err := c.do(ctx, http.MethodGet, "/rank/"+url.PathEscape(id), "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Quality scores video metrics on the server.
func (c *Client) Quality(ctx context.Context, m model.VideoMetrics) (float64, error) {
	body, err := jsonBody(m)
	if err != nil {
		return 0, err
	}
	var out struct {
		Quality float64 `json:"quality"`
	}
	if err := c.do(ctx, http.MethodPost, "/quality", "application/json", body, &out); err != nil {
		return 0, err
	}
	return out.Quality, nil
}

// Stats fetches the service counters.
func (c *Client) Stats(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.do(ctx, http.MethodGet, "/stats", "", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		var e struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.NewDecoder(io.LimitReader(resp.Body, maxErrorBody)).Decode(&e) == nil {
			apiErr.Code, apiErr.Message = e.Code, e.Message
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func jsonBody(v any) (io.Reader, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}
	return bytes.NewReader(raw), nil
}
