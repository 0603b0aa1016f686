// Package verifier asks a Gemini model whether a recording shows a real
// person exercising.
package verifier

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/okian/trustrep/internal/domain/analysis"
	"github.com/okian/trustrep/internal/domain/model"
	"github.com/okian/trustrep/pkg/logger"
	"google.golang.org/genai"
)

const (
	DefaultModel = "gemini-2.5-flash"

	// Requests carry at most this much inline media; larger files go
	// through the Files API.
	DefaultInlineLimit = 16 << 20

	mediaType       = "video/webm"
	defaultFilePoll = 2 * time.Second
	defaultFileWait = 2 * time.Minute
)

const prompt = `You review short exercise recordings submitted by athletes.
Decide whether the video shows a real human performing the exercise live, as opposed to
a screen recording, an animation, a replayed clip or an empty scene.

Answer with JSON only:
{"human_confidence": number between 0 and 1, "reasoning": "one sentence"}`

// generator is the part of the Gemini client the verifier uses.
type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// fileService is the part of the Gemini Files API the verifier uses.
type fileService interface {
	UploadFromPath(ctx context.Context, path string, config *genai.UploadFileConfig) (*genai.File, error)
	Get(ctx context.Context, name string, config *genai.GetFileConfig) (*genai.File, error)
	Delete(ctx context.Context, name string, config *genai.DeleteFileConfig) (*genai.DeleteFileResponse, error)
}

// Verifier implements analysis.HumanVerifier with Gemini.
type Verifier struct {
	gen         generator
	files       fileService
	model       string
	inlineLimit int64
	filePoll    time.Duration
	fileWait    time.Duration
	log         logger.Logger
}

var _ analysis.HumanVerifier = (*Verifier)(nil)

// New creates a verifier using the Gemini API.
func New(ctx context.Context, apiKey, modelName string) (*Verifier, error) {
	if apiKey == "" {
		return nil, ErrNoAPIKey
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return newVerifier(client.Models, client.Files, modelName), nil
}

func newVerifier(gen generator, files fileService, modelName string) *Verifier {
	if modelName == "" {
		modelName = DefaultModel
	}
	return &Verifier{
		gen:         gen,
		files:       files,
		model:       modelName,
		inlineLimit: DefaultInlineLimit,
		filePoll:    defaultFilePoll,
		fileWait:    defaultFileWait,
		log:         logger.Get().Named("verifier"),
	}
}

// VerifyHuman returns the model's confidence in [0,1] for the local media of
// the asset at mediaPath.
func (v *Verifier) VerifyHuman(ctx context.Context, asset *model.Asset, mediaPath string) (float64, error) {
	if asset == nil || mediaPath == "" {
		return 0, ErrNoMedia
	}
	media, cleanup, err := v.mediaPart(ctx, mediaPath)
	if err != nil {
		return 0, err
	}
	defer cleanup()

	parts := []*genai.Part{genai.NewPartFromText(prompt), media}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	result, err := v.gen.GenerateContent(ctx, v.model, contents, &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		return 0, fmt.Errorf("gemini: %w", err)
	}
	conf, reasoning, err := parseResponse(result.Text())
	if err != nil {
		return 0, err
	}
	v.log.Debug(ctx, "human verification",
		logger.String("asset_id", asset.ID),
		logger.Float64("confidence", conf),
		logger.String("reasoning", reasoning))
	return conf, nil
}

// mediaPart sends small files inline and uploads larger ones. cleanup
// deletes an uploaded file once the request is done.
func (v *Verifier) mediaPart(ctx context.Context, path string) (*genai.Part, func(), error) {
	noop := func() {}
	st, err := os.Stat(path)
	if err != nil {
		return nil, noop, fmt.Errorf("%w: %w", ErrNoMedia, err)
	}
	if st.Size() <= v.inlineLimit || v.files == nil {
		if st.Size() > v.inlineLimit {
			return nil, noop, fmt.Errorf("%w: %d bytes", ErrMediaTooLarge, st.Size())
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, noop, fmt.Errorf("%w: %w", ErrNoMedia, err)
		}
		return genai.NewPartFromBytes(data, mediaType), noop, nil
	}

	f, err := v.files.UploadFromPath(ctx, path, &genai.UploadFileConfig{MIMEType: mediaType})
	if err != nil {
		return nil, noop, fmt.Errorf("gemini upload: %w", err)
	}
	cleanup := func() {
		if _, err := v.files.Delete(context.WithoutCancel(ctx), f.Name, nil); err != nil {
			v.log.Warn(ctx, "could not delete uploaded media", logger.String("file", f.Name), logger.Error(err))
		}
	}
	f, err = v.waitActive(ctx, f)
	if err != nil {
		cleanup()
		return nil, noop, err
	}
	return genai.NewPartFromURI(f.URI, f.MIMEType), cleanup, nil
}

// waitActive polls an uploaded file until the service finished processing it.
func (v *Verifier) waitActive(ctx context.Context, f *genai.File) (*genai.File, error) {
	deadline := time.Now().Add(v.fileWait)
	for {
		switch f.State {
		case genai.FileStateActive:
			return f, nil
		case genai.FileStateFailed:
			return nil, fmt.Errorf("%w: %s", ErrFileFailed, f.Name)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s still %s after %s", ErrFileFailed, f.Name, f.State, v.fileWait)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(v.filePoll):
		}
		next, err := v.files.Get(ctx, f.Name, nil)
		if err != nil {
			return nil, fmt.Errorf("gemini file status: %w", err)
		}
		f = next
	}
}

// parseResponse extracts the confidence from the first JSON object in text.
func parseResponse(text string) (float64, string, error) {
	if strings.TrimSpace(text) == "" {
		return 0, "", ErrEmptyResponse
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end < start {
		return 0, "", fmt.Errorf("%w: %q", ErrBadResponse, text)
	}
	var out struct {
		HumanConfidence *float64 `json:"human_confidence"`
		Reasoning       string   `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &out); err != nil {
		return 0, "", fmt.Errorf("%w: %w", ErrBadResponse, err)
	}
	if out.HumanConfidence == nil {
		return 0, "", fmt.Errorf("%w: no human_confidence", ErrBadResponse)
	}
	return min(max(*out.HumanConfidence, 0), 1), out.Reasoning, nil
}
