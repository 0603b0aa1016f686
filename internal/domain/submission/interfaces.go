package submission

import (
	"context"
	"io"
	"time"

	"github.com/okian/trustrep/internal/domain/model"
)

// Transcoder re-encodes a recording. progress receives values in [0,100].
type Transcoder interface {
	Transcode(ctx context.Context, src, dst string, progress func(float64)) error
}

// ObjectStore stores media under a path and returns its public URL.
type ObjectStore interface {
	Put(ctx context.Context, path string, r io.Reader, contentType string) (string, error)
	Open(ctx context.Context, path string) (io.ReadCloser, error)
}

// AssetStore is the asset persistence used by the pipeline.
type AssetStore interface {
	CreateAsset(ctx context.Context, asset *model.Asset) error
	GetAsset(ctx context.Context, assetID string) (*model.Asset, error)
	UpdateMetadata(ctx context.Context, assetID string, md *model.Metadata) error
	ActivateAsset(ctx context.Context, assetID, registrationID, transactionRef string, at time.Time) error
	FailAsset(ctx context.Context, assetID string, at time.Time) error
}

// ProfileStore resolves athletes.
type ProfileStore interface {
	GetProfile(ctx context.Context, athleteID string) (*model.Profile, error)
}

// CheckpointStore persists resumable state.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, cp *model.Checkpoint) error
	LoadCheckpoint(ctx context.Context, assetID string) (*model.Checkpoint, error)
}

// Analyzer derives metadata from local media. It blocks until end of media.
type Analyzer interface {
	Analyze(ctx context.Context, asset *model.Asset, mediaPath string) (*model.Metadata, error)
}

// RegistrationRequest is what the registration service receives.
type RegistrationRequest struct {
	AssetID   string            `json:"asset_id"`
	AthleteID string            `json:"athlete_id"`
	Kind      model.Kind        `json:"kind"`
	MediaURL  string            `json:"media_url"`
	Metadata  *model.Metadata   `json:"metadata"`
	Context   map[string]string `json:"context,omitempty"`
}

// Registration is the registration service's answer.
type Registration struct {
	RegistrationID string `json:"registration_id"`
	TransactionRef string `json:"transaction_ref"`
}

// Registrar registers an asset externally. It is called at most once per attempt.
type Registrar interface {
	Register(ctx context.Context, req RegistrationRequest) (Registration, error)
}

// ReputationCalculator recomputes an athlete's reputation.
type ReputationCalculator interface {
	Recalculate(ctx context.Context, athleteID string) (int, error)
}

// EventPublisher receives every pipeline event.
type EventPublisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Deps are the collaborators every orchestrator needs.
type Deps struct {
	Transcoder  Transcoder
	Objects     ObjectStore
	Assets      AssetStore
	Profiles    ProfileStore
	Checkpoints CheckpointStore
	Analyzer    Analyzer
	Registrar   Registrar
}
