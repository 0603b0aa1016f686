// Package repository persists assets, athlete profiles, submission checkpoints
// and the reputation ranking.
package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/okian/trustrep/internal/domain/model"
)

// Backend selects the database engine.
type Backend string

// Supported backends.
const (
	BackendMemory   Backend = "memory"
	BackendSQLite   Backend = "sqlite"
	BackendPostgres Backend = "postgres"
	BackendMySQL    Backend = "mysql"
)

// ParseBackend validates a backend name.
func ParseBackend(s string) (Backend, error) {
	switch b := Backend(strings.ToLower(strings.TrimSpace(s))); b {
	case BackendMemory, BackendSQLite, BackendPostgres, BackendMySQL:
		return b, nil
	case "postgresql":
		return BackendPostgres, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownBackend, s)
	}
}

// AssetStore provides create/read/update access to assets.
type AssetStore interface {
	// CreateAsset inserts a new asset. Returns ErrAlreadyExists if the id is taken.
	CreateAsset(ctx context.Context, asset *model.Asset) error
	// GetAsset returns ErrNotFound for unknown ids.
	GetAsset(ctx context.Context, assetID string) (*model.Asset, error)
	UpdateMetadata(ctx context.Context, assetID string, md *model.Metadata) error
	ActivateAsset(ctx context.Context, assetID, registrationID, transactionRef string, at time.Time) error
	FailAsset(ctx context.Context, assetID string, at time.Time) error
	// ListAssets returns an athlete's assets oldest first.
	ListAssets(ctx context.Context, athleteID string) ([]*model.Asset, error)
	AllAssets(ctx context.Context) ([]*model.Asset, error)
}

// ProfileStore provides access to athlete profiles.
type ProfileStore interface {
	// UpsertProfile writes display name and identity flag. Reputation is untouched.
	UpsertProfile(ctx context.Context, p *model.Profile) error
	GetProfile(ctx context.Context, athleteID string) (*model.Profile, error)
	SetReputation(ctx context.Context, athleteID string, score int, at time.Time) error
	ListProfiles(ctx context.Context) ([]*model.Profile, error)
}

// CheckpointStore persists resumable submission state.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, cp *model.Checkpoint) error
	LoadCheckpoint(ctx context.Context, assetID string) (*model.Checkpoint, error)
	// ListCheckpoints returns checkpoints not yet completed, or all of them.
	ListCheckpoints(ctx context.Context, incompleteOnly bool) ([]*model.Checkpoint, error)
}

// Store is the full persistence surface.
type Store interface {
	AssetStore
	ProfileStore
	CheckpointStore
	Close() error
}

// Open returns a Store for the backend.
func Open(ctx context.Context, backend Backend, dsn string, opts ...Option) (Store, error) {
	if backend == BackendMemory {
		return NewMemStore(), nil
	}
	return NewSQLStore(ctx, backend, dsn, opts...)
}
