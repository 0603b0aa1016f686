package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/okian/trustrep/internal/domain/model"
)

// MemStore is an in-process Store. Values are copied on the way in and out.
type MemStore struct {
	mu          sync.RWMutex
	assets      map[string]*model.Asset
	profiles    map[string]*model.Profile
	checkpoints map[string]*model.Checkpoint
}

var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		assets:      make(map[string]*model.Asset),
		profiles:    make(map[string]*model.Profile),
		checkpoints: make(map[string]*model.Checkpoint),
	}
}

// Close implements Store.
func (s *MemStore) Close() error { return nil }

func cloneAsset(a *model.Asset) *model.Asset {
	out := *a
	out.Metadata = a.Metadata.Clone()
	if a.ActivatedAt != nil {
		t := *a.ActivatedAt
		out.ActivatedAt = &t
	}
	return &out
}

// CreateAsset implements AssetStore.
func (s *MemStore) CreateAsset(_ context.Context, a *model.Asset) error {
	if a == nil || a.ID == "" {
		return ErrEmptyID
	}
	if a.Metadata != nil {
		if err := a.Metadata.Validate(); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.assets[a.ID]; ok {
		return fmt.Errorf("asset %q: %w", a.ID, ErrAlreadyExists)
	}
	s.assets[a.ID] = cloneAsset(a)
	return nil
}

// GetAsset implements AssetStore.
func (s *MemStore) GetAsset(_ context.Context, assetID string) (*model.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assets[assetID]
	if !ok {
		return nil, fmt.Errorf("asset %q: %w", assetID, ErrNotFound)
	}
	return cloneAsset(a), nil
}

func (s *MemStore) mutateAsset(assetID string, fn func(a *model.Asset)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assets[assetID]
	if !ok {
		return fmt.Errorf("asset %q: %w", assetID, ErrNotFound)
	}
	fn(a)
	return nil
}

// UpdateMetadata implements AssetStore.
func (s *MemStore) UpdateMetadata(_ context.Context, assetID string, md *model.Metadata) error {
	if md != nil {
		if err := md.Validate(); err != nil {
			return err
		}
	}
	now := time.Now().UTC()
	return s.mutateAsset(assetID, func(a *model.Asset) {
		a.Metadata = md.Clone()
		a.UpdatedAt = now
	})
}

// ActivateAsset implements AssetStore.
func (s *MemStore) ActivateAsset(_ context.Context, assetID, registrationID, transactionRef string, at time.Time) error {
	at = at.UTC()
	return s.mutateAsset(assetID, func(a *model.Asset) {
		a.Status = model.StatusActive
		a.RegistrationID = registrationID
		a.TransactionRef = transactionRef
		a.ActivatedAt = &at
		a.UpdatedAt = at
	})
}

// FailAsset implements AssetStore.
func (s *MemStore) FailAsset(_ context.Context, assetID string, at time.Time) error {
	return s.mutateAsset(assetID, func(a *model.Asset) {
		a.Status = model.StatusFailed
		a.UpdatedAt = at.UTC()
	})
}

// ListAssets implements AssetStore.
func (s *MemStore) ListAssets(_ context.Context, athleteID string) ([]*model.Asset, error) {
	return s.filterAssets(func(a *model.Asset) bool { return a.AthleteID == athleteID }), nil
}

// AllAssets implements AssetStore.
func (s *MemStore) AllAssets(_ context.Context) ([]*model.Asset, error) {
	return s.filterAssets(func(*model.Asset) bool { return true }), nil
}

func (s *MemStore) filterAssets(keep func(*model.Asset) bool) []*model.Asset {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Asset
	for _, a := range s.assets {
		if keep(a) {
			out = append(out, cloneAsset(a))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// UpsertProfile implements ProfileStore.
func (s *MemStore) UpsertProfile(_ context.Context, p *model.Profile) error {
	if p == nil || p.AthleteID == "" {
		return ErrEmptyID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.profiles[p.AthleteID]
	if !ok {
		cur = &model.Profile{AthleteID: p.AthleteID}
		s.profiles[p.AthleteID] = cur
	}
	cur.DisplayName = p.DisplayName
	cur.IdentityVerified = p.IdentityVerified
	return nil
}

// GetProfile implements ProfileStore.
func (s *MemStore) GetProfile(_ context.Context, athleteID string) (*model.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[athleteID]
	if !ok {
		return nil, fmt.Errorf("athlete %q: %w", athleteID, ErrNotFound)
	}
	out := *p
	return &out, nil
}

// SetReputation implements ProfileStore.
func (s *MemStore) SetReputation(_ context.Context, athleteID string, score int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[athleteID]
	if !ok {
		return fmt.Errorf("athlete %q: %w", athleteID, ErrNotFound)
	}
	p.Reputation = score
	p.ReputationUpdatedAt = at.UTC()
	return nil
}

// ListProfiles implements ProfileStore.
func (s *MemStore) ListProfiles(_ context.Context) ([]*model.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AthleteID < out[j].AthleteID })
	return out, nil
}

// SaveCheckpoint implements CheckpointStore.
func (s *MemStore) SaveCheckpoint(_ context.Context, cp *model.Checkpoint) error {
	if cp == nil || cp.AssetID == "" {
		return ErrEmptyID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[cp.AssetID] = cp.Clone()
	return nil
}

// LoadCheckpoint implements CheckpointStore.
func (s *MemStore) LoadCheckpoint(_ context.Context, assetID string) (*model.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[assetID]
	if !ok {
		return nil, fmt.Errorf("checkpoint %q: %w", assetID, ErrNotFound)
	}
	return cp.Clone(), nil
}

// ListCheckpoints implements CheckpointStore.
func (s *MemStore) ListCheckpoints(_ context.Context, incompleteOnly bool) ([]*model.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Checkpoint
	for _, cp := range s.checkpoints {
		if incompleteOnly && cp.Completed {
			continue
		}
		out = append(out, cp.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].AssetID < out[j].AssetID
	})
	return out, nil
}
