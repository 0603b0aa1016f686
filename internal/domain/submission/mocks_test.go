package submission_test

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/okian/trustrep/internal/domain/model"
	"github.com/okian/trustrep/internal/domain/submission"
	"github.com/stretchr/testify/mock"
)

type mockTranscoder struct{ mock.Mock }

func (m *mockTranscoder) Transcode(ctx context.Context, src, dst string, progress func(float64)) error {
	return m.Called(ctx, src, dst, progress).Error(0)
}

type mockObjects struct{ mock.Mock }

func (m *mockObjects) Put(ctx context.Context, path string, r io.Reader, contentType string) (string, error) {
	args := m.Called(ctx, path, r, contentType)
	return args.String(0), args.Error(1)
}

func (m *mockObjects) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	args := m.Called(ctx, path)
	rc, _ := args.Get(0).(io.ReadCloser)
	return rc, args.Error(1)
}

type mockAssets struct{ mock.Mock }

func (m *mockAssets) CreateAsset(ctx context.Context, asset *model.Asset) error {
	return m.Called(ctx, asset).Error(0)
}

func (m *mockAssets) GetAsset(ctx context.Context, assetID string) (*model.Asset, error) {
	args := m.Called(ctx, assetID)
	a, _ := args.Get(0).(*model.Asset)
	return a, args.Error(1)
}

func (m *mockAssets) UpdateMetadata(ctx context.Context, assetID string, md *model.Metadata) error {
	return m.Called(ctx, assetID, md).Error(0)
}

func (m *mockAssets) ActivateAsset(ctx context.Context, assetID, registrationID, transactionRef string, at time.Time) error {
	return m.Called(ctx, assetID, registrationID, transactionRef, at).Error(0)
}

func (m *mockAssets) FailAsset(ctx context.Context, assetID string, at time.Time) error {
	return m.Called(ctx, assetID, at).Error(0)
}

type mockProfiles struct{ mock.Mock }

func (m *mockProfiles) GetProfile(ctx context.Context, athleteID string) (*model.Profile, error) {
	args := m.Called(ctx, athleteID)
	p, _ := args.Get(0).(*model.Profile)
	return p, args.Error(1)
}

type mockAnalyzer struct{ mock.Mock }

func (m *mockAnalyzer) Analyze(ctx context.Context, asset *model.Asset, mediaPath string) (*model.Metadata, error) {
	args := m.Called(ctx, asset, mediaPath)
	md, _ := args.Get(0).(*model.Metadata)
	return md, args.Error(1)
}

type mockRegistrar struct{ mock.Mock }

func (m *mockRegistrar) Register(ctx context.Context, req submission.RegistrationRequest) (submission.Registration, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(submission.Registration), args.Error(1)
}

type mockReputation struct{ mock.Mock }

func (m *mockReputation) Recalculate(ctx context.Context, athleteID string) (int, error) {
	args := m.Called(ctx, athleteID)
	return args.Int(0), args.Error(1)
}

// memCheckpoints is a map-backed checkpoint store.
type memCheckpoints struct {
	mu    sync.Mutex
	saved map[string]*model.Checkpoint
	saves int
}

func newMemCheckpoints() *memCheckpoints {
	return &memCheckpoints{saved: map[string]*model.Checkpoint{}}
}

func (s *memCheckpoints) SaveCheckpoint(_ context.Context, cp *model.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved[cp.AssetID] = cp.Clone()
	s.saves++
	return nil
}

func (s *memCheckpoints) LoadCheckpoint(_ context.Context, assetID string) (*model.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.saved[assetID]
	if !ok {
		return nil, model.ErrNotFound
	}
	return cp.Clone(), nil
}

func (s *memCheckpoints) get(assetID string) *model.Checkpoint {
	cp, _ := s.LoadCheckpoint(context.Background(), assetID)
	return cp
}

func (s *memCheckpoints) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []submission.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev submission.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}
