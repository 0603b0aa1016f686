package export

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/okian/trustrep/internal/adapters/repository"
	"github.com/okian/trustrep/internal/domain/model"
	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var created = time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

func seed(t *testing.T) *repository.MemStore {
	t.Helper()
	ctx := context.Background()
	s := repository.NewMemStore()

	require.NoError(t, s.UpsertProfile(ctx, &model.Profile{AthleteID: "ath-1", DisplayName: "Ana", IdentityVerified: true}))
	require.NoError(t, s.SetReputation(ctx, "ath-1", 42, created))
	require.NoError(t, s.UpsertProfile(ctx, &model.Profile{AthleteID: "ath-2", DisplayName: "Bo"}))

	require.NoError(t, s.CreateAsset(ctx, &model.Asset{
		ID: "v-1", AthleteID: "ath-1", Kind: model.KindVideo, Status: model.StatusPending, CreatedAt: created,
	}))
	require.NoError(t, s.UpdateMetadata(ctx, "v-1", model.NewVideoMetadata(model.VideoMetrics{
		RangeOfMotion: 0.8, Consistency: 0.9, Cadence: 20, HumanConfidence: 1, RepCount: 10, DurationSeconds: 30,
	})))
	require.NoError(t, s.ActivateAsset(ctx, "v-1", "reg-1", "tx-1", created.Add(time.Minute)))

	require.NoError(t, s.CreateAsset(ctx, &model.Asset{
		ID: "a-1", AthleteID: "ath-2", Kind: model.KindAudio, Status: model.StatusPending, CreatedAt: created,
	}))
	require.NoError(t, s.UpdateMetadata(ctx, "a-1", model.NewAudioMetadata(model.AudioMetrics{DurationSeconds: 12, SizeBytes: 2048})))
	return s
}

func readRows[T any](t *testing.T, path string) []T {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	reader := parquet.NewGenericReader[T](f)
	defer reader.Close()

	rows := make([]T, reader.NumRows())
	n, err := reader.Read(rows)
	if err != nil && !errors.Is(err, io.EOF) {
		require.NoError(t, err)
	}
	return rows[:n]
}

func TestAssetRowSchema(t *testing.T) {
	schema := parquet.SchemaOf(new(AssetRow))
	for _, col := range []string{"asset_id", "athlete_id", "kind", "status", "created_at", "rep_count", "quality", "size_bytes"} {
		_, ok := schema.Lookup(col)
		assert.True(t, ok, "column %s should exist", col)
	}
}

func TestWriteDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	sum, err := New(seed(t)).WriteDir(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Assets)
	assert.Equal(t, 2, sum.Profiles)

	assets := readRows[AssetRow](t, sum.AssetsPath)
	require.Len(t, assets, 2)
	byID := map[string]AssetRow{}
	for _, r := range assets {
		byID[r.AssetID] = r
	}

	video := byID["v-1"]
	assert.Equal(t, "active", video.Status)
	require.NotNil(t, video.RegistrationID)
	assert.Equal(t, "reg-1", *video.RegistrationID)
	require.NotNil(t, video.RepCount)
	assert.Equal(t, int32(10), *video.RepCount)
	require.NotNil(t, video.Quality)
	assert.InDelta(t, 0.85, *video.Quality, 0.001)
	assert.Nil(t, video.SizeBytes)

	audio := byID["a-1"]
	assert.Equal(t, "pending", audio.Status)
	assert.Nil(t, audio.RegistrationID)
	assert.Nil(t, audio.Quality)
	require.NotNil(t, audio.SizeBytes)
	assert.Equal(t, int64(2048), *audio.SizeBytes)

	profiles := readRows[ProfileRow](t, sum.ProfilesPath)
	require.Len(t, profiles, 2)
	for _, p := range profiles {
		switch p.AthleteID {
		case "ath-1":
			assert.Equal(t, int32(42), p.Reputation)
			assert.True(t, p.IdentityVerified)
			require.NotNil(t, p.ReputationUpdatedAt)
			assert.True(t, created.Equal(*p.ReputationUpdatedAt))
		case "ath-2":
			assert.Nil(t, p.ReputationUpdatedAt)
		}
	}

	_, err = os.Stat(sum.AssetsPath + ".part")
	assert.True(t, os.IsNotExist(err), "temporary file should be renamed")
}

func TestWriteDirEmpty(t *testing.T) {
	dir := t.TempDir()
	sum, err := New(repository.NewMemStore()).WriteDir(context.Background(), dir)
	require.NoError(t, err)
	assert.Zero(t, sum.Assets)
	assert.Empty(t, readRows[AssetRow](t, sum.AssetsPath))
}

func TestWriteDirRequiresDir(t *testing.T) {
	_, err := New(repository.NewMemStore()).WriteDir(context.Background(), "")
	assert.ErrorIs(t, err, ErrNoDir)
}
