package repository_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/okian/trustrep/internal/adapters/repository"
	"github.com/okian/trustrep/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
)

// storeContract exercises every Store operation. newStore must return an empty store.
func storeContract(t *testing.T, name string, newStore func() repository.Store) {
	Convey("Given an empty "+name+" store", t, func() {
		ctx := context.Background()
		s := newStore()
		Reset(func() { _ = s.Close() })
		created := time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)

		Convey("Profiles are upserted without touching reputation", func() {
			So(s.UpsertProfile(ctx, &model.Profile{AthleteID: "ath-1", DisplayName: "Ana"}), ShouldBeNil)
			So(s.SetReputation(ctx, "ath-1", 42, created), ShouldBeNil)
			So(s.UpsertProfile(ctx, &model.Profile{AthleteID: "ath-1", DisplayName: "Ana B", IdentityVerified: true, Reputation: 99}), ShouldBeNil)

			p, err := s.GetProfile(ctx, "ath-1")
			So(err, ShouldBeNil)
			So(p.DisplayName, ShouldEqual, "Ana B")
			So(p.IdentityVerified, ShouldBeTrue)
			So(p.Reputation, ShouldEqual, 42)
			So(p.ReputationUpdatedAt.Equal(created), ShouldBeTrue)

			all, err := s.ListProfiles(ctx)
			So(err, ShouldBeNil)
			So(len(all), ShouldEqual, 1)

			_, err = s.GetProfile(ctx, "ghost")
			So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
			So(errors.Is(s.SetReputation(ctx, "ghost", 1, created), repository.ErrNotFound), ShouldBeTrue)
		})

		Convey("Assets move from pending to active", func() {
			a := &model.Asset{
				ID: "asset-1", AthleteID: "ath-1", Kind: model.KindVideo, Status: model.StatusPending,
				ObjectPath: "athletes/ath-1/video/asset-1.webm", StorageURL: "http://media/asset-1.webm",
				CreatedAt: created, UpdatedAt: created,
			}
			So(s.CreateAsset(ctx, a), ShouldBeNil)
			So(errors.Is(s.CreateAsset(ctx, a), repository.ErrAlreadyExists), ShouldBeTrue)

			md := model.NewVideoMetadata(model.VideoMetrics{RepCount: 4, RepTimestamps: []float64{1, 2, 3, 4}, Cadence: 20})
			So(s.UpdateMetadata(ctx, "asset-1", md), ShouldBeNil)
			activated := created.Add(time.Hour)
			So(s.ActivateAsset(ctx, "asset-1", "reg-9", "tx-9", activated), ShouldBeNil)

			got, err := s.GetAsset(ctx, "asset-1")
			So(err, ShouldBeNil)
			So(got.Status, ShouldEqual, model.StatusActive)
			So(got.RegistrationID, ShouldEqual, "reg-9")
			So(got.TransactionRef, ShouldEqual, "tx-9")
			So(got.StorageURL, ShouldEqual, a.StorageURL)
			So(got.CreatedAt.Equal(created), ShouldBeTrue)
			So(got.ActivatedAt, ShouldNotBeNil)
			So(got.ActivatedAt.Equal(activated), ShouldBeTrue)
			So(got.VideoMetrics().RepCount, ShouldEqual, 4)
			So(got.VideoMetrics().RepTimestamps, ShouldResemble, []float64{1, 2, 3, 4})

			So(s.FailAsset(ctx, "asset-1", activated), ShouldBeNil)
			got, err = s.GetAsset(ctx, "asset-1")
			So(err, ShouldBeNil)
			So(got.Status, ShouldEqual, model.StatusFailed)

			_, err = s.GetAsset(ctx, "ghost")
			So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
			So(errors.Is(s.FailAsset(ctx, "ghost", activated), repository.ErrNotFound), ShouldBeTrue)
		})

		Convey("Assets are listed per athlete oldest first", func() {
			for i, id := range []string{"c", "a", "b"} {
				at := created.AddDate(0, 0, -i)
				So(s.CreateAsset(ctx, &model.Asset{
					ID: id, AthleteID: "ath-1", Kind: model.KindAudio, Status: model.StatusPending,
					CreatedAt: at, UpdatedAt: at,
				}), ShouldBeNil)
			}
			So(s.CreateAsset(ctx, &model.Asset{ID: "z", AthleteID: "ath-2", Kind: model.KindAudio,
				Status: model.StatusPending, CreatedAt: created, UpdatedAt: created}), ShouldBeNil)

			list, err := s.ListAssets(ctx, "ath-1")
			So(err, ShouldBeNil)
			So(len(list), ShouldEqual, 3)
			So(list[0].ID, ShouldEqual, "b")
			So(list[2].ID, ShouldEqual, "c")

			all, err := s.AllAssets(ctx)
			So(err, ShouldBeNil)
			So(len(all), ShouldEqual, 4)
		})

		Convey("Checkpoints round trip and can be filtered", func() {
			cp := &model.Checkpoint{
				AssetID: "asset-1", AthleteID: "ath-1", Kind: model.KindVideo, Stage: model.StageUploading,
				StorageURL: "http://media/asset-1.webm", Context: map[string]string{"exercise": "pushup"},
				UpdatedAt: created,
			}
			So(s.SaveCheckpoint(ctx, cp), ShouldBeNil)
			done := cp.Clone()
			done.AssetID = "asset-2"
			done.Completed = true
			done.Stage = model.StageComplete
			So(s.SaveCheckpoint(ctx, done), ShouldBeNil)

			cp.Stage = model.StageFailed
			cp.FailedStage = model.StageAnalyzing
			cp.FailureReason = "decoder crashed"
			So(s.SaveCheckpoint(ctx, cp), ShouldBeNil)

			got, err := s.LoadCheckpoint(ctx, "asset-1")
			So(err, ShouldBeNil)
			So(got.FailedStage, ShouldEqual, model.StageAnalyzing)
			So(got.StorageURL, ShouldEqual, cp.StorageURL)
			So(got.Context["exercise"], ShouldEqual, "pushup")

			open, err := s.ListCheckpoints(ctx, true)
			So(err, ShouldBeNil)
			So(len(open), ShouldEqual, 1)
			all, err := s.ListCheckpoints(ctx, false)
			So(err, ShouldBeNil)
			So(len(all), ShouldEqual, 2)

			_, err = s.LoadCheckpoint(ctx, "ghost")
			So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
		})
	})
}
