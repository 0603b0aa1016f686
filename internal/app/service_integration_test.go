package service_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/okian/trustrep/internal/adapters/objectstore"
	"github.com/okian/trustrep/internal/adapters/repository"
	service "github.com/okian/trustrep/internal/app"
	"github.com/okian/trustrep/internal/domain/model"
	"github.com/okian/trustrep/internal/domain/scoring"
	"github.com/okian/trustrep/internal/domain/submission"
	. "github.com/smartystreets/goconvey/convey"
)

type copyTranscoder struct{}

func (copyTranscoder) Transcode(_ context.Context, src, dst string, progress func(float64)) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	progress(100)
	return out.Close()
}

type fixedAnalyzer struct{}

func (fixedAnalyzer) Analyze(_ context.Context, asset *model.Asset, mediaPath string) (*model.Metadata, error) {
	st, err := os.Stat(mediaPath)
	if err != nil {
		return nil, err
	}
	if asset.Kind == model.KindAudio {
		return model.NewAudioMetadata(model.AudioMetrics{DurationSeconds: 30, SizeBytes: st.Size()}), nil
	}
	return model.NewVideoMetadata(model.VideoMetrics{
		RangeOfMotion: 0.8, Consistency: 0.9, Cadence: 20, HumanConfidence: 1, RepCount: 12,
	}), nil
}

// flakyRegistrar fails the first failures calls.
type flakyRegistrar struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (r *flakyRegistrar) Register(_ context.Context, req submission.RegistrationRequest) (submission.Registration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.calls <= r.failures {
		return submission.Registration{}, errors.New("registry unavailable")
	}
	return submission.Registration{RegistrationID: "reg-" + req.AssetID, TransactionRef: "tx-" + req.AssetID}, nil
}

func (r *flakyRegistrar) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func newPipelineService(t *testing.T, registrar submission.Registrar) (*service.Service, *repository.MemStore) {
	root := t.TempDir()
	store := repository.NewMemStore()
	ranks := repository.NewRankIndex()
	agg := scoring.NewAggregator(store, store, scoring.WithRankIndex(ranks))

	objects, err := objectstore.NewFilesystem(filepath.Join(root, "media"), "/media")
	if err != nil {
		t.Fatal(err)
	}
	orch, err := submission.New(submission.Deps{
		Transcoder:  copyTranscoder{},
		Objects:     objects,
		Assets:      store,
		Profiles:    store,
		Checkpoints: store,
		Analyzer:    fixedAnalyzer{},
		Registrar:   registrar,
	}, submission.WithReputation(agg), submission.WithWorkDir(filepath.Join(root, "work")))
	if err != nil {
		t.Fatal(err)
	}

	svc, err := service.New(service.Deps{
		Orchestrator: orch,
		Store:        store,
		Reputation:   agg,
		Ranking:      ranks,
	},
		service.WithWorkerCount(4),
		service.WithUploadDir(filepath.Join(root, "uploads")),
		service.WithSweepSchedule("@every 1h"),
	)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := store.UpsertProfile(ctx, &model.Profile{AthleteID: "ath-1", IdentityVerified: true}); err != nil {
		t.Fatal(err)
	}
	if err := svc.Start(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Stop(ctx)
	})
	return svc, store
}

func waitFor(t *testing.T, svc *service.Service, assetID string, done func(*model.Checkpoint) bool) *model.Checkpoint {
	t.Helper()
	var cp *model.Checkpoint
	ok := eventually(func() bool {
		got, err := svc.Status(context.Background(), assetID)
		if err != nil {
			return false
		}
		cp = got
		return done(got)
	})
	if !ok {
		t.Fatalf("submission %s stuck at %+v", assetID, cp)
	}
	return cp
}

func TestServiceIntegration_Pipeline(t *testing.T) {
	Convey("Given a service running the real pipeline", t, func() {
		registrar := &flakyRegistrar{}
		svc, store := newPipelineService(t, registrar)
		ctx := context.Background()

		Convey("When a video and an audio note are submitted", func() {
			video, err := svc.Submit(ctx, submission.Request{
				AthleteID: "ath-1", Kind: "video", FileName: "squat.mov",
				Context: map[string]string{"exercise": "squat"},
			}, strings.NewReader("frames"))
			So(err, ShouldBeNil)
			audio, err := svc.Submit(ctx, submission.Request{
				AthleteID: "ath-1", Kind: "audio", FileName: "note.m4a",
			}, strings.NewReader("voice"))
			So(err, ShouldBeNil)

			waitFor(t, svc, video.AssetID, func(cp *model.Checkpoint) bool { return cp.Completed })
			waitFor(t, svc, audio.AssetID, func(cp *model.Checkpoint) bool { return cp.Completed })

			Convey("Then both assets are active with their metadata", func() {
				_, assets, err := svc.Athlete(ctx, "ath-1")
				So(err, ShouldBeNil)
				So(assets, ShouldHaveLength, 2)
				for _, a := range assets {
					So(a.Status, ShouldEqual, model.StatusActive)
					So(a.Metadata.Kind, ShouldEqual, a.Kind)
					So(a.RegistrationID, ShouldEqual, "reg-"+a.ID)
				}
			})

			Convey("And the athlete is ranked with the new reputation", func() {
				p, err := store.GetProfile(ctx, "ath-1")
				So(err, ShouldBeNil)
				So(p.Reputation, ShouldBeGreaterThan, 15)
				entry, err := svc.Rank(ctx, "ath-1")
				So(err, ShouldBeNil)
				So(entry.Rank, ShouldEqual, 1)
				So(entry.Score, ShouldEqual, p.Reputation)
			})
		})
	})
}

func TestServiceIntegration_FailAndResume(t *testing.T) {
	Convey("Given a registry that fails once", t, func() {
		registrar := &flakyRegistrar{failures: 1}
		svc, store := newPipelineService(t, registrar)
		ctx := context.Background()

		cp, err := svc.Submit(ctx, submission.Request{AthleteID: "ath-1", Kind: "video", FileName: "lunge.mp4"}, strings.NewReader("frames"))
		So(err, ShouldBeNil)

		failed := waitFor(t, svc, cp.AssetID, func(cp *model.Checkpoint) bool { return cp.Stage == model.StageFailed })

		Convey("Then the failure is recorded at registration with earlier outputs kept", func() {
			So(failed.FailedStage, ShouldEqual, model.StageRegistering)
			So(failed.MetadataStored, ShouldBeTrue)
			So(failed.RegistrationID, ShouldBeEmpty)
			So(eventually(func() bool { return svc.GetStats()["failed"] == int64(1) }), ShouldBeTrue)
		})

		Convey("When it is resumed", func() {
			So(eventually(func() bool {
				_, err := svc.Resume(ctx, cp.AssetID)
				return err == nil
			}), ShouldBeTrue)
			done := waitFor(t, svc, cp.AssetID, func(cp *model.Checkpoint) bool { return cp.Completed })

			Convey("Then only registration runs again and the asset activates", func() {
				So(done.RegistrationID, ShouldEqual, "reg-"+cp.AssetID)
				So(registrar.count(), ShouldEqual, 2)
				asset, err := store.GetAsset(ctx, cp.AssetID)
				So(err, ShouldBeNil)
				So(asset.Status, ShouldEqual, model.StatusActive)
			})

			Convey("And resuming again is refused", func() {
				_, err := svc.Resume(ctx, cp.AssetID)
				So(errors.Is(err, submission.ErrAlreadyComplete), ShouldBeTrue)
			})
		})

		Convey("When it is abandoned instead", func() {
			_, _, err := svc.Abandon(ctx, cp.AssetID, "duplicate")
			So(err, ShouldBeNil)

			Convey("Then the asset never counts", func() {
				waitFor(t, svc, cp.AssetID, func(cp *model.Checkpoint) bool { return cp.Abandoned })
				asset, err := store.GetAsset(ctx, cp.AssetID)
				So(err, ShouldBeNil)
				So(asset.Status, ShouldEqual, model.StatusFailed)
			})
		})
	})
}
