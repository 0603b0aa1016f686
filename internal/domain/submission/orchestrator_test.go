package submission_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/okian/trustrep/internal/domain/model"
	"github.com/okian/trustrep/internal/domain/submission"
	"github.com/okian/trustrep/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
	"github.com/stretchr/testify/mock"
)

func init() {
	_ = logger.Init()
}

var clock = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

type fixture struct {
	t           *testing.T
	dir         string
	source      string
	transcoder  *mockTranscoder
	objects     *mockObjects
	assets      *mockAssets
	profiles    *mockProfiles
	checkpoints *memCheckpoints
	analyzer    *mockAnalyzer
	registrar   *mockRegistrar
	reputation  *mockReputation
	publisher   *recordingPublisher
	orch        *submission.Orchestrator
}

func newFixture(t *testing.T, opts ...submission.Option) *fixture {
	dir := t.TempDir()
	source := filepath.Join(dir, "squat.mov")
	if err := os.WriteFile(source, []byte("raw recording"), 0o600); err != nil {
		t.Fatal(err)
	}
	f := &fixture{
		t:           t,
		dir:         dir,
		source:      source,
		transcoder:  &mockTranscoder{},
		objects:     &mockObjects{},
		assets:      &mockAssets{},
		profiles:    &mockProfiles{},
		checkpoints: newMemCheckpoints(),
		analyzer:    &mockAnalyzer{},
		registrar:   &mockRegistrar{},
		reputation:  &mockReputation{},
		publisher:   &recordingPublisher{},
	}
	f.profiles.On("GetProfile", mock.Anything, "ath-1").Return(&model.Profile{AthleteID: "ath-1"}, nil)
	f.profiles.On("GetProfile", mock.Anything, mock.Anything).Return(nil, model.ErrNotFound)

	opts = append([]submission.Option{
		submission.WithWorkDir(filepath.Join(dir, "work")),
		submission.WithReputation(f.reputation),
		submission.WithPublisher(f.publisher),
		submission.WithClock(func() time.Time { return clock }),
		submission.WithIDGenerator(func() string { return "asset-1" }),
	}, opts...)
	orch, err := submission.New(submission.Deps{
		Transcoder:  f.transcoder,
		Objects:     f.objects,
		Assets:      f.assets,
		Profiles:    f.profiles,
		Checkpoints: f.checkpoints,
		Analyzer:    f.analyzer,
		Registrar:   f.registrar,
	}, opts...)
	if err != nil {
		t.Fatal(err)
	}
	f.orch = orch
	return f
}

// happyPath wires every collaborator to succeed once.
func (f *fixture) happyPath() {
	f.transcoder.On("Transcode", mock.Anything, f.source, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			progress := args.Get(3).(func(float64))
			for p := 0.0; p <= 100; p += 10 {
				progress(p)
			}
			_ = os.WriteFile(args.String(2), []byte("webm"), 0o600)
		}).Return(nil)
	f.objects.On("Put", mock.Anything, "athletes/ath-1/video/asset-1.webm", mock.Anything, "video/webm").
		Run(func(args mock.Arguments) {
			_, _ = io.ReadAll(args.Get(2).(io.Reader))
		}).Return("https://media.example/athletes/ath-1/video/asset-1.webm", nil)
	f.assets.On("CreateAsset", mock.Anything, mock.Anything).Return(nil)
	f.assets.On("GetAsset", mock.Anything, "asset-1").Return(&model.Asset{ID: "asset-1", Kind: model.KindVideo}, nil)
	f.assets.On("UpdateMetadata", mock.Anything, "asset-1", mock.Anything).Return(nil)
	f.assets.On("ActivateAsset", mock.Anything, "asset-1", "reg-9", "tx-9", clock).Return(nil)
	f.registrar.On("Register", mock.Anything, mock.Anything).
		Return(submission.Registration{RegistrationID: "reg-9", TransactionRef: "tx-9"}, nil)
	f.reputation.On("Recalculate", mock.Anything, "ath-1").Return(42, nil)
}

func (f *fixture) request() submission.Request {
	return submission.Request{AthleteID: "ath-1", Kind: "video", SourcePath: f.source, FileName: "squat.mov"}
}

func videoMetadata() *model.Metadata {
	return model.NewVideoMetadata(model.VideoMetrics{RepCount: 3, RangeOfMotion: 0.8, Consistency: 0.9, Cadence: 12})
}

func drain(ch <-chan submission.Event) []submission.Event {
	var out []submission.Event
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

// stages drops progress events.
func stages(events []submission.Event) []model.Stage {
	var out []model.Stage
	for _, ev := range events {
		if ev.Progress == nil {
			out = append(out, ev.Stage)
		}
	}
	return out
}

func TestSubmitHappyPath(t *testing.T) {
	Convey("Given every collaborator succeeds", t, func() {
		f := newFixture(t)
		f.happyPath()
		f.analyzer.On("Analyze", mock.Anything, mock.Anything, mock.Anything).Return(videoMetadata(), nil)

		Convey("A video submission runs every stage in order", func() {
			ch, err := f.orch.Submit(context.Background(), f.request())
			So(err, ShouldBeNil)
			events := drain(ch)

			So(stages(events), ShouldResemble, []model.Stage{
				model.StageIdle, model.StageCompressing, model.StageUploading, model.StageCreatingRecord,
				model.StageAnalyzing, model.StageUpdatingMetadata, model.StageRegistering, model.StageComplete,
			})
			So(events[len(events)-1].Terminal(), ShouldBeTrue)
			So(events[len(events)-1].Err, ShouldBeNil)

			cp := f.checkpoints.get("asset-1")
			So(cp.Completed, ShouldBeTrue)
			So(cp.Stage, ShouldEqual, model.StageComplete)
			So(cp.RegistrationID, ShouldEqual, "reg-9")
			So(cp.TransactionRef, ShouldEqual, "tx-9")
			So(cp.StorageURL, ShouldEqual, "https://media.example/athletes/ath-1/video/asset-1.webm")
			So(cp.MetadataStored, ShouldBeTrue)

			Convey("The transcoded artifact is removed and the source kept", func() {
				_, err := os.Stat(cp.CompressedPath)
				So(os.IsNotExist(err), ShouldBeTrue)
				_, err = os.Stat(f.source)
				So(err, ShouldBeNil)
			})

			Convey("Progress is reported for compression and upload", func() {
				var compress, upload int
				for _, ev := range events {
					if ev.Progress == nil {
						continue
					}
					So(*ev.Progress, ShouldBeBetweenOrEqual, 0.0, 100.0)
					switch ev.Stage {
					case model.StageCompressing:
						compress++
					case model.StageUploading:
						upload++
					}
				}
				So(compress, ShouldBeGreaterThan, 1)
				So(upload, ShouldBeGreaterThan, 0)
			})

			Convey("The publisher sees the same stream", func() {
				So(len(f.publisher.events), ShouldEqual, len(events))
			})

			Convey("Reputation is recalculated and the asset activated", func() {
				f.reputation.AssertCalled(t, "Recalculate", mock.Anything, "ath-1")
				f.assets.AssertCalled(t, "ActivateAsset", mock.Anything, "asset-1", "reg-9", "tx-9", clock)
			})

			Convey("Resuming a completed submission is refused", func() {
				_, err := f.orch.Resume(context.Background(), "asset-1")
				So(errors.Is(err, submission.ErrAlreadyComplete), ShouldBeTrue)
			})
		})

		Convey("The created asset is pending with the checkpoint's storage data", func() {
			ctx := context.Background()
			_, err := f.orch.Start(ctx, f.request())
			So(err, ShouldBeNil)
			So(f.orch.Execute(ctx, "asset-1", nil), ShouldBeNil)

			f.assets.AssertCalled(t, "CreateAsset", mock.Anything, mock.MatchedBy(func(a *model.Asset) bool {
				return a.ID == "asset-1" && a.Status == model.StatusPending && a.AthleteID == "ath-1" &&
					a.ObjectPath == "athletes/ath-1/video/asset-1.webm" && a.CreatedAt.Equal(clock)
			}))
		})
	})
}

func TestSubmitUndrainedStream(t *testing.T) {
	Convey("Given a one-event buffer nobody reads", t, func() {
		f := newFixture(t, submission.WithEventBuffer(1))
		f.happyPath()
		f.analyzer.On("Analyze", mock.Anything, mock.Anything, mock.Anything).Return(videoMetadata(), nil)

		ctx, cancel := context.WithCancel(context.Background())
		ch, err := f.orch.Submit(ctx, f.request())
		So(err, ShouldBeNil)

		Convey("When the caller cancels", func() {
			cancel()
			time.Sleep(200 * time.Millisecond)

			Convey("Then the stream closes holding only what was buffered", func() {
				var got []submission.Event
				timeout := time.After(2 * time.Second)
			read:
				for {
					select {
					case ev, ok := <-ch:
						if !ok {
							break read
						}
						got = append(got, ev)
					case <-timeout:
						t.Fatal("event stream did not close after cancellation")
					}
				}
				So(len(got), ShouldBeLessThanOrEqualTo, 1)
			})
		})
	})
}

func TestSubmitAnalysisFailureAndResume(t *testing.T) {
	Convey("Given analysis fails after upload and record creation", t, func() {
		f := newFixture(t)
		f.happyPath()
		f.analyzer.On("Analyze", mock.Anything, mock.Anything, mock.Anything).
			Return(nil, errors.New("pose worker crashed")).Once()

		ch, err := f.orch.Submit(context.Background(), f.request())
		So(err, ShouldBeNil)
		events := drain(ch)

		Convey("The stream ends with Failed at Analyzing", func() {
			So(stages(events), ShouldResemble, []model.Stage{
				model.StageIdle, model.StageCompressing, model.StageUploading,
				model.StageCreatingRecord, model.StageAnalyzing, model.StageFailed,
			})
			last := events[len(events)-1]
			So(last.Err, ShouldNotBeNil)
			So(last.Err.Stage, ShouldEqual, model.StageAnalyzing)
			So(last.Err.Reason, ShouldContainSubstring, "pose worker crashed")
		})

		Convey("The checkpoint keeps the upload and record", func() {
			cp := f.checkpoints.get("asset-1")
			So(cp.Stage, ShouldEqual, model.StageFailed)
			So(cp.FailedStage, ShouldEqual, model.StageAnalyzing)
			So(cp.StorageURL, ShouldNotBeEmpty)
			So(cp.RecordCreated, ShouldBeTrue)
			So(cp.Metadata, ShouldBeNil)
			f.assets.AssertNotCalled(t, "ActivateAsset", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
			f.registrar.AssertNotCalled(t, "Register", mock.Anything, mock.Anything)
		})

		Convey("Resume continues at Analyzing without re-uploading", func() {
			f.analyzer.On("Analyze", mock.Anything, mock.Anything, mock.Anything).Return(videoMetadata(), nil).Once()

			ch, err := f.orch.Resume(context.Background(), "asset-1")
			So(err, ShouldBeNil)
			resumed := drain(ch)

			So(stages(resumed), ShouldResemble, []model.Stage{
				model.StageIdle, model.StageAnalyzing, model.StageUpdatingMetadata,
				model.StageRegistering, model.StageComplete,
			})
			f.transcoder.AssertNumberOfCalls(t, "Transcode", 1)
			f.objects.AssertNumberOfCalls(t, "Put", 1)
			f.assets.AssertNumberOfCalls(t, "CreateAsset", 1)

			cp := f.checkpoints.get("asset-1")
			So(cp.Completed, ShouldBeTrue)
			So(cp.FailedStage, ShouldBeEmpty)
			So(cp.FailureReason, ShouldBeEmpty)
		})

		Convey("Resume fetches the media back when the local file is gone", func() {
			cp := f.checkpoints.get("asset-1")
			So(os.Remove(cp.CompressedPath), ShouldBeNil)

			f.objects.On("Open", mock.Anything, "athletes/ath-1/video/asset-1.webm").
				Return(io.NopCloser(strings.NewReader("webm")), nil).Once()
			f.analyzer.On("Analyze", mock.Anything, mock.Anything, mock.MatchedBy(func(p string) bool {
				return strings.HasSuffix(p, "asset-1-fetched.webm")
			})).Return(videoMetadata(), nil).Once()

			ch, err := f.orch.Resume(context.Background(), "asset-1")
			So(err, ShouldBeNil)
			resumed := drain(ch)

			So(resumed[len(resumed)-1].Stage, ShouldEqual, model.StageComplete)
			f.objects.AssertNumberOfCalls(t, "Put", 1)
			f.objects.AssertNumberOfCalls(t, "Open", 1)
		})

		Convey("Abandon marks the asset failed and blocks resume", func() {
			f.assets.On("FailAsset", mock.Anything, "asset-1", clock).Return(nil)

			cp, err := f.orch.Abandon(context.Background(), "asset-1", "user cancelled")
			So(err, ShouldBeNil)
			So(cp.Abandoned, ShouldBeTrue)
			So(cp.Stage, ShouldEqual, model.StageFailed)
			So(cp.FailedStage, ShouldEqual, model.StageAnalyzing)
			So(cp.FailureReason, ShouldEqual, "abandoned: user cancelled")
			f.assets.AssertCalled(t, "FailAsset", mock.Anything, "asset-1", clock)

			_, err = f.orch.Resume(context.Background(), "asset-1")
			So(errors.Is(err, submission.ErrAbandoned), ShouldBeTrue)
		})
	})
}

func TestRegistrationIsNotRepeated(t *testing.T) {
	Convey("Given activation fails after the registrar answered", t, func() {
		f := newFixture(t)
		f.transcoder.On("Transcode", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Run(func(args mock.Arguments) { _ = os.WriteFile(args.String(2), []byte("webm"), 0o600) }).Return(nil)
		f.objects.On("Put", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return("https://media.example/x", nil)
		f.assets.On("CreateAsset", mock.Anything, mock.Anything).Return(nil)
		f.assets.On("GetAsset", mock.Anything, "asset-1").Return(&model.Asset{ID: "asset-1", Kind: model.KindVideo}, nil)
		f.assets.On("UpdateMetadata", mock.Anything, "asset-1", mock.Anything).Return(nil)
		f.analyzer.On("Analyze", mock.Anything, mock.Anything, mock.Anything).Return(videoMetadata(), nil)
		f.registrar.On("Register", mock.Anything, mock.Anything).
			Return(submission.Registration{RegistrationID: "reg-1", TransactionRef: "tx-1"}, nil)
		f.assets.On("ActivateAsset", mock.Anything, "asset-1", "reg-1", "tx-1", clock).Return(errors.New("db down")).Once()
		f.reputation.On("Recalculate", mock.Anything, "ath-1").Return(0, errors.New("store down"))

		ctx := context.Background()
		_, err := f.orch.Start(ctx, f.request())
		So(err, ShouldBeNil)

		err = f.orch.Execute(ctx, "asset-1", nil)
		var serr *submission.StageError
		So(errors.As(err, &serr), ShouldBeTrue)
		So(serr.Stage, ShouldEqual, model.StageRegistering)

		cp := f.checkpoints.get("asset-1")
		So(cp.RegistrationID, ShouldEqual, "reg-1")

		Convey("Resume activates with the stored identifiers", func() {
			f.assets.On("ActivateAsset", mock.Anything, "asset-1", "reg-1", "tx-1", clock).Return(nil).Once()

			So(f.orch.Execute(ctx, "asset-1", nil), ShouldBeNil)
			f.registrar.AssertNumberOfCalls(t, "Register", 1)

			Convey("A reputation failure does not fail the submission", func() {
				So(f.checkpoints.get("asset-1").Completed, ShouldBeTrue)
			})
		})
	})
}

func TestSubmitInputErrors(t *testing.T) {
	Convey("Given a fresh orchestrator", t, func() {
		f := newFixture(t)
		ctx := context.Background()

		Convey("Missing athlete id is rejected", func() {
			req := f.request()
			req.AthleteID = " "
			_, err := f.orch.Submit(ctx, req)
			So(errors.Is(err, submission.ErrInvalidRequest), ShouldBeTrue)
		})

		Convey("Unknown kind is rejected", func() {
			req := f.request()
			req.Kind = "image"
			_, err := f.orch.Submit(ctx, req)
			So(errors.Is(err, submission.ErrInvalidRequest), ShouldBeTrue)
			So(errors.Is(err, model.ErrUnknownKind), ShouldBeTrue)
		})

		Convey("A missing source file is rejected", func() {
			req := f.request()
			req.SourcePath = filepath.Join(f.dir, "nope.mov")
			_, err := f.orch.Submit(ctx, req)
			So(errors.Is(err, submission.ErrUnreadableSource), ShouldBeTrue)
		})

		Convey("An empty source file is rejected", func() {
			empty := filepath.Join(f.dir, "empty.mov")
			So(os.WriteFile(empty, nil, 0o600), ShouldBeNil)
			req := f.request()
			req.SourcePath = empty
			_, err := f.orch.Submit(ctx, req)
			So(errors.Is(err, submission.ErrUnreadableSource), ShouldBeTrue)
		})

		Convey("An unknown athlete is rejected", func() {
			req := f.request()
			req.AthleteID = "ghost"
			_, err := f.orch.Submit(ctx, req)
			So(errors.Is(err, submission.ErrUnknownAthlete), ShouldBeTrue)
		})

		Convey("Nothing is persisted for rejected input", func() {
			req := f.request()
			req.Kind = ""
			_, _ = f.orch.Submit(ctx, req)
			So(f.checkpoints.len(), ShouldEqual, 0)
		})

		Convey("Unknown submissions cannot be resumed or abandoned", func() {
			_, err := f.orch.Resume(ctx, "missing")
			So(errors.Is(err, submission.ErrNotFound), ShouldBeTrue)
			_, err = f.orch.Abandon(ctx, "missing", "")
			So(errors.Is(err, submission.ErrNotFound), ShouldBeTrue)
		})
	})
}

func TestAudioAndEdgeCases(t *testing.T) {
	Convey("Given an audio submission", t, func() {
		f := newFixture(t)
		clip := filepath.Join(f.dir, "voice.mp3")
		So(os.WriteFile(clip, []byte("ID3 audio"), 0o600), ShouldBeNil)

		f.objects.On("Put", mock.Anything, "athletes/ath-1/audio/asset-1.mp3", mock.Anything, mock.Anything).
			Return("https://media.example/a.mp3", nil)
		f.assets.On("CreateAsset", mock.Anything, mock.Anything).Return(model.ErrAlreadyExists)
		f.assets.On("GetAsset", mock.Anything, "asset-1").Return(&model.Asset{ID: "asset-1", Kind: model.KindAudio}, nil)
		f.assets.On("UpdateMetadata", mock.Anything, "asset-1", mock.Anything).Return(nil)
		f.assets.On("ActivateAsset", mock.Anything, "asset-1", "reg-a", "", clock).Return(nil)
		f.registrar.On("Register", mock.Anything, mock.MatchedBy(func(r submission.RegistrationRequest) bool {
			return r.Kind == model.KindAudio && r.MediaURL == "https://media.example/a.mp3"
		})).Return(submission.Registration{RegistrationID: "reg-a"}, nil)
		f.reputation.On("Recalculate", mock.Anything, "ath-1").Return(10, nil)

		req := submission.Request{AthleteID: "ath-1", Kind: "audio", SourcePath: clip, FileName: "voice.mp3"}

		Convey("Transcoding is skipped and an existing record is reused", func() {
			f.analyzer.On("Analyze", mock.Anything, mock.Anything, clip).
				Return(model.NewAudioMetadata(model.AudioMetrics{DurationSeconds: 4, SizeBytes: 9}), nil)

			ch, err := f.orch.Submit(context.Background(), req)
			So(err, ShouldBeNil)
			events := drain(ch)

			So(events[len(events)-1].Stage, ShouldEqual, model.StageComplete)
			f.transcoder.AssertNotCalled(t, "Transcode", mock.Anything, mock.Anything, mock.Anything, mock.Anything)

			Convey("The source recording survives completion", func() {
				_, err := os.Stat(clip)
				So(err, ShouldBeNil)
			})
		})

		Convey("Metadata of the wrong kind fails analysis", func() {
			f.analyzer.On("Analyze", mock.Anything, mock.Anything, clip).Return(videoMetadata(), nil)

			ch, err := f.orch.Submit(context.Background(), req)
			So(err, ShouldBeNil)
			events := drain(ch)

			last := events[len(events)-1]
			So(last.Stage, ShouldEqual, model.StageFailed)
			So(errors.Is(last.Err, submission.ErrMetadataMismatch), ShouldBeTrue)
		})
	})

	Convey("Given a cancelled context", t, func() {
		f := newFixture(t)
		ctx := context.Background()
		_, err := f.orch.Start(ctx, f.request())
		So(err, ShouldBeNil)

		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		Convey("No stage starts and the checkpoint stays resumable", func() {
			err := f.orch.Execute(cancelled, "asset-1", nil)
			var serr *submission.StageError
			So(errors.As(err, &serr), ShouldBeTrue)
			So(serr.Stage, ShouldEqual, model.StageCompressing)
			So(errors.Is(err, context.Canceled), ShouldBeTrue)
			f.transcoder.AssertNotCalled(t, "Transcode", mock.Anything, mock.Anything, mock.Anything, mock.Anything)

			cp, err := f.orch.PrepareResume(ctx, "asset-1")
			So(err, ShouldBeNil)
			So(cp.FailedStage, ShouldEqual, model.StageCompressing)
		})
	})

	Convey("Missing collaborators are reported", t, func() {
		_, err := submission.New(submission.Deps{})
		So(errors.Is(err, submission.ErrMissingDependency), ShouldBeTrue)
		So(err.Error(), ShouldContainSubstring, "registrar")
	})
}

func TestStageTransitions(t *testing.T) {
	Convey("The transition table", t, func() {
		So(submission.CanTransition(model.StageIdle, model.StageAnalyzing), ShouldBeTrue)
		So(submission.CanTransition(model.StageUploading, model.StageCreatingRecord), ShouldBeTrue)
		So(submission.CanTransition(model.StageUploading, model.StageAnalyzing), ShouldBeFalse)
		So(submission.CanTransition(model.StageRegistering, model.StageComplete), ShouldBeTrue)
		So(submission.CanTransition(model.StageComplete, model.StageIdle), ShouldBeFalse)
		So(submission.CanTransition(model.StageFailed, model.StageIdle), ShouldBeTrue)
		So(submission.ObjectPath("a", model.KindVideo, "x", ".webm"), ShouldEqual, "athletes/a/video/x.webm")
	})
}
