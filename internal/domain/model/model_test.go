package model_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/okian/trustrep/internal/domain/model"
	"github.com/smartystreets/goconvey/convey"
)

func TestMetadataUnion(t *testing.T) {
	convey.Convey("Given asset metadata", t, func() {
		convey.Convey("Video metadata validates and encodes with its kind tag", func() {
			md := model.NewVideoMetadata(model.VideoMetrics{RangeOfMotion: 0.8, RepCount: 3})
			convey.So(md.Validate(), convey.ShouldBeNil)

			raw, err := json.Marshal(md)
			convey.So(err, convey.ShouldBeNil)
			convey.So(string(raw), convey.ShouldContainSubstring, `"kind":"video"`)
			convey.So(string(raw), convey.ShouldNotContainSubstring, `"audio"`)

			var back model.Metadata
			convey.So(json.Unmarshal(raw, &back), convey.ShouldBeNil)
			convey.So(back.Video.RepCount, convey.ShouldEqual, 3)
		})

		convey.Convey("A mismatched variant is rejected", func() {
			md := &model.Metadata{Kind: model.KindAudio, Video: &model.VideoMetrics{}}
			convey.So(errors.Is(md.Validate(), model.ErrInvalidMetadata), convey.ShouldBeTrue)

			var back model.Metadata
			err := json.Unmarshal([]byte(`{"kind":"video","audio":{"duration_seconds":2}}`), &back)
			convey.So(errors.Is(err, model.ErrInvalidMetadata), convey.ShouldBeTrue)
		})

		convey.Convey("An unknown kind is rejected", func() {
			md := &model.Metadata{Kind: "image"}
			convey.So(errors.Is(md.Validate(), model.ErrUnknownKind), convey.ShouldBeTrue)
			_, err := model.ParseKind("image")
			convey.So(errors.Is(err, model.ErrUnknownKind), convey.ShouldBeTrue)
		})
	})
}

func TestAssetAccessors(t *testing.T) {
	convey.Convey("Video metrics are only exposed for video assets", t, func() {
		created := time.Date(2024, 3, 1, 23, 0, 0, 0, time.FixedZone("x", -3*3600))
		a := &model.Asset{Kind: model.KindAudio, Metadata: model.NewAudioMetadata(model.AudioMetrics{SizeBytes: 10}), CreatedAt: created}
		convey.So(a.VideoMetrics(), convey.ShouldBeNil)
		convey.So(a.ScoringTime().Month(), convey.ShouldEqual, time.March)
		convey.So(a.ScoringTime().Day(), convey.ShouldEqual, 2)

		v := &model.Asset{Kind: model.KindVideo, Metadata: model.NewVideoMetadata(model.VideoMetrics{Cadence: 12})}
		convey.So(v.VideoMetrics().Cadence, convey.ShouldEqual, 12)
	})
}

func TestRepetitionRecordClone(t *testing.T) {
	convey.Convey("Clone does not share timestamps", t, func() {
		r := model.RepetitionRecord{Count: 2, Timestamps: []float64{1, 2}}
		c := r.Clone()
		c.Timestamps[0] = 9
		convey.So(r.Timestamps[0], convey.ShouldEqual, 1)
		convey.So(c.Count, convey.ShouldEqual, 2)
	})
}

func TestJointFrameLandmark(t *testing.T) {
	convey.Convey("Landmark lookups are bounds checked", t, func() {
		vis := 0.4
		f := model.JointFrame{Landmarks: []model.Landmark{{X: 1, Visibility: &vis}}}
		l, ok := f.Landmark(0)
		convey.So(ok, convey.ShouldBeTrue)
		convey.So(l.VisibilityOr(1), convey.ShouldEqual, 0.4)
		_, ok = f.Landmark(model.LandmarkLeftHip)
		convey.So(ok, convey.ShouldBeFalse)
		convey.So(model.Landmark{}.VisibilityOr(1), convey.ShouldEqual, 1)
	})
}

func TestCheckpointClone(t *testing.T) {
	convey.Convey("A cloned checkpoint can be mutated independently", t, func() {
		cp := &model.Checkpoint{
			AssetID:  "a-1",
			Context:  map[string]string{"exercise": "pushup"},
			Metadata: model.NewVideoMetadata(model.VideoMetrics{RepTimestamps: []float64{1}}),
		}
		c := cp.Clone()
		c.Context["exercise"] = "squat"
		c.Metadata.Video.RepTimestamps[0] = 5
		convey.So(cp.Context["exercise"], convey.ShouldEqual, "pushup")
		convey.So(cp.Metadata.Video.RepTimestamps[0], convey.ShouldEqual, 1)
		convey.So((*model.Checkpoint)(nil).Clone(), convey.ShouldBeNil)
	})
}
