//go:build gstreamer

package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	. "github.com/smartystreets/goconvey/convey"
)

// render runs a gst-launch description to end-of-stream.
func render(t *testing.T, desc string) {
	t.Helper()
	ensureInit()
	pipeline, err := gst.NewPipelineFromString(desc)
	if err != nil {
		t.Fatalf("build %q: %v", desc, err)
	}
	defer teardown(pipeline)
	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		t.Fatalf("play: %v", err)
	}
	bus := pipeline.GetPipelineBus()
	deadline := time.Now().Add(time.Minute)
	for time.Now().Before(deadline) {
		msg := bus.TimedPop(defaultPoll)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageEOS:
			return
		case gst.MessageError:
			t.Fatalf("render %q: %v", desc, msg.ParseError())
		}
	}
	t.Fatalf("render %q did not finish", desc)
}

// countFrames decodes path without resampling and returns the frame count.
func countFrames(t *testing.T, path string) int {
	t.Helper()
	ensureInit()
	pipeline, err := gst.NewPipelineFromString(fmt.Sprintf(
		"filesrc location=%s ! decodebin name=dec videoconvert name=video ! appsink name=count sync=false",
		quote(path)))
	if err != nil {
		t.Fatal(err)
	}
	defer teardown(pipeline)
	if _, err := linkDecoded(pipeline, "dec", "video"); err != nil {
		t.Fatal(err)
	}
	elem, err := pipeline.GetElementByName("count")
	if err != nil {
		t.Fatal(err)
	}
	sink := app.SinkFromElement(elem)
	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		t.Fatal(err)
	}
	n := 0
	for {
		if sample := sink.TryPullSample(time.Second); sample != nil {
			n++
			continue
		}
		if sink.IsEOS() {
			return n
		}
		t.Fatalf("no frame within a second after %d frames", n)
	}
}

func TestTranscodePipeline(t *testing.T) {
	Convey("Given recordings rendered by GStreamer", t, func() {
		dir := t.TempDir()
		ctx := context.Background()
		tr := NewTranscoder(WithEncoders("vp8enc"), WithStallTimeout(20*time.Second))

		videoOnly := filepath.Join(dir, "video-only.webm")
		render(t, fmt.Sprintf(
			"videotestsrc num-buffers=30 ! video/x-raw,width=1280,height=960,framerate=15/1 ! "+
				"vp8enc deadline=1 ! webmmux ! filesink location=%s", quote(videoOnly)))

		Convey("When a clip without audio is transcoded", func() {
			dst := filepath.Join(dir, "out.webm")
			var (
				mu             sync.Mutex
				reports        []float64
				existedAtFinal bool
			)
			err := tr.Transcode(ctx, videoOnly, dst, func(v float64) {
				mu.Lock()
				defer mu.Unlock()
				reports = append(reports, v)
				if v == 100 {
					_, statErr := os.Stat(dst)
					existedAtFinal = statErr == nil
				}
			})

			Convey("Then it finishes with a capped 30fps output", func() {
				So(err, ShouldBeNil)
				w, h, err := NewProber(0).Dimensions(ctx, dst)
				So(err, ShouldBeNil)
				So(h, ShouldBeLessThanOrEqualTo, 720)
				So(w, ShouldEqual, 960)
				// Two seconds at 30/1.
				So(countFrames(t, dst), ShouldBeBetweenOrEqual, 58, 62)
				_, statErr := os.Stat(dst + ".part")
				So(os.IsNotExist(statErr), ShouldBeTrue)
			})

			Convey("Then 100 is reported last, once the output exists", func() {
				So(err, ShouldBeNil)
				So(reports, ShouldNotBeEmpty)
				So(reports[len(reports)-1], ShouldEqual, 100)
				So(existedAtFinal, ShouldBeTrue)
				for i := 1; i < len(reports); i++ {
					So(reports[i], ShouldBeGreaterThanOrEqualTo, reports[i-1])
				}
			})
		})

		Convey("When a clip carries an audio track", func() {
			withAudio := filepath.Join(dir, "with-audio.mkv")
			render(t, fmt.Sprintf(
				"matroskamux name=mux ! filesink location=%s "+
					"audiotestsrc num-buffers=20 ! audioconvert ! vorbisenc ! queue ! mux. "+
					"videotestsrc num-buffers=30 ! video/x-raw,width=640,height=480,framerate=15/1 ! "+
					"vp8enc deadline=1 ! queue ! mux.", quote(withAudio)))
			dst := filepath.Join(dir, "audio-out.webm")

			err := tr.Transcode(ctx, withAudio, dst, nil)

			Convey("Then the audio is dropped and video survives", func() {
				So(err, ShouldBeNil)
				w, h, err := NewProber(0).Dimensions(ctx, dst)
				So(err, ShouldBeNil)
				So(w, ShouldEqual, 640)
				So(h, ShouldEqual, 480)
			})
		})

		Convey("When the source has no video", func() {
			audioOnly := filepath.Join(dir, "audio.ogg")
			render(t, fmt.Sprintf(
				"audiotestsrc num-buffers=20 ! audioconvert ! vorbisenc ! oggmux ! filesink location=%s",
				quote(audioOnly)))

			err := tr.Transcode(ctx, audioOnly, filepath.Join(dir, "none.webm"), nil)

			Convey("Then it fails as having no video", func() {
				So(errors.Is(err, ErrNoVideo), ShouldBeTrue)
			})
		})

		Convey("When the transcode is cancelled midway", func() {
			long := filepath.Join(dir, "long.webm")
			render(t, fmt.Sprintf(
				"videotestsrc num-buffers=600 ! video/x-raw,width=1280,height=720,framerate=30/1 ! "+
					"vp8enc deadline=1 ! webmmux ! filesink location=%s", quote(long)))
			dst := filepath.Join(dir, "cancelled.webm")

			cctx, cancel := context.WithCancel(ctx)
			defer cancel()
			err := tr.Transcode(cctx, long, dst, func(v float64) {
				if v < 100 {
					cancel()
				}
			})

			Convey("Then no output or partial file is left", func() {
				So(errors.Is(err, context.Canceled), ShouldBeTrue)
				_, statErr := os.Stat(dst)
				So(os.IsNotExist(statErr), ShouldBeTrue)
				_, statErr = os.Stat(dst + ".part")
				So(os.IsNotExist(statErr), ShouldBeTrue)
			})
		})
	})
}

func TestFrameDecoderPipeline(t *testing.T) {
	Convey("Given a two second clip without audio", t, func() {
		dir := t.TempDir()
		src := filepath.Join(dir, "clip.webm")
		render(t, fmt.Sprintf(
			"videotestsrc num-buffers=60 ! video/x-raw,width=640,height=480,framerate=30/1 ! "+
				"vp8enc deadline=1 ! webmmux ! filesink location=%s", quote(src)))

		Convey("When it is decoded at 15fps", func() {
			frames, err := NewFrameDecoder(WithAnalysisFPS(15)).OpenFrames(context.Background(), src)
			So(err, ShouldBeNil)
			defer func() { _ = frames.Close() }()

			n := 0
			var last error
			for {
				f, err := frames.Next(context.Background())
				if err != nil {
					last = err
					break
				}
				So(len(f.Pixels), ShouldEqual, f.Width*f.Height*3)
				n++
			}

			Convey("Then every frame arrives and the stream ends cleanly", func() {
				So(last, ShouldEqual, io.EOF)
				So(n, ShouldBeBetweenOrEqual, 29, 31)
			})
		})
	})
}
