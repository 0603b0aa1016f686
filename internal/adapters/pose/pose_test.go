package pose

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/okian/trustrep/internal/domain/analysis"
	"github.com/okian/trustrep/internal/domain/model"
	"github.com/okian/trustrep/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func init() {
	_ = logger.Init()
}

// fakeWorker runs handle in-process behind a pair of pipes.
func fakeWorker(spawns *atomic.Int32, handle func(request) response) spawner {
	return func(context.Context) (*process, error) {
		spawns.Add(1)
		inR, inW := io.Pipe()
		outR, outW := io.Pipe()
		go func() {
			br := bufio.NewReader(inR)
			for {
				var req request
				if err := readMessage(br, &req); err != nil {
					_ = outW.CloseWithError(err)
					return
				}
				if err := writeMessage(outW, handle(req)); err != nil {
					return
				}
			}
		}()
		stop := func() error {
			_ = inR.Close()
			_ = outR.Close()
			return nil
		}
		return &process{stdin: inW, stdout: bufio.NewReader(outR), stop: stop}, nil
	}
}

func vis(v float64) *float64 { return &v }

func TestCodec(t *testing.T) {
	Convey("A message is a big-endian length followed by msgpack", t, func() {
		var buf bytes.Buffer
		So(writeMessage(&buf, request{Seq: 7, Width: 2, Height: 1, Pixels: []byte{1, 2, 3, 4, 5, 6}}), ShouldBeNil)

		n := binary.BigEndian.Uint32(buf.Bytes()[:4])
		So(int(n), ShouldEqual, buf.Len()-4)

		var got request
		So(readMessage(bufio.NewReader(&buf), &got), ShouldBeNil)
		So(got.Seq, ShouldEqual, 7)
		So(got.Pixels, ShouldResemble, []byte{1, 2, 3, 4, 5, 6})
	})

	Convey("An oversized length prefix is refused", t, func() {
		prefix := make([]byte, 4)
		binary.BigEndian.PutUint32(prefix, maxMessage+1)
		var got response
		err := readMessage(bufio.NewReader(bytes.NewReader(prefix)), &got)
		So(errors.Is(err, ErrFrameTooLarge), ShouldBeTrue)
	})
}

func TestEstimator(t *testing.T) {
	Convey("Given an estimator over a fake worker", t, func() {
		var spawns atomic.Int32
		ctx := context.Background()
		frame := analysis.Frame{Timestamp: 0.5, Width: 2, Height: 2, Pixels: make([]byte, 12)}

		Convey("Detected landmarks are returned in order", func() {
			e, err := NewEstimator("", withSpawner(fakeWorker(&spawns, func(req request) response {
				return response{Seq: req.Seq, Detected: true, Landmarks: []model.Landmark{
					{X: 0.1, Y: 0.2, Visibility: vis(0.9)},
					{X: 0.3, Y: 0.4},
				}}
			})))
			So(err, ShouldBeNil)
			defer func() { _ = e.Close() }()

			lms, err := e.Estimate(ctx, frame)
			So(err, ShouldBeNil)
			So(len(lms), ShouldEqual, 2)
			So(*lms[0].Visibility, ShouldEqual, 0.9)
			So(lms[1].Visibility, ShouldBeNil)

			Convey("And the worker is started once", func() {
				_, err := e.Estimate(ctx, frame)
				So(err, ShouldBeNil)
				So(spawns.Load(), ShouldEqual, 1)
			})
		})

		Convey("No detection yields no landmarks", func() {
			e, _ := NewEstimator("", withSpawner(fakeWorker(&spawns, func(req request) response {
				return response{Seq: req.Seq}
			})))
			lms, err := e.Estimate(ctx, frame)
			So(err, ShouldBeNil)
			So(lms, ShouldBeEmpty)
		})

		Convey("A worker-reported error is surfaced", func() {
			e, _ := NewEstimator("", withSpawner(fakeWorker(&spawns, func(req request) response {
				return response{Seq: req.Seq, Error: "model not loaded"}
			})))
			_, err := e.Estimate(ctx, frame)
			So(errors.Is(err, ErrWorkerFailed), ShouldBeTrue)
			So(err.Error(), ShouldContainSubstring, "model not loaded")
		})

		Convey("A sequence mismatch restarts the worker", func() {
			e, _ := NewEstimator("", withSpawner(fakeWorker(&spawns, func(req request) response {
				return response{Seq: req.Seq + 100}
			})))
			_, err := e.Estimate(ctx, frame)
			So(errors.Is(err, ErrSeqMismatch), ShouldBeTrue)
			_, _ = e.Estimate(ctx, frame)
			So(spawns.Load(), ShouldEqual, 2)
		})

		Convey("A hung worker times out", func() {
			e, _ := NewEstimator("", WithTimeout(50*time.Millisecond), withSpawner(fakeWorker(&spawns, func(req request) response {
				time.Sleep(300 * time.Millisecond)
				return response{Seq: req.Seq}
			})))
			_, err := e.Estimate(ctx, frame)
			So(errors.Is(err, ErrTimeout), ShouldBeTrue)
		})

		Convey("A closed estimator refuses work", func() {
			e, _ := NewEstimator("", withSpawner(fakeWorker(&spawns, func(req request) response {
				return response{Seq: req.Seq}
			})))
			So(e.Close(), ShouldBeNil)
			_, err := e.Estimate(ctx, frame)
			So(errors.Is(err, ErrClosed), ShouldBeTrue)
		})
	})

	Convey("A missing command is rejected", t, func() {
		_, err := NewEstimator("")
		So(errors.Is(err, ErrNoCommand), ShouldBeTrue)
	})
}
