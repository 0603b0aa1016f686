// Package media runs GStreamer pipelines for transcoding, frame decoding and
// probing recordings.
package media

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
)

var initOnce sync.Once

func ensureInit() {
	initOnce.Do(func() { gst.Init(nil) })
}

// elementAvailable reports whether the element factory name is installed.
func elementAvailable(name string) bool {
	ensureInit()
	elem, err := gst.NewElement(name)
	if err != nil || elem == nil {
		return false
	}
	_ = elem.SetState(gst.StateNull)
	return true
}

// checkSource fails with ErrUnreadableSource unless path is a readable,
// non-empty regular file.
func checkSource(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnreadableSource, err)
	}
	defer func() { _ = f.Close() }()
	st, err := f.Stat()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnreadableSource, err)
	}
	if !st.Mode().IsRegular() || st.Size() == 0 {
		return fmt.Errorf("%w: %s", ErrUnreadableSource, path)
	}
	return nil
}

// quote escapes a path for the gst-launch syntax.
func quote(path string) string {
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(path) + `"`
}

// scaleDimensions caps height at maxHeight keeping the aspect ratio. Both
// sides are even because most encoders require it.
func scaleDimensions(width, height, maxHeight int) (int, int) {
	if width <= 0 || height <= 0 {
		return 0, 0
	}
	if maxHeight <= 0 || height <= maxHeight {
		return even(width), even(height)
	}
	w := int(float64(width)*float64(maxHeight)/float64(height) + 0.5)
	return even(w), even(maxHeight)
}

func even(v int) int {
	if v%2 != 0 {
		v--
	}
	if v < 2 {
		return 2
	}
	return v
}

// decodeLinker routes the pads decodebin exposes. The first raw video pad is
// linked to the video branch; every other pad is drained into its own
// fakesink so each sink in the pipeline reaches end-of-stream.
type decodeLinker struct {
	pipeline *gst.Pipeline
	target   *gst.Pad

	mu      sync.Mutex
	video   bool
	noMore  atomic.Bool
	linkErr error
}

// linkDecoded connects the decodebin named decName to the sink pad of the
// element named branchName.
func linkDecoded(pipeline *gst.Pipeline, decName, branchName string) (*decodeLinker, error) {
	dec, err := pipeline.GetElementByName(decName)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPipeline, err)
	}
	branch, err := pipeline.GetElementByName(branchName)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPipeline, err)
	}
	target := branch.GetStaticPad("sink")
	if target == nil {
		return nil, fmt.Errorf("%w: %s has no sink pad", ErrPipeline, branchName)
	}
	l := &decodeLinker{pipeline: pipeline, target: target}
	if _, err := dec.Connect("pad-added", func(_ *gst.Element, pad *gst.Pad) {
		l.padAdded(pad)
	}); err != nil {
		return nil, fmt.Errorf("%w: pad-added: %w", ErrPipeline, err)
	}
	if _, err := dec.Connect("no-more-pads", func(_ *gst.Element) {
		l.noMore.Store(true)
	}); err != nil {
		return nil, fmt.Errorf("%w: no-more-pads: %w", ErrPipeline, err)
	}
	return l, nil
}

func (l *decodeLinker) padAdded(pad *gst.Pad) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.video && strings.HasPrefix(padMediaType(pad), "video/") {
		if ret := pad.Link(l.target); ret != gst.PadLinkOK {
			l.linkErr = fmt.Errorf("%w: link video pad %s: %v", ErrPipeline, pad.GetName(), ret)
			return
		}
		l.video = true
		return
	}
	if err := l.discard(pad); err != nil && l.linkErr == nil {
		l.linkErr = err
	}
}

// discard links pad into a fresh fakesink.
func (l *decodeLinker) discard(pad *gst.Pad) error {
	sink, err := gst.NewElement("fakesink")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPipeline, err)
	}
	_ = sink.SetProperty("sync", false)
	_ = sink.SetProperty("async", false)
	if err := l.pipeline.Add(sink); err != nil {
		return fmt.Errorf("%w: %w", ErrPipeline, err)
	}
	sink.SyncStateWithParent()
	if ret := pad.Link(sink.GetStaticPad("sink")); ret != gst.PadLinkOK {
		return fmt.Errorf("%w: link pad %s: %v", ErrPipeline, pad.GetName(), ret)
	}
	return nil
}

// failure reports a linking error, or ErrNoVideo once decodebin exposed all
// of its pads without a video stream among them.
func (l *decodeLinker) failure() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.linkErr != nil {
		return l.linkErr
	}
	if l.noMore.Load() && !l.video {
		return ErrNoVideo
	}
	return nil
}

func padMediaType(pad *gst.Pad) string {
	caps := pad.GetCurrentCaps()
	if caps == nil {
		caps = pad.QueryCaps(nil)
	}
	if caps == nil || caps.GetSize() == 0 {
		return ""
	}
	return caps.GetStructureAt(0).Name()
}

// waitPreroll pauses the pipeline and blocks until it prerolled or failed.
func waitPreroll(ctx context.Context, pipeline *gst.Pipeline, linker *decodeLinker, timeout time.Duration) error {
	if err := pipeline.SetState(gst.StatePaused); err != nil {
		return fmt.Errorf("%w: pause: %w", ErrPipeline, err)
	}
	bus := pipeline.GetPipelineBus()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if linker != nil {
			if err := linker.failure(); err != nil {
				return err
			}
		}
		msg := bus.TimedPop(defaultPoll)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageAsyncDone:
			return nil
		case gst.MessageError:
			gerr := msg.ParseError()
			return fmt.Errorf("%w: %s", ErrUnreadableSource, gerr.Error())
		case gst.MessageEOS:
			return nil
		}
	}
	return fmt.Errorf("%w: preroll timed out after %s", ErrPipeline, timeout)
}

// teardown brings a pipeline to NULL, releasing every handle it owns.
func teardown(pipeline *gst.Pipeline) {
	if pipeline != nil {
		_ = pipeline.SetState(gst.StateNull)
	}
}
