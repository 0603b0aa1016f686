package media

import (
	"context"
	"fmt"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// Prober reads container facts by prerolling a decode pipeline.
type Prober struct {
	timeout time.Duration
}

// NewProber creates a prober. A zero timeout uses the default.
func NewProber(timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = defaultPreroll
	}
	return &Prober{timeout: timeout}
}

// Duration returns the playback length of the media at path.
func (p *Prober) Duration(ctx context.Context, path string) (time.Duration, error) {
	if err := checkSource(path); err != nil {
		return 0, err
	}
	ensureInit()
	pipeline, err := gst.NewPipelineFromString(fmt.Sprintf(
		"filesrc location=%s ! decodebin ! fakesink sync=false", quote(path)))
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrPipeline, err)
	}
	defer teardown(pipeline)

	if err := waitPreroll(ctx, pipeline, nil, p.timeout); err != nil {
		return 0, err
	}
	ok, ns := pipeline.QueryDuration(gst.FormatTime)
	if !ok || ns < 0 {
		return 0, fmt.Errorf("%w: duration unknown", ErrPipeline)
	}
	return time.Duration(ns), nil
}

// Dimensions returns the decoded width and height of the first video stream.
func (p *Prober) Dimensions(ctx context.Context, path string) (int, int, error) {
	if err := checkSource(path); err != nil {
		return 0, 0, err
	}
	ensureInit()
	pipeline, err := gst.NewPipelineFromString(fmt.Sprintf(
		"filesrc location=%s ! decodebin name=dec "+
			"videoconvert name=video ! video/x-raw,format=RGB ! appsink name=probe sync=false",
		quote(path)))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %w", ErrPipeline, err)
	}
	defer teardown(pipeline)

	linker, err := linkDecoded(pipeline, "dec", "video")
	if err != nil {
		return 0, 0, err
	}
	if err := waitPreroll(ctx, pipeline, linker, p.timeout); err != nil {
		return 0, 0, err
	}
	elem, err := pipeline.GetElementByName("probe")
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %w", ErrPipeline, err)
	}
	sample := app.SinkFromElement(elem).PullPreroll()
	if sample == nil {
		return 0, 0, ErrNoVideo
	}
	caps := sample.GetCaps()
	if caps == nil || caps.GetSize() == 0 {
		return 0, 0, ErrNoVideo
	}
	st := caps.GetStructureAt(0)
	w, werr := st.GetValue("width")
	h, herr := st.GetValue("height")
	width, wok := w.(int)
	height, hok := h.(int)
	if werr != nil || herr != nil || !wok || !hok {
		return 0, 0, fmt.Errorf("%w: caps %s carry no size", ErrNoVideo, caps.String())
	}
	return width, height, nil
}
