package media

import "errors"

var (
	ErrUnreadableSource   = errors.New("source media is not readable")
	ErrEncoderUnavailable = errors.New("no video encoder available")
	ErrNoVideo            = errors.New("media has no video stream")
	ErrPipeline           = errors.New("media pipeline failed")
	ErrStalled            = errors.New("media pipeline made no progress")
)
