package pose

import "errors"

var (
	ErrNoCommand     = errors.New("pose worker command not configured")
	ErrWorkerFailed  = errors.New("pose worker failed")
	ErrTimeout       = errors.New("pose worker did not answer in time")
	ErrSeqMismatch   = errors.New("pose worker answered out of sequence")
	ErrFrameTooLarge = errors.New("pose message exceeds size limit")
	ErrClosed        = errors.New("pose estimator closed")
)
