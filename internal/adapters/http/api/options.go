package api

import "net/http"

const (
	defaultMaxLimit  = 100
	defaultMaxUpload = 512 << 20
	maxJSONBody      = 1 << 20
)

type options struct {
	maxLimit    int
	maxUpload   int64
	mediaPrefix string
	media       http.Handler
}

// Option configures a Server.
type Option func(*options)

// WithMaxLeaderboardLimit caps the limit accepted by GET /leaderboard.
func WithMaxLeaderboardLimit(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxLimit = n
		}
	}
}

// WithMaxUploadBytes caps the size of a submission upload.
func WithMaxUploadBytes(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.maxUpload = n
		}
	}
}

// WithMedia serves stored media under prefix.
func WithMedia(prefix string, h http.Handler) Option {
	return func(o *options) {
		o.mediaPrefix = prefix
		o.media = h
	}
}
