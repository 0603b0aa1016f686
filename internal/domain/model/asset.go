// Package model contains domain models passed between layers.
package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind discriminates the two asset classes.
type Kind string

// Asset kinds.
const (
	KindVideo Kind = "video"
	KindAudio Kind = "audio"
)

// ParseKind validates a kind received from outside the process.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindVideo, KindAudio:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

// Status is the lifecycle state of an asset.
type Status string

// Asset statuses. Only active assets contribute to scoring.
const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusFailed  Status = "failed"
)

// VideoMetrics are the analysis results of a video asset.
type VideoMetrics struct {
	RangeOfMotion   float64   `json:"range_of_motion"`
	Consistency     float64   `json:"consistency"`
	Cadence         float64   `json:"cadence"` // reps per minute
	HumanConfidence float64   `json:"human_confidence"`
	RepCount        int       `json:"rep_count"`
	RepTimestamps   []float64 `json:"rep_timestamps"`
	DurationSeconds float64   `json:"duration_seconds"`
	FramesAnalyzed  int       `json:"frames_analyzed"`
	FramesWithPose  int       `json:"frames_with_pose"`
}

// AudioMetrics are the analysis results of an audio asset.
type AudioMetrics struct {
	DurationSeconds float64 `json:"duration_seconds"`
	SizeBytes       int64   `json:"size_bytes"`
}

// Metadata is a tagged union keyed by Kind. Exactly one variant is set.
type Metadata struct {
	Kind  Kind          `json:"kind"`
	Video *VideoMetrics `json:"video,omitempty"`
	Audio *AudioMetrics `json:"audio,omitempty"`
}

// NewVideoMetadata wraps video metrics.
func NewVideoMetadata(m VideoMetrics) *Metadata {
	return &Metadata{Kind: KindVideo, Video: &m}
}

// NewAudioMetadata wraps audio metrics.
func NewAudioMetadata(m AudioMetrics) *Metadata {
	return &Metadata{Kind: KindAudio, Audio: &m}
}

// Validate checks that the populated variant matches Kind.
func (m *Metadata) Validate() error {
	if m == nil {
		return fmt.Errorf("%w: nil metadata", ErrInvalidMetadata)
	}
	switch m.Kind {
	case KindVideo:
		if m.Video == nil || m.Audio != nil {
			return fmt.Errorf("%w: video metadata must carry only video metrics", ErrInvalidMetadata)
		}
	case KindAudio:
		if m.Audio == nil || m.Video != nil {
			return fmt.Errorf("%w: audio metadata must carry only audio metrics", ErrInvalidMetadata)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, m.Kind)
	}
	return nil
}

// Clone returns a deep copy; nil stays nil.
func (m *Metadata) Clone() *Metadata {
	if m == nil {
		return nil
	}
	out := *m
	if m.Video != nil {
		v := *m.Video
		v.RepTimestamps = append([]float64(nil), m.Video.RepTimestamps...)
		out.Video = &v
	}
	if m.Audio != nil {
		a := *m.Audio
		out.Audio = &a
	}
	return &out
}

// UnmarshalJSON decodes and validates the union.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	type plain Metadata
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	md := Metadata(p)
	if err := md.Validate(); err != nil {
		return err
	}
	*m = md
	return nil
}

// Asset is the persisted unit of work.
type Asset struct {
	ID             string     `json:"id"`
	AthleteID      string     `json:"athlete_id"`
	Kind           Kind       `json:"kind"`
	Status         Status     `json:"status"`
	ObjectPath     string     `json:"object_path,omitempty"`
	StorageURL     string     `json:"storage_url,omitempty"`
	Metadata       *Metadata  `json:"metadata,omitempty"`
	RegistrationID string     `json:"registration_id,omitempty"`
	TransactionRef string     `json:"transaction_ref,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	ActivatedAt    *time.Time `json:"activated_at,omitempty"`
}

// VideoMetrics returns the video variant, or nil for audio assets and
// assets that were never analysed.
func (a *Asset) VideoMetrics() *VideoMetrics {
	if a.Metadata == nil || a.Metadata.Kind != KindVideo {
		return nil
	}
	return a.Metadata.Video
}

// ScoringTime is the date used for month buckets and ages.
func (a *Asset) ScoringTime() time.Time {
	return a.CreatedAt.UTC()
}
