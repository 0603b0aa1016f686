// Package repetition counts exercise repetitions from a stream of body poses.
//
// The machine has three phases. A rep is counted on the transition back to
// standing after the torso has gone horizontal and risen past the extension
// threshold. The gap between the down and up thresholds absorbs landmark jitter
// so a noisy stream oscillating around one boundary is never double counted.
package repetition

import (
	"fmt"
	"math"
	"sync"

	"github.com/okian/trustrep/internal/domain/model"
)

// Phase is the current position in the rep cycle.
type Phase string

// Phases of the machine. There is no terminal phase.
const (
	PhaseStanding Phase = "standing"
	PhaseDown     Phase = "down"
	PhaseUp       Phase = "up"
)

// Feedback texts.
const (
	FeedbackNoPose   = "no pose detected"
	FeedbackStanding = "lower your body"
	FeedbackDown     = "push back up"
	FeedbackUp       = "extend fully"
	FeedbackRep      = "rep counted"
)

// FrameResult is the per-frame output of the machine.
type FrameResult struct {
	RepCount     int
	Phase        Phase
	Feedback     string
	PoseDetected bool
	Verticality  float64
}

// Machine is the repetition state machine for one analysis pass.
type Machine struct {
	mu sync.Mutex

	down, up, extension float64
	minVisibility       float64

	phase   Phase
	record  model.RepetitionRecord
	lastTS  float64
	started bool
}

// NewMachine creates a machine in the standing phase.
func NewMachine(opts ...Option) *Machine {
	m := &Machine{
		down:          DefaultDownThreshold,
		up:            DefaultUpThreshold,
		extension:     DefaultExtensionThreshold,
		minVisibility: DefaultMinVisibility,
		phase:         PhaseStanding,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ProcessFrame advances the machine by one frame. Timestamp errors leave the
// machine untouched; a frame without a usable pose only advances the clock.
func (m *Machine) ProcessFrame(frame model.JointFrame) (FrameResult, error) {
	ts := frame.Timestamp
	if math.IsNaN(ts) || math.IsInf(ts, 0) || ts < 0 {
		return FrameResult{}, fmt.Errorf("%w: %v", ErrInvalidTimestamp, ts)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started && ts < m.lastTS {
		return FrameResult{}, fmt.Errorf("%w: %.3f after %.3f", ErrOutOfOrder, ts, m.lastTS)
	}
	m.started = true
	m.lastTS = ts

	v, ok := m.verticality(frame)
	if !ok {
		return FrameResult{
			RepCount: m.record.Count,
			Phase:    m.phase,
			Feedback: FeedbackNoPose,
		}, nil
	}

	feedback := ""
	switch m.phase {
	case PhaseStanding:
		if v < m.down {
			m.phase = PhaseDown
		}
	case PhaseDown:
		if v > m.up {
			m.phase = PhaseUp
		}
	case PhaseUp:
		switch {
		case v > m.extension:
			m.phase = PhaseStanding
			m.record.Count++
			m.record.Timestamps = append(m.record.Timestamps, ts)
			feedback = FeedbackRep
		case v < m.down:
			m.phase = PhaseDown
		}
	}
	if feedback == "" {
		feedback = phaseFeedback(m.phase)
	}

	return FrameResult{
		RepCount:     m.record.Count,
		Phase:        m.phase,
		Feedback:     feedback,
		PoseDetected: true,
		Verticality:  v,
	}, nil
}

// Result returns a snapshot of the repetition record.
func (m *Machine) Result() model.RepetitionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record.Clone()
}

// Phase returns the current phase.
func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Reset returns the machine to its initial state.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phase = PhaseStanding
	m.record = model.RepetitionRecord{}
	m.lastTS = 0
	m.started = false
}

// verticality averages left and right hip and shoulder heights. It reports
// false when any of the four landmarks is absent, non-finite or not visible enough.
func (m *Machine) verticality(frame model.JointFrame) (float64, bool) {
	var ys [4]float64
	for i, idx := range [4]int{
		model.LandmarkLeftShoulder, model.LandmarkRightShoulder,
		model.LandmarkLeftHip, model.LandmarkRightHip,
	} {
		l, ok := frame.Landmark(idx)
		if !ok || !finite(l.X) || !finite(l.Y) {
			return 0, false
		}
		if vis := l.VisibilityOr(1); !finite(vis) || vis < m.minVisibility {
			return 0, false
		}
		ys[i] = l.Y
	}
	shoulder := (ys[0] + ys[1]) / 2
	hip := (ys[2] + ys[3]) / 2
	return hip - shoulder, true
}

func phaseFeedback(p Phase) string {
	switch p {
	case PhaseDown:
		return FeedbackDown
	case PhaseUp:
		return FeedbackUp
	default:
		return FeedbackStanding
	}
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
