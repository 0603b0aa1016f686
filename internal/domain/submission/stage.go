package submission

import (
	"fmt"

	"github.com/okian/trustrep/internal/domain/model"
)

// pipeline lists the working stages in execution order.
var pipeline = []model.Stage{
	model.StageCompressing,
	model.StageUploading,
	model.StageCreatingRecord,
	model.StageAnalyzing,
	model.StageUpdatingMetadata,
	model.StageRegistering,
}

// transitions is the allowed next-stage table. Idle may enter any working
// stage because a resumed run starts at the first stage whose output is not
// yet persisted.
var transitions = map[model.Stage][]model.Stage{
	model.StageIdle: {
		model.StageCompressing, model.StageUploading, model.StageCreatingRecord,
		model.StageAnalyzing, model.StageUpdatingMetadata, model.StageRegistering,
		model.StageFailed,
	},
	model.StageCompressing:      {model.StageUploading, model.StageFailed},
	model.StageUploading:        {model.StageCreatingRecord, model.StageFailed},
	model.StageCreatingRecord:   {model.StageAnalyzing, model.StageFailed},
	model.StageAnalyzing:        {model.StageUpdatingMetadata, model.StageFailed},
	model.StageUpdatingMetadata: {model.StageRegistering, model.StageFailed},
	model.StageRegistering:      {model.StageComplete, model.StageFailed},
	model.StageFailed:           {model.StageIdle},
}

// CanTransition reports whether the pipeline may move from one stage to another.
func CanTransition(from, to model.Stage) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StageError is the user-visible failure of one stage.
type StageError struct {
	Stage  model.Stage `json:"stage"`
	Reason string      `json:"reason"`
	Err    error       `json:"-"`
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %s", e.Stage, e.Reason)
}

func (e *StageError) Unwrap() error { return e.Err }

// Event is one observation of a running submission. The stream ends with a
// Complete or Failed event.
type Event struct {
	AssetID  string      `json:"asset_id"`
	Stage    model.Stage `json:"stage"`
	Progress *float64    `json:"progress,omitempty"`
	Err      *StageError `json:"error,omitempty"`
}

// Terminal reports whether no further events follow.
func (e Event) Terminal() bool {
	return e.Stage == model.StageComplete || e.Stage == model.StageFailed
}

// machine tracks the current stage of one run and rejects illegal moves.
type machine struct {
	stage model.Stage
}

func (m *machine) advance(to model.Stage) error {
	if !CanTransition(m.stage, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, m.stage, to)
	}
	m.stage = to
	return nil
}
