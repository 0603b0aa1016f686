package model

// BlazePose landmark indices used by the repetition machine.
const (
	LandmarkLeftShoulder  = 11
	LandmarkRightShoulder = 12
	LandmarkLeftHip       = 23
	LandmarkRightHip      = 24

	// PoseLandmarkCount is the size of a full pose.
	PoseLandmarkCount = 33
)

// Landmark is one body joint in image-normalized coordinates.
type Landmark struct {
	X          float64  `json:"x" msgpack:"x"`
	Y          float64  `json:"y" msgpack:"y"`
	Z          float64  `json:"z" msgpack:"z"`
	Visibility *float64 `json:"visibility,omitempty" msgpack:"visibility,omitempty"`
}

// VisibilityOr returns the visibility or def when the model did not report one.
func (l Landmark) VisibilityOr(def float64) float64 {
	if l.Visibility == nil {
		return def
	}
	return *l.Visibility
}

// JointFrame is one timestamped pose. Empty Landmarks means no pose was found.
type JointFrame struct {
	Timestamp float64    `json:"timestamp"`
	Landmarks []Landmark `json:"landmarks"`
}

// Landmark returns the landmark at idx if present.
func (f JointFrame) Landmark(idx int) (Landmark, bool) {
	if idx < 0 || idx >= len(f.Landmarks) {
		return Landmark{}, false
	}
	return f.Landmarks[idx], true
}

// RepetitionRecord is the running result of one analysis pass.
type RepetitionRecord struct {
	Count      int       `json:"count"`
	Timestamps []float64 `json:"timestamps"`
}

// Clone returns a deep copy.
func (r RepetitionRecord) Clone() RepetitionRecord {
	ts := make([]float64, len(r.Timestamps))
	copy(ts, r.Timestamps)
	return RepetitionRecord{Count: r.Count, Timestamps: ts}
}
