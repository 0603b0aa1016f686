package model

import "time"

// Stage names a step of the submission pipeline.
type Stage string

// Pipeline stages in order, plus the terminal failure stage.
const (
	StageIdle             Stage = "Idle"
	StageCompressing      Stage = "Compressing"
	StageUploading        Stage = "Uploading"
	StageCreatingRecord   Stage = "CreatingRecord"
	StageAnalyzing        Stage = "Analyzing"
	StageUpdatingMetadata Stage = "UpdatingMetadata"
	StageRegistering      Stage = "Registering"
	StageComplete         Stage = "Complete"
	StageFailed           Stage = "Failed"
)

// Checkpoint is the resumable state of one submission, keyed by asset id.
// Each identifier is written as soon as the stage that produced it returns.
type Checkpoint struct {
	AssetID    string            `json:"asset_id"`
	AthleteID  string            `json:"athlete_id"`
	Kind       Kind              `json:"kind"`
	SourcePath string            `json:"source_path"`
	FileName   string            `json:"file_name,omitempty"`
	Context    map[string]string `json:"context,omitempty"`

	CompressedPath string    `json:"compressed_path,omitempty"`
	ObjectPath     string    `json:"object_path,omitempty"`
	StorageURL     string    `json:"storage_url,omitempty"`
	RecordCreated  bool      `json:"record_created,omitempty"`
	Metadata       *Metadata `json:"metadata,omitempty"`
	MetadataStored bool      `json:"metadata_stored,omitempty"`
	RegistrationID string    `json:"registration_id,omitempty"`
	TransactionRef string    `json:"transaction_ref,omitempty"`

	Stage         Stage     `json:"stage"`
	FailedStage   Stage     `json:"failed_stage,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
	Completed     bool      `json:"completed"`
	Abandoned     bool      `json:"abandoned,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Clone returns a copy that shares no mutable state with c.
func (c *Checkpoint) Clone() *Checkpoint {
	if c == nil {
		return nil
	}
	out := *c
	if c.Context != nil {
		out.Context = make(map[string]string, len(c.Context))
		for k, v := range c.Context {
			out.Context[k] = v
		}
	}
	out.Metadata = c.Metadata.Clone()
	return &out
}
