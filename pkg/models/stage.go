package models

// StageStatus is the lifecycle state of one pipeline stage within a run.
type StageStatus string

const (
	StageStatusPending    StageStatus = "pending"
	StageStatusProcessing StageStatus = "processing"
	StageStatusCompleted  StageStatus = "completed"
	StageStatusFailed     StageStatus = "failed"
	StageStatusCancelled  StageStatus = "cancelled"
)

// PipelineStage is one row per stage per run (spec §3).
type PipelineStage struct {
	RunID        string
	JobID        string // optional sub-job discriminator within a stage
	StageName    string
	Status       StageStatus
	InputCount   int
	OutputCount  int
	ExecutionMS  int64
	TokensUsed   int
	APICalls     int
	ErrorMessage string
	StageResults map[string]any
	Sequence     int64 // monotonic, for idempotent latest-write-wins updates
}
