package models

import "time"

// RunStatus is the lifecycle state of one pipeline run.
type RunStatus string

const (
	RunStatusPending    RunStatus = "pending"
	RunStatusProcessing RunStatus = "processing"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
)

// Stage names, in the fixed order the coordinator drives them (spec §4.1/§5).
const (
	StageDataExtraction       = "data_extraction"
	StageEarlyDuplicateDetect = "early_duplicate_detector"
	StageAnalysis             = "analysis"
	StageFilter               = "filter"
	StageStorage              = "storage"
	StageDirectUpdate         = "direct_update"
)

// Run is one invocation of the pipeline coordinator against one source.
type Run struct {
	ID              string
	SourceID        string
	PipelineVersion string
	Status          RunStatus
	StartedAt       time.Time
	CompletedAt     *time.Time
	Error           string

	TotalOpportunities int
	NewCount           int
	UpdateCount        int
	SkipCount          int
}
