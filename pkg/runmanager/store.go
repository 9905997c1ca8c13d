// Package runmanager implements the Run Manager (C10): it owns Run and
// PipelineStage rows, records per-stage transitions, and enforces the
// run-wide watchdog timeout.
package runmanager

import (
	"context"

	"github.com/fundflowhq/pipeline/pkg/models"
)

// Store is the narrow persistence surface the Run Manager needs for Run
// and PipelineStage rows. It is deliberately separate from
// persistence.Store (spec §6 only contracts opportunity/source/raw-
// response/lock operations) since Run and PipelineStage are owned
// exclusively by the Run Manager.
type Store interface {
	CreateRun(ctx context.Context, run models.Run) (string, error)
	UpdateRunStatus(ctx context.Context, runID string, status models.RunStatus, errMsg string, counts RunCounts) error

	// UpsertStage creates the stage row on first call for
	// (runID, stageName, jobID) and updates it on subsequent calls,
	// keyed by the monotonic sequence the caller supplies.
	UpsertStage(ctx context.Context, stage models.PipelineStage) error
}

// RunCounts carries the aggregate counters written at run completion.
type RunCounts struct {
	TotalOpportunities int
	NewCount           int
	UpdateCount        int
	SkipCount          int
}
