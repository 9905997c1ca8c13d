package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/fundflowhq/pipeline/pkg/models"
	"github.com/fundflowhq/pipeline/pkg/runmanager"
)

// RunStore implements runmanager.Store: Run and PipelineStage rows are
// owned exclusively by the Run Manager, kept in their own type so
// persistence.Store's opportunity/source contract stays untangled from
// run bookkeeping (spec §3 vs spec §6).
type RunStore struct {
	db *sql.DB
}

// NewRunStore wraps db as a runmanager.Store.
func NewRunStore(db *sql.DB) *RunStore {
	return &RunStore{db: db}
}

var _ runmanager.Store = (*RunStore)(nil)

func (s *RunStore) CreateRun(ctx context.Context, run models.Run) (string, error) {
	err := withTransientRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO runs (id, source_id, pipeline_version, status, started_at)
			VALUES ($1, $2, $3, $4, $5)`,
			run.ID, run.SourceID, run.PipelineVersion, run.Status, run.StartedAt,
		)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}
	return run.ID, nil
}

func (s *RunStore) UpdateRunStatus(ctx context.Context, runID string, status models.RunStatus, errMsg string, counts runmanager.RunCounts) error {
	err := withTransientRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE runs SET
				status = $1, error = $2, completed_at = now(),
				total_opportunities = $3, new_count = $4, update_count = $5, skip_count = $6
			WHERE id = $7`,
			status, errMsg, counts.TotalOpportunities, counts.NewCount, counts.UpdateCount, counts.SkipCount, runID,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	return nil
}

func (s *RunStore) UpsertStage(ctx context.Context, stage models.PipelineStage) error {
	var results []byte
	if stage.StageResults != nil {
		var err error
		results, err = json.Marshal(stage.StageResults)
		if err != nil {
			return fmt.Errorf("encode stage results: %w", err)
		}
	}

	err := withTransientRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO pipeline_stages (
				run_id, job_id, stage_name, status, input_count, output_count,
				execution_ms, tokens_used, api_calls, error_message, stage_results, sequence
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (run_id, stage_name, job_id) DO UPDATE SET
				status = EXCLUDED.status,
				input_count = EXCLUDED.input_count,
				output_count = EXCLUDED.output_count,
				execution_ms = EXCLUDED.execution_ms,
				tokens_used = EXCLUDED.tokens_used,
				api_calls = EXCLUDED.api_calls,
				error_message = EXCLUDED.error_message,
				stage_results = EXCLUDED.stage_results,
				sequence = EXCLUDED.sequence
			WHERE pipeline_stages.sequence < EXCLUDED.sequence`,
			stage.RunID, stage.JobID, stage.StageName, stage.Status, stage.InputCount, stage.OutputCount,
			stage.ExecutionMS, stage.TokensUsed, stage.APICalls, stage.ErrorMessage, results, stage.Sequence,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert stage: %w", err)
	}
	return nil
}
