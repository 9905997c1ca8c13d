package pgstore

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/fundflowhq/pipeline/pkg/models"
	"github.com/fundflowhq/pipeline/pkg/runmanager"
)

func newMockRunStore(t *testing.T) (*RunStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewRunStore(db), mock
}

func TestCreateRun_InsertsRow(t *testing.T) {
	store, mock := newMockRunStore(t)

	mock.ExpectExec("INSERT INTO runs").
		WithArgs("run-1", "src-1", "v2.0", models.RunStatusProcessing, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	id, err := store.CreateRun(context.Background(), models.Run{
		ID: "run-1", SourceID: "src-1", PipelineVersion: "v2.0",
		Status: models.RunStatusProcessing, StartedAt: time.Now(),
	})
	require.NoError(t, err)
	require.Equal(t, "run-1", id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateRunStatus_WritesCounts(t *testing.T) {
	store, mock := newMockRunStore(t)

	mock.ExpectExec("UPDATE runs SET").
		WithArgs(models.RunStatusCompleted, "", 10, 6, 2, 2, "run-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.UpdateRunStatus(context.Background(), "run-1", models.RunStatusCompleted, "", runmanager.RunCounts{
		TotalOpportunities: 10, NewCount: 6, UpdateCount: 2, SkipCount: 2,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertStage_InsertsWithSequence(t *testing.T) {
	store, mock := newMockRunStore(t)

	mock.ExpectExec("INSERT INTO pipeline_stages").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.UpsertStage(context.Background(), models.PipelineStage{
		RunID: "run-1", StageName: models.StageDataExtraction,
		Status: models.StageStatusCompleted, InputCount: 10, OutputCount: 10, Sequence: 1,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
