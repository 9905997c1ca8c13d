package pgstore

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fundflowhq/pipeline/pkg/models"
	"github.com/fundflowhq/pipeline/pkg/persistence"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db), mock
}

func TestGetSource_ScansRow(t *testing.T) {
	store, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"id", "name", "endpoint", "call_type", "active", "force_full_reprocessing"}).
		AddRow("src-1", "Example Feed", "https://example.test/api", "list", true, false)
	mock.ExpectQuery("SELECT id, name, endpoint").WithArgs("src-1").WillReturnRows(rows)

	src, err := store.GetSource(context.Background(), "src-1")
	require.NoError(t, err)
	assert.Equal(t, models.Source{ID: "src-1", Name: "Example Feed", Endpoint: "https://example.test/api", CallType: "list", Active: true}, src)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSourceConfiguration_NoRowsReturnsEmptyMap(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT config").WithArgs("src-1").WillReturnError(sql.ErrNoRows)

	cfg, err := store.GetSourceConfiguration(context.Background(), "src-1")
	require.NoError(t, err)
	assert.Empty(t, cfg)
}

func TestFindByAPIOpportunityIDs_EmptyInputSkipsQuery(t *testing.T) {
	store, mock := newMockStore(t)

	out, err := store.FindByAPIOpportunityIDs(context.Background(), "src-1", nil)
	require.NoError(t, err)
	assert.Empty(t, out)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTryAdvisoryLock_ReturnsAcquired(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT pg_try_advisory_lock").WithArgs("src-1").
		WillReturnRows(sqlmock.NewRows([]string{"acquired"}).AddRow(true))

	ok, err := store.TryAdvisoryLock(context.Background(), "src-1")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDisableForceFullReprocessing_IssuesUpdate(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE api_sources SET force_full_reprocessing").
		WithArgs("src-1").WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.DisableForceFullReprocessing(context.Background(), "src-1")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertOpportunities_CommitsOnSuccess(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO funding_opportunities").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	results, err := store.InsertOpportunities(context.Background(), "src-1", []models.Opportunity{
		{APIOpportunityID: "opp-1", Title: "Water Main Rehabilitation Grant"},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertOpportunities_RowFailureDoesNotAbortBatch(t *testing.T) {
	store, mock := newMockStore(t)

	// First row's own transaction fails and rolls back...
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO funding_opportunities").WillReturnError(assertErr("constraint violation"))
	mock.ExpectRollback()

	// ...but the second row gets its own transaction and still commits.
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO funding_opportunities").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	results, err := store.InsertOpportunities(context.Background(), "src-1", []models.Opportunity{
		{APIOpportunityID: "opp-1", Title: "Bad Row"},
		{APIOpportunityID: "opp-2", Title: "Good Row"},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.False(t, results[0].Success)
	assert.True(t, results[1].Success)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertOpportunities_RetriesTransientConnectionError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO funding_opportunities").WillReturnError(&pgconn.PgError{Code: "08006", Message: "connection failure"})
	mock.ExpectRollback()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO funding_opportunities").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	results, err := store.InsertOpportunities(context.Background(), "src-1", []models.Opportunity{
		{APIOpportunityID: "opp-1", Title: "Flaky Row"},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateOpportunityFields_OnlyTouchesNonNilFields(t *testing.T) {
	store, mock := newMockStore(t)

	title := "New Title"
	mock.ExpectExec("UPDATE funding_opportunities SET title").
		WithArgs(title, sqlmock.AnyArg(), sqlmock.AnyArg(), "db-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.UpdateOpportunityFields(context.Background(), persistence.UpdateFields{
		DatabaseID: "db-1",
		Title:      &title,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
