package storage

import (
	"context"
	"testing"

	"github.com/fundflowhq/pipeline/pkg/models"
	"github.com/fundflowhq/pipeline/pkg/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInsertStore struct {
	results []persistence.InsertResult
	err     error
}

func (f *fakeInsertStore) GetSource(ctx context.Context, sourceID string) (models.Source, error) {
	return models.Source{}, nil
}
func (f *fakeInsertStore) GetSourceConfiguration(ctx context.Context, sourceID string) (map[string]any, error) {
	return nil, nil
}
func (f *fakeInsertStore) FindByAPIOpportunityIDs(ctx context.Context, sourceID string, ids []string) (map[string]models.OpportunityRecord, error) {
	return nil, nil
}
func (f *fakeInsertStore) FindByTitles(ctx context.Context, sourceID string, titles []string) (map[string]models.OpportunityRecord, error) {
	return nil, nil
}
func (f *fakeInsertStore) InsertOpportunities(ctx context.Context, sourceID string, opps []models.Opportunity) ([]persistence.InsertResult, error) {
	return f.results, f.err
}
func (f *fakeInsertStore) UpdateOpportunityFields(ctx context.Context, upd persistence.UpdateFields) error {
	return nil
}
func (f *fakeInsertStore) InsertRawResponse(ctx context.Context, raw models.RawResponse) (string, error) {
	return "", nil
}
func (f *fakeInsertStore) TryAdvisoryLock(ctx context.Context, sourceID string) (bool, error) {
	return true, nil
}
func (f *fakeInsertStore) ReleaseAdvisoryLock(ctx context.Context, sourceID string) error { return nil }
func (f *fakeInsertStore) ShouldForceFullReprocessing(ctx context.Context, sourceID string) (bool, error) {
	return false, nil
}
func (f *fakeInsertStore) DisableForceFullReprocessing(ctx context.Context, sourceID string) error {
	return nil
}
func (f *fakeInsertStore) WithTransaction(ctx context.Context, level persistence.IsolationLevel, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func TestWrite_EmptyInputNoOp(t *testing.T) {
	store := &fakeInsertStore{}
	result, err := Write(context.Background(), store, "src-1", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Metrics.TotalAttempted)
}

func TestWrite_AggregatesSuccessAndFailure(t *testing.T) {
	store := &fakeInsertStore{results: []persistence.InsertResult{
		{Success: true, OpportunityID: "a", DatabaseID: "db-a"},
		{Success: false, OpportunityID: "b", Error: "conflict"},
	}}

	opps := []models.Opportunity{{APIOpportunityID: "a"}, {APIOpportunityID: "b"}}
	result, err := Write(context.Background(), store, "src-1", opps)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Metrics.TotalAttempted)
	assert.Equal(t, 1, result.Metrics.SuccessfulStores)
	assert.Equal(t, 1, result.Metrics.FailedStores)
}

func TestWrite_PropagatesStoreError(t *testing.T) {
	store := &fakeInsertStore{err: assert.AnError}
	_, err := Write(context.Background(), store, "src-1", []models.Opportunity{{APIOpportunityID: "a"}})
	assert.Error(t, err)
}

func TestWrite_KeepsPartialRowsWhenBatchCutShort(t *testing.T) {
	store := &fakeInsertStore{
		results: []persistence.InsertResult{
			{Success: true, OpportunityID: "a", DatabaseID: "db-a"},
		},
		err: assert.AnError,
	}

	result, err := Write(context.Background(), store, "src-1", []models.Opportunity{{APIOpportunityID: "a"}, {APIOpportunityID: "b"}})
	require.Error(t, err)
	require.Len(t, result.Rows, 1)
	assert.Equal(t, 1, result.Metrics.SuccessfulStores)
}
