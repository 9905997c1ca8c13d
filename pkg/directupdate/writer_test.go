package directupdate

import (
	"context"
	"errors"
	"testing"

	"github.com/fundflowhq/pipeline/pkg/models"
	"github.com/fundflowhq/pipeline/pkg/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type deadlockErr struct{}

func (deadlockErr) Error() string    { return "deadlock detected" }
func (deadlockErr) SQLState() string { return deadlockSQLState }

type fakeUpdateStore struct {
	updateCalls int
	failures    int // number of leading calls that return the deadlock error
}

func (f *fakeUpdateStore) GetSource(ctx context.Context, sourceID string) (models.Source, error) {
	return models.Source{}, nil
}
func (f *fakeUpdateStore) GetSourceConfiguration(ctx context.Context, sourceID string) (map[string]any, error) {
	return nil, nil
}
func (f *fakeUpdateStore) FindByAPIOpportunityIDs(ctx context.Context, sourceID string, ids []string) (map[string]models.OpportunityRecord, error) {
	return nil, nil
}
func (f *fakeUpdateStore) FindByTitles(ctx context.Context, sourceID string, titles []string) (map[string]models.OpportunityRecord, error) {
	return nil, nil
}
func (f *fakeUpdateStore) InsertOpportunities(ctx context.Context, sourceID string, opps []models.Opportunity) ([]persistence.InsertResult, error) {
	return nil, nil
}
func (f *fakeUpdateStore) UpdateOpportunityFields(ctx context.Context, upd persistence.UpdateFields) error {
	f.updateCalls++
	if f.updateCalls <= f.failures {
		return deadlockErr{}
	}
	return nil
}
func (f *fakeUpdateStore) InsertRawResponse(ctx context.Context, raw models.RawResponse) (string, error) {
	return "", nil
}
func (f *fakeUpdateStore) TryAdvisoryLock(ctx context.Context, sourceID string) (bool, error) {
	return true, nil
}
func (f *fakeUpdateStore) ReleaseAdvisoryLock(ctx context.Context, sourceID string) error { return nil }
func (f *fakeUpdateStore) ShouldForceFullReprocessing(ctx context.Context, sourceID string) (bool, error) {
	return false, nil
}
func (f *fakeUpdateStore) DisableForceFullReprocessing(ctx context.Context, sourceID string) error {
	return nil
}
func (f *fakeUpdateStore) WithTransaction(ctx context.Context, level persistence.IsolationLevel, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func TestWrite_SucceedsOnFirstTry(t *testing.T) {
	store := &fakeUpdateStore{}
	items := []Item{{
		API: models.Opportunity{Title: "New Title"},
		DB:  models.OpportunityRecord{ID: "db-1", Title: "Old Title"},
	}}

	result := Write(context.Background(), store, items)
	require.Len(t, result.Details, 1)
	assert.True(t, result.Details[0].Success)
	assert.Equal(t, 1, store.updateCalls)
}

func TestWrite_RetriesOnceOnDeadlock(t *testing.T) {
	store := &fakeUpdateStore{failures: 1}
	items := []Item{{
		API: models.Opportunity{Title: "New Title"},
		DB:  models.OpportunityRecord{ID: "db-1", Title: "Old Title"},
	}}

	result := Write(context.Background(), store, items)
	require.Len(t, result.Details, 1)
	assert.True(t, result.Details[0].Success)
	assert.Equal(t, 2, store.updateCalls)
}

func TestWrite_FailsAfterSecondDeadlock(t *testing.T) {
	store := &fakeUpdateStore{failures: 2}
	items := []Item{{
		API: models.Opportunity{Title: "New Title"},
		DB:  models.OpportunityRecord{ID: "db-1", Title: "Old Title"},
	}}

	result := Write(context.Background(), store, items)
	require.Len(t, result.Details, 1)
	assert.False(t, result.Details[0].Success)
	assert.Equal(t, 1, result.Metrics.Failed)
}

func TestIsDeadlock_NonSQLError(t *testing.T) {
	assert.False(t, isDeadlock(errors.New("some other error")))
}
