package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fundflowhq/pipeline/pkg/llmclient"
	"github.com/fundflowhq/pipeline/pkg/models"
	"github.com/fundflowhq/pipeline/pkg/persistence"
	"github.com/fundflowhq/pipeline/pkg/pipelineconfig"
	"github.com/fundflowhq/pipeline/pkg/runmanager"
)

// fakeLLM echoes deterministic extraction/enhancement responses without
// ever calling a real vendor: raw items are encoded "title|api_id" so
// CallWithSchema can synthesize the wire opportunity directly, and
// enhancement prompts carry "id: <key>" lines it can round-trip.
type fakeLLM struct{}

func (fakeLLM) CallWithSchema(ctx context.Context, prompt string, schema []byte, opts llmclient.CallOptions) (llmclient.CallResult, error) {
	if strings.Contains(string(schema), `"enhancements"`) {
		var ids []string
		for _, line := range strings.Split(prompt, "\n") {
			if strings.HasPrefix(line, "id: ") {
				ids = append(ids, strings.TrimPrefix(line, "id: "))
			}
		}
		type enh struct {
			ID                  string `json:"id"`
			EnhancedDescription string `json:"enhanced_description"`
			ActionableSummary   string `json:"actionable_summary"`
		}
		out := struct {
			Enhancements []enh `json:"enhancements"`
		}{}
		for _, id := range ids {
			out.Enhancements = append(out.Enhancements, enh{ID: id, EnhancedDescription: "enhanced: " + id, ActionableSummary: "act: " + id})
		}
		data, _ := json.Marshal(out)
		return llmclient.CallResult{Data: data, Tokens: 10}, nil
	}

	type wireOpp struct {
		APIOpportunityID     string   `json:"api_opportunity_id"`
		Title                string   `json:"title"`
		Description          string   `json:"description"`
		EligibleApplicants   []string `json:"eligible_applicants"`
		EligibleProjectTypes []string `json:"eligible_project_types"`
		EligibleActivities   []string `json:"eligible_activities"`
		FundingType          string   `json:"funding_type"`
	}
	out := struct {
		Opportunities []wireOpp `json:"opportunities"`
	}{}
	for _, block := range strings.Split(prompt, "---\n") {
		block = strings.TrimSpace(block)
		if strings.HasPrefix(block, "Extract funding") {
			// The first raw item shares its block with the prompt header.
			_, block, _ = strings.Cut(block, "\n\n")
			block = strings.TrimSpace(block)
		}
		if block == "" {
			continue
		}
		parts := strings.SplitN(block, "|", 2)
		title := parts[0]
		id := ""
		if len(parts) == 2 {
			id = parts[1]
		}
		out.Opportunities = append(out.Opportunities, wireOpp{
			APIOpportunityID:     id,
			Title:                title,
			Description:          "desc " + title,
			EligibleApplicants:   []string{"municipal government"},
			EligibleProjectTypes: []string{"water infrastructure"},
			EligibleActivities:   []string{"construction"},
			FundingType:          "grant",
		})
	}
	data, _ := json.Marshal(out)
	return llmclient.CallResult{Data: data, Tokens: 20}, nil
}

func (fakeLLM) GetPerformanceMetrics() llmclient.PerformanceMetrics { return llmclient.PerformanceMetrics{} }

func (fakeLLM) CalculateOptimalBatchSize(avgCharLen int) llmclient.BatchSizeHint {
	return llmclient.BatchSizeHint{BatchSize: 50}
}

// fakeStore is an in-memory persistence.Store sufficient to drive the
// coordinator end to end.
type fakeStore struct {
	mu sync.Mutex

	source        models.Source
	byID          map[string]models.OpportunityRecord
	byTitle       map[string]models.OpportunityRecord
	locked        bool
	ffrDisabled   bool
	failNthInsert int // 1-based index of the row to fail, 0 = never
}

func newFakeStore(source models.Source) *fakeStore {
	return &fakeStore{source: source, byID: map[string]models.OpportunityRecord{}, byTitle: map[string]models.OpportunityRecord{}}
}

func (f *fakeStore) GetSource(ctx context.Context, sourceID string) (models.Source, error) {
	return f.source, nil
}

func (f *fakeStore) GetSourceConfiguration(ctx context.Context, sourceID string) (map[string]any, error) {
	return map[string]any{}, nil
}

func (f *fakeStore) FindByAPIOpportunityIDs(ctx context.Context, sourceID string, ids []string) (map[string]models.OpportunityRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]models.OpportunityRecord{}
	for _, id := range ids {
		if rec, ok := f.byID[id]; ok {
			out[id] = rec
		}
	}
	return out, nil
}

func (f *fakeStore) FindByTitles(ctx context.Context, sourceID string, titles []string) (map[string]models.OpportunityRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]models.OpportunityRecord{}
	for _, title := range titles {
		if rec, ok := f.byTitle[title]; ok {
			out[title] = rec
		}
	}
	return out, nil
}

func (f *fakeStore) InsertOpportunities(ctx context.Context, sourceID string, opportunities []models.Opportunity) ([]persistence.InsertResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var results []persistence.InsertResult
	for i, opp := range opportunities {
		if f.failNthInsert != 0 && i+1 == f.failNthInsert {
			results = append(results, persistence.InsertResult{Success: false, OpportunityID: opp.APIOpportunityID, Error: "simulated row failure"})
			continue
		}
		dbID := "db-" + opp.APIOpportunityID
		f.byID[opp.APIOpportunityID] = models.OpportunityRecord{ID: dbID, SourceID: sourceID, APIOpportunityID: opp.APIOpportunityID, Title: opp.Title}
		f.byTitle[opp.Title] = f.byID[opp.APIOpportunityID]
		results = append(results, persistence.InsertResult{Success: true, OpportunityID: opp.APIOpportunityID, DatabaseID: dbID})
	}
	return results, nil
}

func (f *fakeStore) UpdateOpportunityFields(ctx context.Context, upd persistence.UpdateFields) error {
	return nil
}

func (f *fakeStore) InsertRawResponse(ctx context.Context, raw models.RawResponse) (string, error) {
	return "raw-1", nil
}

func (f *fakeStore) TryAdvisoryLock(ctx context.Context, sourceID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.locked {
		return false, nil
	}
	f.locked = true
	return true, nil
}

func (f *fakeStore) ReleaseAdvisoryLock(ctx context.Context, sourceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locked = false
	return nil
}

func (f *fakeStore) ShouldForceFullReprocessing(ctx context.Context, sourceID string) (bool, error) {
	return f.source.ForceFullReprocessing, nil
}

func (f *fakeStore) DisableForceFullReprocessing(ctx context.Context, sourceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ffrDisabled = true
	f.source.ForceFullReprocessing = false
	return nil
}

func (f *fakeStore) WithTransaction(ctx context.Context, level persistence.IsolationLevel, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// fakeRunStore is an in-memory runmanager.Store.
type fakeRunStore struct {
	mu     sync.Mutex
	status map[string]models.RunStatus
}

func newFakeRunStore() *fakeRunStore {
	return &fakeRunStore{status: map[string]models.RunStatus{}}
}

func (f *fakeRunStore) CreateRun(ctx context.Context, run models.Run) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[run.ID] = run.Status
	return run.ID, nil
}

func (f *fakeRunStore) UpdateRunStatus(ctx context.Context, runID string, status models.RunStatus, errMsg string, counts runmanager.RunCounts) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[runID] = status
	return nil
}

func (f *fakeRunStore) UpsertStage(ctx context.Context, stage models.PipelineStage) error {
	return nil
}

func newCoordinator(store persistence.Store, runStore runmanager.Store) *Coordinator {
	mgr := runmanager.New(runStore, pipelineconfig.DefaultRunManagerConfig())
	return New(store, mgr, fakeLLM{}, pipelineconfig.DefaultExtractionConfig(), pipelineconfig.DefaultAnalysisConfig())
}

func rawItem(title, id string) string { return fmt.Sprintf("%s|%s", title, id) }

func TestProcessSource_ColdSourceAllNew(t *testing.T) {
	store := newFakeStore(models.Source{ID: "src-1", Active: true})
	coord := newCoordinator(store, newFakeRunStore())

	var raw []string
	for i := 0; i < 10; i++ {
		raw = append(raw, rawItem(fmt.Sprintf("Water Infrastructure Grant %d", i), fmt.Sprintf("opp-%d", i)))
	}

	result := coord.ProcessSource(context.Background(), "src-1", raw, Options{})

	require.Equal(t, "success", result.Status)
	assert.Equal(t, 0, result.EnhancedMetrics.OptimizationImpact.BypassedLLM)
	assert.Equal(t, 10, result.EnhancedMetrics.OptimizationImpact.TotalOpportunities)
	assert.Len(t, result.EnhancedMetrics.OpportunityPaths, 10)
	for _, p := range result.EnhancedMetrics.OpportunityPaths {
		assert.Equal(t, models.PathTypeNew, p.PathType)
		assert.Equal(t, models.ReasonNoDuplicateFound, p.PathReason)
	}
}

func TestProcessSource_PartialStorageFailureMarksFilteredOut(t *testing.T) {
	store := newFakeStore(models.Source{ID: "src-1", Active: true})
	store.failNthInsert = 2
	coord := newCoordinator(store, newFakeRunStore())

	raw := []string{rawItem("Municipal Water Main Grant", "opp-1"), rawItem("Road Resurfacing Grant", "opp-2")}
	result := coord.ProcessSource(context.Background(), "src-1", raw, Options{})

	require.Equal(t, "success", result.Status)
	found := false
	for _, p := range result.EnhancedMetrics.OpportunityPaths {
		if p.OpportunityKey == "opp-2" {
			assert.Equal(t, models.OutcomeFilteredOut, p.FinalOutcome)
			found = true
		}
	}
	assert.True(t, found)
}

func TestProcessSource_ForceFullReprocessingBypassesDetectionAndDisablesFlag(t *testing.T) {
	store := newFakeStore(models.Source{ID: "src-1", Active: true, ForceFullReprocessing: true})
	coord := newCoordinator(store, newFakeRunStore())

	raw := []string{rawItem("Community Development Grant", "opp-1")}
	result := coord.ProcessSource(context.Background(), "src-1", raw, Options{})

	require.Equal(t, "success", result.Status)
	assert.True(t, result.EnhancedMetrics.ForceFullProcessingUsed)
	assert.Equal(t, 0, result.EnhancedMetrics.OptimizationImpact.BypassedLLM)
	require.Len(t, result.EnhancedMetrics.OpportunityPaths, 1)
	assert.Equal(t, models.ReasonForceFullProcessing, result.EnhancedMetrics.OpportunityPaths[0].PathReason)
	assert.True(t, store.ffrDisabled)
}

func TestProcessSource_ConcurrentRunsOneFailsFast(t *testing.T) {
	store := newFakeStore(models.Source{ID: "src-1", Active: true})
	store.locked = true // simulate a run already holding the lock
	coord := newCoordinator(store, newFakeRunStore())

	raw := []string{rawItem("Grant A", "opp-1")}
	result := coord.ProcessSource(context.Background(), "src-1", raw, Options{})

	assert.Equal(t, "error", result.Status)
	assert.Contains(t, result.Error, "already in progress")
}

func TestProcessSource_SecondIdenticalRunSkipsUnchangedRecords(t *testing.T) {
	store := newFakeStore(models.Source{ID: "src-1", Active: true})
	coord := newCoordinator(store, newFakeRunStore())

	raw := []string{rawItem("Bridge Repair Grant", "opp-1")}
	first := coord.ProcessSource(context.Background(), "src-1", raw, Options{})
	require.Equal(t, "success", first.Status)

	second := coord.ProcessSource(context.Background(), "src-1", raw, Options{})
	require.Equal(t, "success", second.Status)
	assert.Equal(t, 1, second.EnhancedMetrics.OptimizationImpact.BypassedLLM)
	require.Len(t, second.EnhancedMetrics.OpportunityPaths, 1)
	assert.Equal(t, models.PathTypeSkip, second.EnhancedMetrics.OpportunityPaths[0].PathType)
}
