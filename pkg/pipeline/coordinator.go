// Package pipeline implements the Pipeline Coordinator (C11): it drives
// the full stage sequence for one source end to end, holds the
// per-source advisory lock for the run's duration, arms the run-wide
// watchdog, and assembles the bit-exact result shape of spec §4.1.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/fundflowhq/pipeline/pkg/analysis"
	"github.com/fundflowhq/pipeline/pkg/directupdate"
	"github.com/fundflowhq/pipeline/pkg/duplicate"
	"github.com/fundflowhq/pipeline/pkg/extraction"
	"github.com/fundflowhq/pipeline/pkg/filter"
	"github.com/fundflowhq/pipeline/pkg/llmclient"
	"github.com/fundflowhq/pipeline/pkg/models"
	"github.com/fundflowhq/pipeline/pkg/persistence"
	"github.com/fundflowhq/pipeline/pkg/pipelineconfig"
	"github.com/fundflowhq/pipeline/pkg/pipelineerrors"
	"github.com/fundflowhq/pipeline/pkg/runmanager"
	"github.com/fundflowhq/pipeline/pkg/storage"
)

const resultVersion = "v2.0"
const resultPipeline = "v2-optimized-with-metrics"

// Options carries per-call overrides to ProcessSource (spec §4.1).
type Options struct {
	// ForceFullReprocessing, if true, overrides the source's persisted
	// FFR flag for this run only.
	ForceFullReprocessing bool

	// RawResponseID optionally tags this run's lineage back to the raw
	// payload it was extracted from.
	RawResponseID string
}

// Coordinator wires every stage engine together behind one entry point.
type Coordinator struct {
	Store       persistence.Store
	RunManager  *runmanager.Manager
	LLMClient   llmclient.Client
	ExtractCfg  pipelineconfig.ExtractionConfig
	AnalysisCfg pipelineconfig.AnalysisConfig
}

// New builds a Coordinator from its collaborators.
func New(store persistence.Store, runMgr *runmanager.Manager, llmClient llmclient.Client, extractCfg pipelineconfig.ExtractionConfig, analysisCfg pipelineconfig.AnalysisConfig) *Coordinator {
	return &Coordinator{
		Store:       store,
		RunManager:  runMgr,
		LLMClient:   llmClient,
		ExtractCfg:  extractCfg,
		AnalysisCfg: analysisCfg,
	}
}

// StageMetrics is the per-stage entry of enhancedMetrics.stageMetrics.
type StageMetrics struct {
	InputCount  int
	OutputCount int
	ExecutionMS int64
	TokensUsed  int
	APICalls    int
	Error       string
}

// OptimizationImpact summarizes how many opportunities skipped the
// expensive LLM analysis stage (spec §4.1).
type OptimizationImpact struct {
	TotalOpportunities      int
	BypassedLLM             int
	SuccessfulOpportunities int
}

// EnhancedMetrics is the full metrics envelope emitted with every result.
type EnhancedMetrics struct {
	TotalTokensUsed         int
	TotalAPICalls           int
	TotalExecutionTime      time.Duration
	StageMetrics            map[string]StageMetrics
	OptimizationImpact      OptimizationImpact
	OpportunityPaths        []models.OpportunityPath
	ForceFullProcessingUsed bool
}

// Result is the bit-exact result object callers receive (spec §4.1).
type Result struct {
	Status          string
	Version         string
	Pipeline        string
	Error           string
	EnhancedMetrics EnhancedMetrics
}

// ProcessSource runs the full pipeline for one source against rawItems,
// already-fetched raw payloads for this call (fetching and raw-response
// persistence are a caller concern; Options.RawResponseID only tags
// lineage).
func (c *Coordinator) ProcessSource(ctx context.Context, sourceID string, rawItems []string, opts Options) Result {
	runStart := time.Now()
	stageMetrics := map[string]StageMetrics{}

	acquired, err := c.Store.TryAdvisoryLock(ctx, sourceID)
	if err != nil {
		return errorResult(pipelineerrors.ErrConcurrentRunInProgress, stageMetrics, runStart)
	}
	if !acquired {
		return errorResult(pipelineerrors.ErrConcurrentRunInProgress, stageMetrics, runStart)
	}
	defer func() { _ = c.Store.ReleaseAdvisoryLock(context.Background(), sourceID) }()

	handle, err := c.RunManager.StartRun(ctx, sourceID, resultVersion)
	if err != nil {
		return errorResult(fmt.Errorf("start run: %w", err), stageMetrics, runStart)
	}
	runCtx := handle.Ctx

	result, runErr := c.run(runCtx, handle.RunID, sourceID, rawItems, opts, stageMetrics, runStart)

	if runErr != nil {
		_ = c.RunManager.FailRun(context.Background(), handle.RunID, runErr)
		return result
	}
	_ = c.RunManager.CompleteRun(context.Background(), handle.RunID, runmanager.RunCounts{
		TotalOpportunities: result.EnhancedMetrics.OptimizationImpact.TotalOpportunities,
		NewCount:           countPathType(result.EnhancedMetrics.OpportunityPaths, models.PathTypeNew),
		UpdateCount:        countPathType(result.EnhancedMetrics.OpportunityPaths, models.PathTypeUpdate),
		SkipCount:          countPathType(result.EnhancedMetrics.OpportunityPaths, models.PathTypeSkip),
	})
	return result
}

func (c *Coordinator) run(ctx context.Context, runID, sourceID string, rawItems []string, opts Options, stageMetrics map[string]StageMetrics, runStart time.Time) (Result, error) {
	source, err := c.Store.GetSource(ctx, sourceID)
	if err != nil {
		return errorResult(fmt.Errorf("get source: %w", err), stageMetrics, runStart), err
	}

	ffr, _ := c.Store.ShouldForceFullReprocessing(ctx, sourceID) // failures treated as false (spec §4.1 step 2)
	ffr = ffr || opts.ForceFullReprocessing

	extractStart := time.Now()
	extractResult, err := extraction.Extract(ctx, rawItems, source, c.LLMClient, c.ExtractCfg)
	extractMetrics := StageMetrics{
		InputCount:  len(rawItems),
		OutputCount: len(extractResult.Opportunities),
		ExecutionMS: time.Since(extractStart).Milliseconds(),
		TokensUsed:  extractResult.Metrics.TotalTokens,
		APICalls:    extractResult.Metrics.TotalAPICalls,
	}
	if err != nil {
		extractMetrics.Error = err.Error()
		stageMetrics[models.StageDataExtraction] = extractMetrics
		_ = c.RunManager.UpdateStage(ctx, runID, "", models.StageDataExtraction, models.StageStatusFailed, extractMetrics.InputCount, extractMetrics.OutputCount, extractMetrics.TokensUsed, extractMetrics.APICalls, extractMetrics.ExecutionMS, err.Error(), nil)
		return errorResult(err, stageMetrics, runStart), err
	}
	if opts.RawResponseID != "" {
		for i := range extractResult.Opportunities {
			extractResult.Opportunities[i].RawResponseID = opts.RawResponseID
		}
	}
	stageMetrics[models.StageDataExtraction] = extractMetrics
	_ = c.RunManager.UpdateStage(ctx, runID, "", models.StageDataExtraction, models.StageStatusCompleted, extractMetrics.InputCount, extractMetrics.OutputCount, extractMetrics.TokensUsed, extractMetrics.APICalls, extractMetrics.ExecutionMS, "", nil)

	var (
		paths    []models.OpportunityPath
		newOpps  []models.Opportunity
		updates  []directupdate.Item
		bypassed int
	)

	if ffr {
		newOpps = extractResult.Opportunities
		stageMetrics[models.StageEarlyDuplicateDetect] = StageMetrics{InputCount: len(newOpps), OutputCount: len(newOpps)}
		_ = c.RunManager.UpdateStage(ctx, runID, "", models.StageEarlyDuplicateDetect, models.StageStatusCompleted, len(newOpps), len(newOpps), 0, 0, 0, "", map[string]any{"bypassed": true})
		for _, opp := range newOpps {
			paths = append(paths, models.OpportunityPath{
				OpportunityKey:  opportunityKey(opp),
				PathType:        models.PathTypeNew,
				PathReason:      models.ReasonForceFullProcessing,
				StagesProcessed: []string{models.StageDataExtraction, models.StageEarlyDuplicateDetect},
			})
		}
	} else {
		detectStart := time.Now()
		detectResult, err := duplicate.Detect(ctx, c.Store, sourceID, extractResult.Opportunities)
		detectMetrics := StageMetrics{
			InputCount:  len(extractResult.Opportunities),
			OutputCount: len(detectResult.New) + len(detectResult.Update) + len(detectResult.Skip),
			ExecutionMS: time.Since(detectStart).Milliseconds(),
		}
		if err != nil {
			detectMetrics.Error = err.Error()
			stageMetrics[models.StageEarlyDuplicateDetect] = detectMetrics
			wrapped := pipelineerrors.NewStageError(models.StageEarlyDuplicateDetect, pipelineerrors.ErrDetectionQuery, err)
			_ = c.RunManager.UpdateStage(ctx, runID, "", models.StageEarlyDuplicateDetect, models.StageStatusFailed, detectMetrics.InputCount, detectMetrics.OutputCount, 0, 0, detectMetrics.ExecutionMS, wrapped.Error(), nil)
			return errorResult(wrapped, stageMetrics, runStart), wrapped
		}
		stageMetrics[models.StageEarlyDuplicateDetect] = detectMetrics
		_ = c.RunManager.UpdateStage(ctx, runID, "", models.StageEarlyDuplicateDetect, models.StageStatusCompleted, detectMetrics.InputCount, detectMetrics.OutputCount, 0, 0, detectMetrics.ExecutionMS, "", nil)

		bypassed = len(detectResult.Update) + len(detectResult.Skip)

		for _, d := range detectResult.New {
			newOpps = append(newOpps, d.Opportunity)
			paths = append(paths, decisionPath(d, []string{models.StageDataExtraction, models.StageEarlyDuplicateDetect}))
		}
		for _, d := range detectResult.Update {
			updates = append(updates, directupdate.Item{API: d.Opportunity, DB: *d.ExistingRecord, Reason: d.Reason})
			paths = append(paths, decisionPath(d, []string{models.StageDataExtraction, models.StageEarlyDuplicateDetect, models.StageDirectUpdate}))
		}
		for _, d := range detectResult.Skip {
			paths = append(paths, decisionPathSkip(d))
		}
	}

	successful := 0
	if len(newOpps) > 0 {
		analysisStart := time.Now()
		analysisResult, err := analysis.Analyze(ctx, newOpps, c.LLMClient, c.AnalysisCfg)
		analysisMetrics := StageMetrics{
			InputCount:  len(newOpps),
			OutputCount: len(analysisResult.Opportunities),
			ExecutionMS: time.Since(analysisStart).Milliseconds(),
			TokensUsed:  analysisResult.Metrics.TotalTokens,
			APICalls:    analysisResult.Metrics.TotalAPICalls,
		}
		if err != nil {
			analysisMetrics.Error = err.Error()
			stageMetrics[models.StageAnalysis] = analysisMetrics
			_ = c.RunManager.UpdateStage(ctx, runID, "", models.StageAnalysis, models.StageStatusFailed, analysisMetrics.InputCount, analysisMetrics.OutputCount, analysisMetrics.TokensUsed, analysisMetrics.APICalls, analysisMetrics.ExecutionMS, err.Error(), nil)
			return errorResult(err, stageMetrics, runStart), err
		}
		stageMetrics[models.StageAnalysis] = analysisMetrics
		_ = c.RunManager.UpdateStage(ctx, runID, "", models.StageAnalysis, models.StageStatusCompleted, analysisMetrics.InputCount, analysisMetrics.OutputCount, analysisMetrics.TokensUsed, analysisMetrics.APICalls, analysisMetrics.ExecutionMS, "", nil)

		filterStart := time.Now()
		filterResult := filter.Filter(analysisResult.Opportunities)
		filterMetrics := StageMetrics{
			InputCount:  filterResult.Metrics.TotalAnalyzed,
			OutputCount: filterResult.Metrics.Included,
			ExecutionMS: time.Since(filterStart).Milliseconds(),
		}
		stageMetrics[models.StageFilter] = filterMetrics
		_ = c.RunManager.UpdateStage(ctx, runID, "", models.StageFilter, models.StageStatusCompleted, filterMetrics.InputCount, filterMetrics.OutputCount, 0, 0, filterMetrics.ExecutionMS, "", nil)

		storageStart := time.Now()
		storageResult, err := storage.Write(ctx, c.Store, sourceID, filterResult.Included)
		storageMetrics := StageMetrics{
			InputCount:  storageResult.Metrics.TotalAttempted,
			OutputCount: storageResult.Metrics.SuccessfulStores,
			ExecutionMS: time.Since(storageStart).Milliseconds(),
		}
		if err != nil {
			storageMetrics.Error = err.Error()
		}
		stageMetrics[models.StageStorage] = storageMetrics
		status := models.StageStatusCompleted
		if err != nil {
			status = models.StageStatusFailed
		}
		_ = c.RunManager.UpdateStage(ctx, runID, "", models.StageStorage, status, storageMetrics.InputCount, storageMetrics.OutputCount, 0, 0, storageMetrics.ExecutionMS, storageMetrics.Error, nil)

		successful += storageResult.Metrics.SuccessfulStores
		paths = markFinalOutcomes(paths, filterResult.Included, models.OutcomeStored, storageResult.Rows)
		paths = markExcluded(paths, filterResult.Excluded)
	}

	if len(updates) > 0 {
		updateStart := time.Now()
		updateResult := directupdate.Write(ctx, c.Store, updates)
		updateMetrics := StageMetrics{
			InputCount:  len(updates),
			OutputCount: updateResult.Metrics.Successful,
			ExecutionMS: time.Since(updateStart).Milliseconds(),
		}
		stageMetrics[models.StageDirectUpdate] = updateMetrics
		_ = c.RunManager.UpdateStage(ctx, runID, "", models.StageDirectUpdate, models.StageStatusCompleted, updateMetrics.InputCount, updateMetrics.OutputCount, 0, 0, updateMetrics.ExecutionMS, "", nil)

		successful += updateResult.Metrics.Successful
		paths = markDirectUpdateOutcomes(paths, updates, updateResult.Details)
	}

	paths = markSkipOutcomes(paths)

	if ffr {
		_ = c.Store.DisableForceFullReprocessing(ctx, sourceID) // failure ignored (spec §4.1 step 8)
	}

	totalTokens, totalCalls := 0, 0
	for _, m := range stageMetrics {
		totalTokens += m.TokensUsed
		totalCalls += m.APICalls
	}

	return Result{
		Status:   "success",
		Version:  resultVersion,
		Pipeline: resultPipeline,
		EnhancedMetrics: EnhancedMetrics{
			TotalTokensUsed:    totalTokens,
			TotalAPICalls:      totalCalls,
			TotalExecutionTime: time.Since(runStart),
			StageMetrics:       stageMetrics,
			OptimizationImpact: OptimizationImpact{
				TotalOpportunities:      len(extractResult.Opportunities),
				BypassedLLM:             bypassed,
				SuccessfulOpportunities: successful,
			},
			OpportunityPaths:        paths,
			ForceFullProcessingUsed: ffr,
		},
	}, nil
}

func errorResult(err error, stageMetrics map[string]StageMetrics, runStart time.Time) Result {
	return Result{
		Status:   "error",
		Version:  resultVersion,
		Pipeline: resultPipeline,
		Error:    err.Error(),
		EnhancedMetrics: EnhancedMetrics{
			StageMetrics:       stageMetrics,
			TotalExecutionTime: time.Since(runStart),
		},
	}
}

func opportunityKey(opp models.Opportunity) string {
	if opp.APIOpportunityID != "" {
		return opp.APIOpportunityID
	}
	return opp.Title
}

func countPathType(paths []models.OpportunityPath, t models.PathType) int {
	n := 0
	for _, p := range paths {
		if p.PathType == t {
			n++
		}
	}
	return n
}

func decisionPath(d duplicate.Decision, stages []string) models.OpportunityPath {
	return models.OpportunityPath{
		OpportunityKey:  opportunityKey(d.Opportunity),
		PathType:        d.Action,
		PathReason:      d.Reason,
		StagesProcessed: stages,
		Analytics:       d.Analytics,
	}
}

func decisionPathSkip(d duplicate.Decision) models.OpportunityPath {
	p := decisionPath(d, []string{models.StageDataExtraction, models.StageEarlyDuplicateDetect})
	p.FinalOutcome = models.OutcomeSkipped
	return p
}

func markFinalOutcomes(paths []models.OpportunityPath, included []models.Opportunity, outcome models.FinalOutcome, rows []persistence.InsertResult) []models.OpportunityPath {
	succeeded := map[string]bool{}
	for _, r := range rows {
		succeeded[r.OpportunityID] = r.Success
	}
	includedKeys := map[string]bool{}
	for _, o := range included {
		includedKeys[opportunityKey(o)] = true
	}

	for i, p := range paths {
		if p.PathType != models.PathTypeNew || !includedKeys[p.OpportunityKey] {
			continue
		}
		paths[i].StagesProcessed = append(paths[i].StagesProcessed, models.StageAnalysis, models.StageFilter, models.StageStorage)
		if succeeded[p.OpportunityKey] {
			paths[i].FinalOutcome = outcome
		} else {
			paths[i].FinalOutcome = models.OutcomeFilteredOut
		}
	}
	return paths
}

func markExcluded(paths []models.OpportunityPath, excluded []models.Opportunity) []models.OpportunityPath {
	excludedKeys := map[string]bool{}
	for _, o := range excluded {
		excludedKeys[opportunityKey(o)] = true
	}
	for i, p := range paths {
		if p.PathType != models.PathTypeNew || !excludedKeys[p.OpportunityKey] {
			continue
		}
		paths[i].StagesProcessed = append(paths[i].StagesProcessed, models.StageAnalysis, models.StageFilter)
		paths[i].FinalOutcome = models.OutcomeFilteredOut
	}
	return paths
}

func markDirectUpdateOutcomes(paths []models.OpportunityPath, items []directupdate.Item, details []directupdate.Detail) []models.OpportunityPath {
	byDBID := map[string]directupdate.Detail{}
	for _, d := range details {
		byDBID[d.DatabaseID] = d
	}
	keyByDBID := map[string]string{}
	for _, item := range items {
		keyByDBID[item.DB.ID] = opportunityKey(item.API)
	}

	for i, p := range paths {
		if p.PathType != models.PathTypeUpdate {
			continue
		}
		for dbID, detail := range byDBID {
			if keyByDBID[dbID] != p.OpportunityKey {
				continue
			}
			if detail.Success {
				paths[i].FinalOutcome = models.OutcomeUpdated
			}
		}
	}
	return paths
}

func markSkipOutcomes(paths []models.OpportunityPath) []models.OpportunityPath {
	for i, p := range paths {
		if p.PathType == models.PathTypeSkip && p.FinalOutcome == "" {
			paths[i].FinalOutcome = models.OutcomeSkipped
		}
	}
	return paths
}
