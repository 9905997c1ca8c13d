// Package analysis implements the Analysis Engine (C6): deterministic
// taxonomy-based scoring and LLM content enhancement run in parallel per
// batch and merged by opportunity id.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fundflowhq/pipeline/pkg/llmclient"
	"github.com/fundflowhq/pipeline/pkg/models"
	"github.com/fundflowhq/pipeline/pkg/pipelineconfig"
	"github.com/fundflowhq/pipeline/pkg/pipelineerrors"
)

var enhancementSchema = []byte(`{
  "type": "object",
  "properties": {
    "enhancements": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "id": {"type": "string"},
          "enhanced_description": {"type": "string"},
          "actionable_summary": {"type": "string"}
        },
        "required": ["id", "enhanced_description", "actionable_summary"]
      }
    }
  },
  "required": ["enhancements"]
}`)

type wireEnhancement struct {
	ID                  string `json:"id"`
	EnhancedDescription string `json:"enhanced_description"`
	ActionableSummary   string `json:"actionable_summary"`
}

type wireEnhancementResponse struct {
	Enhancements []wireEnhancement `json:"enhancements"`
}

// ScoreDistribution buckets opportunities by final score against the
// configured thresholds.
type ScoreDistribution struct {
	High   int
	Medium int
	Low    int
}

// Metrics aggregates analysis-wide counters (spec §4.4 step 4).
type Metrics struct {
	TotalTokens   int
	TotalAPICalls int
	AverageScore  float64
	Distribution  ScoreDistribution
}

// Result is the output of one analysis pass over a batch of NEW opportunities.
type Result struct {
	Opportunities []models.Opportunity
	Metrics       Metrics
}

// Analyze runs deterministic scoring and LLM content enhancement in
// parallel over opps, merges the two by opportunity key, and aggregates
// metrics (spec §4.4).
func Analyze(ctx context.Context, opps []models.Opportunity, llmClient llmclient.Client, cfg pipelineconfig.AnalysisConfig) (Result, error) {
	if len(opps) == 0 {
		return Result{}, nil
	}

	hint := llmClient.CalculateOptimalBatchSize(averageDescriptionLength(opps))
	batchSize := hint.BatchSize
	if batchSize <= 0 {
		batchSize = len(opps)
	}

	var (
		merged  []models.Opportunity
		metrics Metrics
	)

	for start := 0; start < len(opps); start += batchSize {
		end := min(start+batchSize, len(opps))
		batch := opps[start:end]

		batchResult, err := analyzeBatch(ctx, batch, llmClient, hint.MaxTokens, cfg)
		if err != nil {
			return Result{}, err
		}

		merged = append(merged, batchResult.opportunities...)
		metrics.TotalTokens += batchResult.tokens
		metrics.TotalAPICalls += batchResult.apiCalls

		if start+batchSize < len(opps) {
			time.Sleep(cfg.BatchDelay)
		}
	}

	var total float64
	for _, o := range merged {
		if o.Scoring == nil {
			continue
		}
		total += o.Scoring.FinalScore
		switch {
		case o.Scoring.FinalScore >= cfg.HighScoreThreshold:
			metrics.Distribution.High++
		case o.Scoring.FinalScore >= cfg.MediumScoreThreshold:
			metrics.Distribution.Medium++
		default:
			metrics.Distribution.Low++
		}
	}
	if len(merged) > 0 {
		metrics.AverageScore = round1(total / float64(len(merged)))
	}

	return Result{Opportunities: merged, Metrics: metrics}, nil
}

type batchOutcome struct {
	opportunities []models.Opportunity
	tokens        int
	apiCalls      int
}

// analyzeBatch runs deterministic scoring and LLM enhancement
// concurrently (spec §4.4 step 2), merges by opportunity key, and
// applies the failure-handling contract from step 3.
func analyzeBatch(ctx context.Context, batch []models.Opportunity, llmClient llmclient.Client, maxTokens int, cfg pipelineconfig.AnalysisConfig) (batchOutcome, error) {
	var (
		scores       = make(map[string]models.Scoring, len(batch))
		enhancements map[string]models.Enhancement
		tokens       int
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for _, opp := range batch {
			scores[opportunityKey(opp)] = safeScore(opp)
		}
		return nil
	})

	g.Go(func() error {
		result, usedTokens, err := enhanceBatch(gctx, batch, llmClient, maxTokens, cfg)
		tokens = usedTokens
		if err != nil {
			return err
		}
		enhancements = result
		return nil
	})

	if err := g.Wait(); err != nil {
		return batchOutcome{}, err
	}

	merged := make([]models.Opportunity, 0, len(batch))
	for _, opp := range batch {
		key := opportunityKey(opp)
		s := scores[key]
		e := enhancements[key]
		opp.Scoring = &s
		opp.Enhancement = &e
		merged = append(merged, opp)
	}

	return batchOutcome{opportunities: merged, tokens: tokens, apiCalls: 1}, nil
}

// enhanceBatch issues one schema-bound call per batch. On a parse or
// validation error the whole batch fails (step 3). On a transient
// network/rate-limit error it falls back to per-item serial retries; if
// that also fails, the error propagates.
func enhanceBatch(ctx context.Context, batch []models.Opportunity, llmClient llmclient.Client, maxTokens int, cfg pipelineconfig.AnalysisConfig) (map[string]models.Enhancement, int, error) {
	prompt := buildEnhancementPrompt(batch)

	res, err := llmClient.CallWithSchema(ctx, prompt, enhancementSchema, llmclient.CallOptions{MaxTokens: maxTokens})
	if err == nil {
		parsed, parseErr := parseEnhancements(res.Data)
		if parseErr != nil {
			return nil, 0, pipelineerrors.NewStageError(models.StageAnalysis, pipelineerrors.ErrAnalysisFailure, parseErr)
		}
		return parsed, res.Tokens, nil
	}

	if isParseOrValidationError(err) {
		return nil, 0, pipelineerrors.NewStageError(models.StageAnalysis, pipelineerrors.ErrAnalysisFailure, err)
	}

	// Transient error: fall back to per-item serial retry.
	enhancements := make(map[string]models.Enhancement, len(batch))
	totalTokens := 0
	for _, opp := range batch {
		time.Sleep(cfg.BatchDelay)
		itemRes, itemErr := llmClient.CallWithSchema(ctx, buildEnhancementPrompt([]models.Opportunity{opp}), enhancementSchema, llmclient.CallOptions{MaxTokens: maxTokens})
		if itemErr != nil {
			return nil, 0, pipelineerrors.NewStageError(models.StageAnalysis, pipelineerrors.ErrAnalysisFailure, itemErr)
		}
		parsed, parseErr := parseEnhancements(itemRes.Data)
		if parseErr != nil {
			return nil, 0, pipelineerrors.NewStageError(models.StageAnalysis, pipelineerrors.ErrAnalysisFailure, parseErr)
		}
		for k, v := range parsed {
			enhancements[k] = v
		}
		totalTokens += itemRes.Tokens
	}
	return enhancements, totalTokens, nil
}

func parseEnhancements(data []byte) (map[string]models.Enhancement, error) {
	var parsed wireEnhancementResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse enhancement response: %w", err)
	}
	out := make(map[string]models.Enhancement, len(parsed.Enhancements))
	for _, e := range parsed.Enhancements {
		out[e.ID] = models.Enhancement{EnhancedDescription: e.EnhancedDescription, ActionableSummary: e.ActionableSummary}
	}
	return out, nil
}

// isParseOrValidationError distinguishes a malformed-response failure
// from a transient network/rate-limit one. Only an error wrapping a
// *json.SyntaxError (matched with errors.As) counts as a parse failure;
// every other error is treated as transient.
func isParseOrValidationError(err error) bool {
	var syntaxErr *json.SyntaxError
	return errors.As(err, &syntaxErr)
}

func buildEnhancementPrompt(batch []models.Opportunity) string {
	prompt := "Produce an enhanced description and actionable summary for each opportunity below, keyed by id:\n\n"
	for _, opp := range batch {
		prompt += fmt.Sprintf("id: %s\ntitle: %s\ndescription: %s\n---\n", opportunityKey(opp), opp.Title, opp.Description)
	}
	return prompt
}

func opportunityKey(opp models.Opportunity) string {
	if opp.APIOpportunityID != "" {
		return opp.APIOpportunityID
	}
	return opp.Title
}

func averageDescriptionLength(opps []models.Opportunity) int {
	if len(opps) == 0 {
		return 0
	}
	total := 0
	for _, o := range opps {
		total += len(o.Description)
	}
	return total / len(opps)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
