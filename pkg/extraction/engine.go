// Package extraction implements the Extraction Engine (C5): it chunks
// raw upstream items, calls the LLM client to produce schema-conformant
// opportunities, retries individual chunks, and circuit-breaks the whole
// run when too many chunks fail or come back anomalously sized.
package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/fundflowhq/pipeline/pkg/llmclient"
	"github.com/fundflowhq/pipeline/pkg/models"
	"github.com/fundflowhq/pipeline/pkg/pipelineconfig"
	"github.com/fundflowhq/pipeline/pkg/pipelineerrors"
)

// opportunitySchema is the JSON Schema handed to the LLM client for every
// extraction call; it intentionally only constrains the fields the
// pipeline consumes downstream.
var opportunitySchema = []byte(`{
  "type": "object",
  "properties": {
    "opportunities": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "api_opportunity_id": {"type": "string"},
          "title": {"type": "string"},
          "description": {"type": "string"},
          "total_funding_available": {"type": ["number", "null"]},
          "minimum_award": {"type": ["number", "null"]},
          "maximum_award": {"type": ["number", "null"]},
          "open_date": {"type": ["string", "null"]},
          "close_date": {"type": ["string", "null"]},
          "eligible_applicants": {"type": "array", "items": {"type": "string"}},
          "eligible_project_types": {"type": "array", "items": {"type": "string"}},
          "eligible_activities": {"type": "array", "items": {"type": "string"}},
          "funding_type": {"type": ["string", "null"]},
          "api_updated_at": {"type": ["string", "null"]}
        },
        "required": ["title"]
      }
    }
  },
  "required": ["opportunities"]
}`)

// wireOpportunity is the on-wire shape the LLM is asked to produce;
// extraction decodes it into models.Opportunity.
type wireOpportunity struct {
	APIOpportunityID      string   `json:"api_opportunity_id"`
	Title                 string   `json:"title"`
	Description           string   `json:"description"`
	TotalFundingAvailable *float64 `json:"total_funding_available"`
	MinimumAward          *float64 `json:"minimum_award"`
	MaximumAward          *float64 `json:"maximum_award"`
	OpenDate              *string  `json:"open_date"`
	CloseDate             *string  `json:"close_date"`
	EligibleApplicants    []string `json:"eligible_applicants"`
	EligibleProjectTypes  []string `json:"eligible_project_types"`
	EligibleActivities    []string `json:"eligible_activities"`
	FundingType           *string  `json:"funding_type"`
	APIUpdatedAt          *string  `json:"api_updated_at"`
}

type wireResponse struct {
	Opportunities []wireOpportunity `json:"opportunities"`
}

// Metrics aggregates usage across every chunk in one extraction run.
type Metrics struct {
	TotalTokens     int
	TotalAPICalls   int
	ExecutionTime   time.Duration
	ChunksProcessed int
	ChunksFailed    int
	ChunksAnomalous int
}

// Result is the output of one extraction run.
type Result struct {
	Opportunities []models.Opportunity
	Metrics       Metrics
}

// anomalousItemCountRatio flags a chunk whose output item count diverges wildly
// from its input item count — a signal the LLM misparsed the chunk
// rather than a hard failure.
const anomalousItemCountRatio = 3.0

// Extract runs the full chunk/call/retry/circuit-break pipeline over
// rawItems for one source (spec §4.3).
func Extract(ctx context.Context, rawItems []string, source models.Source, llmClient llmclient.Client, cfg pipelineconfig.ExtractionConfig) (Result, error) {
	start := time.Now()
	chunks := chunkItems(rawItems, cfg.ChunkSize)
	if len(chunks) == 0 {
		return Result{Metrics: Metrics{ExecutionTime: time.Since(start)}}, nil
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        fmt.Sprintf("extraction-%s", source.ID),
		MaxRequests: 1,
		Interval:    0, // counts never reset mid-run; the breaker is scoped to one call to Extract
		Timeout:     time.Hour,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 2 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) > cfg.MaxFailedRatio
		},
	})

	var (
		opportunities []models.Opportunity
		metrics       Metrics
	)

	for _, chunk := range chunks {
		chunkResult, err := cb.Execute(func() (any, error) {
			return extractChunk(ctx, chunk, llmClient, cfg)
		})
		metrics.ChunksProcessed++

		if err != nil {
			metrics.ChunksFailed++
			if errorsIsOpenState(err) {
				return Result{}, pipelineerrors.NewStageError(models.StageDataExtraction, pipelineerrors.ErrExtractionParse, err)
			}
			continue
		}

		cr := chunkResult.(chunkExtraction)
		metrics.TotalTokens += cr.tokens
		metrics.TotalAPICalls++
		if isAnomalous(len(chunk), len(cr.opportunities)) {
			metrics.ChunksAnomalous++
		}
		for _, w := range cr.opportunities {
			opportunities = append(opportunities, toOpportunity(w, source))
		}
	}

	if ratio(metrics.ChunksFailed, metrics.ChunksProcessed) > cfg.MaxFailedRatio {
		return Result{}, pipelineerrors.NewStageError(models.StageDataExtraction, pipelineerrors.ErrExtractionParse,
			fmt.Errorf("failed-chunk ratio %.2f exceeds limit %.2f", ratio(metrics.ChunksFailed, metrics.ChunksProcessed), cfg.MaxFailedRatio))
	}
	if ratio(metrics.ChunksAnomalous, metrics.ChunksProcessed) > cfg.MaxAnomalousRatio {
		return Result{}, pipelineerrors.NewStageError(models.StageDataExtraction, pipelineerrors.ErrExtractionParse,
			fmt.Errorf("anomalous-chunk ratio %.2f exceeds limit %.2f", ratio(metrics.ChunksAnomalous, metrics.ChunksProcessed), cfg.MaxAnomalousRatio))
	}

	metrics.ExecutionTime = time.Since(start)
	return Result{Opportunities: opportunities, Metrics: metrics}, nil
}

type chunkExtraction struct {
	opportunities []wireOpportunity
	tokens        int
}

// extractChunk calls the LLM once per attempt, retrying up to
// cfg.MaxRetries times with a small temperature reduction each retry.
func extractChunk(ctx context.Context, chunk []string, llmClient llmclient.Client, cfg pipelineconfig.ExtractionConfig) (chunkExtraction, error) {
	prompt := buildChunkPrompt(chunk)
	temperature := cfg.Temperature

	var lastErr error
	attempt := 0

	boff := backoff.WithMaxRetries(backoff.NewConstantBackOff(cfg.RetryDelay), uint64(cfg.MaxRetries))
	var result chunkExtraction

	err := backoff.Retry(func() error {
		callCtx, cancel := context.WithTimeout(ctx, cfg.ChunkTimeout)
		defer cancel()

		res, err := llmClient.CallWithSchema(callCtx, prompt, opportunitySchema, llmclient.CallOptions{
			MaxTokens:   cfg.MaxTokens,
			Temperature: temperature,
		})
		if err != nil {
			lastErr = err
			attempt++
			temperature -= 0.05
			if temperature < 0 {
				temperature = 0
			}
			return err
		}

		var parsed wireResponse
		if err := json.Unmarshal(res.Data, &parsed); err != nil {
			lastErr = fmt.Errorf("parse chunk response: %w", err)
			attempt++
			temperature -= 0.05
			return lastErr
		}

		result = chunkExtraction{opportunities: parsed.Opportunities, tokens: res.Tokens}
		return nil
	}, boff)

	if err != nil {
		return chunkExtraction{}, lastErr
	}
	return result, nil
}

func buildChunkPrompt(chunk []string) string {
	body := ""
	for _, item := range chunk {
		body += item + "\n---\n"
	}
	return "Extract funding opportunity records from the following raw items:\n\n" + body
}

func isAnomalous(inputItemCount, outputOpportunityCount int) bool {
	if inputItemCount == 0 {
		return outputOpportunityCount > 0
	}
	ratio := float64(outputOpportunityCount) / float64(inputItemCount)
	return ratio > anomalousItemCountRatio || (inputItemCount > 0 && outputOpportunityCount == 0)
}

func ratio(num, denom int) float64 {
	if denom == 0 {
		return 0
	}
	return float64(num) / float64(denom)
}

// errorsIsOpenState reports whether err came from gobreaker tripping
// open, which is a terminal condition for the whole extraction run
// rather than a single retryable chunk failure.
func errorsIsOpenState(err error) bool {
	return err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests
}
