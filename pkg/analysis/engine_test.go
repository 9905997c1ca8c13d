package analysis

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/fundflowhq/pipeline/pkg/llmclient"
	"github.com/fundflowhq/pipeline/pkg/models"
	"github.com/fundflowhq/pipeline/pkg/pipelineconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLLM struct {
	responder func(prompt string) (llmclient.CallResult, error)
	batchHint llmclient.BatchSizeHint
}

func (f *fakeLLM) CallWithSchema(ctx context.Context, prompt string, schema []byte, opts llmclient.CallOptions) (llmclient.CallResult, error) {
	return f.responder(prompt)
}
func (f *fakeLLM) GetPerformanceMetrics() llmclient.PerformanceMetrics { return llmclient.PerformanceMetrics{} }
func (f *fakeLLM) CalculateOptimalBatchSize(avgCharLen int) llmclient.BatchSizeHint {
	if f.batchHint.BatchSize == 0 {
		return llmclient.BatchSizeHint{BatchSize: 10, MaxTokens: 4096}
	}
	return f.batchHint
}

func enhancementResponse(ids []string) []byte {
	var resp wireEnhancementResponse
	for _, id := range ids {
		resp.Enhancements = append(resp.Enhancements, wireEnhancement{ID: id, EnhancedDescription: "enhanced", ActionableSummary: "summary"})
	}
	b, _ := json.Marshal(resp)
	return b
}

func TestAnalyze_MergesScoringAndEnhancementByID(t *testing.T) {
	opps := []models.Opportunity{
		{APIOpportunityID: "a", Title: "Program A", EligibleApplicants: []string{"Municipal Government"}},
		{APIOpportunityID: "b", Title: "Program B"},
	}

	llm := &fakeLLM{responder: func(prompt string) (llmclient.CallResult, error) {
		return llmclient.CallResult{Data: enhancementResponse([]string{"a", "b"}), Tokens: 20}, nil
	}}

	result, err := Analyze(context.Background(), opps, llm, pipelineconfig.DefaultAnalysisConfig())
	require.NoError(t, err)
	require.Len(t, result.Opportunities, 2)
	for _, o := range result.Opportunities {
		require.NotNil(t, o.Scoring)
		require.NotNil(t, o.Enhancement)
		assert.Equal(t, "enhanced", o.Enhancement.EnhancedDescription)
	}
}

func TestAnalyze_EmptyInputNoOp(t *testing.T) {
	llm := &fakeLLM{responder: func(prompt string) (llmclient.CallResult, error) {
		t.Fatal("should not be called")
		return llmclient.CallResult{}, nil
	}}
	result, err := Analyze(context.Background(), nil, llm, pipelineconfig.DefaultAnalysisConfig())
	require.NoError(t, err)
	assert.Empty(t, result.Opportunities)
}

func TestAnalyze_ScoreDistributionBucketing(t *testing.T) {
	opps := []models.Opportunity{
		{APIOpportunityID: "hot", EligibleApplicants: []string{"Municipal Government"}, EligibleProjectTypes: []string{"Water Infrastructure"}, EligibleActivities: []string{"Construction"}, TotalFundingAvailable: f64(60_000_000)},
		{APIOpportunityID: "cold"},
	}
	llm := &fakeLLM{responder: func(prompt string) (llmclient.CallResult, error) {
		return llmclient.CallResult{Data: enhancementResponse([]string{"hot", "cold"})}, nil
	}}

	cfg := pipelineconfig.DefaultAnalysisConfig()
	result, err := Analyze(context.Background(), opps, llm, cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Metrics.Distribution.High)
	assert.GreaterOrEqual(t, result.Metrics.Distribution.Low+result.Metrics.Distribution.Medium, 1)
}
