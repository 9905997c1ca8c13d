// Package filter implements the Quality Filter (C7): the "exclude if at
// least two of the three core category scores are zero" rule.
package filter

import (
	"time"

	"github.com/fundflowhq/pipeline/pkg/models"
)

const zeroCategoryExclusionThreshold = 2

// ExclusionReason names why an opportunity was excluded from storage.
type ExclusionReason string

const (
	ReasonMissingScoring    ExclusionReason = "missingScoring"
	ReasonTwoZeroCategories ExclusionReason = "twoZeroCategories"
)

// Metrics aggregates filter-wide counters (spec §4.5).
type Metrics struct {
	TotalAnalyzed    int
	Included         int
	Excluded         int
	ExclusionReasons map[ExclusionReason]int
	ProcessingTime   time.Duration
}

// Result is the output of one filter pass.
type Result struct {
	Included []models.Opportunity
	Excluded []models.Opportunity
	Metrics  Metrics
}

// Filter applies the quality-filter rule to analyzed (spec §4.5).
func Filter(analyzed []models.Opportunity) Result {
	start := time.Now()

	result := Result{
		Metrics: Metrics{
			TotalAnalyzed:    len(analyzed),
			ExclusionReasons: map[ExclusionReason]int{},
		},
	}

	for _, opp := range analyzed {
		reason, excluded := exclusionReason(opp)
		if excluded {
			result.Excluded = append(result.Excluded, opp)
			result.Metrics.Excluded++
			result.Metrics.ExclusionReasons[reason]++
			continue
		}
		result.Included = append(result.Included, opp)
		result.Metrics.Included++
	}

	result.Metrics.ProcessingTime = time.Since(start)
	return result
}

func exclusionReason(opp models.Opportunity) (ExclusionReason, bool) {
	if opp.Scoring == nil {
		return ReasonMissingScoring, true
	}

	zeros := 0
	if opp.Scoring.ClientRelevance == 0 {
		zeros++
	}
	if opp.Scoring.ProjectTypeRelevance == 0 {
		zeros++
	}
	if opp.Scoring.FundingAttractiveness == 0 {
		zeros++
	}

	if zeros >= zeroCategoryExclusionThreshold {
		return ReasonTwoZeroCategories, true
	}
	return "", false
}
