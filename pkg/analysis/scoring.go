package analysis

import (
	"math"

	"github.com/fundflowhq/pipeline/pkg/models"
	"github.com/fundflowhq/pipeline/pkg/taxonomy"
)

const failedScoringReasoning = "Analysis failed — manual review required"

// fundingAttractiveness dollar thresholds (spec §4.4 step 2).
const (
	hotTotalThreshold    = 50_000_000.0
	hotMaxThreshold      = 5_000_000.0
	strongTotalThreshold = 25_000_000.0
	strongMaxThreshold   = 2_000_000.0
	mildTotalThreshold   = 10_000_000.0
	mildMaxThreshold     = 1_000_000.0
)

// score computes the deterministic taxonomy-based score for one
// opportunity. It never returns an error: any internal inconsistency
// degrades to the zero-score, flagged-for-review result rather than
// propagating (spec §4.4 step 2).
func score(opp models.Opportunity) models.Scoring {
	clientRelevance := taxonomy.ClientRelevance(taxonomy.ApplicantTier(opp.EligibleApplicants))
	projectTypeRelevance := taxonomy.ProjectTypeRelevance(taxonomy.ProjectTypeTier(opp.EligibleProjectTypes))
	fundingAttractiveness := fundingAttractivenessScore(opp.TotalFundingAvailable, opp.MaximumAward)
	fundingTypeScore := taxonomy.FundingTypeScore(taxonomy.FundingTypeTier(opp.FundingType))
	activityMultiplier := taxonomy.ActivityMultiplier(taxonomy.ActivityTier(opp.EligibleActivities))

	baseScore := float64(clientRelevance) + float64(projectTypeRelevance) + float64(fundingAttractiveness) + fundingTypeScore
	finalScore := round1(baseScore * activityMultiplier)

	return models.Scoring{
		ClientRelevance:       clientRelevance,
		ProjectTypeRelevance:  projectTypeRelevance,
		FundingAttractiveness: fundingAttractiveness,
		FundingTypeScore:      fundingTypeScore,
		ActivityMultiplier:    activityMultiplier,
		BaseScore:             baseScore,
		FinalScore:            finalScore,
	}
}

// safeScore wraps score so a panic anywhere in the scoring path still
// yields the documented failure result instead of crashing the batch.
func safeScore(opp models.Opportunity) (result models.Scoring) {
	defer func() {
		if recover() != nil {
			result = models.Scoring{Reasoning: failedScoringReasoning}
		}
	}()
	return score(opp)
}

func fundingAttractivenessScore(total, max *float64) int {
	bothUnknown := total == nil && max == nil
	t, m := valueOrZero(total), valueOrZero(max)

	switch {
	case t >= hotTotalThreshold || m >= hotMaxThreshold:
		return 3
	case t >= strongTotalThreshold || m >= strongMaxThreshold:
		return 2
	case t >= mildTotalThreshold || m >= mildMaxThreshold || bothUnknown:
		return 1
	default:
		return 0
	}
}

func valueOrZero(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
