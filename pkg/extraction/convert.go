package extraction

import (
	"time"

	"github.com/fundflowhq/pipeline/pkg/models"
)

// acceptedTimeLayouts covers the timestamp shapes upstream APIs and the
// LLM are observed to produce; the first one that parses wins.
var acceptedTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05.000Z",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseTime(s *string) *time.Time {
	if s == nil || *s == "" {
		return nil
	}
	for _, layout := range acceptedTimeLayouts {
		if t, err := time.Parse(layout, *s); err == nil {
			return &t
		}
	}
	return nil
}

func toOpportunity(w wireOpportunity, source models.Source) models.Opportunity {
	return models.Opportunity{
		APIOpportunityID:      w.APIOpportunityID,
		Title:                 w.Title,
		Description:           w.Description,
		TotalFundingAvailable: w.TotalFundingAvailable,
		MinimumAward:          w.MinimumAward,
		MaximumAward:          w.MaximumAward,
		OpenDate:              parseTime(w.OpenDate),
		CloseDate:             parseTime(w.CloseDate),
		EligibleApplicants:    w.EligibleApplicants,
		EligibleProjectTypes:  w.EligibleProjectTypes,
		EligibleActivities:    w.EligibleActivities,
		FundingType:           w.FundingType,
		APIUpdatedAt:          parseTime(w.APIUpdatedAt),
		SourceID:              source.ID,
		SourceName:            source.Name,
	}
}
