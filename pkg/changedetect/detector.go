package changedetect

import "github.com/fundflowhq/pipeline/pkg/models"

// CriticalFieldsChanged compares api against db across exactly the six
// critical fields (models.CriticalFields) and returns the names of the
// ones that differ after normalization. An empty result means no
// critical-field change was detected, regardless of any other field drift.
func CriticalFieldsChanged(api models.Opportunity, db models.OpportunityRecord) []string {
	var changed []string

	if !stringEqual(api.Title, db.Title) {
		changed = append(changed, "title")
	}
	if !moneyEqual(api.MinimumAward, db.MinimumAward) {
		changed = append(changed, "minimum_award")
	}
	if !moneyEqual(api.MaximumAward, db.MaximumAward) {
		changed = append(changed, "maximum_award")
	}
	if !moneyEqual(api.TotalFundingAvailable, db.TotalFundingAvailable) {
		changed = append(changed, "total_funding_available")
	}
	if !dateEqual(api.CloseDate, db.CloseDate) {
		changed = append(changed, "close_date")
	}
	if !dateEqual(api.OpenDate, db.OpenDate) {
		changed = append(changed, "open_date")
	}

	return changed
}
