// Package duplicate implements the Early Duplicate Detector (C3): batch
// lookup against the system of record, ID+title validation, the
// freshness decision table, and critical-field change detection.
package duplicate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fundflowhq/pipeline/pkg/changedetect"
	"github.com/fundflowhq/pipeline/pkg/models"
	"github.com/fundflowhq/pipeline/pkg/persistence"
)

const estimatedTokensSavedPerBypass = 1500

const minTitleLenForLookup = 10

// jaccardThreshold is the normalized token-overlap floor for treating two
// titles as "the same opportunity" when they aren't identical after
// trim/casefold (spec §9 open question, pinned here).
const jaccardThreshold = 0.8

// Decision is the per-opportunity outcome of detection.
type Decision struct {
	Opportunity    models.Opportunity
	Action         models.PathType
	Reason         models.PathReason
	ExistingRecord *models.OpportunityRecord // nil unless a duplicate was matched
	Analytics      models.PathAnalytics
}

// Metrics aggregates detection-wide counters (spec §4.2).
type Metrics struct {
	DetectionMethods struct {
		IDValidation int
		TitleOnly    int
		NoMatch      int
	}
	ValidationFailures    int
	FreshnessSkips        int
	BatchFetchTime        time.Duration
	CategorizationTime    time.Duration
	AvgTimePerOpportunity time.Duration
	EstimatedTokensSaved  int
}

// Result is the full output of one detection pass.
type Result struct {
	New     []Decision
	Update  []Decision
	Skip    []Decision
	Metrics Metrics
}

// Detect runs the full early-duplicate-detection pipeline over opps for
// one source (spec §4.2 Steps A-D).
func Detect(ctx context.Context, store persistence.Store, sourceID string, opps []models.Opportunity) (Result, error) {
	batchStart := time.Now()

	ids := distinctNonEmpty(func(o models.Opportunity) string { return o.APIOpportunityID }, opps)
	titles := distinctNonEmpty(func(o models.Opportunity) string {
		if len(o.Title) < minTitleLenForLookup {
			return ""
		}
		return strings.TrimSpace(o.Title)
	}, opps)

	byID, err := store.FindByAPIOpportunityIDs(ctx, sourceID, ids)
	if err != nil {
		return Result{}, fmt.Errorf("batch fetch by id: %w", err)
	}
	byTitle, err := store.FindByTitles(ctx, sourceID, titles)
	if err != nil {
		return Result{}, fmt.Errorf("batch fetch by title: %w", err)
	}

	batchFetchTime := time.Since(batchStart)
	categorizationStart := time.Now()

	var result Result
	for _, opp := range opps {
		decision := classify(opp, byID, byTitle, &result.Metrics)
		switch decision.Action {
		case models.PathTypeNew:
			result.New = append(result.New, decision)
		case models.PathTypeUpdate:
			result.Update = append(result.Update, decision)
		default:
			result.Skip = append(result.Skip, decision)
		}
	}

	result.Metrics.BatchFetchTime = batchFetchTime
	result.Metrics.CategorizationTime = time.Since(categorizationStart)
	if len(opps) > 0 {
		result.Metrics.AvgTimePerOpportunity = result.Metrics.CategorizationTime / time.Duration(len(opps))
	}
	bypassed := len(result.Update) + len(result.Skip)
	result.Metrics.EstimatedTokensSaved = bypassed * estimatedTokensSavedPerBypass

	return result, nil
}

func classify(opp models.Opportunity, byID, byTitle map[string]models.OpportunityRecord, metrics *Metrics) Decision {
	var (
		matched          *models.OpportunityRecord
		method           models.DetectionMethod
		validationFailed bool
	)

	if opp.APIOpportunityID != "" {
		if rec, ok := byID[opp.APIOpportunityID]; ok {
			if titlesSimilar(opp.Title, rec.Title) {
				matched = &rec
				method = models.MethodIDValidation
			} else {
				validationFailed = true
				metrics.ValidationFailures++
			}
		}
	}

	if matched == nil {
		if rec, ok := byTitle[strings.TrimSpace(opp.Title)]; ok && len(strings.TrimSpace(opp.Title)) >= minTitleLenForLookup {
			matched = &rec
			method = models.MethodTitleOnly
		}
	}

	if matched == nil {
		method = models.MethodNoMatch
		metrics.DetectionMethods.NoMatch++
		return Decision{
			Opportunity: opp,
			Action:      models.PathTypeNew,
			Reason:      models.ReasonNoDuplicateFound,
			Analytics: models.PathAnalytics{
				Method:           method,
				Confidence:       models.ConfidenceHigh,
				ValidationFailed: validationFailed,
			},
		}
	}

	confidence := models.ConfidenceHigh
	if method == models.MethodTitleOnly {
		confidence = models.ConfidenceMedium
	}
	if method == models.MethodIDValidation {
		metrics.DetectionMethods.IDValidation++
	} else {
		metrics.DetectionMethods.TitleOnly++
	}

	action, reason, proceedToFieldCheck := freshnessDecision(opp.APIUpdatedAt, matched.APIUpdatedAt)
	if !proceedToFieldCheck {
		metrics.FreshnessSkips++
		return Decision{
			Opportunity:    opp,
			Action:         action,
			Reason:         reason,
			ExistingRecord: matched,
			Analytics: models.PathAnalytics{
				Method:           method,
				Confidence:       confidence,
				ValidationFailed: validationFailed,
			},
		}
	}

	changedFields := changedetect.CriticalFieldsChanged(opp, *matched)
	analytics := models.PathAnalytics{
		Method:                method,
		Confidence:            confidence,
		ValidationFailed:      validationFailed,
		CriticalFieldsChanged: changedFields,
	}

	if len(changedFields) == 0 {
		return Decision{
			Opportunity:    opp,
			Action:         models.PathTypeSkip,
			Reason:         models.ReasonNoCriticalChanges,
			ExistingRecord: matched,
			Analytics:      analytics,
		}
	}

	return Decision{
		Opportunity:    opp,
		Action:         models.PathTypeUpdate,
		Reason:         reason,
		ExistingRecord: matched,
		Analytics:      analytics,
	}
}

// freshnessDecision implements the 4-scenario matrix (spec §4.2 Step C).
// proceedToFieldCheck is false only for the "not newer" SKIP scenario.
func freshnessDecision(apiUpdatedAt, dbUpdatedAt *time.Time) (action models.PathType, reason models.PathReason, proceedToFieldCheck bool) {
	if apiUpdatedAt == nil {
		return models.PathTypeUpdate, models.ReasonNoAPITimestampCheckFields, true
	}
	if dbUpdatedAt == nil {
		return models.PathTypeUpdate, models.ReasonAPITimestampNewer, true
	}
	if !apiUpdatedAt.After(*dbUpdatedAt) {
		return models.PathTypeSkip, models.ReasonAPITimestampNotNewer, false
	}
	return models.PathTypeUpdate, models.ReasonAPITimestampNewer, true
}

func distinctNonEmpty(key func(models.Opportunity) string, opps []models.Opportunity) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, o := range opps {
		k := key(o)
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
