package models

import "time"

// Opportunity is the pre-database record produced by the Extraction Engine:
// a schema-conformant funding opportunity extracted from one raw API item.
type Opportunity struct {
	// APIOpportunityID may be empty — some upstream sources never assign one.
	APIOpportunityID string
	Title            string
	Description      string

	TotalFundingAvailable *float64
	MinimumAward          *float64
	MaximumAward          *float64

	OpenDate  *time.Time
	CloseDate *time.Time

	EligibleApplicants   []string // taxonomy terms
	EligibleProjectTypes []string
	EligibleActivities   []string
	FundingType          *string // single taxonomy term

	APIUpdatedAt *time.Time

	// Attached at ingestion.
	SourceID      string
	SourceName    string
	RawResponseID string

	// Populated by the Analysis Engine (C6); zero-valued until then.
	Scoring     *Scoring
	Enhancement *Enhancement
}

// Scoring holds the deterministic taxonomy-based scores computed by the
// Analysis Engine's scoring task (pkg/analysis).
type Scoring struct {
	ClientRelevance       int     // 0-3
	ProjectTypeRelevance  int     // 0-3
	FundingAttractiveness int     // 0-3
	FundingTypeScore      float64 // 0, 0.5, 1
	ActivityMultiplier    float64 // 0.25, 0.5, 0.75, 1.0
	BaseScore             float64
	FinalScore            float64
	Reasoning             string
}

// Enhancement holds the LLM-generated content enhancement fields.
type Enhancement struct {
	EnhancedDescription string
	ActionableSummary   string
}

// OpportunityRecord is the durable (DB) representation of an opportunity,
// including fields the storage writer derives at write time.
type OpportunityRecord struct {
	ID               string
	SourceID         string
	APIOpportunityID string
	Title            string
	Description      string

	TotalFundingAvailable *float64
	MinimumAward          *float64
	MaximumAward          *float64

	OpenDate  *time.Time
	CloseDate *time.Time

	EligibleApplicants   []string
	EligibleProjectTypes []string
	EligibleActivities   []string
	FundingType          *string

	APIUpdatedAt *time.Time
	UpdatedAt    time.Time
	LastChecked  time.Time

	ClientRelevance       int
	ProjectTypeRelevance  int
	FundingAttractiveness int
	FundingTypeScore      float64
	ActivityMultiplier    float64
	BaseScore             float64
	FinalScore            float64
	RelevanceReasoning    string
	EnhancedDescription   string
	ActionableSummary     string
}

// CriticalFields lists exactly the fields whose change triggers an UPDATE.
// No other field change alone triggers one (spec §3).
var CriticalFields = []string{
	"title",
	"minimum_award",
	"maximum_award",
	"total_funding_available",
	"close_date",
	"open_date",
}
