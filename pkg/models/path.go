package models

// PathType is the routing decision the Early Duplicate Detector assigns
// to one opportunity: NEW, UPDATE, or SKIP.
type PathType string

const (
	PathTypeNew    PathType = "NEW"
	PathTypeUpdate PathType = "UPDATE"
	PathTypeSkip   PathType = "SKIP"
)

// PathReason is the specific decision-table reason behind a PathType.
type PathReason string

const (
	ReasonNoDuplicateFound          PathReason = "no_duplicate_found"
	ReasonForceFullProcessing       PathReason = "force_full_processing"
	ReasonAPITimestampNewer         PathReason = "api_timestamp_newer"
	ReasonNoAPITimestampCheckFields PathReason = "no_api_timestamp_check_fields"
	ReasonMaterialChanges           PathReason = "material_changes"
	ReasonExactDuplicate            PathReason = "exact_duplicate"
	ReasonAPITimestampNotNewer      PathReason = "api_timestamp_not_newer"
	ReasonNoCriticalChanges         PathReason = "no_critical_changes"
)

// FinalOutcome is the terminal result recorded once an opportunity's path
// completes.
type FinalOutcome string

const (
	OutcomeStored      FinalOutcome = "stored"
	OutcomeUpdated     FinalOutcome = "updated"
	OutcomeSkipped     FinalOutcome = "skipped"
	OutcomeFilteredOut FinalOutcome = "filtered_out"
)

// DetectionMethod records how the Early Duplicate Detector matched an
// opportunity against the system of record.
type DetectionMethod string

const (
	MethodIDValidation DetectionMethod = "id_validation"
	MethodTitleOnly    DetectionMethod = "title_only"
	MethodNoMatch      DetectionMethod = "no_match"
)

// Confidence is the detector's confidence in its match method.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
)

// PathAnalytics carries the detection flags behind a path decision, used
// both for the emitted OpportunityPath and for enhanced-metrics aggregation.
type PathAnalytics struct {
	Method                DetectionMethod
	Confidence            Confidence
	ValidationFailed      bool
	CriticalFieldsChanged []string
}

// OpportunityPath is the per-opportunity trace object. Exactly one is
// produced per extracted opportunity (spec invariant 1).
type OpportunityPath struct {
	OpportunityKey  string // api_opportunity_id, or title when id is empty
	PathType        PathType
	PathReason      PathReason
	StagesProcessed []string
	FinalOutcome    FinalOutcome
	Analytics       PathAnalytics
}
