// Package persistence defines the durable-store contract the pipeline
// depends on (spec §6). Concrete adapters (e.g. pkg/pgstore) implement
// Store; every other pipeline package depends only on this interface so
// the coordinator and stage engines never know they're talking to
// Postgres specifically.
package persistence

import (
	"context"
	"time"

	"github.com/fundflowhq/pipeline/pkg/models"
)

// IsolationLevel names a transaction isolation level a caller may request.
type IsolationLevel int

const (
	ReadCommitted IsolationLevel = iota
	Serializable
)

// InsertResult is the per-row outcome of a Storage Writer batch insert.
type InsertResult struct {
	Success       bool
	OpportunityID string // api_opportunity_id
	DatabaseID    string // internal id, set only on success
	Error         string
}

// UpdateFields carries the subset of critical fields (plus the two
// always-written bookkeeping fields) a direct update touches.
type UpdateFields struct {
	DatabaseID   string
	Title        *string
	MinimumAward *float64
	MaximumAward *float64
	TotalFunding *float64
	CloseDate    *time.Time
	OpenDate     *time.Time
	APIUpdatedAt *time.Time
	LastChecked  time.Time
}

// Store is the persistence contract required by the pipeline (spec §6).
// Implementations must be safe for concurrent use; transactions are
// scoped to whichever writer opens them.
type Store interface {
	// GetSource returns the source descriptor, including its active and
	// force-full-reprocessing flags.
	GetSource(ctx context.Context, sourceID string) (models.Source, error)

	// GetSourceConfiguration returns source-specific processing
	// instructions handed to the Extraction Engine. An empty map is a
	// valid "no overrides" result.
	GetSourceConfiguration(ctx context.Context, sourceID string) (map[string]any, error)

	// FindByAPIOpportunityIDs batch-fetches DB records for the given
	// source whose api_opportunity_id is in ids. ids is assumed
	// distinct and non-empty; callers must not pass empty strings.
	FindByAPIOpportunityIDs(ctx context.Context, sourceID string, ids []string) (map[string]models.OpportunityRecord, error)

	// FindByTitles batch-fetches DB records for the given source whose
	// title is in titles (exact match, caller pre-trims).
	FindByTitles(ctx context.Context, sourceID string, titles []string) (map[string]models.OpportunityRecord, error)

	// InsertOpportunities inserts the batch keyed by (source_id,
	// api_opportunity_id), one row per independent transaction. A
	// conflict on that key is resolved update-or-ignore per the
	// adapter's policy. A row's failure is reported in its InsertResult
	// and does not affect any other row; the returned error is non-nil
	// only when the batch was cut short (e.g. ctx cancellation), in
	// which case the results already decided are still returned.
	InsertOpportunities(ctx context.Context, sourceID string, opportunities []models.Opportunity) ([]InsertResult, error)

	// UpdateOpportunityFields issues a field-scoped UPDATE touching only
	// the non-nil fields in upd plus api_updated_at and last_checked.
	UpdateOpportunityFields(ctx context.Context, upd UpdateFields) error

	// InsertRawResponse is idempotent on content hash: the same hash
	// from the same source is stored only once. Returns the existing or
	// newly-created raw response id.
	InsertRawResponse(ctx context.Context, raw models.RawResponse) (string, error)

	// TryAdvisoryLock attempts to acquire the per-source exclusion lock.
	// Must be atomic; returns false (not an error) when already held.
	TryAdvisoryLock(ctx context.Context, sourceID string) (bool, error)

	// ReleaseAdvisoryLock releases a previously-acquired lock. Safe to
	// call even if the lock was never held.
	ReleaseAdvisoryLock(ctx context.Context, sourceID string) error

	// ShouldForceFullReprocessing reports the source's FFR flag.
	// Failures are treated by callers as false, never fatal.
	ShouldForceFullReprocessing(ctx context.Context, sourceID string) (bool, error)

	// DisableForceFullReprocessing clears the FFR flag after a
	// successful FFR run. Failures are logged, never fatal.
	DisableForceFullReprocessing(ctx context.Context, sourceID string) error

	// WithTransaction runs fn within a transaction at the given
	// isolation level, committing on nil error and rolling back
	// otherwise.
	WithTransaction(ctx context.Context, level IsolationLevel, fn func(ctx context.Context) error) error
}
