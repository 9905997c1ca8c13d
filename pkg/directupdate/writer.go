// Package directupdate implements the Direct Update Writer (C9):
// field-scoped UPDATEs for duplicates with detected critical-field
// changes, with one deadlock retry.
package directupdate

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/fundflowhq/pipeline/pkg/changedetect"
	"github.com/fundflowhq/pipeline/pkg/models"
	"github.com/fundflowhq/pipeline/pkg/persistence"
)

// deadlockSQLState is Postgres's deadlock-detected error code.
const deadlockSQLState = "40P01"

const (
	deadlockRetryMinDelay = 50 * time.Millisecond
	deadlockRetryMaxDelay = 150 * time.Millisecond
)

// Item is one duplicate opportunity scheduled for a field-scoped update.
type Item struct {
	API    models.Opportunity
	DB     models.OpportunityRecord
	Reason models.PathReason
}

// Detail is the per-item outcome of a direct update attempt.
type Detail struct {
	DatabaseID string
	Success    bool
	Error      string
}

// Metrics aggregates one direct-update pass (spec §4.6).
type Metrics struct {
	Successful    int
	Failed        int
	ExecutionTime time.Duration
}

// Result is the output of one direct-update pass.
type Result struct {
	Details []Detail
	Metrics Metrics
}

// Write applies a field-scoped UPDATE for each item, retrying once on
// deadlock with randomized 50-150ms backoff (spec §4.6).
func Write(ctx context.Context, store persistence.Store, items []Item) Result {
	start := time.Now()
	result := Result{Metrics: Metrics{}}

	for _, item := range items {
		detail := applyUpdate(ctx, store, item)
		result.Details = append(result.Details, detail)
		if detail.Success {
			result.Metrics.Successful++
		} else {
			result.Metrics.Failed++
		}
	}

	result.Metrics.ExecutionTime = time.Since(start)
	return result
}

func applyUpdate(ctx context.Context, store persistence.Store, item Item) Detail {
	changed := changedetect.CriticalFieldsChanged(item.API, item.DB)
	fields := toUpdateFields(item.DB.ID, item.API, changed)

	err := store.UpdateOpportunityFields(ctx, fields)
	if err != nil && isDeadlock(err) {
		time.Sleep(jitteredDeadlockDelay())
		err = store.UpdateOpportunityFields(ctx, fields)
	}

	if err != nil {
		return Detail{DatabaseID: item.DB.ID, Success: false, Error: err.Error()}
	}
	return Detail{DatabaseID: item.DB.ID, Success: true}
}

func toUpdateFields(databaseID string, api models.Opportunity, changed []string) persistence.UpdateFields {
	fields := persistence.UpdateFields{
		DatabaseID:   databaseID,
		APIUpdatedAt: api.APIUpdatedAt,
		LastChecked:  time.Now(),
	}

	for _, field := range changed {
		switch field {
		case "title":
			title := api.Title
			fields.Title = &title
		case "minimum_award":
			fields.MinimumAward = api.MinimumAward
		case "maximum_award":
			fields.MaximumAward = api.MaximumAward
		case "total_funding_available":
			fields.TotalFunding = api.TotalFundingAvailable
		case "close_date":
			fields.CloseDate = api.CloseDate
		case "open_date":
			fields.OpenDate = api.OpenDate
		}
	}

	return fields
}

// sqlStateError is the minimal interface a driver error needs to satisfy
// for isDeadlock to recognize it, without importing the driver package
// here (kept to persistence adapters only).
type sqlStateError interface {
	SQLState() string
}

func isDeadlock(err error) bool {
	var sqlErr sqlStateError
	if errors.As(err, &sqlErr) {
		return sqlErr.SQLState() == deadlockSQLState
	}
	return false
}

func jitteredDeadlockDelay() time.Duration {
	span := deadlockRetryMaxDelay - deadlockRetryMinDelay
	return deadlockRetryMinDelay + time.Duration(rand.Int63n(int64(span)))
}
