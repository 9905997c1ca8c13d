// Package storage implements the Storage Writer (C8): a batched insert
// for NEW opportunities, one independent transaction per row.
package storage

import (
	"context"
	"time"

	"github.com/fundflowhq/pipeline/pkg/models"
	"github.com/fundflowhq/pipeline/pkg/persistence"
)

// Metrics aggregates one batch's outcome (spec §4.6).
type Metrics struct {
	TotalAttempted   int
	SuccessfulStores int
	FailedStores     int
	ExecutionTime    time.Duration
}

// Result is the output of one storage write.
type Result struct {
	Rows    []persistence.InsertResult
	Metrics Metrics
}

// Write inserts opportunities for sourceID, each in its own transaction:
// a row that fails to insert neither blocks nor rolls back the others,
// so the returned Metrics can reflect a genuine partial outcome (spec
// §4.6). A non-nil error means the batch was cut short (e.g. ctx
// cancellation) — Result.Rows still holds whatever rows were decided
// before that happened.
func Write(ctx context.Context, store persistence.Store, sourceID string, opportunities []models.Opportunity) (Result, error) {
	start := time.Now()
	if len(opportunities) == 0 {
		return Result{Metrics: Metrics{ExecutionTime: time.Since(start)}}, nil
	}

	rows, err := store.InsertOpportunities(ctx, sourceID, opportunities)

	metrics := Metrics{TotalAttempted: len(opportunities), ExecutionTime: time.Since(start)}
	for _, row := range rows {
		if row.Success {
			metrics.SuccessfulStores++
		} else {
			metrics.FailedStores++
		}
	}

	return Result{Rows: rows, Metrics: metrics}, err
}
