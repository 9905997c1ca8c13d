package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/fundflowhq/pipeline/pkg/models"
	"github.com/fundflowhq/pipeline/pkg/persistence"
)

// Store implements persistence.Store against the schema in
// pkg/pgstore/migrations using plain pgx/v5-backed database/sql calls —
// no ORM layer. Taxonomy-term slices are stored as JSON arrays in jsonb
// columns rather than native Postgres arrays, so no second SQL driver
// (e.g. lib/pq, which owns the array-literal codec pgx doesn't replicate
// over database/sql) needs to sit alongside pgx.
type Store struct {
	db *sql.DB
}

// NewStore wraps db as a persistence.Store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

var _ persistence.Store = (*Store)(nil)

func (s *Store) GetSource(ctx context.Context, sourceID string) (models.Source, error) {
	var src models.Source
	err := withTransientRetry(ctx, func() error {
		return s.db.QueryRowContext(ctx, `
			SELECT id, name, endpoint, call_type, active, force_full_reprocessing
			FROM api_sources WHERE id = $1`, sourceID,
		).Scan(&src.ID, &src.Name, &src.Endpoint, &src.CallType, &src.Active, &src.ForceFullReprocessing)
	})
	if err != nil {
		return models.Source{}, fmt.Errorf("get source: %w", err)
	}
	return src, nil
}

func (s *Store) GetSourceConfiguration(ctx context.Context, sourceID string) (map[string]any, error) {
	var raw []byte
	err := withTransientRetry(ctx, func() error {
		return s.db.QueryRowContext(ctx, `
			SELECT config FROM api_source_configurations WHERE source_id = $1`, sourceID,
		).Scan(&raw)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get source configuration: %w", err)
	}

	cfg := map[string]any{}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("decode source configuration: %w", err)
	}
	return cfg, nil
}

func (s *Store) FindByAPIOpportunityIDs(ctx context.Context, sourceID string, ids []string) (map[string]models.OpportunityRecord, error) {
	out := make(map[string]models.OpportunityRecord)
	if len(ids) == 0 {
		return out, nil
	}

	var rows *sql.Rows
	err := withTransientRetry(ctx, func() error {
		var queryErr error
		rows, queryErr = s.db.QueryContext(ctx, `
			SELECT `+opportunityColumns+`
			FROM funding_opportunities
			WHERE source_id = $1 AND api_opportunity_id = ANY($2::text[])`, sourceID, asTextArrayLiteral(ids))
		return queryErr
	})
	if err != nil {
		return nil, fmt.Errorf("find by api opportunity ids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanOpportunityRecord(rows)
		if err != nil {
			return nil, err
		}
		out[rec.APIOpportunityID] = rec
	}
	return out, rows.Err()
}

func (s *Store) FindByTitles(ctx context.Context, sourceID string, titles []string) (map[string]models.OpportunityRecord, error) {
	out := make(map[string]models.OpportunityRecord)
	if len(titles) == 0 {
		return out, nil
	}

	var rows *sql.Rows
	err := withTransientRetry(ctx, func() error {
		var queryErr error
		rows, queryErr = s.db.QueryContext(ctx, `
			SELECT `+opportunityColumns+`
			FROM funding_opportunities
			WHERE source_id = $1 AND title = ANY($2::text[])`, sourceID, asTextArrayLiteral(titles))
		return queryErr
	})
	if err != nil {
		return nil, fmt.Errorf("find by titles: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanOpportunityRecord(rows)
		if err != nil {
			return nil, err
		}
		out[rec.Title] = rec
	}
	return out, rows.Err()
}

// InsertOpportunities inserts each opportunity in its own transaction, so
// a row that fails (a bad value, a still-transient error past its
// retries) neither blocks nor rolls back any other row in the batch
// (spec §4.6, Scenario 1's partial-success requirement). A row whose
// failure is a transient connection error is retried in a fresh
// transaction by withTransientRetry before being recorded as failed.
// ctx cancellation aborts whatever rows remain, marking them failed and
// returning ctx.Err() alongside the results already collected.
func (s *Store) InsertOpportunities(ctx context.Context, sourceID string, opportunities []models.Opportunity) ([]persistence.InsertResult, error) {
	results := make([]persistence.InsertResult, 0, len(opportunities))

	for _, opp := range opportunities {
		if err := ctx.Err(); err != nil {
			results = append(results, persistence.InsertResult{Success: false, OpportunityID: opp.APIOpportunityID, Error: err.Error()})
			continue
		}

		id, err := s.insertOneOpportunity(ctx, sourceID, opp)
		if err != nil {
			results = append(results, persistence.InsertResult{Success: false, OpportunityID: opp.APIOpportunityID, Error: err.Error()})
			continue
		}
		results = append(results, persistence.InsertResult{Success: true, OpportunityID: opp.APIOpportunityID, DatabaseID: id})
	}

	return results, ctx.Err()
}

func (s *Store) insertOneOpportunity(ctx context.Context, sourceID string, opp models.Opportunity) (string, error) {
	id := uuid.NewString()

	applicants, err := json.Marshal(opp.EligibleApplicants)
	if err != nil {
		return "", fmt.Errorf("encode eligible applicants: %w", err)
	}
	projectTypes, err := json.Marshal(opp.EligibleProjectTypes)
	if err != nil {
		return "", fmt.Errorf("encode eligible project types: %w", err)
	}
	activities, err := json.Marshal(opp.EligibleActivities)
	if err != nil {
		return "", fmt.Errorf("encode eligible activities: %w", err)
	}

	err = withTransientRetry(ctx, func() error {
		return s.WithTransaction(ctx, persistence.Serializable, func(ctx context.Context) error {
			tx := txFromContext(ctx)
			_, err := tx.ExecContext(ctx, `
				INSERT INTO funding_opportunities (
					id, source_id, api_opportunity_id, title, description,
					total_funding_available, minimum_award, maximum_award,
					open_date, close_date,
					eligible_applicants, eligible_project_types, eligible_activities, funding_type,
					api_updated_at, updated_at, last_checked,
					client_relevance, project_type_relevance, funding_attractiveness,
					funding_type_score, activity_multiplier, base_score, final_score,
					relevance_reasoning, enhanced_description, actionable_summary
				) VALUES (
					$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, now(), now(),
					$16, $17, $18, $19, $20, $21, $22, $23, $24, $25
				)
				ON CONFLICT (source_id, api_opportunity_id) DO UPDATE SET
					title = EXCLUDED.title, updated_at = now()`,
				id, sourceID, opp.APIOpportunityID, opp.Title, opp.Description,
				opp.TotalFundingAvailable, opp.MinimumAward, opp.MaximumAward,
				opp.OpenDate, opp.CloseDate,
				applicants, projectTypes, activities, opp.FundingType,
				opp.APIUpdatedAt,
				scoringField(opp, func(sc models.Scoring) int { return sc.ClientRelevance }),
				scoringField(opp, func(sc models.Scoring) int { return sc.ProjectTypeRelevance }),
				scoringField(opp, func(sc models.Scoring) int { return sc.FundingAttractiveness }),
				scoringFieldF(opp, func(sc models.Scoring) float64 { return sc.FundingTypeScore }),
				scoringFieldF(opp, func(sc models.Scoring) float64 { return sc.ActivityMultiplier }),
				scoringFieldF(opp, func(sc models.Scoring) float64 { return sc.BaseScore }),
				scoringFieldF(opp, func(sc models.Scoring) float64 { return sc.FinalScore }),
				reasoningField(opp), enhancementField(opp, func(e models.Enhancement) string { return e.EnhancedDescription }),
				enhancementField(opp, func(e models.Enhancement) string { return e.ActionableSummary }),
			)
			return err
		})
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) UpdateOpportunityFields(ctx context.Context, upd persistence.UpdateFields) error {
	var sets []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if upd.Title != nil {
		sets = append(sets, "title = "+arg(*upd.Title))
	}
	if upd.MinimumAward != nil {
		sets = append(sets, "minimum_award = "+arg(*upd.MinimumAward))
	}
	if upd.MaximumAward != nil {
		sets = append(sets, "maximum_award = "+arg(*upd.MaximumAward))
	}
	if upd.TotalFunding != nil {
		sets = append(sets, "total_funding_available = "+arg(*upd.TotalFunding))
	}
	if upd.CloseDate != nil {
		sets = append(sets, "close_date = "+arg(*upd.CloseDate))
	}
	if upd.OpenDate != nil {
		sets = append(sets, "open_date = "+arg(*upd.OpenDate))
	}
	sets = append(sets, "api_updated_at = "+arg(upd.APIUpdatedAt))
	sets = append(sets, "last_checked = "+arg(upd.LastChecked))

	query := fmt.Sprintf("UPDATE funding_opportunities SET %s WHERE id = %s", strings.Join(sets, ", "), arg(upd.DatabaseID))
	err := withTransientRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return fmt.Errorf("update opportunity fields: %w", err)
	}
	return nil
}

func (s *Store) InsertRawResponse(ctx context.Context, raw models.RawResponse) (string, error) {
	id := uuid.NewString()
	var existingID string

	err := withTransientRetry(ctx, func() error {
		return s.db.QueryRowContext(ctx, `
			INSERT INTO raw_responses (id, source_id, content_hash, payload, endpoint, call_type, item_count, captured_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (content_hash) DO UPDATE SET content_hash = EXCLUDED.content_hash
			RETURNING id`,
			id, raw.SourceID, raw.ContentHash, raw.Payload, raw.Endpoint, raw.CallType, raw.ItemCount, raw.CapturedAt,
		).Scan(&existingID)
	})
	if err != nil {
		return "", fmt.Errorf("insert raw response: %w", err)
	}
	return existingID, nil
}

func (s *Store) TryAdvisoryLock(ctx context.Context, sourceID string) (bool, error) {
	var acquired bool
	err := withTransientRetry(ctx, func() error {
		return s.db.QueryRowContext(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, sourceID).Scan(&acquired)
	})
	if err != nil {
		return false, fmt.Errorf("try advisory lock: %w", err)
	}
	return acquired, nil
}

func (s *Store) ReleaseAdvisoryLock(ctx context.Context, sourceID string) error {
	err := withTransientRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, sourceID)
		return err
	})
	if err != nil {
		return fmt.Errorf("release advisory lock: %w", err)
	}
	return nil
}

func (s *Store) ShouldForceFullReprocessing(ctx context.Context, sourceID string) (bool, error) {
	var ffr bool
	err := withTransientRetry(ctx, func() error {
		return s.db.QueryRowContext(ctx, `SELECT force_full_reprocessing FROM api_sources WHERE id = $1`, sourceID).Scan(&ffr)
	})
	if err != nil {
		return false, fmt.Errorf("should force full reprocessing: %w", err)
	}
	return ffr, nil
}

func (s *Store) DisableForceFullReprocessing(ctx context.Context, sourceID string) error {
	err := withTransientRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE api_sources SET force_full_reprocessing = false WHERE id = $1`, sourceID)
		return err
	})
	if err != nil {
		return fmt.Errorf("disable force full reprocessing: %w", err)
	}
	return nil
}

type txKey struct{}

func txFromContext(ctx context.Context) *sql.Tx {
	tx, _ := ctx.Value(txKey{}).(*sql.Tx)
	return tx
}

func (s *Store) WithTransaction(ctx context.Context, level persistence.IsolationLevel, fn func(ctx context.Context) error) error {
	opts := &sql.TxOptions{Isolation: sql.LevelReadCommitted}
	if level == persistence.Serializable {
		opts.Isolation = sql.LevelSerializable
	}

	var tx *sql.Tx
	err := withTransientRetry(ctx, func() error {
		var beginErr error
		tx, beginErr = s.db.BeginTx(ctx, opts)
		return beginErr
	})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

const opportunityColumns = `
	id, source_id, api_opportunity_id, title, description,
	total_funding_available, minimum_award, maximum_award,
	open_date, close_date,
	eligible_applicants, eligible_project_types, eligible_activities, funding_type,
	api_updated_at, updated_at, last_checked,
	client_relevance, project_type_relevance, funding_attractiveness,
	funding_type_score, activity_multiplier, base_score, final_score,
	relevance_reasoning, enhanced_description, actionable_summary`

func scanOpportunityRecord(rows *sql.Rows) (models.OpportunityRecord, error) {
	var rec models.OpportunityRecord
	var applicants, projectTypes, activities []byte

	err := rows.Scan(
		&rec.ID, &rec.SourceID, &rec.APIOpportunityID, &rec.Title, &rec.Description,
		&rec.TotalFundingAvailable, &rec.MinimumAward, &rec.MaximumAward,
		&rec.OpenDate, &rec.CloseDate,
		&applicants, &projectTypes, &activities, &rec.FundingType,
		&rec.APIUpdatedAt, &rec.UpdatedAt, &rec.LastChecked,
		&rec.ClientRelevance, &rec.ProjectTypeRelevance, &rec.FundingAttractiveness,
		&rec.FundingTypeScore, &rec.ActivityMultiplier, &rec.BaseScore, &rec.FinalScore,
		&rec.RelevanceReasoning, &rec.EnhancedDescription, &rec.ActionableSummary,
	)
	if err != nil {
		return models.OpportunityRecord{}, fmt.Errorf("scan opportunity record: %w", err)
	}

	if err := unmarshalIfPresent(applicants, &rec.EligibleApplicants); err != nil {
		return models.OpportunityRecord{}, fmt.Errorf("decode eligible applicants: %w", err)
	}
	if err := unmarshalIfPresent(projectTypes, &rec.EligibleProjectTypes); err != nil {
		return models.OpportunityRecord{}, fmt.Errorf("decode eligible project types: %w", err)
	}
	if err := unmarshalIfPresent(activities, &rec.EligibleActivities); err != nil {
		return models.OpportunityRecord{}, fmt.Errorf("decode eligible activities: %w", err)
	}

	return rec, nil
}

func unmarshalIfPresent(raw []byte, dest *[]string) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dest)
}

// asTextArrayLiteral renders vals as a Postgres text[] literal for use
// with ANY($n::text[]).
func asTextArrayLiteral(vals []string) string {
	escaped := make([]string, len(vals))
	for i, v := range vals {
		escaped[i] = `"` + strings.ReplaceAll(strings.ReplaceAll(v, `\`, `\\`), `"`, `\"`) + `"`
	}
	return "{" + strings.Join(escaped, ",") + "}"
}

func scoringField(opp models.Opportunity, get func(models.Scoring) int) int {
	if opp.Scoring == nil {
		return 0
	}
	return get(*opp.Scoring)
}

func scoringFieldF(opp models.Opportunity, get func(models.Scoring) float64) float64 {
	if opp.Scoring == nil {
		return 0
	}
	return get(*opp.Scoring)
}

func reasoningField(opp models.Opportunity) string {
	if opp.Scoring == nil {
		return ""
	}
	return opp.Scoring.Reasoning
}

func enhancementField(opp models.Opportunity, get func(models.Enhancement) string) string {
	if opp.Enhancement == nil {
		return ""
	}
	return get(*opp.Enhancement)
}
