package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	remittancedomain "github.com/smallbiznis/remittance/internal/remittance/domain"
	usagedomain "github.com/smallbiznis/remittance/internal/usage/domain"
	pkgdb "github.com/smallbiznis/remittance/pkg/db"
	"github.com/smallbiznis/remittance/pkg/db/pagination"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const columns = `uuid, tally_id, org_id, product_id, metric_id, billing_provider, billing_account_id,
		        accumulation_period, remitted_pending_value, remittance_pending_date, status,
		        error_code, billed_on, retry_after, retry_count, created_at, updated_at`

type repo struct{}

func Provide() remittancedomain.Repository {
	return &repo{}
}

func (r *repo) Upsert(ctx context.Context, db *gorm.DB, record *remittancedomain.RemittanceRecord) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "uuid"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"tally_id",
			"accumulation_period",
			"remitted_pending_value",
			"status",
			"error_code",
			"retry_after",
			"updated_at",
		}),
	}).Create(record).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id uuid.UUID) (*remittancedomain.RemittanceRecord, error) {
	var record remittancedomain.RemittanceRecord
	err := db.WithContext(ctx).Where("uuid = ?", id).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *repo) FindByWindow(ctx context.Context, db *gorm.DB, key usagedomain.AggregateKey, windowStart time.Time) (*remittancedomain.RemittanceRecord, error) {
	var record remittancedomain.RemittanceRecord
	err := db.WithContext(ctx).
		Where("org_id = ? AND product_id = ? AND metric_id = ? AND billing_provider = ? AND billing_account_id = ? AND remittance_pending_date = ?",
			key.OrgID, key.ProductID, key.MetricID, key.BillingProvider, key.BillingAccountID, windowStart.UTC()).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *repo) LockByIDs(ctx context.Context, db *gorm.DB, ids []uuid.UUID) ([]remittancedomain.RemittanceRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []remittancedomain.RemittanceRecord
	err := db.WithContext(ctx).Raw(
		`SELECT `+columns+`
		 FROM billable_usage_remittances
		 WHERE uuid IN ?
		 ORDER BY uuid
		 `+pkgdb.SkipLocked(db),
		ids,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) LockDueForRetry(ctx context.Context, db *gorm.DB, asOf time.Time, limit int) ([]remittancedomain.RemittanceRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []remittancedomain.RemittanceRecord
	err := db.WithContext(ctx).Raw(
		`SELECT `+columns+`
		 FROM billable_usage_remittances
		 WHERE retry_after IS NOT NULL AND retry_after <= ?
		 ORDER BY retry_after ASC, uuid ASC
		 LIMIT ?
		 `+pkgdb.SkipLocked(db),
		asOf.UTC(),
		limit,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter remittancedomain.RemittanceFilter, after *pagination.Cursor, limit int) ([]remittancedomain.RemittanceRecord, error) {
	where, args := filterClause(filter)
	if after != nil {
		where = append(where, "(remittance_pending_date > ? OR (remittance_pending_date = ? AND uuid > ?))")
		args = append(args, after.At.UTC(), after.At.UTC(), after.ID)
	}

	query := `SELECT ` + columns + `
		 FROM billable_usage_remittances`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY remittance_pending_date ASC, uuid ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var rows []remittancedomain.RemittanceRecord
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// Summaries groups in Go so totals keep full decimal precision on every
// dialect.
func (r *repo) Summaries(ctx context.Context, db *gorm.DB, filter remittancedomain.RemittanceFilter) ([]remittancedomain.RemittanceSummary, error) {
	rows, err := r.List(ctx, db, filter, nil, 0)
	if err != nil {
		return nil, err
	}

	type group struct {
		orgID, productID, metricID, provider, account, period string
		status                                                usagedomain.Status
	}
	index := make(map[group]int)
	var out []remittancedomain.RemittanceSummary
	for _, row := range rows {
		g := group{
			orgID:     row.OrgID,
			productID: row.ProductID,
			metricID:  row.MetricID,
			provider:  row.BillingProvider,
			account:   row.BillingAccountID,
			period:    row.AccumulationPeriod,
			status:    row.Status,
		}
		i, ok := index[g]
		if !ok {
			out = append(out, remittancedomain.RemittanceSummary{
				OrgID:                     row.OrgID,
				ProductID:                 row.ProductID,
				MetricID:                  row.MetricID,
				BillingProvider:           row.BillingProvider,
				BillingAccountID:          row.BillingAccountID,
				AccumulationPeriod:        row.AccumulationPeriod,
				Status:                    row.Status,
				TotalRemittedPendingValue: row.RemittedPendingValue,
				RemittancePendingDate:     row.RemittancePendingDate,
			})
			index[g] = len(out) - 1
			continue
		}
		s := &out[i]
		s.TotalRemittedPendingValue = s.TotalRemittedPendingValue.Add(row.RemittedPendingValue)
		if row.RemittancePendingDate.After(s.RemittancePendingDate) {
			s.RemittancePendingDate = row.RemittancePendingDate
		}
	}
	return out, nil
}

func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, id uuid.UUID, status usagedomain.Status, code *remittancedomain.ErrorCode, billedOn *time.Time, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE billable_usage_remittances
		 SET status = ?,
		     error_code = ?,
		     billed_on = COALESCE(?, billed_on),
		     retry_after = NULL,
		     updated_at = ?
		 WHERE uuid = ?`,
		status,
		code,
		billedOn,
		now,
		id,
	).Error
}

func (r *repo) ScheduleRetry(ctx context.Context, db *gorm.DB, id uuid.UUID, code remittancedomain.ErrorCode, retryAfter time.Time, now time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE billable_usage_remittances
		 SET status = ?,
		     error_code = ?,
		     retry_after = ?,
		     retry_count = retry_count + 1,
		     updated_at = ?
		 WHERE uuid = ? AND status NOT IN ?`,
		usagedomain.StatusFailed,
		code,
		retryAfter.UTC(),
		now,
		id,
		terminalStatuses(),
	)
	return result.RowsAffected, result.Error
}

func (r *repo) ClearRetry(ctx context.Context, db *gorm.DB, id uuid.UUID, now time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE billable_usage_remittances
		 SET retry_after = NULL,
		     status = ?,
		     error_code = NULL,
		     updated_at = ?
		 WHERE uuid = ? AND retry_after IS NOT NULL`,
		usagedomain.StatusPending,
		now,
		id,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) ResetPendingValue(ctx context.Context, db *gorm.DB, req remittancedomain.ResetRequest, now time.Time) (int64, error) {
	scope, ids := "org_id IN ?", req.OrgIDs
	if len(req.BillingAccountIDs) > 0 {
		scope, ids = "billing_account_id IN ?", req.BillingAccountIDs
	}
	result := db.WithContext(ctx).Exec(
		`UPDATE billable_usage_remittances
		 SET remitted_pending_value = 0,
		     updated_at = ?
		 WHERE product_id = ?
		   AND `+scope+`
		   AND remittance_pending_date BETWEEN ? AND ?`,
		now,
		req.ProductID,
		ids,
		req.Start.UTC(),
		req.End.UTC(),
	)
	return result.RowsAffected, result.Error
}

func (r *repo) DeleteByOrg(ctx context.Context, db *gorm.DB, orgID string) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`DELETE FROM billable_usage_remittances WHERE org_id = ?`,
		orgID,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) DeleteBefore(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`DELETE FROM billable_usage_remittances WHERE remittance_pending_date < ?`,
		cutoff.UTC(),
	)
	return result.RowsAffected, result.Error
}

func (r *repo) RetryStuckPending(ctx context.Context, db *gorm.DB, updatedBefore, now time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE billable_usage_remittances
		 SET retry_after = ?,
		     updated_at = ?
		 WHERE status = ?
		   AND retry_after IS NULL
		   AND updated_at < ?`,
		now,
		now,
		usagedomain.StatusPending,
		updatedBefore.UTC(),
	)
	return result.RowsAffected, result.Error
}

func filterClause(f remittancedomain.RemittanceFilter) ([]string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, arg any) {
		where = append(where, cond)
		args = append(args, arg)
	}

	if f.OrgID != "" {
		add("org_id = ?", f.OrgID)
	}
	if f.ProductID != "" {
		add("product_id = ?", f.ProductID)
	}
	if f.MetricID != "" {
		add("metric_id = ?", f.MetricID)
	}
	if f.BillingProvider != "" {
		add("billing_provider = ?", f.BillingProvider)
	}
	if f.BillingAccountID != "" {
		add("billing_account_id = ?", f.BillingAccountID)
	}
	if f.AccumulationPeriod != "" {
		add("accumulation_period = ?", f.AccumulationPeriod)
	}
	if f.Status != "" {
		add("status = ?", f.Status)
	}
	if f.TallyID != "" {
		add("tally_id = ?", f.TallyID)
	}
	if f.ExcludeFailures {
		add("status <> ?", usagedomain.StatusFailed)
	}
	if !f.Beginning.IsZero() {
		add("remittance_pending_date >= ?", f.Beginning.UTC())
	}
	if !f.Ending.IsZero() {
		add("remittance_pending_date <= ?", f.Ending.UTC())
	}
	return where, args
}

func terminalStatuses() []usagedomain.Status {
	return []usagedomain.Status{usagedomain.StatusSucceeded, usagedomain.StatusGratis}
}
