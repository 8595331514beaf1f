// Package testing moves ledger rows through time so scheduler jobs can be
// exercised without waiting for real deadlines.
package testing

import (
	"context"
	"time"

	"github.com/google/uuid"
	usagedomain "github.com/smallbiznis/remittance/internal/usage/domain"
	"gorm.io/gorm"
)

// TimeAccelerator rewrites ledger timestamps relative to a reference time.
type TimeAccelerator struct {
	db  *gorm.DB
	now func() time.Time
}

func NewTimeAccelerator(db *gorm.DB, now func() time.Time) *TimeAccelerator {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &TimeAccelerator{db: db, now: now}
}

// ExpireRetries makes every scheduled retry due one minute ago.
func (ta *TimeAccelerator) ExpireRetries(ctx context.Context) (int64, error) {
	now := ta.now()
	result := ta.db.WithContext(ctx).Exec(
		`UPDATE billable_usage_remittances
		 SET retry_after = ?
		 WHERE retry_after IS NOT NULL`,
		now.Add(-time.Minute),
	)
	return result.RowsAffected, result.Error
}

// AgePending pushes the last update of pending rows back by d.
func (ta *TimeAccelerator) AgePending(ctx context.Context, d time.Duration) (int64, error) {
	result := ta.db.WithContext(ctx).Exec(
		`UPDATE billable_usage_remittances
		 SET updated_at = ?
		 WHERE status = ? AND retry_after IS NULL`,
		ta.now().Add(-d),
		usagedomain.StatusPending,
	)
	return result.RowsAffected, result.Error
}

// RemittanceInfo shows where a row sits in the retry lifecycle.
type RemittanceInfo struct {
	UUID       uuid.UUID
	Status     usagedomain.Status
	RetryAfter *time.Time
	RetryCount int
	DueIn      time.Duration
	Due        bool
}

func (ta *TimeAccelerator) GetRemittanceInfo(ctx context.Context, id uuid.UUID) (*RemittanceInfo, error) {
	var row struct {
		UUID       uuid.UUID
		Status     usagedomain.Status
		RetryAfter *time.Time
		RetryCount int
	}
	err := ta.db.WithContext(ctx).Raw(
		`SELECT uuid, status, retry_after, retry_count
		 FROM billable_usage_remittances
		 WHERE uuid = ?`,
		id,
	).Scan(&row).Error
	if err != nil {
		return nil, err
	}

	info := &RemittanceInfo{
		UUID:       row.UUID,
		Status:     row.Status,
		RetryAfter: row.RetryAfter,
		RetryCount: row.RetryCount,
	}
	if row.RetryAfter != nil {
		now := ta.now()
		info.DueIn = row.RetryAfter.Sub(now)
		info.Due = !row.RetryAfter.After(now)
	}
	return info, nil
}
