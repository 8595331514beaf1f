package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	usagedomain "github.com/smallbiznis/remittance/internal/usage/domain"
	"github.com/smallbiznis/remittance/pkg/db/pagination"
	"gorm.io/gorm"
)

// Service is the remittance ledger.
type Service interface {
	RecordPending(ctx context.Context, agg usagedomain.Aggregate) (*RemittanceRecord, error)
	GetSummaries(ctx context.Context, filter RemittanceFilter) ([]RemittanceSummary, error)
	ResetRemittance(ctx context.Context, req ResetRequest) (int64, error)
	DeleteForOrg(ctx context.Context, orgID string) error

	ListRemittances(ctx context.Context, filter RemittanceFilter) ([]RemittanceRecord, string, error)
	ApplyStatus(ctx context.Context, update StatusUpdate) (int, error)
	MarkForRetry(ctx context.Context, id uuid.UUID, code ErrorCode, cause error) error
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
	ReconcileStuck(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Repository runs ledger statements against the handle it is given, which
// may be a transaction.
type Repository interface {
	Upsert(ctx context.Context, db *gorm.DB, record *RemittanceRecord) error
	FindByID(ctx context.Context, db *gorm.DB, id uuid.UUID) (*RemittanceRecord, error)
	FindByWindow(ctx context.Context, db *gorm.DB, key usagedomain.AggregateKey, windowStart time.Time) (*RemittanceRecord, error)
	LockByIDs(ctx context.Context, db *gorm.DB, ids []uuid.UUID) ([]RemittanceRecord, error)
	LockDueForRetry(ctx context.Context, db *gorm.DB, asOf time.Time, limit int) ([]RemittanceRecord, error)
	List(ctx context.Context, db *gorm.DB, filter RemittanceFilter, after *pagination.Cursor, limit int) ([]RemittanceRecord, error)
	Summaries(ctx context.Context, db *gorm.DB, filter RemittanceFilter) ([]RemittanceSummary, error)

	UpdateStatus(ctx context.Context, db *gorm.DB, id uuid.UUID, status usagedomain.Status, code *ErrorCode, billedOn *time.Time, now time.Time) error
	ScheduleRetry(ctx context.Context, db *gorm.DB, id uuid.UUID, code ErrorCode, retryAfter time.Time, now time.Time) (int64, error)
	ClearRetry(ctx context.Context, db *gorm.DB, id uuid.UUID, now time.Time) (int64, error)
	ResetPendingValue(ctx context.Context, db *gorm.DB, req ResetRequest, now time.Time) (int64, error)
	DeleteByOrg(ctx context.Context, db *gorm.DB, orgID string) (int64, error)
	DeleteBefore(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error)
	RetryStuckPending(ctx context.Context, db *gorm.DB, updatedBefore, now time.Time) (int64, error)
}
