package service

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/remittance/internal/clock"
	"github.com/smallbiznis/remittance/internal/config"
	"github.com/smallbiznis/remittance/internal/identity"
	obslogger "github.com/smallbiznis/remittance/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/remittance/internal/observability/metrics"
	remittancedomain "github.com/smallbiznis/remittance/internal/remittance/domain"
	usagedomain "github.com/smallbiznis/remittance/internal/usage/domain"
	"github.com/smallbiznis/remittance/pkg/db"
	"github.com/smallbiznis/remittance/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Repo     remittancedomain.Repository
	Pipeline *config.PipelineConfigHolder
	Clock    clock.Clock
	Metrics  *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	repo     remittancedomain.Repository
	pipeline *config.PipelineConfigHolder
	clock    clock.Clock
	metrics  *obsmetrics.Metrics
}

func NewService(p ServiceParam) remittancedomain.Service {
	return newService(p)
}

func newService(p ServiceParam) *Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("remittance.service"),

		repo:     p.Repo,
		pipeline: p.Pipeline,
		clock:    p.Clock,
		metrics:  p.Metrics,
	}
}

// RecordPending upserts the ledger row for a closed window. Replaying the
// same window lands on the same row; a row the provider already settled is
// returned untouched.
func (s *Service) RecordPending(ctx context.Context, agg usagedomain.Aggregate) (*remittancedomain.RemittanceRecord, error) {
	id, err := s.remittanceID(agg)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	windowStart := agg.WindowStart.UTC()
	status := usagedomain.StatusPending
	if agg.Status == usagedomain.StatusGratis {
		status = usagedomain.StatusGratis
	}

	var out *remittancedomain.RemittanceRecord
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.repo.FindByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if existing != nil && !sameKey(existing, agg.Key, windowStart) {
			return s.duplicate(agg, id, existing.UUID, nil)
		}
		if existing != nil && existing.Status.Terminal() {
			out = existing
			return nil
		}

		if existing == nil {
			clash, err := s.repo.FindByWindow(ctx, tx, agg.Key, windowStart)
			if err != nil {
				return err
			}
			if clash != nil {
				return s.duplicate(agg, id, clash.UUID, nil)
			}
		}

		record := &remittancedomain.RemittanceRecord{
			UUID:                  id,
			TallyID:               agg.TallyID,
			OrgID:                 agg.Key.OrgID,
			ProductID:             agg.Key.ProductID,
			MetricID:              agg.Key.MetricID,
			BillingProvider:       agg.Key.BillingProvider,
			BillingAccountID:      agg.Key.BillingAccountID,
			AccumulationPeriod:    remittancedomain.AccumulationPeriodOf(windowStart),
			RemittedPendingValue:  agg.TotalValue,
			RemittancePendingDate: windowStart,
			Status:                status,
			CreatedAt:             now,
			UpdatedAt:             now,
		}
		if err := s.repo.Upsert(ctx, tx, record); err != nil {
			if db.IsDuplicateKeyErr(err) {
				return s.duplicate(agg, id, uuid.Nil, err)
			}
			return err
		}

		out, err = s.repo.FindByID(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordRemittance(ctx, out.ProductID, out.BillingProvider, string(out.Status))
	s.log.Info("remittance recorded",
		zap.String("remittance_uuid", out.UUID.String()),
		zap.String("org_id", out.OrgID),
		zap.String("product_id", out.ProductID),
		zap.String("metric_id", out.MetricID),
		zap.String("value", out.RemittedPendingValue.String()),
		zap.Time("window_start", windowStart),
		zap.String("status", string(out.Status)),
	)
	return out, nil
}

func (s *Service) remittanceID(agg usagedomain.Aggregate) (uuid.UUID, error) {
	key := agg.Key
	account := key.BillingAccountID
	base, err := identity.GenerateID(key.OrgID, key.ProductID, key.MetricID, &account, s.pipeline.IsMetered(key.ProductID))
	if err != nil {
		return uuid.Nil, err
	}
	return identity.RemittanceID(base, key.BillingProvider, key.BillingAccountID, agg.WindowStart.UTC().Format(time.RFC3339)), nil
}

func sameKey(row *remittancedomain.RemittanceRecord, key usagedomain.AggregateKey, windowStart time.Time) bool {
	return row.OrgID == key.OrgID &&
		row.ProductID == key.ProductID &&
		row.MetricID == key.MetricID &&
		row.BillingProvider == key.BillingProvider &&
		row.BillingAccountID == key.BillingAccountID &&
		row.RemittancePendingDate.Equal(windowStart)
}

func (s *Service) duplicate(agg usagedomain.Aggregate, id, existing uuid.UUID, cause error) error {
	obslogger.WithAggregate(s.log, agg.Key, agg.WindowStart).Error("remittance identity clash on natural key",
		zap.String("remittance_uuid", id.String()),
		zap.String("existing_uuid", existing.String()),
		zap.Error(cause),
	)
	return remittancedomain.ErrDuplicateRemittance
}

// GetSummaries never scans across tenants. An org with no matching rows
// gets one zero-valued summary shaped by the filter.
func (s *Service) GetSummaries(ctx context.Context, filter remittancedomain.RemittanceFilter) ([]remittancedomain.RemittanceSummary, error) {
	if filter.OrgID == "" {
		return []remittancedomain.RemittanceSummary{}, nil
	}
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	summaries, err := s.repo.Summaries(ctx, s.db, filter)
	if err != nil {
		return nil, err
	}
	if len(summaries) > 0 {
		return summaries, nil
	}
	return []remittancedomain.RemittanceSummary{{
		OrgID:                     filter.OrgID,
		ProductID:                 filter.ProductID,
		MetricID:                  filter.MetricID,
		BillingProvider:           filter.BillingProvider,
		BillingAccountID:          filter.BillingAccountID,
		AccumulationPeriod:        filter.AccumulationPeriod,
		Status:                    filter.Status,
		TotalRemittedPendingValue: decimal.Zero,
	}}, nil
}

func (s *Service) ResetRemittance(ctx context.Context, req remittancedomain.ResetRequest) (int64, error) {
	if err := req.Validate(); err != nil {
		return 0, err
	}

	var updated int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		updated, err = s.repo.ResetPendingValue(ctx, tx, req, s.clock.Now())
		return err
	})
	if err != nil {
		return 0, err
	}

	s.log.Warn("remittances reset",
		zap.String("product_id", req.ProductID),
		zap.Strings("org_ids", req.OrgIDs),
		zap.Strings("billing_account_ids", req.BillingAccountIDs),
		zap.Time("start", req.Start),
		zap.Time("end", req.End),
		zap.Int64("updated", updated),
	)
	return updated, nil
}

func (s *Service) DeleteForOrg(ctx context.Context, orgID string) error {
	if orgID == "" {
		return remittancedomain.ErrInvalidOrganization
	}

	var deleted int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		deleted, err = s.repo.DeleteByOrg(ctx, tx, orgID)
		return err
	})
	if err != nil {
		return err
	}

	s.log.Warn("remittances deleted for org", zap.String("org_id", orgID), zap.Int64("deleted", deleted))
	return nil
}

func (s *Service) ListRemittances(ctx context.Context, filter remittancedomain.RemittanceFilter) ([]remittancedomain.RemittanceRecord, string, error) {
	if err := filter.Validate(); err != nil {
		return nil, "", err
	}

	var after *pagination.Cursor
	if filter.PageToken != "" {
		cursor, err := pagination.DecodeCursor(filter.PageToken)
		if err != nil {
			return nil, "", remittancedomain.ErrInvalidPageToken
		}
		after = cursor
	}

	limit := pagination.PageSize(filter.PageSize)
	rows, err := s.repo.List(ctx, s.db, filter, after, limit+1)
	if err != nil {
		return nil, "", err
	}
	return pagination.Trim(rows, limit, func(r remittancedomain.RemittanceRecord) pagination.Cursor {
		return pagination.Cursor{ID: r.UUID.String(), At: r.RemittancePendingDate}
	})
}

// ApplyStatus records a provider verdict. Settled rows never change, and a
// failed row never becomes succeeded; retryable failures are rescheduled.
func (s *Service) ApplyStatus(ctx context.Context, update remittancedomain.StatusUpdate) (int, error) {
	switch update.Status {
	case usagedomain.StatusSucceeded, usagedomain.StatusGratis:
	case usagedomain.StatusFailed:
		if update.ErrorCode == "" {
			update.ErrorCode = remittancedomain.ErrorCodeUnknown
		}
		if !update.ErrorCode.Valid() {
			return 0, remittancedomain.ErrInvalidErrorCode
		}
	case usagedomain.StatusPending, usagedomain.StatusUnknown:
		return 0, remittancedomain.ErrInvalidStatusUpdate
	default:
		return 0, usagedomain.ErrInvalidStatus
	}
	if len(update.RemittanceUUIDs) == 0 {
		return 0, remittancedomain.ErrInvalidStatusUpdate
	}

	now := s.clock.Now()
	applied := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rows, err := s.repo.LockByIDs(ctx, tx, update.RemittanceUUIDs)
		if err != nil {
			return err
		}
		for _, row := range rows {
			ok, err := s.applyOne(ctx, tx, row, update, now)
			if err != nil {
				return err
			}
			if ok {
				applied++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return applied, nil
}

func (s *Service) applyOne(ctx context.Context, tx *gorm.DB, row remittancedomain.RemittanceRecord, update remittancedomain.StatusUpdate, now time.Time) (bool, error) {
	if row.Status.Terminal() {
		return false, nil
	}

	switch update.Status {
	case usagedomain.StatusSucceeded:
		if row.Status == usagedomain.StatusFailed {
			s.log.Warn("ignoring success for failed remittance", zap.String("remittance_uuid", row.UUID.String()))
			return false, nil
		}
		billedOn := update.BilledOn
		if billedOn.IsZero() {
			billedOn = now
		}
		return true, s.repo.UpdateStatus(ctx, tx, row.UUID, usagedomain.StatusSucceeded, nil, &billedOn, now)
	case usagedomain.StatusGratis:
		return true, s.repo.UpdateStatus(ctx, tx, row.UUID, usagedomain.StatusGratis, nil, nil, now)
	case usagedomain.StatusFailed:
		if update.ErrorCode.Retryable() {
			if _, err := s.repo.ScheduleRetry(ctx, tx, row.UUID, update.ErrorCode, now.Add(s.retryDelay(row.RetryCount)), now); err != nil {
				return false, err
			}
			s.metrics.RecordRetryScheduled(ctx, string(update.ErrorCode))
			return true, nil
		}
		return true, s.repo.UpdateStatus(ctx, tx, row.UUID, usagedomain.StatusFailed, update.ErrorCode.Ptr(), nil, now)
	case usagedomain.StatusPending, usagedomain.StatusUnknown:
		return false, remittancedomain.ErrInvalidStatusUpdate
	default:
		return false, usagedomain.ErrInvalidStatus
	}
}

// MarkForRetry fails a remittance and schedules its resubmission on the
// configured exponential backoff.
func (s *Service) MarkForRetry(ctx context.Context, id uuid.UUID, code remittancedomain.ErrorCode, cause error) error {
	if !code.Valid() {
		return remittancedomain.ErrInvalidErrorCode
	}

	now := s.clock.Now()
	var retryAfter time.Time
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := s.repo.FindByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if row == nil {
			return remittancedomain.ErrRemittanceNotFound
		}
		if row.Status.Terminal() {
			return nil
		}
		retryAfter = now.Add(s.retryDelay(row.RetryCount))
		_, err = s.repo.ScheduleRetry(ctx, tx, id, code, retryAfter, now)
		return err
	})
	if err != nil {
		return err
	}
	if retryAfter.IsZero() {
		return nil
	}

	s.metrics.RecordRetryScheduled(ctx, string(code))
	s.log.Warn("remittance submission failed, retry scheduled",
		zap.String("remittance_uuid", id.String()),
		zap.String("error_code", string(code)),
		zap.Time("retry_after", retryAfter),
		zap.Error(cause),
	)
	return nil
}

// retryDelay is the backoff interval before attempt number attempts+1.
func (s *Service) retryDelay(attempts int) time.Duration {
	cfg := s.pipeline.Get().Retry
	b := &backoff.ExponentialBackOff{
		InitialInterval:     cfg.InitialInterval,
		RandomizationFactor: cfg.RandomizationFactor,
		Multiplier:          cfg.Multiplier,
		MaxInterval:         cfg.MaxInterval,
	}
	b.Reset()
	next := b.NextBackOff()
	for i := 0; i < attempts; i++ {
		next = b.NextBackOff()
	}
	return next
}

func (s *Service) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if cutoff.IsZero() {
		return 0, remittancedomain.ErrInvalidDateRange
	}
	var deleted int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		deleted, err = s.repo.DeleteBefore(ctx, tx, cutoff)
		return err
	})
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		s.log.Info("remittances purged", zap.Time("cutoff", cutoff), zap.Int64("deleted", deleted))
	}
	return deleted, nil
}

// ReconcileStuck hands pending rows that saw no progress for olderThan to
// the retry sweeper.
func (s *Service) ReconcileStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, errors.New("reconcile threshold must be positive")
	}
	now := s.clock.Now()
	var moved int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		moved, err = s.repo.RetryStuckPending(ctx, tx, now.Add(-olderThan), now)
		return err
	})
	if err != nil {
		return 0, err
	}
	if moved > 0 {
		s.log.Warn("stuck remittances scheduled for retry", zap.Duration("older_than", olderThan), zap.Int64("moved", moved))
	}
	return moved, nil
}
