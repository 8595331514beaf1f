package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/smallbiznis/remittance/internal/billing"
	"github.com/smallbiznis/remittance/internal/clock"
	"github.com/smallbiznis/remittance/internal/config"
	obsmetrics "github.com/smallbiznis/remittance/internal/observability/metrics"
	remittancedomain "github.com/smallbiznis/remittance/internal/remittance/domain"
	pkgdb "github.com/smallbiznis/remittance/pkg/db"
	"github.com/smallbiznis/remittance/pkg/telemetry/correlation"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const jobRetrySweep = "retry_sweep"

type RetrySweeperParam struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Repo     remittancedomain.Repository
	Producer billing.Producer
	Pipeline *config.PipelineConfigHolder
	Clock    clock.Clock
	Metrics  *obsmetrics.SchedulerMetrics `optional:"true"`
}

// RetrySweeper resubmits remittances whose retry deadline has passed.
// Delivery is at least once: a crash between a successful submit and the
// commit that clears retry_after resubmits the row on the next sweep.
type RetrySweeper struct {
	db       *gorm.DB
	log      *zap.Logger
	repo     remittancedomain.Repository
	producer billing.Producer
	pipeline *config.PipelineConfigHolder
	clock    clock.Clock
	metrics  *obsmetrics.SchedulerMetrics
}

func NewRetrySweeper(p RetrySweeperParam) *RetrySweeper {
	return &RetrySweeper{
		db:       p.DB,
		log:      p.Log.Named("remittance.retry"),
		repo:     p.Repo,
		producer: p.Producer,
		pipeline: p.Pipeline,
		clock:    p.Clock,
		metrics:  p.Metrics,
	}
}

// ProcessRetries resubmits every row due at asOf and returns how many were
// cleared. A failed submission leaves its row as it was; rows cleared
// earlier in the same sweep stay cleared.
func (s *RetrySweeper) ProcessRetries(ctx context.Context, asOf time.Time) (int, error) {
	batch := s.pipeline.Get().Retry.BatchSize

	var due []remittancedomain.RemittanceRecord
	lockStart := time.Now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		due, err = s.repo.LockDueForRetry(ctx, tx, asOf, batch)
		return err
	})
	s.metrics.ObserveDBLockWait(obsmetrics.LockResourceRemittancesForRetry, time.Since(lockStart))
	if err != nil {
		return 0, err
	}
	if len(due) == 0 {
		return 0, nil
	}

	cleared := 0
	for _, row := range due {
		if err := ctx.Err(); err != nil {
			return cleared, err
		}
		ok, err := s.resubmit(ctx, row, asOf)
		s.metrics.ObserveResubmission(row.BillingProvider, resubmitOutcome(ok, err))
		if err != nil {
			s.log.Warn("remittance resubmission failed",
				zap.String("remittance_uuid", row.UUID.String()),
				zap.String("org_id", row.OrgID),
				zap.Int("retry_count", row.RetryCount),
				zap.Bool("lock_contention", pkgdb.IsTransient(err)),
				zap.Error(err),
			)
			continue
		}
		if ok {
			cleared++
		}
	}

	s.metrics.AddBatchProcessed(jobRetrySweep, obsmetrics.LockResourceRemittancesForRetry, cleared)
	s.log.Info("retry sweep finished",
		zap.Time("as_of", asOf),
		zap.Int("due", len(due)),
		zap.Int("cleared", cleared),
	)
	return cleared, nil
}

func (s *RetrySweeper) resubmit(ctx context.Context, row remittancedomain.RemittanceRecord, asOf time.Time) (bool, error) {
	cleared := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.repo.LockByIDs(ctx, tx, []uuid.UUID{row.UUID})
		if err != nil {
			return err
		}
		if len(locked) == 0 {
			return nil
		}
		current := locked[0]
		if current.RetryAfter == nil || current.RetryAfter.After(asOf) || current.Status.Terminal() {
			return nil
		}

		subCtx, correlationID := correlation.EnsureCorrelationID(ctx)
		if err := s.producer.Submit(subCtx, billing.NewPayload(current, correlationID)); err != nil {
			return err
		}

		n, err := s.repo.ClearRetry(ctx, tx, current.UUID, s.clock.Now())
		if err != nil {
			return err
		}
		cleared = n > 0
		return nil
	})
	return cleared, err
}

func resubmitOutcome(cleared bool, err error) string {
	switch {
	case err != nil:
		return obsmetrics.ResubmitFailed
	case cleared:
		return obsmetrics.ResubmitCleared
	default:
		return obsmetrics.ResubmitSkipped
	}
}
