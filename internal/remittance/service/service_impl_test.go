package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/remittance/internal/clock"
	"github.com/smallbiznis/remittance/internal/config"
	remittancedomain "github.com/smallbiznis/remittance/internal/remittance/domain"
	"github.com/smallbiznis/remittance/internal/remittance/repository"
	usagedomain "github.com/smallbiznis/remittance/internal/usage/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var baseTime = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(&remittancedomain.RemittanceRecord{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func testPipeline(metered ...string) *config.PipelineConfigHolder {
	cfg := config.DefaultPipelineConfig()
	cfg.Retry.RandomizationFactor = 0
	cfg.MeteredProducts = metered
	return config.NewStaticPipelineConfig(cfg)
}

func newTestService(t *testing.T) (*Service, *gorm.DB, *clock.FakeClock) {
	t.Helper()

	db := newTestDB(t)
	clk := clock.NewFakeClock(baseTime)
	svc := newService(ServiceParam{
		DB:       db,
		Log:      zap.NewNop(),
		Repo:     repository.Provide(),
		Pipeline: testPipeline(),
		Clock:    clk,
	})
	return svc, db, clk
}

func aggregateFor(orgID string, windowStart time.Time, value string) usagedomain.Aggregate {
	return usagedomain.Aggregate{
		AggregateID: uuid.New(),
		WindowStart: windowStart,
		Key: usagedomain.AggregateKey{
			OrgID:            orgID,
			ProductID:        "rhel",
			MetricID:         "Cores",
			BillingProvider:  "aws",
			BillingAccountID: "acct-1",
		},
		TotalValue: decimal.RequireFromString(value),
		Status:     usagedomain.StatusPending,
	}
}

func loadRow(t *testing.T, db *gorm.DB, id uuid.UUID) remittancedomain.RemittanceRecord {
	t.Helper()

	var row remittancedomain.RemittanceRecord
	if err := db.Where("uuid = ?", id).Take(&row).Error; err != nil {
		t.Fatalf("load %s: %v", id, err)
	}
	return row
}

func countRows(t *testing.T, db *gorm.DB) int64 {
	t.Helper()

	var n int64
	if err := db.Model(&remittancedomain.RemittanceRecord{}).Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func TestRecordPendingReplayUpdatesSameRow(t *testing.T) {
	svc, db, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.RecordPending(ctx, aggregateFor("org-1", baseTime, "10"))
	require.NoError(t, err)

	second, err := svc.RecordPending(ctx, aggregateFor("org-1", baseTime, "12"))
	require.NoError(t, err)

	assert.Equal(t, first.UUID, second.UUID)
	assert.Equal(t, int64(1), countRows(t, db))

	row := loadRow(t, db, first.UUID)
	assert.True(t, row.RemittedPendingValue.Equal(decimal.NewFromInt(12)), "value = %s", row.RemittedPendingValue)
	assert.Equal(t, usagedomain.StatusPending, row.Status)
	assert.Equal(t, "2026-03", row.AccumulationPeriod)
	assert.True(t, row.RemittancePendingDate.Equal(baseTime))
}

func TestRecordPendingSeparatesWindows(t *testing.T) {
	svc, db, _ := newTestService(t)
	ctx := context.Background()

	a, err := svc.RecordPending(ctx, aggregateFor("org-1", baseTime, "10"))
	require.NoError(t, err)
	b, err := svc.RecordPending(ctx, aggregateFor("org-1", baseTime.Add(time.Hour), "4"))
	require.NoError(t, err)

	assert.NotEqual(t, a.UUID, b.UUID)
	assert.Equal(t, int64(2), countRows(t, db))
	assert.Equal(t, a.AccumulationPeriod, b.AccumulationPeriod)
}

func TestRecordPendingKeepsSettledRow(t *testing.T) {
	svc, db, _ := newTestService(t)
	ctx := context.Background()

	record, err := svc.RecordPending(ctx, aggregateFor("org-1", baseTime, "10"))
	require.NoError(t, err)

	applied, err := svc.ApplyStatus(ctx, remittancedomain.StatusUpdate{
		RemittanceUUIDs: []uuid.UUID{record.UUID},
		Status:          usagedomain.StatusSucceeded,
	})
	require.NoError(t, err)
	require.Equal(t, 1, applied)

	replayed, err := svc.RecordPending(ctx, aggregateFor("org-1", baseTime, "99"))
	require.NoError(t, err)
	assert.Equal(t, usagedomain.StatusSucceeded, replayed.Status)

	row := loadRow(t, db, record.UUID)
	assert.True(t, row.RemittedPendingValue.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, usagedomain.StatusSucceeded, row.Status)
}

func TestRecordPendingGratis(t *testing.T) {
	svc, _, _ := newTestService(t)

	agg := aggregateFor("org-1", baseTime, "0")
	agg.Status = usagedomain.StatusGratis

	record, err := svc.RecordPending(context.Background(), agg)
	require.NoError(t, err)
	assert.Equal(t, usagedomain.StatusGratis, record.Status)
}

func TestRecordPendingRejectsIdentityClash(t *testing.T) {
	svc, db, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.RecordPending(ctx, aggregateFor("org-1", baseTime, "10"))
	require.NoError(t, err)

	// Flipping the product to metered changes its identity but not its
	// natural key.
	svc.pipeline = testPipeline("rhel")
	_, err = svc.RecordPending(ctx, aggregateFor("org-1", baseTime, "10"))
	assert.ErrorIs(t, err, remittancedomain.ErrDuplicateRemittance)
	assert.Equal(t, int64(1), countRows(t, db))
}

func TestRecordPendingKeepsAccountsApart(t *testing.T) {
	svc, db, _ := newTestService(t)
	ctx := context.Background()

	a := aggregateFor("org-1", baseTime, "10")
	a.Key.BillingAccountID = "acct-a"
	b := aggregateFor("org-1", baseTime, "20")
	b.Key.BillingAccountID = "acct-b"

	first, err := svc.RecordPending(ctx, a)
	require.NoError(t, err)
	second, err := svc.RecordPending(ctx, b)
	require.NoError(t, err)

	assert.NotEqual(t, first.UUID, second.UUID)
	assert.Equal(t, int64(2), countRows(t, db))

	rowA := loadRow(t, db, first.UUID)
	assert.Equal(t, "acct-a", rowA.BillingAccountID)
	assert.True(t, rowA.RemittedPendingValue.Equal(decimal.NewFromInt(10)), "value = %s", rowA.RemittedPendingValue)
	rowB := loadRow(t, db, second.UUID)
	assert.Equal(t, "acct-b", rowB.BillingAccountID)
	assert.True(t, rowB.RemittedPendingValue.Equal(decimal.NewFromInt(20)), "value = %s", rowB.RemittedPendingValue)
}

func TestRecordPendingRejectsRowWithOtherKey(t *testing.T) {
	svc, db, _ := newTestService(t)
	ctx := context.Background()

	agg := aggregateFor("org-1", baseTime, "10")
	record, err := svc.RecordPending(ctx, agg)
	require.NoError(t, err)

	// A row under this identity that carries another account must not be
	// overwritten.
	require.NoError(t, db.Model(&remittancedomain.RemittanceRecord{}).
		Where("uuid = ?", record.UUID).
		Update("billing_account_id", "acct-other").Error)

	_, err = svc.RecordPending(ctx, aggregateFor("org-1", baseTime, "20"))
	assert.ErrorIs(t, err, remittancedomain.ErrDuplicateRemittance)

	row := loadRow(t, db, record.UUID)
	assert.Equal(t, "acct-other", row.BillingAccountID)
	assert.True(t, row.RemittedPendingValue.Equal(decimal.NewFromInt(10)))
}

func TestRecordPendingRejectsIncompleteKey(t *testing.T) {
	svc, _, _ := newTestService(t)

	agg := aggregateFor("org-1", baseTime, "1")
	agg.Key.MetricID = ""
	_, err := svc.RecordPending(context.Background(), agg)
	assert.Error(t, err)
}

func TestGetSummaries(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.RecordPending(ctx, aggregateFor("org-1", baseTime, "0.1"))
	require.NoError(t, err)
	_, err = svc.RecordPending(ctx, aggregateFor("org-1", baseTime.Add(time.Hour), "0.2"))
	require.NoError(t, err)

	t.Run("sums one group", func(t *testing.T) {
		out, err := svc.GetSummaries(ctx, remittancedomain.RemittanceFilter{OrgID: "org-1"})
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.True(t, out[0].TotalRemittedPendingValue.Equal(decimal.RequireFromString("0.3")), "total = %s", out[0].TotalRemittedPendingValue)
		assert.True(t, out[0].RemittancePendingDate.Equal(baseTime.Add(time.Hour)))
	})

	t.Run("empty org yields nothing", func(t *testing.T) {
		out, err := svc.GetSummaries(ctx, remittancedomain.RemittanceFilter{})
		require.NoError(t, err)
		assert.Empty(t, out)
	})

	t.Run("org without rows yields zero placeholder", func(t *testing.T) {
		out, err := svc.GetSummaries(ctx, remittancedomain.RemittanceFilter{OrgID: "org-404"})
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, "org-404", out[0].OrgID)
		assert.Empty(t, out[0].ProductID)
		assert.True(t, out[0].TotalRemittedPendingValue.IsZero())
	})

	t.Run("known org without matches yields zero placeholder", func(t *testing.T) {
		out, err := svc.GetSummaries(ctx, remittancedomain.RemittanceFilter{OrgID: "org-1", ProductID: "openshift"})
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, "openshift", out[0].ProductID)
		assert.True(t, out[0].TotalRemittedPendingValue.IsZero())
	})

	t.Run("date range narrows rows", func(t *testing.T) {
		out, err := svc.GetSummaries(ctx, remittancedomain.RemittanceFilter{
			OrgID:     "org-1",
			Beginning: baseTime.Add(30 * time.Minute),
			Ending:    baseTime.Add(2 * time.Hour),
		})
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.True(t, out[0].TotalRemittedPendingValue.Equal(decimal.RequireFromString("0.2")))
	})

	t.Run("inverted range is rejected", func(t *testing.T) {
		_, err := svc.GetSummaries(ctx, remittancedomain.RemittanceFilter{
			OrgID:     "org-1",
			Beginning: baseTime.Add(time.Hour),
			Ending:    baseTime,
		})
		assert.ErrorIs(t, err, remittancedomain.ErrInvalidDateRange)
	})
}

func TestResetRemittance(t *testing.T) {
	svc, db, _ := newTestService(t)
	ctx := context.Background()

	a, err := svc.RecordPending(ctx, aggregateFor("org-a", baseTime, "10"))
	require.NoError(t, err)
	b, err := svc.RecordPending(ctx, aggregateFor("org-b", baseTime, "20"))
	require.NoError(t, err)
	later, err := svc.RecordPending(ctx, aggregateFor("org-a", baseTime.Add(48*time.Hour), "30"))
	require.NoError(t, err)

	updated, err := svc.ResetRemittance(ctx, remittancedomain.ResetRequest{
		ProductID: "rhel",
		Start:     baseTime.Add(-time.Hour),
		End:       baseTime.Add(time.Hour),
		OrgIDs:    []string{"org-a"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), updated)

	assert.True(t, loadRow(t, db, a.UUID).RemittedPendingValue.IsZero())
	assert.True(t, loadRow(t, db, b.UUID).RemittedPendingValue.Equal(decimal.NewFromInt(20)))
	assert.True(t, loadRow(t, db, later.UUID).RemittedPendingValue.Equal(decimal.NewFromInt(30)))

	tests := []struct {
		name string
		req  remittancedomain.ResetRequest
		want error
	}{
		{"missing product", remittancedomain.ResetRequest{Start: baseTime, End: baseTime, OrgIDs: []string{"org-a"}}, remittancedomain.ErrInvalidProduct},
		{"missing orgs", remittancedomain.ResetRequest{ProductID: "rhel", Start: baseTime, End: baseTime}, remittancedomain.ErrInvalidOrganization},
		{"orgs and accounts together", remittancedomain.ResetRequest{ProductID: "rhel", Start: baseTime, End: baseTime, OrgIDs: []string{"org-a"}, BillingAccountIDs: []string{"acct-1"}}, remittancedomain.ErrAmbiguousResetScope},
		{"inverted range", remittancedomain.ResetRequest{ProductID: "rhel", Start: baseTime, End: baseTime.Add(-time.Hour), OrgIDs: []string{"org-a"}}, remittancedomain.ErrInvalidDateRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.ResetRemittance(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestResetRemittanceByBillingAccount(t *testing.T) {
	svc, db, _ := newTestService(t)
	ctx := context.Background()

	a := aggregateFor("org-a", baseTime, "10")
	a.Key.BillingAccountID = "acct-a"
	b := aggregateFor("org-a", baseTime, "20")
	b.Key.BillingAccountID = "acct-b"
	ra, err := svc.RecordPending(ctx, a)
	require.NoError(t, err)
	rb, err := svc.RecordPending(ctx, b)
	require.NoError(t, err)

	updated, err := svc.ResetRemittance(ctx, remittancedomain.ResetRequest{
		ProductID:         "rhel",
		Start:             baseTime.Add(-time.Hour),
		End:               baseTime.Add(time.Hour),
		BillingAccountIDs: []string{"acct-b"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), updated)

	assert.True(t, loadRow(t, db, ra.UUID).RemittedPendingValue.Equal(decimal.NewFromInt(10)))
	assert.True(t, loadRow(t, db, rb.UUID).RemittedPendingValue.IsZero())
}

func TestDeleteForOrg(t *testing.T) {
	svc, db, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.RecordPending(ctx, aggregateFor("org-a", baseTime, "10"))
	require.NoError(t, err)
	_, err = svc.RecordPending(ctx, aggregateFor("org-a", baseTime.Add(time.Hour), "10"))
	require.NoError(t, err)
	kept, err := svc.RecordPending(ctx, aggregateFor("org-b", baseTime, "10"))
	require.NoError(t, err)

	require.NoError(t, svc.DeleteForOrg(ctx, "org-a"))
	assert.Equal(t, int64(1), countRows(t, db))
	loadRow(t, db, kept.UUID)

	assert.ErrorIs(t, svc.DeleteForOrg(ctx, ""), remittancedomain.ErrInvalidOrganization)
}

func TestListRemittancesPaginates(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := svc.RecordPending(ctx, aggregateFor("org-1", baseTime.Add(time.Duration(i)*time.Hour), "1"))
		require.NoError(t, err)
	}

	var (
		seen  []time.Time
		token string
		pages int
	)
	for {
		rows, next, err := svc.ListRemittances(ctx, remittancedomain.RemittanceFilter{OrgID: "org-1", PageSize: 2, PageToken: token})
		require.NoError(t, err)
		pages++
		for _, r := range rows {
			seen = append(seen, r.RemittancePendingDate)
		}
		if next == "" {
			break
		}
		token = next
	}

	assert.Equal(t, 3, pages)
	require.Len(t, seen, 5)
	for i, at := range seen {
		assert.True(t, at.Equal(baseTime.Add(time.Duration(i)*time.Hour)), "row %d at %s", i, at)
	}

	_, _, err := svc.ListRemittances(ctx, remittancedomain.RemittanceFilter{OrgID: "org-1", PageToken: "%%%"})
	assert.ErrorIs(t, err, remittancedomain.ErrInvalidPageToken)
}

func TestApplyStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("success is final", func(t *testing.T) {
		svc, db, clk := newTestService(t)
		record, err := svc.RecordPending(ctx, aggregateFor("org-1", baseTime, "10"))
		require.NoError(t, err)

		applied, err := svc.ApplyStatus(ctx, remittancedomain.StatusUpdate{
			RemittanceUUIDs: []uuid.UUID{record.UUID},
			Status:          usagedomain.StatusSucceeded,
		})
		require.NoError(t, err)
		assert.Equal(t, 1, applied)

		row := loadRow(t, db, record.UUID)
		assert.Equal(t, usagedomain.StatusSucceeded, row.Status)
		require.NotNil(t, row.BilledOn)
		assert.True(t, row.BilledOn.Equal(clk.Now()))

		applied, err = svc.ApplyStatus(ctx, remittancedomain.StatusUpdate{
			RemittanceUUIDs: []uuid.UUID{record.UUID},
			Status:          usagedomain.StatusFailed,
			ErrorCode:       remittancedomain.ErrorCodeInactive,
		})
		require.NoError(t, err)
		assert.Equal(t, 0, applied)
		assert.Equal(t, usagedomain.StatusSucceeded, loadRow(t, db, record.UUID).Status)
	})

	t.Run("retryable failure schedules retry", func(t *testing.T) {
		svc, db, clk := newTestService(t)
		record, err := svc.RecordPending(ctx, aggregateFor("org-1", baseTime, "10"))
		require.NoError(t, err)

		applied, err := svc.ApplyStatus(ctx, remittancedomain.StatusUpdate{
			RemittanceUUIDs: []uuid.UUID{record.UUID},
			Status:          usagedomain.StatusFailed,
			ErrorCode:       remittancedomain.ErrorCodeMarketplaceRateLimit,
		})
		require.NoError(t, err)
		assert.Equal(t, 1, applied)

		row := loadRow(t, db, record.UUID)
		assert.Equal(t, usagedomain.StatusFailed, row.Status)
		require.NotNil(t, row.RetryAfter)
		assert.True(t, row.RetryAfter.Equal(clk.Now().Add(time.Minute)), "retry_after = %s", row.RetryAfter)
		assert.Equal(t, 1, row.RetryCount)
	})

	t.Run("final failure has no retry", func(t *testing.T) {
		svc, db, _ := newTestService(t)
		record, err := svc.RecordPending(ctx, aggregateFor("org-1", baseTime, "10"))
		require.NoError(t, err)

		_, err = svc.ApplyStatus(ctx, remittancedomain.StatusUpdate{
			RemittanceUUIDs: []uuid.UUID{record.UUID},
			Status:          usagedomain.StatusFailed,
			ErrorCode:       remittancedomain.ErrorCodeSubscriptionNotFound,
		})
		require.NoError(t, err)

		row := loadRow(t, db, record.UUID)
		assert.Equal(t, usagedomain.StatusFailed, row.Status)
		assert.Nil(t, row.RetryAfter)
		require.NotNil(t, row.ErrorCode)
		assert.Equal(t, remittancedomain.ErrorCodeSubscriptionNotFound, *row.ErrorCode)

		applied, err := svc.ApplyStatus(ctx, remittancedomain.StatusUpdate{
			RemittanceUUIDs: []uuid.UUID{record.UUID},
			Status:          usagedomain.StatusSucceeded,
		})
		require.NoError(t, err)
		assert.Equal(t, 0, applied)
	})

	t.Run("rejects bad updates", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		id := uuid.New()

		_, err := svc.ApplyStatus(ctx, remittancedomain.StatusUpdate{RemittanceUUIDs: []uuid.UUID{id}, Status: usagedomain.StatusPending})
		assert.ErrorIs(t, err, remittancedomain.ErrInvalidStatusUpdate)

		_, err = svc.ApplyStatus(ctx, remittancedomain.StatusUpdate{RemittanceUUIDs: []uuid.UUID{id}, Status: usagedomain.StatusFailed, ErrorCode: "NOPE"})
		assert.ErrorIs(t, err, remittancedomain.ErrInvalidErrorCode)

		_, err = svc.ApplyStatus(ctx, remittancedomain.StatusUpdate{Status: usagedomain.StatusSucceeded})
		assert.ErrorIs(t, err, remittancedomain.ErrInvalidStatusUpdate)
	})
}

func TestMarkForRetryBacksOff(t *testing.T) {
	svc, db, clk := newTestService(t)
	ctx := context.Background()

	record, err := svc.RecordPending(ctx, aggregateFor("org-1", baseTime, "10"))
	require.NoError(t, err)

	cause := errors.New("timeout")
	require.NoError(t, svc.MarkForRetry(ctx, record.UUID, remittancedomain.ErrorCodeUnknown, cause))
	row := loadRow(t, db, record.UUID)
	require.NotNil(t, row.RetryAfter)
	assert.True(t, row.RetryAfter.Equal(clk.Now().Add(time.Minute)))

	require.NoError(t, svc.MarkForRetry(ctx, record.UUID, remittancedomain.ErrorCodeUnknown, cause))
	row = loadRow(t, db, record.UUID)
	assert.True(t, row.RetryAfter.Equal(clk.Now().Add(2*time.Minute)))
	assert.Equal(t, 2, row.RetryCount)

	assert.ErrorIs(t, svc.MarkForRetry(ctx, uuid.New(), remittancedomain.ErrorCodeUnknown, cause), remittancedomain.ErrRemittanceNotFound)
	assert.ErrorIs(t, svc.MarkForRetry(ctx, record.UUID, "NOPE", cause), remittancedomain.ErrInvalidErrorCode)
}

func TestMarkForRetryIgnoresSettledRow(t *testing.T) {
	svc, db, _ := newTestService(t)
	ctx := context.Background()

	agg := aggregateFor("org-1", baseTime, "0")
	agg.Status = usagedomain.StatusGratis
	record, err := svc.RecordPending(ctx, agg)
	require.NoError(t, err)

	require.NoError(t, svc.MarkForRetry(ctx, record.UUID, remittancedomain.ErrorCodeUnknown, errors.New("boom")))
	row := loadRow(t, db, record.UUID)
	assert.Equal(t, usagedomain.StatusGratis, row.Status)
	assert.Nil(t, row.RetryAfter)
}

func TestRetryDelayIsCapped(t *testing.T) {
	svc, _, _ := newTestService(t)

	assert.Equal(t, time.Minute, svc.retryDelay(0))
	assert.Equal(t, 4*time.Minute, svc.retryDelay(2))
	assert.Equal(t, time.Hour, svc.retryDelay(20))
}

func TestPurgeBefore(t *testing.T) {
	svc, db, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.RecordPending(ctx, aggregateFor("org-1", baseTime.AddDate(0, -4, 0), "1"))
	require.NoError(t, err)
	recent, err := svc.RecordPending(ctx, aggregateFor("org-1", baseTime, "1"))
	require.NoError(t, err)

	deleted, err := svc.PurgeBefore(ctx, baseTime.AddDate(0, -3, 0))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
	loadRow(t, db, recent.UUID)

	_, err = svc.PurgeBefore(ctx, time.Time{})
	assert.ErrorIs(t, err, remittancedomain.ErrInvalidDateRange)
}

func TestReconcileStuckHandsRowsToSweeper(t *testing.T) {
	svc, db, clk := newTestService(t)
	ctx := context.Background()

	record, err := svc.RecordPending(ctx, aggregateFor("org-1", baseTime, "1"))
	require.NoError(t, err)

	moved, err := svc.ReconcileStuck(ctx, 6*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(0), moved)

	clk.Advance(7 * time.Hour)
	moved, err = svc.ReconcileStuck(ctx, 6*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), moved)

	row := loadRow(t, db, record.UUID)
	require.NotNil(t, row.RetryAfter)
	assert.True(t, row.RetryAfter.Equal(clk.Now()))
	assert.Equal(t, usagedomain.StatusPending, row.Status)
}
