package aggregation

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	usagedomain "github.com/smallbiznis/remittance/internal/usage/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func usageAt(org string, ts time.Time, value string) usagedomain.UsageRecord {
	return usagedomain.UsageRecord{
		OrgID:           org,
		ProductID:       "rhel",
		MetricID:        "cores",
		BillingProvider: "aws",
		SnapshotDate:    ts,
		Value:           decimal.RequireFromString(value),
	}
}

func usageForAccount(org, account string, ts time.Time, value string) usagedomain.UsageRecord {
	r := usageAt(org, ts, value)
	r.BillingAccountID = &account
	return r
}

func hour(h, m int) time.Time {
	return time.Date(2024, 3, 1, h, m, 0, 0, time.UTC)
}

func TestWindowedAggregatorScenarioA(t *testing.T) {
	agg := NewWindowedAggregator(time.Hour, 0, nil)
	ctx := context.Background()

	for _, in := range []struct {
		ts    time.Time
		value string
	}{
		{hour(10, 5), "2.0"},
		{hour(10, 20), "3.5"},
		{hour(10, 40), "1.0"},
	} {
		closed, accepted := agg.Process(ctx, usageForAccount("org1", "acct1", in.ts, in.value), in.ts)
		require.True(t, accepted)
		require.Empty(t, closed)
	}

	closed, accepted := agg.Process(ctx, usageForAccount("org1", "acct1", hour(11, 0), "4"), hour(11, 0))
	require.True(t, accepted)
	require.Len(t, closed, 1)

	got := closed[0]
	assert.True(t, decimal.RequireFromString("6.5").Equal(got.TotalValue), "total %s", got.TotalValue)
	assert.Len(t, got.SnapshotDates, 3)
	assert.Equal(t, hour(10, 0), got.WindowStart)
	assert.Equal(t, usagedomain.AggregateKey{
		OrgID:            "org1",
		ProductID:        "rhel",
		MetricID:         "cores",
		BillingProvider:  "aws",
		BillingAccountID: "acct1",
	}, got.Key)
	assert.Equal(t, usagedomain.StatusPending, got.Status)
	assert.Equal(t, 1, agg.OpenWindows())
}

func TestWindowedAggregatorSumIsExact(t *testing.T) {
	agg := NewWindowedAggregator(time.Hour, 0, nil)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, accepted := agg.Process(ctx, usageAt("org1", hour(10, i), "0.1"), hour(10, i))
		require.True(t, accepted)
	}
	closed := agg.Advance(hour(11, 0))
	require.Len(t, closed, 1)
	if !closed[0].TotalValue.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("expected exact 1, got %s", closed[0].TotalValue)
	}
}

func TestWindowedAggregatorEmitsOnce(t *testing.T) {
	agg := NewWindowedAggregator(time.Hour, 0, nil)
	ctx := context.Background()

	agg.Process(ctx, usageAt("org1", hour(10, 5), "1"), hour(10, 5))
	require.Len(t, agg.Advance(hour(11, 0)), 1)
	require.Empty(t, agg.Advance(hour(11, 30)))
	require.Empty(t, agg.Advance(hour(13, 0)))
	require.Empty(t, agg.Flush(hour(13, 0)))
}

func TestWindowedAggregatorDropsLateRecords(t *testing.T) {
	agg := NewWindowedAggregator(time.Hour, 0, nil)
	ctx := context.Background()

	agg.Process(ctx, usageAt("org1", hour(10, 5), "1"), hour(10, 5))
	closed, accepted := agg.Process(ctx, usageAt("org1", hour(11, 10), "1"), hour(11, 10))
	require.True(t, accepted)
	require.Len(t, closed, 1)

	closed, accepted = agg.Process(ctx, usageAt("org1", hour(10, 50), "7"), hour(10, 50))
	assert.False(t, accepted)
	assert.Empty(t, closed)
	assert.Equal(t, 1, agg.OpenWindows())
	assert.Equal(t, hour(11, 10), agg.StreamTime())
}

func TestWindowedAggregatorGracePeriod(t *testing.T) {
	agg := NewWindowedAggregator(time.Hour, 10*time.Minute, nil)
	ctx := context.Background()

	agg.Process(ctx, usageAt("org1", hour(10, 5), "1"), hour(10, 5))
	closed, _ := agg.Process(ctx, usageAt("org1", hour(11, 5), "1"), hour(11, 5))
	require.Empty(t, closed)

	// still inside grace, folds into the 10:00 window
	closed, accepted := agg.Process(ctx, usageAt("org1", hour(10, 55), "2"), hour(10, 55))
	require.True(t, accepted)
	require.Empty(t, closed)

	closed = agg.Advance(hour(11, 10))
	require.Len(t, closed, 1)
	assert.True(t, decimal.NewFromInt(3).Equal(closed[0].TotalValue))
}

func TestWindowedAggregatorSeparatesKeys(t *testing.T) {
	agg := NewWindowedAggregator(time.Hour, 0, nil)
	ctx := context.Background()

	acct := "acct-1"
	withAccount := usageAt("org1", hour(10, 5), "1")
	withAccount.BillingAccountID = &acct

	agg.Process(ctx, usageAt("org1", hour(10, 5), "1"), hour(10, 5))
	agg.Process(ctx, withAccount, hour(10, 6))
	agg.Process(ctx, usageAt("org2", hour(10, 7), "1"), hour(10, 7))

	closed := agg.Flush(hour(10, 8))
	require.Len(t, closed, 3)
	for _, a := range closed {
		assert.True(t, decimal.NewFromInt(1).Equal(a.TotalValue))
	}
	assert.Equal(t, 0, agg.OpenWindows())
}

func TestWindowedAggregatorFlushMakesLaterRecordsLate(t *testing.T) {
	agg := NewWindowedAggregator(time.Hour, 0, nil)
	ctx := context.Background()

	agg.Process(ctx, usageAt("org1", hour(10, 5), "1"), hour(10, 5))
	require.Len(t, agg.Flush(hour(10, 6)), 1)

	_, accepted := agg.Process(ctx, usageAt("org1", hour(10, 30), "1"), hour(10, 30))
	assert.False(t, accepted)
}

func TestWindowedAggregatorTracksGratis(t *testing.T) {
	agg := NewWindowedAggregator(time.Hour, 0, nil)
	ctx := context.Background()

	free := usageAt("org1", hour(10, 10), "1")
	free.Status = usagedomain.StatusGratis
	free.UUID = "u-2"
	paid := usageAt("org1", hour(10, 5), "1")
	paid.UUID = "u-1"

	agg.Process(ctx, paid, hour(10, 5))
	agg.Process(ctx, free, hour(10, 10))
	closed := agg.Flush(hour(10, 10))
	require.Len(t, closed, 1)
	assert.Equal(t, usagedomain.StatusGratis, closed[0].Status)
	assert.Equal(t, []string{"u-1", "u-2"}, closed[0].RemittanceUUIDs)
}
