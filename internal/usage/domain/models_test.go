package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestDeriveKeyProjectsRecord(t *testing.T) {
	record := UsageRecord{
		OrgID:            "org1",
		ProductID:        "prodA",
		MetricID:         "Cores",
		BillingProvider:  "aws",
		BillingAccountID: strPtr("acct1"),
		SnapshotDate:     time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		Value:            decimal.RequireFromString("2.0"),
	}
	other := record
	other.Value = decimal.RequireFromString("9")
	other.SnapshotDate = record.SnapshotDate.Add(30 * time.Minute)

	assert.Equal(t, AggregateKey{
		OrgID:            "org1",
		ProductID:        "prodA",
		MetricID:         "Cores",
		BillingProvider:  "aws",
		BillingAccountID: "acct1",
	}, DeriveKey(record))
	assert.Equal(t, DeriveKey(record), DeriveKey(other))
}

func TestDeriveKeyNilBillingAccount(t *testing.T) {
	key := DeriveKey(UsageRecord{OrgID: "org1", ProductID: "p", MetricID: "m"})
	assert.Equal(t, "", key.BillingAccountID)
}

func TestAggregateKeyStringIsUnambiguous(t *testing.T) {
	a := AggregateKey{OrgID: "a|b", ProductID: "c"}
	b := AggregateKey{OrgID: "a", ProductID: "b|c"}
	assert.NotEqual(t, a.String(), b.String())
}

func TestValidate(t *testing.T) {
	valid := UsageRecord{
		OrgID:        "org1",
		ProductID:    "prodA",
		MetricID:     "Cores",
		SnapshotDate: time.Now(),
		Value:        decimal.NewFromInt(1),
	}
	require.NoError(t, valid.Validate())

	cases := []struct {
		name   string
		mutate func(*UsageRecord)
		want   error
	}{
		{"missing org", func(r *UsageRecord) { r.OrgID = " " }, ErrInvalidOrganization},
		{"reserved org", func(r *UsageRecord) { r.OrgID = FlushOrgID }, ErrReservedOrganization},
		{"missing product", func(r *UsageRecord) { r.ProductID = "" }, ErrInvalidProduct},
		{"missing metric", func(r *UsageRecord) { r.MetricID = "" }, ErrInvalidMetric},
		{"missing snapshot", func(r *UsageRecord) { r.SnapshotDate = time.Time{} }, ErrInvalidSnapshotDate},
		{"negative value", func(r *UsageRecord) { r.Value = decimal.NewFromInt(-1) }, ErrInvalidValue},
		{"bad status", func(r *UsageRecord) { r.Status = "DONE" }, ErrInvalidStatus},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := valid
			tc.mutate(&r)
			if err := r.Validate(); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestAggregateAddKeepsSnapshotSet(t *testing.T) {
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	agg := NewAggregate(AggregateKey{OrgID: "org1"}, start)

	agg.Add(UsageRecord{UUID: "u1", SnapshotDate: start, Value: decimal.RequireFromString("1.25")})
	agg.Add(UsageRecord{UUID: "u2", SnapshotDate: start, Value: decimal.RequireFromString("0.75")})
	agg.Add(UsageRecord{UUID: "u3", SnapshotDate: start.Add(time.Minute), Value: decimal.RequireFromString("1")})

	assert.True(t, agg.TotalValue.Equal(decimal.RequireFromString("3")))
	assert.Len(t, agg.SnapshotDates, 2)
	assert.Equal(t, []string{"u1", "u2", "u3"}, agg.RemittanceUUIDs)
	assert.Equal(t, start.Add(time.Minute), agg.LatestSnapshot())
	assert.Equal(t, StatusPending, agg.Status)
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusSucceeded.Terminal())
	assert.True(t, StatusGratis.Terminal())
	assert.False(t, StatusFailed.Terminal())
	assert.False(t, StatusPending.Terminal())
	assert.False(t, Status("bogus").Valid())
}

func TestDecodeUsageAcceptsNumericValue(t *testing.T) {
	r, err := DecodeUsage([]byte(`{"orgId":"org1","productId":"p","metricId":"m","billingAccountId":null,"snapshotDate":"2024-03-01T10:00:00Z","value":3.5}`))
	require.NoError(t, err)
	assert.Nil(t, r.BillingAccountID)
	assert.True(t, r.Value.Equal(decimal.RequireFromString("3.5")))

	_, err = DecodeUsage([]byte(`{`))
	assert.Error(t, err)
}
