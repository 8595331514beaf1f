// Package domain holds the usage stream types shared by the aggregator and the ledger.
package domain

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// FlushOrgID marks the synthetic record used to force windows closed. Real
// org ids are never allowed to start with an underscore.
const FlushOrgID = "__flush__"

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusGratis    Status = "GRATIS"
	StatusUnknown   Status = "UNKNOWN"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSucceeded, StatusFailed, StatusGratis, StatusUnknown:
		return true
	default:
		return false
	}
}

// Terminal statuses are never overwritten by later billing outcomes.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusGratis:
		return true
	case StatusPending, StatusFailed, StatusUnknown:
		return false
	default:
		return false
	}
}

// UsageRecord is one usage increment as published by the tally stage.
type UsageRecord struct {
	UUID             string          `json:"uuid,omitempty"`
	TallyID          string          `json:"tallyId,omitempty"`
	OrgID            string          `json:"orgId"`
	ProductID        string          `json:"productId"`
	MetricID         string          `json:"metricId"`
	BillingProvider  string          `json:"billingProvider"`
	BillingAccountID *string         `json:"billingAccountId"`
	SnapshotDate     time.Time       `json:"snapshotDate"`
	Value            decimal.Decimal `json:"value"`
	Status           Status          `json:"status,omitempty"`
}

var (
	ErrInvalidOrganization  = errors.New("invalid_organization")
	ErrReservedOrganization = errors.New("reserved_organization")
	ErrInvalidProduct       = errors.New("invalid_product")
	ErrInvalidMetric        = errors.New("invalid_metric")
	ErrInvalidSnapshotDate  = errors.New("invalid_snapshot_date")
	ErrInvalidValue         = errors.New("invalid_value")
	ErrInvalidStatus        = errors.New("invalid_status")
)

// Validate rejects records the aggregator must dead-letter instead of folding.
func (r UsageRecord) Validate() error {
	orgID := strings.TrimSpace(r.OrgID)
	switch {
	case orgID == "":
		return ErrInvalidOrganization
	case strings.HasPrefix(orgID, "__"):
		return ErrReservedOrganization
	case strings.TrimSpace(r.ProductID) == "":
		return ErrInvalidProduct
	case strings.TrimSpace(r.MetricID) == "":
		return ErrInvalidMetric
	case r.SnapshotDate.IsZero():
		return ErrInvalidSnapshotDate
	case r.Value.IsNegative():
		return ErrInvalidValue
	case r.Status != "" && !r.Status.Valid():
		return ErrInvalidStatus
	}
	return nil
}

// AggregateKey groups usage records into one billable amount. It is
// comparable and used directly as a map key.
type AggregateKey struct {
	OrgID            string `json:"orgId"`
	ProductID        string `json:"productId"`
	MetricID         string `json:"metricId"`
	BillingProvider  string `json:"billingProvider"`
	BillingAccountID string `json:"billingAccountId"`
}

// DeriveKey projects a usage record onto its aggregate key. A nil billing
// account projects to the empty string.
func DeriveKey(r UsageRecord) AggregateKey {
	key := AggregateKey{
		OrgID:           r.OrgID,
		ProductID:       r.ProductID,
		MetricID:        r.MetricID,
		BillingProvider: r.BillingProvider,
	}
	if r.BillingAccountID != nil {
		key.BillingAccountID = *r.BillingAccountID
	}
	return key
}

func FlushKey() AggregateKey {
	return AggregateKey{OrgID: FlushOrgID}
}

func (k AggregateKey) IsFlush() bool {
	return k.OrgID == FlushOrgID
}

// String renders the key in a length-prefixed form so that no two distinct
// keys share a representation. It is the event log record key.
func (k AggregateKey) String() string {
	var b strings.Builder
	for _, part := range []string{k.OrgID, k.ProductID, k.MetricID, k.BillingProvider, k.BillingAccountID} {
		b.WriteString(strconv.Itoa(len(part)))
		b.WriteByte(':')
		b.WriteString(part)
		b.WriteByte('|')
	}
	return b.String()
}

// Aggregate is the settled sum for one key and one window.
type Aggregate struct {
	AggregateID     uuid.UUID       `json:"aggregateId"`
	WindowStart     time.Time       `json:"windowTimestamp"`
	Key             AggregateKey    `json:"aggregateKey"`
	TotalValue      decimal.Decimal `json:"totalValue"`
	SnapshotDates   []time.Time     `json:"snapshotDates"`
	RemittanceUUIDs []string        `json:"remittanceUuids,omitempty"`
	TallyID         string          `json:"tallyId,omitempty"`
	Status          Status          `json:"status"`
}

func NewAggregate(key AggregateKey, windowStart time.Time) *Aggregate {
	return &Aggregate{
		AggregateID: uuid.New(),
		WindowStart: windowStart.UTC(),
		Key:         key,
		TotalValue:  decimal.Zero,
		Status:      StatusPending,
	}
}

// Add folds one usage record into the aggregate.
func (a *Aggregate) Add(r UsageRecord) {
	a.TotalValue = a.TotalValue.Add(r.Value)

	snapshot := r.SnapshotDate.UTC()
	seen := false
	for _, d := range a.SnapshotDates {
		if d.Equal(snapshot) {
			seen = true
			break
		}
	}
	if !seen {
		a.SnapshotDates = append(a.SnapshotDates, snapshot)
	}

	if r.UUID != "" {
		a.RemittanceUUIDs = append(a.RemittanceUUIDs, r.UUID)
	}
	if r.TallyID != "" {
		a.TallyID = r.TallyID
	}
	if r.Status == StatusGratis {
		a.Status = StatusGratis
	}
}

// LatestSnapshot is the most recent contributing snapshot date.
func (a *Aggregate) LatestSnapshot() time.Time {
	var latest time.Time
	for _, d := range a.SnapshotDates {
		if d.After(latest) {
			latest = d
		}
	}
	if latest.IsZero() {
		return a.WindowStart
	}
	return latest
}
