package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	usagedomain "github.com/smallbiznis/remittance/internal/usage/domain"
)

// RemittanceRecord is one ledger row: the amount owed for one aggregate key
// and one window, and its submission state.
type RemittanceRecord struct {
	UUID                  uuid.UUID          `gorm:"column:uuid;type:uuid;primaryKey" json:"uuid"`
	TallyID               string             `gorm:"column:tally_id;index:ix_billable_usage_remittances_tally" json:"tally_id,omitempty"`
	OrgID                 string             `gorm:"column:org_id;not null;uniqueIndex:ux_billable_usage_remittances_key_window,priority:1" json:"org_id"`
	ProductID             string             `gorm:"column:product_id;not null;uniqueIndex:ux_billable_usage_remittances_key_window,priority:2" json:"product_id"`
	MetricID              string             `gorm:"column:metric_id;not null;uniqueIndex:ux_billable_usage_remittances_key_window,priority:3" json:"metric_id"`
	BillingProvider       string             `gorm:"column:billing_provider;not null;uniqueIndex:ux_billable_usage_remittances_key_window,priority:4" json:"billing_provider"`
	BillingAccountID      string             `gorm:"column:billing_account_id;not null;default:'';uniqueIndex:ux_billable_usage_remittances_key_window,priority:5" json:"billing_account_id"`
	AccumulationPeriod    string             `gorm:"column:accumulation_period;not null" json:"accumulation_period"`
	RemittedPendingValue  decimal.Decimal    `gorm:"column:remitted_pending_value;type:numeric(38,10);not null" json:"remitted_pending_value"`
	RemittancePendingDate time.Time          `gorm:"column:remittance_pending_date;not null;uniqueIndex:ux_billable_usage_remittances_key_window,priority:6" json:"remittance_pending_date"`
	Status                usagedomain.Status `gorm:"column:status;not null;default:PENDING" json:"status"`
	ErrorCode             *ErrorCode         `gorm:"column:error_code" json:"error_code,omitempty"`
	BilledOn              *time.Time         `gorm:"column:billed_on" json:"billed_on,omitempty"`
	RetryAfter            *time.Time         `gorm:"column:retry_after;index:ix_billable_usage_remittances_retry_after" json:"retry_after,omitempty"`
	RetryCount            int                `gorm:"column:retry_count;not null;default:0" json:"retry_count"`
	CreatedAt             time.Time          `gorm:"column:created_at" json:"created_at"`
	UpdatedAt             time.Time          `gorm:"column:updated_at" json:"updated_at"`
}

func (RemittanceRecord) TableName() string { return "billable_usage_remittances" }

// Key is the aggregate key the row was recorded for.
func (r RemittanceRecord) Key() usagedomain.AggregateKey {
	return usagedomain.AggregateKey{
		OrgID:            r.OrgID,
		ProductID:        r.ProductID,
		MetricID:         r.MetricID,
		BillingProvider:  r.BillingProvider,
		BillingAccountID: r.BillingAccountID,
	}
}

// AccumulationPeriodOf formats the reporting period a window belongs to.
func AccumulationPeriodOf(windowStart time.Time) string {
	return windowStart.UTC().Format("2006-01")
}

// RemittanceFilter narrows summaries and listings. Zero values are unset.
type RemittanceFilter struct {
	OrgID              string
	ProductID          string
	MetricID           string
	BillingProvider    string
	BillingAccountID   string
	AccumulationPeriod string
	Status             usagedomain.Status
	TallyID            string
	ExcludeFailures    bool
	Beginning          time.Time
	Ending             time.Time

	PageToken string
	PageSize  int
}

func (f RemittanceFilter) Validate() error {
	if !f.Beginning.IsZero() && !f.Ending.IsZero() && f.Beginning.After(f.Ending) {
		return ErrInvalidDateRange
	}
	if f.Status != "" && !f.Status.Valid() {
		return usagedomain.ErrInvalidStatus
	}
	return nil
}

// RemittanceSummary is the remitted total for one group of ledger rows.
type RemittanceSummary struct {
	OrgID                     string             `json:"org_id"`
	ProductID                 string             `json:"product_id"`
	MetricID                  string             `json:"metric_id"`
	BillingProvider           string             `json:"billing_provider"`
	BillingAccountID          string             `json:"billing_account_id"`
	AccumulationPeriod        string             `json:"accumulation_period"`
	Status                    usagedomain.Status `json:"status"`
	TotalRemittedPendingValue decimal.Decimal    `json:"total_remitted_pending_value"`
	RemittancePendingDate     time.Time          `json:"remittance_pending_date"`
}

// StatusUpdate is a billing-provider verdict for a set of remittances.
type StatusUpdate struct {
	RemittanceUUIDs []uuid.UUID
	Status          usagedomain.Status
	ErrorCode       ErrorCode
	BilledOn        time.Time
}

// ResetRequest zeroes pending value for one product across either a set of
// orgs or a set of billing accounts, never both.
type ResetRequest struct {
	ProductID         string
	Start             time.Time
	End               time.Time
	OrgIDs            []string
	BillingAccountIDs []string
}

func (r ResetRequest) Validate() error {
	switch {
	case r.ProductID == "":
		return ErrInvalidProduct
	case len(r.OrgIDs) > 0 && len(r.BillingAccountIDs) > 0:
		return ErrAmbiguousResetScope
	case len(r.OrgIDs) == 0 && len(r.BillingAccountIDs) == 0:
		return ErrInvalidOrganization
	case r.Start.IsZero() || r.End.IsZero() || r.Start.After(r.End):
		return ErrInvalidDateRange
	}
	return nil
}
