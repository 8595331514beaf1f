package billing

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	remittancedomain "github.com/smallbiznis/remittance/internal/remittance/domain"
)

// Payload is what a billing provider receives for one remittance.
type Payload struct {
	OrgID            string          `json:"orgId"`
	ProductID        string          `json:"productId"`
	MetricID         string          `json:"metricId"`
	BillingProvider  string          `json:"billingProvider"`
	BillingAccountID string          `json:"billingAccountId"`
	Value            decimal.Decimal `json:"value"`
	Period           string          `json:"period"`
	WindowStart      time.Time       `json:"windowStart"`
	CorrelationID    string          `json:"correlationId"`
	RemittanceUUIDs  []string        `json:"remittanceUuids"`
}

// NewPayload rebuilds the submission for a ledger row. The same row always
// yields the same payload apart from the correlation id.
func NewPayload(record remittancedomain.RemittanceRecord, correlationID string) Payload {
	return Payload{
		OrgID:            record.OrgID,
		ProductID:        record.ProductID,
		MetricID:         record.MetricID,
		BillingProvider:  record.BillingProvider,
		BillingAccountID: record.BillingAccountID,
		Value:            record.RemittedPendingValue,
		Period:           record.AccumulationPeriod,
		WindowStart:      record.RemittancePendingDate.UTC(),
		CorrelationID:    correlationID,
		RemittanceUUIDs:  []string{record.UUID.String()},
	}
}

func EncodePayload(p Payload) ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal billing payload: %w", err)
	}
	return b, nil
}

func DecodePayload(b []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(b, &p); err != nil {
		return Payload{}, fmt.Errorf("unmarshal billing payload: %w", err)
	}
	return p, nil
}
