package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/smallbiznis/remittance/internal/eventlog"
	remittancedomain "github.com/smallbiznis/remittance/internal/remittance/domain"
	usagedomain "github.com/smallbiznis/remittance/internal/usage/domain"
	"github.com/stretchr/testify/mock"
)

type mockLedger struct {
	mock.Mock
}

func (m *mockLedger) RecordPending(ctx context.Context, agg usagedomain.Aggregate) (*remittancedomain.RemittanceRecord, error) {
	args := m.Called(ctx, agg)
	record, _ := args.Get(0).(*remittancedomain.RemittanceRecord)
	return record, args.Error(1)
}

func (m *mockLedger) GetSummaries(ctx context.Context, filter remittancedomain.RemittanceFilter) ([]remittancedomain.RemittanceSummary, error) {
	args := m.Called(ctx, filter)
	return args.Get(0).([]remittancedomain.RemittanceSummary), args.Error(1)
}

func (m *mockLedger) ResetRemittance(ctx context.Context, req remittancedomain.ResetRequest) (int64, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockLedger) DeleteForOrg(ctx context.Context, orgID string) error {
	return m.Called(ctx, orgID).Error(0)
}

func (m *mockLedger) ListRemittances(ctx context.Context, filter remittancedomain.RemittanceFilter) ([]remittancedomain.RemittanceRecord, string, error) {
	args := m.Called(ctx, filter)
	return args.Get(0).([]remittancedomain.RemittanceRecord), args.String(1), args.Error(2)
}

func (m *mockLedger) ApplyStatus(ctx context.Context, update remittancedomain.StatusUpdate) (int, error) {
	args := m.Called(ctx, update)
	return args.Int(0), args.Error(1)
}

func (m *mockLedger) MarkForRetry(ctx context.Context, id uuid.UUID, code remittancedomain.ErrorCode, cause error) error {
	return m.Called(ctx, id, code, cause).Error(0)
}

func (m *mockLedger) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockLedger) ReconcileStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	args := m.Called(ctx, olderThan)
	return args.Get(0).(int64), args.Error(1)
}

type mockProducer struct {
	mock.Mock
}

func (m *mockProducer) Submit(ctx context.Context, payload Payload) error {
	return m.Called(ctx, payload).Error(0)
}

type mockDeadLetter struct {
	mock.Mock
}

func (m *mockDeadLetter) Send(ctx context.Context, msg eventlog.Message, cause error) error {
	return m.Called(ctx, msg, cause).Error(0)
}
