package billing

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/remittance/internal/eventlog"
	remittancedomain "github.com/smallbiznis/remittance/internal/remittance/domain"
	usagedomain "github.com/smallbiznis/remittance/internal/usage/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testAggregate() usagedomain.Aggregate {
	agg := usagedomain.NewAggregate(usagedomain.AggregateKey{
		OrgID:           "org1",
		ProductID:       "rhel",
		MetricID:        "cores",
		BillingProvider: "aws",
	}, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	agg.TotalValue = decimal.RequireFromString("6.5")
	return *agg
}

func pendingRecord(status usagedomain.Status) *remittancedomain.RemittanceRecord {
	return &remittancedomain.RemittanceRecord{
		UUID:                  uuid.New(),
		OrgID:                 "org1",
		ProductID:             "rhel",
		MetricID:              "cores",
		BillingProvider:       "aws",
		AccumulationPeriod:    "2024-03",
		RemittedPendingValue:  decimal.RequireFromString("6.5"),
		RemittancePendingDate: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		Status:                status,
	}
}

func TestDispatcherSubmitsPendingRemittance(t *testing.T) {
	ledger := &mockLedger{}
	producer := &mockProducer{}
	record := pendingRecord(usagedomain.StatusPending)
	agg := testAggregate()

	ledger.On("RecordPending", mock.Anything, agg).Return(record, nil)
	producer.On("Submit", mock.Anything, mock.MatchedBy(func(p Payload) bool {
		return p.OrgID == "org1" &&
			p.Value.Equal(decimal.RequireFromString("6.5")) &&
			p.CorrelationID != "" &&
			len(p.RemittanceUUIDs) == 1 && p.RemittanceUUIDs[0] == record.UUID.String()
	})).Return(nil)

	d := NewDispatcher(ledger, producer, &mockDeadLetter{}, zap.NewNop())
	require.NoError(t, d.Dispatch(context.Background(), agg))

	ledger.AssertExpectations(t)
	producer.AssertExpectations(t)
	ledger.AssertNotCalled(t, "MarkForRetry", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestDispatcherSchedulesRetryOnSubmissionFailure(t *testing.T) {
	ledger := &mockLedger{}
	producer := &mockProducer{}
	record := pendingRecord(usagedomain.StatusPending)
	submitErr := errors.Join(ErrSubmissionFailed, ErrRateLimited)

	ledger.On("RecordPending", mock.Anything, mock.Anything).Return(record, nil)
	producer.On("Submit", mock.Anything, mock.Anything).Return(submitErr)
	ledger.On("MarkForRetry", mock.Anything, record.UUID, remittancedomain.ErrorCodeMarketplaceRateLimit, submitErr).Return(nil)

	d := NewDispatcher(ledger, producer, &mockDeadLetter{}, zap.NewNop())
	require.NoError(t, d.Dispatch(context.Background(), testAggregate()))
	ledger.AssertExpectations(t)
}

func TestDispatcherSkipsSettledRemittances(t *testing.T) {
	for _, status := range []usagedomain.Status{usagedomain.StatusGratis, usagedomain.StatusSucceeded} {
		ledger := &mockLedger{}
		producer := &mockProducer{}
		ledger.On("RecordPending", mock.Anything, mock.Anything).Return(pendingRecord(status), nil)

		d := NewDispatcher(ledger, producer, &mockDeadLetter{}, zap.NewNop())
		require.NoError(t, d.Dispatch(context.Background(), testAggregate()))
		producer.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)
	}
}

func TestDispatcherLedgerErrors(t *testing.T) {
	ledger := &mockLedger{}
	ledger.On("RecordPending", mock.Anything, mock.Anything).Return(nil, remittancedomain.ErrDuplicateRemittance).Once()
	ledger.On("RecordPending", mock.Anything, mock.Anything).Return(nil, errors.New("connection refused")).Once()
	producer := &mockProducer{}

	d := NewDispatcher(ledger, producer, &mockDeadLetter{}, zap.NewNop())
	assert.NoError(t, d.Dispatch(context.Background(), testAggregate()), "integrity errors are not retried")
	assert.Error(t, d.Dispatch(context.Background(), testAggregate()), "storage errors block the partition")
	producer.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)
}

func TestDispatcherDeadLettersUndecodableAggregates(t *testing.T) {
	dlq := &mockDeadLetter{}
	dlq.On("Send", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	d := NewDispatcher(&mockLedger{}, &mockProducer{}, dlq, zap.NewNop())
	require.NoError(t, d.HandleAggregate(context.Background(), eventlog.Message{Value: []byte("nope")}))
	dlq.AssertNumberOfCalls(t, "Send", 1)
}

func TestStatusHandlerAppliesUpdate(t *testing.T) {
	id := uuid.New()
	billedOn := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	body, err := json.Marshal(StatusMessage{
		RemittanceUUIDs: []string{id.String()},
		Status:          usagedomain.StatusSucceeded,
		BilledOn:        &billedOn,
	})
	require.NoError(t, err)

	ledger := &mockLedger{}
	ledger.On("ApplyStatus", mock.Anything, remittancedomain.StatusUpdate{
		RemittanceUUIDs: []uuid.UUID{id},
		Status:          usagedomain.StatusSucceeded,
		BilledOn:        billedOn,
	}).Return(1, nil)

	h := NewStatusHandler(ledger, &mockDeadLetter{}, zap.NewNop())
	require.NoError(t, h.Handle(context.Background(), eventlog.Message{Value: body}))
	ledger.AssertExpectations(t)
}

func TestStatusHandlerRejectsBadMessages(t *testing.T) {
	body, err := json.Marshal(StatusMessage{RemittanceUUIDs: []string{"not-a-uuid"}, Status: usagedomain.StatusFailed})
	require.NoError(t, err)

	dlq := &mockDeadLetter{}
	dlq.On("Send", mock.Anything, mock.Anything, mock.MatchedBy(func(err error) bool {
		return errors.Is(err, remittancedomain.ErrInvalidStatusUpdate)
	})).Return(nil)

	ledger := &mockLedger{}
	h := NewStatusHandler(ledger, dlq, zap.NewNop())
	require.NoError(t, h.Handle(context.Background(), eventlog.Message{Value: body}))
	dlq.AssertExpectations(t)
	ledger.AssertNotCalled(t, "ApplyStatus", mock.Anything, mock.Anything)
}

func TestStatusHandlerDeadLettersLedgerValidation(t *testing.T) {
	body, err := json.Marshal(StatusMessage{RemittanceUUIDs: []string{uuid.NewString()}, Status: usagedomain.StatusPending})
	require.NoError(t, err)

	ledger := &mockLedger{}
	ledger.On("ApplyStatus", mock.Anything, mock.Anything).Return(0, remittancedomain.ErrInvalidStatusUpdate)
	dlq := &mockDeadLetter{}
	dlq.On("Send", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	h := NewStatusHandler(ledger, dlq, zap.NewNop())
	require.NoError(t, h.Handle(context.Background(), eventlog.Message{Value: body}))
	dlq.AssertNumberOfCalls(t, "Send", 1)
}
