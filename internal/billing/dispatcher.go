package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/smallbiznis/remittance/internal/eventlog"
	remittancedomain "github.com/smallbiznis/remittance/internal/remittance/domain"
	usagedomain "github.com/smallbiznis/remittance/internal/usage/domain"
	"github.com/smallbiznis/remittance/pkg/telemetry/correlation"
	"go.uber.org/zap"
)

type deadLetter interface {
	Send(ctx context.Context, msg eventlog.Message, cause error) error
}

// Dispatcher turns emitted aggregates into ledger rows and submissions.
type Dispatcher struct {
	ledger   remittancedomain.Service
	producer Producer
	dlq      deadLetter
	log      *zap.Logger
}

func NewDispatcher(ledger remittancedomain.Service, producer Producer, dlq deadLetter, log *zap.Logger) *Dispatcher {
	return &Dispatcher{ledger: ledger, producer: producer, dlq: dlq, log: log.Named("billing.dispatcher")}
}

// HandleAggregate is an eventlog.Handler for the aggregate topic. Ledger
// failures are retried in place by the consumer; submission failures become
// scheduled retries.
func (d *Dispatcher) HandleAggregate(ctx context.Context, msg eventlog.Message) error {
	agg, err := usagedomain.DecodeAggregate(msg.Value)
	if err != nil {
		return d.reject(ctx, msg, err)
	}
	return d.Dispatch(ctx, agg)
}

func (d *Dispatcher) Dispatch(ctx context.Context, agg usagedomain.Aggregate) error {
	record, err := d.ledger.RecordPending(ctx, agg)
	switch {
	case errors.Is(err, remittancedomain.ErrDuplicateRemittance):
		// integrity violation, logged by the ledger; never auto-corrected
		return nil
	case err != nil:
		return fmt.Errorf("record pending remittance: %w", err)
	}

	switch record.Status {
	case usagedomain.StatusSucceeded, usagedomain.StatusGratis:
		d.log.Info("remittance not submitted",
			zap.String("remittance_uuid", record.UUID.String()),
			zap.String("status", string(record.Status)),
		)
		return nil
	case usagedomain.StatusPending, usagedomain.StatusFailed, usagedomain.StatusUnknown:
	}

	ctx, correlationID := correlation.EnsureCorrelationID(ctx)
	if err := d.producer.Submit(ctx, NewPayload(*record, correlationID)); err != nil {
		code := ErrorCodeFor(err)
		if markErr := d.ledger.MarkForRetry(ctx, record.UUID, code, err); markErr != nil {
			return fmt.Errorf("schedule remittance retry: %w", errors.Join(markErr, err))
		}
		return nil
	}
	return nil
}

func (d *Dispatcher) reject(ctx context.Context, msg eventlog.Message, cause error) error {
	d.log.Warn("message rejected",
		zap.String("topic", msg.Topic),
		zap.Int32("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
		zap.Error(cause),
	)
	if err := d.dlq.Send(ctx, msg, cause); err != nil {
		return fmt.Errorf("dead-letter message: %w", err)
	}
	return nil
}
