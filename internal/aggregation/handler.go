package aggregation

import (
	"context"
	"fmt"
	"time"

	"github.com/smallbiznis/remittance/internal/eventlog"
	"github.com/smallbiznis/remittance/internal/identity"
	usagedomain "github.com/smallbiznis/remittance/internal/usage/domain"
	"go.uber.org/zap"
)

type deadLetter interface {
	Send(ctx context.Context, msg eventlog.Message, cause error) error
}

// ProductCatalog knows which products are billed by measurement.
type ProductCatalog interface {
	IsMetered(productID string) bool
}

type dispatcher interface {
	Dispatch(ctx context.Context, partition int32, r usagedomain.UsageRecord, ts time.Time) error
	DispatchFlush(ctx context.Context, partition int32, ts time.Time) error
}

// UsageHandler routes usage records from the event log to the partition
// worker that owns them.
type UsageHandler struct {
	pool    dispatcher
	dlq     deadLetter
	catalog ProductCatalog
	log     *zap.Logger
}

func NewUsageHandler(pool dispatcher, dlq deadLetter, catalog ProductCatalog, log *zap.Logger) *UsageHandler {
	return &UsageHandler{pool: pool, dlq: dlq, catalog: catalog, log: log.Named("aggregation.handler")}
}

// Handle is an eventlog.Handler. Malformed records are dead-lettered and
// acknowledged. An error is returned only when the record could be neither
// dispatched nor dead-lettered; the consumer then retries it in place.
func (h *UsageHandler) Handle(ctx context.Context, msg eventlog.Message) error {
	record, err := usagedomain.DecodeUsage(msg.Value)
	if err != nil {
		return h.reject(ctx, msg, fmt.Errorf("decode usage: %w", err))
	}

	ts := eventTime(msg, record)
	if record.OrgID == usagedomain.FlushOrgID {
		return h.pool.DispatchFlush(ctx, msg.Partition, ts)
	}
	if err := record.Validate(); err != nil {
		return h.reject(ctx, msg, err)
	}
	// a record that cannot be given a ledger identity is never aggregated
	metered := h.catalog != nil && h.catalog.IsMetered(record.ProductID)
	if _, err := identity.GenerateID(record.OrgID, record.ProductID, record.MetricID, record.BillingAccountID, metered); err != nil {
		return h.reject(ctx, msg, err)
	}
	return h.pool.Dispatch(ctx, msg.Partition, record, ts)
}

func (h *UsageHandler) reject(ctx context.Context, msg eventlog.Message, cause error) error {
	h.log.Warn("usage record rejected",
		zap.String("topic", msg.Topic),
		zap.Int32("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
		zap.Error(cause),
	)
	if err := h.dlq.Send(ctx, msg, cause); err != nil {
		return fmt.Errorf("dead-letter usage record: %w", err)
	}
	return nil
}

// eventTime prefers the log timestamp and falls back to the snapshot date.
func eventTime(msg eventlog.Message, r usagedomain.UsageRecord) time.Time {
	if !msg.Timestamp.IsZero() {
		return msg.Timestamp.UTC()
	}
	return r.SnapshotDate.UTC()
}

// UsagePublisher writes usage records to the usage topic keyed by aggregate
// key, so every record of a key lands on the same partition.
type UsagePublisher struct {
	pub   Publisher
	topic string
}

func NewUsagePublisher(pub Publisher, topic string) *UsagePublisher {
	return &UsagePublisher{pub: pub, topic: topic}
}

func (p *UsagePublisher) Publish(ctx context.Context, r usagedomain.UsageRecord) error {
	if err := r.Validate(); err != nil {
		return err
	}
	value, err := usagedomain.EncodeUsage(r)
	if err != nil {
		return fmt.Errorf("encode usage: %w", err)
	}
	return p.pub.Produce(ctx, p.topic, []byte(usagedomain.DeriveKey(r).String()), value, nil)
}
