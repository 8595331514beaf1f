package aggregation

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	obslogger "github.com/smallbiznis/remittance/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/remittance/internal/observability/metrics"
	usagedomain "github.com/smallbiznis/remittance/internal/usage/domain"
	"go.uber.org/zap"
)

// Publisher is the subset of *eventlog.Producer used by this package.
type Publisher interface {
	Produce(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

type partitionPublisher interface {
	Publisher
	ProduceTo(ctx context.Context, topic string, partition int32, key, value []byte, headers map[string]string) error
}

// KafkaEmitter writes closed windows to the aggregate topic keyed by the
// aggregate key so downstream consumers see one key per partition.
type KafkaEmitter struct {
	pub     Publisher
	topic   string
	metrics *obsmetrics.Metrics
	log     *zap.Logger
	backoff func() backoff.BackOff
}

func NewKafkaEmitter(pub Publisher, topic string, metrics *obsmetrics.Metrics, log *zap.Logger) *KafkaEmitter {
	return &KafkaEmitter{
		pub:     pub,
		topic:   topic,
		metrics: metrics,
		log:     log.Named("aggregation.emitter"),
		backoff: func() backoff.BackOff {
			return &backoff.ExponentialBackOff{
				InitialInterval:     100 * time.Millisecond,
				RandomizationFactor: 0.2,
				Multiplier:          2,
				MaxInterval:         2 * time.Second,
			}
		},
	}
}

// Emit retries until the aggregate is written or ctx is done. The window is
// already evicted and its source offsets committed, so giving up earlier
// would lose it.
func (e *KafkaEmitter) Emit(ctx context.Context, agg usagedomain.Aggregate) error {
	value, err := usagedomain.EncodeAggregate(agg)
	if err != nil {
		return fmt.Errorf("encode aggregate: %w", err)
	}
	key := []byte(agg.Key.String())
	headers := map[string]string{
		"aggregate_id": agg.AggregateID.String(),
		"window_start": agg.WindowStart.UTC().Format(time.RFC3339),
	}

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, e.pub.Produce(ctx, e.topic, key, value, headers)
	},
		backoff.WithBackOff(e.backoff()),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			e.log.Warn("retrying aggregate emission",
				zap.String("aggregate_id", agg.AggregateID.String()),
				zap.Duration("next", next),
				zap.Error(err),
			)
		}),
	)
	if err != nil {
		return err
	}

	e.metrics.RecordAggregateEmitted(ctx, agg.Key.ProductID)
	obslogger.WithAggregate(e.log, agg.Key, agg.WindowStart).Info("aggregate emitted",
		zap.String("aggregate_id", agg.AggregateID.String()),
		zap.String("total_value", agg.TotalValue.String()),
		zap.Int("records", len(agg.RemittanceUUIDs)),
	)
	return nil
}
