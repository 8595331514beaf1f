package eventlog

import (
	"context"
	"fmt"
	"time"

	"github.com/smallbiznis/remittance/internal/config"
	"github.com/smallbiznis/remittance/pkg/telemetry/correlation"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Writer is the produce half of *kgo.Client.
type Writer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

type Producer struct {
	w       Writer
	log     *zap.Logger
	timeout time.Duration
}

func NewProducer(w Writer, log *zap.Logger, timeout time.Duration) *Producer {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Producer{w: w, log: log.Named("eventlog.producer"), timeout: timeout}
}

// Produce writes one keyed record and waits for the broker ack.
func (p *Producer) Produce(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	return p.produce(ctx, p.record(ctx, topic, key, value, headers))
}

// ProduceTo writes one record to an explicit partition.
func (p *Producer) ProduceTo(ctx context.Context, topic string, partition int32, key, value []byte, headers map[string]string) error {
	record := p.record(ctx, topic, key, value, headers)
	Pin(ctx, record, partition)
	return p.produce(ctx, record)
}

func (p *Producer) record(ctx context.Context, topic string, key, value []byte, headers map[string]string) *kgo.Record {
	record := &kgo.Record{Topic: topic, Key: key, Value: value}
	for k, v := range headers {
		record.Headers = append(record.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	correlation.InjectIntoRecord(ctx, record)
	return record
}

func (p *Producer) produce(ctx context.Context, record *kgo.Record) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.w.ProduceSync(ctx, record).FirstErr(); err != nil {
		p.log.Warn("produce failed",
			zap.String("topic", record.Topic),
			zap.Int32("partition", record.Partition),
			zap.Error(err),
		)
		return fmt.Errorf("failed to produce message: %w", err)
	}
	return nil
}

type producerParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    config.Config
	Pipeline  *config.PipelineConfigHolder
	Log       *zap.Logger
}

func provideProducer(p producerParams) (*Producer, error) {
	client, err := NewClient(p.Config.Kafka,
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.ProducerLinger(10*time.Millisecond),
		kgo.RecordDeliveryTimeout(p.Pipeline.Get().Producer.Timeout),
	)
	if err != nil {
		return nil, err
	}
	p.Lifecycle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			if err := client.Flush(ctx); err != nil {
				p.Log.Warn("flush on shutdown failed", zap.Error(err))
			}
			client.Close()
			return nil
		},
	})
	return NewProducer(client, p.Log, p.Pipeline.Get().Producer.Timeout), nil
}
