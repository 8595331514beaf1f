package eventlog

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/smallbiznis/remittance/internal/config"
	"github.com/smallbiznis/remittance/pkg/telemetry/correlation"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Message is a consumed record detached from the client.
type Message struct {
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Topic     string
	Partition int32
	Offset    int64
	Timestamp time.Time
}

// Handler processes one message. A failing message is retried in place until
// it succeeds, so later offsets of its partition are never committed past it.
type Handler func(ctx context.Context, msg Message) error

type groupClient interface {
	PollFetches(ctx context.Context) kgo.Fetches
	CommitRecords(ctx context.Context, rs ...*kgo.Record) error
	AllowRebalance()
	Ping(ctx context.Context) error
	Close()
}

// Consumer drives a consumer group and routes records to per-topic handlers.
type Consumer struct {
	client   groupClient
	log      *zap.Logger
	group    string
	handlers map[string]Handler
	retry    func() backoff.BackOff
}

func defaultHandlerBackOff() backoff.BackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval:     200 * time.Millisecond,
		RandomizationFactor: 0.2,
		Multiplier:          2,
		MaxInterval:         30 * time.Second,
	}
}

func NewConsumer(cfg config.KafkaConfig, group string, log *zap.Logger, handlers map[string]Handler, opts ...kgo.Opt) (*Consumer, error) {
	topics := make([]string, 0, len(handlers))
	for topic := range handlers {
		topics = append(topics, topic)
	}
	sort.Strings(topics)

	base := []kgo.Opt{
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topics...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
	}
	client, err := NewClient(cfg, append(base, opts...)...)
	if err != nil {
		return nil, err
	}

	return &Consumer{
		client:   client,
		log:      log.Named("eventlog.consumer").With(zap.String("group", group)),
		group:    group,
		handlers: handlers,
		retry:    defaultHandlerBackOff,
	}, nil
}

func (c *Consumer) Close() {
	c.client.Close()
}

// Start polls until ctx is done or the client is closed.
func (c *Consumer) Start(ctx context.Context) error {
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.log.Error("errors while polling",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err),
			)
		})

		commitRecords := c.processRecords(ctx, fetches.Records())
		if len(commitRecords) > 0 {
			if err := c.client.CommitRecords(ctx, commitRecords...); err != nil {
				c.log.Error("failed to commit records", zap.Error(err))
			}
		}
		c.client.AllowRebalance()
	}
}

func (c *Consumer) processRecords(ctx context.Context, records []*kgo.Record) []*kgo.Record {
	type topicPartition struct {
		topic     string
		partition int32
	}
	blocked := make(map[topicPartition]bool)
	lastSuccess := make(map[topicPartition]*kgo.Record)

	for _, record := range records {
		tp := topicPartition{topic: record.Topic, partition: record.Partition}
		if blocked[tp] {
			continue
		}

		handler, ok := c.handlers[record.Topic]
		if !ok {
			c.log.Warn("no handler registered for topic", zap.String("topic", record.Topic))
			lastSuccess[tp] = record
			continue
		}

		hdrs := make(map[string]string, len(record.Headers))
		for _, h := range record.Headers {
			hdrs[h.Key] = string(h.Value)
		}
		msg := Message{
			Key:       record.Key,
			Value:     record.Value,
			Headers:   hdrs,
			Topic:     record.Topic,
			Partition: record.Partition,
			Offset:    record.Offset,
			Timestamp: record.Timestamp,
		}

		if err := c.handle(correlation.ContextFromRecord(ctx, record), handler, msg); err != nil {
			c.log.Error("giving up on message until restart",
				zap.String("topic", record.Topic),
				zap.Int32("partition", record.Partition),
				zap.Int64("offset", record.Offset),
				zap.Error(err),
			)
			blocked[tp] = true
			continue
		}
		lastSuccess[tp] = record
	}

	if len(lastSuccess) == 0 {
		return nil
	}
	commitRecords := make([]*kgo.Record, 0, len(lastSuccess))
	for _, record := range lastSuccess {
		commitRecords = append(commitRecords, record)
	}
	return commitRecords
}

// handle retries msg until the handler accepts it. It only gives up when ctx
// is done, leaving the offset uncommitted for the next owner of the partition.
func (c *Consumer) handle(ctx context.Context, handler Handler, msg Message) error {
	newBackOff := c.retry
	if newBackOff == nil {
		newBackOff = defaultHandlerBackOff
	}
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, handler(ctx, msg)
	},
		backoff.WithBackOff(newBackOff()),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.log.Warn("failed to handle message, retrying",
				zap.String("topic", msg.Topic),
				zap.Int32("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Duration("next", next),
				zap.Error(err),
			)
		}),
	)
	return err
}

// HealthCheck pings the brokers.
func (c *Consumer) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := c.client.Ping(ctx); err != nil {
		return fmt.Errorf("kafka health check failed: %w", err)
	}
	return nil
}
