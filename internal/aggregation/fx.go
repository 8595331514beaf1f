package aggregation

import (
	"context"

	"github.com/smallbiznis/remittance/internal/clock"
	"github.com/smallbiznis/remittance/internal/config"
	"github.com/smallbiznis/remittance/internal/eventlog"
	obsmetrics "github.com/smallbiznis/remittance/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const consumerName = "billable-usage-aggregator"

var Module = fx.Module("aggregation",
	fx.Provide(
		providePool,
		provideFlushCoordinator,
		provideUsagePublisher,
	),
	fx.Invoke(runAggregator),
)

type poolParams struct {
	fx.In

	Pipeline *config.PipelineConfigHolder
	Producer *eventlog.Producer
	Metrics  *obsmetrics.Metrics `optional:"true"`
	Log      *zap.Logger
}

func providePool(p poolParams) *Pool {
	cfg := p.Pipeline.Get()
	emitter := NewKafkaEmitter(p.Producer, cfg.Topics.Aggregate, p.Metrics, p.Log)
	return NewPool(PoolConfig{
		Partitions:  cfg.Partitions,
		WindowSize:  cfg.Window.Size,
		WindowGrace: cfg.Window.Grace,
	}, emitter, p.Metrics, p.Log)
}

func provideFlushCoordinator(pipeline *config.PipelineConfigHolder, producer *eventlog.Producer, clk clock.Clock, log *zap.Logger) *FlushCoordinator {
	cfg := pipeline.Get()
	return NewFlushCoordinator(producer, cfg.Topics.Usage, cfg.Partitions, clk, log)
}

func provideUsagePublisher(pipeline *config.PipelineConfigHolder, producer *eventlog.Producer) *UsagePublisher {
	return NewUsagePublisher(producer, pipeline.Get().Topics.Usage)
}

type runParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    config.Config
	Pipeline  *config.PipelineConfigHolder
	Pool      *Pool
	Producer  *eventlog.Producer
	Log       *zap.Logger
}

func runAggregator(p runParams) error {
	if !p.Config.RunsAggregator() {
		return nil
	}

	cfg := p.Pipeline.Get()
	dlq := eventlog.NewDeadLetter(p.Producer, cfg.Topics.DLQ, consumerName)
	handler := NewUsageHandler(p.Pool, dlq, p.Pipeline, p.Log)

	consumer, err := eventlog.NewConsumer(p.Config.Kafka, p.Config.Kafka.ConsumerGroup, p.Log,
		map[string]eventlog.Handler{cfg.Topics.Usage: handler.Handle},
	)
	if err != nil {
		return err
	}

	log := p.Log.Named("aggregation")
	p.Lifecycle.Append(aggregatorHook(p.Pool, consumer, log))
	log.Info("aggregator configured",
		zap.String("topic", cfg.Topics.Usage),
		zap.Int("partitions", cfg.Partitions),
		zap.Duration("window", cfg.Window.Size),
		zap.Duration("grace", cfg.Window.Grace),
	)
	return nil
}

type usageConsumer interface {
	Start(ctx context.Context) error
	Close()
}

// aggregatorHook stops the consumer before draining the pool, so every
// record whose offset was committed reaches a worker.
func aggregatorHook(pool *Pool, consumer usageConsumer, log *zap.Logger) fx.Hook {
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)
	return fx.Hook{
		OnStart: func(context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			done = make(chan struct{})
			pool.Start(context.Background())

			go func() {
				defer close(done)
				if err := consumer.Start(ctx); err != nil && ctx.Err() == nil {
					log.Error("usage consumer stopped", zap.Error(err))
				}
			}()
			log.Info("aggregator started")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			consumer.Close()
			select {
			case <-done:
			case <-ctx.Done():
				log.Warn("usage consumer did not stop in time", zap.Error(ctx.Err()))
			}
			pool.Stop(ctx)
			return nil
		},
	}
}
