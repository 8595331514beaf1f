package billing

import (
	"context"

	"github.com/smallbiznis/remittance/internal/config"
	"github.com/smallbiznis/remittance/internal/eventlog"
	obsmetrics "github.com/smallbiznis/remittance/internal/observability/metrics"
	"github.com/smallbiznis/remittance/internal/ratelimit"
	remittancedomain "github.com/smallbiznis/remittance/internal/remittance/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	consumerGroup = "billable-usage-remittance"
	consumerName  = "billable-usage-remittance"
)

var Module = fx.Module("billing",
	fx.Provide(provideProducer),
	fx.Invoke(runConsumers),
)

type producerParams struct {
	fx.In

	Pipeline *config.PipelineConfigHolder
	Producer *eventlog.Producer
	Limiter  *ratelimit.SubmissionLimiter
	Metrics  *obsmetrics.Metrics `optional:"true"`
	Log      *zap.Logger
}

func provideProducer(p producerParams) Producer {
	cfg := p.Pipeline.Get()
	return NewKafkaProducer(p.Producer, cfg.Topics.Submissions, cfg.Producer.Timeout, p.Limiter, BreakerConfig{
		FailureRatio: cfg.Producer.BreakerFailure,
		Delay:        cfg.Producer.BreakerDelay,
	}, p.Metrics, p.Log)
}

type consumerParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    config.Config
	Pipeline  *config.PipelineConfigHolder
	Ledger    remittancedomain.Service
	Submitter Producer
	Producer  *eventlog.Producer
	Log       *zap.Logger
}

func runConsumers(p consumerParams) error {
	if !p.Config.RunsAggregator() {
		return nil
	}

	cfg := p.Pipeline.Get()
	dlq := eventlog.NewDeadLetter(p.Producer, cfg.Topics.DLQ, consumerName)
	dispatcher := NewDispatcher(p.Ledger, p.Submitter, dlq, p.Log)
	status := NewStatusHandler(p.Ledger, dlq, p.Log)

	consumer, err := eventlog.NewConsumer(p.Config.Kafka, consumerGroup, p.Log, map[string]eventlog.Handler{
		cfg.Topics.Aggregate: dispatcher.HandleAggregate,
		cfg.Topics.Status:    status.Handle,
	})
	if err != nil {
		return err
	}

	p.Lifecycle.Append(consumerHook(consumer, p.Log.Named("billing")))
	return nil
}

type remittanceConsumer interface {
	Start(ctx context.Context) error
	Close()
}

func consumerHook(consumer remittanceConsumer, log *zap.Logger) fx.Hook {
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)
	return fx.Hook{
		OnStart: func(context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			done = make(chan struct{})
			go func() {
				defer close(done)
				if err := consumer.Start(ctx); err != nil && ctx.Err() == nil {
					log.Error("remittance consumer stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			consumer.Close()
			select {
			case <-done:
			case <-ctx.Done():
				log.Warn("remittance consumer did not stop in time", zap.Error(ctx.Err()))
			}
			return nil
		},
	}
}
