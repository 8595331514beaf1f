package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	obsmetrics "github.com/smallbiznis/remittance/internal/observability/metrics"
	"github.com/smallbiznis/remittance/internal/observability/tracing"
	"github.com/smallbiznis/remittance/internal/ratelimit"
	remittancedomain "github.com/smallbiznis/remittance/internal/remittance/domain"
	"github.com/smallbiznis/remittance/pkg/telemetry/correlation"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var (
	ErrSubmissionTimeout = errors.New("submission_timeout")
	ErrSubmissionFailed  = errors.New("submission_failed")
	ErrRateLimited       = errors.New("submission_rate_limited")
)

// Producer hands a remittance to the billing provider. Implementations
// never retry inline: a returned error wraps ErrSubmissionTimeout or
// ErrSubmissionFailed and the caller schedules the retry.
type Producer interface {
	Submit(ctx context.Context, payload Payload) error
}

// ErrorCodeFor maps a submission error onto the ledger error code.
func ErrorCodeFor(err error) remittancedomain.ErrorCode {
	if errors.Is(err, ErrRateLimited) {
		return remittancedomain.ErrorCodeMarketplaceRateLimit
	}
	return remittancedomain.ErrorCodeUnknown
}

const (
	outcomeSucceeded   = "succeeded"
	outcomeFailed      = "failed"
	outcomeTimeout     = "timeout"
	outcomeRateLimited = "rate_limited"
	outcomeCircuitOpen = "circuit_open"
)

type publisher interface {
	Produce(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

type limiter interface {
	Allow(ctx context.Context, provider string) (*ratelimit.RateLimitResult, error)
}

type BreakerConfig struct {
	FailureRatio float64
	MinRequests  uint
	Delay        time.Duration
}

// KafkaProducer publishes submissions to the provider-facing topic.
type KafkaProducer struct {
	pub     publisher
	topic   string
	timeout time.Duration
	limiter limiter
	breaker circuitbreaker.CircuitBreaker[any]
	metrics *obsmetrics.Metrics
	log     *zap.Logger
}

func NewKafkaProducer(pub publisher, topic string, timeout time.Duration, lim limiter, breaker BreakerConfig, metrics *obsmetrics.Metrics, log *zap.Logger) *KafkaProducer {
	log = log.Named("billing.producer")
	return &KafkaProducer{
		pub:     pub,
		topic:   topic,
		timeout: timeout,
		limiter: lim,
		breaker: newBreaker(breaker, log),
		metrics: metrics,
		log:     log,
	}
}

func newBreaker(cfg BreakerConfig, log *zap.Logger) circuitbreaker.CircuitBreaker[any] {
	if cfg.MinRequests == 0 {
		cfg.MinRequests = 10
	}
	if cfg.FailureRatio <= 0 {
		cfg.FailureRatio = 0.5
	}
	if cfg.Delay <= 0 {
		cfg.Delay = 30 * time.Second
	}
	threshold := uint(float64(cfg.MinRequests) * cfg.FailureRatio)
	if threshold < 1 {
		threshold = 1
	}

	return circuitbreaker.NewBuilder[any]().
		WithFailureThresholdRatio(threshold, cfg.MinRequests).
		WithDelay(cfg.Delay).
		WithSuccessThreshold(1).
		OnStateChanged(func(event circuitbreaker.StateChangedEvent) {
			log.Warn("billing circuit breaker state change",
				zap.Any("from_state", event.OldState),
				zap.Any("to_state", event.NewState),
			)
		}).
		Build()
}

func (p *KafkaProducer) Submit(ctx context.Context, payload Payload) (err error) {
	ctx, span := tracing.Start(ctx, "billing.submit",
		attribute.String("billing_provider", payload.BillingProvider),
		attribute.String("product", payload.ProductID),
		attribute.Int("remittances", len(payload.RemittanceUUIDs)),
	)
	defer func() { tracing.End(span, err) }()

	if lim := p.limiter; lim != nil {
		res, err := lim.Allow(ctx, payload.BillingProvider)
		if err != nil {
			// the shared limiter failing must not stop billing
			p.log.Warn("submission limiter unavailable", zap.Error(err))
		} else if !res.Allowed {
			p.metrics.RecordSubmission(ctx, payload.BillingProvider, outcomeRateLimited)
			return fmt.Errorf("%w: %w: retry in %s", ErrSubmissionFailed, ErrRateLimited, res.RetryAfter)
		}
	}

	if payload.CorrelationID == "" {
		var id string
		ctx, id = correlation.EnsureCorrelationID(ctx)
		payload.CorrelationID = id
	} else {
		ctx = correlation.ContextWithCorrelationID(ctx, payload.CorrelationID)
	}

	value, err := EncodePayload(payload)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSubmissionFailed, err)
	}
	key := []byte(payload.OrgID)
	headers := map[string]string{"billing_provider": payload.BillingProvider}
	tracing.Inject(ctx, headers)

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	_, err = failsafe.With(p.breaker).WithContext(ctx).Get(func() (any, error) {
		return nil, p.pub.Produce(ctx, p.topic, key, value, headers)
	})
	if err == nil {
		p.metrics.RecordSubmission(ctx, payload.BillingProvider, outcomeSucceeded)
		return nil
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		p.metrics.RecordSubmission(context.WithoutCancel(ctx), payload.BillingProvider, outcomeTimeout)
		return fmt.Errorf("%w after %s: %w", ErrSubmissionTimeout, p.timeout, err)
	case errors.Is(err, circuitbreaker.ErrOpen):
		p.metrics.RecordSubmission(ctx, payload.BillingProvider, outcomeCircuitOpen)
		return fmt.Errorf("%w: %w", ErrSubmissionFailed, err)
	default:
		p.metrics.RecordSubmission(ctx, payload.BillingProvider, outcomeFailed)
		return fmt.Errorf("%w: %w", ErrSubmissionFailed, err)
	}
}
