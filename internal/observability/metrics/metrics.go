package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes pipeline instruments.
type Metrics struct {
	usageAggregated     metric.Int64Counter
	aggregatesEmitted   metric.Int64Counter
	lateRecordsDropped  metric.Int64Counter
	remittancesRecorded metric.Int64Counter
	submissions         metric.Int64Counter
	retriesScheduled    metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the pipeline instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "remittance"
	}
	meter := provider.Meter(name)

	var (
		m   Metrics
		err error
	)
	counters := []struct {
		name string
		dst  *metric.Int64Counter
	}{
		{"usage_total_aggregated", &m.usageAggregated},
		{"billable_usage_aggregates_emitted_total", &m.aggregatesEmitted},
		{"billable_usage_late_records_dropped_total", &m.lateRecordsDropped},
		{"billable_usage_remittances_recorded_total", &m.remittancesRecorded},
		{"billable_usage_submissions_total", &m.submissions},
		{"billable_usage_retries_scheduled_total", &m.retriesScheduled},
	}
	for _, c := range counters {
		if *c.dst, err = meter.Int64Counter(c.name); err != nil {
			return nil, err
		}
	}
	return &m, nil
}

// RecordUsageAggregated counts raw usage records folded into a window.
func (m *Metrics) RecordUsageAggregated(ctx context.Context, productID, metricID, billingProvider string) {
	if m == nil {
		return
	}
	m.usageAggregated.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("product", productID),
		attribute.String("metric_id", metricID),
		attribute.String("billing_provider", billingProvider),
	)...))
}

func (m *Metrics) RecordAggregateEmitted(ctx context.Context, productID string) {
	if m == nil {
		return
	}
	m.aggregatesEmitted.Add(ctx, 1, metric.WithAttributes(FilterAttributes(attribute.String("product", productID))...))
}

func (m *Metrics) RecordLateRecordDropped(ctx context.Context, productID string) {
	if m == nil {
		return
	}
	m.lateRecordsDropped.Add(ctx, 1, metric.WithAttributes(FilterAttributes(attribute.String("product", productID))...))
}

func (m *Metrics) RecordRemittance(ctx context.Context, productID, billingProvider, status string) {
	if m == nil {
		return
	}
	m.remittancesRecorded.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("product", productID),
		attribute.String("billing_provider", billingProvider),
		attribute.String("status", status),
	)...))
}

// RecordSubmission counts billing submissions by outcome (succeeded, failed, timeout, rate_limited, circuit_open).
func (m *Metrics) RecordSubmission(ctx context.Context, billingProvider, outcome string) {
	if m == nil {
		return
	}
	m.submissions.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("billing_provider", billingProvider),
		attribute.String("outcome", outcome),
	)...))
}

func (m *Metrics) RecordRetryScheduled(ctx context.Context, errorCode string) {
	if m == nil {
		return
	}
	m.retriesScheduled.Add(ctx, 1, metric.WithAttributes(FilterAttributes(attribute.String("error_code", errorCode))...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"product":          {},
	"metric_id":        {},
	"billing_provider": {},
	"status":           {},
	"outcome":          {},
	"error_code":       {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
