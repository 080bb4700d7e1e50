// Package metrics exposes application-level OpenTelemetry instruments for
// the ledger and quota engines. When metrics are disabled the noop
// provider keeps every call site unconditional.
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
}

// Metrics exposes application-level instruments.
type Metrics struct {
	consumeAllowed metric.Int64Counter
	consumeDenied  metric.Int64Counter
	creditsApplied metric.Int64Counter
	quotaAllowed   metric.Int64Counter
	quotaDenied    metric.Int64Counter
	rateLimited    metric.Int64Counter
	rowsPruned     metric.Int64Counter
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
				return provider.Shutdown(ctx)
			},
		})
	}

	log.Info("metrics initialized",
		zap.String("endpoint", cfg.ExporterEndpoint),
		zap.String("protocol", cfg.ExporterProtocol),
	)
	return provider, nil
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	switch strings.ToLower(strings.TrimSpace(protocol)) {
	case "", "grpc":
		return otlpmetricgrpc.New(context.Background(),
			otlpmetricgrpc.WithEndpoint(endpoint),
			otlpmetricgrpc.WithInsecure(),
		)
	case "http":
		return otlpmetrichttp.New(context.Background(),
			otlpmetrichttp.WithEndpoint(endpoint),
			otlpmetrichttp.WithInsecure(),
		)
	default:
		return nil, fmt.Errorf("unsupported metrics protocol %q", protocol)
	}
}

// New builds the instrument set from a provider.
func New(provider metric.MeterProvider, cfg Config) (*Metrics, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "meterd"
	}
	meter := provider.Meter(name)

	m := &Metrics{}
	var err error
	if m.consumeAllowed, err = meter.Int64Counter("ledger_consume_allowed_total"); err != nil {
		return nil, err
	}
	if m.consumeDenied, err = meter.Int64Counter("ledger_consume_denied_total"); err != nil {
		return nil, err
	}
	if m.creditsApplied, err = meter.Int64Counter("ledger_credits_total"); err != nil {
		return nil, err
	}
	if m.quotaAllowed, err = meter.Int64Counter("quota_consume_allowed_total"); err != nil {
		return nil, err
	}
	if m.quotaDenied, err = meter.Int64Counter("quota_consume_denied_total"); err != nil {
		return nil, err
	}
	if m.rateLimited, err = meter.Int64Counter("quota_rate_limited_total"); err != nil {
		return nil, err
	}
	if m.rowsPruned, err = meter.Int64Counter("retention_rows_pruned_total"); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) RecordConsume(ctx context.Context, operationType string, allowed bool, reason string) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("operation", operationType))
	if allowed {
		m.consumeAllowed.Add(ctx, 1, attrs)
		return
	}
	m.consumeDenied.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operationType),
		attribute.String("reason", reason),
	))
}

func (m *Metrics) RecordCredit(ctx context.Context, sourceType string) {
	if m == nil {
		return
	}
	m.creditsApplied.Add(ctx, 1, metric.WithAttributes(attribute.String("source", sourceType)))
}

func (m *Metrics) RecordQuota(ctx context.Context, metricName string, allowed bool, reason string) {
	if m == nil {
		return
	}
	if allowed {
		m.quotaAllowed.Add(ctx, 1, metric.WithAttributes(attribute.String("metric", metricName)))
		return
	}
	m.quotaDenied.Add(ctx, 1, metric.WithAttributes(
		attribute.String("metric", metricName),
		attribute.String("reason", reason),
	))
}

func (m *Metrics) RecordRateLimited(ctx context.Context, identifierType string) {
	if m == nil {
		return
	}
	m.rateLimited.Add(ctx, 1, metric.WithAttributes(attribute.String("identifier_type", identifierType)))
}

func (m *Metrics) RecordPruned(ctx context.Context, table string, rows int64) {
	if m == nil || rows == 0 {
		return
	}
	m.rowsPruned.Add(ctx, rows, metric.WithAttributes(attribute.String("table", table)))
}
