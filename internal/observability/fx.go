package observability

import (
	"github.com/forgeapp/meterd/internal/config"
	"github.com/forgeapp/meterd/internal/observability/metrics"
	"go.uber.org/fx"
)

func newMetricsConfig(cfg config.Config) metrics.Config {
	return metrics.Config{
		Enabled:          cfg.MetricsEnabled,
		ExporterEndpoint: cfg.OTLPEndpoint,
		ExporterProtocol: cfg.MetricsProto,
		ServiceName:      cfg.AppName,
	}
}

// Module wires the otel meter provider and the application instruments.
var Module = fx.Module("observability",
	fx.Provide(newMetricsConfig),
	fx.Provide(metrics.NewProvider),
	fx.Provide(metrics.New),
)
