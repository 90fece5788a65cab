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

// Metrics exposes the engine's domain instruments.
type Metrics struct {
	entitlementChecks metric.Int64Counter
	usageRecords      metric.Int64Counter
	usageQuantity     metric.Int64Counter
	provisions        metric.Int64Counter
	rateLimitDenied   metric.Int64Counter
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

// New creates the domain instruments on the given provider.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "entitlements"
	}
	meter := provider.Meter(name)

	entitlementChecks, err := meter.Int64Counter("entitlement_checks_total")
	if err != nil {
		return nil, err
	}
	usageRecords, err := meter.Int64Counter("usage_records_total")
	if err != nil {
		return nil, err
	}
	usageQuantity, err := meter.Int64Counter("usage_recorded_quantity_total")
	if err != nil {
		return nil, err
	}
	provisions, err := meter.Int64Counter("subscription_provisions_total")
	if err != nil {
		return nil, err
	}
	rateLimitDenied, err := meter.Int64Counter("rate_limit_denied_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		entitlementChecks: entitlementChecks,
		usageRecords:      usageRecords,
		usageQuantity:     usageQuantity,
		provisions:        provisions,
		rateLimitDenied:   rateLimitDenied,
	}, nil
}

func (m *Metrics) RecordEntitlementCheck(ctx context.Context, usageType, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("usage_type", strings.TrimSpace(usageType)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.entitlementChecks.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordUsage counts one record call; quantity is only added for fresh events.
func (m *Metrics) RecordUsage(ctx context.Context, usageType, status string, quantity int64) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("usage_type", strings.TrimSpace(usageType)),
		attribute.String("status", strings.TrimSpace(status)),
	)
	m.usageRecords.Add(ctx, 1, metric.WithAttributes(attrs...))
	if quantity > 0 {
		m.usageQuantity.Add(ctx, quantity, metric.WithAttributes(attrs...))
	}
}

func (m *Metrics) RecordProvision(ctx context.Context, planCode, status string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("plan_code", strings.TrimSpace(planCode)),
		attribute.String("status", strings.TrimSpace(status)),
	)
	m.provisions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordRateLimitDenied(ctx context.Context, endpoint string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("endpoint", strings.TrimSpace(endpoint)))
	m.rateLimitDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	switch strings.ToLower(strings.TrimSpace(protocol)) {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithInsecure()}
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

// Tenant IDs are deliberately absent: one series per tenant would not scale.
var allowedLabelKeys = map[attribute.Key]struct{}{
	"usage_type":  {},
	"reason":      {},
	"status":      {},
	"plan_code":   {},
	"endpoint":    {},
	"status_code": {},
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
