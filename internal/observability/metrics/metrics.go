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

// Metrics exposes application-level instruments for the payment pipeline.
type Metrics struct {
	webhooksReceived   metric.Int64Counter
	paymentTransitions metric.Int64Counter
	providerRetries    metric.Int64Counter
	subscriptionSweeps metric.Int64Counter
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
				shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				defer cancel()
				return provider.Shutdown(shutdownCtx)
			},
		})
	}

	return provider, nil
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	switch strings.ToLower(strings.TrimSpace(protocol)) {
	case "", "grpc":
		return otlpmetricgrpc.New(context.Background(),
			otlpmetricgrpc.WithEndpoint(endpoint),
			otlpmetricgrpc.WithInsecure(),
		)
	case "http", "http/protobuf":
		return otlpmetrichttp.New(context.Background(),
			otlpmetrichttp.WithEndpoint(endpoint),
			otlpmetrichttp.WithInsecure(),
		)
	default:
		return nil, fmt.Errorf("unsupported otlp protocol %q", protocol)
	}
}

// New builds the application instrument set.
func New(provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter("luna/payments")

	webhooksReceived, err := meter.Int64Counter("payment_webhooks_received_total",
		metric.WithDescription("Webhook notifications received, by provider and outcome."))
	if err != nil {
		return nil, err
	}
	paymentTransitions, err := meter.Int64Counter("payment_transitions_total",
		metric.WithDescription("Payment state transitions applied by the reconciliation engine."))
	if err != nil {
		return nil, err
	}
	providerRetries, err := meter.Int64Counter("provider_fetch_retries_total",
		metric.WithDescription("Transient provider API failures that triggered a retry."))
	if err != nil {
		return nil, err
	}
	subscriptionSweeps, err := meter.Int64Counter("subscription_expiries_total",
		metric.WithDescription("Subscriptions expired by the sweep worker."))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		webhooksReceived:   webhooksReceived,
		paymentTransitions: paymentTransitions,
		providerRetries:    providerRetries,
		subscriptionSweeps: subscriptionSweeps,
	}, nil
}

func (m *Metrics) RecordWebhookReceived(ctx context.Context, provider, outcome string) {
	if m == nil || m.webhooksReceived == nil {
		return
	}
	m.webhooksReceived.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) RecordPaymentTransition(ctx context.Context, provider, from, to string) {
	if m == nil || m.paymentTransitions == nil {
		return
	}
	m.paymentTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

func (m *Metrics) RecordProviderRetry(ctx context.Context, provider string) {
	if m == nil || m.providerRetries == nil {
		return
	}
	m.providerRetries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
	))
}

func (m *Metrics) RecordSubscriptionExpired(ctx context.Context) {
	if m == nil || m.subscriptionSweeps == nil {
		return
	}
	m.subscriptionSweeps.Add(ctx, 1)
}
