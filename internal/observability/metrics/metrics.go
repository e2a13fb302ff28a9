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

// Metrics exposes ledger-level instruments.
type Metrics struct {
	ledgerTransactions metric.Int64Counter
	ledgerAmount       metric.Int64Counter
	insufficientFunds  metric.Int64Counter
	optimisticRetries  metric.Int64Counter
	usageRecords       metric.Int64Counter
	usageSettled       metric.Int64Counter
	subscriptionEvents metric.Int64Counter
	invariantFailures  metric.Int64Counter
	rateLimitAllowed   metric.Int64Counter
	rateLimitDenied    metric.Int64Counter
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

// New configures the ledger instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "walletledger"
	}
	meter := provider.Meter(name)

	ledgerTransactions, err := meter.Int64Counter("walletledger_transactions_total")
	if err != nil {
		return nil, err
	}
	ledgerAmount, err := meter.Int64Counter("walletledger_transaction_amount_minor_total")
	if err != nil {
		return nil, err
	}
	insufficientFunds, err := meter.Int64Counter("walletledger_insufficient_funds_total")
	if err != nil {
		return nil, err
	}
	optimisticRetries, err := meter.Int64Counter("walletledger_optimistic_retries_total")
	if err != nil {
		return nil, err
	}
	usageRecords, err := meter.Int64Counter("walletledger_usage_records_total")
	if err != nil {
		return nil, err
	}
	usageSettled, err := meter.Int64Counter("walletledger_usage_settled_total")
	if err != nil {
		return nil, err
	}
	subscriptionEvents, err := meter.Int64Counter("walletledger_subscription_events_total")
	if err != nil {
		return nil, err
	}

	invariantFailures, err := meter.Int64Counter("walletledger_invariant_violations_total")
	if err != nil {
		return nil, err
	}
	rateLimitAllowed, err := meter.Int64Counter("walletledger_rate_limit_allowed_total")
	if err != nil {
		return nil, err
	}
	rateLimitDenied, err := meter.Int64Counter("walletledger_rate_limit_denied_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		invariantFailures:  invariantFailures,
		ledgerTransactions: ledgerTransactions,
		ledgerAmount:       ledgerAmount,
		insufficientFunds:  insufficientFunds,
		optimisticRetries:  optimisticRetries,
		usageRecords:       usageRecords,
		usageSettled:       usageSettled,
		subscriptionEvents: subscriptionEvents,
		rateLimitAllowed:   rateLimitAllowed,
		rateLimitDenied:    rateLimitDenied,
	}, nil
}

// NewNoop returns instruments bound to a no-op provider.
func NewNoop() *Metrics {
	m, _ := New(Config{}, noop.NewMeterProvider())
	return m
}

// RecordLedgerTransaction counts an appended ledger entry and its absolute amount.
func (m *Metrics) RecordLedgerTransaction(ctx context.Context, txType, currency string, amount int64) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("transaction_type", strings.TrimSpace(txType)),
		attribute.String("currency", strings.TrimSpace(currency)),
	)
	m.ledgerTransactions.Add(ctx, 1, metric.WithAttributes(attrs...))
	if amount < 0 {
		amount = -amount
	}
	m.ledgerAmount.Add(ctx, amount, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordInsufficientFunds(ctx context.Context, sourceType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("source_type", strings.TrimSpace(sourceType)))
	m.insufficientFunds.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordOptimisticRetry(ctx context.Context, operation string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("operation", strings.TrimSpace(operation)))
	m.optimisticRetries.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordUsage(ctx context.Context, feature string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("feature", strings.TrimSpace(feature)))
	m.usageRecords.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordUsageSettled(ctx context.Context, records int) {
	if m == nil || records <= 0 {
		return
	}
	m.usageSettled.Add(ctx, int64(records))
}

func (m *Metrics) RecordSubscriptionEvent(ctx context.Context, kind, event string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("subscription_kind", strings.TrimSpace(kind)),
		attribute.String("event_type", strings.TrimSpace(event)),
	)
	m.subscriptionEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordRateLimitAllowed(ctx context.Context, endpoint string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("endpoint", strings.TrimSpace(endpoint)))
	m.rateLimitAllowed.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordRateLimitDenied(ctx context.Context, endpoint, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("endpoint", strings.TrimSpace(endpoint)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.rateLimitDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordInvariantViolation counts wallets whose stored counters disagree
// with their history.
func (m *Metrics) RecordInvariantViolation(ctx context.Context) {
	if m == nil {
		return
	}
	m.invariantFailures.Add(ctx, 1)
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
	"transaction_type":  {},
	"currency":          {},
	"source_type":       {},
	"operation":         {},
	"feature":           {},
	"subscription_kind": {},
	"event_type":        {},
	"status_code":       {},
	"route":             {},
	"endpoint":          {},
	"reason":            {},
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
