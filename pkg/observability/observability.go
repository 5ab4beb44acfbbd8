// Package observability wires the ingestion authority to OpenTelemetry
// metrics; the HTTP surface records no metrics of its own. Trimmed from
// the teacher's pkg/observability/observability.go, which also carries
// distributed tracing: this service has no multi-hop call graph to trace
// (ingestion to store is one round trip), so only the metrics half of
// the teacher's provider survives here. The append-latency histogram is
// recorded only through RecordAppendLatency, which the ingestion
// authority does not call. The verifier MUST NOT import this package — it is a
// pure function per spec §4.5 and §9.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/tracelock/core/pkg/contracts"
)

// Config configures the metrics provider.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns development-friendly defaults.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "evidence-ingestd",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		Enabled:        false,
		Insecure:       true,
	}
}

// Provider exposes the ingestion authority's RED counters (batches
// accepted/rejected, drop events emitted) as an ingestion.Metrics
// implementation. It also holds an append-latency histogram, fed only
// by RecordAppendLatency, which is not part of ingestion.Metrics.
type Provider struct {
	cfg           Config
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter
	logger        *slog.Logger

	acceptedCounter metric.Int64Counter
	rejectedCounter metric.Int64Counter
	dropCounter     metric.Int64Counter
	appendLatency   metric.Float64Histogram
}

// New creates a metrics Provider. If cfg.Enabled is false, every
// recording method becomes a no-op — callers don't need to branch on
// whether telemetry is turned on.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	p := &Provider{cfg: cfg, logger: slog.Default().With("component", "observability")}
	if !cfg.Enabled {
		p.logger.InfoContext(ctx, "metrics disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: build resource: %w", err)
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("observability: build exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))),
	)
	p.meter = p.meterProvider.Meter("tracelock.evidence-core", metric.WithInstrumentationVersion(cfg.ServiceVersion))

	if err := p.initCounters(); err != nil {
		return nil, fmt.Errorf("observability: init counters: %w", err)
	}
	return p, nil
}

func (p *Provider) initCounters() error {
	var err error
	p.acceptedCounter, err = p.meter.Int64Counter("evidence.batches.accepted",
		metric.WithDescription("append_batch calls accepted"), metric.WithUnit("{batch}"))
	if err != nil {
		return err
	}
	p.rejectedCounter, err = p.meter.Int64Counter("evidence.batches.rejected",
		metric.WithDescription("append_batch calls rejected, by error code"), metric.WithUnit("{batch}"))
	if err != nil {
		return err
	}
	p.dropCounter, err = p.meter.Int64Counter("evidence.drops.total",
		metric.WithDescription("forensic LOG_DROP events committed"), metric.WithUnit("{event}"))
	if err != nil {
		return err
	}
	p.appendLatency, err = p.meter.Float64Histogram("evidence.append.duration",
		metric.WithDescription("append_batch wall-clock latency"), metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5))
	return err
}

// Shutdown flushes and stops the metric provider. Safe to call on a
// disabled Provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.meterProvider == nil {
		return nil
	}
	return p.meterProvider.Shutdown(ctx)
}

// RecordAccepted implements ingestion.Metrics.
func (p *Provider) RecordAccepted(sessionID string, sealed bool) {
	if p.acceptedCounter == nil {
		return
	}
	p.acceptedCounter.Add(context.Background(), 1)
}

// RecordRejected implements ingestion.Metrics.
func (p *Provider) RecordRejected(sessionID string, code contracts.Code) {
	if p.rejectedCounter == nil {
		return
	}
	p.rejectedCounter.Add(context.Background(), 1, metric.WithAttributes(attributeErrorCode(code)))
}

// RecordDrop implements ingestion.Metrics.
func (p *Provider) RecordDrop(sessionID string, reason string) {
	if p.dropCounter == nil {
		return
	}
	p.dropCounter.Add(context.Background(), 1)
}

func attributeErrorCode(code contracts.Code) attribute.KeyValue {
	return attribute.String("error_code", string(code))
}

// RecordAppendLatency records one append_batch call's duration.
func (p *Provider) RecordAppendLatency(d time.Duration) {
	if p.appendLatency == nil {
		return
	}
	p.appendLatency.Record(context.Background(), d.Seconds())
}
