package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/CodeMonkeyCybersecurity/easm/internal/config"
	"github.com/CodeMonkeyCybersecurity/easm/internal/core"
	"github.com/CodeMonkeyCybersecurity/easm/pkg/types"
)

type telemetry struct {
	tracerProvider *sdktrace.TracerProvider

	jobCounter   metric.Int64Counter
	jobDuration  metric.Float64Histogram
	assetCounter metric.Int64Counter
	portCounter  metric.Int64Counter
}

func New(ctx context.Context, cfg config.TelemetryConfig) (core.Telemetry, error) {
	if !cfg.Enabled {
		return Noop(), nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion("0.1.0"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var exporter sdktrace.SpanExporter

	switch cfg.ExporterType {
	case "otlp":
		client := otlptracehttp.NewClient(
			otlptracehttp.WithEndpoint(cfg.Endpoint),
			otlptracehttp.WithInsecure(),
		)
		exp, err := otlptrace.New(ctx, client)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		exporter = exp
	default:
		return nil, fmt.Errorf("unsupported exporter type: %s", cfg.ExporterType)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SampleRate)),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	t, err := newInstruments(otel.Meter(cfg.ServiceName))
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, err
	}
	t.tracerProvider = tp
	return t, nil
}

func newInstruments(meter metric.Meter) (*telemetry, error) {
	jobCounter, err := meter.Int64Counter("easm.jobs.total",
		metric.WithDescription("Discovery jobs finished, by type and final status"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	jobDuration, err := meter.Float64Histogram("easm.job.duration",
		metric.WithDescription("Discovery job duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	assetCounter, err := meter.Int64Counter("easm.assets.total",
		metric.WithDescription("Assets persisted, by type"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	portCounter, err := meter.Int64Counter("easm.ports.scanned",
		metric.WithDescription("Ports probed by the port scanner"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &telemetry{
		jobCounter:   jobCounter,
		jobDuration:  jobDuration,
		assetCounter: assetCounter,
		portCounter:  portCounter,
	}, nil
}

func (t *telemetry) RecordJob(ctx context.Context, jobType types.JobType, status types.JobStatus, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("job.type", string(jobType)),
		attribute.String("job.status", string(status)),
	)
	t.jobCounter.Add(ctx, 1, attrs)
	t.jobDuration.Record(ctx, duration.Seconds(), attrs)
}

func (t *telemetry) RecordAssets(ctx context.Context, assetType types.AssetType, count int) {
	if count <= 0 {
		return
	}
	t.assetCounter.Add(ctx, int64(count), metric.WithAttributes(attribute.String("asset.type", string(assetType))))
}

func (t *telemetry) RecordPortsScanned(ctx context.Context, protocol types.Protocol, count int) {
	if count <= 0 {
		return
	}
	t.portCounter.Add(ctx, int64(count), metric.WithAttributes(attribute.String("port.protocol", string(protocol))))
}

func (t *telemetry) Close() error {
	if t.tracerProvider == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return t.tracerProvider.Shutdown(ctx)
}

type noopTelemetry struct{}

// Noop returns a Telemetry that records nothing.
func Noop() core.Telemetry { return noopTelemetry{} }

func (noopTelemetry) RecordJob(context.Context, types.JobType, types.JobStatus, time.Duration) {}
func (noopTelemetry) RecordAssets(context.Context, types.AssetType, int)                       {}
func (noopTelemetry) RecordPortsScanned(context.Context, types.Protocol, int)                  {}
func (noopTelemetry) Close() error                                                             { return nil }
