package monitor

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Observability bundles the tracer and the counters the monitor emits.
// All Mark helpers are nil-safe so instrumentation stays optional.
type Observability struct {
	Tracer oteltrace.Tracer
	Meter  metric.Meter

	traceProvider  *sdktrace.TracerProvider
	Checks         metric.Int64Counter
	Hallucinations metric.Int64Counter
	Alerts         metric.Int64Counter
	DeceptionScore metric.Float64Histogram
}

func SetupObservability(ctx context.Context, cfg ObservabilityConfig) (*Observability, error) {
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "reportguard"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}
	sampler := sdktrace.TraceIDRatioBased(cfg.SampleRatio)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	if cfg.OTLPEndpoint != "" {
		exporter, exportErr := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if exportErr != nil {
			return nil, fmt.Errorf("create otlp trace exporter: %w", exportErr)
		}
		tp = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sampler),
		)
	} else {
		slog.Info("otel trace exporter not configured; using local tracer provider")
	}
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	meter := otel.Meter(serviceName)
	tracer := otel.Tracer(serviceName)
	checks, _ := meter.Int64Counter("reportguard_checks_total")
	hallucinations, _ := meter.Int64Counter("reportguard_hallucinations_total")
	alerts, _ := meter.Int64Counter("reportguard_alerts_total")
	deceptionScore, _ := meter.Float64Histogram("reportguard_deception_score")
	return &Observability{
		Tracer:         tracer,
		Meter:          meter,
		traceProvider:  tp,
		Checks:         checks,
		Hallucinations: hallucinations,
		Alerts:         alerts,
		DeceptionScore: deceptionScore,
	}, nil
}

func (o *Observability) Shutdown(ctx context.Context) error {
	if o == nil || o.traceProvider == nil {
		return nil
	}
	return o.traceProvider.Shutdown(ctx)
}

func (o *Observability) MarkCheck(ctx context.Context, project string) {
	if o == nil {
		return
	}
	o.Checks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("project", project),
	))
}

func (o *Observability) MarkHallucination(ctx context.Context, project string) {
	if o == nil {
		return
	}
	o.Hallucinations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("project", project),
	))
}

func (o *Observability) MarkAlert(ctx context.Context, project string) {
	if o == nil {
		return
	}
	o.Alerts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("project", project),
	))
}

func (o *Observability) MarkDeceptionScore(ctx context.Context, project string, score float64) {
	if o == nil {
		return
	}
	o.DeceptionScore.Record(ctx, score, metric.WithAttributes(
		attribute.String("project", project),
	))
}
