// Package telemetry wires OpenTelemetry export for the courier services.
// Everything is optional: a disabled config yields a provider whose Shutdown
// is a no-op and whose instruments record nowhere.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"

	"github.com/courierhq/courier/internal/config"
)

// Provider owns the SDK pipelines for one process.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	Metrics        *ChatMetrics
}

// NewProvider builds export pipelines against the configured OTLP collector
// and registers them globally. With telemetry disabled it still returns
// usable no-op instruments.
func NewProvider(ctx context.Context, cfg config.Telemetry) (*Provider, error) {
	p := &Provider{}

	if cfg.Enabled {
		res, err := resource.New(ctx,
			resource.WithAttributes(
				semconv.ServiceNameKey.String(serviceName(cfg)),
				semconv.DeploymentEnvironmentKey.String(cfg.Environment),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("build resource: %w", err)
		}

		p.tracerProvider, err = initTracing(ctx, res, cfg)
		if err != nil {
			return nil, fmt.Errorf("init tracing: %w", err)
		}
		otel.SetTracerProvider(p.tracerProvider)

		p.meterProvider, err = initMetrics(ctx, res, cfg)
		if err != nil {
			return nil, fmt.Errorf("init metrics: %w", err)
		}
		otel.SetMeterProvider(p.meterProvider)

		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
	}

	metrics, err := NewChatMetrics(otel.Meter("courier.chat"))
	if err != nil {
		return nil, fmt.Errorf("create instruments: %w", err)
	}
	p.Metrics = metrics
	return p, nil
}

func serviceName(cfg config.Telemetry) string {
	if cfg.ServiceName == "" {
		return "courier"
	}
	return cfg.ServiceName
}

func initTracing(ctx context.Context, res *resource.Resource, cfg config.Telemetry) (*sdktrace.TracerProvider, error) {
	exp, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.CollectorURL),
		otlptracehttp.WithURLPath("/v1/traces"),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}
	ratio := cfg.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exp,
			sdktrace.WithBatchTimeout(5*time.Second),
			sdktrace.WithMaxExportBatchSize(512),
		),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(ratio)),
	), nil
}

func initMetrics(ctx context.Context, res *resource.Resource, cfg config.Telemetry) (*sdkmetric.MeterProvider, error) {
	exp, err := otlpmetrichttp.New(ctx,
		otlpmetrichttp.WithEndpoint(cfg.CollectorURL),
		otlpmetrichttp.WithURLPath("/v1/metrics"),
		otlpmetrichttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp,
			sdkmetric.WithInterval(15*time.Second),
		)),
	), nil
}

// Shutdown flushes both pipelines.
func (p *Provider) Shutdown(ctx context.Context) error {
	var firstErr error
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
