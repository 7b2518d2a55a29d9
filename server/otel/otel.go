// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/absmach/minimq/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	defaultServiceName = "minimq"
	defaultEndpoint    = "localhost:4317"
	exportTimeout      = 30 * time.Second
	metricInterval     = 10 * time.Second
)

// Provider owns the SDK providers registered as the OpenTelemetry globals.
type Provider struct {
	tp *trace.TracerProvider // nil when tracing is disabled
	mp *metric.MeterProvider
}

// InitProvider creates OTLP exporters for cfg.OtelEndpoint and registers the
// providers globally. Metrics are always exported; traces only when enabled.
// Shutdown must be called on exit to flush what is buffered.
func InitProvider(cfg config.ServerConfig, instanceID string) (*Provider, error) {
	ctx := context.Background()

	res, err := newResource(ctx, cfg, instanceID)
	if err != nil {
		return nil, err
	}

	endpoint := cfg.OtelEndpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}

	metricExp, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithInsecure(),
		otlpmetricgrpc.WithTimeout(exportTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}
	reader := metric.NewPeriodicReader(metricExp, metric.WithInterval(metricInterval))

	var spans trace.SpanExporter
	if cfg.OtelTracesEnabled {
		spans, err = otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithInsecure(), // TODO: Add TLS support via config
			otlptracegrpc.WithTimeout(exportTimeout),
		)
		if err != nil {
			_ = reader.Shutdown(ctx)
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
	}

	p := newProvider(res, reader, spans, cfg.OtelTraceSampleRate)
	p.register()
	return p, nil
}

func newResource(ctx context.Context, cfg config.ServerConfig, instanceID string) (*resource.Resource, error) {
	name := cfg.OtelServiceName
	if name == "" {
		name = defaultServiceName
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(name),
			semconv.ServiceVersionKey.String(cfg.OtelServiceVersion),
			semconv.ServiceInstanceIDKey.String(instanceID),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}

// newProvider wires the SDK providers. A nil span exporter disables tracing.
func newProvider(res *resource.Resource, reader metric.Reader, spans trace.SpanExporter, sampleRate float64) *Provider {
	p := &Provider{
		mp: metric.NewMeterProvider(
			metric.WithResource(res),
			metric.WithReader(reader),
		),
	}
	if spans != nil {
		p.tp = trace.NewTracerProvider(
			trace.WithResource(res),
			trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(sampleRate))),
			trace.WithBatcher(spans,
				trace.WithMaxExportBatchSize(512),
				trace.WithBatchTimeout(5*time.Second),
			),
		)
	}
	return p
}

func (p *Provider) register() {
	otel.SetMeterProvider(p.mp)
	if p.tp != nil {
		otel.SetTracerProvider(p.tp)
		return
	}
	otel.SetTracerProvider(tracenoop.NewTracerProvider())
}

// Tracing reports whether spans are exported.
func (p *Provider) Tracing() bool {
	return p.tp != nil
}

// ForceFlush exports everything buffered so far.
func (p *Provider) ForceFlush(ctx context.Context) error {
	var errs []error
	if p.tp != nil {
		errs = append(errs, p.tp.ForceFlush(ctx))
	}
	errs = append(errs, p.mp.ForceFlush(ctx))
	return errors.Join(errs...)
}

// Shutdown flushes and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if p.tp != nil {
		errs = append(errs, p.tp.Shutdown(ctx))
	}
	errs = append(errs, p.mp.Shutdown(ctx))
	return errors.Join(errs...)
}
