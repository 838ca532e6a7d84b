// Package observability wires the OpenTelemetry tracer provider.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// TracingConfig controls span export.
type TracingConfig struct {
	Endpoint    string  // OTLP/HTTP endpoint URL. Empty disables export.
	ServiceName string  // Default "sync-server".
	SampleRatio float64 // Fraction of root spans sampled. Default 1.
}

// TracingConfigFromEnv loads config from environment variables.
// OTEL_EXPORTER_OTLP_ENDPOINT, OTEL_SERVICE_NAME, SYNC_TRACE_SAMPLE_RATIO
func TracingConfigFromEnv() *TracingConfig {
	cfg := &TracingConfig{
		Endpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ServiceName: "sync-server",
		SampleRatio: 1,
	}
	if v := os.Getenv("OTEL_SERVICE_NAME"); v != "" {
		cfg.ServiceName = v
	}
	if v := os.Getenv("SYNC_TRACE_SAMPLE_RATIO"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			cfg.SampleRatio = f
		}
	}
	return cfg
}

// ShutdownFunc flushes and stops the tracer provider.
type ShutdownFunc func(context.Context) error

// SetupTracing installs a global tracer provider exporting over OTLP/HTTP.
// With no endpoint the global no-op provider is left in place.
func SetupTracing(ctx context.Context, cfg *TracingConfig, log *slog.Logger) (ShutdownFunc, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg == nil || cfg.Endpoint == "" {
		log.Info("tracing export disabled")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(cfg.Endpoint))
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", cfg.ServiceName))),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)
	otel.SetTracerProvider(tp)
	log.Info("tracing export enabled", "endpoint", cfg.Endpoint, "service", cfg.ServiceName, "sampleRatio", cfg.SampleRatio)
	return tp.Shutdown, nil
}
