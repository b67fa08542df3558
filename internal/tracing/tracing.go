// Package tracing sets up the OpenTelemetry tracer provider for the processor
package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// TracingConfig holds configuration for tracing setup
type TracingConfig struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // host:port only, the exporter adds the path
	Protocol       string // "http" (default) or "grpc"
	SampleRatio    float64
}

// DefaultConfig returns a default tracing configuration
func DefaultConfig(serviceName string) TracingConfig {
	return TracingConfig{
		ServiceName:    serviceName,
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "127.0.0.1:4318",
		SampleRatio:    1.0,
	}
}

// Shutdown flushes and stops a tracer provider
type Shutdown func(context.Context) error

// SetupTracing builds a tracer provider exporting over OTLP/HTTP. When tracing is
// disabled it returns a no-op provider so callers never branch on it. The
// provider is returned for injection; only the W3C propagator is set globally.
func SetupTracing(ctx context.Context, config TracingConfig, logger *zap.Logger) (trace.TracerProvider, Shutdown, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !config.Enabled {
		logger.Debug("Tracing disabled")
		return noop.NewTracerProvider(), func(context.Context) error { return nil }, nil
	}

	logger.Info("Setting up tracing",
		zap.String("service_name", config.ServiceName),
		zap.String("otlp_endpoint", config.OTLPEndpoint),
		zap.String("protocol", config.Protocol),
		zap.String("environment", config.Environment))

	exporter, err := newExporter(ctx, config)
	if err != nil {
		logger.Error("Failed to create OTLP exporter", zap.Error(err))
		return nil, nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		logger.Error("Failed to create resource", zap.Error(err))
		return nil, nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(config.SampleRatio))),
	)

	otel.SetTextMapPropagator(propagation.TraceContext{})

	logger.Info("Tracing setup completed successfully")
	return tp, tp.Shutdown, nil
}

func newExporter(ctx context.Context, config TracingConfig) (sdktrace.SpanExporter, error) {
	switch config.Protocol {
	case "", "http":
		return otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(config.OTLPEndpoint),
			otlptracehttp.WithInsecure(),
		)
	case "grpc":
		return otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(config.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
			otlptracegrpc.WithDialOption(grpc.WithUserAgent(config.ServiceName+"/"+config.ServiceVersion)),
		)
	}
	return nil, fmt.Errorf("unsupported OTLP protocol %q", config.Protocol)
}

// ShutdownTracing gracefully shuts down the tracing provider
func ShutdownTracing(shutdown Shutdown, logger *zap.Logger) error {
	if shutdown == nil {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := shutdown(ctx)
	if err != nil {
		logger.Error("Failed to shutdown tracing", zap.Error(err))
	} else {
		logger.Info("Tracing shutdown completed successfully")
	}
	return err
}
