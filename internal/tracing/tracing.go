package tracing

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const InstrumentationName = "github.com/transfa/bonus-service"

// Provider wraps the SDK tracer provider so main can flush it on exit.
type Provider struct {
	tp     *sdktrace.TracerProvider
	logger *slog.Logger
}

// Init installs a global tracer provider exporting over OTLP/HTTP. An empty endpoint
// leaves the global no-op provider in place.
func Init(ctx context.Context, serviceName, endpoint string, logger *slog.Logger) (*Provider, error) {
	if endpoint == "" {
		logger.Info("tracing disabled", "reason", "OTEL_EXPORTER_OTLP_ENDPOINT not set")
		return &Provider{logger: logger}, nil
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	logger.Info("OpenTelemetry tracing initialized", "endpoint", endpoint)
	return &Provider{tp: tp, logger: logger}, nil
}

// Tracer returns the service tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

func (p *Provider) Shutdown(ctx context.Context) {
	if p == nil || p.tp == nil {
		return
	}
	if err := p.tp.Shutdown(ctx); err != nil {
		p.logger.Error("tracer shutdown failed", "error", err)
		return
	}
	p.logger.Info("tracer shutdown complete")
}
