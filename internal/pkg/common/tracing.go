package common

import (
	"context"
	"fmt"

	"github.com/samber/do/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// TracingService installs a global OTLP tracer provider when an endpoint is
// configured. Without one, spans go to the default no-op provider.
type TracingService struct {
	provider *sdktrace.TracerProvider
}

func NewTracingService(i do.Injector) (*TracingService, error) {
	endpoint := do.MustInvokeNamed[string](i, "otel-endpoint")

	if len(endpoint) == 0 {
		return &TracingService{}, nil
	}

	ctx := context.Background()

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
	if err != nil {
		return nil, fmt.Errorf("failed to create otlp exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName("wager")))
	if err != nil {
		return nil, fmt.Errorf("failed to create tracing resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return &TracingService{
		provider: tp,
	}, nil
}

func (s *TracingService) Enabled() bool {
	return s.provider != nil
}

func (s *TracingService) Shutdown(ctx context.Context) error {
	if s.provider == nil {
		return nil
	}

	err := s.provider.Shutdown(ctx)
	if err != nil {
		return fmt.Errorf("failed to shutdown tracer provider: %w", err)
	}

	return nil
}
