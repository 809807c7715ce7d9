// Package telemetry provides OpenTelemetry integration: TracerProvider
// construction, propagation setup and environment-driven exporter
// selection.
package telemetry

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/contrib/propagators/aws/xray"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/asaplabs/asap-go/logger"
)

const (
	// InstrumentationName is the OTel instrumentation scope name.
	InstrumentationName = "github.com/asaplabs/asap-go"

	// InstrumentationVersion is the OTel instrumentation scope version.
	InstrumentationVersion = "1.0.0"
)

// Environment variables selecting the trace exporter.
const (
	EnvTracesExporter = "OTEL_TRACES_EXPORTER"
	EnvOTLPEndpoint   = "OTEL_EXPORTER_OTLP_ENDPOINT"
)

// Tracer returns a named tracer from the given TracerProvider.
// If tp is nil the global provider is used.
func Tracer(tp trace.TracerProvider) trace.Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return tp.Tracer(InstrumentationName, trace.WithInstrumentationVersion(InstrumentationVersion))
}

// NewTracerProvider creates a TracerProvider that exports spans via OTLP/HTTP.
// The caller is responsible for calling Shutdown on the returned provider.
func NewTracerProvider(ctx context.Context, endpoint, serviceName string) (*sdktrace.TracerProvider, error) {
	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
	if err != nil {
		return nil, err
	}
	return providerFor(exporter, serviceName)
}

// NewConsoleTracerProvider creates a TracerProvider that writes spans to
// stdout. Intended for local development.
func NewConsoleTracerProvider(serviceName string) (*sdktrace.TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	return providerFor(exporter, serviceName)
}

func providerFor(exporter sdktrace.SpanExporter, serviceName string) (*sdktrace.TracerProvider, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			attribute.String("service.name", serviceName),
		),
	)
	if err != nil {
		return nil, err
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), nil
}

// SetupFromEnv builds a TracerProvider according to OTEL_TRACES_EXPORTER:
// "none" or unset disables tracing (nil provider, no error), "console"
// writes spans to stdout, "otlp" exports via OTLP/HTTP and requires
// OTEL_EXPORTER_OTLP_ENDPOINT — when the endpoint is missing the exporter
// is skipped with a warning rather than failing startup. The returned
// provider, when non-nil, is installed as the global provider.
func SetupFromEnv(ctx context.Context, serviceName string) (*sdktrace.TracerProvider, error) {
	SetupPropagation()

	var tp *sdktrace.TracerProvider
	var err error
	switch exporter := os.Getenv(EnvTracesExporter); exporter {
	case "", "none":
		return nil, nil
	case "console":
		tp, err = NewConsoleTracerProvider(serviceName)
	case "otlp":
		endpoint := os.Getenv(EnvOTLPEndpoint)
		if endpoint == "" {
			logger.Warn("otlp exporter requested without endpoint, tracing disabled",
				"env", EnvOTLPEndpoint)
			return nil, nil
		}
		tp, err = NewTracerProvider(ctx, endpoint, serviceName)
	default:
		return nil, fmt.Errorf("telemetry: unknown %s value %q (want none, otlp or console)",
			EnvTracesExporter, exporter)
	}
	if err != nil {
		return nil, err
	}
	otel.SetTracerProvider(tp)
	return tp, nil
}

// SetupPropagation configures the global OTel text-map propagator to handle
// W3C TraceContext, W3C Baggage, and AWS X-Ray trace headers.
func SetupPropagation() {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
		xray.Propagator{},
	))
}
