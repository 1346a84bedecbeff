package telemetry

import (
	"context"
	"fmt"
	"net/http"

	"github.com/getsentry/sentry-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

type config struct {
	baseSampler tracesdk.Sampler
}

// TelemetryOption configures SetupTelemetry.
type TelemetryOption func(*config) error

// WithBaseSampler overrides the default sampling decision for spans with no
// sampled parent.
func WithBaseSampler(baseSampler tracesdk.Sampler) TelemetryOption {
	return func(c *config) error {
		c.baseSampler = baseSampler
		return nil
	}
}

// SetupTelemetry configures the OpenTelemetry SDK for the spool server: an
// OTLP/HTTP exporter (endpoint and headers read from the standard
// OTEL_EXPORTER_OTLP_* environment variables) and a ParentBased sampler, so
// a request already being traced upstream continues to be, without the
// service generating its own root spans by default.
func SetupTelemetry(ctx context.Context, opts ...TelemetryOption) (func(context.Context), error) {
	c := config{
		baseSampler: tracesdk.NeverSample(),
	}
	for _, opt := range opts {
		if err := opt(&c); err != nil {
			return nil, err
		}
	}

	// sentry.Init reads SENTRY_DSN from the environment when Dsn is left
	// empty; with no DSN configured it installs a no-op transport, so this
	// is always safe to call.
	if err := sentry.Init(sentry.ClientOptions{}); err != nil {
		return nil, fmt.Errorf("telemetry: initializing sentry: %w", err)
	}

	exp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("telemetry: creating otlp exporter: %w", err)
	}

	resource, err := sdkresource.Merge(sdkresource.Default(), sdkresource.NewSchemaless(
		semconv.ServiceName("twine-spool-service"),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry: building resource: %w", err)
	}

	prop := propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
	otel.SetTextMapPropagator(prop)

	tp := tracesdk.NewTracerProvider(
		tracesdk.WithSampler(tracesdk.ParentBased(c.baseSampler)),
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(resource),
	)
	otel.SetTracerProvider(tp)

	shutdownFunc := func(ctx context.Context) {
		if err := tp.Shutdown(ctx); err != nil {
			fmt.Printf("telemetry: error shutting down tracer provider: %v\n", err)
		}
	}
	return shutdownFunc, nil
}

// InstrumentHTTPClient wraps client's transport so outbound requests carry
// and report trace context. The /v1 legacy reverse proxy does not use it.
func InstrumentHTTPClient(client *http.Client) *http.Client {
	client.Transport = otelhttp.NewTransport(client.Transport)
	return client
}

// StartSpan starts a span named name as a child of ctx's span, under this
// service's default tracer.
func StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return otel.Tracer("twine-spool-service").Start(ctx, name)
}

// Error records err against span and marks it failed.
func Error(span trace.Span, err error, msg string) {
	span.SetStatus(codes.Error, msg)
	span.RecordError(err)
}
