// Package telemetry configures OpenTelemetry tracing for vrs commands.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const (
	// ServiceName is the service.name resource attribute.
	ServiceName = "vrs"
	// DefaultEnvironment is reported when no environment variable is set.
	DefaultEnvironment = "dev"
	// BatchTimeout is the span batch flush interval and the shutdown budget.
	BatchTimeout = 5 * time.Second
	// BatchSize is the maximum number of spans per export.
	BatchSize = 512
)

// ServiceVersion is set at build time.
var ServiceVersion = "dev"

// newExporter builds the OTLP exporter. TLS and header settings come from the
// standard OTEL_EXPORTER_OTLP_* variables read by otlptracehttp itself.
var newExporter = func(ctx context.Context, endpoint string) (sdktrace.SpanExporter, error) {
	return otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
}

// Option configures Init.
type Option func(*settings)

type settings struct {
	flagEndpoint   string
	configEndpoint string
	warnings       io.Writer
}

// WithEndpoint sets the endpoint given on the command line. It wins over
// OTEL_EXPORTER_OTLP_ENDPOINT.
func WithEndpoint(endpoint string) Option {
	return func(s *settings) { s.flagEndpoint = strings.TrimSpace(endpoint) }
}

// WithConfigEndpoint sets the endpoint from config files, the lowest precedence.
func WithConfigEndpoint(endpoint string) Option {
	return func(s *settings) { s.configEndpoint = strings.TrimSpace(endpoint) }
}

// WithWarnings sets where exporter fallback warnings and console spans go.
func WithWarnings(w io.Writer) Option {
	return func(s *settings) {
		if w != nil {
			s.warnings = w
		}
	}
}

// Init installs the global tracer provider. Tracing stays disabled when no
// endpoint is configured, and the returned shutdown is then a no-op.
func Init(ctx context.Context, options ...Option) (func(), error) {
	s := settings{warnings: os.Stderr}
	for _, option := range options {
		if option != nil {
			option(&s)
		}
	}

	endpoint := s.endpoint()
	if endpoint == "" {
		return func() {}, nil
	}

	exporter, err := newExporter(ctx, endpoint)
	if err != nil {
		fmt.Fprintf(s.warnings, "warning: OTLP exporter unavailable for %s (%v); falling back to console exporter\n", endpoint, err)
		exporter = &stderrSpanExporter{out: s.warnings}
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", ServiceName),
		attribute.String("service.version", versionName()),
		attribute.String("environment", environmentName()),
	))
	if err != nil {
		return nil, fmt.Errorf("create telemetry resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(BatchTimeout),
			sdktrace.WithMaxExportBatchSize(BatchSize),
		),
	)
	otel.SetTracerProvider(provider)

	return sync.OnceFunc(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), BatchTimeout)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			otel.Handle(err)
		}
	}), nil
}

func (s settings) endpoint() string {
	if s.flagEndpoint != "" {
		return s.flagEndpoint
	}
	if env := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); env != "" {
		return env
	}
	return s.configEndpoint
}

func environmentName() string {
	for _, key := range []string{"VRS_ENV", "ENVIRONMENT", "ENV"} {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			return strings.ToLower(value)
		}
	}
	return DefaultEnvironment
}

func versionName() string {
	if version := strings.TrimSpace(ServiceVersion); version != "" {
		return version
	}
	return "dev"
}

// stderrSpanExporter prints one line per span when no collector is reachable.
type stderrSpanExporter struct {
	out io.Writer
}

func (e *stderrSpanExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	if e == nil || e.out == nil {
		return nil
	}
	for _, span := range spans {
		line := fmt.Sprintf("[SPAN] %s %s %v", span.Name(),
			span.EndTime().Sub(span.StartTime()).Round(time.Millisecond), span.Status().Code)
		for _, attr := range span.Attributes() {
			if attr.Key == "session_id" {
				line += " session_id=" + attr.Value.Emit()
			}
		}
		if _, err := fmt.Fprintln(e.out, line); err != nil {
			return err
		}
	}
	return nil
}

func (e *stderrSpanExporter) Shutdown(context.Context) error {
	return nil
}

func setExporterFactoryForTest(factory func(context.Context, string) (sdktrace.SpanExporter, error)) func() {
	previous := newExporter
	newExporter = factory
	return func() { newExporter = previous }
}
