package telemetry

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type fakeExporter struct {
	exported []sdktrace.ReadOnlySpan
	shutdown bool
}

func (f *fakeExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	f.exported = append(f.exported, spans...)
	return nil
}

func (f *fakeExporter) Shutdown(_ context.Context) error {
	f.shutdown = true
	return nil
}

func TestInitUsesEnvEndpointAndResourceAttributes(t *testing.T) {
	originalVersion := ServiceVersion
	ServiceVersion = "v1.2.3-test"
	defer func() { ServiceVersion = originalVersion }()

	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://collector:4318")
	t.Setenv("VRS_ENV", "prod")

	fake := &fakeExporter{}
	capturedEndpoint := ""
	restoreFactory := setExporterFactoryForTest(func(_ context.Context, endpoint string) (sdktrace.SpanExporter, error) {
		capturedEndpoint = endpoint
		return fake, nil
	})
	defer restoreFactory()

	shutdown, err := Init(context.Background(), WithConfigEndpoint("http://from-config:4318"))
	if err != nil {
		t.Fatalf("init telemetry: %v", err)
	}

	if capturedEndpoint != "http://collector:4318" {
		t.Fatalf("endpoint = %q, want collector endpoint", capturedEndpoint)
	}

	_, span := otel.Tracer("telemetry-test").Start(context.Background(), "startup")
	span.End()

	shutdown()
	if !fake.shutdown {
		t.Fatal("expected exporter shutdown on telemetry shutdown")
	}
	if len(fake.exported) == 0 {
		t.Fatal("expected at least one exported span")
	}

	attrs := fake.exported[0].Resource().Attributes()
	assertResourceAttribute(t, attrs, "service.name", ServiceName)
	assertResourceAttribute(t, attrs, "service.version", "v1.2.3-test")
	assertResourceAttribute(t, attrs, "environment", "prod")
}

func TestInitEndpointPrecedence(t *testing.T) {
	tests := []struct {
		name    string
		env     string
		options []Option
		want    string
	}{
		{name: "flag wins", env: "http://env:4318", options: []Option{WithEndpoint("http://flag:4318"), WithConfigEndpoint("http://cfg:4318")}, want: "http://flag:4318"},
		{name: "env over config", env: "http://env:4318", options: []Option{WithConfigEndpoint("http://cfg:4318")}, want: "http://env:4318"},
		{name: "config fallback", options: []Option{WithConfigEndpoint("http://cfg:4318")}, want: "http://cfg:4318"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", tt.env)

			captured := ""
			restoreFactory := setExporterFactoryForTest(func(_ context.Context, endpoint string) (sdktrace.SpanExporter, error) {
				captured = endpoint
				return &fakeExporter{}, nil
			})
			defer restoreFactory()

			shutdown, err := Init(context.Background(), tt.options...)
			if err != nil {
				t.Fatalf("init telemetry: %v", err)
			}
			defer shutdown()

			if captured != tt.want {
				t.Fatalf("endpoint = %q, want %q", captured, tt.want)
			}
		})
	}
}

func TestInitWithoutEndpointIsDisabled(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	called := false
	restoreFactory := setExporterFactoryForTest(func(_ context.Context, _ string) (sdktrace.SpanExporter, error) {
		called = true
		return &fakeExporter{}, nil
	})
	defer restoreFactory()

	shutdown, err := Init(context.Background())
	if err != nil {
		t.Fatalf("init telemetry: %v", err)
	}
	shutdown()
	if called {
		t.Fatal("exporter must not be created without an endpoint")
	}
}

func TestInitFallsBackToConsoleExporter(t *testing.T) {
	restoreFactory := setExporterFactoryForTest(func(_ context.Context, _ string) (sdktrace.SpanExporter, error) {
		return nil, errors.New("dial failed")
	})
	defer restoreFactory()

	var warnings bytes.Buffer
	shutdown, err := Init(context.Background(), WithEndpoint("http://nowhere:4318"), WithWarnings(&warnings))
	if err != nil {
		t.Fatalf("init telemetry: %v", err)
	}
	_, span := otel.Tracer("telemetry-test").Start(context.Background(), "session.stop")
	span.End()
	shutdown()

	output := warnings.String()
	if !strings.Contains(output, "falling back to console exporter") {
		t.Fatalf("missing fallback warning: %q", output)
	}
	if !strings.Contains(output, "[SPAN] session.stop") {
		t.Fatalf("missing console span: %q", output)
	}
}

func TestStderrExporterFormatsSpans(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	_, span := provider.Tracer("test").Start(context.Background(), "service.create_check")
	span.SetAttributes(attribute.String("session_id", "s-1"), attribute.String("check", "login"))
	span.End()

	var out bytes.Buffer
	exporter := &stderrSpanExporter{out: &out}
	if err := exporter.ExportSpans(context.Background(), recorder.Ended()); err != nil {
		t.Fatalf("export: %v", err)
	}
	line := strings.TrimSpace(out.String())
	if !strings.HasPrefix(line, "[SPAN] service.create_check") {
		t.Fatalf("output = %q", line)
	}
	if !strings.HasSuffix(line, "session_id=s-1") || strings.Contains(line, "login") {
		t.Fatalf("output = %q, want only the session id attribute", line)
	}
}

func TestBatchConfigConstants(t *testing.T) {
	if BatchSize != 512 {
		t.Fatalf("BatchSize = %d, want 512", BatchSize)
	}
	if BatchTimeout != 5*time.Second {
		t.Fatalf("BatchTimeout = %s, want 5s", BatchTimeout)
	}
}

func TestEnvironmentNameFallback(t *testing.T) {
	t.Setenv("VRS_ENV", "")
	t.Setenv("ENVIRONMENT", "")
	t.Setenv("ENV", "CI")

	if got := environmentName(); got != "ci" {
		t.Fatalf("environment = %q, want ci", got)
	}
}

func assertResourceAttribute(t *testing.T, attrs []attribute.KeyValue, key, want string) {
	t.Helper()
	for _, attr := range attrs {
		if string(attr.Key) == key {
			if attr.Value.AsString() != want {
				t.Fatalf("resource attr %s = %q, want %q", key, attr.Value.AsString(), want)
			}
			return
		}
	}
	t.Fatalf("resource attribute %q not found", key)
}
