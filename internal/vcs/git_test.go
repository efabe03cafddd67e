package vcs

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func shellRunner(t *testing.T) (*Runner, *tracetest.SpanRecorder) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh is not available")
	}
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	return New(t.TempDir(), WithTool("sh"), WithTracer(provider.Tracer("test"))), recorder
}

func TestRunRecordsSuccessSpan(t *testing.T) {
	t.Parallel()
	runner, recorder := shellRunner(t)

	out, err := runner.Run(context.Background(), "-c", "echo '  main  '")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out != "main" {
		t.Fatalf("out = %q, want main", out)
	}

	span := onlySpan(t, recorder)
	if span.Status().Code != codes.Ok {
		t.Fatalf("status = %v, want Ok", span.Status().Code)
	}
	if got := intAttr(span.Attributes(), "exit_code"); got != 0 {
		t.Fatalf("exit_code = %d, want 0", got)
	}
}

func TestRunFailureCarriesStderr(t *testing.T) {
	t.Parallel()
	runner, recorder := shellRunner(t)

	_, err := runner.Run(context.Background(), "-c", "echo 'not a repository' 1>&2; exit 128")
	if err == nil {
		t.Fatal("expected failure")
	}
	if !strings.Contains(err.Error(), "not a repository") {
		t.Fatalf("error = %v, want stderr text", err)
	}

	span := onlySpan(t, recorder)
	if span.Status().Code != codes.Error {
		t.Fatalf("status = %v, want Error", span.Status().Code)
	}
	if got := intAttr(span.Attributes(), "exit_code"); got != 128 {
		t.Fatalf("exit_code = %d, want 128", got)
	}
}

func TestRunTimeout(t *testing.T) {
	t.Parallel()
	runner, recorder := shellRunner(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := runner.Run(ctx, "-c", "sleep 1"); err == nil {
		t.Fatal("expected timeout error")
	}
	if got := intAttr(onlySpan(t, recorder).Attributes(), "exit_code"); got != -1 {
		t.Fatalf("exit_code = %d, want -1", got)
	}
}

func TestBranchDetachedHead(t *testing.T) {
	t.Parallel()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh is not available")
	}

	// The fake git prints HEAD whatever the arguments are.
	script := t.TempDir() + "/fake-git"
	writeScript(t, script, "#!/bin/sh\necho HEAD\n")
	branch, err := New("", WithTool(script)).Branch(context.Background())
	if err != nil {
		t.Fatalf("branch: %v", err)
	}
	if branch != "" {
		t.Fatalf("branch = %q, want empty for detached head", branch)
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()
	got := State{Head: "abc", Branch: "main", Status: " M a.go"}.String()
	want := "[HEAD]\nabc\n\n[BRANCH]\nmain\n\n[STATUS]\n M a.go\n"
	if got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("a", 2000)
	got := truncate(long, maxOutputEventBytes)
	if len(got) != maxOutputEventBytes || !strings.HasSuffix(got, "[truncated]") {
		t.Fatalf("truncate len = %d suffix ok = %v", len(got), strings.HasSuffix(got, "[truncated]"))
	}
	if truncate("short", maxOutputEventBytes) != "short" {
		t.Fatal("short values must be kept")
	}
}

func onlySpan(t *testing.T, recorder *tracetest.SpanRecorder) sdktrace.ReadOnlySpan {
	t.Helper()
	spans := recorder.Ended()
	if len(spans) != 1 || spans[0].Name() != "vcs.exec" {
		t.Fatalf("spans = %d, want one vcs.exec span", len(spans))
	}
	return spans[0]
}

func intAttr(attrs []attribute.KeyValue, key string) int {
	for _, attr := range attrs {
		if string(attr.Key) == key {
			return int(attr.Value.AsInt64())
		}
	}
	return -99
}

func writeScript(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o700); err != nil {
		t.Fatalf("write script: %v", err)
	}
}
