// Package vcs reads repository state used to label sessions and bug reports.
package vcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxOutputEventBytes = 1024

// Option configures a Runner.
type Option func(*Runner)

// WithTool replaces the git binary.
func WithTool(tool string) Option {
	return func(r *Runner) {
		if tool = strings.TrimSpace(tool); tool != "" {
			r.tool = tool
		}
	}
}

// WithTracer sets the tracer used for command spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(r *Runner) {
		if tracer != nil {
			r.tracer = tracer
		}
	}
}

// Runner executes git in a working directory and traces each call.
type Runner struct {
	tool   string
	dir    string
	tracer trace.Tracer
}

// New returns a Runner for dir. An empty dir means the process working directory.
func New(dir string, options ...Option) *Runner {
	r := &Runner{
		tool:   "git",
		dir:    strings.TrimSpace(dir),
		tracer: otel.Tracer("vrs/vcs"),
	}
	for _, option := range options {
		if option != nil {
			option(r)
		}
	}
	return r
}

// Run executes the tool with args and returns trimmed stdout. On failure the
// error carries stderr.
func (r *Runner) Run(ctx context.Context, args ...string) (string, error) {
	operation := ""
	if len(args) > 0 {
		operation = args[0]
	}
	ctx, span := r.tracer.Start(ctx, "vcs.exec", trace.WithAttributes(
		attribute.String("tool", r.tool),
		attribute.String("operation", operation),
		attribute.String("args", strings.Join(args, " ")),
	))
	started := time.Now()
	defer func() {
		span.SetAttributes(attribute.Int64("duration_ms", time.Since(started).Milliseconds()))
		span.End()
	}()

	cmd := exec.CommandContext(ctx, r.tool, args...)
	cmd.Dir = r.dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := strings.TrimSpace(stdout.String())
	errOut := strings.TrimSpace(stderr.String())
	span.SetAttributes(attribute.Int("exit_code", exitCode(ctx, err)))
	if errOut != "" {
		span.AddEvent("vcs.stderr", trace.WithAttributes(attribute.String("output", truncate(errOut, maxOutputEventBytes))))
	}
	if err != nil {
		if errOut != "" {
			err = fmt.Errorf("%s %s: %w: %s", r.tool, operation, err, errOut)
		} else {
			err = fmt.Errorf("%s %s: %w", r.tool, operation, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return out, err
	}
	span.SetStatus(codes.Ok, "")
	return out, nil
}

// Branch returns the checked out branch, or "" on a detached head.
func (r *Runner) Branch(ctx context.Context) (string, error) {
	branch, err := r.Run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	if branch == "HEAD" {
		return "", nil
	}
	return branch, nil
}

// State is a printable summary of the working tree.
type State struct {
	Head   string
	Branch string
	Status string
}

// Describe collects head, branch and short status. Each failed part is
// reported in place so the summary is always usable.
func (r *Runner) Describe(ctx context.Context) State {
	part := func(args ...string) string {
		out, err := r.Run(ctx, args...)
		if err != nil {
			return "error: " + err.Error()
		}
		return out
	}
	return State{
		Head:   part("rev-parse", "HEAD"),
		Branch: part("rev-parse", "--abbrev-ref", "HEAD"),
		Status: part("status", "--short"),
	}
}

func (s State) String() string {
	return fmt.Sprintf("[HEAD]\n%s\n\n[BRANCH]\n%s\n\n[STATUS]\n%s\n", s.Head, s.Branch, s.Status)
}

func exitCode(ctx context.Context, err error) int {
	if err == nil {
		return 0
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return -1
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	const marker = "...[truncated]"
	return value[:limit-len(marker)] + marker
}
