package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/vrs-kit/vrs/internal/config"
	"github.com/vrs-kit/vrs/internal/logging"
	"github.com/vrs-kit/vrs/internal/service"
	"github.com/vrs-kit/vrs/internal/telemetry"
	"github.com/vrs-kit/vrs/internal/transport"
)

// Version is set at build time.
var Version = "dev"

// errVerdictFailed makes the process exit non-zero without printing an error twice.
var errVerdictFailed = errors.New("visual checks failed")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, errVerdictFailed) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	a := newApp(cfg, stdout, stderr)
	defer a.close()

	cmd := newRootCommand(a)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	return cmd.ExecuteContext(ctx)
}

// app carries what every subcommand needs. Logging and tracing start in the
// root pre-run so persistent flags are already parsed.
type app struct {
	cfg    *config.Config
	stdout io.Writer
	stderr io.Writer

	logLevel     string
	verbose      bool
	otelEndpoint string

	runtime       *logging.RuntimeLogger
	logger        *log.Logger
	shutdownTrace func()

	newHTTPClient func() *http.Client
}

func newApp(cfg *config.Config, stdout, stderr io.Writer) *app {
	a := &app{
		cfg:           cfg,
		stdout:        stdout,
		stderr:        stderr,
		logger:        log.New(io.Discard),
		shutdownTrace: func() {},
	}
	a.newHTTPClient = a.defaultHTTPClient
	return a
}

func (a *app) start(ctx context.Context) error {
	level := a.cfg.LogLevel
	if a.logLevel != "" {
		level = a.logLevel
	}
	options := []logging.Option{logging.WithLevel(level)}
	if a.verbose {
		options = append(options, logging.WithMirror(a.stderr))
	}
	runtime, err := logging.New(ctx, options...)
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	if a.runtime != nil {
		_ = a.runtime.Close()
	}
	a.shutdownTrace()
	a.runtime = runtime
	a.logger = runtime.Logger

	shutdown, err := telemetry.Init(ctx,
		telemetry.WithEndpoint(a.otelEndpoint),
		telemetry.WithConfigEndpoint(a.cfg.OTel.Endpoint),
		telemetry.WithWarnings(a.stderr),
	)
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	a.shutdownTrace = shutdown
	return nil
}

// annotate adds run and session ids to subsequent log records.
func (a *app) annotate(runID, sessionID string) {
	if a.runtime == nil {
		return
	}
	a.logger = a.runtime.WithRunID(runID).WithSessionID(sessionID).Logger
}

func (a *app) close() {
	a.shutdownTrace()
	if err := a.runtime.Close(); err != nil {
		fmt.Fprintf(a.stderr, "failed to close logger: %v\n", err)
	}
}

func (a *app) defaultHTTPClient() *http.Client {
	return &http.Client{
		Timeout: a.cfg.RequestTimeout,
		Transport: transport.NewRetry(http.DefaultTransport,
			transport.WithMaxTries(uint(a.cfg.RetryMaxTries)),
			transport.WithLogger(a.logger),
		),
	}
}

func (a *app) client() (*service.Client, error) {
	if err := a.cfg.RequireService(); err != nil {
		return nil, err
	}
	return service.New(a.cfg.URL, a.cfg.APIKey,
		service.WithHTTPClient(a.newHTTPClient()),
		service.WithLogger(a.logger),
	)
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "vrs",
		Short:         "Submit visual regression checks and report session verdicts",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}

	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	flags := root.PersistentFlags()
	flags.StringVar(&a.cfg.URL, "url", a.cfg.URL, "visual service base URL")
	flags.StringVar(&a.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "mirror log records to stderr")
	flags.StringVar(&a.otelEndpoint, "otel-endpoint", "", "OTLP HTTP endpoint for traces")

	root.AddCommand(
		newRunCommand(a),
		newCaptureCommand(a),
		newStatusCommand(a),
		newHashCommand(a),
		newHistoryCommand(a),
		newDoctorCommand(a),
		newBugreportCommand(a),
	)

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		if a.cfg == nil {
			return errors.New("config is required")
		}
		if err := a.start(cmd.Context()); err != nil {
			return err
		}
		a.logger.With("command", cmd.Name()).Debug("command invocation")
		return nil
	}

	return root
}
