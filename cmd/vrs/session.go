package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/vrs-kit/vrs/internal/events"
	"github.com/vrs-kit/vrs/internal/journal"
	"github.com/vrs-kit/vrs/internal/metrics"
	"github.com/vrs-kit/vrs/internal/probe"
	"github.com/vrs-kit/vrs/internal/service"
	"github.com/vrs-kit/vrs/internal/session"
	"github.com/vrs-kit/vrs/internal/vcs"
)

var gitBranchFn = func(ctx context.Context) (string, error) {
	return vcs.New("").Branch(ctx)
}

// sessionFlags are the identity flags shared by commands that open a session.
type sessionFlags struct {
	test        string
	run         string
	runIdent    string
	branch      string
	app         string
	suite       string
	tags        []string
	metricsFile string
	noJournal   bool
	quiet       bool
}

func (f *sessionFlags) bind(cmd *cobra.Command, a *app) {
	flags := cmd.Flags()
	flags.StringVar(&f.test, "test", "", "test name (required)")
	flags.StringVar(&f.run, "run", "", "run name (default: test name and start time)")
	flags.StringVar(&f.runIdent, "runident", "", "run ident shared by tests of one run (default: random UUID)")
	flags.StringVar(&f.branch, "branch", a.cfg.Branch, "branch name (default: current git branch)")
	flags.StringVar(&f.app, "app", a.cfg.App, "application name")
	flags.StringVar(&f.suite, "suite", a.cfg.Suite, "suite name")
	flags.StringSliceVar(&f.tags, "tag", nil, "session tag, repeatable")
	flags.StringVar(&f.metricsFile, "metrics-file", "", "write Prometheus text metrics to this file")
	flags.BoolVar(&f.noJournal, "no-journal", false, "do not record the session in the local journal")
	flags.BoolVarP(&f.quiet, "quiet", "q", false, "do not print progress")
}

func (f *sessionFlags) params(ctx context.Context, now time.Time) session.StartParams {
	runIdent := strings.TrimSpace(f.runIdent)
	if runIdent == "" {
		runIdent = uuid.NewString()
	}
	run := strings.TrimSpace(f.run)
	if run == "" && strings.TrimSpace(f.test) != "" {
		run = fmt.Sprintf("%s %s", strings.TrimSpace(f.test), now.Format(time.RFC3339))
	}
	branch := strings.TrimSpace(f.branch)
	if branch == "" {
		branch = currentGitBranch(ctx)
	}
	return session.StartParams{
		Test:     f.test,
		Run:      run,
		RunIdent: runIdent,
		Branch:   branch,
		App:      f.app,
		Suite:    f.suite,
		Tags:     f.tags,
	}
}

func currentGitBranch(ctx context.Context) string {
	branch, err := gitBranchFn(ctx)
	if err != nil {
		return ""
	}
	return branch
}

// submitFunc registers the checks of one session.
type submitFunc func(ctx context.Context, coordinator *session.Coordinator) error

type outcome struct {
	sessionID string
	result    session.Result
}

// runSession opens a session, runs submit, and always stops the session once
// it was started so the service never keeps a dangling test.
func runSession(ctx context.Context, a *app, flags *sessionFlags, env probe.EnvironmentProbe, submit submitFunc) (outcome, error) {
	client, err := a.client()
	if err != nil {
		return outcome{}, err
	}

	var store *journal.Store
	if !flags.noJournal && strings.TrimSpace(a.cfg.JournalPath) != "" {
		store, err = journal.Open(ctx, a.cfg.JournalPath)
		if err != nil {
			a.logger.Warn("journal unavailable", "path", a.cfg.JournalPath, "err", err)
			store = nil
		} else {
			defer store.Close()
		}
	}

	bus := events.New(events.WithLogger(a.logger))
	closeBus := sync.OnceFunc(bus.Close)
	defer closeBus()
	if !flags.quiet {
		bus.SubscribeAll(progressPrinter(a.stderr))
	}
	if store != nil {
		journal.Record(bus, store, a.logger)
	}

	collector := metrics.New()
	params := flags.params(ctx, time.Now())
	coordinator, err := session.New(client, env, session.Config{
		BaseURL:      client.BaseURL(),
		PollAttempts: a.cfg.PollAttempts,
		PollInterval: a.cfg.PollInterval,
	},
		session.WithLogger(a.logger),
		session.WithPublisher(bus),
		session.WithMetrics(collector),
	)
	if err != nil {
		return outcome{}, err
	}

	if err := coordinator.Start(ctx, params); err != nil {
		return outcome{}, fmt.Errorf("start session: %w", err)
	}
	a.annotate(params.RunIdent, coordinator.SessionID())

	var errs *multierror.Error
	if err := submit(ctx, coordinator); err != nil {
		errs = multierror.Append(errs, err)
	}
	if _, err := coordinator.Stop(ctx); err != nil {
		errs = multierror.Append(errs, err)
	}
	closeBus()

	if flags.metricsFile != "" {
		if err := collector.WriteTextfile(flags.metricsFile); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("write metrics: %w", err))
		}
	}
	return outcome{sessionID: coordinator.SessionID(), result: coordinator.Report()}, errs.ErrorOrNil()
}

func progressPrinter(out io.Writer) events.Handler {
	return func(event events.Event) {
		switch event.Type {
		case events.EventTypeSessionStarted:
			fmt.Fprintf(out, "session %s started\n", event.SessionID)
		case events.EventTypeCheckSubmitted:
			result, _ := event.Payload.(service.CheckResult)
			line := fmt.Sprintf("  %-8s %s", result.Status.String(), event.Subject)
			if result.DiffLink != "" {
				line += "  " + result.DiffLink
			}
			fmt.Fprintln(out, line)
		case events.EventTypePollAttempt:
			fmt.Fprintf(out, "  waiting for results (%s)\n", event.Subject)
		case events.EventTypeSystemAlert:
			fmt.Fprintf(out, "  error    %s: %v\n", event.Subject, event.Payload)
		}
	}
}

// finish prints the verdict when a session was opened and maps a Failed
// verdict to errVerdictFailed.
func finish(out io.Writer, done outcome, err error) error {
	if done.sessionID != "" {
		fmt.Fprintf(out, "session %s: %s (groups %d, blinking %d)\n",
			done.sessionID, done.result.Verdict, done.result.Groups, done.result.BlinkingCount)
	}
	if err != nil {
		return err
	}
	if done.result.Verdict == session.VerdictFailed {
		return errVerdictFailed
	}
	return nil
}
