// Package session drives one visual test session: start, check submission,
// completion polling and the final verdict.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vrs-kit/vrs/internal/checks"
	"github.com/vrs-kit/vrs/internal/events"
	"github.com/vrs-kit/vrs/internal/metrics"
	"github.com/vrs-kit/vrs/internal/probe"
	"github.com/vrs-kit/vrs/internal/service"
)

const (
	// DefaultPollAttempts bounds the number of status fetches during Stop.
	DefaultPollAttempts = 5
	// DefaultPollInterval is the pause between status fetches.
	DefaultPollInterval = 700 * time.Millisecond
	// ReportTimeout bounds the verdict report and session close in Stop. Both
	// run even when the caller's context is already cancelled.
	ReportTimeout = 10 * time.Second
)

// Service is the remote API the coordinator needs.
type Service interface {
	checks.Creator
	CreateTest(ctx context.Context, req service.TestRequest) (*service.Session, error)
	UpdateTest(ctx context.Context, update service.TestUpdate) (*service.Session, error)
	StopSession(ctx context.Context, sessionID string) (*service.Session, error)
	ChecksByIdent(ctx context.Context, sessionID string) (map[string]service.Group, error)
	Ident(ctx context.Context) ([]string, error)
	BaselineExists(ctx context.Context, query service.BaselineQuery) (bool, error)
}

// Config tunes the completion poll and failed-check links.
type Config struct {
	BaseURL      string
	PollAttempts int
	PollInterval time.Duration
}

// CheckParams describe one check. Overrides replace non-empty environment
// fields of the session for this check only.
type CheckParams struct {
	Name      string
	Image     []byte
	DOM       string
	Overrides probe.Environment
}

// Stopped is the payload of a SessionStopped event.
type Stopped struct {
	Result
	Err error
}

// SleepFunc pauses for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Option configures Coordinator construction.
type Option func(*Coordinator)

// WithLogger sets the coordinator and submitter logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTracer sets the tracer used for session spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Coordinator) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// WithPublisher sets where progress events are published.
func WithPublisher(publisher events.Publisher) Option {
	return func(c *Coordinator) {
		if publisher != nil {
			c.events = publisher
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(collector *metrics.Collector) Option {
	return func(c *Coordinator) {
		c.metrics = collector
	}
}

// WithSleep replaces the poll pause.
func WithSleep(sleep SleepFunc) Option {
	return func(c *Coordinator) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

// Coordinator owns the lifecycle of one session. SubmitCheck may be called
// concurrently while the session is active; Start and Stop must not overlap
// with other calls.
type Coordinator struct {
	svc       Service
	env       probe.EnvironmentProbe
	cfg       Config
	submitter *checks.Submitter
	state     *lifecycle

	logger  *log.Logger
	tracer  trace.Tracer
	events  events.Publisher
	metrics *metrics.Collector
	sleep   SleepFunc

	mu        sync.RWMutex
	meta      Meta
	sessionID string
	ident     []string
	report    Result
}

// New builds a coordinator in the created state.
func New(svc Service, env probe.EnvironmentProbe, cfg Config, options ...Option) (*Coordinator, error) {
	if svc == nil {
		return nil, errors.New("service is required")
	}
	if env == nil {
		return nil, errors.New("environment probe is required")
	}
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = DefaultPollAttempts
	}
	if cfg.PollInterval < 0 {
		return nil, fmt.Errorf("poll interval must not be negative: %s", cfg.PollInterval)
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	c := &Coordinator{
		svc:    svc,
		env:    env,
		cfg:    cfg,
		logger: log.New(io.Discard),
		tracer: otel.Tracer("vrs/session"),
		events: discardPublisher{},
		sleep:  sleepContext,
		report: Result{Verdict: VerdictNotSet},
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(c)
	}
	c.state = newLifecycle(c.tracer)

	submitter, err := checks.NewSubmitter(svc, cfg.BaseURL, checks.WithLogger(c.logger), checks.WithMetrics(c.metrics))
	if err != nil {
		return nil, err
	}
	c.submitter = submitter
	return c, nil
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	return c.state.current()
}

// SessionID returns the service assigned id, or "" before Start succeeds.
func (c *Coordinator) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// Meta returns a copy of the session identity.
func (c *Coordinator) Meta() Meta {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.meta.clone()
}

// Report returns the last computed verdict and blinking count.
func (c *Coordinator) Report() Result {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.report
}

// Start validates params, probes the environment and opens the session.
func (c *Coordinator) Start(ctx context.Context, params StartParams) (err error) {
	ctx, span := c.tracer.Start(ctx, "session.start")
	defer endSpan(span, &err)

	if err := c.state.require("start session", StateCreated); err != nil {
		return err
	}
	if err := params.validate(); err != nil {
		return err
	}

	env, err := c.env.Environment(ctx)
	if err != nil {
		return fmt.Errorf("probe environment: %w", err)
	}
	ident, err := c.svc.Ident(ctx)
	if err != nil {
		return fmt.Errorf("fetch ident fields: %w", err)
	}

	meta := newMeta(params, env)
	created, err := c.svc.CreateTest(ctx, meta.testRequest())
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.meta = meta
	c.sessionID = created.ID
	c.ident = append([]string(nil), ident...)
	c.mu.Unlock()

	if err := c.state.transition(ctx, "start session", StateActive); err != nil {
		return err
	}

	span.SetAttributes(attribute.String("session_id", created.ID))
	c.logger.Info("session started", "session_id", created.ID, "test", meta.TestName, "run", meta.Run, "os", env.OS, "browser", env.BrowserName, "viewport", env.Viewport)
	c.events.Publish(events.Event{
		Type:      events.EventTypeSessionStarted,
		SessionID: created.ID,
		Subject:   meta.TestName,
		Payload:   meta.clone(),
	})
	return nil
}

// SubmitCheck registers one check against the active session.
func (c *Coordinator) SubmitCheck(ctx context.Context, params CheckParams) (result service.CheckResult, err error) {
	ctx, span := c.tracer.Start(ctx, "session.submit_check")
	defer endSpan(span, &err)

	if err := c.state.require("submit check", StateActive); err != nil {
		return service.CheckResult{}, err
	}

	name := checks.SanitizeName(strings.TrimSpace(params.Name))
	if name == "" {
		return service.CheckResult{}, &ValidationError{Operation: "submit check", Missing: []string{"name"}}
	}

	c.mu.RLock()
	sessionID := c.sessionID
	meta := c.meta.checkMeta(sessionID, name, params.DOM, params.Overrides)
	ident := c.ident
	c.mu.RUnlock()

	if missing := missingIdent(meta, ident); len(missing) > 0 {
		return service.CheckResult{}, &ValidationError{
			Operation: "submit check",
			Missing:   missing,
			Reason:    "wrong parameters for ident",
		}
	}

	span.SetAttributes(attribute.String("session_id", sessionID), attribute.String("check", name))
	result, err = c.submitter.Submit(ctx, meta, params.Image)
	if err != nil {
		c.events.Publish(events.Event{
			Type:      events.EventTypeSystemAlert,
			SessionID: sessionID,
			Subject:   name,
			Payload:   err.Error(),
			Severity:  events.SeverityError,
		})
		return service.CheckResult{}, err
	}

	severity := events.SeverityInfo
	if result.Status.Contains(service.StatusFailed) {
		severity = events.SeverityWarn
	}
	c.events.Publish(events.Event{
		Type:      events.EventTypeCheckSubmitted,
		SessionID: sessionID,
		Subject:   name,
		Payload:   result,
		Severity:  severity,
	})
	return result, nil
}

// SubmitSnapshot captures image, DOM and environment from src and submits
// them as one check. A DOM capture failure is logged and the check is sent
// without a dump.
func (c *Coordinator) SubmitSnapshot(ctx context.Context, name string, src probe.Source) (service.CheckResult, error) {
	if src == nil {
		return service.CheckResult{}, errors.New("snapshot source is required")
	}
	if err := c.state.require("submit snapshot", StateActive); err != nil {
		return service.CheckResult{}, err
	}

	image, err := src.CaptureImage(ctx)
	if err != nil {
		return service.CheckResult{}, fmt.Errorf("capture image for %q: %w", name, err)
	}
	dom, err := src.CaptureDOM(ctx)
	if err != nil {
		c.logger.Warn("dom capture failed", "check", name, "err", err)
		dom = ""
	}
	overrides, err := src.Environment(ctx)
	if err != nil {
		return service.CheckResult{}, fmt.Errorf("probe environment for %q: %w", name, err)
	}

	return c.SubmitCheck(ctx, CheckParams{Name: name, Image: image, DOM: dom, Overrides: overrides})
}

// HasBaseline asks the service whether a baseline already matches image for
// the check name under the session's ident. It sends no check.
func (c *Coordinator) HasBaseline(ctx context.Context, name string, image []byte) (exists bool, err error) {
	ctx, span := c.tracer.Start(ctx, "session.has_baseline")
	defer endSpan(span, &err)

	if err := c.state.require("check baseline", StateActive); err != nil {
		return false, err
	}
	name = checks.SanitizeName(strings.TrimSpace(name))
	if name == "" {
		return false, &ValidationError{Operation: "check baseline", Missing: []string{"name"}}
	}

	c.mu.RLock()
	meta := c.meta.checkMeta(c.sessionID, name, "", probe.Environment{})
	ident := c.ident
	c.mu.RUnlock()

	if missing := missingIdent(meta, ident); len(missing) > 0 {
		return false, &ValidationError{
			Operation: "check baseline",
			Missing:   missing,
			Reason:    "wrong parameters for ident",
		}
	}

	query := service.BaselineQuery{HashCode: checks.ContentHash(image), Ident: make(map[string]string, len(ident))}
	for _, field := range ident {
		query.Ident[field], _ = meta.Field(field)
	}
	exists, err = c.svc.BaselineExists(ctx, query)
	if err != nil {
		return false, err
	}
	span.SetAttributes(attribute.String("check", name), attribute.Bool("baseline_exists", exists))
	c.logger.Debug("baseline lookup", "check", name, "exists", exists)
	return exists, nil
}

// Stop waits a bounded time for pending comparisons, reports the verdict to
// the service and closes the session. The verdict of the last successful
// poll is reported even when later steps fail; all failures are returned
// together.
func (c *Coordinator) Stop(ctx context.Context) (verdict Verdict, err error) {
	ctx, span := c.tracer.Start(ctx, "session.stop")
	defer endSpan(span, &err)

	if err := c.state.transition(ctx, "stop session", StateFinalizing); err != nil {
		return VerdictNotSet, err
	}

	c.mu.RLock()
	sessionID := c.sessionID
	viewport := c.meta.Env.Viewport
	c.mu.RUnlock()
	logger := c.logger.With("session_id", sessionID)

	var errs *multierror.Error
	result, attempts, pollErr := c.poll(ctx, sessionID, logger)
	if pollErr != nil {
		errs = multierror.Append(errs, pollErr)
	}
	c.metrics.ObservePoll(attempts)

	c.mu.Lock()
	c.report = result
	c.mu.Unlock()

	logger.Info("session verdict", "status", string(result.Verdict), "blinking", result.BlinkingCount, "groups", result.Groups, "attempts", attempts)

	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ReportTimeout)
	defer cancel()
	if _, err := c.svc.UpdateTest(reportCtx, service.TestUpdate{
		ID:       sessionID,
		Status:   string(result.Verdict),
		Blinking: result.BlinkingCount,
		Viewport: viewport,
	}); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("report verdict: %w", err))
	}
	if _, err := c.svc.StopSession(reportCtx, sessionID); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("stop session: %w", err))
	}
	if err := c.state.transition(ctx, "stop session", StateStopped); err != nil {
		errs = multierror.Append(errs, err)
	}

	c.metrics.ObserveVerdict(string(result.Verdict), result.BlinkingCount)
	severity := events.SeverityInfo
	if errs.ErrorOrNil() != nil || result.Verdict == VerdictFailed {
		severity = events.SeverityWarn
	}
	c.events.Publish(events.Event{
		Type:      events.EventTypeSessionStopped,
		SessionID: sessionID,
		Subject:   string(result.Verdict),
		Payload:   Stopped{Result: result, Err: errs.ErrorOrNil()},
		Severity:  severity,
	})

	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("verdict", string(result.Verdict)),
		attribute.Int("poll_attempts", attempts),
	)
	return result.Verdict, errs.ErrorOrNil()
}

// poll fetches grouped statuses until none is pending or attempts run out.
// It returns the last successful summary and the number of fetches made.
func (c *Coordinator) poll(ctx context.Context, sessionID string, logger *log.Logger) (Result, int, error) {
	last := Result{Verdict: VerdictNotSet}
	attempts := 0
	for attempts < c.cfg.PollAttempts {
		attempts++
		groups, err := c.svc.ChecksByIdent(ctx, sessionID)
		if err != nil {
			return last, attempts, fmt.Errorf("poll check statuses (attempt %d): %w", attempts, err)
		}

		statuses := GroupStatuses(groups)
		last = Summarize(groups)
		pending := anyPending(statuses)
		logger.Debug("poll attempt", "attempt", attempts, "groups", len(statuses), "pending", pending, "verdict", string(last.Verdict))
		c.events.Publish(events.Event{
			Type:      events.EventTypePollAttempt,
			SessionID: sessionID,
			Subject:   fmt.Sprintf("attempt %d/%d", attempts, c.cfg.PollAttempts),
			Payload:   last,
		})

		if !pending {
			return last, attempts, nil
		}
		if attempts == c.cfg.PollAttempts {
			logger.Warn("checks still pending after last poll", "attempts", attempts)
			return last, attempts, nil
		}
		if err := c.sleep(ctx, c.cfg.PollInterval); err != nil {
			return last, attempts, fmt.Errorf("wait between polls: %w", err)
		}
	}
	return last, attempts, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func endSpan(span trace.Span, err *error) {
	if err != nil && *err != nil {
		span.RecordError(*err)
		span.SetStatus(codes.Error, (*err).Error())
	}
	span.End()
}

type discardPublisher struct{}

func (discardPublisher) Publish(events.Event) {}
