// Package doctor runs environment diagnostics before sessions are opened.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vrs-kit/vrs/internal/events"
)

const defaultCheckTimeout = 10 * time.Second

// ErrUnhealthy is returned by RunOnce when a required check failed.
var ErrUnhealthy = errors.New("doctor found failing checks")

// Status is the outcome of one check.
type Status string

const (
	StatusOK   Status = "ok"
	StatusWarn Status = "warn"
	StatusFail Status = "fail"
)

// Check is one diagnostic. A failing optional check is reported as a warning.
type Check struct {
	Name     string
	Optional bool
	Run      func(ctx context.Context) (string, error)
}

// Result is the outcome of one Check.
type Result struct {
	Name     string        `json:"name"`
	Status   Status        `json:"status"`
	Detail   string        `json:"detail,omitempty"`
	Duration time.Duration `json:"duration"`
}

// HealthReport is published after every run.
type HealthReport struct {
	Results   []Result  `json:"results"`
	Failed    int       `json:"failed"`
	Warned    int       `json:"warned"`
	CheckedAt time.Time `json:"checked_at"`
}

// EventBus publishes health events.
type EventBus interface {
	Publish(event events.Event)
}

// Config bounds each check.
type Config struct {
	CheckTimeout time.Duration
}

// Manager runs a fixed list of checks.
type Manager struct {
	checks  []Check
	bus     EventBus
	timeout time.Duration
	now     func() time.Time
}

// NewManager validates checks and applies defaults.
func NewManager(checks []Check, bus EventBus, cfg Config) (*Manager, error) {
	if len(checks) == 0 {
		return nil, errors.New("at least one check is required")
	}
	if bus == nil {
		return nil, errors.New("event bus is required")
	}
	for i, check := range checks {
		if strings.TrimSpace(check.Name) == "" {
			return nil, fmt.Errorf("check %d has no name", i)
		}
		if check.Run == nil {
			return nil, fmt.Errorf("check %q has no run function", check.Name)
		}
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = defaultCheckTimeout
	}
	return &Manager{
		checks:  append([]Check(nil), checks...),
		bus:     bus,
		timeout: cfg.CheckTimeout,
		now:     time.Now,
	}, nil
}

// RunOnce executes every check in order and publishes the report.
func (m *Manager) RunOnce(ctx context.Context) (HealthReport, error) {
	if m == nil {
		return HealthReport{}, errors.New("doctor manager is nil")
	}

	report := HealthReport{CheckedAt: m.now().UTC()}
	for _, check := range m.checks {
		result := m.run(ctx, check)
		switch result.Status {
		case StatusFail:
			report.Failed++
		case StatusWarn:
			report.Warned++
		}
		report.Results = append(report.Results, result)
	}

	severity := events.SeverityInfo
	switch {
	case report.Failed > 0:
		severity = events.SeverityError
	case report.Warned > 0:
		severity = events.SeverityWarn
	}
	m.bus.Publish(events.Event{
		Type:      events.EventTypeHealthCheck,
		Timestamp: report.CheckedAt,
		Subject:   "doctor",
		Payload:   report,
		Severity:  severity,
	})

	if report.Failed > 0 {
		return report, fmt.Errorf("%w: %d of %d", ErrUnhealthy, report.Failed, len(report.Results))
	}
	return report, nil
}

func (m *Manager) run(ctx context.Context, check Check) Result {
	checkCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	started := m.now()
	detail, err := check.Run(checkCtx)
	result := Result{Name: check.Name, Status: StatusOK, Detail: detail, Duration: m.now().Sub(started)}
	if err != nil {
		result.Status = StatusFail
		if check.Optional {
			result.Status = StatusWarn
		}
		result.Detail = err.Error()
	}
	return result
}

// IdentFetcher is the service call used to probe reachability.
type IdentFetcher interface {
	Ident(ctx context.Context) ([]string, error)
}

// ServiceCheck verifies the service answers the ident request with the
// configured key.
func ServiceCheck(fetcher IdentFetcher) Check {
	return Check{
		Name: "service",
		Run: func(ctx context.Context) (string, error) {
			if fetcher == nil {
				return "", errors.New("service client is not configured")
			}
			ident, err := fetcher.Ident(ctx)
			if err != nil {
				return "", err
			}
			return "ident fields: " + strings.Join(ident, ", "), nil
		},
	}
}

// WritableDirCheck verifies dir exists or can be created and accepts files.
func WritableDirCheck(name, dir string) Check {
	return Check{
		Name:     name,
		Optional: true,
		Run: func(context.Context) (string, error) {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return "", fmt.Errorf("create %s: %w", dir, err)
			}
			probe, err := os.CreateTemp(dir, ".doctor-*")
			if err != nil {
				return "", fmt.Errorf("write %s: %w", dir, err)
			}
			path := probe.Name()
			_ = probe.Close()
			if err := os.Remove(path); err != nil {
				return "", fmt.Errorf("clean %s: %w", filepath.Base(path), err)
			}
			return dir, nil
		},
	}
}
