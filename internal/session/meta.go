package session

import (
	"strings"

	"github.com/vrs-kit/vrs/internal/checks"
	"github.com/vrs-kit/vrs/internal/probe"
	"github.com/vrs-kit/vrs/internal/service"
)

// DefaultSuite is used when StartParams leaves Suite empty.
const DefaultSuite = "Others"

// StartParams are the caller supplied identity fields of a session.
type StartParams struct {
	Test     string
	Run      string
	RunIdent string
	Branch   string
	App      string
	Suite    string
	Tags     []string
}

// Meta is the session identity fixed at Start. Per-check values are derived
// from it by merge and never written back.
type Meta struct {
	TestName string
	Run      string
	RunIdent string
	Branch   string
	App      string
	Suite    string
	Tags     []string
	Env      probe.Environment
}

func (p StartParams) validate() error {
	required := []struct {
		name  string
		value string
	}{
		{name: "test", value: p.Test},
		{name: "run", value: p.Run},
		{name: "runident", value: p.RunIdent},
		{name: "branch", value: p.Branch},
		{name: "app", value: p.App},
	}

	var missing []string
	for _, field := range required {
		if strings.TrimSpace(field.value) == "" {
			missing = append(missing, field.name)
		}
	}
	if len(missing) > 0 {
		return &ValidationError{Operation: "start session", Missing: missing}
	}
	return nil
}

func newMeta(params StartParams, env probe.Environment) Meta {
	suite := strings.TrimSpace(params.Suite)
	if suite == "" {
		suite = DefaultSuite
	}
	return Meta{
		TestName: strings.TrimSpace(params.Test),
		Run:      strings.TrimSpace(params.Run),
		RunIdent: strings.TrimSpace(params.RunIdent),
		Branch:   strings.TrimSpace(params.Branch),
		App:      strings.TrimSpace(params.App),
		Suite:    suite,
		Tags:     append([]string(nil), params.Tags...),
		Env:      env,
	}
}

func (m Meta) clone() Meta {
	m.Tags = append([]string(nil), m.Tags...)
	return m
}

func (m Meta) testRequest() service.TestRequest {
	return service.TestRequest{
		Name:           m.TestName,
		Status:         service.TestStatusRunning,
		Run:            m.Run,
		RunIdent:       m.RunIdent,
		Branch:         m.Branch,
		App:            m.App,
		Suite:          m.Suite,
		Tags:           m.Tags,
		Viewport:       m.Env.Viewport,
		BrowserName:    m.Env.BrowserName,
		BrowserVersion: m.Env.BrowserVersion,
		OS:             m.Env.OS,
	}
}

func (m Meta) checkMeta(testID, name, dom string, overrides probe.Environment) checks.Meta {
	return checks.Meta{
		TestID:  testID,
		Name:    name,
		App:     m.App,
		Branch:  m.Branch,
		Suite:   m.Suite,
		Env:     m.Env.Merge(overrides),
		DOMDump: dom,
	}
}

// missingIdent returns the ident fields that are empty on meta.
func missingIdent(meta checks.Meta, ident []string) []string {
	var missing []string
	for _, field := range ident {
		value, ok := meta.Field(field)
		if !ok || strings.TrimSpace(value) == "" {
			missing = append(missing, field)
		}
	}
	return missing
}
