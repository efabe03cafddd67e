// Package checks implements the two-phase check submission protocol.
package checks

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/vrs-kit/vrs/internal/digest"
	"github.com/vrs-kit/vrs/internal/probe"
	"github.com/vrs-kit/vrs/internal/service"
)

var unsafeNameChars = regexp.MustCompile(`[^a-z0-9]`)

// Meta is everything sent with one check besides the image bytes.
type Meta struct {
	TestID   string
	Name     string
	App      string
	Branch   string
	Suite    string
	Env      probe.Environment
	HashCode string
	DOMDump  string
}

// ContentHash returns the digest the service uses to match a snapshot
// against known baselines.
func ContentHash(image []byte) string {
	return digest.Sum(image)
}

// SanitizeName lower-cases name and replaces every non [a-z0-9] byte with `_`.
func SanitizeName(name string) string {
	return unsafeNameChars.ReplaceAllString(strings.ToLower(name), "_")
}

// Field returns the meta value for a service ident field name, and whether
// the field is known.
func (m Meta) Field(name string) (string, bool) {
	switch name {
	case "name":
		return m.Name, true
	case "viewport":
		return m.Env.Viewport, true
	case "browserName":
		return m.Env.BrowserName, true
	case "browserVersion":
		return m.Env.BrowserVersion, true
	case "browserFullVersion":
		return m.Env.BrowserFullVersion, true
	case "os":
		return m.Env.OS, true
	case "app", "appName":
		return m.App, true
	case "branch":
		return m.Branch, true
	case "suite", "suitename":
		return m.Suite, true
	case "testid", "test":
		return m.TestID, true
	default:
		return "", false
	}
}

// String renders the meta for error messages, without the DOM dump.
func (m Meta) String() string {
	return fmt.Sprintf(
		"testid=%q name=%q app=%q branch=%q suite=%q os=%q browserName=%q browserVersion=%q browserFullVersion=%q viewport=%q hashcode=%q dom_bytes=%d",
		m.TestID, m.Name, m.App, m.Branch, m.Suite,
		m.Env.OS, m.Env.BrowserName, m.Env.BrowserVersion, m.Env.BrowserFullVersion, m.Env.Viewport,
		m.HashCode, len(m.DOMDump),
	)
}

func (m Meta) request(file []byte) service.CheckRequest {
	return service.CheckRequest{
		TestID:             m.TestID,
		Name:               m.Name,
		Viewport:           m.Env.Viewport,
		BrowserName:        m.Env.BrowserName,
		BrowserVersion:     m.Env.BrowserVersion,
		BrowserFullVersion: m.Env.BrowserFullVersion,
		OS:                 m.Env.OS,
		Branch:             m.Branch,
		App:                m.App,
		Suite:              m.Suite,
		DOMDump:            m.DOMDump,
		HashCode:           m.HashCode,
		File:               file,
	}
}
