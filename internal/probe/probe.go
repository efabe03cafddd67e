// Package probe describes where snapshots and their environment metadata come from.
//
// The coordinator never talks to a browser directly. It is handed an
// EnvironmentProbe at construction and, for captured checks, a Source.
package probe

import (
	"context"
	"strings"
)

// Environment is the platform snapshot attached to a session and each check.
type Environment struct {
	OS                 string `json:"os"`
	BrowserName        string `json:"browserName"`
	BrowserVersion     string `json:"browserVersion"`
	BrowserFullVersion string `json:"browserFullVersion"`
	Viewport           string `json:"viewport"`
}

// Merge returns a copy of e with every non-empty field of override applied.
func (e Environment) Merge(override Environment) Environment {
	merged := e
	if value := strings.TrimSpace(override.OS); value != "" {
		merged.OS = value
	}
	if value := strings.TrimSpace(override.BrowserName); value != "" {
		merged.BrowserName = value
	}
	if value := strings.TrimSpace(override.BrowserVersion); value != "" {
		merged.BrowserVersion = value
	}
	if value := strings.TrimSpace(override.BrowserFullVersion); value != "" {
		merged.BrowserFullVersion = value
	}
	if value := strings.TrimSpace(override.Viewport); value != "" {
		merged.Viewport = value
	}
	return merged
}

// EnvironmentProbe reports the current browser environment.
type EnvironmentProbe interface {
	Environment(ctx context.Context) (Environment, error)
}

// Source supplies everything needed for one captured check.
type Source interface {
	EnvironmentProbe
	CaptureImage(ctx context.Context) ([]byte, error)
	// CaptureDOM returns a serialized structural dump, or "" when unavailable.
	CaptureDOM(ctx context.Context) (string, error)
}

// Static is an EnvironmentProbe with a fixed answer.
type Static Environment

// Environment returns the fixed environment.
func (s Static) Environment(_ context.Context) (Environment, error) {
	return Environment(s), nil
}
