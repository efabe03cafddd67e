package service

import (
	"bytes"
	"encoding/json"
	"net/url"
	"strings"
)

const (
	// StatusPending means the comparison engine has not produced a verdict yet.
	StatusPending = "pending"
	// StatusNew means no baseline existed for the ident.
	StatusNew = "new"
	// StatusPassed means the snapshot matched its baseline.
	StatusPassed = "passed"
	// StatusFailed means the snapshot differed from its baseline.
	StatusFailed = "failed"
	// StatusBlinking means recent results for the ident are inconsistent.
	StatusBlinking = "blinking"
	// StatusRequiredFileData asks the client to resend the check with image bytes.
	StatusRequiredFileData = "requiredFileData"

	// TestStatusRunning is the status a test is created with.
	TestStatusRunning = "Running"
)

// Status is a check or group status. The service reports it either as a
// string or as a list of strings; lists are joined with commas.
type Status string

// UnmarshalJSON accepts both `"failed"` and `["failed"]`.
func (s *Status) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		*s = ""
		return nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var values []string
		if err := json.Unmarshal(data, &values); err != nil {
			return err
		}
		*s = Status(strings.Join(values, ","))
		return nil
	}
	var value string
	if err := json.Unmarshal(data, &value); err != nil {
		return err
	}
	*s = Status(value)
	return nil
}

// String returns the raw status text.
func (s Status) String() string {
	return string(s)
}

// Contains reports whether the status text contains sub.
func (s Status) Contains(sub string) bool {
	return strings.Contains(string(s), sub)
}

// TestRequest is the body of POST /tests.
type TestRequest struct {
	Name           string
	Status         string
	Run            string
	RunIdent       string
	Branch         string
	App            string
	Suite          string
	Tags           []string
	Viewport       string
	BrowserName    string
	BrowserVersion string
	OS             string
}

// TestUpdate is the body of PUT /tests/{id}.
type TestUpdate struct {
	ID       string
	Status   string
	Blinking int
	Viewport string
}

// Session is a test session as stored by the service.
type Session struct {
	ID             string   `json:"_id"`
	Name           string   `json:"name,omitempty"`
	Status         Status   `json:"status,omitempty"`
	Run            string   `json:"run,omitempty"`
	App            string   `json:"app,omitempty"`
	Branch         string   `json:"branch,omitempty"`
	Viewport       string   `json:"viewport,omitempty"`
	BrowserName    string   `json:"browserName,omitempty"`
	BrowserVersion string   `json:"browserVersion,omitempty"`
	OS             string   `json:"os,omitempty"`
	Blinking       int      `json:"blinking,omitempty"`
	Tags           []string `json:"tags,omitempty"`
}

// CheckRequest is the body of POST /checks. File is nil for the hash-only phase.
type CheckRequest struct {
	TestID             string
	Name               string
	Viewport           string
	BrowserName        string
	BrowserVersion     string
	BrowserFullVersion string
	OS                 string
	Branch             string
	App                string
	Suite              string
	DOMDump            string
	HashCode           string
	File               []byte
}

// CheckResult is the service's answer to a check submission. Message,
// GroupLink and DiffLink are derived client side for failed checks.
type CheckResult struct {
	ID                 string `json:"_id"`
	Name               string `json:"name,omitempty"`
	Status             Status `json:"status"`
	TestID             string `json:"test,omitempty"`
	SuiteID            string `json:"suite,omitempty"`
	App                string `json:"app,omitempty"`
	Branch             string `json:"branch,omitempty"`
	BaselineID         string `json:"baselineId,omitempty"`
	ActualSnapshotID   string `json:"actualSnapshotId,omitempty"`
	DiffID             string `json:"diffId,omitempty"`
	Viewport           string `json:"viewport,omitempty"`
	BrowserName        string `json:"browserName,omitempty"`
	BrowserVersion     string `json:"browserVersion,omitempty"`
	BrowserFullVersion string `json:"browserFullVersion,omitempty"`
	OS                 string `json:"os,omitempty"`
	Result             string `json:"result,omitempty"`

	Message   string `json:"message,omitempty"`
	GroupLink string `json:"vrsGroupLink,omitempty"`
	DiffLink  string `json:"vrsDiffLink,omitempty"`
}

// Group is one ident group returned by GET /checks/byident/{id}.
type Group struct {
	Status Status        `json:"status"`
	Checks []CheckResult `json:"checks,omitempty"`
}

// BaselineQuery selects a baseline by image hash and ident field values.
type BaselineQuery struct {
	HashCode string
	Ident    map[string]string
}

// Encode renders the query as URL parameters. Empty ident values are omitted.
func (q BaselineQuery) Encode() string {
	values := url.Values{}
	for field, value := range q.Ident {
		if strings.TrimSpace(value) != "" {
			values.Set(field, value)
		}
	}
	values.Set("hashcode", q.HashCode)
	return values.Encode()
}

// baselineLookup accepts either a baseline document or a list of them.
type baselineLookup struct {
	exists bool
}

func (b *baselineLookup) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return err
		}
		b.exists = len(list) > 0
		return nil
	}
	var doc struct {
		ID string `json:"_id"`
	}
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return err
	}
	b.exists = doc.ID != ""
	return nil
}
