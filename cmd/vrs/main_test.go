package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vrs-kit/vrs/internal/checks"
	"github.com/vrs-kit/vrs/internal/config"
	"github.com/vrs-kit/vrs/internal/probe"
	"github.com/vrs-kit/vrs/internal/servicetest"
	"github.com/vrs-kit/vrs/internal/session"
)

// testApp isolates HOME so logging writes into a temp directory.
func testApp(t *testing.T, fake *servicetest.Server) (*app, *bytes.Buffer) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	cfg := &config.Config{
		APIKey:        "secret",
		Suite:         session.DefaultSuite,
		PollAttempts:  1,
		PollInterval:  time.Millisecond,
		RetryMaxTries: 1,
		LogLevel:      "debug",
		JournalPath:   filepath.Join(home, ".vrs", "journal.db"),
	}
	if fake != nil {
		cfg.URL = fake.BaseURL()
	}

	var stderr bytes.Buffer
	a := newApp(cfg, &bytes.Buffer{}, &stderr)
	if fake != nil {
		a.newHTTPClient = fake.Client
	}
	t.Cleanup(a.close)
	return a, &stderr
}

func execute(t *testing.T, a *app, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand(a)
	var stdout bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stdout)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), err
}

func writeImage(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, content, 0o600))
	return path
}

var environmentArgs = []string{"--os", "macintel", "--browser", "chrome", "--browser-full-version", "120.0.1", "--viewport", "1366x768"}

func TestRootCommandVersionFlag(t *testing.T) {
	originalVersion := Version
	defer func() { Version = originalVersion }()
	Version = "v0.1.0-test"

	a, _ := testApp(t, nil)
	output, err := execute(t, a, "--version")
	require.NoError(t, err)
	assert.Equal(t, "v0.1.0-test", strings.TrimSpace(output))
}

func TestRootCommandHelpListsSubcommands(t *testing.T) {
	a, _ := testApp(t, nil)
	output, err := execute(t, a, "--help")
	require.NoError(t, err)
	for _, name := range []string{"run", "capture", "status", "hash", "history", "doctor", "bugreport"} {
		assert.Contains(t, output, name)
	}
}

func TestRunSubmitsImagesAndReportsVerdict(t *testing.T) {
	fake := servicetest.New(t)
	fake.Handle(http.MethodGet, "/checks/byident/", func(servicetest.Request) (int, any) {
		return http.StatusOK, servicetest.Groups("login", "new", "cart", "new")
	})
	a, _ := testApp(t, fake)

	dir := t.TempDir()
	login := writeImage(t, dir, "Login Page.png", []byte("login"))
	cart := writeImage(t, dir, "cart.png", []byte("cart"))

	args := append([]string{"run", "--test", "checkout", "--branch", "main", "--app", "shop", "-q"}, environmentArgs...)
	output, err := execute(t, a, append(args, login, cart)...)
	require.NoError(t, err)
	assert.Contains(t, output, "session session-1: New (groups 2, blinking 0)")

	submitted := fake.RequestsTo(http.MethodPost, "/checks")
	require.Len(t, submitted, 2)
	names := map[string]string{}
	for _, req := range submitted {
		names[req.Fields["name"]] = req.Fields["hashcode"]
		assert.Equal(t, "macOS", req.Fields["os"])
		assert.Equal(t, "120", req.Fields["browserVersion"])
	}
	assert.Equal(t, checks.ContentHash([]byte("login")), names["login_page"])
	assert.Equal(t, checks.ContentHash([]byte("cart")), names["cart"])

	created := fake.RequestsTo(http.MethodPost, "/tests")
	require.Len(t, created, 1)
	assert.Equal(t, "checkout", created[0].Fields["name"])
	assert.NotEmpty(t, created[0].Fields["runident"])
	assert.True(t, strings.HasPrefix(created[0].Fields["run"], "checkout "))
	require.Len(t, fake.RequestsTo(http.MethodPost, "/session/session-1"), 1)

	history, err := execute(t, a, "history")
	require.NoError(t, err)
	assert.Contains(t, history, "session-1")
	assert.Contains(t, history, "New")

	checksOutput, err := execute(t, a, "history", "session-1")
	require.NoError(t, err)
	assert.Contains(t, checksOutput, "login_page")
}

func TestRunFailedVerdictExitsNonZero(t *testing.T) {
	fake := servicetest.New(t)
	fake.Handle(http.MethodGet, "/checks/byident/", func(servicetest.Request) (int, any) {
		return http.StatusOK, servicetest.Groups("login", "failed")
	})
	a, _ := testApp(t, fake)
	image := writeImage(t, t.TempDir(), "login.png", []byte("x"))

	args := append([]string{"run", "--test", "t", "--branch", "b", "--app", "a", "-q", "--no-journal"}, environmentArgs...)
	output, err := execute(t, a, append(args, image)...)
	require.ErrorIs(t, err, errVerdictFailed)
	assert.Contains(t, output, "Failed")
}

func TestRunStopsSessionWhenSubmissionFails(t *testing.T) {
	fake := servicetest.New(t)
	a, _ := testApp(t, fake)

	args := append([]string{"run", "--test", "t", "--branch", "b", "--app", "a", "-q", "--no-journal"}, environmentArgs...)
	_, err := execute(t, a, append(args, filepath.Join(t.TempDir(), "missing.png"))...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing.png")
	assert.Len(t, fake.RequestsTo(http.MethodPost, "/session/"), 1)
}

func TestRunRequiresServiceConfig(t *testing.T) {
	a, _ := testApp(t, nil)
	a.cfg.APIKey = ""
	image := writeImage(t, t.TempDir(), "x.png", []byte("x"))

	args := append([]string{"run", "--test", "t", "--branch", "b", "--app", "a"}, environmentArgs...)
	_, err := execute(t, a, append(args, image)...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "url")
}

func TestStatusPrintsGroupsAndVerdict(t *testing.T) {
	fake := servicetest.New(t)
	fake.Handle(http.MethodGet, "/checks/byident/", func(servicetest.Request) (int, any) {
		return http.StatusOK, servicetest.Groups("b-group", "blinking", "a-group", "passed")
	})
	a, _ := testApp(t, fake)

	output, err := execute(t, a, "status", "s-9")
	require.NoError(t, err)
	assert.Less(t, strings.Index(output, "a-group"), strings.Index(output, "b-group"))
	assert.Contains(t, output, "session s-9: Passed (groups 2, blinking 1)")

	jsonOutput, err := execute(t, a, "status", "s-9", "--json")
	require.NoError(t, err)
	assert.Contains(t, jsonOutput, `"verdict": "Passed"`)
	assert.Contains(t, jsonOutput, `"blinking": 1`)
}

func TestDoctorReportsChecks(t *testing.T) {
	fake := servicetest.New(t)
	a, _ := testApp(t, fake)
	a.cfg.RequestTimeout = time.Second

	output, err := execute(t, a, "doctor")
	require.NoError(t, err)
	assert.Regexp(t, `ok\s+config`, output)
	assert.Contains(t, output, "ident fields: name, viewport")
	assert.Contains(t, output, "journal")
	require.Len(t, fake.RequestsTo(http.MethodGet, "/ident"), 1)
}

func TestDoctorFailsWithoutServiceSettings(t *testing.T) {
	a, _ := testApp(t, nil)
	a.cfg.RequestTimeout = time.Second

	output, err := execute(t, a, "doctor")
	require.Error(t, err)
	assert.Regexp(t, `fail\s+service`, output)
}

func TestHashPrintsContentHash(t *testing.T) {
	a, _ := testApp(t, nil)
	path := writeImage(t, t.TempDir(), "a.png", []byte("abc"))

	output, err := execute(t, a, "hash", path)
	require.NoError(t, err)
	assert.Equal(t, checks.ContentHash([]byte("abc"))+"  "+path, strings.TrimSpace(output))
}

func TestFinish(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	tests := []struct {
		name    string
		done    outcome
		err     error
		wantErr error
		wantOut string
	}{
		{name: "passed", done: outcome{sessionID: "s", result: session.Result{Verdict: session.VerdictPassed, Groups: 1}}, wantOut: "session s: Passed (groups 1, blinking 0)\n"},
		{name: "failed", done: outcome{sessionID: "s", result: session.Result{Verdict: session.VerdictFailed}}, wantErr: errVerdictFailed, wantOut: "session s: Failed"},
		{name: "error wins", done: outcome{sessionID: "s", result: session.Result{Verdict: session.VerdictFailed}}, err: boom, wantErr: boom, wantOut: "session s: Failed"},
		{name: "never started", err: boom, wantErr: boom},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var out bytes.Buffer
			err := finish(&out, tt.done, tt.err)
			if tt.wantErr == nil {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, tt.wantErr)
			}
			if tt.wantOut == "" {
				assert.Empty(t, out.String())
			} else {
				assert.Contains(t, out.String(), tt.wantOut)
			}
		})
	}
}

func TestEnvironmentFlagsProbe(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	capabilities := filepath.Join(dir, "caps.json")
	require.NoError(t, os.WriteFile(capabilities, []byte(`{
		"platform": "windows",
		"browserName": "firefox",
		"browserVersion": "118.0.2"
	}`), 0o600))

	tests := []struct {
		name    string
		flags   environmentFlags
		postfix string
		want    probe.Environment
	}{
		{
			name:  "flags only",
			flags: environmentFlags{os: "win32", browserName: "chrome", browserFullVersion: "120.0.1", viewport: "1x1", headless: true},
			want:  probe.Environment{OS: "WINDOWS", BrowserName: "chrome [HEADLESS]", BrowserVersion: "120", BrowserFullVersion: "120.0.1", Viewport: "1x1"},
		},
		{
			name:    "postfix keeps raw platform",
			flags:   environmentFlags{os: "linux"},
			postfix: "ci",
			want:    probe.Environment{OS: "linux_ci"},
		},
		{
			name:  "capabilities with override",
			flags: environmentFlags{capabilities: capabilities, viewport: "1024x768"},
			want:  probe.Environment{OS: "WINDOWS", BrowserName: "firefox", BrowserVersion: "118", BrowserFullVersion: "118.0.2", Viewport: "1024x768"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			envProbe, err := tt.flags.probe(tt.postfix)
			require.NoError(t, err)
			got, err := envProbe.Environment(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEnvironmentFlagsProbeRejectsBadCapabilities(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "caps.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o600))
	_, err := (&environmentFlags{capabilities: path}).probe("")
	require.Error(t, err)
}

func TestCheckName(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "Login Page", checkName("/tmp/shots/Login Page.png"))
	assert.Equal(t, "archive.tar", checkName("archive.tar.gz"))
	assert.Equal(t, "plain", checkName("plain"))
}

func TestParsePages(t *testing.T) {
	t.Parallel()

	pages, err := parsePages([]string{"home=https://example.test/", " cart = https://example.test/cart?a=b "})
	require.NoError(t, err)
	assert.Equal(t, []page{{name: "home", url: "https://example.test/"}, {name: "cart", url: "https://example.test/cart?a=b"}}, pages)

	for _, bad := range []string{"home", "=https://x", "home="} {
		_, err := parsePages([]string{bad})
		assert.Error(t, err, bad)
	}
}

func TestSessionFlagsParamsDefaults(t *testing.T) {
	original := gitBranchFn
	defer func() { gitBranchFn = original }()
	gitBranchFn = func(context.Context) (string, error) { return "feature/x", nil }

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	params := (&sessionFlags{test: "login"}).params(context.Background(), now)
	assert.Equal(t, "login 2026-03-01T12:00:00Z", params.Run)
	assert.Equal(t, "feature/x", params.Branch)
	assert.Len(t, params.RunIdent, 36)

	gitBranchFn = func(context.Context) (string, error) { return "", errors.New("not a repository") }
	explicit := (&sessionFlags{test: "login", run: "r", runIdent: "i"}).params(context.Background(), now)
	assert.Equal(t, "r", explicit.Run)
	assert.Equal(t, "i", explicit.RunIdent)
	assert.Empty(t, explicit.Branch)
}
