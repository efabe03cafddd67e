package main

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/vrs-kit/vrs/internal/journal"
	"github.com/vrs-kit/vrs/internal/vcs"
)

const (
	bugreportLogLimit     = 3
	bugreportSessionLimit = 10
	redactedValue         = `"***REDACTED***"`
)

var (
	bugreportNowFn     = func() time.Time { return time.Now().UTC() }
	bugreportHomeDirFn = os.UserHomeDir
	bugreportGetwdFn   = os.Getwd
	bugreportGitFn     = func(ctx context.Context, dir string) string {
		return vcs.New(dir).Describe(ctx).String()
	}
)

func newBugreportCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "bugreport",
		Short: "Collect logs, redacted config and recent sessions into an archive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a.logger.Info("collecting diagnostic bundle")
			path, err := runBugreport(cmd.Context(), a)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Bug report written to: %s\n", path)
			return err
		},
	}
}

func runBugreport(ctx context.Context, a *app) (string, error) {
	homeDir, err := bugreportHomeDirFn()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	cwd, err := bugreportGetwdFn()
	if err != nil {
		return "", fmt.Errorf("resolve current directory: %w", err)
	}

	now := bugreportNowFn()
	b := collectBugreport(ctx, a, filepath.Clean(homeDir), filepath.Clean(cwd), now)
	destination := filepath.Join(cwd, fmt.Sprintf(".vrs-bugreport-%s.tar.gz", now.Format("20060102-150405")))
	if err := b.write(destination, now); err != nil {
		return "", err
	}
	return destination, nil
}

type bundleFile struct {
	name string
	data []byte
}

type bundle struct {
	files    []bundleFile
	warnings []string
}

func (b *bundle) add(name string, data []byte) {
	b.files = append(b.files, bundleFile{name: name, data: data})
}

func (b *bundle) warn(format string, args ...any) {
	b.warnings = append(b.warnings, fmt.Sprintf(format, args...))
}

func collectBugreport(ctx context.Context, a *app, homeDir, cwd string, now time.Time) *bundle {
	b := &bundle{}

	logs := newestFiles(filepath.Join(homeDir, ".vrs", "logs"), bugreportLogLimit, b)
	for _, path := range logs {
		data, err := os.ReadFile(path)
		if err != nil {
			b.warn("unable to read log %s: %v", path, err)
			continue
		}
		b.add("logs/"+filepath.Base(path), data)
	}

	runID, sessionID := lastCorrelation(logs)
	if runID == "" && sessionID == "" {
		b.warn("no run_id or session_id found in logs")
	}
	b.add("last-run.txt", []byte(fmt.Sprintf("run_id: %s\nsession_id: %s\n", runID, sessionID)))
	b.add("version.txt", []byte(fmt.Sprintf("vrs version: %s\n", Version)))

	configs := map[string]string{
		"config/user.toml":    filepath.Join(homeDir, ".vrs", "config.toml"),
		"config/project.toml": filepath.Join(cwd, ".vrs", "config.toml"),
	}
	for name, path := range configs {
		data, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				b.warn("unable to read %s: %v", path, err)
			}
			continue
		}
		b.add(name, []byte(redactConfig(string(data))))
	}

	b.add("git-state.txt", []byte(bugreportGitFn(ctx, cwd)))

	if sessions, err := recentSessions(ctx, a.cfg.JournalPath); err != nil {
		b.warn("journal: %v", err)
	} else {
		b.add("sessions.txt", sessions)
	}

	b.add("README.txt", []byte(b.readme(now, runID, sessionID)))
	return b
}

func recentSessions(ctx context.Context, path string) ([]byte, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("journal_path is not configured")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	store, err := journal.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	records, err := store.ListSessions(ctx, bugreportSessionLimit)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := writeSessions(&buf, records); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// newestFiles lists regular files in dir, newest first.
func newestFiles(dir string, limit int, b *bundle) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		b.warn("unable to read %s: %v", dir, err)
		return nil
	}

	type dated struct {
		path    string
		modTime time.Time
	}
	files := make([]dated, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, dated{path: filepath.Join(dir, entry.Name()), modTime: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].modTime.After(files[j].modTime) })
	if limit > 0 && len(files) > limit {
		files = files[:limit]
	}

	paths := make([]string, len(files))
	for i, file := range files {
		paths[i] = file.path
	}
	return paths
}

// lastCorrelation scans the logs, newest record first, for run and session ids.
func lastCorrelation(paths []string) (string, string) {
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		for i := len(lines) - 1; i >= 0; i-- {
			var record struct {
				RunID     string `json:"run_id"`
				SessionID string `json:"session_id"`
			}
			if err := json.Unmarshal([]byte(lines[i]), &record); err != nil {
				continue
			}
			if record.RunID != "" || record.SessionID != "" {
				return record.RunID, record.SessionID
			}
		}
	}
	return "", ""
}

// redactConfig masks the values of credential-like TOML keys.
func redactConfig(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "[") {
			continue
		}
		key, _, ok := strings.Cut(line, "=")
		if !ok || !sensitiveKey(key) {
			continue
		}
		lines[i] = key + "= " + redactedValue
	}
	return strings.Join(lines, "\n")
}

func sensitiveKey(key string) bool {
	key = strings.ToLower(strings.Trim(strings.TrimSpace(key), `"'`))
	for _, marker := range []string{"key", "token", "secret", "password"} {
		if strings.Contains(key, marker) {
			return true
		}
	}
	return false
}

func (b *bundle) readme(now time.Time, runID, sessionID string) string {
	var builder strings.Builder
	fmt.Fprintf(&builder, "vrs bug report\n\nGenerated: %s\nVersion: %s\nrun_id: %s\nsession_id: %s\n\n",
		now.Format(time.RFC3339), Version, runID, sessionID)
	builder.WriteString("Included:\n")
	for _, file := range b.files {
		builder.WriteString("- " + file.name + "\n")
	}
	if len(b.warnings) > 0 {
		builder.WriteString("\nWarnings:\n")
		for _, warning := range b.warnings {
			builder.WriteString("- " + warning + "\n")
		}
	}
	return builder.String()
}

func (b *bundle) write(destination string, modTime time.Time) (err error) {
	file, err := os.OpenFile(destination, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create archive %s: %w", destination, err)
	}
	defer func() {
		if closeErr := file.Close(); err == nil && closeErr != nil {
			err = fmt.Errorf("close archive: %w", closeErr)
		}
	}()

	gz := gzip.NewWriter(file)
	tw := tar.NewWriter(gz)
	for _, entry := range b.files {
		if err := writeTarEntry(tw, entry, modTime); err != nil {
			return err
		}
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("finish tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("finish gzip: %w", err)
	}
	return nil
}

func writeTarEntry(tw *tar.Writer, entry bundleFile, modTime time.Time) error {
	header := &tar.Header{
		Name:    entry.name,
		Mode:    0o600,
		Size:    int64(len(entry.data)),
		ModTime: modTime,
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write tar header for %s: %w", entry.name, err)
	}
	if _, err := io.Copy(tw, bytes.NewReader(entry.data)); err != nil {
		return fmt.Errorf("write %s: %w", entry.name, err)
	}
	return nil
}
