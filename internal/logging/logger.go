// Package logging writes structured run logs for vrs commands.
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// Option configures RuntimeLogger creation.
type Option func(*newOptions)

type newOptions struct {
	runID     string
	sessionID string
	level     log.Level
	dir       string
	mirror    io.Writer
}

// WithRunID sets the run_id field and adds the run to the log file name.
func WithRunID(runID string) Option {
	return func(opts *newOptions) {
		opts.runID = strings.TrimSpace(runID)
	}
}

// WithSessionID sets the session_id field.
func WithSessionID(sessionID string) Option {
	return func(opts *newOptions) {
		opts.sessionID = strings.TrimSpace(sessionID)
	}
}

// WithLevel sets the minimum level from a name such as "debug" or "warn".
// Unknown names keep the default info level.
func WithLevel(level string) Option {
	return func(opts *newOptions) {
		if parsed, err := log.ParseLevel(strings.TrimSpace(level)); err == nil {
			opts.level = parsed
		}
	}
}

// WithDir writes the log file into dir instead of ~/.vrs/logs.
func WithDir(dir string) Option {
	return func(opts *newOptions) {
		opts.dir = strings.TrimSpace(dir)
	}
}

// WithMirror also writes every record to w, typically stderr for --verbose.
func WithMirror(w io.Writer) Option {
	return func(opts *newOptions) {
		opts.mirror = w
	}
}

// RuntimeLogger writes structured JSON logs to disk.
type RuntimeLogger struct {
	Logger     *log.Logger
	file       *os.File
	path       string
	baseLogger *log.Logger
	runID      string
	sessionID  string
}

// New initializes logging under ~/.vrs/logs. Nothing is written to stdout.
func New(ctx context.Context, options ...Option) (*RuntimeLogger, error) {
	resolved := resolveOptions(options)

	logDir := resolved.dir
	if logDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		logDir = filepath.Join(homeDir, ".vrs", "logs")
	}
	if err := os.MkdirAll(logDir, 0o750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	timestamp := time.Now().UTC().Format("20060102-150405")
	fileName := fmt.Sprintf("vrs-%s.log", timestamp)
	if resolved.runID != "" {
		fileName = fmt.Sprintf("vrs-%s-%s.log", timestamp, fileSafe(resolved.runID))
	}
	filePath := filepath.Join(logDir, fileName)
	// #nosec G304 -- filePath is constructed from trusted local paths.
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	var out io.Writer = file
	if resolved.mirror != nil {
		out = io.MultiWriter(file, resolved.mirror)
	}
	logger := log.NewWithOptions(out, log.Options{
		Level:           resolved.level,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
	})
	logger.SetFormatter(log.JSONFormatter)

	runtimeLogger := &RuntimeLogger{
		file:       file,
		path:       filePath,
		baseLogger: logger,
		runID:      resolved.runID,
		sessionID:  resolved.sessionID,
	}
	runtimeLogger.rebuildLogger()
	runtimeLogger.Logger.With("log_file", filePath).Debug("logger initialized")

	_ = ctx
	return runtimeLogger, nil
}

// WithRunID updates the run_id field for subsequent log records.
func (r *RuntimeLogger) WithRunID(runID string) *RuntimeLogger {
	if r == nil {
		return nil
	}
	r.runID = strings.TrimSpace(runID)
	r.rebuildLogger()
	return r
}

// WithSessionID updates the session_id field for subsequent log records.
func (r *RuntimeLogger) WithSessionID(sessionID string) *RuntimeLogger {
	if r == nil {
		return nil
	}
	r.sessionID = strings.TrimSpace(sessionID)
	r.rebuildLogger()
	return r
}

// Close closes the log file.
func (r *RuntimeLogger) Close() error {
	if r == nil || r.file == nil {
		return nil
	}
	return r.file.Close()
}

// Path returns the current log file path.
func (r *RuntimeLogger) Path() string {
	if r == nil {
		return ""
	}
	return r.path
}

func (r *RuntimeLogger) rebuildLogger() {
	if r == nil || r.baseLogger == nil {
		return
	}
	r.Logger = r.baseLogger.With(
		"run_id", r.runID,
		"session_id", r.sessionID,
	)
}

func resolveOptions(options []Option) newOptions {
	resolved := newOptions{level: log.InfoLevel}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(&resolved)
	}
	return resolved
}

func fileSafe(value string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, value)
}
