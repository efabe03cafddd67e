// Package journal keeps a local SQLite history of sessions and verdicts.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SessionRecord is one journaled session.
type SessionRecord struct {
	SessionID string
	TestName  string
	Run       string
	RunIdent  string
	Branch    string
	App       string
	Suite     string
	OS        string
	Browser   string
	Viewport  string
	Verdict   string
	Blinking  int
	StopError string
	StartedAt time.Time
	StoppedAt time.Time
}

// CheckRecord is one journaled check result.
type CheckRecord struct {
	SessionID string
	CheckID   string
	Name      string
	Status    string
	DiffLink  string
	CreatedAt time.Time
}

// Store provides SQLite-backed session history.
type Store struct {
	sqlDB *sql.DB
	now   func() time.Time
}

// Open opens the journal at path, creating directories and applying migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("journal path is required")
	}
	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o750); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	dsn := cleanPath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB, now: time.Now}, nil
}

// Close releases the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return errors.New("journal is not configured")
	}
	return nil
}

// RecordSession inserts a started session. Recording the same id twice is a no-op.
func (s *Store) RecordSession(ctx context.Context, record SessionRecord) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	record.SessionID = strings.TrimSpace(record.SessionID)
	if record.SessionID == "" {
		return errors.New("session id is required")
	}
	if record.StartedAt.IsZero() {
		record.StartedAt = s.now().UTC()
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT OR IGNORE INTO sessions (
	session_id, test_name, run, run_ident, branch, app, suite, os, browser, viewport, started_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		record.SessionID,
		record.TestName,
		record.Run,
		record.RunIdent,
		record.Branch,
		record.App,
		record.Suite,
		record.OS,
		record.Browser,
		record.Viewport,
		record.StartedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record session: %w", err)
	}
	return nil
}

// RecordCheck appends a check result to a journaled session.
func (s *Store) RecordCheck(ctx context.Context, record CheckRecord) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	record.SessionID = strings.TrimSpace(record.SessionID)
	if record.SessionID == "" {
		return errors.New("session id is required")
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = s.now().UTC()
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO checks (session_id, check_id, name, status, diff_link, created_at)
VALUES (?, ?, ?, ?, ?, ?)
`,
		record.SessionID,
		record.CheckID,
		record.Name,
		record.Status,
		record.DiffLink,
		record.CreatedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record check: %w", err)
	}
	return nil
}

// RecordVerdict stores the final verdict of a session.
func (s *Store) RecordVerdict(ctx context.Context, sessionID, verdict string, blinking int, stopErr error) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	errText := ""
	if stopErr != nil {
		errText = stopErr.Error()
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE sessions SET verdict = ?, blinking = ?, stop_error = ?, stopped_at = ?
WHERE session_id = ?
`,
		verdict,
		blinking,
		errText,
		s.now().UTC().UnixMilli(),
		strings.TrimSpace(sessionID),
	)
	if err != nil {
		return fmt.Errorf("record verdict: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("record verdict: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("record verdict: session %q not found", sessionID)
	}
	return nil
}

// ListSessions returns newest-first sessions.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT session_id, test_name, run, run_ident, branch, app, suite, os, browser, viewport,
       verdict, blinking, stop_error, started_at, stopped_at
FROM sessions
ORDER BY started_at DESC, session_id DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	records := []SessionRecord{}
	for rows.Next() {
		var (
			record    SessionRecord
			startedAt int64
			stoppedAt int64
		)
		if err := rows.Scan(
			&record.SessionID,
			&record.TestName,
			&record.Run,
			&record.RunIdent,
			&record.Branch,
			&record.App,
			&record.Suite,
			&record.OS,
			&record.Browser,
			&record.Viewport,
			&record.Verdict,
			&record.Blinking,
			&record.StopError,
			&startedAt,
			&stoppedAt,
		); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		record.StartedAt = time.UnixMilli(startedAt).UTC()
		if stoppedAt > 0 {
			record.StoppedAt = time.UnixMilli(stoppedAt).UTC()
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return records, nil
}

// Checks returns the journaled checks of a session in submission order.
func (s *Store) Checks(ctx context.Context, sessionID string) ([]CheckRecord, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT session_id, check_id, name, status, diff_link, created_at
FROM checks
WHERE session_id = ?
ORDER BY id ASC
`, strings.TrimSpace(sessionID))
	if err != nil {
		return nil, fmt.Errorf("list checks: %w", err)
	}
	defer rows.Close()

	records := []CheckRecord{}
	for rows.Next() {
		var (
			record    CheckRecord
			createdAt int64
		)
		if err := rows.Scan(&record.SessionID, &record.CheckID, &record.Name, &record.Status, &record.DiffLink, &createdAt); err != nil {
			return nil, fmt.Errorf("scan check: %w", err)
		}
		record.CreatedAt = time.UnixMilli(createdAt).UTC()
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checks: %w", err)
	}
	return records, nil
}
