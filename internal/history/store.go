// Package history keeps a record of terminal sessions in sqlite: who ran
// what, where, and how it ended. Terminal output is never stored.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loppo-llc/monoterm/internal/session"
)

const (
	// DefaultRetention bounds how long finished sessions are kept.
	DefaultRetention = 7 * 24 * time.Hour
	defaultLimit     = 50
	maxLimit         = 1000
)

// Record is one session as stored.
type Record struct {
	ID           string     `json:"id"`
	ConnectionID string     `json:"connectionId"`
	WorkspaceTag string     `json:"workspace,omitempty"`
	Dir          string     `json:"path"`
	Command      string     `json:"command"`
	Strategy     string     `json:"strategy"`
	Pid          int        `json:"pid"`
	StartedAt    time.Time  `json:"startedAt"`
	EndedAt      *time.Time `json:"endedAt,omitempty"`
	Outcome      string     `json:"outcome,omitempty"`
	ExitCode     *int       `json:"exitCode,omitempty"`
}

// Store is a sqlite-backed session.Recorder.
type Store struct {
	db *sql.DB
}

var _ session.Recorder = (*Store)(nil)

// Open opens (creating if needed) the database at path and applies migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		db.Close()
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	if err := applyMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordStart inserts a row for a freshly registered session.
func (s *Store) RecordStart(ctx context.Context, info session.Info) error {
	started, err := time.Parse(time.RFC3339, info.StartedAt)
	if err != nil {
		started = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO sessions(id, connection_id, workspace, dir, command, strategy, pid, started_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING
`, info.ID, info.ConnectionID, info.WorkspaceTag, info.Dir, info.Command, info.Strategy, info.Pid, ts(started))
	if err != nil {
		return fmt.Errorf("record start: %w", err)
	}
	return nil
}

// RecordEnd stores how a session ended. A session that was never recorded as
// started is inserted whole.
func (s *Store) RecordEnd(ctx context.Context, sum session.Summary) error {
	started, err := time.Parse(time.RFC3339, sum.StartedAt)
	if err != nil {
		started = sum.EndedAt
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO sessions(id, connection_id, workspace, dir, command, strategy, pid, started_at, ended_at, outcome, exit_code)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	ended_at=excluded.ended_at,
	outcome=excluded.outcome,
	exit_code=excluded.exit_code
`, sum.ID, sum.ConnectionID, sum.WorkspaceTag, sum.Dir, sum.Command, sum.Strategy, sum.Pid,
		ts(started), ts(sum.EndedAt), string(sum.Outcome), sum.ExitCode)
	if err != nil {
		return fmt.Errorf("record end: %w", err)
	}
	return nil
}

// Recent returns the newest sessions first. limit <= 0 selects a default.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, connection_id, workspace, dir, command, strategy, pid, started_at, ended_at, outcome, exit_code
FROM sessions
ORDER BY started_at DESC, rowid DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r        Record
			started  string
			ended    sql.NullString
			outcome  sql.NullString
			exitCode sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.ConnectionID, &r.WorkspaceTag, &r.Dir, &r.Command, &r.Strategy, &r.Pid,
			&started, &ended, &outcome, &exitCode); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if r.StartedAt, err = parseTS(started); err != nil {
			return nil, fmt.Errorf("parse started_at %q: %w", started, err)
		}
		if ended.Valid {
			t, err := parseTS(ended.String)
			if err != nil {
				return nil, fmt.Errorf("parse ended_at %q: %w", ended.String, err)
			}
			r.EndedAt = &t
		}
		r.Outcome = outcome.String
		if exitCode.Valid {
			c := int(exitCode.Int64)
			r.ExitCode = &c
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

// Prune deletes sessions that started before now-retention and returns how
// many rows were removed.
func (s *Store) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE started_at < ?`,
		ts(time.Now().Add(-retention)))
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
