package audit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS tool_audit (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	ts            DATETIME NOT NULL,
	user_id       TEXT NOT NULL,
	channel       TEXT NOT NULL DEFAULT '',
	skill         TEXT NOT NULL DEFAULT '',
	tool          TEXT NOT NULL,
	input_preview TEXT NOT NULL DEFAULT '',
	sensitive     INTEGER NOT NULL DEFAULT 0,
	is_subagent   INTEGER NOT NULL DEFAULT 0,
	outcome       TEXT NOT NULL,
	error         TEXT NOT NULL DEFAULT '',
	duration_ms   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_tool_audit_ts ON tool_audit(ts);
`

// SQLiteStore persists audit entries in a local SQLite file. The default
// backend: zero external services, good enough for a single gateway.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path and
// ensures the schema exists.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create audit dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	// Single connection sidesteps SQLITE_BUSY between writer and readers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init audit schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Insert(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_audit
		 (ts, user_id, channel, skill, tool, input_preview, sensitive, is_subagent, outcome, error, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Time, e.UserID, e.Channel, e.Skill, e.Tool, e.InputPreview,
		e.Sensitive, e.IsSubagent, e.Outcome, e.Error, e.DurationMs)
	return err
}

func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ts, user_id, channel, skill, tool, input_preview, sensitive, is_subagent, outcome, error, duration_ms
		 FROM tool_audit ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Time, &e.UserID, &e.Channel, &e.Skill, &e.Tool,
			&e.InputPreview, &e.Sensitive, &e.IsSubagent, &e.Outcome, &e.Error, &e.DurationMs); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
