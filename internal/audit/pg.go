package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver for database/sql
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS tool_audit (
	id            BIGSERIAL PRIMARY KEY,
	ts            TIMESTAMPTZ NOT NULL,
	user_id       TEXT NOT NULL,
	channel       TEXT NOT NULL DEFAULT '',
	skill         TEXT NOT NULL DEFAULT '',
	tool          TEXT NOT NULL,
	input_preview TEXT NOT NULL DEFAULT '',
	sensitive     BOOLEAN NOT NULL DEFAULT FALSE,
	is_subagent   BOOLEAN NOT NULL DEFAULT FALSE,
	outcome       TEXT NOT NULL,
	error         TEXT NOT NULL DEFAULT '',
	duration_ms   BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_tool_audit_ts ON tool_audit(ts);
`

// PGStore persists audit entries in Postgres, for deployments that already
// run one and want the trail off the gateway host.
type PGStore struct {
	db *sql.DB
}

// NewPGStore connects via the env-provided DSN and ensures the schema.
func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, pgSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init audit schema: %w", err)
	}
	return &PGStore{db: db}, nil
}

func (s *PGStore) Insert(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_audit
		 (ts, user_id, channel, skill, tool, input_preview, sensitive, is_subagent, outcome, error, duration_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.Time, e.UserID, e.Channel, e.Skill, e.Tool, e.InputPreview,
		e.Sensitive, e.IsSubagent, e.Outcome, e.Error, e.DurationMs)
	return err
}

func (s *PGStore) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ts, user_id, channel, skill, tool, input_preview, sensitive, is_subagent, outcome, error, duration_ms
		 FROM tool_audit ORDER BY id DESC LIMIT $1`, limit)
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

func (s *PGStore) Close() error {
	return s.db.Close()
}
