package store

import (
	"context"
	"database/sql"
)

// schema contains the DDL for all contest tables.
// Each statement uses IF NOT EXISTS for idempotency.
//
// Task timestamps are unix milliseconds so the eligibility gate
// (created_at <= now) compares numerically.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS teams (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		name        TEXT NOT NULL UNIQUE,
		secret_hash TEXT NOT NULL DEFAULT '',
		active      INTEGER NOT NULL DEFAULT 1,
		last_seen   TEXT,
		created_at  TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS tasks (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		seq          INTEGER NOT NULL UNIQUE,
		name         TEXT NOT NULL DEFAULT '',
		content      TEXT NOT NULL,
		issued       INTEGER NOT NULL DEFAULT 0,
		issued_at    INTEGER,
		max_attempts INTEGER NOT NULL DEFAULT 3 CHECK (max_attempts > 0),
		created_at   INTEGER NOT NULL
	)`,

	// One row per issuance, written in the same transaction as the flag flip.
	// The primary key makes a second issuance of a task fail loudly.
	`CREATE TABLE IF NOT EXISTS issuances (
		task_id   INTEGER PRIMARY KEY REFERENCES tasks(id),
		issued_at INTEGER NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS submissions (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		team_id     INTEGER NOT NULL REFERENCES teams(id),
		task_id     INTEGER NOT NULL REFERENCES tasks(id),
		attempt     INTEGER NOT NULL,
		content     TEXT NOT NULL,
		metadata    TEXT,
		status      TEXT NOT NULL DEFAULT 'received',
		received_at TEXT NOT NULL,
		UNIQUE (team_id, task_id, attempt)
	)`,

	// Compound index for the acquire query (issued = 0 ORDER BY seq).
	`CREATE INDEX IF NOT EXISTS idx_tasks_issued_seq ON tasks(issued, seq)`,
	`CREATE INDEX IF NOT EXISTS idx_submissions_team_task ON submissions(team_id, task_id)`,
}

// migrate executes all schema DDL statements.
func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
