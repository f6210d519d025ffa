package store

import (
	"context"
	"database/sql"
	"fmt"
)

type migration struct {
	Version int
	UpSQL   string
}

var migrations = []migration{
	{
		Version: 1,
		UpSQL: `
CREATE TABLE IF NOT EXISTS _metadata (
	key TEXT PRIMARY KEY,
	value BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS agents (
	agent_id TEXT PRIMARY KEY,
	status TEXT NOT NULL CHECK(status IN ('HEALTHY','WARNING','OFFLINE','TRIGGERED')),
	last_seen INTEGER NOT NULL,
	registered_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS tokens (
	token_id TEXT PRIMARY KEY,
	deployed_path BLOB NOT NULL,
	agent_id TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tokens_agent ON tokens(agent_id);

CREATE TABLE IF NOT EXISTS events (
	event_id INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_id TEXT NOT NULL,
	token_id TEXT NOT NULL,
	event_kind TEXT NOT NULL CHECK(event_kind IN ('created','modified','deleted','moved','accessed')),
	path BLOB NOT NULL,
	nonce TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	received_at INTEGER NOT NULL,
	UNIQUE(agent_id, nonce)
);
CREATE INDEX IF NOT EXISTS idx_events_time ON events(timestamp DESC, event_id DESC);
CREATE INDEX IF NOT EXISTS idx_events_agent ON events(agent_id, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_events_token ON events(token_id, timestamp DESC);
`,
	},
	{
		Version: 2,
		UpSQL: `
ALTER TABLE agents ADD COLUMN remote_addr TEXT NOT NULL DEFAULT '';
ALTER TABLE tokens ADD COLUMN name TEXT NOT NULL DEFAULT '';
ALTER TABLE tokens ADD COLUMN deployed_at INTEGER NOT NULL DEFAULT 0;
`,
	},
	{
		Version: 3,
		UpSQL: `
ALTER TABLE events ADD COLUMN extra BLOB;
CREATE INDEX IF NOT EXISTS idx_events_received ON events(received_at);
`,
	},
}

// applyMigrations brings the schema up to the latest version. Each
// migration runs in its own transaction.
func applyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations(version INTEGER PRIMARY KEY, applied_at INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var exists int
		err := db.QueryRowContext(ctx, `SELECT 1 FROM schema_migrations WHERE version = ?`, m.Version).Scan(&exists)
		if err == nil {
			continue
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES (?, strftime('%s','now'))`, m.Version); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

// schemaVersion returns the highest applied migration
func schemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&v); err != nil {
		return 0, err
	}
	return int(v.Int64), nil
}
