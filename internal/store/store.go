// Package store opens the slimy SQLite database and bootstraps its schema.
//
// Storage layout:
//   - members:    durable identity per (guild, canonical key)
//   - aliases:    extra canonical keys resolving to an existing member
//   - snapshots:  immutable ingestion events
//   - metrics:    (snapshot, member, kind) values, cascade-deleted with
//     their snapshot
//   - latest_view: fully-replaceable materialized projection per guild
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS members (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	guild_id TEXT NOT NULL,
	canonical_key TEXT NOT NULL,
	display_name TEXT NOT NULL,
	last_seen_at DATETIME NOT NULL,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(guild_id, canonical_key)
);

CREATE TABLE IF NOT EXISTS aliases (
	guild_id TEXT NOT NULL,
	alias_key TEXT NOT NULL,
	member_id INTEGER NOT NULL REFERENCES members(id),
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY(guild_id, alias_key)
);

CREATE TABLE IF NOT EXISTS snapshots (
	id TEXT PRIMARY KEY,
	guild_id TEXT NOT NULL,
	created_by TEXT NOT NULL,
	snapshot_at DATETIME NOT NULL,
	notes TEXT,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS metrics (
	snapshot_id TEXT NOT NULL REFERENCES snapshots(id) ON DELETE CASCADE,
	member_id INTEGER NOT NULL REFERENCES members(id),
	metric TEXT NOT NULL CHECK(metric IN ('sim','total')),
	value INTEGER,
	UNIQUE(snapshot_id, member_id, metric)
);

CREATE TABLE IF NOT EXISTS latest_view (
	guild_id TEXT NOT NULL,
	member_id INTEGER NOT NULL,
	display_name TEXT NOT NULL,
	canonical_key TEXT NOT NULL,
	sim INTEGER,
	total INTEGER,
	prev_sim INTEGER,
	prev_total INTEGER,
	sim_pct REAL,
	total_pct REAL,
	snapshot_at DATETIME NOT NULL,
	PRIMARY KEY(guild_id, member_id)
);

CREATE INDEX IF NOT EXISTS idx_members_guild ON members(guild_id);
CREATE INDEX IF NOT EXISTS idx_members_seen ON members(guild_id, last_seen_at);
CREATE INDEX IF NOT EXISTS idx_snapshots_guild_at ON snapshots(guild_id, snapshot_at);
CREATE INDEX IF NOT EXISTS idx_metrics_snapshot ON metrics(snapshot_id);
CREATE INDEX IF NOT EXISTS idx_metrics_member ON metrics(member_id);
`

// Open opens (creating if needed) the database at path and ensures the
// schema exists.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Metric cascade on snapshot delete requires foreign keys on.
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set journal mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}

	return db, nil
}
