// Package storage provides the central SQLite database for Doorman.
// A single doorman.db file holds the trust classifications (allowed,
// pending, blocked), the audit event log, and the daily counters.
// WhatsApp session tables (whatsmeow_*) live in their own database.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3" // SQLite driver.
)

// schema is the DDL executed on every startup (idempotent via IF NOT EXISTS).
const schema = `
-- Senders approved by the operator. One row per (channel, sender).
CREATE TABLE IF NOT EXISTS allowed_users (
    channel       TEXT NOT NULL,
    sender_id     TEXT NOT NULL,
    label         TEXT DEFAULT '',
    added_at      TEXT NOT NULL,
    last_seen_at  TEXT NOT NULL,
    message_count INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (channel, sender_id)
);

-- Unclassified senders that have written to the bot. Capped collection.
CREATE TABLE IF NOT EXISTS pending_users (
    channel       TEXT NOT NULL,
    sender_id     TEXT NOT NULL,
    username      TEXT DEFAULT '',
    first_seen_at TEXT NOT NULL,
    last_seen_at  TEXT NOT NULL,
    count         INTEGER NOT NULL DEFAULT 1,
    PRIMARY KEY (channel, sender_id)
);

-- Blocked senders, manual or automatic (reason 'unknown_spam').
CREATE TABLE IF NOT EXISTS blocked_users (
    channel      TEXT NOT NULL,
    sender_id    TEXT NOT NULL,
    reason       TEXT NOT NULL DEFAULT '',
    blocked_at   TEXT NOT NULL,
    last_seen_at TEXT,
    count        INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (channel, sender_id)
);

-- Audit event log (append-only, pruned by retention job).
CREATE TABLE IF NOT EXISTS events (
    id         TEXT PRIMARY KEY,
    type       TEXT NOT NULL,
    channel    TEXT DEFAULT '',
    payload    TEXT DEFAULT '{}',
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at);

-- Per-day aggregated counters (unknown_msg_count, blocked_msg_count, ...).
CREATE TABLE IF NOT EXISTS daily_counters (
    day     TEXT NOT NULL,
    channel TEXT NOT NULL,
    field   TEXT NOT NULL,
    count   INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (day, channel, field)
);
`

// Open opens (or creates) the central doorman.db at the given path.
// It enables WAL mode for concurrent read performance and creates all tables.
func Open(path string) (*sql.DB, error) {
	if path == "" {
		path = "./data/doorman.db"
	}

	// Ensure parent directory exists.
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create database directory %q: %w", dir, err)
	}

	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", path, err)
	}

	// Verify connectivity.
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	// Create schema (idempotent).
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return db, nil
}
