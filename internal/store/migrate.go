package store

import (
	"database/sql"
	"fmt"
	"time"
)

// A migration is one schema step. Steps are pure DDL/DML transforms applied
// in version order, each inside its own transaction: a failing step rolls
// back completely and aborts startup, leaving the previous version intact.
type migration struct {
	version     int
	description string
	apply       func(*sql.Tx) error
}

// migrations is the ordered ladder. Append only; never edit a shipped step.
var migrations = []migration{
	{
		version:     1,
		description: "records, sync_queue, checkpoint",
		apply: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE records (
    local_id         TEXT PRIMARY KEY,
    entity_type      TEXT    NOT NULL,
    remote_id        TEXT    NOT NULL DEFAULT '',
    payload          TEXT    NOT NULL,
    refs             TEXT    NOT NULL DEFAULT '{}',
    version          INTEGER NOT NULL,
    etag             TEXT    NOT NULL DEFAULT '',
    sync_status      TEXT    NOT NULL,
    modified_at      TEXT    NOT NULL,
    created_at       TEXT    NOT NULL,
    last_synced_at   TEXT    NOT NULL DEFAULT '',
    deleted_at       TEXT    NOT NULL DEFAULT '',
    remote_candidate TEXT    NOT NULL DEFAULT ''
);

CREATE UNIQUE INDEX idx_records_remote ON records (remote_id) WHERE remote_id != '';
CREATE INDEX        idx_records_type   ON records (entity_type);
CREATE INDEX        idx_records_status ON records (sync_status);

CREATE TABLE sync_queue (
    op_id           TEXT PRIMARY KEY,
    local_id        TEXT    NOT NULL,
    entity_type     TEXT    NOT NULL,
    kind            TEXT    NOT NULL,
    version         INTEGER NOT NULL,
    base_etag       TEXT    NOT NULL DEFAULT '',
    payload         TEXT    NOT NULL DEFAULT '',
    refs            TEXT    NOT NULL DEFAULT '{}',
    enqueued_at     TEXT    NOT NULL,
    attempts        INTEGER NOT NULL DEFAULT 0,
    next_attempt_at TEXT    NOT NULL DEFAULT '',
    last_error      TEXT    NOT NULL DEFAULT '',
    state           TEXT    NOT NULL DEFAULT 'pending'
);

CREATE UNIQUE INDEX idx_queue_local ON sync_queue (local_id);
CREATE INDEX        idx_queue_order ON sync_queue (enqueued_at);

CREATE TABLE checkpoint (
    id         INTEGER PRIMARY KEY CHECK (id = 1),
    token      TEXT NOT NULL DEFAULT '',
    updated_at TEXT NOT NULL DEFAULT ''
);
INSERT INTO checkpoint (id) VALUES (1);
`)
			return err
		},
	},
	{
		version:     2,
		description: "conflict audit log",
		apply: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE conflict_log (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    local_id        TEXT NOT NULL,
    entity_type     TEXT NOT NULL,
    local_modified  TEXT NOT NULL,
    remote_modified TEXT NOT NULL,
    resolution      TEXT NOT NULL DEFAULT '',
    detected_at     TEXT NOT NULL,
    resolved_at     TEXT NOT NULL DEFAULT ''
);

CREATE INDEX idx_conflict_open ON conflict_log (local_id) WHERE resolved_at = '';
`)
			return err
		},
	},
}

// migrate brings the database to the current schema version. A database
// written by a newer binary (on-disk version ahead of the ladder) is refused
// with [ErrSchemaMismatch] rather than guessed at.
func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
		    version     INTEGER PRIMARY KEY,
		    description TEXT NOT NULL,
		    applied_at  TEXT NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations: %w", err)
	}

	var current int
	if err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	latest := migrations[len(migrations)-1].version
	if current > latest {
		return fmt.Errorf("database at schema v%d, binary supports up to v%d: %w",
			current, latest, ErrSchemaMismatch)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := applyStep(db, m); err != nil {
			return fmt.Errorf("migration v%d (%s): %w", m.version, m.description, err)
		}
	}
	return nil
}

func applyStep(db *sql.DB, m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("beginning tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := m.apply(tx); err != nil {
		return err
	}
	if _, err := tx.Exec(
		`INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)`,
		m.version, m.description, formatTime(time.Now()),
	); err != nil {
		return fmt.Errorf("recording step: %w", err)
	}
	return tx.Commit()
}
