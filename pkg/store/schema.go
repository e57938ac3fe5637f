package store

import (
	"context"
	"fmt"
)

const schemaVersion = 1

var schema = []string{
	`CREATE TABLE IF NOT EXISTS material_records (
		uuid         TEXT PRIMARY KEY,
		project      TEXT NOT NULL,
		display_name TEXT NOT NULL,
		content_hash TEXT NOT NULL DEFAULT '',
		origin       TEXT NOT NULL,
		library_hash TEXT NOT NULL DEFAULT '',
		created_at   INTEGER NOT NULL,
		updated_at   INTEGER NOT NULL,
		last_used_at INTEGER NOT NULL DEFAULT 0,
		use_count    INTEGER NOT NULL DEFAULT 0,
		is_utility   INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_records_content_hash ON material_records(content_hash)`,
	`CREATE INDEX IF NOT EXISTS idx_records_library_hash ON material_records(library_hash)`,
	`CREATE INDEX IF NOT EXISTS idx_records_project ON material_records(project)`,

	`CREATE TABLE IF NOT EXISTS hash_history (
		uuid         TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		seen_at      INTEGER NOT NULL,
		PRIMARY KEY (uuid, content_hash)
	)`,

	`CREATE TABLE IF NOT EXISTS library_entries (
		content_hash           TEXT PRIMARY KEY,
		name                   TEXT NOT NULL,
		label                  TEXT NOT NULL,
		label_donor            TEXT NOT NULL DEFAULT '',
		label_donor_created_at INTEGER NOT NULL DEFAULT 0,
		use_count              INTEGER NOT NULL DEFAULT 0,
		last_used_at           INTEGER NOT NULL DEFAULT 0,
		created_at             INTEGER NOT NULL,
		packed                 INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_entries_last_used ON library_entries(last_used_at)`,

	`CREATE TABLE IF NOT EXISTS backup_snapshots (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		project     TEXT NOT NULL,
		mode        TEXT NOT NULL,
		name        TEXT NOT NULL,
		created_at  INTEGER NOT NULL,
		assignments BLOB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_backups_project ON backup_snapshots(project, mode, id)`,

	`CREATE TABLE IF NOT EXISTS thumbnail_cache (
		content_hash TEXT PRIMARY KEY,
		image        BLOB,
		generated_at INTEGER NOT NULL DEFAULT 0,
		status       TEXT NOT NULL,
		error        TEXT NOT NULL DEFAULT ''
	)`,

	`CREATE TABLE IF NOT EXISTS localisation_log (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		at           INTEGER NOT NULL,
		project      TEXT NOT NULL,
		uuid         TEXT NOT NULL,
		library_hash TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS open_projects (
		project   TEXT PRIMARY KEY,
		opened_at INTEGER NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS change_log (
		seq    INTEGER PRIMARY KEY AUTOINCREMENT,
		at     INTEGER NOT NULL,
		op     TEXT NOT NULL,
		key    TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT ''
	)`,
}

func (s *Store) migrate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var version int
	if err := s.db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version > schemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, schemaVersion)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range schema {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
