package database

import (
	"database/sql"
	"fmt"
)

// migrations are applied in order; the schema version is the number of
// migrations applied. Never edit a released entry, append a new one.
var migrations = []string{
	// 1: lead ledger.
	`CREATE TABLE IF NOT EXISTS leads (
		id              TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		name            TEXT NOT NULL,
		email           TEXT NOT NULL,
		phone           TEXT NOT NULL DEFAULT '',
		category        TEXT NOT NULL DEFAULT '',
		category_label  TEXT NOT NULL DEFAULT '',
		schedule_text   TEXT NOT NULL DEFAULT '',
		created_at      DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_leads_conversation ON leads(conversation_id);
	CREATE INDEX IF NOT EXISTS idx_leads_created ON leads(created_at);`,

	// 2: delivery failures reported by the provider's status callback.
	`CREATE TABLE IF NOT EXISTS delivery_failures (
		message_sid   TEXT PRIMARY KEY,
		recipient     TEXT NOT NULL DEFAULT '',
		status        TEXT NOT NULL,
		error_code    TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		reported_at   DATETIME NOT NULL
	);`,
}

// SchemaVersion is the version Migrate brings the database to.
var SchemaVersion = len(migrations)

// Migrator applies schema migrations.
type Migrator struct {
	db *sql.DB
}

// NewMigrator creates a migrator for db.
func NewMigrator(db *sql.DB) *Migrator {
	return &Migrator{db: db}
}

// CurrentVersion returns the applied schema version, 0 for a new database.
func (m *Migrator) CurrentVersion() (int, error) {
	if err := m.ensureVersionTable(); err != nil {
		return 0, err
	}
	var version int
	if err := m.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

// Migrate applies every pending migration, each in its own transaction.
func (m *Migrator) Migrate() error {
	current, err := m.CurrentVersion()
	if err != nil {
		return err
	}

	for v := current + 1; v <= len(migrations); v++ {
		tx, err := m.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", v, err)
		}
		if _, err := tx.Exec(migrations[v-1]); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", v, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", v); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", v, err)
		}
	}
	return nil
}

// NeedsMigration reports whether the schema is behind SchemaVersion.
func (m *Migrator) NeedsMigration() (bool, error) {
	current, err := m.CurrentVersion()
	if err != nil {
		return false, err
	}
	return current < SchemaVersion, nil
}

func (m *Migrator) ensureVersionTable() error {
	_, err := m.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}
	return nil
}
