// Package database opens the LeadClaw SQLite database and keeps its schema
// current.
package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Config configures the SQLite database.
type Config struct {
	// Path to the database file (default: "./data/leadclaw.db").
	Path string `yaml:"path"`

	// JournalMode (default: WAL).
	JournalMode string `yaml:"journal_mode"`

	// BusyTimeout in milliseconds (default: 5000).
	BusyTimeout int `yaml:"busy_timeout"`
}

// DefaultConfig returns the default database configuration.
func DefaultConfig() Config {
	return Config{
		Path:        "./data/leadclaw.db",
		JournalMode: "WAL",
		BusyTimeout: 5000,
	}
}

// DB wraps the SQLite connection.
type DB struct {
	*sql.DB
	Config Config
}

// Open opens or creates the database and applies pending migrations.
func Open(cfg Config) (*DB, error) {
	def := DefaultConfig()
	if cfg.Path == "" {
		cfg.Path = def.Path
	}
	if cfg.JournalMode == "" {
		cfg.JournalMode = def.JournalMode
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = def.BusyTimeout
	}

	if cfg.Path != ":memory:" {
		dir := filepath.Dir(cfg.Path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory %q: %w", dir, err)
		}
	}

	dsn := fmt.Sprintf("%s?_journal_mode=%s&_busy_timeout=%d&_foreign_keys=ON",
		cfg.Path, cfg.JournalMode, cfg.BusyTimeout)

	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", cfg.Path, err)
	}
	if cfg.Path == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		sqlDB.SetMaxOpenConns(1)
	}

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	db := &DB{DB: sqlDB, Config: cfg}
	if err := NewMigrator(sqlDB).Migrate(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Status returns connection pool and engine details for health reporting.
func (db *DB) Status() map[string]any {
	stats := db.Stats()

	var version string
	if err := db.QueryRow("SELECT sqlite_version()").Scan(&version); err != nil {
		version = "unknown"
	}

	return map[string]any{
		"healthy":    db.Ping() == nil,
		"version":    version,
		"path":       db.Config.Path,
		"open_conns": stats.OpenConnections,
		"in_use":     stats.InUse,
		"idle":       stats.Idle,
	}
}
