package database

import (
	"path/filepath"
	"testing"
)

func TestOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "leadclaw.db")

	db, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	if db.Config.JournalMode != "WAL" || db.Config.BusyTimeout != 5000 {
		t.Errorf("defaults not applied: %+v", db.Config)
	}

	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM leads").Scan(&n); err != nil {
		t.Fatalf("leads table missing: %v", err)
	}
	if err := db.QueryRow("SELECT COUNT(*) FROM delivery_failures").Scan(&n); err != nil {
		t.Fatalf("delivery_failures table missing: %v", err)
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leadclaw.db")

	db, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	db.Close()

	// Reopening runs Migrate again on an up-to-date schema.
	db, err = Open(Config{Path: path})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer db.Close()

	m := NewMigrator(db.DB)
	version, err := m.CurrentVersion()
	if err != nil {
		t.Fatalf("CurrentVersion failed: %v", err)
	}
	if version != SchemaVersion {
		t.Errorf("version = %d, want %d", version, SchemaVersion)
	}

	needs, err := m.NeedsMigration()
	if err != nil {
		t.Fatalf("NeedsMigration failed: %v", err)
	}
	if needs {
		t.Error("expected no migration needed")
	}
}

func TestOpen_InMemory(t *testing.T) {
	db, err := Open(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	if _, err := db.Exec(`INSERT INTO leads (id, conversation_id, name, email, created_at)
		VALUES ('a', 'twilio:whatsapp:+52', 'Ana', 'ana@example.com', CURRENT_TIMESTAMP)`); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	status := db.Status()
	if status["healthy"] != true {
		t.Errorf("expected healthy status, got %v", status)
	}
	if status["version"] == "unknown" {
		t.Error("expected sqlite version")
	}
}
