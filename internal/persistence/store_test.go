package persistence_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/basket/datakiln/internal/persistence"
)

func openTestStore(t *testing.T) (*persistence.Store, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "datakiln.db")
	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, dbPath
}

func queryOneString(t *testing.T, db *sql.DB, q string) string {
	t.Helper()
	var out string
	if err := db.QueryRow(q).Scan(&out); err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	return out
}

func TestOpenConfiguresWALAndSchema(t *testing.T) {
	store, _ := openTestStore(t)
	db := store.DB()

	journal := queryOneString(t, db, "PRAGMA journal_mode;")
	if journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}

	var synchronous int
	if err := db.QueryRow("PRAGMA synchronous;").Scan(&synchronous); err != nil {
		t.Fatalf("pragma synchronous: %v", err)
	}
	// SQLite FULL == 2.
	if synchronous != 2 {
		t.Fatalf("expected synchronous FULL(2), got %d", synchronous)
	}

	for _, table := range []string{"tasks", "task_events", "credit_ledger", "credit_entries", "audit_log", "schema_migrations"} {
		var count int
		if err := db.QueryRow(`SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name=?;`, table).Scan(&count); err != nil {
			t.Fatalf("check table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("table %s missing", table)
		}
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	store, dbPath := openTestStore(t)
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	again, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer again.Close()

	var version int
	if err := again.DB().QueryRow(`SELECT MAX(version) FROM schema_migrations;`).Scan(&version); err != nil {
		t.Fatalf("read schema version: %v", err)
	}
	if version != 1 {
		t.Fatalf("schema version = %d, want 1", version)
	}
}

func TestOpenRejectsChecksumMismatch(t *testing.T) {
	store, dbPath := openTestStore(t)
	if _, err := store.DB().ExecContext(context.Background(),
		`UPDATE schema_migrations SET checksum = 'tampered' WHERE version = 1;`); err != nil {
		t.Fatalf("tamper checksum: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := persistence.Open(dbPath, nil); err == nil {
		t.Fatal("expected checksum mismatch error")
	}
}
