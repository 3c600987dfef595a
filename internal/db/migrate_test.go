package db

import (
	"testing"
)

func TestMigrateUpIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	defer cleanupTestDB(t, db)

	// NewDB already migrated; a second run must be a no-op.
	if err := db.MigrateUp(); err != nil {
		t.Fatalf("Second MigrateUp failed: %v", err)
	}

	version, dirty, err := db.MigrateVersion()
	if err != nil {
		t.Fatalf("MigrateVersion failed: %v", err)
	}
	if dirty {
		t.Error("Migration state should not be dirty")
	}
	if version == 0 {
		t.Error("Expected a non-zero migration version")
	}
}

func TestMigrateDown(t *testing.T) {
	db := setupTestDB(t)
	defer cleanupTestDB(t, db)

	if err := db.MigrateDown(); err != nil {
		t.Fatalf("MigrateDown failed: %v", err)
	}

	// The journal tables are gone after rolling back the initial migration.
	var count int
	err := db.QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'presence_sessions'`,
	).Scan(&count)
	if err != nil {
		t.Fatalf("sqlite_master query failed: %v", err)
	}
	if count != 0 {
		t.Error("presence_sessions should not exist after MigrateDown")
	}
}

func TestOpenDBDoesNotMigrate(t *testing.T) {
	fname := t.Name() + ".db"
	db, err := OpenDB(fname)
	if err != nil {
		t.Fatalf("OpenDB failed: %v", err)
	}
	defer cleanupTestDB(t, db)

	version, dirty, err := db.MigrateVersion()
	if err != nil {
		t.Fatalf("MigrateVersion failed: %v", err)
	}
	if version != 0 || dirty {
		t.Errorf("Fresh OpenDB should have no migrations applied, got version=%d dirty=%v", version, dirty)
	}
}
