package testutil

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/onnwee/live-dvr/db"
)

// SetupTestDB opens a fresh SQLite database in the test's temp dir and runs
// migrations. Set TEST_PG_DSN to run against Postgres instead.
func SetupTestDB(t *testing.T) (*sql.DB, db.Dialect) {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		dsn = "file:" + filepath.Join(t.TempDir(), "test.db")
	}
	database, dialect, err := db.Connect(context.Background(), dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.RunMigrations(database, dialect); err != nil {
		_ = database.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	if dialect == db.Postgres {
		// shared database; start each test from an empty table
		if _, err := database.Exec(`DELETE FROM recordings`); err != nil {
			t.Fatalf("failed to reset recordings: %v", err)
		}
	}
	t.Cleanup(func() {
		_ = database.Close()
	})
	return database, dialect
}

// SetupTestStore is SetupTestDB wrapped in a RecordingStore.
func SetupTestStore(t *testing.T) *db.RecordingStore {
	t.Helper()
	database, dialect := SetupTestDB(t)
	return db.NewRecordingStore(database, dialect)
}
