package testutil

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/trezcool/masomo-gate/storage/database"
)

// TestDB connects to TEST_DATABASE_URL, migrates it and empties its tables.
// Tests using it are skipped when no database is configured.
func TestDB(t *testing.T) (*sqlx.DB, string) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		t.Skipf("test database not available: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		t.Skipf("test database not available: %v", err)
	}

	if err = database.Migrate(context.Background(), db.DB); err != nil {
		t.Fatalf("migrating test database: %v", err)
	}
	if _, err = db.Exec("TRUNCATE principals CASCADE"); err != nil {
		t.Fatalf("truncating test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, dsn
}
