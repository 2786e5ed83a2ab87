package testutil

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/code-sleuth/ragledger/pkg/db"

	"github.com/joho/godotenv"
)

// SetupTestDB returns a migrated database for a test. It uses
// TEST_DATABASE_URL when set (tables are emptied first) and otherwise a fresh
// SQLite file under t.TempDir(). The handle is closed when the test ends.
func SetupTestDB(t *testing.T) *db.DB {
	t.Helper()
	// A .env file is optional for tests.
	_ = godotenv.Load("../../../.env")

	cfg := db.Config{URL: filepath.Join(t.TempDir(), "ledger.db"), MaxConns: 1}
	remote := os.Getenv("TEST_DATABASE_URL")
	if remote != "" {
		cfg = db.Config{URL: remote, AuthToken: os.Getenv("TEST_DATABASE_AUTH_TOKEN"), MaxConns: 4}
	}

	database, err := db.Open(cfg)
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	if _, err := database.Migrate(context.Background()); err != nil {
		database.Close()
		t.Fatalf("Failed to migrate test database: %v", err)
	}
	if remote != "" {
		cleanupTestData(t, database)
	}

	t.Cleanup(func() {
		if remote != "" {
			cleanupTestData(t, database)
		}
		database.Close()
	})
	return database
}

// cleanupTestData removes all rows, children before parents.
func cleanupTestData(t *testing.T, database *db.DB) {
	t.Helper()
	tables := []string{
		"metrics",
		"retrievals",
		"runs",
		"messages",
		"sessions",
		"documents",
	}

	for _, table := range tables {
		query := fmt.Sprintf("DELETE FROM %s", table) // #nosec G201 -- table names are hardcoded, not user input
		if _, err := database.Exec(query); err != nil {
			t.Logf("Warning: Failed to clean table %s: %v", table, err)
		}
	}
}

// RecordExists reports whether table has a row with idColumn = id.
func RecordExists(t *testing.T, database *db.DB, table, idColumn string, id any) bool {
	t.Helper()
	// #nosec G201 -- table and column names are hardcoded, not user input
	query := database.Rebind(fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s = ?", table, idColumn))
	var count int
	if err := database.QueryRow(query, id).Scan(&count); err != nil {
		t.Fatalf("Failed to check if record exists: %v", err)
	}
	return count > 0
}

// GetRecordCount returns the number of rows in table.
func GetRecordCount(t *testing.T, database *db.DB, table string) int {
	t.Helper()
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", table) // #nosec G201 -- table name is hardcoded, not user input
	var count int
	if err := database.QueryRow(query).Scan(&count); err != nil {
		t.Fatalf("Failed to get record count: %v", err)
	}
	return count
}

// HashOf returns the content hash of label, for tests that only need a
// valid and distinct hash.
func HashOf(label string) string {
	sum := sha256.Sum256([]byte(label))
	return hex.EncodeToString(sum[:])
}
