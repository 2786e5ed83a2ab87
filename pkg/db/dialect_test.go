package db

import (
	"errors"
	"strings"
	"testing"
)

func TestDialect_Rebind(t *testing.T) {
	tests := []struct {
		name     string
		dialect  Dialect
		query    string
		expected string
	}{
		{
			name:     "sqlite keeps question marks",
			dialect:  DialectSQLite,
			query:    "SELECT id FROM runs WHERE id = ? AND session_id = ?",
			expected: "SELECT id FROM runs WHERE id = ? AND session_id = ?",
		},
		{
			name:     "libsql keeps question marks",
			dialect:  DialectLibSQL,
			query:    "INSERT INTO t (a, b) VALUES (?, ?)",
			expected: "INSERT INTO t (a, b) VALUES (?, ?)",
		},
		{
			name:     "postgres numbers placeholders",
			dialect:  DialectPostgres,
			query:    "INSERT INTO t (a, b, c) VALUES (?, ?, ?)",
			expected: "INSERT INTO t (a, b, c) VALUES ($1, $2, $3)",
		},
		{
			name:     "postgres ignores quoted question marks",
			dialect:  DialectPostgres,
			query:    "SELECT '?' AS q FROM t WHERE a = ?",
			expected: "SELECT '?' AS q FROM t WHERE a = $1",
		},
		{
			name:     "postgres without placeholders",
			dialect:  DialectPostgres,
			query:    "SELECT 1",
			expected: "SELECT 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.dialect.Rebind(tt.query)
			if got != tt.expected {
				t.Errorf("Expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestDialect_LockClauseAndMigrationDir(t *testing.T) {
	if DialectPostgres.LockClause() != " FOR UPDATE" {
		t.Errorf("Expected postgres lock clause, got %q", DialectPostgres.LockClause())
	}
	if DialectSQLite.LockClause() != "" || DialectLibSQL.LockClause() != "" {
		t.Error("Expected no lock clause for sqlite dialects")
	}
	if DialectPostgres.MigrationDir() != "postgres" {
		t.Errorf("Expected postgres migrations, got %s", DialectPostgres.MigrationDir())
	}
	if DialectLibSQL.MigrationDir() != "sqlite" {
		t.Errorf("Expected libsql to share sqlite migrations, got %s", DialectLibSQL.MigrationDir())
	}
}

func TestDialectForURL(t *testing.T) {
	tests := []struct {
		name        string
		url         string
		expected    Dialect
		expectError bool
	}{
		{name: "file url", url: "file:ragledger.db", expected: DialectSQLite},
		{name: "plain path", url: "/tmp/ledger.db", expected: DialectSQLite},
		{name: "memory", url: ":memory:", expected: DialectSQLite},
		{name: "turso", url: "libsql://ledger-org.turso.io", expected: DialectLibSQL},
		{name: "local sqld", url: "http://127.0.0.1:8080", expected: DialectLibSQL},
		{name: "postgres", url: "postgres://user:pw@localhost:5432/ledger", expected: DialectPostgres},
		{name: "postgresql", url: "postgresql://localhost/ledger", expected: DialectPostgres},
		{name: "upper case scheme", url: "POSTGRES://localhost/ledger", expected: DialectPostgres},
		{name: "empty", url: "", expectError: true},
		{name: "unknown scheme", url: "mysql://localhost/ledger", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DialectForURL(tt.url)
			if tt.expectError {
				if !errors.Is(err, ErrUnsupportedDatabaseURL) {
					t.Errorf("Expected ErrUnsupportedDatabaseURL, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got != tt.expected {
				t.Errorf("Expected dialect %s, got %s", tt.expected, got)
			}
		})
	}
}

func TestSQLiteDSN(t *testing.T) {
	dsn := sqliteDSN("file:ledger.db")
	if !strings.HasPrefix(dsn, "file:ledger.db?_pragma=foreign_keys(1)") {
		t.Errorf("Expected pragmas appended with '?', got %s", dsn)
	}

	dsn = sqliteDSN("file:ledger.db?mode=rwc")
	if !strings.HasPrefix(dsn, "file:ledger.db?mode=rwc&_pragma=foreign_keys(1)") {
		t.Errorf("Expected pragmas appended with '&', got %s", dsn)
	}
	if !strings.Contains(dsn, "busy_timeout(5000)") {
		t.Errorf("Expected busy timeout pragma, got %s", dsn)
	}
}

func TestRedact(t *testing.T) {
	tests := []struct {
		url      string
		expected string
	}{
		{"postgres://user:secret@db:5432/ledger?sslmode=disable", "postgres://***@db:5432/ledger"},
		{"libsql://ledger.turso.io?authToken=abc", "libsql://ledger.turso.io"},
		{"file:ledger.db", "file:ledger.db"},
	}

	for _, tt := range tests {
		if got := redact(tt.url); got != tt.expected {
			t.Errorf("Expected %q, got %q", tt.expected, got)
		}
	}
}

func TestOpen_LibSQLRequiresToken(t *testing.T) {
	_, err := Open(Config{URL: "libsql://ledger-org.turso.io"})
	if !errors.Is(err, ErrAuthTokenRequired) {
		t.Errorf("Expected ErrAuthTokenRequired, got %v", err)
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DATABASE_AUTH_TOKEN", "")
	t.Setenv("DATABASE_MAX_CONNS", "")

	cfg := ConfigFromEnv()
	if cfg.URL != defaultDatabaseURL {
		t.Errorf("Expected default URL %s, got %s", defaultDatabaseURL, cfg.URL)
	}
	if cfg.MaxConns != defaultMaxConns {
		t.Errorf("Expected %d max conns, got %d", defaultMaxConns, cfg.MaxConns)
	}

	t.Setenv("DATABASE_URL", " postgres://localhost/ledger ")
	t.Setenv("DATABASE_MAX_CONNS", "3")
	cfg = ConfigFromEnv()
	if cfg.URL != "postgres://localhost/ledger" {
		t.Errorf("Expected trimmed URL, got %q", cfg.URL)
	}
	if cfg.MaxConns != 3 {
		t.Errorf("Expected 3 max conns, got %d", cfg.MaxConns)
	}

	t.Setenv("DATABASE_MAX_CONNS", "zero")
	if cfg := ConfigFromEnv(); cfg.MaxConns != defaultMaxConns {
		t.Errorf("Expected invalid value to fall back to %d, got %d", defaultMaxConns, cfg.MaxConns)
	}
}
