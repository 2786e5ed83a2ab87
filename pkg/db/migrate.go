package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

//go:embed migrations
var migrationsFS embed.FS

// Migrate applies every embedded migration for the handle's dialect that has
// not been recorded in schema_migrations yet. It returns how many it applied.
func (db *DB) Migrate(ctx context.Context) (int, error) {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at BIGINT NOT NULL
		)
	`)
	if err != nil {
		return 0, fmt.Errorf("creating schema_migrations table: %w", err)
	}

	var currentVersion int
	row := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err := row.Scan(&currentVersion); err != nil {
		return 0, fmt.Errorf("getting current version: %w", err)
	}

	dir := db.Dialect.MigrationDir()
	entries, err := fs.ReadDir(migrationsFS, path.Join("migrations", dir))
	if err != nil {
		return 0, fmt.Errorf("reading migrations directory: %w", err)
	}

	var upFiles []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".up.sql") {
			upFiles = append(upFiles, entry.Name())
		}
	}
	sort.Strings(upFiles)

	applied := 0
	for _, name := range upFiles {
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil {
			continue
		}
		if version <= currentVersion {
			continue
		}

		content, err := fs.ReadFile(migrationsFS, path.Join("migrations", dir, name))
		if err != nil {
			return applied, fmt.Errorf("reading migration %s: %w", name, err)
		}

		err = db.InTx(ctx, func(tx *sql.Tx) error {
			for _, stmt := range SplitStatements(string(content)) {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return err
				}
			}
			_, err := tx.ExecContext(ctx,
				db.Rebind("INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)"),
				version, time.Now().UTC().UnixMicro())
			return err
		})
		if err != nil {
			db.logger.Error().Err(err).Str("migration", name).Msg("Failed to apply migration")
			return applied, fmt.Errorf("executing migration %s: %w", name, err)
		}

		db.logger.Info().Str("migration", name).Int("version", version).Msg("Applied migration")
		applied++
	}

	return applied, nil
}

// SplitStatements breaks a migration file into individual statements. Blank
// and comment-only fragments are dropped; the files never put ';' in literals.
func SplitStatements(content string) []string {
	var statements []string
	for _, part := range strings.Split(content, ";") {
		var kept []string
		for _, line := range strings.Split(part, "\n") {
			trimmed := strings.TrimSpace(line)
			if trimmed == "" || strings.HasPrefix(trimmed, "--") {
				continue
			}
			kept = append(kept, line)
		}
		if len(kept) == 0 {
			continue
		}
		statements = append(statements, strings.TrimSpace(strings.Join(kept, "\n")))
	}
	return statements
}
