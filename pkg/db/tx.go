package db

import (
	"context"
	"database/sql"
	"errors"
)

// Queryer is the subset of *sql.DB and *sql.Tx the repositories need, so the
// same statement code runs standalone or inside a caller's transaction.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var (
	_ Queryer = (*sql.DB)(nil)
	_ Queryer = (*sql.Tx)(nil)
)

// InTx runs fn inside a transaction. The transaction commits when fn returns
// nil and rolls back otherwise.
func (db *DB) InTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		db.logger.Error().Err(err).Msg("Failed to begin transaction")
		return err
	}
	defer func(tx *sql.Tx) {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			db.logger.Error().Err(err).Msg("Failed to rollback transaction")
		}
	}(tx)

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		db.logger.Error().Err(err).Msg("Failed to commit transaction")
		return err
	}
	return nil
}
