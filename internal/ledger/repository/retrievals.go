package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/code-sleuth/ragledger/internal/ledger/models"
	"github.com/code-sleuth/ragledger/pkg/db"
	"github.com/code-sleuth/ragledger/pkg/util"

	"github.com/rs/zerolog"
)

// RetrievalRepository stores the ranked chunk set of each run. A run's set is
// written once, as a single statement inside one transaction.
type RetrievalRepository struct {
	db     *db.DB
	logger zerolog.Logger
}

func NewRetrievalRepository(database *db.DB) *RetrievalRepository {
	return &RetrievalRepository{
		db:     database,
		logger: util.NewLogger(util.LevelFromEnv(zerolog.ErrorLevel)),
	}
}

// Record assigns ranks 1..N in list order and writes the whole set
// atomically. An empty list is valid; it writes no rows but still closes the
// set.
func (r *RetrievalRepository) Record(ctx context.Context, runID int64, hits []models.RetrievalInput) error {
	return r.db.InTx(ctx, func(tx *sql.Tx) error {
		return r.RecordTx(ctx, tx, runID, hits)
	})
}

// RecordTx is Record inside the caller's transaction.
func (r *RetrievalRepository) RecordTx(ctx context.Context, tx *sql.Tx, runID int64, hits []models.RetrievalInput) error {
	if err := lockRun(ctx, tx, r.db, runID); err != nil {
		if errors.Is(err, ErrUnknownRun) {
			r.logger.Warn().Int64("run_id", runID).Msg("Retrievals for unknown run")
		}
		return err
	}

	// The marker on the run records that a set was written, even an empty
	// one. A metric seals the run as well.
	var existing int
	sealed := r.db.Rebind(`
		SELECT (SELECT COUNT(*) FROM runs WHERE id = ? AND retrievals_recorded_at IS NOT NULL)
			+ (SELECT COUNT(*) FROM retrievals WHERE run_id = ?)
			+ (SELECT COUNT(*) FROM metrics WHERE run_id = ?)
	`)
	if err := tx.QueryRowContext(ctx, sealed, runID, runID, runID).Scan(&existing); err != nil {
		return err
	}
	if existing > 0 {
		r.logger.Warn().Int64("run_id", runID).Int("existing", existing).Msg("Retrievals already recorded")
		return ErrDuplicateRetrievals
	}

	checked := make(map[int64]struct{}, len(hits))
	for _, hit := range hits {
		if math.IsNaN(hit.Score) || math.IsInf(hit.Score, 0) {
			return ErrInvalidScore
		}
		if _, ok := checked[hit.DocumentID]; ok {
			continue
		}
		ok, err := documentExists(ctx, tx, r.db, hit.DocumentID)
		if err != nil {
			return err
		}
		if !ok {
			r.logger.Warn().Int64("run_id", runID).Int64("document_id", hit.DocumentID).Msg("Retrieval references unknown document")
			return fmt.Errorf("%w: %d", ErrUnknownDocument, hit.DocumentID)
		}
		checked[hit.DocumentID] = struct{}{}
	}

	res, err := tx.ExecContext(ctx,
		r.db.Rebind(`UPDATE runs SET retrievals_recorded_at = ? WHERE id = ? AND retrievals_recorded_at IS NULL`),
		toStored(now()), runID)
	if err != nil {
		r.logger.Error().Err(err).Int64("run_id", runID).Msg("Failed to mark retrievals recorded")
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n != 1 {
		return ErrDuplicateRetrievals
	}

	if len(hits) == 0 {
		r.logger.Info().Int64("run_id", runID).Msg("Recorded empty retrieval set")
		return nil
	}

	const columns = 6
	var b strings.Builder
	b.WriteString(`INSERT INTO retrievals (run_id, rank, score, document_id, page, chunk_id) VALUES `)
	args := make([]any, 0, len(hits)*columns)
	for i, hit := range hits {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(?, ?, ?, ?, ?, ?)")
		args = append(args, runID, i+1, hit.Score, hit.DocumentID, hit.Page, hit.ChunkID)
	}

	if _, err := tx.ExecContext(ctx, r.db.Rebind(b.String()), args...); err != nil {
		r.logger.Error().Err(err).Int64("run_id", runID).Msg("Failed to insert retrievals")
		return err
	}

	r.logger.Info().Int64("run_id", runID).Int("count", len(hits)).Msg("Recorded retrievals")
	return nil
}

// ListByRun returns the run's retrievals ordered by rank.
func (r *RetrievalRepository) ListByRun(ctx context.Context, runID int64) ([]models.Retrieval, error) {
	return r.ListByRunTx(ctx, r.db, runID)
}

// ListByRunTx reads through q, which may be a transaction. An unknown run
// fails with ErrUnknownRun so that it can be told apart from an empty set.
func (r *RetrievalRepository) ListByRunTx(ctx context.Context, q db.Queryer, runID int64) ([]models.Retrieval, error) {
	var found int64
	err := q.QueryRowContext(ctx, r.db.Rebind(`SELECT id FROM runs WHERE id = ?`), runID).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUnknownRun
	}
	if err != nil {
		return nil, err
	}

	query := r.db.Rebind(`
		SELECT id, run_id, rank, score, document_id, page, chunk_id
		FROM retrievals
		WHERE run_id = ?
		ORDER BY rank ASC
	`)
	rows, err := q.QueryContext(ctx, query, runID)
	if err != nil {
		r.logger.Error().Err(err).Int64("run_id", runID).Msg("Failed to list retrievals")
		return nil, err
	}
	defer rows.Close()

	retrievals := []models.Retrieval{}
	for rows.Next() {
		var ret models.Retrieval
		if err := rows.Scan(&ret.ID, &ret.RunID, &ret.Rank, &ret.Score, &ret.DocumentID, &ret.Page, &ret.ChunkID); err != nil {
			r.logger.Error().Err(err).Msg("Failed to scan retrieval")
			return nil, err
		}
		retrievals = append(retrievals, ret)
	}
	return retrievals, rows.Err()
}

// CountByDocument reports how many retrievals reference the document.
func (r *RetrievalRepository) CountByDocument(ctx context.Context, documentID int64) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, r.db.Rebind(`SELECT COUNT(*) FROM retrievals WHERE document_id = ?`), documentID).Scan(&n)
	return n, err
}
