package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/code-sleuth/ragledger/internal/ledger/models"
	"github.com/code-sleuth/ragledger/pkg/db"
	"github.com/code-sleuth/ragledger/pkg/util"

	"github.com/rs/zerolog"
)

const runColumns = `id, session_id, question, answer, model, top_k, only_if_sources, created_at`

// RunRepository is the write-once ledger of query executions.
type RunRepository struct {
	db     *db.DB
	logger zerolog.Logger
}

func NewRunRepository(database *db.DB) *RunRepository {
	return &RunRepository{
		db:     database,
		logger: util.NewLogger(util.LevelFromEnv(zerolog.ErrorLevel)),
	}
}

// Record writes a finalized run on its own. Callers that also hold the
// retrievals and metric should commit all three through the query recorder.
func (r *RunRepository) Record(ctx context.Context, in models.RunInput) (int64, error) {
	var id int64
	err := r.db.InTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = r.RecordTx(ctx, tx, in)
		return err
	})
	return id, err
}

// RecordTx writes a finalized run inside the caller's transaction.
func (r *RunRepository) RecordTx(ctx context.Context, tx *sql.Tx, in models.RunInput) (int64, error) {
	if in.TopK < 1 {
		return 0, ErrInvalidTopK
	}
	if err := lockSession(ctx, tx, r.db, in.SessionID); err != nil {
		if errors.Is(err, ErrUnknownSession) {
			r.logger.Warn().Str("session_id", in.SessionID).Msg("Run for unknown session")
		}
		return 0, err
	}

	query := r.db.Rebind(`
		INSERT INTO runs (session_id, question, answer, model, top_k, only_if_sources, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`)
	var id int64
	err := tx.QueryRowContext(ctx, query, in.SessionID, in.Question, in.Answer, in.Model,
		in.TopK, in.OnlyIfSources, toStored(now())).Scan(&id)
	if err != nil {
		r.logger.Error().Err(err).Str("session_id", in.SessionID).Msg("Failed to insert run")
		return 0, err
	}

	r.logger.Info().Int64("run_id", id).Str("session_id", in.SessionID).Str("model", in.Model).Msg("Recorded run")
	return id, nil
}

func (r *RunRepository) Get(ctx context.Context, id int64) (*models.Run, error) {
	return r.GetTx(ctx, r.db, id)
}

// GetTx reads a run through q, which may be a transaction.
func (r *RunRepository) GetTx(ctx context.Context, q db.Queryer, id int64) (*models.Run, error) {
	query := r.db.Rebind(`SELECT ` + runColumns + ` FROM runs WHERE id = ?`)
	run, err := scanRun(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		r.logger.Warn().Int64("run_id", id).Msg("Run not found")
		return nil, ErrNotFound
	}
	if err != nil {
		r.logger.Error().Err(err).Int64("run_id", id).Msg("Failed to get run")
		return nil, err
	}
	return run, nil
}

// ListBySession returns the session's runs newest first, each with its
// metric when one has been attached.
func (r *RunRepository) ListBySession(ctx context.Context, sessionID string) ([]models.RunSummary, error) {
	query := r.db.Rebind(`
		SELECT r.id, r.session_id, r.question, r.answer, r.model, r.top_k, r.only_if_sources, r.created_at,
		       m.id, m.latency_ms_total, m.latency_ms_embed, m.latency_ms_vector, m.latency_ms_llm, m.sources_found
		FROM runs r
		LEFT JOIN metrics m ON m.run_id = r.id
		WHERE r.session_id = ?
		ORDER BY r.id DESC
	`)
	rows, err := r.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		r.logger.Error().Err(err).Str("session_id", sessionID).Msg("Failed to list runs")
		return nil, err
	}
	defer rows.Close()

	runs := []models.RunSummary{}
	for rows.Next() {
		var (
			summary                          models.RunSummary
			createdAt                        int64
			metricID, total, embed, vec, llm sql.NullInt64
			sourcesFound                     sql.NullBool
		)
		err := rows.Scan(&summary.ID, &summary.SessionID, &summary.Question, &summary.Answer,
			&summary.Model, &summary.TopK, &summary.OnlyIfSources, &createdAt,
			&metricID, &total, &embed, &vec, &llm, &sourcesFound)
		if err != nil {
			r.logger.Error().Err(err).Msg("Failed to scan run")
			return nil, err
		}
		summary.CreatedAt = fromStored(createdAt)
		if metricID.Valid {
			summary.Metric = &models.Metric{
				ID:           metricID.Int64,
				RunID:        summary.ID,
				TotalMs:      total.Int64,
				EmbedMs:      embed.Int64,
				VectorMs:     vec.Int64,
				LLMMs:        llm.Int64,
				SourcesFound: sourcesFound.Bool,
			}
		}
		runs = append(runs, summary)
	}
	return runs, rows.Err()
}

// lockRun checks that the run exists and, where the engine needs it, holds
// its row until the transaction ends.
func lockRun(ctx context.Context, q db.Queryer, database *db.DB, runID int64) error {
	var found int64
	query := database.Rebind(`SELECT id FROM runs WHERE id = ?` + database.Dialect.LockClause())
	err := q.QueryRowContext(ctx, query, runID).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrUnknownRun
	}
	return err
}

func scanRun(row scanner) (*models.Run, error) {
	var (
		run       models.Run
		createdAt int64
	)
	err := row.Scan(&run.ID, &run.SessionID, &run.Question, &run.Answer, &run.Model,
		&run.TopK, &run.OnlyIfSources, &createdAt)
	if err != nil {
		return nil, err
	}
	run.CreatedAt = fromStored(createdAt)
	return &run, nil
}
