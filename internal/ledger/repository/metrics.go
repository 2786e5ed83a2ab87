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

// MetricRepository records the latency and outcome summary of a run. There
// is at most one metric per run.
type MetricRepository struct {
	db     *db.DB
	logger zerolog.Logger
}

func NewMetricRepository(database *db.DB) *MetricRepository {
	return &MetricRepository{
		db:     database,
		logger: util.NewLogger(util.LevelFromEnv(zerolog.ErrorLevel)),
	}
}

func (r *MetricRepository) Record(ctx context.Context, runID int64, in models.MetricInput) (int64, error) {
	var id int64
	err := r.db.InTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = r.RecordTx(ctx, tx, runID, in)
		return err
	})
	return id, err
}

// RecordTx writes the metric inside the caller's transaction. A second
// metric for the same run fails with ErrDuplicateMetric.
func (r *MetricRepository) RecordTx(ctx context.Context, tx *sql.Tx, runID int64, in models.MetricInput) (int64, error) {
	if in.TotalMs < 0 || in.EmbedMs < 0 || in.VectorMs < 0 || in.LLMMs < 0 {
		return 0, ErrInvalidLatency
	}
	if err := lockRun(ctx, tx, r.db, runID); err != nil {
		if errors.Is(err, ErrUnknownRun) {
			r.logger.Warn().Int64("run_id", runID).Msg("Metric for unknown run")
		}
		return 0, err
	}

	query := r.db.Rebind(`
		INSERT INTO metrics (run_id, latency_ms_total, latency_ms_embed, latency_ms_vector, latency_ms_llm, sources_found)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id) DO NOTHING
		RETURNING id
	`)
	var id int64
	err := tx.QueryRowContext(ctx, query, runID, in.TotalMs, in.EmbedMs, in.VectorMs, in.LLMMs, in.SourcesFound).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		r.logger.Warn().Int64("run_id", runID).Msg("Metric already recorded")
		return 0, ErrDuplicateMetric
	}
	if err != nil {
		r.logger.Error().Err(err).Int64("run_id", runID).Msg("Failed to insert metric")
		return 0, err
	}

	if in.TotalMs < in.EmbedMs+in.VectorMs+in.LLMMs {
		r.logger.Warn().
			Int64("run_id", runID).
			Int64("total_ms", in.TotalMs).
			Int64("stage_sum_ms", in.EmbedMs+in.VectorMs+in.LLMMs).
			Msg("Total latency below sum of stages")
	}
	r.logger.Info().Int64("run_id", runID).Int64("total_ms", in.TotalMs).Bool("sources_found", in.SourcesFound).Msg("Recorded metric")
	return id, nil
}

// GetByRun returns the run's metric or ErrNotFound.
func (r *MetricRepository) GetByRun(ctx context.Context, runID int64) (*models.Metric, error) {
	return r.GetByRunTx(ctx, r.db, runID)
}

func (r *MetricRepository) GetByRunTx(ctx context.Context, q db.Queryer, runID int64) (*models.Metric, error) {
	query := r.db.Rebind(`
		SELECT id, run_id, latency_ms_total, latency_ms_embed, latency_ms_vector, latency_ms_llm, sources_found
		FROM metrics WHERE run_id = ?
	`)
	var m models.Metric
	err := q.QueryRowContext(ctx, query, runID).Scan(&m.ID, &m.RunID, &m.TotalMs, &m.EmbedMs, &m.VectorMs, &m.LLMMs, &m.SourcesFound)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		r.logger.Error().Err(err).Int64("run_id", runID).Msg("Failed to get metric")
		return nil, err
	}
	return &m, nil
}
