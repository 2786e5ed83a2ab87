package services

import (
	"context"
	"database/sql"
	"errors"

	"github.com/code-sleuth/ragledger/internal/ledger/models"
	"github.com/code-sleuth/ragledger/internal/ledger/repository"
	"github.com/code-sleuth/ragledger/pkg/db"
	"github.com/code-sleuth/ragledger/pkg/util"

	"github.com/rs/zerolog"
)

// QueryRecord is everything the ledger keeps about one finished query.
// With AppendAnswer set, the run's answer is also appended to the session as
// the assistant message, in the same transaction.
type QueryRecord struct {
	Run          models.RunInput
	Retrievals   []models.RetrievalInput
	Metric       models.MetricInput
	AppendAnswer bool
}

// QueryRecorder commits a run with its retrievals and metric as one unit.
type QueryRecorder struct {
	db         *db.DB
	sessions   *repository.SessionRepository
	runs       *repository.RunRepository
	retrievals *repository.RetrievalRepository
	metrics    *repository.MetricRepository
	logger     zerolog.Logger
}

// NewQueryRecorder creates a recorder backed by database.
func NewQueryRecorder(database *db.DB) *QueryRecorder {
	return &QueryRecorder{
		db:         database,
		sessions:   repository.NewSessionRepository(database),
		runs:       repository.NewRunRepository(database),
		retrievals: repository.NewRetrievalRepository(database),
		metrics:    repository.NewMetricRepository(database),
		logger:     util.NewLogger(util.LevelFromEnv(zerolog.ErrorLevel)),
	}
}

// RecordQuery writes run, retrievals, metric and optionally the assistant
// message in a single transaction and returns the stored record. On any
// error nothing is written.
func (q *QueryRecorder) RecordQuery(ctx context.Context, rec QueryRecord) (*models.RunRecord, error) {
	if rec.Metric.SourcesFound != (len(rec.Retrievals) > 0) {
		q.logger.Error().
			Str("session_id", rec.Run.SessionID).
			Int("retrievals", len(rec.Retrievals)).
			Bool("sources_found", rec.Metric.SourcesFound).
			Msg("Rejected inconsistent query record")
		return nil, ErrSourcesMismatch
	}

	var record *models.RunRecord
	err := q.db.InTx(ctx, func(tx *sql.Tx) error {
		runID, err := q.runs.RecordTx(ctx, tx, rec.Run)
		if err != nil {
			return err
		}
		if err := q.retrievals.RecordTx(ctx, tx, runID, rec.Retrievals); err != nil {
			return err
		}
		if _, err := q.metrics.RecordTx(ctx, tx, runID, rec.Metric); err != nil {
			return err
		}
		if rec.AppendAnswer {
			if _, err := q.sessions.AppendMessageTx(ctx, tx, rec.Run.SessionID, models.RoleAssistant, rec.Run.Answer); err != nil {
				return err
			}
		}
		record, err = q.readRecord(ctx, tx, runID)
		return err
	})
	if err != nil {
		q.logger.Error().Err(err).Str("session_id", rec.Run.SessionID).Msg("Failed to record query")
		return nil, err
	}

	q.logger.Info().
		Int64("run_id", record.Run.ID).
		Str("session_id", record.Run.SessionID).
		Int("retrievals", len(record.Retrievals)).
		Msg("Recorded query")
	return record, nil
}

// GetRunRecord returns a complete ledger entry. A run whose metric has not
// been attached yet is reported as ErrIncompleteRun.
func (q *QueryRecorder) GetRunRecord(ctx context.Context, runID int64) (*models.RunRecord, error) {
	var record *models.RunRecord
	err := q.db.InTx(ctx, func(tx *sql.Tx) error {
		var err error
		record, err = q.readRecord(ctx, tx, runID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (q *QueryRecorder) readRecord(ctx context.Context, tx *sql.Tx, runID int64) (*models.RunRecord, error) {
	run, err := q.runs.GetTx(ctx, tx, runID)
	if err != nil {
		return nil, err
	}
	metric, err := q.metrics.GetByRunTx(ctx, tx, runID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, repository.ErrIncompleteRun
	}
	if err != nil {
		return nil, err
	}
	retrievals, err := q.retrievals.ListByRunTx(ctx, tx, runID)
	if err != nil {
		return nil, err
	}
	return &models.RunRecord{Run: *run, Retrievals: retrievals, Metric: *metric}, nil
}
