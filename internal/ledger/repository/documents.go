package repository

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/code-sleuth/ragledger/internal/ledger/models"
	"github.com/code-sleuth/ragledger/pkg/db"
	"github.com/code-sleuth/ragledger/pkg/util"

	"github.com/rs/zerolog"
)

const (
	contentHashLen      = sha256.Size * 2
	defaultTitleHashLen = 8
	documentColumns     = `id, title, content_hash, status, page_count, failure_reason, attempts, created_at, updated_at`
)

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// HashContent returns the hex sha256 digest used as a document's content hash.
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// ValidContentHash reports whether h looks like a lowercase hex sha256 digest.
func ValidContentHash(h string) bool {
	if len(h) != contentHashLen {
		return false
	}
	for i := 0; i < len(h); i++ {
		c := h[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// DocumentRepository owns document identity, hash deduplication and the
// ingestion status machine queued -> processing -> ready|failed.
type DocumentRepository struct {
	db     *db.DB
	logger zerolog.Logger
}

func NewDocumentRepository(database *db.DB) *DocumentRepository {
	return &DocumentRepository{
		db:     database,
		logger: util.NewLogger(util.LevelFromEnv(zerolog.ErrorLevel)),
	}
}

// Register returns the identifier of the document with contentHash, creating
// it in status queued when it does not exist yet. Registering the hash of a
// failed document starts a fresh attempt: the same row goes back to queued.
func (r *DocumentRepository) Register(ctx context.Context, title, contentHash string) (int64, error) {
	if !ValidContentHash(contentHash) {
		r.logger.Warn().Str("content_hash", contentHash).Msg("Rejected invalid content hash")
		return 0, ErrInvalidContentHash
	}
	if title == "" {
		title = "document-" + contentHash[:defaultTitleHashLen]
	}

	var id int64
	err := r.db.InTx(ctx, func(tx *sql.Tx) error {
		ts := toStored(now())
		insert := r.db.Rebind(`
			INSERT INTO documents (title, content_hash, status, attempts, created_at, updated_at)
			VALUES (?, ?, ?, 1, ?, ?)
			ON CONFLICT (content_hash) DO NOTHING
			RETURNING id
		`)
		err := tx.QueryRowContext(ctx, insert, title, contentHash, string(models.StatusQueued), ts, ts).Scan(&id)
		if err == nil {
			r.logger.Info().Int64("document_id", id).Str("content_hash", contentHash).Msg("Registered document")
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		requeue := r.db.Rebind(`
			UPDATE documents
			SET status = ?, attempts = attempts + 1, failure_reason = NULL, page_count = NULL, updated_at = ?
			WHERE content_hash = ? AND status = ?
		`)
		res, err := tx.ExecContext(ctx, requeue, string(models.StatusQueued), ts, contentHash, string(models.StatusFailed))
		if err != nil {
			return err
		}

		err = tx.QueryRowContext(ctx, r.db.Rebind(`SELECT id FROM documents WHERE content_hash = ?`), contentHash).Scan(&id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			r.logger.Info().Int64("document_id", id).Msg("Re-queued failed document")
		}
		return nil
	})
	if err != nil {
		r.logger.Error().Err(err).Str("content_hash", contentHash).Msg("Failed to register document")
		return 0, fmt.Errorf("register document: %w", err)
	}
	return id, nil
}

// BeginProcessing claims a queued document. Exactly one of several
// concurrent callers wins; the others get ErrInvalidTransition.
func (r *DocumentRepository) BeginProcessing(ctx context.Context, id int64) error {
	return r.transition(ctx, id, models.StatusQueued, models.StatusProcessing, "", nil)
}

// MarkReady moves a processing document to ready and records its page count.
func (r *DocumentRepository) MarkReady(ctx context.Context, id int64, pageCount int) error {
	if pageCount < 0 {
		return ErrInvalidPageCount
	}
	return r.transition(ctx, id, models.StatusProcessing, models.StatusReady, ", page_count = ?", pageCount)
}

// MarkFailed moves a processing document to failed and keeps the reason.
func (r *DocumentRepository) MarkFailed(ctx context.Context, id int64, reason string) error {
	return r.transition(ctx, id, models.StatusProcessing, models.StatusFailed, ", failure_reason = ?", reason)
}

// transition is a compare-and-swap on the status column. The optional set
// fragment is appended to the SET clause with its single argument.
func (r *DocumentRepository) transition(
	ctx context.Context,
	id int64,
	from, to models.DocumentStatus,
	set string,
	setArg any,
) error {
	query := `UPDATE documents SET status = ?, updated_at = ?` + set + ` WHERE id = ? AND status = ?`
	args := []any{string(to), toStored(now())}
	if set != "" {
		args = append(args, setArg)
	}
	args = append(args, id, string(from))

	res, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		r.logger.Error().Err(err).Int64("document_id", id).Str("to", string(to)).Msg("Failed to update document status")
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		r.logger.Info().Int64("document_id", id).Str("from", string(from)).Str("to", string(to)).Msg("Document status changed")
		return nil
	}

	var current models.DocumentStatus
	err = r.db.QueryRowContext(ctx, r.db.Rebind(`SELECT status FROM documents WHERE id = ?`), id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		r.logger.Warn().Int64("document_id", id).Msg("Document not found")
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	r.logger.Warn().
		Int64("document_id", id).
		Str("current", string(current)).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("Rejected document status transition")
	return fmt.Errorf("%w: document %d is %s, expected %s", ErrInvalidTransition, id, current, from)
}

func (r *DocumentRepository) GetByID(ctx context.Context, id int64) (*models.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE id = ?`
	doc, err := scanDocument(r.db.QueryRowContext(ctx, r.db.Rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		r.logger.Warn().Int64("document_id", id).Msg("Document not found")
		return nil, ErrNotFound
	}
	if err != nil {
		r.logger.Error().Err(err).Int64("document_id", id).Msg("Failed to get document")
		return nil, err
	}
	return doc, nil
}

func (r *DocumentRepository) GetByHash(ctx context.Context, contentHash string) (*models.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE content_hash = ?`
	doc, err := scanDocument(r.db.QueryRowContext(ctx, r.db.Rebind(query), contentHash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		r.logger.Error().Err(err).Str("content_hash", contentHash).Msg("Failed to get document by hash")
		return nil, err
	}
	return doc, nil
}

// List returns all documents, newest first.
func (r *DocumentRepository) List(ctx context.Context) ([]models.Document, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+documentColumns+` FROM documents ORDER BY id DESC`)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to list documents")
		return nil, err
	}
	defer rows.Close()

	documents := []models.Document{}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			r.logger.Error().Err(err).Msg("Failed to scan document")
			return nil, err
		}
		documents = append(documents, *doc)
	}
	return documents, rows.Err()
}

// Delete removes a document and every retrieval that references it, in any run.
func (r *DocumentRepository) Delete(ctx context.Context, id int64) error {
	err := r.db.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, r.db.Rebind(`DELETE FROM retrievals WHERE document_id = ?`), id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, r.db.Rebind(`DELETE FROM documents WHERE id = ?`), id)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return ErrNotFound
		}
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		r.logger.Warn().Int64("document_id", id).Msg("Document not found")
		return err
	}
	if err != nil {
		r.logger.Error().Err(err).Int64("document_id", id).Msg("Failed to delete document")
		return err
	}
	r.logger.Info().Int64("document_id", id).Msg("Deleted document")
	return nil
}

// documentExists is used by writers that reference documents from inside
// their own transaction.
func documentExists(ctx context.Context, q db.Queryer, database *db.DB, id int64) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, database.Rebind(`SELECT 1 FROM documents WHERE id = ?`), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func scanDocument(row scanner) (*models.Document, error) {
	var (
		doc                  models.Document
		pageCount            sql.NullInt64
		failureReason        sql.NullString
		createdAt, updatedAt int64
	)
	err := row.Scan(&doc.ID, &doc.Title, &doc.ContentHash, &doc.Status, &pageCount,
		&failureReason, &doc.Attempts, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if pageCount.Valid {
		pc := int(pageCount.Int64)
		doc.PageCount = &pc
	}
	if failureReason.Valid {
		doc.FailureReason = &failureReason.String
	}
	doc.CreatedAt = fromStored(createdAt)
	doc.UpdatedAt = fromStored(updatedAt)
	return &doc, nil
}
