package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/code-sleuth/ragledger/internal/ledger/models"
	"github.com/code-sleuth/ragledger/pkg/db"
	"github.com/code-sleuth/ragledger/pkg/util"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SessionRepository owns sessions and their append-only message history.
type SessionRepository struct {
	db     *db.DB
	logger zerolog.Logger
}

func NewSessionRepository(database *db.DB) *SessionRepository {
	return &SessionRepository{
		db:     database,
		logger: util.NewLogger(util.LevelFromEnv(zerolog.ErrorLevel)),
	}
}

// Ensure creates the session when it does not exist and returns its id. An
// existing session is left untouched, settings included. An empty id gets a
// generated UUID.
func (r *SessionRepository) Ensure(ctx context.Context, id string, settings map[string]any) (string, error) {
	if id == "" {
		id = uuid.New().String()
	}

	var settingsJSON sql.NullString
	if settings != nil {
		raw, err := json.Marshal(settings)
		if err != nil {
			return "", fmt.Errorf("marshalling settings: %w", err)
		}
		settingsJSON = sql.NullString{String: string(raw), Valid: true}
	}

	query := r.db.Rebind(`
		INSERT INTO sessions (id, settings_json, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`)
	res, err := r.db.ExecContext(ctx, query, id, settingsJSON, toStored(now()))
	if err != nil {
		r.logger.Error().Err(err).Str("session_id", id).Msg("Failed to ensure session")
		return "", err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		r.logger.Info().Str("session_id", id).Msg("Created session")
	}
	return id, nil
}

func (r *SessionRepository) Get(ctx context.Context, id string) (*models.Session, error) {
	query := r.db.Rebind(`SELECT id, settings_json, created_at FROM sessions WHERE id = ?`)

	var (
		session      models.Session
		settingsJSON sql.NullString
		createdAt    int64
	)
	err := r.db.QueryRowContext(ctx, query, id).Scan(&session.ID, &settingsJSON, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		r.logger.Warn().Str("session_id", id).Msg("Session not found")
		return nil, ErrNotFound
	}
	if err != nil {
		r.logger.Error().Err(err).Str("session_id", id).Msg("Failed to get session")
		return nil, err
	}

	if settingsJSON.Valid && settingsJSON.String != "" {
		if err := json.Unmarshal([]byte(settingsJSON.String), &session.Settings); err != nil {
			return nil, fmt.Errorf("unmarshalling settings: %w", err)
		}
	}
	session.CreatedAt = fromStored(createdAt)
	return &session, nil
}

// AppendMessage adds one turn to the session. Appends to the same session are
// serialized on the session row, and a message never gets a timestamp older
// than the one before it.
func (r *SessionRepository) AppendMessage(ctx context.Context, sessionID string, role models.Role, text string) (int64, error) {
	var id int64
	err := r.db.InTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = r.AppendMessageTx(ctx, tx, sessionID, role, text)
		return err
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// AppendMessageTx is AppendMessage inside the caller's transaction.
func (r *SessionRepository) AppendMessageTx(
	ctx context.Context,
	tx *sql.Tx,
	sessionID string,
	role models.Role,
	text string,
) (int64, error) {
	if !role.Valid() {
		return 0, ErrInvalidRole
	}
	if err := lockSession(ctx, tx, r.db, sessionID); err != nil {
		if errors.Is(err, ErrUnknownSession) {
			r.logger.Warn().Str("session_id", sessionID).Msg("Append to unknown session")
		}
		return 0, err
	}

	var last int64
	err := tx.QueryRowContext(ctx,
		r.db.Rebind(`SELECT COALESCE(MAX(created_at), 0) FROM messages WHERE session_id = ?`),
		sessionID).Scan(&last)
	if err != nil {
		r.logger.Error().Err(err).Str("session_id", sessionID).Msg("Failed to read last message time")
		return 0, err
	}
	ts := toStored(now())
	if ts < last {
		ts = last
	}

	insert := r.db.Rebind(`
		INSERT INTO messages (session_id, role, text, created_at)
		VALUES (?, ?, ?, ?)
		RETURNING id
	`)
	var id int64
	if err := tx.QueryRowContext(ctx, insert, sessionID, string(role), text, ts).Scan(&id); err != nil {
		r.logger.Error().Err(err).Str("session_id", sessionID).Msg("Failed to append message")
		return 0, err
	}
	return id, nil
}

// ListMessages returns the session's messages in append order. A session
// without messages, or without a row at all, yields an empty slice.
func (r *SessionRepository) ListMessages(ctx context.Context, sessionID string) ([]models.Message, error) {
	query := r.db.Rebind(`
		SELECT id, session_id, role, text, created_at
		FROM messages
		WHERE session_id = ?
		ORDER BY id ASC
	`)
	rows, err := r.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		r.logger.Error().Err(err).Str("session_id", sessionID).Msg("Failed to list messages")
		return nil, err
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		var (
			msg       models.Message
			createdAt int64
		)
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Text, &createdAt); err != nil {
			r.logger.Error().Err(err).Msg("Failed to scan message")
			return nil, err
		}
		msg.CreatedAt = fromStored(createdAt)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// Delete removes the session with its messages, its runs and each run's
// retrievals and metric.
func (r *SessionRepository) Delete(ctx context.Context, id string) error {
	statements := []string{
		`DELETE FROM metrics WHERE run_id IN (SELECT id FROM runs WHERE session_id = ?)`,
		`DELETE FROM retrievals WHERE run_id IN (SELECT id FROM runs WHERE session_id = ?)`,
		`DELETE FROM runs WHERE session_id = ?`,
		`DELETE FROM messages WHERE session_id = ?`,
	}

	err := r.db.InTx(ctx, func(tx *sql.Tx) error {
		if err := lockSession(ctx, tx, r.db, id); err != nil {
			return err
		}
		for _, stmt := range statements {
			if _, err := tx.ExecContext(ctx, r.db.Rebind(stmt), id); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx, r.db.Rebind(`DELETE FROM sessions WHERE id = ?`), id)
		return err
	})
	if errors.Is(err, ErrUnknownSession) {
		r.logger.Warn().Str("session_id", id).Msg("Session not found")
		return ErrNotFound
	}
	if err != nil {
		r.logger.Error().Err(err).Str("session_id", id).Msg("Failed to delete session")
		return err
	}
	r.logger.Info().Str("session_id", id).Msg("Deleted session")
	return nil
}

// lockSession checks that the session exists and, where the engine needs it,
// holds its row until the transaction ends.
func lockSession(ctx context.Context, q db.Queryer, database *db.DB, sessionID string) error {
	var found string
	query := database.Rebind(`SELECT id FROM sessions WHERE id = ?` + database.Dialect.LockClause())
	err := q.QueryRowContext(ctx, query, sessionID).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrUnknownSession
	}
	return err
}
