package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/openclaw/gateway-server-go/internal/database"
	"github.com/openclaw/gateway-server-go/internal/model"
)

type SessionRepository interface {
	FindByID(ctx context.Context, id string) (*model.Session, error)
	Create(ctx context.Context, params model.CreateSessionParams) (*model.Session, error)
	// Update applies a partial, field-merge update. Nil params fields are
	// left untouched so concurrent writers never erase each other's fields.
	Update(ctx context.Context, id string, params model.UpdateSessionParams) error
	Delete(ctx context.Context, id string) error
	ListUndetectedWeb(ctx context.Context) ([]model.Session, error)
	MarkDetected(ctx context.Context, id string) error
	// MarkAllDisconnected resets every session's connection state; run once
	// at startup since no live connection survives a restart.
	MarkAllDisconnected(ctx context.Context) (int64, error)
	// MarkStaleConnecting flips sessions stuck in "connecting" longer than
	// the cutoff back to "disconnected".
	MarkStaleConnecting(ctx context.Context, olderThan time.Time) (int64, error)
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) SessionRepository
}

type sessionRepo struct {
	db database.DBTX
}

func NewSessionRepository(db *sqlx.DB) SessionRepository {
	return &sessionRepo{db: db}
}

func (r *sessionRepo) WithTx(tx *sqlx.Tx) SessionRepository {
	return &sessionRepo{db: tx}
}

func (r *sessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		SELECT * FROM sessions WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (r *sessionRepo) Create(ctx context.Context, params model.CreateSessionParams) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		INSERT INTO sessions (id, phone_number, source)
		VALUES ($1, $2, $3)
		RETURNING *
	`, params.ID, params.PhoneNumber, params.Source)
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (r *sessionRepo) Update(ctx context.Context, id string, params model.UpdateSessionParams) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET
			phone_number = COALESCE($2, phone_number),
			is_connected = COALESCE($3, is_connected),
			connection_status = COALESCE($4, connection_status),
			reconnect_attempts = COALESCE($5, reconnect_attempts),
			no_reconnect = COALESCE($6, no_reconnect),
			updated_at = $7
		WHERE id = $1
	`, id, params.PhoneNumber, params.IsConnected, params.ConnectionStatus,
		params.ReconnectAttempts, params.NoReconnect, time.Now())
	return err
}

func (r *sessionRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM sessions WHERE id = $1
	`, id)
	return err
}

func (r *sessionRepo) ListUndetectedWeb(ctx context.Context) ([]model.Session, error) {
	sessions := []model.Session{}
	err := r.db.SelectContext(ctx, &sessions, `
		SELECT * FROM sessions
		WHERE source = 'web' AND detected = false
		ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

func (r *sessionRepo) MarkDetected(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET
			detected = true,
			updated_at = $2
		WHERE id = $1
	`, id, time.Now())
	return err
}

func (r *sessionRepo) MarkAllDisconnected(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET
			is_connected = false,
			connection_status = 'disconnected'
		WHERE is_connected = true OR connection_status != 'disconnected'
	`)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *sessionRepo) MarkStaleConnecting(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET
			is_connected = false,
			connection_status = 'disconnected',
			updated_at = NOW()
		WHERE connection_status IN ('connecting', 'reconnecting')
		AND updated_at < $1
	`, olderThan)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
