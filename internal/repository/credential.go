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

type CredentialRepository interface {
	Get(ctx context.Context, sessionID string) (*model.DeviceCredential, error)
	Upsert(ctx context.Context, sessionID string, payload string) error
	Delete(ctx context.Context, sessionID string) error
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) CredentialRepository
}

type credentialRepo struct {
	db database.DBTX
}

func NewCredentialRepository(db *sqlx.DB) CredentialRepository {
	return &credentialRepo{db: db}
}

func (r *credentialRepo) WithTx(tx *sqlx.Tx) CredentialRepository {
	return &credentialRepo{db: tx}
}

func (r *credentialRepo) Get(ctx context.Context, sessionID string) (*model.DeviceCredential, error) {
	var cred model.DeviceCredential
	err := r.db.GetContext(ctx, &cred, `
		SELECT * FROM device_credentials WHERE session_id = $1
	`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cred, nil
}

func (r *credentialRepo) Upsert(ctx context.Context, sessionID string, payload string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO device_credentials (session_id, payload, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (session_id) DO UPDATE SET
			payload = EXCLUDED.payload,
			updated_at = EXCLUDED.updated_at
	`, sessionID, payload, time.Now())
	return err
}

func (r *credentialRepo) Delete(ctx context.Context, sessionID string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM device_credentials WHERE session_id = $1
	`, sessionID)
	return err
}
