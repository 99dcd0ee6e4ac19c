package credentials

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openclaw/gateway-server-go/internal/protocol"
	"github.com/openclaw/gateway-server-go/internal/repository"
	"github.com/openclaw/gateway-server-go/internal/util"
)

// DBStore keeps credential records in the shared device_credentials
// table. Payloads are AES-GCM encrypted at rest when a key is configured.
type DBStore struct {
	repo          repository.CredentialRepository
	encryptionKey string
}

func NewDBStore(repo repository.CredentialRepository, encryptionKey string) *DBStore {
	return &DBStore{repo: repo, encryptionKey: encryptionKey}
}

func (s *DBStore) Name() string {
	return "db"
}

// Peek and Load are the same for the database store: nothing is held.
func (s *DBStore) Peek(ctx context.Context, sessionID string) (*protocol.Credentials, error) {
	return s.Load(ctx, sessionID)
}

func (s *DBStore) Load(ctx context.Context, sessionID string) (*protocol.Credentials, error) {
	row, err := s.repo.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	if row == nil {
		return nil, nil
	}

	payload := []byte(row.Payload)
	if s.encryptionKey != "" {
		payload, err = util.DecryptPayload(s.encryptionKey, row.Payload)
		if err != nil {
			return nil, fmt.Errorf("decrypt credentials: %w", err)
		}
	}

	var creds protocol.Credentials
	if err := json.Unmarshal(payload, &creds); err != nil {
		return nil, fmt.Errorf("unmarshal credentials: %w", err)
	}
	return &creds, nil
}

func (s *DBStore) Save(ctx context.Context, sessionID string, creds *protocol.Credentials) error {
	data, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}

	payload := string(data)
	if s.encryptionKey != "" {
		payload, err = util.EncryptPayload(s.encryptionKey, data)
		if err != nil {
			return fmt.Errorf("encrypt credentials: %w", err)
		}
	}

	return s.repo.Upsert(ctx, sessionID, payload)
}

func (s *DBStore) Delete(ctx context.Context, sessionID string) error {
	return s.repo.Delete(ctx, sessionID)
}

// Release is a no-op: the database store holds nothing per session.
func (s *DBStore) Release(sessionID string) {}
