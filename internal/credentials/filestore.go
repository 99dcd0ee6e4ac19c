package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/gateway-server-go/internal/protocol"
)

const (
	credsFileName = "creds.json"
	lockFileName  = ".lock"
)

// FileStore keeps one directory per session under the auth root. Load
// takes an exclusive lock file so two processes never share a session's
// files; Release drops it.
type FileStore struct {
	root string

	mu    sync.Mutex
	locks map[string]bool
}

func NewFileStore(root string) *FileStore {
	return &FileStore{
		root:  root,
		locks: make(map[string]bool),
	}
}

func (s *FileStore) Name() string {
	return "file"
}

func (s *FileStore) sessionDir(sessionID string) string {
	return filepath.Join(s.root, sessionID)
}

// Peek reads the record without taking the lock file.
func (s *FileStore) Peek(ctx context.Context, sessionID string) (*protocol.Credentials, error) {
	data, err := os.ReadFile(filepath.Join(s.sessionDir(sessionID), credsFileName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credentials file: %w", err)
	}

	var creds protocol.Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("unmarshal credentials file: %w", err)
	}
	return &creds, nil
}

func (s *FileStore) Load(ctx context.Context, sessionID string) (*protocol.Credentials, error) {
	creds, err := s.Peek(ctx, sessionID)
	if err != nil || creds == nil {
		return creds, err
	}

	if err := s.acquireLock(sessionID); err != nil {
		return nil, err
	}

	return creds, nil
}

func (s *FileStore) Save(ctx context.Context, sessionID string, creds *protocol.Credentials) error {
	dir := s.sessionDir(sessionID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	data, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}

	tmp := filepath.Join(dir, credsFileName+".tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write credentials file: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, credsFileName)); err != nil {
		return fmt.Errorf("rename credentials file: %w", err)
	}
	return nil
}

func (s *FileStore) Delete(ctx context.Context, sessionID string) error {
	s.Release(sessionID)
	if err := os.RemoveAll(s.sessionDir(sessionID)); err != nil {
		return fmt.Errorf("remove session dir: %w", err)
	}
	return nil
}

func (s *FileStore) acquireLock(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.locks[sessionID] {
		// Same process re-resolving the session keeps the lock it holds.
		return nil
	}

	lockPath := filepath.Join(s.sessionDir(sessionID), lockFileName)
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("session %s auth files are locked by another process", sessionID)
		}
		return fmt.Errorf("acquire auth lock: %w", err)
	}
	f.Close()

	s.locks[sessionID] = true
	return nil
}

// Release drops the session's lock file. Safe to call when no lock is held.
func (s *FileStore) Release(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.locks[sessionID] {
		return
	}
	delete(s.locks, sessionID)

	lockPath := filepath.Join(s.sessionDir(sessionID), lockFileName)
	if err := os.Remove(lockPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn().Err(err).Str("sessionId", sessionID).Msg("failed to remove auth lock file")
	}
}
