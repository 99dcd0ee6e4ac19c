package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/gateway-server-go/internal/connection"
	"github.com/openclaw/gateway-server-go/internal/credentials"
	"github.com/openclaw/gateway-server-go/internal/database"
	"github.com/openclaw/gateway-server-go/internal/model"
	"github.com/openclaw/gateway-server-go/internal/protocol"
	"github.com/openclaw/gateway-server-go/internal/protocol/devsock"
	"github.com/openclaw/gateway-server-go/internal/repository"
)

type stubSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*model.Session
}

func newStubSessionRepo() *stubSessionRepo {
	return &stubSessionRepo{sessions: make(map[string]*model.Session)}
}

func (r *stubSessionRepo) put(s *model.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
}

func (r *stubSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		copied := *s
		return &copied, nil
	}
	return nil, nil
}

func (r *stubSessionRepo) Create(ctx context.Context, params model.CreateSessionParams) (*model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := &model.Session{
		ID:               params.ID,
		PhoneNumber:      params.PhoneNumber,
		ConnectionStatus: model.ConnectionStatusDisconnected,
		Source:           params.Source,
		CreatedAt:        time.Now(),
		UpdatedAt:        time.Now(),
	}
	r.sessions[params.ID] = s
	copied := *s
	return &copied, nil
}

func (r *stubSessionRepo) Update(ctx context.Context, id string, params model.UpdateSessionParams) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil
	}
	if params.ConnectionStatus != nil {
		s.ConnectionStatus = *params.ConnectionStatus
	}
	if params.IsConnected != nil {
		s.IsConnected = *params.IsConnected
	}
	if params.ReconnectAttempts != nil {
		s.ReconnectAttempts = *params.ReconnectAttempts
	}
	if params.NoReconnect != nil {
		s.NoReconnect = *params.NoReconnect
	}
	if params.PhoneNumber != nil {
		s.PhoneNumber = params.PhoneNumber
	}
	return nil
}

func (r *stubSessionRepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
	return nil
}

func (r *stubSessionRepo) ListUndetectedWeb(ctx context.Context) ([]model.Session, error) {
	return nil, nil
}

func (r *stubSessionRepo) MarkDetected(ctx context.Context, id string) error { return nil }

func (r *stubSessionRepo) MarkAllDisconnected(ctx context.Context) (int64, error) { return 0, nil }

func (r *stubSessionRepo) MarkStaleConnecting(ctx context.Context, olderThan time.Time) (int64, error) {
	return 0, nil
}

func (r *stubSessionRepo) WithTx(tx *sqlx.Tx) repository.SessionRepository { return r }

type stubCredentialRepo struct {
	mu       sync.Mutex
	payloads map[string]string
}

func newStubCredentialRepo() *stubCredentialRepo {
	return &stubCredentialRepo{payloads: make(map[string]string)}
}

func (r *stubCredentialRepo) Get(ctx context.Context, sessionID string) (*model.DeviceCredential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if payload, ok := r.payloads[sessionID]; ok {
		return &model.DeviceCredential{SessionID: sessionID, Payload: payload}, nil
	}
	return nil, nil
}

func (r *stubCredentialRepo) Upsert(ctx context.Context, sessionID string, payload string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads[sessionID] = payload
	return nil
}

func (r *stubCredentialRepo) Delete(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.payloads, sessionID)
	return nil
}

func (r *stubCredentialRepo) WithTx(tx *sqlx.Tx) repository.CredentialRepository { return r }

// stubTxRunner runs the transaction body against the stubs directly.
type stubTxRunner struct {
	mu    sync.Mutex
	runs  int
	txErr error
}

func (s *stubTxRunner) WithTx(ctx context.Context, fn database.TxFunc) error {
	s.mu.Lock()
	s.runs++
	s.mu.Unlock()
	if s.txErr != nil {
		return s.txErr
	}
	return fn(nil)
}

func (s *stubTxRunner) runCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

type handlerEnv struct {
	repo     *stubSessionRepo
	credRepo *stubCredentialRepo
	tx       *stubTxRunner
	store    *credentials.FileStore
	manager  *connection.Manager
	router   chi.Router
}

func newHandlerEnv(t *testing.T) *handlerEnv {
	t.Helper()

	repo := newStubSessionRepo()
	credRepo := newStubCredentialRepo()
	tx := &stubTxRunner{}
	primary := credentials.NewFileStore(t.TempDir())
	fallback := credentials.NewFileStore(t.TempDir())
	resolver := credentials.NewResolver(primary, fallback)
	dialer := &devsock.Dialer{ConnectDelay: time.Millisecond}

	manager := connection.NewManager(resolver, dialer, repo, nil)
	t.Cleanup(func() { manager.Cleanup(context.Background()) })

	router := chi.NewRouter()
	router.Mount("/v1/connections", NewConnectionHandler(manager).Routes())
	router.Mount("/v1/sessions", NewSessionHandler(repo, credRepo, manager, tx).Routes())
	router.Get("/v1/stats", NewStatsHandler(manager).GetStats)

	return &handlerEnv{
		repo:     repo,
		credRepo: credRepo,
		tx:       tx,
		store:    primary,
		manager:  manager,
		router:   router,
	}
}

func (e *handlerEnv) seedCreds(t *testing.T, sessionID string) {
	t.Helper()
	err := e.store.Save(context.Background(), sessionID, &protocol.Credentials{
		NoiseKey:          []byte("noise"),
		SignedIdentityKey: []byte("identity"),
		Registered:        true,
	})
	require.NoError(t, err)
}

func (e *handlerEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func TestCreateConnectionHandler(t *testing.T) {
	t.Run("creates a connection and reports the auth method", func(t *testing.T) {
		env := newHandlerEnv(t)
		env.seedCreds(t, "s1")

		rec := env.do(t, http.MethodPost, "/v1/connections", map[string]any{"sessionId": "s1"})
		require.Equal(t, http.StatusCreated, rec.Code)

		var resp createConnectionResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "s1", resp.SessionID)
		assert.Equal(t, "file", resp.AuthMethod)
		assert.True(t, env.manager.HasHandle("s1"))
	})

	t.Run("rejects a missing session id", func(t *testing.T) {
		env := newHandlerEnv(t)

		rec := env.do(t, http.MethodPost, "/v1/connections", map[string]any{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("rejects a malformed body", func(t *testing.T) {
		env := newHandlerEnv(t)

		req := httptest.NewRequest(http.MethodPost, "/v1/connections", bytes.NewBufferString("{"))
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("maps a missing auth state to 422", func(t *testing.T) {
		env := newHandlerEnv(t)

		rec := env.do(t, http.MethodPost, "/v1/connections", map[string]any{"sessionId": "s1"})
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Contains(t, rec.Body.String(), "AUTH_STATE_ERROR")
	})
}

func TestDisconnectSocketHandler(t *testing.T) {
	t.Run("disconnects a live session", func(t *testing.T) {
		env := newHandlerEnv(t)
		env.seedCreds(t, "s1")

		rec := env.do(t, http.MethodPost, "/v1/connections", map[string]any{"sessionId": "s1"})
		require.Equal(t, http.StatusCreated, rec.Code)

		rec = env.do(t, http.MethodDelete, "/v1/connections/s1", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.False(t, env.manager.HasHandle("s1"))
	})

	t.Run("disconnecting an untracked session is a no-op", func(t *testing.T) {
		env := newHandlerEnv(t)

		rec := env.do(t, http.MethodDelete, "/v1/connections/ghost", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestAuthHandlers(t *testing.T) {
	t.Run("reports availability per store", func(t *testing.T) {
		env := newHandlerEnv(t)
		env.seedCreds(t, "s1")

		rec := env.do(t, http.MethodGet, "/v1/connections/s1/auth", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var avail credentials.Availability
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &avail))
		assert.True(t, avail.DB)
		assert.False(t, avail.File)
	})

	t.Run("cleanup purges stored credentials", func(t *testing.T) {
		env := newHandlerEnv(t)
		env.seedCreds(t, "s1")

		rec := env.do(t, http.MethodDelete, "/v1/connections/s1/auth", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		rec = env.do(t, http.MethodGet, "/v1/connections/s1/auth", nil)
		var avail credentials.Availability
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &avail))
		assert.False(t, avail.DB)
		assert.False(t, avail.File)
	})
}

func TestSessionHandlers(t *testing.T) {
	t.Run("registers a web session", func(t *testing.T) {
		env := newHandlerEnv(t)

		rec := env.do(t, http.MethodPost, "/v1/sessions", map[string]any{
			"sessionId":   "w1",
			"phoneNumber": "15551234567",
		})
		require.Equal(t, http.StatusCreated, rec.Code)

		var session model.Session
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &session))
		assert.Equal(t, model.SessionSourceWeb, session.Source)
		assert.False(t, session.Detected)
	})

	t.Run("rejects duplicate registration", func(t *testing.T) {
		env := newHandlerEnv(t)
		env.repo.put(&model.Session{ID: "w1"})

		rec := env.do(t, http.MethodPost, "/v1/sessions", map[string]any{"sessionId": "w1"})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("gets an existing session", func(t *testing.T) {
		env := newHandlerEnv(t)
		env.repo.put(&model.Session{ID: "w1", ConnectionStatus: model.ConnectionStatusConnected})

		rec := env.do(t, http.MethodGet, "/v1/sessions/w1", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "connected")
	})

	t.Run("404s on an unknown session", func(t *testing.T) {
		env := newHandlerEnv(t)

		rec := env.do(t, http.MethodGet, "/v1/sessions/nobody", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestDeleteSessionHandler(t *testing.T) {
	t.Run("deletes the session and its credentials in one transaction", func(t *testing.T) {
		env := newHandlerEnv(t)
		env.repo.put(&model.Session{ID: "w1"})
		require.NoError(t, env.credRepo.Upsert(context.Background(), "w1", "payload"))

		rec := env.do(t, http.MethodDelete, "/v1/sessions/w1", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		assert.Equal(t, 1, env.tx.runCount())
		session, err := env.repo.FindByID(context.Background(), "w1")
		require.NoError(t, err)
		assert.Nil(t, session)
		cred, err := env.credRepo.Get(context.Background(), "w1")
		require.NoError(t, err)
		assert.Nil(t, cred)
	})

	t.Run("tears down a live socket first", func(t *testing.T) {
		env := newHandlerEnv(t)
		env.seedCreds(t, "s1")

		rec := env.do(t, http.MethodPost, "/v1/connections", map[string]any{"sessionId": "s1"})
		require.Equal(t, http.StatusCreated, rec.Code)
		require.True(t, env.manager.HasHandle("s1"))

		rec = env.do(t, http.MethodDelete, "/v1/sessions/s1", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.False(t, env.manager.HasHandle("s1"))
	})

	t.Run("404s on an unknown session", func(t *testing.T) {
		env := newHandlerEnv(t)

		rec := env.do(t, http.MethodDelete, "/v1/sessions/nobody", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, 0, env.tx.runCount())
	})

	t.Run("keeps the rows when the transaction fails", func(t *testing.T) {
		env := newHandlerEnv(t)
		env.repo.put(&model.Session{ID: "w1"})
		env.tx.txErr = errors.New("deadlock detected")

		rec := env.do(t, http.MethodDelete, "/v1/sessions/w1", nil)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)

		session, err := env.repo.FindByID(context.Background(), "w1")
		require.NoError(t, err)
		assert.NotNil(t, session)
	})
}

func TestStatsHandler(t *testing.T) {
	env := newHandlerEnv(t)
	env.seedCreds(t, "s1")

	rec := env.do(t, http.MethodPost, "/v1/connections", map[string]any{"sessionId": "s1"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats connection.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.ActiveConnections)
}
