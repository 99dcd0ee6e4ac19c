package connection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/openclaw/gateway-server-go/internal/model"
	"github.com/openclaw/gateway-server-go/internal/protocol"
	"github.com/openclaw/gateway-server-go/internal/repository"
)

// recorder collects ordered labels from fakes so tests can assert
// cross-component ordering.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) record(label string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.events = append(r.events, label)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	copy(out, r.events)
	return out
}

type memSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*model.Session
	rec      *recorder
	findErr  error
}

func newMemSessionRepo() *memSessionRepo {
	return &memSessionRepo{sessions: make(map[string]*model.Session)}
}

func (r *memSessionRepo) put(s *model.Session) {
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
}

func (r *memSessionRepo) get(id string) *model.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		copied := *s
		return &copied
	}
	return nil
}

func (r *memSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	if r.findErr != nil {
		return nil, r.findErr
	}
	return r.get(id), nil
}

func (r *memSessionRepo) Create(ctx context.Context, params model.CreateSessionParams) (*model.Session, error) {
	s := &model.Session{
		ID:               params.ID,
		PhoneNumber:      params.PhoneNumber,
		ConnectionStatus: model.ConnectionStatusDisconnected,
		Source:           params.Source,
		CreatedAt:        time.Now(),
		UpdatedAt:        time.Now(),
	}
	r.put(s)
	return r.get(params.ID), nil
}

func (r *memSessionRepo) Update(ctx context.Context, id string, params model.UpdateSessionParams) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil
	}
	if params.PhoneNumber != nil {
		s.PhoneNumber = params.PhoneNumber
	}
	if params.IsConnected != nil {
		s.IsConnected = *params.IsConnected
	}
	if params.ConnectionStatus != nil {
		s.ConnectionStatus = *params.ConnectionStatus
		r.rec.record("update:status=" + string(*params.ConnectionStatus))
	}
	if params.ReconnectAttempts != nil {
		s.ReconnectAttempts = *params.ReconnectAttempts
		r.rec.record(fmt.Sprintf("update:attempts=%d", *params.ReconnectAttempts))
	}
	if params.NoReconnect != nil {
		s.NoReconnect = *params.NoReconnect
	}
	s.UpdatedAt = time.Now()
	return nil
}

func (r *memSessionRepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
	return nil
}

func (r *memSessionRepo) ListUndetectedWeb(ctx context.Context) ([]model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.findErr != nil {
		return nil, r.findErr
	}
	var out []model.Session
	for _, s := range r.sessions {
		if s.Source == model.SessionSourceWeb && !s.Detected {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (r *memSessionRepo) MarkDetected(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.Detected = true
	}
	return nil
}

func (r *memSessionRepo) MarkAllDisconnected(ctx context.Context) (int64, error) {
	return 0, nil
}

func (r *memSessionRepo) MarkStaleConnecting(ctx context.Context, olderThan time.Time) (int64, error) {
	return 0, nil
}

func (r *memSessionRepo) WithTx(tx *sqlx.Tx) repository.SessionRepository {
	return r
}

// memStore is an in-memory credentials.Store.
type memStore struct {
	name    string
	mu      sync.Mutex
	creds   map[string]*protocol.Credentials
	loadErr error

	releases map[string]int
}

func newMemStore(name string) *memStore {
	return &memStore{
		name:     name,
		creds:    make(map[string]*protocol.Credentials),
		releases: make(map[string]int),
	}
}

func (s *memStore) Name() string { return s.name }

func (s *memStore) Load(ctx context.Context, sessionID string) (*protocol.Credentials, error) {
	return s.Peek(ctx, sessionID)
}

func (s *memStore) Peek(ctx context.Context, sessionID string) (*protocol.Credentials, error) {
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.creds[sessionID]; ok {
		copied := *c
		return &copied, nil
	}
	return nil, nil
}

func (s *memStore) Save(ctx context.Context, sessionID string, creds *protocol.Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *creds
	s.creds[sessionID] = &copied
	return nil
}

func (s *memStore) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.creds, sessionID)
	return nil
}

func (s *memStore) Release(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releases[sessionID]++
}

func validCreds() *protocol.Credentials {
	return &protocol.Credentials{
		NoiseKey:          []byte("noise"),
		SignedIdentityKey: []byte("identity"),
		Registered:        true,
	}
}

func unregisteredCreds() *protocol.Credentials {
	return &protocol.Credentials{
		NoiseKey:          []byte("noise"),
		SignedIdentityKey: []byte("identity"),
		Registered:        false,
	}
}

// fakeSocket is a fully test-controlled protocol.Socket.
type fakeSocket struct {
	registered bool
	pairingErr error

	mu           sync.Mutex
	pairingCalls int
	logouts      int
	closed       bool
	events       chan protocol.Event
}

func newFakeSocket(registered bool) *fakeSocket {
	return &fakeSocket{
		registered: registered,
		events:     make(chan protocol.Event, 16),
	}
}

func (s *fakeSocket) Events() <-chan protocol.Event { return s.events }

func (s *fakeSocket) RequestPairingCode(ctx context.Context, phoneNumber string) (string, error) {
	s.mu.Lock()
	s.pairingCalls++
	s.mu.Unlock()
	if s.pairingErr != nil {
		return "", s.pairingErr
	}
	return "ABCD-1234", nil
}

func (s *fakeSocket) pairingCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pairingCalls
}

func (s *fakeSocket) Registered() bool { return s.registered }

func (s *fakeSocket) Logout(ctx context.Context) error {
	s.mu.Lock()
	s.logouts++
	s.mu.Unlock()
	return s.Close()
}

func (s *fakeSocket) logoutCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logouts
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}

func (s *fakeSocket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// emit pushes an event; safe no-op after close.
func (s *fakeSocket) emit(ev protocol.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- ev
}

func (s *fakeSocket) emitOpen(phone string) {
	s.emit(protocol.Event{Kind: protocol.EventConnectionUpdate, State: protocol.StateOpen, PhoneNumber: phone})
}

func (s *fakeSocket) emitClose(reason protocol.DisconnectReason) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.events <- protocol.Event{Kind: protocol.EventConnectionUpdate, State: protocol.StateClose, Reason: reason}
	close(s.events)
	s.mu.Unlock()
}

// fakeDialer hands out prepared sockets in order, or fails.
type fakeDialer struct {
	mu      sync.Mutex
	sockets []*fakeSocket
	dialErr error
	dials   int
	rec     *recorder
}

func (d *fakeDialer) Dial(ctx context.Context, creds *protocol.Credentials, cfg protocol.SocketConfig) (protocol.Socket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rec.record("dial:" + cfg.SessionID)
	d.dials++
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	if len(d.sockets) == 0 {
		return newFakeSocket(creds.Registered), nil
	}
	sock := d.sockets[0]
	if len(d.sockets) > 1 {
		d.sockets = d.sockets[1:]
	}
	return sock, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// fakeNotifier records published web events in order.
type fakeNotifier struct {
	mu     sync.Mutex
	events []publishedEvent
}

type publishedEvent struct {
	sessionID string
	eventType string
}

func (n *fakeNotifier) PublishJSON(ctx context.Context, sessionID, eventType string, payload any) error {
	n.mu.Lock()
	n.events = append(n.events, publishedEvent{sessionID: sessionID, eventType: eventType})
	n.mu.Unlock()
	return nil
}

func (n *fakeNotifier) published(sessionID, eventType string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, ev := range n.events {
		if ev.sessionID == sessionID && ev.eventType == eventType {
			count++
		}
	}
	return count
}
