// Package connection owns the session connection lifecycle: creating
// sockets through the backend protocol client, pairing, classifying
// disconnects, and reconciling externally registered sessions.
package connection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/gateway-server-go/internal/config"
	"github.com/openclaw/gateway-server-go/internal/credentials"
	apperrors "github.com/openclaw/gateway-server-go/internal/errors"
	"github.com/openclaw/gateway-server-go/internal/model"
	"github.com/openclaw/gateway-server-go/internal/protocol"
	"github.com/openclaw/gateway-server-go/internal/repository"
	"github.com/openclaw/gateway-server-go/internal/sse"
	"github.com/openclaw/gateway-server-go/internal/util"
)

// Callbacks are the notification hooks a caller supplies when creating a
// connection. A nil hook is a defined no-op.
type Callbacks struct {
	OnQR          func(qr string)
	OnPairingCode func(code string)
	OnConnected   func(h *Handle)
	OnError       func(err error)
}

// Notifier publishes out-of-band lifecycle events for sessions whose
// originating surface needs them (the web dashboard). *sse.Broker
// satisfies it.
type Notifier interface {
	PublishJSON(ctx context.Context, sessionID string, eventType string, payload any) error
}

var _ Notifier = (*sse.Broker)(nil)

// Handle is the in-memory runtime object for one live socket bound to a
// session. At most one exists per session id in the manager's map.
type Handle struct {
	SessionID  string
	AuthMethod string

	socket    protocol.Socket
	callbacks Callbacks

	releaseOnce sync.Once
	release     func()

	mu                 sync.Mutex
	eventHandlersSetup bool
	open               bool
	openCh             chan struct{}
	closed             bool
	closedCh           chan struct{}
}

func (h *Handle) Socket() protocol.Socket {
	return h.socket
}

func (h *Handle) IsOpen() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.open && !h.closed
}

func (h *Handle) markOpen() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.open || h.closed {
		return
	}
	h.open = true
	close(h.openCh)
}

func (h *Handle) markClosed() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.closedCh)
}

// setupEventHandlersOnce guards the one-time wiring of higher-level
// message-processing subscriptions. Returns true on the first call only.
func (h *Handle) setupEventHandlersOnce() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.eventHandlersSetup {
		return false
	}
	h.eventHandlersSetup = true
	return true
}

func (h *Handle) releaseAuth() {
	h.releaseOnce.Do(h.release)
}

// Stats is a point-in-time snapshot of the manager's tracking state.
type Stats struct {
	ActiveConnections int                               `json:"activeConnections"`
	OpenConnections   int                               `json:"openConnections"`
	PendingPairings   int                               `json:"pendingPairings"`
	ActiveTimeouts    int                               `json:"activeTimeouts"`
	Sessions          map[string]model.ConnectionStatus `json:"sessions"`
}

// Manager owns the session→handle map, the pairing guard set, and the
// timeout registry. Nothing outside it mutates them.
type Manager struct {
	resolver *credentials.Resolver
	dialer   protocol.Dialer
	sessions repository.SessionRepository
	notifier Notifier

	pairingSettleDelay time.Duration
	pairingGuardWindow time.Duration
	connectTimeout     time.Duration

	mu            sync.Mutex
	handles       map[string]*Handle
	creating      map[string]bool
	pairingGuard  map[string]bool
	pairingExpiry map[string]*time.Timer
	timeouts      map[string]*time.Timer
	statusCache   map[string]model.ConnectionStatus

	retryMu sync.RWMutex
	retry   RetryPolicy
}

func NewManager(
	resolver *credentials.Resolver,
	dialer protocol.Dialer,
	sessions repository.SessionRepository,
	notifier Notifier,
) *Manager {
	return &Manager{
		resolver:           resolver,
		dialer:             dialer,
		sessions:           sessions,
		notifier:           notifier,
		pairingSettleDelay: config.PairingSettleDelay,
		pairingGuardWindow: config.PairingGuardWindow,
		connectTimeout:     config.ConnectTimeout,
		handles:            make(map[string]*Handle),
		creating:           make(map[string]bool),
		pairingGuard:       make(map[string]bool),
		pairingExpiry:      make(map[string]*time.Timer),
		timeouts:           make(map[string]*time.Timer),
		statusCache:        make(map[string]model.ConnectionStatus),
	}
}

// SetRetryPolicy injects the reconnection delegate. The default policy
// needs the manager to create sockets, hence the two-step wiring.
func (m *Manager) SetRetryPolicy(p RetryPolicy) {
	m.retryMu.Lock()
	defer m.retryMu.Unlock()
	m.retry = p
}

func (m *Manager) retryPolicy() RetryPolicy {
	m.retryMu.RLock()
	defer m.retryMu.RUnlock()
	return m.retry
}

// CreateConnection resolves credentials, dials a socket, and starts the
// session's state machine. It returns as soon as the handle exists; it
// does not wait for the connection to open. A live handle for the same
// id is torn down first; a concurrent creation for the same id is
// rejected.
func (m *Manager) CreateConnection(
	ctx context.Context,
	sessionID string,
	phoneNumber string,
	cbs Callbacks,
	allowPairing bool,
) (*Handle, error) {
	if sessionID == "" {
		return nil, apperrors.MissingRequired("sessionId")
	}

	m.mu.Lock()
	if m.creating[sessionID] {
		m.mu.Unlock()
		return nil, apperrors.New(apperrors.ErrCodeConflict,
			fmt.Sprintf("Connection creation already in progress for session %s", sessionID))
	}
	m.creating[sessionID] = true
	prior := m.handles[sessionID]
	delete(m.handles, sessionID)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.creating, sessionID)
		m.mu.Unlock()
	}()

	if prior != nil {
		log.Info().Str("sessionId", sessionID).Msg("tearing down prior handle before reconnect")
		m.teardownHandle(ctx, prior)
	}

	if err := m.ensureSessionRow(ctx, sessionID, phoneNumber); err != nil {
		return nil, apperrors.Storage(err)
	}

	// An explicit create expresses intent to be connected; drop any
	// voluntary-disconnect marker left by a prior DisconnectSocket.
	clearMarker := false
	if err := m.sessions.Update(ctx, sessionID, model.UpdateSessionParams{NoReconnect: &clearMarker}); err != nil {
		log.Warn().Err(err).Str("sessionId", sessionID).Msg("failed to clear voluntary disconnect marker")
	}

	resolved, err := m.resolver.Resolve(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	sock, err := m.dialer.Dial(ctx, resolved.Creds, protocol.SocketConfig{SessionID: sessionID})
	if err != nil {
		resolved.Release()
		return nil, apperrors.External("protocol client", err)
	}

	handle := &Handle{
		SessionID:  sessionID,
		AuthMethod: resolved.Method,
		socket:     sock,
		callbacks:  cbs,
		release:    resolved.Release,
		openCh:     make(chan struct{}),
		closedCh:   make(chan struct{}),
	}

	m.mu.Lock()
	m.handles[sessionID] = handle
	m.mu.Unlock()

	sm := &stateMachine{manager: m, handle: handle, persist: resolved.Persist}
	go sm.run()

	// Abandon attempts that never leave "connecting".
	m.SetConnectionTimeout(sessionID, func() {
		if handle.IsOpen() {
			return
		}
		log.Warn().Str("sessionId", sessionID).Msg("connection attempt timed out")
		if err := m.DisconnectSocket(context.Background(), sessionID); err != nil {
			log.Error().Err(err).Str("sessionId", sessionID).Msg("failed to abandon timed-out connection")
		}
	}, m.connectTimeout)

	if allowPairing && phoneNumber != "" && !sock.Registered() {
		// The caller's context ends when its request does; pairing runs on
		// the socket's lifetime, not the request's.
		go m.SchedulePairing(context.WithoutCancel(ctx), handle, sessionID, phoneNumber, cbs)
	}

	log.Info().
		Str("sessionId", sessionID).
		Str("authMethod", resolved.Method).
		Bool("allowPairing", allowPairing).
		Msg("connection created")

	return handle, nil
}

func (m *Manager) ensureSessionRow(ctx context.Context, sessionID, phoneNumber string) error {
	session, err := m.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("find session: %w", err)
	}
	if session != nil {
		return nil
	}

	params := model.CreateSessionParams{ID: sessionID, Source: model.SessionSourceAPI}
	if phoneNumber != "" {
		params.PhoneNumber = &phoneNumber
	}
	if _, err := m.sessions.Create(ctx, params); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// SchedulePairing requests a device-pairing code once the socket has had
// time to stabilize. Idempotent per session: while the guard entry is
// present, repeat calls are no-ops.
func (m *Manager) SchedulePairing(ctx context.Context, handle *Handle, sessionID, phoneNumber string, cbs Callbacks) {
	m.mu.Lock()
	if m.pairingGuard[sessionID] {
		m.mu.Unlock()
		log.Warn().Str("sessionId", sessionID).Msg("pairing already pending, ignoring duplicate request")
		return
	}
	m.pairingGuard[sessionID] = true
	m.mu.Unlock()

	select {
	case <-ctx.Done():
		m.removePairingGuard(sessionID)
		return
	case <-time.After(m.pairingSettleDelay):
	}

	code, err := handle.socket.RequestPairingCode(ctx, phoneNumber)
	if err != nil {
		m.removePairingGuard(sessionID)
		log.Error().Err(err).
			Str("sessionId", sessionID).
			Str("phone", util.MaskPhone(phoneNumber)).
			Msg("pairing code request failed")
		if cbs.OnError != nil {
			cbs.OnError(apperrors.Pairing(err))
		}
		return
	}

	log.Info().
		Str("sessionId", sessionID).
		Str("phone", util.MaskPhone(phoneNumber)).
		Msg("pairing code issued")

	if cbs.OnPairingCode != nil {
		cbs.OnPairingCode(code)
	}
	m.notifyWeb(ctx, sessionID, sse.EventPairingCode, map[string]string{"code": code})

	// The guard outlives the request so a second caller cannot trigger a
	// fresh code while the user is still entering this one.
	m.schedulePairingExpiry(sessionID)
}

// schedulePairingExpiry arms the guard's grace-window timer. Tracked like
// the connection timeouts: replaced by identity, canceled on disconnect and
// cleanup. When the window lapses with the session still unpaired, the web
// surface is told the code is no longer valid.
func (m *Manager) schedulePairingExpiry(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.pairingExpiry[sessionID]; ok {
		t.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(m.pairingGuardWindow, func() {
		m.expirePairingGuard(sessionID, timer)
	})
	m.pairingExpiry[sessionID] = timer
}

func (m *Manager) expirePairingGuard(sessionID string, timer *time.Timer) {
	m.mu.Lock()
	if m.pairingExpiry[sessionID] != timer {
		m.mu.Unlock()
		return
	}
	delete(m.pairingExpiry, sessionID)
	guarded := m.pairingGuard[sessionID]
	delete(m.pairingGuard, sessionID)
	handle := m.handles[sessionID]
	m.mu.Unlock()

	if !guarded {
		return
	}
	if handle != nil && handle.IsOpen() {
		// Paired in time; the window ending is not an expiry.
		return
	}

	log.Info().Str("sessionId", sessionID).Msg("pairing window expired")
	m.notifyWeb(context.Background(), sessionID, sse.EventPairingExpired, map[string]string{
		"sessionId": sessionID,
	})
}

func (m *Manager) removePairingGuard(sessionID string) {
	m.mu.Lock()
	delete(m.pairingGuard, sessionID)
	if t, ok := m.pairingExpiry[sessionID]; ok {
		t.Stop()
		delete(m.pairingExpiry, sessionID)
	}
	m.mu.Unlock()
}

// CheckAuthAvailability probes both credential stores without mutating
// anything.
func (m *Manager) CheckAuthAvailability(ctx context.Context, sessionID string) credentials.Availability {
	return m.resolver.CheckAvailability(ctx, sessionID)
}

// CleanupAuthState invalidates the session's backend registration when a
// socket is live, purges credentials from both stores (best effort,
// independent outcomes), and drops every tracking entry for the session.
func (m *Manager) CleanupAuthState(ctx context.Context, sessionID string) credentials.PurgeResult {
	m.mu.Lock()
	handle := m.handles[sessionID]
	m.mu.Unlock()

	if handle != nil {
		// Logout closes the socket with a logged-out reason, which the
		// retry policy never reconnects.
		if err := handle.socket.Logout(ctx); err != nil {
			log.Warn().Err(err).Str("sessionId", sessionID).Msg("backend logout failed")
		}
	}

	result := m.resolver.Purge(ctx, sessionID)
	m.clearTracking(sessionID)

	log.Info().
		Str("sessionId", sessionID).
		Bool("dbPurged", result.DB).
		Bool("filePurged", result.File).
		Msg("auth state cleaned up")

	return result
}

// DisconnectSocket tears down the session's live connection. Safe to call
// when no handle exists.
func (m *Manager) DisconnectSocket(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	handle := m.handles[sessionID]
	delete(m.handles, sessionID)
	if t, ok := m.timeouts[sessionID]; ok {
		t.Stop()
		delete(m.timeouts, sessionID)
	}
	delete(m.pairingGuard, sessionID)
	if t, ok := m.pairingExpiry[sessionID]; ok {
		t.Stop()
		delete(m.pairingExpiry, sessionID)
	}
	m.mu.Unlock()

	if handle == nil {
		return nil
	}

	// Set the voluntary marker before closing so the close event is not
	// treated as a reconnectable failure.
	noReconnect := true
	if err := m.sessions.Update(ctx, sessionID, model.UpdateSessionParams{NoReconnect: &noReconnect}); err != nil {
		log.Error().Err(err).Str("sessionId", sessionID).Msg("failed to set voluntary disconnect marker")
	}

	m.teardownHandle(ctx, handle)
	log.Info().Str("sessionId", sessionID).Msg("socket disconnected")
	return nil
}

func (m *Manager) teardownHandle(ctx context.Context, handle *Handle) {
	handle.releaseAuth()
	if err := handle.socket.Close(); err != nil {
		log.Error().Err(err).Str("sessionId", handle.SessionID).Msg("socket close failed")
	}
	handle.markClosed()
}

// SetConnectionTimeout registers a per-session timer. At most one exists
// per session; setting replaces any prior timer. A replaced timer that is
// already firing finds itself gone from the registry and does nothing, so
// it can never cancel or act for its replacement.
func (m *Manager) SetConnectionTimeout(sessionID string, callback func(), duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.timeouts[sessionID]; ok {
		t.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(duration, func() {
		m.mu.Lock()
		current := m.timeouts[sessionID] == timer
		if current {
			delete(m.timeouts, sessionID)
		}
		m.mu.Unlock()
		if current {
			callback()
		}
	})
	m.timeouts[sessionID] = timer
}

// ClearConnectionTimeout cancels the session's pending timer. Clearing an
// absent timer is a no-op.
func (m *Manager) ClearConnectionTimeout(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.timeouts[sessionID]; ok {
		t.Stop()
		delete(m.timeouts, sessionID)
	}
}

// WaitForReady blocks until the handle's connection opens, the handle
// closes, or the timeout elapses. Timeout is an expected outcome and
// yields false, not an error.
func (m *Manager) WaitForReady(ctx context.Context, handle *Handle, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-handle.openCh:
		return true
	case <-handle.closedCh:
		return false
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// HasHandle reports whether the session currently maps to a handle.
func (m *Manager) HasHandle(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handles[sessionID] != nil
}

// GetStats snapshots the manager's tracking state.
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{
		ActiveConnections: len(m.handles),
		PendingPairings:   len(m.pairingGuard),
		ActiveTimeouts:    len(m.timeouts),
		Sessions:          make(map[string]model.ConnectionStatus, len(m.statusCache)),
	}
	for id, status := range m.statusCache {
		stats.Sessions[id] = status
	}
	for _, h := range m.handles {
		if h.IsOpen() {
			stats.OpenConnections++
		}
	}
	return stats
}

// Cleanup is the process-shutdown path: cancel every timer, disconnect
// every handle concurrently (failures isolated), then clear all tracking.
func (m *Manager) Cleanup(ctx context.Context) {
	m.mu.Lock()
	for id, t := range m.timeouts {
		t.Stop()
		delete(m.timeouts, id)
	}
	for id, t := range m.pairingExpiry {
		t.Stop()
		delete(m.pairingExpiry, id)
	}
	handles := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.handles = make(map[string]*Handle)
	m.pairingGuard = make(map[string]bool)
	m.statusCache = make(map[string]model.ConnectionStatus)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			m.teardownHandle(ctx, h)
		}(h)
	}
	wg.Wait()

	log.Info().Int("connections", len(handles)).Msg("connection manager cleaned up")
}

// removeHandle drops the mapping only if it still points at h, so a
// replacement handle created meanwhile is never evicted.
func (m *Manager) removeHandle(sessionID string, h *Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handles[sessionID] == h {
		delete(m.handles, sessionID)
	}
}

func (m *Manager) clearTracking(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.handles, sessionID)
	delete(m.pairingGuard, sessionID)
	delete(m.statusCache, sessionID)
	if t, ok := m.pairingExpiry[sessionID]; ok {
		t.Stop()
		delete(m.pairingExpiry, sessionID)
	}
	if t, ok := m.timeouts[sessionID]; ok {
		t.Stop()
		delete(m.timeouts, sessionID)
	}
}

func (m *Manager) cacheStatus(sessionID string, status model.ConnectionStatus) {
	m.mu.Lock()
	m.statusCache[sessionID] = status
	m.mu.Unlock()
}

func (m *Manager) notifyWeb(ctx context.Context, sessionID string, eventType string, payload any) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.PublishJSON(ctx, sessionID, eventType, payload); err != nil {
		log.Warn().Err(err).
			Str("sessionId", sessionID).
			Str("event", eventType).
			Msg("failed to publish session event")
	}
}
