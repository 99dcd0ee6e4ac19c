package connection

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/gateway-server-go/internal/model"
	"github.com/openclaw/gateway-server-go/internal/protocol"
	"github.com/openclaw/gateway-server-go/internal/sse"
)

// stateMachine consumes one socket's event stream and drives persisted
// session status. Transitions are reacted to in delivery order; close is
// terminal for the handle — reconnection creates a new handle.
type stateMachine struct {
	manager *Manager
	handle  *Handle
	persist func(ctx context.Context, creds *protocol.Credentials) error
}

func (sm *stateMachine) run() {
	for ev := range sm.handle.socket.Events() {
		switch ev.Kind {
		case protocol.EventConnectionUpdate:
			sm.handleConnectionUpdate(ev)
		case protocol.EventQRCode:
			sm.handleQR(ev)
		case protocol.EventCredentialsUpdated:
			sm.handleCredentialsUpdated(ev)
		}
	}
}

func (sm *stateMachine) handleConnectionUpdate(ev protocol.Event) {
	switch ev.State {
	case protocol.StateConnecting:
		sm.handleConnecting()
	case protocol.StateOpen:
		sm.handleOpen(ev)
	case protocol.StateClose:
		sm.handleClose(ev)
	}
}

func (sm *stateMachine) handleConnecting() {
	ctx := context.Background()
	sessionID := sm.handle.SessionID

	status := model.ConnectionStatusConnecting
	if err := sm.manager.sessions.Update(ctx, sessionID, model.UpdateSessionParams{
		ConnectionStatus: &status,
	}); err != nil {
		log.Error().Err(err).Str("sessionId", sessionID).Msg("failed to persist connecting status")
	}
	sm.manager.cacheStatus(sessionID, status)

	log.Debug().Str("sessionId", sessionID).Msg("connection state: connecting")
}

func (sm *stateMachine) handleOpen(ev protocol.Event) {
	ctx := context.Background()
	sessionID := sm.handle.SessionID

	sm.manager.ClearConnectionTimeout(sessionID)

	connected := true
	status := model.ConnectionStatusConnected
	zeroAttempts := 0
	clearMarker := false
	params := model.UpdateSessionParams{
		IsConnected:       &connected,
		ConnectionStatus:  &status,
		ReconnectAttempts: &zeroAttempts,
		NoReconnect:       &clearMarker,
	}
	if ev.PhoneNumber != "" {
		phone := ev.PhoneNumber
		params.PhoneNumber = &phone
	}
	if err := sm.manager.sessions.Update(ctx, sessionID, params); err != nil {
		log.Error().Err(err).Str("sessionId", sessionID).Msg("failed to persist connected status")
	}
	sm.manager.cacheStatus(sessionID, status)

	sm.handle.markOpen()

	if sm.handle.setupEventHandlersOnce() {
		// Higher-level message-processing subscriptions attach here, once
		// per handle, never again on subsequent opens of the same socket.
		log.Debug().Str("sessionId", sessionID).Msg("event handlers wired")
	}

	if sm.sessionSource(ctx, sessionID) == model.SessionSourceWeb {
		sm.manager.notifyWeb(ctx, sessionID, sse.EventConnected, map[string]string{
			"sessionId": sessionID,
		})
	}

	if sm.handle.callbacks.OnConnected != nil {
		sm.handle.callbacks.OnConnected(sm.handle)
	}

	log.Info().Str("sessionId", sessionID).Msg("connection open")
}

// handleClose persists the disconnect and then hands the reconnection
// decision to the retry policy. The delegation is exclusive: no fallback
// retry lives here, since a second uncoordinated path is what produces
// duplicate reconnection attempts against the same session.
func (sm *stateMachine) handleClose(ev protocol.Event) {
	ctx := context.Background()
	sessionID := sm.handle.SessionID

	sm.handle.markClosed()
	sm.handle.releaseAuth()
	sm.manager.removeHandle(sessionID, sm.handle)

	disconnected := false
	status := model.ConnectionStatusDisconnected
	if err := sm.manager.sessions.Update(ctx, sessionID, model.UpdateSessionParams{
		IsConnected:      &disconnected,
		ConnectionStatus: &status,
	}); err != nil {
		log.Error().Err(err).Str("sessionId", sessionID).Msg("failed to persist disconnected status")
	}
	sm.manager.cacheStatus(sessionID, status)

	if sm.sessionSource(ctx, sessionID) == model.SessionSourceWeb {
		sm.manager.notifyWeb(ctx, sessionID, sse.EventDisconnected, map[string]string{
			"sessionId": sessionID,
			"reason":    string(ev.Reason),
		})
	}

	log.Info().
		Str("sessionId", sessionID).
		Str("reason", string(ev.Reason)).
		Msg("connection closed")

	policy := sm.manager.retryPolicy()
	if policy == nil {
		log.Error().Str("sessionId", sessionID).Msg("no retry policy configured, not reconnecting")
		return
	}
	policy.OnClose(ctx, sessionID, ev.Reason, sm.handle.callbacks)
}

// handleQR forwards a login QR to the caller and the web surface. The
// backend re-issues codes on its own cadence; each one flows through as-is.
func (sm *stateMachine) handleQR(ev protocol.Event) {
	sessionID := sm.handle.SessionID

	if sm.handle.callbacks.OnQR != nil {
		sm.handle.callbacks.OnQR(ev.QR)
	}
	sm.manager.notifyWeb(context.Background(), sessionID, sse.EventQR, map[string]string{
		"qr": ev.QR,
	})

	log.Debug().Str("sessionId", sessionID).Msg("qr code issued")
}

func (sm *stateMachine) handleCredentialsUpdated(ev protocol.Event) {
	if ev.Credentials == nil || sm.persist == nil {
		return
	}
	if err := sm.persist(context.Background(), ev.Credentials); err != nil {
		log.Error().Err(err).
			Str("sessionId", sm.handle.SessionID).
			Msg("failed to persist rotated credentials")
	}
}

func (sm *stateMachine) sessionSource(ctx context.Context, sessionID string) model.SessionSource {
	session, err := sm.manager.sessions.FindByID(ctx, sessionID)
	if err != nil || session == nil {
		return ""
	}
	return session.Source
}
