package connection

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/gateway-server-go/internal/config"
	apperrors "github.com/openclaw/gateway-server-go/internal/errors"
	"github.com/openclaw/gateway-server-go/internal/model"
	"github.com/openclaw/gateway-server-go/internal/protocol"
	"github.com/openclaw/gateway-server-go/internal/repository"
)

// RetryPolicy decides what happens after a close event: nothing, one
// delayed reconnection attempt, or permanent give-up. The state machine
// delegates every close here and never retries on its own.
type RetryPolicy interface {
	OnClose(ctx context.Context, sessionID string, reason protocol.DisconnectReason, cbs Callbacks)
}

// Reconnector is the default retry policy: linear backoff, a persisted
// per-session attempt budget, and suppression of voluntary disconnects.
type Reconnector struct {
	manager     *Manager
	sessions    repository.SessionRepository
	maxAttempts int
	backoffBase time.Duration
}

func NewReconnector(manager *Manager, sessions repository.SessionRepository) *Reconnector {
	return &Reconnector{
		manager:     manager,
		sessions:    sessions,
		maxAttempts: config.MaxReconnectAttempts,
		backoffBase: config.ReconnectBackoffBase,
	}
}

func (r *Reconnector) OnClose(ctx context.Context, sessionID string, reason protocol.DisconnectReason, cbs Callbacks) {
	if reason == protocol.ReasonVoluntary || reason == protocol.ReasonLoggedOut {
		log.Info().
			Str("sessionId", sessionID).
			Str("reason", string(reason)).
			Msg("not reconnecting")
		return
	}

	session, err := r.sessions.FindByID(ctx, sessionID)
	if err != nil {
		log.Error().Err(err).Str("sessionId", sessionID).Msg("retry policy: failed to load session")
		return
	}
	if session == nil {
		log.Warn().Str("sessionId", sessionID).Msg("retry policy: session gone, not reconnecting")
		return
	}
	if session.NoReconnect {
		log.Info().Str("sessionId", sessionID).Msg("session marked no-reconnect")
		return
	}

	if session.ReconnectAttempts >= r.maxAttempts {
		log.Warn().
			Str("sessionId", sessionID).
			Int("attempts", session.ReconnectAttempts).
			Msg("reconnect budget exhausted, giving up")

		status := model.ConnectionStatusDisconnected
		disconnected := false
		if err := r.sessions.Update(ctx, sessionID, model.UpdateSessionParams{
			IsConnected:      &disconnected,
			ConnectionStatus: &status,
		}); err != nil {
			log.Error().Err(err).Str("sessionId", sessionID).Msg("failed to persist terminal disconnect")
		}
		r.manager.clearTracking(sessionID)

		if cbs.OnError != nil {
			cbs.OnError(apperrors.MaxReconnectAttempts(sessionID, r.maxAttempts))
		}
		return
	}

	// Persist the incremented budget before dialing so a restart mid-
	// attempt cannot reset it.
	attempt := session.ReconnectAttempts + 1
	status := model.ConnectionStatusReconnecting
	if err := r.sessions.Update(ctx, sessionID, model.UpdateSessionParams{
		ReconnectAttempts: &attempt,
		ConnectionStatus:  &status,
	}); err != nil {
		log.Error().Err(err).Str("sessionId", sessionID).Msg("failed to persist reconnect attempt, not reconnecting")
		return
	}
	r.manager.cacheStatus(sessionID, status)

	delay := time.Duration(attempt) * r.backoffBase
	log.Info().
		Str("sessionId", sessionID).
		Int("attempt", attempt).
		Dur("delay", delay).
		Msg("scheduling reconnect")

	select {
	case <-ctx.Done():
		return
	case <-time.After(delay):
	}

	phone := ""
	if session.PhoneNumber != nil {
		phone = *session.PhoneNumber
	}

	// The session already holds credentials; pairing stays disabled on
	// reconnects.
	if _, err := r.manager.CreateConnection(ctx, sessionID, phone, cbs, false); err != nil {
		log.Error().Err(err).
			Str("sessionId", sessionID).
			Int("attempt", attempt).
			Msg("reconnect attempt failed")
		if cbs.OnError != nil {
			cbs.OnError(err)
		}
	}
}
