package connection

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/gateway-server-go/internal/config"
	"github.com/openclaw/gateway-server-go/internal/repository"
)

// Reconciler discovers web-registered sessions that have no live
// connection yet and materializes each exactly once. The guard set is
// marked before the creation attempt and unmarked on failure: a small
// window of duplicate-skip is traded for guaranteed avoidance of
// duplicate-create.
type Reconciler struct {
	manager  *Manager
	sessions repository.SessionRepository
	interval time.Duration

	processed map[string]bool
	done      chan struct{}
}

func NewReconciler(manager *Manager, sessions repository.SessionRepository) *Reconciler {
	return &Reconciler{
		manager:   manager,
		sessions:  sessions,
		interval:  config.ReconcileInterval,
		processed: make(map[string]bool),
		done:      make(chan struct{}),
	}
}

func (r *Reconciler) Start() {
	go r.run()
	log.Info().Dur("interval", r.interval).Msg("session reconciler started")
}

func (r *Reconciler) Stop() {
	close(r.done)
	log.Info().Msg("session reconciler stopped")
}

func (r *Reconciler) run() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.Tick(context.Background())
		}
	}
}

// Tick runs one reconciliation pass. Failures are isolated per session so
// one bad session never stalls the scan of the others.
func (r *Reconciler) Tick(ctx context.Context) {
	sessions, err := r.sessions.ListUndetectedWeb(ctx)
	if err != nil {
		log.Error().Err(err).Msg("reconciler: failed to list undetected sessions")
		return
	}

	for _, session := range sessions {
		if r.processed[session.ID] {
			continue
		}

		if r.manager.HasHandle(session.ID) {
			// Detection lagged creation; just record that it exists.
			if err := r.sessions.MarkDetected(ctx, session.ID); err != nil {
				log.Error().Err(err).Str("sessionId", session.ID).Msg("reconciler: failed to mark detected")
				continue
			}
			r.processed[session.ID] = true
			continue
		}

		// Mark before attempting so an overlapping pass cannot create a
		// second connection while this one is in flight.
		r.processed[session.ID] = true

		phone := ""
		if session.PhoneNumber != nil {
			phone = *session.PhoneNumber
		}

		if _, err := r.manager.CreateConnection(ctx, session.ID, phone, Callbacks{}, true); err != nil {
			delete(r.processed, session.ID)
			log.Error().Err(err).Str("sessionId", session.ID).Msg("reconciler: failed to create connection")
			continue
		}

		if err := r.sessions.MarkDetected(ctx, session.ID); err != nil {
			log.Error().Err(err).Str("sessionId", session.ID).Msg("reconciler: failed to mark detected")
		}

		log.Info().Str("sessionId", session.ID).Msg("reconciler: session materialized")
	}
}
