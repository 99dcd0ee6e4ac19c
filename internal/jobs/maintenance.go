package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/gateway-server-go/internal/config"
	"github.com/openclaw/gateway-server-go/internal/repository"
)

// MaintenanceJob repairs session rows that drifted from reality: sessions
// stuck in "connecting" past the connect deadline are flipped back to
// "disconnected" so the reconciler and dashboards see the truth.
type MaintenanceJob struct {
	sessionRepo repository.SessionRepository
	interval    time.Duration
	done        chan struct{}
}

func NewMaintenanceJob(sessionRepo repository.SessionRepository, interval time.Duration) *MaintenanceJob {
	return &MaintenanceJob{
		sessionRepo: sessionRepo,
		interval:    interval,
		done:        make(chan struct{}),
	}
}

func (j *MaintenanceJob) Start() {
	go j.run()
	log.Info().Dur("interval", j.interval).Msg("maintenance job started")
}

func (j *MaintenanceJob) Stop() {
	close(j.done)
	log.Info().Msg("maintenance job stopped")
}

func (j *MaintenanceJob) run() {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.sweep()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.sweep()
		}
	}
}

func (j *MaintenanceJob) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := time.Now().Add(-2 * config.ConnectTimeout)
	count, err := j.sessionRepo.MarkStaleConnecting(ctx, cutoff)
	if err != nil {
		log.Error().Err(err).Msg("failed to repair stale connecting sessions")
	} else if count > 0 {
		log.Info().Int64("count", count).Msg("repaired stale connecting sessions")
	}
}
