package credentials

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	apperrors "github.com/openclaw/gateway-server-go/internal/errors"
	"github.com/openclaw/gateway-server-go/internal/protocol"
)

// Resolved is a borrowed credential record plus the hooks the connection
// manager wires into the socket's lifetime.
type Resolved struct {
	Creds  *protocol.Credentials
	Method string

	// Persist writes updated credentials back to the originating store.
	// Called whenever the backend reports a key rotation.
	Persist func(ctx context.Context, creds *protocol.Credentials) error

	// Release frees store resources. Invoked exactly once during session
	// cleanup regardless of how many times it is called.
	Release func()
}

// Availability is the read-only probe result for both backing stores.
type Availability struct {
	DB   bool `json:"db"`
	File bool `json:"file"`
}

// PurgeResult records the independent outcome of purging each store.
type PurgeResult struct {
	DB   bool `json:"db"`
	File bool `json:"file"`
}

// Resolver picks credentials from the preferred store, falling back to
// the next when the record is missing or fails the validity check.
type Resolver struct {
	db   Store
	file Store
}

func NewResolver(db, file Store) *Resolver {
	return &Resolver{db: db, file: file}
}

// Resolve returns the first valid record, database first. When neither
// store yields one, the result is an AUTH_STATE_ERROR; callers do not
// retry this internally.
func (r *Resolver) Resolve(ctx context.Context, sessionID string) (*Resolved, error) {
	for _, store := range []Store{r.db, r.file} {
		creds, err := store.Load(ctx, sessionID)
		if err != nil {
			log.Warn().Err(err).
				Str("sessionId", sessionID).
				Str("store", store.Name()).
				Msg("credential store unavailable, trying next")
			continue
		}
		if !creds.Valid() {
			if creds != nil {
				store.Release(sessionID)
				log.Warn().
					Str("sessionId", sessionID).
					Str("store", store.Name()).
					Msg("credential record missing key material, trying next")
			}
			continue
		}

		st := store
		var once sync.Once
		return &Resolved{
			Creds:  creds,
			Method: st.Name(),
			Persist: func(ctx context.Context, creds *protocol.Credentials) error {
				return st.Save(ctx, sessionID, creds)
			},
			Release: func() {
				once.Do(func() { st.Release(sessionID) })
			},
		}, nil
	}

	return nil, apperrors.AuthState(sessionID)
}

// CheckAvailability probes both stores without mutating anything. Storage
// errors count as unavailable and are logged, not propagated.
func (r *Resolver) CheckAvailability(ctx context.Context, sessionID string) Availability {
	return Availability{
		DB:   r.probe(ctx, r.db, sessionID),
		File: r.probe(ctx, r.file, sessionID),
	}
}

func (r *Resolver) probe(ctx context.Context, store Store, sessionID string) bool {
	creds, err := store.Peek(ctx, sessionID)
	if err != nil {
		log.Debug().Err(err).
			Str("sessionId", sessionID).
			Str("store", store.Name()).
			Msg("availability probe failed")
		return false
	}
	return creds.Valid()
}

// Purge removes the session's credentials from both stores. Each store's
// outcome is independent; one failing never blocks the other.
func (r *Resolver) Purge(ctx context.Context, sessionID string) PurgeResult {
	var result PurgeResult

	if err := r.db.Delete(ctx, sessionID); err != nil {
		log.Error().Err(err).Str("sessionId", sessionID).Msg("failed to purge db credentials")
	} else {
		result.DB = true
	}

	if err := r.file.Delete(ctx, sessionID); err != nil {
		log.Error().Err(err).Str("sessionId", sessionID).Msg("failed to purge file credentials")
	} else {
		result.File = true
	}

	return result
}
