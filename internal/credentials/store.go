// Package credentials resolves and persists per-session device
// credentials from interchangeable backing stores. The shared database
// store is preferred; the local filesystem store is the fallback.
package credentials

import (
	"context"

	"github.com/openclaw/gateway-server-go/internal/protocol"
)

// Store is one backing store for device credentials.
type Store interface {
	// Load returns the stored record, or nil when none exists. A Load
	// may acquire store-specific resources (the file store takes a lock);
	// Release frees them.
	Load(ctx context.Context, sessionID string) (*protocol.Credentials, error)

	// Peek is a read-only Load: it never acquires resources. Used by
	// availability probes.
	Peek(ctx context.Context, sessionID string) (*protocol.Credentials, error)

	// Save persists an updated record, e.g. after backend key rotation.
	Save(ctx context.Context, sessionID string, creds *protocol.Credentials) error

	// Delete removes the record.
	Delete(ctx context.Context, sessionID string) error

	// Release frees resources acquired by Load. Idempotent.
	Release(sessionID string)

	// Name tags which store produced a record ("db" or "file").
	Name() string
}
