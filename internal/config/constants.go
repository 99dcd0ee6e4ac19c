package config

import "time"

// Database connection pool settings
const (
	DBMaxOpenConns    = 25
	DBMaxIdleConns    = 5
	DBConnMaxLifetime = 5 * time.Minute
)

// HTTP server timeouts
const (
	ServerRequestTimeout  = 60 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Database ping timeout for health checks
const DBPingTimeout = 5 * time.Second

// Connection lifecycle tunables
const (
	// ConnectTimeout bounds how long a session may sit in "connecting"
	// before the attempt is abandoned.
	ConnectTimeout = 60 * time.Second

	// PairingSettleDelay gives a freshly dialed socket time to stabilize
	// before a pairing code is requested.
	PairingSettleDelay = 3 * time.Second

	// PairingGuardWindow is how long a session stays in the pairing guard
	// set after a code was issued. While guarded, repeat pairing requests
	// for the session are no-ops.
	PairingGuardWindow = 2 * time.Minute

	// MaxReconnectAttempts is the per-session reconnection budget. The
	// counter persists across restarts.
	MaxReconnectAttempts = 5

	// ReconnectBackoffBase scales linearly with the attempt number.
	ReconnectBackoffBase = 5 * time.Second
)

// ReconcileInterval is how often the reconciler scans storage for web
// sessions that have no live connection yet.
const ReconcileInterval = 3 * time.Second

// Background maintenance job interval
const MaintenanceJobInterval = 5 * time.Minute

// Default rate limiting for the HTTP API
const DefaultRateLimitPerMin = 60
