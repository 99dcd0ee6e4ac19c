package model

// ConnectionStatus is the persisted view of a session's live connection.
type ConnectionStatus string

const (
	ConnectionStatusDisconnected ConnectionStatus = "disconnected"
	ConnectionStatusConnecting   ConnectionStatus = "connecting"
	ConnectionStatusConnected    ConnectionStatus = "connected"
	ConnectionStatusReconnecting ConnectionStatus = "reconnecting"
)

// SessionSource identifies which external surface created the session.
type SessionSource string

const (
	SessionSourceAPI SessionSource = "api"
	SessionSourceWeb SessionSource = "web"
	SessionSourceBot SessionSource = "bot"
)
