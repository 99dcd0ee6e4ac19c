package model

import "time"

type Session struct {
	ID                string           `db:"id" json:"id"`
	PhoneNumber       *string          `db:"phone_number" json:"phoneNumber,omitempty"`
	IsConnected       bool             `db:"is_connected" json:"isConnected"`
	ConnectionStatus  ConnectionStatus `db:"connection_status" json:"connectionStatus"`
	ReconnectAttempts int              `db:"reconnect_attempts" json:"reconnectAttempts"`
	Source            SessionSource    `db:"source" json:"source"`
	Detected          bool             `db:"detected" json:"detected"`
	NoReconnect       bool             `db:"no_reconnect" json:"noReconnect"`
	CreatedAt         time.Time        `db:"created_at" json:"createdAt"`
	UpdatedAt         time.Time        `db:"updated_at" json:"updatedAt"`
}

type CreateSessionParams struct {
	ID          string
	PhoneNumber *string
	Source      SessionSource
}

// UpdateSessionParams carries a partial update. Nil fields are left
// untouched by the repository, so concurrent writers merge rather than
// overwrite each other.
type UpdateSessionParams struct {
	PhoneNumber       *string
	IsConnected       *bool
	ConnectionStatus  *ConnectionStatus
	ReconnectAttempts *int
	NoReconnect       *bool
}
