// Package protocol defines the contract this server consumes from the
// external messaging-backend client. The wire protocol and pairing
// handshake live behind these interfaces and are not implemented here.
package protocol

import "context"

// Credentials is the cryptographic state a socket authenticates with.
// A record is usable only when both NoiseKey and SignedIdentityKey are
// non-empty.
type Credentials struct {
	NoiseKey          []byte `json:"noiseKey"`
	SignedIdentityKey []byte `json:"signedIdentityKey"`
	Registered        bool   `json:"registered"`
	JID               string `json:"jid,omitempty"`
	PhoneNumber       string `json:"phoneNumber,omitempty"`
}

// Valid reports whether the record can authenticate a connection.
func (c *Credentials) Valid() bool {
	return c != nil && len(c.NoiseKey) > 0 && len(c.SignedIdentityKey) > 0
}

// ConnectionState is one step of a socket's lifecycle.
type ConnectionState string

const (
	StateConnecting ConnectionState = "connecting"
	StateOpen       ConnectionState = "open"
	StateClose      ConnectionState = "close"
)

// DisconnectReason classifies why a socket closed.
type DisconnectReason string

const (
	ReasonNone      DisconnectReason = ""
	ReasonLoggedOut DisconnectReason = "logged_out"
	ReasonNetwork   DisconnectReason = "network"
	ReasonVoluntary DisconnectReason = "voluntary"
)

// EventKind discriminates socket events.
type EventKind string

const (
	EventConnectionUpdate   EventKind = "connection_update"
	EventQRCode             EventKind = "qr_code"
	EventCredentialsUpdated EventKind = "credentials_updated"
)

// Event is delivered on a socket's event stream in transport order.
type Event struct {
	Kind        EventKind
	State       ConnectionState
	Reason      DisconnectReason
	PhoneNumber string
	QR          string
	Credentials *Credentials
}

// SocketConfig tunes a single dial.
type SocketConfig struct {
	SessionID string
}

// Socket is one live connection to the messaging backend.
type Socket interface {
	// Events returns the socket's event stream. The channel is closed
	// when the socket is closed; events arrive in transport order.
	Events() <-chan Event

	// RequestPairingCode asks the backend for a device-pairing code for
	// the given phone number.
	RequestPairingCode(ctx context.Context, phoneNumber string) (string, error)

	// Registered reports whether the backend considers this session's
	// device already registered.
	Registered() bool

	// Logout invalidates the session's registration with the backend.
	Logout(ctx context.Context) error

	// Close tears down the transport. Idempotent.
	Close() error
}

// Dialer creates sockets. The production dialer is supplied by the
// backend client; devsock provides an in-process one.
type Dialer interface {
	Dial(ctx context.Context, creds *Credentials, cfg SocketConfig) (Socket, error)
}
