// Package devsock is an in-process simulator of the backend protocol
// client. It exists so the gateway can run end to end without backend
// access (TRANSPORT=dev) and serves as the socket double in tests.
package devsock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/gateway-server-go/internal/protocol"
)

const eventBuffer = 16

// Dialer produces simulated sockets. ConnectDelay controls how long a
// socket sits in "connecting" before opening.
type Dialer struct {
	ConnectDelay time.Duration
}

func NewDialer() *Dialer {
	return &Dialer{ConnectDelay: 100 * time.Millisecond}
}

func (d *Dialer) Dial(ctx context.Context, creds *protocol.Credentials, cfg protocol.SocketConfig) (protocol.Socket, error) {
	if !creds.Valid() {
		return nil, fmt.Errorf("devsock: invalid credentials for session %s", cfg.SessionID)
	}

	s := &Socket{
		sessionID:  cfg.SessionID,
		registered: creds.Registered,
		phone:      creds.PhoneNumber,
		events:     make(chan protocol.Event, eventBuffer),
		done:       make(chan struct{}),
	}

	go s.connect(d.ConnectDelay)

	log.Debug().Str("sessionId", cfg.SessionID).Msg("devsock dialed")
	return s, nil
}

// Socket simulates one backend connection: it emits connecting, then
// open after the dialer's delay, and close when told to.
type Socket struct {
	sessionID  string
	registered bool
	phone      string

	mu     sync.Mutex
	closed bool
	events chan protocol.Event
	done   chan struct{}
}

func (s *Socket) connect(delay time.Duration) {
	s.emit(protocol.Event{Kind: protocol.EventConnectionUpdate, State: protocol.StateConnecting})

	if !s.registered {
		// An unregistered device gets a login QR before the session opens.
		s.emit(protocol.Event{Kind: protocol.EventQRCode, QR: "devsock-qr-" + s.sessionID})
	}

	select {
	case <-s.done:
		return
	case <-time.After(delay):
	}

	s.emit(protocol.Event{
		Kind:        protocol.EventConnectionUpdate,
		State:       protocol.StateOpen,
		PhoneNumber: s.phone,
	})
}

func (s *Socket) Events() <-chan protocol.Event {
	return s.events
}

func (s *Socket) RequestPairingCode(ctx context.Context, phoneNumber string) (string, error) {
	if phoneNumber == "" {
		return "", fmt.Errorf("devsock: phone number required for pairing")
	}
	// Deterministic code keeps dev flows reproducible.
	return "DEV1-CODE", nil
}

func (s *Socket) Registered() bool {
	return s.registered
}

func (s *Socket) Logout(ctx context.Context) error {
	s.mu.Lock()
	s.registered = false
	s.mu.Unlock()
	return s.CloseWithReason(protocol.ReasonLoggedOut)
}

func (s *Socket) Close() error {
	return s.CloseWithReason(protocol.ReasonVoluntary)
}

// CloseWithReason ends the socket and emits a final close event. Used by
// tests to simulate network drops.
func (s *Socket) CloseWithReason(reason protocol.DisconnectReason) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)

	s.deliverLocked(protocol.Event{
		Kind:   protocol.EventConnectionUpdate,
		State:  protocol.StateClose,
		Reason: reason,
	})
	close(s.events)
	return nil
}

// EmitCredentialsUpdate simulates the backend rotating keys.
func (s *Socket) EmitCredentialsUpdate(creds *protocol.Credentials) {
	s.emit(protocol.Event{Kind: protocol.EventCredentialsUpdated, Credentials: creds})
}

func (s *Socket) emit(ev protocol.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.deliverLocked(ev)
}

func (s *Socket) deliverLocked(ev protocol.Event) {
	select {
	case s.events <- ev:
	default:
		log.Warn().Str("sessionId", s.sessionID).Msg("devsock event buffer full, dropping event")
	}
}
