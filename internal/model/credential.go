package model

import "time"

// DeviceCredential is one row of the shared credential store. Payload is
// the serialized credential record, AES-GCM encrypted at rest when an
// encryption key is configured.
type DeviceCredential struct {
	SessionID string    `db:"session_id" json:"sessionId"`
	Payload   string    `db:"payload" json:"-"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}
