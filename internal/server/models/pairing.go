package models

import "time"

// PairingStatus is the externally visible state of a pairing session.
// Exactly one status holds at any time; resolved, expired and cancelled
// are terminal.
type PairingStatus string

const (
	PairingPending   PairingStatus = "pending"
	PairingResolved  PairingStatus = "resolved"
	PairingExpired   PairingStatus = "expired"
	PairingCancelled PairingStatus = "cancelled"
)

// PairingSession is a short-lived handoff token that lets a second device
// materialize a resource on the issuing user's account. The session id is
// opaque and URL-safe; whoever holds it may resolve the session, so the id
// itself is the secret.
type PairingSession struct {
	ID         string
	UserID     string
	PassType   string
	Payload    map[string]string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	Resolved   bool
	Resolution map[string]string
	Cancelled  bool
	Expired    bool
}

// Status derives the session status at the given instant. A pending session
// past its expiry reports expired even before the lazy transition has been
// persisted.
func (s *PairingSession) Status(now time.Time) PairingStatus {
	switch {
	case s.Cancelled:
		return PairingCancelled
	case s.Resolved:
		return PairingResolved
	case s.Expired || now.After(s.ExpiresAt):
		return PairingExpired
	default:
		return PairingPending
	}
}
