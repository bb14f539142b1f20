// Package pairingsessions declares the repository contract for ephemeral
// pairing sessions: single-use, expiring tickets claimed by a second device.
package pairingsessions

import (
	"context"
	"time"

	"github.com/akosenkov/passvault/internal/server/models"
)

// Repository defines persistence operations for pairing sessions.
//
// MarkResolved, MarkExpired and MarkCancelled are conditional updates guarded
// on the session still being pending; implementations must report whether the
// guard held so that exactly one of N concurrent resolvers wins.
type Repository interface {
	// Create inserts a new pending session.
	Create(ctx context.Context, s *models.PairingSession) error

	// GetByID returns a session by id, or common.ErrorNotFound once the
	// sweeper has collected it (or it never existed).
	GetByID(ctx context.Context, id string) (*models.PairingSession, error)

	// MarkResolved flips a still-pending, unexpired session to resolved and
	// stores the resolution payload. Returns false when the guard failed.
	MarkResolved(ctx context.Context, id string, resolution map[string]string, now time.Time) (bool, error)

	// MarkExpired persists the lazy pending→expired transition on read.
	// Returns false when the session was no longer pending.
	MarkExpired(ctx context.Context, id string, now time.Time) (bool, error)

	// MarkCancelled flips a still-pending session owned by userID to
	// cancelled. Returns false when the guard failed.
	MarkCancelled(ctx context.Context, id, userID string, now time.Time) (bool, error)

	// DeleteExpiredBefore removes sessions whose expiry is before cutoff.
	// Storage hygiene only; correctness never depends on the sweep.
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
