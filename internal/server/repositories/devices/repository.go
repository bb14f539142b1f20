// Package devices declares the server-side repository contract for device
// records, including the verification-code fields mutated by the
// verification engine.
package devices

import (
	"context"
	"time"

	"github.com/akosenkov/passvault/internal/server/models"
)

// Repository defines persistence operations for devices.
//
// ConsumeCode and IncrementAttempts are the linearization points for
// concurrent verification checks: both are single conditional statements, so
// two near-simultaneous checks against the same device cannot both consume
// one code.
type Repository interface {
	// Create inserts a new device (attempts 0, unverified, untrusted).
	Create(ctx context.Context, d *models.Device) error

	// GetByID returns a device by id, or common.ErrorNotFound.
	GetByID(ctx context.Context, id string) (*models.Device, error)

	// ListByUser returns all devices owned by userID, newest first.
	ListByUser(ctx context.Context, userID string) ([]*models.Device, error)

	// Delete removes a device owned by userID. Missing rows yield
	// common.ErrorNotFound.
	Delete(ctx context.Context, userID, id string) error

	// SetCode stores a fresh verification code with its expiry and resets the
	// attempt counter to zero, invalidating any outstanding code.
	SetCode(ctx context.Context, id, code string, expiresAt time.Time) error

	// IncrementAttempts bumps the attempt counter and returns the new value.
	IncrementAttempts(ctx context.Context, id string) (int, error)

	// ConsumeCode atomically clears the code fields and sets verified and
	// trusted, guarded on the stored code still matching. Returns false when
	// the guard fails (someone else consumed it first, or it was reissued).
	ConsumeCode(ctx context.Context, id, code string) (bool, error)

	// TouchLastActive updates the device's last-active timestamp.
	TouchLastActive(ctx context.Context, id string, at time.Time) error

	// SetLastSynced records sync bookkeeping on the device.
	SetLastSynced(ctx context.Context, id string, at time.Time) error
}
