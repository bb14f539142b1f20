// Package models holds the server-side data structures persisted by the
// repositories: devices, pairing sessions, and sync runs.
package models

import "time"

// DeviceClass is the rough hardware category a device self-reports.
type DeviceClass string

const (
	DeviceClassPhone   DeviceClass = "phone"
	DeviceClassTablet  DeviceClass = "tablet"
	DeviceClassLaptop  DeviceClass = "laptop"
	DeviceClassDesktop DeviceClass = "desktop"
	DeviceClassOther   DeviceClass = "other"
)

// KnownDeviceClasses lists every accepted device class.
var KnownDeviceClasses = []DeviceClass{
	DeviceClassPhone, DeviceClassTablet, DeviceClassLaptop,
	DeviceClassDesktop, DeviceClassOther,
}

// MaxCodeAttempts is the number of verification checks a device may fail
// before the outstanding code is locked out.
const MaxCodeAttempts = 5

// Device is one client instance registered on a user's account.
//
// Trust is a consequence of verification: Trusted is only ever set together
// with Verified, never independently. VerificationCode and CodeExpiresAt are
// set and cleared together.
type Device struct {
	ID               string
	UserID           string
	Name             string
	Class            DeviceClass
	Trusted          bool
	Verified         bool
	VerificationCode *string
	CodeExpiresAt    *time.Time
	CodeAttempts     int
	LastActiveAt     time.Time
	SyncEnabled      bool
	SyncCategories   SyncCategories
	LastSyncedAt     *time.Time
	CreatedAt        time.Time
}

// SyncCategories are the per-category sync toggles of a device.
type SyncCategories struct {
	Passwords bool
	Documents bool
	Settings  bool
	Notes     bool
}

// Enabled reports whether the given category is switched on.
func (c SyncCategories) Enabled(category Category) bool {
	switch category {
	case CategoryPasswords:
		return c.Passwords
	case CategoryDocuments:
		return c.Documents
	case CategorySettings:
		return c.Settings
	case CategoryNotes:
		return c.Notes
	}
	return false
}

// HasActiveCode reports whether a verification code is currently outstanding.
func (d *Device) HasActiveCode() bool {
	return d.VerificationCode != nil && d.CodeExpiresAt != nil
}
