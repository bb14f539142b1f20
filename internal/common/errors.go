// Package common defines shared constants and sentinel errors used across
// client and server layers of passvault. Callers should use errors.Is to
// match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound = errors.New("not found")

	// Service-level errors (generic/internal flow control).
	ErrorInternal     = errors.New("internal error")
	ErrorUnauthorized = errors.New("unauthorized")
	ErrorValidation   = errors.New("validation error")

	// Auth errors (invalid or malformed token).
	ErrInvalidToken = errors.New("invalid token")

	// Verification-code lifecycle errors.
	ErrNoActiveCode = errors.New("no active verification code")
	ErrCodeExpired  = errors.New("verification code expired")
	ErrCodeMismatch = errors.New("verification code mismatch")
	ErrLockedOut    = errors.New("verification attempts exhausted")

	// Pairing-session lifecycle errors.
	ErrSessionExpired  = errors.New("pairing session expired")
	ErrAlreadyResolved = errors.New("pairing session already resolved")

	// Sync-run lifecycle errors.
	ErrAlreadyTerminal    = errors.New("run already in a terminal state")
	ErrConflictResolved   = errors.New("conflict already resolved")
	ErrSyncDisabled       = errors.New("sync is disabled for this device")
	ErrDeviceNotVerified  = errors.New("device is not verified")
	ErrUnknownDataType    = errors.New("unknown data type")
	ErrCategoryNotEnabled = errors.New("data type not enabled for this device")
)
