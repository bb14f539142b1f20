package models

import "time"

// VaultItem is a row of the canonical per-user catalog the sync engine
// reconciles against. The CRUD layer owns writes; this subsystem reads the
// catalog during sync tallies and inserts items when a pairing session is
// resolved.
type VaultItem struct {
	ID        string
	UserID    string
	Category  Category
	Title     string
	Version   int64
	SizeBytes int64
	Deleted   bool
	UpdatedAt time.Time
}

// DeviceItemState is a device's last-acknowledged view of one catalog item.
// Comparing it with the canonical row yields sync conflicts: both sides
// changed → version; canonical deleted while the device still holds it →
// deletion; device modified an item it had acked → modification.
type DeviceItemState struct {
	DeviceID string
	ItemID   string
	Version  int64
	Modified bool
	Deleted  bool
}
