// Package items declares the repository contract for the canonical vault
// item catalog and the per-device acknowledged item states the sync engine
// reconciles against. Catalog writes otherwise belong to the CRUD layer;
// this subsystem reads the catalog and only inserts rows when a pairing
// session materializes a resource.
package items

import (
	"context"

	"github.com/akosenkov/passvault/internal/server/models"
)

// Repository defines catalog and device-state persistence operations.
type Repository interface {
	// Create inserts a catalog item (pairing materialization).
	Create(ctx context.Context, item *models.VaultItem) error

	// ListByUserCategory returns every catalog row of the user in the
	// category, including soft-deleted rows (the tally needs them to detect
	// deletion conflicts).
	ListByUserCategory(ctx context.Context, userID string, category models.Category) ([]*models.VaultItem, error)

	// DeviceStates returns the device's acknowledged item states keyed by
	// item id.
	DeviceStates(ctx context.Context, deviceID string) (map[string]models.DeviceItemState, error)

	// UpsertState records the device's acknowledged state for one item after
	// a successful transfer.
	UpsertState(ctx context.Context, st *models.DeviceItemState) error
}
