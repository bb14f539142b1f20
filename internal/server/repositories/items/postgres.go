package items

import (
	"context"
	"fmt"

	"github.com/akosenkov/passvault/internal/dbx"
	"github.com/akosenkov/passvault/internal/server/models"
)

// PostgresRepository implements catalog storage over a dbx.DBTX.
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, item *models.VaultItem) error {
	query := `
		INSERT INTO vault_items (id, user_id, category, title, version, size_bytes, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	if _, err := r.db.ExecContext(ctx, query,
		item.ID, item.UserID, string(item.Category), item.Title,
		item.Version, item.SizeBytes, item.UpdatedAt); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListByUserCategory(ctx context.Context, userID string, category models.Category) ([]*models.VaultItem, error) {
	query := `
		SELECT id, user_id, category, title, version, size_bytes, deleted, updated_at
		FROM vault_items
		WHERE user_id = $1 AND category = $2
		ORDER BY id
	`
	rows, err := r.db.QueryContext(ctx, query, userID, string(category))
	if err != nil {
		return nil, fmt.Errorf("failed to select items: %w", err)
	}
	defer rows.Close()

	var result []*models.VaultItem
	for rows.Next() {
		var item models.VaultItem
		var cat string
		if err := rows.Scan(&item.ID, &item.UserID, &cat, &item.Title,
			&item.Version, &item.SizeBytes, &item.Deleted, &item.UpdatedAt); err != nil {
			return nil, err
		}
		item.Category = models.Category(cat)
		result = append(result, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PostgresRepository) DeviceStates(ctx context.Context, deviceID string) (map[string]models.DeviceItemState, error) {
	query := `
		SELECT device_id, item_id, version, modified, deleted
		FROM device_item_states
		WHERE device_id = $1
	`
	rows, err := r.db.QueryContext(ctx, query, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to select device states: %w", err)
	}
	defer rows.Close()

	result := make(map[string]models.DeviceItemState)
	for rows.Next() {
		var st models.DeviceItemState
		if err := rows.Scan(&st.DeviceID, &st.ItemID, &st.Version, &st.Modified, &st.Deleted); err != nil {
			return nil, err
		}
		result[st.ItemID] = st
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PostgresRepository) UpsertState(ctx context.Context, st *models.DeviceItemState) error {
	query := `
		INSERT INTO device_item_states (device_id, item_id, version, modified, deleted)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (device_id, item_id)
		DO UPDATE SET
			version = EXCLUDED.version,
			modified = EXCLUDED.modified,
			deleted = EXCLUDED.deleted
	`
	if _, err := r.db.ExecContext(ctx, query,
		st.DeviceID, st.ItemID, st.Version, st.Modified, st.Deleted); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}
