package devices

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/akosenkov/passvault/internal/common"
	"github.com/akosenkov/passvault/internal/dbx"
	"github.com/akosenkov/passvault/internal/server/models"
)

// PostgresRepository implements device storage over a dbx.DBTX
// (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const deviceColumns = `id, user_id, name, class, trusted, verified,
	verification_code, code_expires_at, code_attempts, last_active_at,
	sync_enabled, sync_passwords, sync_documents, sync_settings, sync_notes,
	last_synced_at, created_at`

func scanDevice(row interface{ Scan(...any) error }) (*models.Device, error) {
	var d models.Device
	var class string
	err := row.Scan(
		&d.ID, &d.UserID, &d.Name, &class, &d.Trusted, &d.Verified,
		&d.VerificationCode, &d.CodeExpiresAt, &d.CodeAttempts, &d.LastActiveAt,
		&d.SyncEnabled, &d.SyncCategories.Passwords, &d.SyncCategories.Documents,
		&d.SyncCategories.Settings, &d.SyncCategories.Notes,
		&d.LastSyncedAt, &d.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.Class = models.DeviceClass(class)
	return &d, nil
}

func (r *PostgresRepository) Create(ctx context.Context, d *models.Device) error {
	query := `
		INSERT INTO devices (id, user_id, name, class, sync_enabled,
			sync_passwords, sync_documents, sync_settings, sync_notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.db.ExecContext(ctx, query,
		d.ID, d.UserID, d.Name, string(d.Class), d.SyncEnabled,
		d.SyncCategories.Passwords, d.SyncCategories.Documents,
		d.SyncCategories.Settings, d.SyncCategories.Notes,
	)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*models.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE id = $1`
	d, err := scanDevice(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return d, nil
}

func (r *PostgresRepository) ListByUser(ctx context.Context, userID string) ([]*models.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE user_id = $1 ORDER BY created_at DESC`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to select devices: %w", err)
	}
	defer rows.Close()

	var result []*models.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PostgresRepository) Delete(ctx context.Context, userID, id string) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM devices WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return common.ErrorNotFound
	}
	return nil
}

// SetCode stores the code and expiry together and zeroes the attempt counter.
func (r *PostgresRepository) SetCode(ctx context.Context, id, code string, expiresAt time.Time) error {
	query := `
		UPDATE devices
		SET verification_code = $2, code_expires_at = $3, code_attempts = 0
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, query, id, code, expiresAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return common.ErrorNotFound
	}
	return nil
}

func (r *PostgresRepository) IncrementAttempts(ctx context.Context, id string) (int, error) {
	query := `
		UPDATE devices
		SET code_attempts = code_attempts + 1
		WHERE id = $1
		RETURNING code_attempts
	`
	var attempts int
	if err := r.db.QueryRowContext(ctx, query, id).Scan(&attempts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, common.ErrorNotFound
		}
		return 0, fmt.Errorf("db error: %w", err)
	}
	return attempts, nil
}

// ConsumeCode is guarded on the stored code still matching the submitted one,
// so only a single concurrent check can succeed for a given issue.
func (r *PostgresRepository) ConsumeCode(ctx context.Context, id, code string) (bool, error) {
	query := `
		UPDATE devices
		SET verified = TRUE, trusted = TRUE,
			verification_code = NULL, code_expires_at = NULL, code_attempts = 0
		WHERE id = $1 AND verification_code = $2
	`
	res, err := r.db.ExecContext(ctx, query, id, code)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected error: %w", err)
	}
	return n == 1, nil
}

func (r *PostgresRepository) TouchLastActive(ctx context.Context, id string, at time.Time) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE devices SET last_active_at = $2 WHERE id = $1`, id, at); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) SetLastSynced(ctx context.Context, id string, at time.Time) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE devices SET last_synced_at = $2 WHERE id = $1`, id, at); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}
