package pairingsessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/akosenkov/passvault/internal/common"
	"github.com/akosenkov/passvault/internal/dbx"
	"github.com/akosenkov/passvault/internal/server/models"
)

// PostgresRepository implements pairing session storage over a dbx.DBTX.
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, s *models.PairingSession) error {
	payload, err := json.Marshal(s.Payload)
	if err != nil {
		return fmt.Errorf("payload marshal error: %w", err)
	}
	query := `
		INSERT INTO pairing_sessions (id, user_id, pass_type, payload, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	if _, err := r.db.ExecContext(ctx, query,
		s.ID, s.UserID, s.PassType, payload, s.CreatedAt, s.ExpiresAt); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*models.PairingSession, error) {
	query := `
		SELECT id, user_id, pass_type, payload, created_at, expires_at, resolved, resolution, cancelled, expired
		FROM pairing_sessions
		WHERE id = $1
	`
	var s models.PairingSession
	var payload []byte
	var resolution []byte
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&s.ID, &s.UserID, &s.PassType, &payload, &s.CreatedAt, &s.ExpiresAt,
		&s.Resolved, &resolution, &s.Cancelled, &s.Expired,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	if err := json.Unmarshal(payload, &s.Payload); err != nil {
		return nil, fmt.Errorf("payload unmarshal error: %w", err)
	}
	if resolution != nil {
		if err := json.Unmarshal(resolution, &s.Resolution); err != nil {
			return nil, fmt.Errorf("resolution unmarshal error: %w", err)
		}
	}
	return &s, nil
}

// MarkResolved is the first-resolver-wins linearization point: the guard
// predicate only matches a pending, unexpired session.
func (r *PostgresRepository) MarkResolved(ctx context.Context, id string, resolution map[string]string, now time.Time) (bool, error) {
	data, err := json.Marshal(resolution)
	if err != nil {
		return false, fmt.Errorf("resolution marshal error: %w", err)
	}
	query := `
		UPDATE pairing_sessions
		SET resolved = TRUE, resolution = $2
		WHERE id = $1 AND NOT resolved AND NOT cancelled AND expires_at > $3
	`
	return r.conditional(ctx, query, id, data, now)
}

func (r *PostgresRepository) MarkExpired(ctx context.Context, id string, now time.Time) (bool, error) {
	query := `
		UPDATE pairing_sessions
		SET expired = TRUE
		WHERE id = $1 AND NOT resolved AND NOT cancelled AND NOT expired AND expires_at <= $2
	`
	return r.conditional(ctx, query, id, now)
}

func (r *PostgresRepository) MarkCancelled(ctx context.Context, id, userID string, now time.Time) (bool, error) {
	query := `
		UPDATE pairing_sessions
		SET cancelled = TRUE
		WHERE id = $1 AND user_id = $2 AND NOT resolved AND NOT cancelled AND expires_at > $3
	`
	return r.conditional(ctx, query, id, userID, now)
}

func (r *PostgresRepository) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM pairing_sessions WHERE expires_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected error: %w", err)
	}
	return n, nil
}

func (r *PostgresRepository) conditional(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected error: %w", err)
	}
	return n == 1, nil
}
