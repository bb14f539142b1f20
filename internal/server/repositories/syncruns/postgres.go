package syncruns

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

// PostgresRepository implements sync run storage over a dbx.DBTX.
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const runColumns = `id, user_id, device_id, trigger_kind, status, categories, counts,
	total_items, total_bytes, started_at, completed_at, error_code, error_message`

func (r *PostgresRepository) Create(ctx context.Context, run *models.SyncRun) error {
	categories, err := json.Marshal(run.Categories)
	if err != nil {
		return fmt.Errorf("categories marshal error: %w", err)
	}
	query := `
		INSERT INTO sync_runs (id, user_id, device_id, trigger_kind, status, categories, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	if _, err := r.db.ExecContext(ctx, query,
		run.ID, run.UserID, run.DeviceID, string(run.Trigger), string(run.Status),
		categories, run.StartedAt); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func scanRun(row interface{ Scan(...any) error }) (*models.SyncRun, error) {
	var run models.SyncRun
	var trigger, status string
	var categories, counts []byte
	var errCode, errMsg sql.NullString
	err := row.Scan(
		&run.ID, &run.UserID, &run.DeviceID, &trigger, &status, &categories, &counts,
		&run.TotalItems, &run.TotalBytes, &run.StartedAt, &run.CompletedAt,
		&errCode, &errMsg,
	)
	if err != nil {
		return nil, err
	}
	run.Trigger = models.TriggerKind(trigger)
	run.Status = models.RunStatus(status)
	if err := json.Unmarshal(categories, &run.Categories); err != nil {
		return nil, fmt.Errorf("categories unmarshal error: %w", err)
	}
	if err := json.Unmarshal(counts, &run.Counts); err != nil {
		return nil, fmt.Errorf("counts unmarshal error: %w", err)
	}
	if errCode.Valid || errMsg.Valid {
		run.Error = &models.RunError{Code: errCode.String, Message: errMsg.String}
	}
	return &run, nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*models.SyncRun, error) {
	query := `SELECT ` + runColumns + ` FROM sync_runs WHERE id = $1`
	run, err := scanRun(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	conflicts, err := r.selectConflicts(ctx, id)
	if err != nil {
		return nil, err
	}
	run.Conflicts = conflicts
	return run, nil
}

func (r *PostgresRepository) ListByUser(ctx context.Context, userID, deviceID string, limit int) ([]*models.SyncRun, error) {
	query := `SELECT ` + runColumns + ` FROM sync_runs WHERE user_id = $1
		AND ($2 = '' OR device_id = $2)
		ORDER BY started_at DESC
		LIMIT $3`
	rows, err := r.db.QueryContext(ctx, query, userID, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select runs: %w", err)
	}
	defer rows.Close()

	var result []*models.SyncRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PostgresRepository) TransitionStatus(ctx context.Context, id string, from, to models.RunStatus) (bool, error) {
	query := `UPDATE sync_runs SET status = $3 WHERE id = $1 AND status = $2`
	return r.conditional(ctx, query, id, string(from), string(to))
}

// Finalize writes the terminal tally; the status guard plus the
// completed_at IS NULL guard make it a write-once operation.
func (r *PostgresRepository) Finalize(ctx context.Context, id string, to models.RunStatus, counts map[models.Category]int64,
	totalItems, totalBytes int64, completedAt time.Time, runErr *models.RunError) (bool, error) {

	data, err := json.Marshal(counts)
	if err != nil {
		return false, fmt.Errorf("counts marshal error: %w", err)
	}
	var errCode, errMsg sql.NullString
	if runErr != nil {
		errCode = sql.NullString{String: runErr.Code, Valid: true}
		errMsg = sql.NullString{String: runErr.Message, Valid: true}
	}
	query := `
		UPDATE sync_runs
		SET status = $2, counts = $3, total_items = $4, total_bytes = $5,
			completed_at = $6, error_code = $7, error_message = $8
		WHERE id = $1 AND status = 'in_progress' AND completed_at IS NULL
	`
	return r.conditional(ctx, query, id, string(to), data, totalItems, totalBytes, completedAt, errCode, errMsg)
}

func (r *PostgresRepository) CancelPending(ctx context.Context, id, userID string, completedAt time.Time) (bool, error) {
	query := `
		UPDATE sync_runs
		SET status = 'cancelled', completed_at = $3
		WHERE id = $1 AND user_id = $2 AND status IN ('initiated', 'in_progress')
	`
	return r.conditional(ctx, query, id, userID, completedAt)
}

func (r *PostgresRepository) InsertConflicts(ctx context.Context, runID string, conflicts []models.Conflict) error {
	query := `
		INSERT INTO sync_conflicts (run_id, idx, item_type, item_id, kind)
		VALUES ($1, $2, $3, $4, $5)
	`
	for _, c := range conflicts {
		if _, err := r.db.ExecContext(ctx, query,
			runID, c.Idx, string(c.ItemType), c.ItemID, string(c.Kind)); err != nil {
			return fmt.Errorf("db error: %w", err)
		}
	}
	return nil
}

func (r *PostgresRepository) ResolveConflict(ctx context.Context, runID string, idx int, resolution models.Resolution, at time.Time) (bool, error) {
	query := `
		UPDATE sync_conflicts
		SET resolution = $3, resolved_at = $4
		WHERE run_id = $1 AND idx = $2 AND resolution IS NULL
	`
	return r.conditional(ctx, query, runID, idx, string(resolution), at)
}

func (r *PostgresRepository) selectConflicts(ctx context.Context, runID string) ([]models.Conflict, error) {
	query := `
		SELECT run_id, idx, item_type, item_id, kind, resolution, resolved_at
		FROM sync_conflicts
		WHERE run_id = $1
		ORDER BY idx
	`
	rows, err := r.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to select conflicts: %w", err)
	}
	defer rows.Close()

	var result []models.Conflict
	for rows.Next() {
		var c models.Conflict
		var itemType, kind string
		var resolution sql.NullString
		if err := rows.Scan(&c.RunID, &c.Idx, &itemType, &c.ItemID, &kind, &resolution, &c.ResolvedAt); err != nil {
			return nil, err
		}
		c.ItemType = models.Category(itemType)
		c.Kind = models.ConflictKind(kind)
		if resolution.Valid {
			res := models.Resolution(resolution.String)
			c.Resolution = &res
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
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
