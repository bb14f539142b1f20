// Package syncruns declares the repository contract for sync run audit
// records and their conflict entries.
package syncruns

import (
	"context"
	"time"

	"github.com/akosenkov/passvault/internal/server/models"
)

// Repository defines persistence operations for sync runs.
//
// Status changes go through guarded updates (TransitionStatus, Finalize,
// CancelPending) so a terminal run can never be resurrected, no matter how
// calls interleave.
type Repository interface {
	// Create inserts a new run with status initiated.
	Create(ctx context.Context, r *models.SyncRun) error

	// GetByID returns the full run snapshot including conflicts, or
	// common.ErrorNotFound.
	GetByID(ctx context.Context, id string) (*models.SyncRun, error)

	// ListByUser returns recent runs for the user, optionally filtered by
	// device, newest first, without conflict details.
	ListByUser(ctx context.Context, userID, deviceID string, limit int) ([]*models.SyncRun, error)

	// TransitionStatus performs a compare-and-set from → to. Returns false
	// when the run was not in the expected state.
	TransitionStatus(ctx context.Context, id string, from, to models.RunStatus) (bool, error)

	// Finalize commits the terminal tally exactly once, guarded on the run
	// still being in_progress. Sets completed_at; runErr may be nil.
	Finalize(ctx context.Context, id string, to models.RunStatus, counts map[models.Category]int64,
		totalItems, totalBytes int64, completedAt time.Time, runErr *models.RunError) (bool, error)

	// CancelPending flips an initiated or in_progress run owned by userID to
	// cancelled. Returns false when the run was already terminal.
	CancelPending(ctx context.Context, id, userID string, completedAt time.Time) (bool, error)

	// InsertConflicts stores the ordered conflict entries detected by a run.
	InsertConflicts(ctx context.Context, runID string, conflicts []models.Conflict) error

	// ResolveConflict records a resolution on one still-unresolved conflict.
	// Returns false when that conflict was already resolved.
	ResolveConflict(ctx context.Context, runID string, idx int, resolution models.Resolution, at time.Time) (bool, error)
}
