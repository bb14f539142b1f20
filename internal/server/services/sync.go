package services

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/akosenkov/passvault/internal/common"
	"github.com/akosenkov/passvault/internal/logging"
	"github.com/akosenkov/passvault/internal/server/blobs"
	sc "github.com/akosenkov/passvault/internal/server/config"
	"github.com/akosenkov/passvault/internal/server/models"
	"github.com/akosenkov/passvault/internal/server/repositories/repomanager"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
)

const (
	tallyMaxRetries  = 3
	tallyRetryBase   = 100 * time.Millisecond
	defaultRunsLimit = 20
)

// SyncService runs the per-device synchronization lifecycle. Initiate creates
// the run record and hands it to a background worker; every status change
// afterwards goes through guarded updates, so a cancelled or otherwise
// terminal run can never be resurrected by a late worker.
type SyncService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	config      *sc.Config
	logger      logging.Logger
	clock       clock.Clock
	presigner   blobs.Presigner

	wg sync.WaitGroup
}

// NewSyncService constructs a SyncService.
func NewSyncService(db *sql.DB, m repomanager.RepositoryManager, cfg *sc.Config,
	logger logging.Logger, clk clock.Clock, presigner blobs.Presigner) *SyncService {
	return &SyncService{
		db:          db,
		repomanager: m,
		config:      cfg,
		logger:      logger,
		clock:       clk,
		presigner:   presigner,
	}
}

// Initiate validates the request, records a run in status initiated, and
// starts the tally in the background. The returned snapshot is what the
// caller polls against. An empty categories slice selects every category the
// device has enabled.
func (s *SyncService) Initiate(ctx context.Context, userID, deviceID, trigger string,
	categories []string) (*models.SyncRun, error) {

	if !models.ValidTrigger(trigger) {
		return nil, fmt.Errorf("%w: unknown trigger %q", common.ErrorValidation, trigger)
	}

	device, err := s.repomanager.Devices(s.db).GetByID(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if device.UserID != userID {
		return nil, common.ErrorNotFound
	}
	if !device.Verified {
		return nil, common.ErrDeviceNotVerified
	}
	if !device.SyncEnabled {
		return nil, common.ErrSyncDisabled
	}

	cats, err := resolveCategories(device, categories)
	if err != nil {
		return nil, err
	}

	run := &models.SyncRun{
		ID:         uuid.NewString(),
		UserID:     userID,
		DeviceID:   deviceID,
		Trigger:    models.TriggerKind(trigger),
		Status:     models.RunInitiated,
		Categories: cats,
		Counts:     map[models.Category]int64{},
		StartedAt:  s.clock.Now(),
	}

	if err := s.repomanager.SyncRuns(s.db).Create(ctx, run); err != nil {
		return nil, fmt.Errorf("error creating run: %w", err)
	}

	s.logger.Info(ctx, "sync run initiated",
		"run_id", run.ID, "device_id", deviceID, "trigger", trigger)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Advance(context.WithoutCancel(ctx), run.ID)
	}()

	return run, nil
}

// Wait blocks until all background run workers have finished. Called during
// shutdown so in-flight runs reach a terminal state before the process exits.
func (s *SyncService) Wait() {
	s.wg.Wait()
}

// Advance drives one run from initiated to a terminal state. Exposed so tests
// can run the tally synchronously against a mock clock.
func (s *SyncService) Advance(ctx context.Context, runID string) {
	runs := s.repomanager.SyncRuns(s.db)

	ok, err := runs.TransitionStatus(ctx, runID, models.RunInitiated, models.RunInProgress)
	if err != nil {
		s.logger.Error(ctx, "run transition failed", "run_id", runID, "error", err.Error())
		return
	}
	if !ok {
		// Cancelled before the worker picked it up. Nothing to do.
		s.logger.Info(ctx, "run no longer initiated, worker exiting", "run_id", runID)
		return
	}

	run, err := runs.GetByID(ctx, runID)
	if err != nil {
		s.logger.Error(ctx, "run load failed", "run_id", runID, "error", err.Error())
		return
	}

	device, err := s.repomanager.Devices(s.db).GetByID(ctx, run.DeviceID)
	if err != nil {
		s.finalize(ctx, run, models.RunFailed, nil, nil, &models.RunError{
			Code: "device_lookup", Message: err.Error(),
		})
		return
	}

	states, err := s.repomanager.Items(s.db).DeviceStates(ctx, run.DeviceID)
	if err != nil {
		s.finalize(ctx, run, models.RunFailed, nil, nil, &models.RunError{
			Code: "state_load", Message: err.Error(),
		})
		return
	}

	counts := map[models.Category]int64{}
	var totalBytes int64
	var conflicts []models.Conflict

	for _, cat := range run.Categories {
		if s.cancelled(ctx, runID) {
			return
		}

		res, err := s.tallyCategory(ctx, run, device, cat, states)
		if err != nil {
			s.finalize(ctx, run, models.RunFailed, counts, conflicts, &models.RunError{
				Code: "tally_" + string(cat), Message: err.Error(),
			})
			return
		}

		counts[cat] = res.count
		totalBytes += res.bytes
		for _, c := range res.conflicts {
			c.Idx = len(conflicts)
			conflicts = append(conflicts, c)
		}
	}

	if s.cancelled(ctx, runID) {
		return
	}

	status := models.RunCompleted
	if len(conflicts) > 0 {
		status = models.RunPartial
	}
	run.Counts = counts
	run.TotalBytes = totalBytes
	s.finalize(ctx, run, status, counts, conflicts, nil)
}

type tallyResult struct {
	count     int64
	bytes     int64
	conflicts []models.Conflict
}

// tallyCategory reconciles the canonical catalog of one category against the
// device's acknowledged states. Transfers are retried with a backoff since
// blob presigning can fail transiently; conflicts are collected, never
// auto-resolved.
func (s *SyncService) tallyCategory(ctx context.Context, run *models.SyncRun,
	device *models.Device, cat models.Category, states map[string]models.DeviceItemState) (*tallyResult, error) {

	items := s.repomanager.Items(s.db)

	catalog, err := items.ListByUserCategory(ctx, run.UserID, cat)
	if err != nil {
		return nil, err
	}

	res := &tallyResult{}
	for _, item := range catalog {
		state, known := states[item.ID]

		if known {
			switch {
			case item.Deleted && !state.Deleted:
				res.conflicts = append(res.conflicts, models.Conflict{
					RunID: run.ID, ItemType: cat, ItemID: item.ID, Kind: models.ConflictDeletion,
				})
				continue
			case state.Modified && item.Version > state.Version:
				res.conflicts = append(res.conflicts, models.Conflict{
					RunID: run.ID, ItemType: cat, ItemID: item.ID, Kind: models.ConflictVersion,
				})
				continue
			case state.Modified:
				res.conflicts = append(res.conflicts, models.Conflict{
					RunID: run.ID, ItemType: cat, ItemID: item.ID, Kind: models.ConflictModification,
				})
				continue
			case item.Version <= state.Version:
				// Device is current for this item.
				continue
			}
		} else if item.Deleted {
			// Never seen by the device; nothing to propagate.
			continue
		}

		if err := s.transfer(ctx, device, cat, item); err != nil {
			return nil, err
		}
		res.count++
		res.bytes += item.SizeBytes
	}
	return res, nil
}

// transfer pushes one item to the device and records the acknowledgement.
// Document payloads live in object storage, so those get a presigned URL the
// device downloads from directly.
func (s *SyncService) transfer(ctx context.Context, device *models.Device,
	cat models.Category, item *models.VaultItem) error {

	backoff := retry.WithMaxRetries(tallyMaxRetries, retry.NewFibonacci(tallyRetryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if cat == models.CategoryDocuments {
			url, err := s.presigner.PresignGet(ctx, item.UserID+"/"+item.ID)
			if err != nil {
				return retry.RetryableError(err)
			}
			s.logger.Debug(ctx, "document url presigned",
				"item_id", item.ID, "url_len", len(url))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("transfer %s: %w", item.ID, err)
	}

	return s.repomanager.Items(s.db).UpsertState(ctx, &models.DeviceItemState{
		DeviceID: device.ID,
		ItemID:   item.ID,
		Version:  item.Version,
		Deleted:  item.Deleted,
	})
}

// cancelled reports whether the run left in_progress under the worker. When
// it has, the terminal state was written by Cancel and the worker must not
// touch the record again.
func (s *SyncService) cancelled(ctx context.Context, runID string) bool {
	run, err := s.repomanager.SyncRuns(s.db).GetByID(ctx, runID)
	if err != nil {
		s.logger.Error(ctx, "cancel check failed", "run_id", runID, "error", err.Error())
		return true
	}
	if run.Status != models.RunInProgress {
		s.logger.Info(ctx, "run cancelled mid-flight, worker exiting", "run_id", runID)
		return true
	}
	return false
}

func (s *SyncService) finalize(ctx context.Context, run *models.SyncRun, status models.RunStatus,
	counts map[models.Category]int64, conflicts []models.Conflict, runErr *models.RunError) {

	runs := s.repomanager.SyncRuns(s.db)

	if len(conflicts) > 0 {
		if err := runs.InsertConflicts(ctx, run.ID, conflicts); err != nil {
			s.logger.Error(ctx, "conflict insert failed", "run_id", run.ID, "error", err.Error())
			status = models.RunFailed
			runErr = &models.RunError{Code: "conflict_store", Message: err.Error()}
		}
	}

	var totalItems int64
	for _, n := range counts {
		totalItems += n
	}

	completedAt := s.clock.Now()
	ok, err := runs.Finalize(ctx, run.ID, status, counts, totalItems, run.TotalBytes, completedAt, runErr)
	if err != nil {
		s.logger.Error(ctx, "run finalize failed", "run_id", run.ID, "error", err.Error())
		return
	}
	if !ok {
		// Cancel won the race for the terminal state.
		s.logger.Info(ctx, "run already terminal, tally discarded", "run_id", run.ID)
		return
	}

	if status == models.RunCompleted || status == models.RunPartial {
		if err := s.repomanager.Devices(s.db).SetLastSynced(ctx, run.DeviceID, completedAt); err != nil {
			s.logger.Warn(ctx, "last-synced bookkeeping failed", "device_id", run.DeviceID, "error", err.Error())
		}
	}

	s.logger.Info(ctx, "sync run finished",
		"run_id", run.ID, "status", string(status), "items", totalItems, "conflicts", len(conflicts))
}

// GetRun returns the run snapshot including conflicts for the owning user.
func (s *SyncService) GetRun(ctx context.Context, userID, runID string) (*models.SyncRun, error) {
	run, err := s.repomanager.SyncRuns(s.db).GetByID(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.UserID != userID {
		return nil, common.ErrorNotFound
	}
	return run, nil
}

// ListRuns returns the user's recent runs, optionally filtered to one device.
func (s *SyncService) ListRuns(ctx context.Context, userID, deviceID string, limit int) ([]*models.SyncRun, error) {
	if limit <= 0 {
		limit = defaultRunsLimit
	}
	return s.repomanager.SyncRuns(s.db).ListByUser(ctx, userID, deviceID, limit)
}

// ResolveConflict records a manual resolution on one conflict of a run. The
// run's status does not change: a partial run stays partial, the resolution
// is part of the audit trail.
func (s *SyncService) ResolveConflict(ctx context.Context, userID, runID string, idx int, resolution string) (*models.Conflict, error) {
	if !models.ValidResolution(resolution) {
		return nil, fmt.Errorf("%w: unknown resolution %q", common.ErrorValidation, resolution)
	}

	run, err := s.GetRun(ctx, userID, runID)
	if err != nil {
		return nil, err
	}
	if idx < 0 || idx >= len(run.Conflicts) {
		return nil, common.ErrorNotFound
	}

	at := s.clock.Now()
	ok, err := s.repomanager.SyncRuns(s.db).ResolveConflict(ctx, runID, idx, models.Resolution(resolution), at)
	if err != nil {
		return nil, fmt.Errorf("error resolving conflict: %w", err)
	}
	if !ok {
		return nil, common.ErrConflictResolved
	}

	c := run.Conflicts[idx]
	r := models.Resolution(resolution)
	c.Resolution = &r
	c.ResolvedAt = &at
	s.logger.Info(ctx, "conflict resolved", "run_id", runID, "idx", idx, "resolution", resolution)
	return &c, nil
}

// Cancel stops a live run. Terminal runs are immutable, so cancelling one
// yields ErrAlreadyTerminal rather than silently succeeding.
func (s *SyncService) Cancel(ctx context.Context, userID, runID string) error {
	run, err := s.GetRun(ctx, userID, runID)
	if err != nil {
		return err
	}

	ok, err := s.repomanager.SyncRuns(s.db).CancelPending(ctx, runID, userID, s.clock.Now())
	if err != nil {
		return fmt.Errorf("error cancelling run: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: run is %s", common.ErrAlreadyTerminal, run.Status)
	}

	s.logger.Info(ctx, "sync run cancelled", "run_id", runID)
	return nil
}

func resolveCategories(device *models.Device, requested []string) ([]models.Category, error) {
	if len(requested) == 0 {
		var cats []models.Category
		for _, c := range models.KnownCategories {
			if device.SyncCategories.Enabled(c) {
				cats = append(cats, c)
			}
		}
		if len(cats) == 0 {
			return nil, fmt.Errorf("%w: no categories enabled", common.ErrCategoryNotEnabled)
		}
		return cats, nil
	}

	cats := make([]models.Category, 0, len(requested))
	seen := map[models.Category]bool{}
	for _, c := range requested {
		if !models.ValidCategory(c) {
			return nil, fmt.Errorf("%w: %q", common.ErrUnknownDataType, c)
		}
		cat := models.Category(c)
		if !device.SyncCategories.Enabled(cat) {
			return nil, fmt.Errorf("%w: %q", common.ErrCategoryNotEnabled, c)
		}
		if !seen[cat] {
			seen[cat] = true
			cats = append(cats, cat)
		}
	}
	return cats, nil
}
