package services

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/akosenkov/passvault/internal/common"
	"github.com/akosenkov/passvault/internal/logging"
	"github.com/akosenkov/passvault/internal/server/models"
	"github.com/akosenkov/passvault/internal/server/repositories/repomanager"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// DeviceService handles device registration and lifecycle. New devices start
// unverified and untrusted; promotion happens in VerificationService only.
type DeviceService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	logger      logging.Logger
	clock       clock.Clock
}

// NewDeviceService constructs a DeviceService.
func NewDeviceService(db *sql.DB, m repomanager.RepositoryManager,
	logger logging.Logger, clk clock.Clock) *DeviceService {
	return &DeviceService{db: db, repomanager: m, logger: logger, clock: clk}
}

// Register creates a device record for userID.
func (s *DeviceService) Register(ctx context.Context, userID, name, class string,
	syncEnabled bool, categories models.SyncCategories) (*models.Device, error) {

	if name == "" {
		return nil, fmt.Errorf("%w: name is required", common.ErrorValidation)
	}
	if !validDeviceClass(class) {
		return nil, fmt.Errorf("%w: unknown device class %q", common.ErrorValidation, class)
	}

	now := s.clock.Now()
	device := &models.Device{
		ID:             uuid.NewString(),
		UserID:         userID,
		Name:           name,
		Class:          models.DeviceClass(class),
		LastActiveAt:   now,
		SyncEnabled:    syncEnabled,
		SyncCategories: categories,
		CreatedAt:      now,
	}

	if err := s.repomanager.Devices(s.db).Create(ctx, device); err != nil {
		return nil, fmt.Errorf("error creating device: %w", err)
	}

	s.logger.Info(ctx, "device registered", "device_id", device.ID, "class", class)
	return device, nil
}

// List returns the user's devices, newest first.
func (s *DeviceService) List(ctx context.Context, userID string) ([]*models.Device, error) {
	return s.repomanager.Devices(s.db).ListByUser(ctx, userID)
}

// Get returns one device owned by userID.
func (s *DeviceService) Get(ctx context.Context, userID, id string) (*models.Device, error) {
	device, err := s.repomanager.Devices(s.db).GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if device.UserID != userID {
		return nil, common.ErrorNotFound
	}
	return device, nil
}

// Delete removes a device. Run history referencing it is kept as audit data.
func (s *DeviceService) Delete(ctx context.Context, userID, id string) error {
	if err := s.repomanager.Devices(s.db).Delete(ctx, userID, id); err != nil {
		return err
	}
	s.logger.Info(ctx, "device deleted", "device_id", id)
	return nil
}

func validDeviceClass(s string) bool {
	for _, c := range models.KnownDeviceClasses {
		if string(c) == s {
			return true
		}
	}
	return false
}
