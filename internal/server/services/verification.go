// Package services contains the server-side business logic of the pairing,
// verification, and sync subsystem. Each service owns one ticket kind and
// relies on conditional repository updates for its concurrency guarantees.
package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/akosenkov/passvault/internal/common"
	"github.com/akosenkov/passvault/internal/logging"
	sc "github.com/akosenkov/passvault/internal/server/config"
	"github.com/akosenkov/passvault/internal/server/models"
	"github.com/akosenkov/passvault/internal/server/notify"
	"github.com/akosenkov/passvault/internal/server/repositories/repomanager"
	"github.com/benbjohnson/clock"
)

const codeDigits = 6

// VerificationService issues and checks numeric device verification codes.
// A successful check promotes the device to verified and trusted in one
// step (trust is a consequence of verification in this design).
type VerificationService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	config      *sc.Config
	logger      logging.Logger
	clock       clock.Clock
	dispatcher  notify.Dispatcher
}

// NewVerificationService constructs a VerificationService.
func NewVerificationService(db *sql.DB, m repomanager.RepositoryManager, cfg *sc.Config,
	logger logging.Logger, clk clock.Clock, dispatcher notify.Dispatcher) *VerificationService {
	return &VerificationService{
		db:          db,
		repomanager: m,
		config:      cfg,
		logger:      logger,
		clock:       clk,
		dispatcher:  dispatcher,
	}
}

// IssueCode generates a fresh 6-digit code for the device, stores it with
// expiry now+CodeValidityDuration and a zeroed attempt counter, and triggers
// best-effort out-of-band delivery. Any previously outstanding code can never
// succeed afterwards.
func (s *VerificationService) IssueCode(ctx context.Context, userID, deviceID string) (time.Time, error) {
	repo := s.repomanager.Devices(s.db)

	device, err := repo.GetByID(ctx, deviceID)
	if err != nil {
		return time.Time{}, err
	}
	if device.UserID != userID {
		return time.Time{}, common.ErrorNotFound
	}

	code, err := common.MakeRandNumericCode(codeDigits)
	if err != nil {
		return time.Time{}, common.ErrorInternal
	}

	expiresAt := s.clock.Now().Add(s.config.CodeValidityDuration)
	if err := repo.SetCode(ctx, deviceID, code, expiresAt); err != nil {
		return time.Time{}, fmt.Errorf("error storing code: %w", err)
	}

	// Delivery is fire-and-forget: the engine never blocks on the mail
	// backend and never fails the issue because delivery failed.
	go func() {
		data := map[string]string{"code": code, "device": device.Name}
		if err := s.dispatcher.Send(context.WithoutCancel(ctx), userID, notify.TemplateVerificationCode, data); err != nil {
			s.logger.Warn(ctx, "code delivery failed", "device_id", deviceID, "error", err.Error())
		}
	}()

	s.logger.Info(ctx, "verification code issued", "device_id", deviceID)
	return expiresAt, nil
}

// ResendCode reissues a code, invalidating the outstanding one.
func (s *VerificationService) ResendCode(ctx context.Context, userID, deviceID string) (time.Time, error) {
	return s.IssueCode(ctx, userID, deviceID)
}

// CheckCode verifies a submitted code against the device's outstanding one.
//
// Failure modes, in precedence order:
//   - common.ErrNoActiveCode: nothing issued (distinct from timed out)
//   - common.ErrCodeExpired: issued but past expiry; caller must reissue
//   - common.ErrLockedOut: attempt budget exhausted; correct code no longer helps
//   - common.ErrCodeMismatch: wrong code, wrapped with the remaining attempts
//
// On success the code is consumed atomically and the device becomes verified
// and trusted. Two concurrent checks cannot both consume one code: the
// consuming update is guarded on the stored code still matching.
func (s *VerificationService) CheckCode(ctx context.Context, userID, deviceID, submitted string) error {
	repo := s.repomanager.Devices(s.db)

	device, err := repo.GetByID(ctx, deviceID)
	if err != nil {
		return err
	}
	if device.UserID != userID {
		return common.ErrorNotFound
	}

	if !device.HasActiveCode() {
		return common.ErrNoActiveCode
	}
	if s.clock.Now().After(*device.CodeExpiresAt) {
		return common.ErrCodeExpired
	}
	if device.CodeAttempts >= models.MaxCodeAttempts {
		return common.ErrLockedOut
	}

	if *device.VerificationCode != submitted {
		attempts, err := repo.IncrementAttempts(ctx, deviceID)
		if err != nil {
			return fmt.Errorf("error recording attempt: %w", err)
		}
		if attempts >= models.MaxCodeAttempts {
			return common.ErrLockedOut
		}
		return fmt.Errorf("%w: %d attempts remaining", common.ErrCodeMismatch, models.MaxCodeAttempts-attempts)
	}

	ok, err := repo.ConsumeCode(ctx, deviceID, submitted)
	if err != nil {
		return fmt.Errorf("error consuming code: %w", err)
	}
	if !ok {
		// Lost the race: someone consumed or reissued the code between our
		// read and the conditional update.
		return common.ErrNoActiveCode
	}

	if err := repo.TouchLastActive(ctx, deviceID, s.clock.Now()); err != nil {
		s.logger.Warn(ctx, "last-active bookkeeping failed", "device_id", deviceID, "error", err.Error())
	}

	s.logger.Info(ctx, "device verified", "device_id", deviceID)
	return nil
}
