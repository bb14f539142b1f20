package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/akosenkov/passvault/internal/common"
	"github.com/akosenkov/passvault/internal/dbx"
	"github.com/akosenkov/passvault/internal/logging"
	sc "github.com/akosenkov/passvault/internal/server/config"
	"github.com/akosenkov/passvault/internal/server/models"
	"github.com/akosenkov/passvault/internal/server/repositories/repomanager"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	qrcode "github.com/skip2/go-qrcode"
)

const (
	sessionIDBytes = 16
	pairingTTLMin  = 5 * time.Second
	pairingTTLMax  = 600 * time.Second
	qrImageSize    = 256
)

// GeneratedSession is what the issuing device receives: the session id, the
// payload to render as a QR code, and the expiry instant to poll against.
type GeneratedSession struct {
	SessionID string
	QRPayload string
	ExpiresAt time.Time
}

// PairingService manages ephemeral cross-device pairing sessions. A session
// is a single-use ticket: the issuing device polls its status while a second
// device claims it exactly once by posting captured data.
type PairingService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	config      *sc.Config
	logger      logging.Logger
	clock       clock.Clock
}

// NewPairingService constructs a PairingService.
func NewPairingService(db *sql.DB, m repomanager.RepositoryManager, cfg *sc.Config,
	logger logging.Logger, clk clock.Clock) *PairingService {
	return &PairingService{
		db:          db,
		repomanager: m,
		config:      cfg,
		logger:      logger,
		clock:       clk,
	}
}

// GenerateSession creates a pending session for userID. ttlSeconds of zero
// selects the configured default; out-of-range values are rejected.
func (s *PairingService) GenerateSession(ctx context.Context, userID, passType string,
	payload map[string]string, ttlSeconds int) (*GeneratedSession, error) {

	if passType == "" {
		return nil, fmt.Errorf("%w: passType is required", common.ErrorValidation)
	}

	ttl := s.config.PairingTTLDefault
	if ttlSeconds != 0 {
		ttl = time.Duration(ttlSeconds) * time.Second
		if ttl < pairingTTLMin || ttl > pairingTTLMax {
			return nil, fmt.Errorf("%w: ttlSeconds must be between %d and %d",
				common.ErrorValidation, int(pairingTTLMin.Seconds()), int(pairingTTLMax.Seconds()))
		}
	}

	id, err := common.MakeRandHexString(sessionIDBytes)
	if err != nil {
		return nil, common.ErrorInternal
	}

	now := s.clock.Now()
	session := &models.PairingSession{
		ID:        id,
		UserID:    userID,
		PassType:  passType,
		Payload:   payload,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if session.Payload == nil {
		session.Payload = map[string]string{}
	}

	repo := s.repomanager.PairingSessions(s.db)
	if err := repo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("error creating session: %w", err)
	}

	s.logger.Info(ctx, "pairing session created", "session_id", id, "pass_type", passType)
	return &GeneratedSession{
		SessionID: id,
		QRPayload: s.qrPayload(id),
		ExpiresAt: session.ExpiresAt,
	}, nil
}

// GetStatus returns the session and its current status for the owning user.
// A pending session past expiry is transitioned to expired on read, so no
// background sweep is required for correctness. Unknown or already-swept ids
// yield common.ErrorNotFound, which the API reports as gone.
func (s *PairingService) GetStatus(ctx context.Context, userID, id string) (*models.PairingSession, models.PairingStatus, error) {
	repo := s.repomanager.PairingSessions(s.db)

	session, err := repo.GetByID(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if session.UserID != userID {
		return nil, "", common.ErrorNotFound
	}

	now := s.clock.Now()
	status := session.Status(now)
	if status == models.PairingExpired && !session.Expired {
		// Self-healing expiry. The guard makes the write idempotent; losing
		// it means a concurrent reader already persisted the transition.
		if _, err := repo.MarkExpired(ctx, id, now); err != nil {
			s.logger.Warn(ctx, "lazy expiry failed", "session_id", id, "error", err.Error())
		}
	}
	return session, status, nil
}

// Resolve claims the session exactly once: of N concurrent claims, one wins
// and the rest observe ErrAlreadyResolved. On success a vault item is
// materialized from the session payload merged with claimedData (claimed
// keys win) and the resolution is stored for the issuer's next poll.
func (s *PairingService) Resolve(ctx context.Context, id string, claimedData map[string]string) (map[string]string, error) {
	repo := s.repomanager.PairingSessions(s.db)

	session, err := repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	switch session.Status(now) {
	case models.PairingResolved:
		return nil, common.ErrAlreadyResolved
	case models.PairingCancelled:
		// The issuer withdrew the handoff; to the claimer the session is gone.
		return nil, common.ErrorNotFound
	case models.PairingExpired:
		return nil, common.ErrSessionExpired
	}

	merged := make(map[string]string, len(session.Payload)+len(claimedData))
	for k, v := range session.Payload {
		merged[k] = v
	}
	for k, v := range claimedData {
		merged[k] = v
	}

	item := &models.VaultItem{
		ID:        uuid.NewString(),
		UserID:    session.UserID,
		Category:  itemCategory(merged),
		Title:     merged["title"],
		Version:   1,
		SizeBytes: payloadSize(merged),
		UpdatedAt: now,
	}

	resolution := make(map[string]string, len(merged)+1)
	for k, v := range merged {
		resolution[k] = v
	}
	resolution["itemId"] = item.ID

	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		txRepo := s.repomanager.PairingSessions(tx)
		ok, err := txRepo.MarkResolved(ctx, id, resolution, now)
		if err != nil {
			return err
		}
		if !ok {
			// The guard failed: a concurrent claim, cancel, or expiry beat us.
			return common.ErrAlreadyResolved
		}
		return s.repomanager.Items(tx).Create(ctx, item)
	})
	if err != nil {
		if errors.Is(err, common.ErrAlreadyResolved) {
			// Normal outcome under racing claims, not an application error.
			s.logger.Info(ctx, "pairing claim lost the race", "session_id", id)
		}
		return nil, err
	}

	s.logger.Info(ctx, "pairing session resolved", "session_id", id, "item_id", item.ID)
	return resolution, nil
}

// Cancel is issuer-initiated and only valid while the session is pending.
func (s *PairingService) Cancel(ctx context.Context, userID, id string) error {
	repo := s.repomanager.PairingSessions(s.db)

	session, err := repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if session.UserID != userID {
		return common.ErrorNotFound
	}

	now := s.clock.Now()
	ok, err := repo.MarkCancelled(ctx, id, userID, now)
	if err != nil {
		return fmt.Errorf("error cancelling session: %w", err)
	}
	if !ok {
		switch session.Status(now) {
		case models.PairingResolved:
			return common.ErrAlreadyResolved
		default:
			return common.ErrSessionExpired
		}
	}
	return nil
}

// QRImage renders the session's QR payload as a PNG for the issuing device.
func (s *PairingService) QRImage(ctx context.Context, userID, id string) ([]byte, error) {
	session, status, err := s.GetStatus(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if status != models.PairingPending {
		return nil, common.ErrSessionExpired
	}

	png, err := qrcode.Encode(s.qrPayload(session.ID), qrcode.Medium, qrImageSize)
	if err != nil {
		return nil, fmt.Errorf("qr encode error: %w", err)
	}
	return png, nil
}

// Sweep deletes sessions whose expiry lies beyond the grace period.
// Storage hygiene only; lazy expiry keeps reads correct without it.
func (s *PairingService) Sweep(ctx context.Context) error {
	repo := s.repomanager.PairingSessions(s.db)
	cutoff := s.clock.Now().Add(-s.config.PairingGracePeriod)
	n, err := repo.DeleteExpiredBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("sweep error: %w", err)
	}
	if n > 0 {
		s.logger.Debug(ctx, "swept pairing sessions", "count", n)
	}
	return nil
}

func (s *PairingService) qrPayload(id string) string {
	return s.config.PairingBaseURL + "/pair/" + id
}

func itemCategory(data map[string]string) models.Category {
	if c := data["category"]; models.ValidCategory(c) {
		return models.Category(c)
	}
	return models.CategoryDocuments
}

func payloadSize(data map[string]string) int64 {
	var n int64
	for k, v := range data {
		n += int64(len(k) + len(v))
	}
	return n
}
