package services

import (
	"context"
	"testing"
	"time"

	"github.com/akosenkov/passvault/internal/common"
	"github.com/akosenkov/passvault/internal/server/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPairingService(e *env) *PairingService {
	return NewPairingService(e.db, e.rm, e.cfg, e.logger, e.clock)
}

func generateSession(t *testing.T, e *env, svc *PairingService, ttlSeconds int) *GeneratedSession {
	t.Helper()
	gs, err := svc.GenerateSession(context.Background(), "u1", "gym",
		map[string]string{"title": "Gym pass", "memberNo": "8842"}, ttlSeconds)
	require.NoError(t, err)
	return gs
}

func TestGenerateSession_Defaults(t *testing.T) {
	e := newEnv(t)
	svc := newPairingService(e)

	gs := generateSession(t, e, svc, 0)

	assert.Len(t, gs.SessionID, 32) // 16 random bytes, hex encoded
	assert.Equal(t, e.cfg.PairingBaseURL+"/pair/"+gs.SessionID, gs.QRPayload)
	assert.Equal(t, e.clock.Now().Add(e.cfg.PairingTTLDefault), gs.ExpiresAt)

	session, status, err := svc.GetStatus(context.Background(), "u1", gs.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.PairingPending, status)
	assert.Equal(t, "gym", session.PassType)
}

func TestGenerateSession_CustomTTL(t *testing.T) {
	e := newEnv(t)
	svc := newPairingService(e)

	gs := generateSession(t, e, svc, 300)
	assert.Equal(t, e.clock.Now().Add(5*time.Minute), gs.ExpiresAt)
}

func TestGenerateSession_TTLOutOfRange(t *testing.T) {
	e := newEnv(t)
	svc := newPairingService(e)

	for _, ttl := range []int{1, 4, 601, 86400} {
		_, err := svc.GenerateSession(context.Background(), "u1", "gym", nil, ttl)
		assert.ErrorIs(t, err, common.ErrorValidation, "ttl=%d", ttl)
	}
}

func TestGenerateSession_MissingPassType(t *testing.T) {
	e := newEnv(t)
	svc := newPairingService(e)

	_, err := svc.GenerateSession(context.Background(), "u1", "", nil, 0)
	assert.ErrorIs(t, err, common.ErrorValidation)
}

func TestGetStatus_UnknownSessionIsGone(t *testing.T) {
	e := newEnv(t)
	svc := newPairingService(e)

	_, _, err := svc.GetStatus(context.Background(), "u1", "deadbeef")
	assert.ErrorIs(t, err, common.ErrorNotFound)
}

func TestGetStatus_OtherUsersSessionIsGone(t *testing.T) {
	e := newEnv(t)
	svc := newPairingService(e)

	gs := generateSession(t, e, svc, 0)
	_, _, err := svc.GetStatus(context.Background(), "u2", gs.SessionID)
	assert.ErrorIs(t, err, common.ErrorNotFound)
}

func TestGetStatus_LazyExpiryPersists(t *testing.T) {
	e := newEnv(t)
	svc := newPairingService(e)

	gs := generateSession(t, e, svc, 60)
	e.clock.Add(61 * time.Second)

	_, status, err := svc.GetStatus(context.Background(), "u1", gs.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.PairingExpired, status)

	stored, err := e.sessions.GetByID(context.Background(), gs.SessionID)
	require.NoError(t, err)
	assert.True(t, stored.Expired)
}

func TestResolve_MaterializesItemAndStoresResolution(t *testing.T) {
	e := newEnv(t)
	svc := newPairingService(e)
	gs := generateSession(t, e, svc, 0)

	e.mock.ExpectBegin()
	e.mock.ExpectCommit()

	resolution, err := svc.Resolve(context.Background(), gs.SessionID,
		map[string]string{"memberNo": "9911", "barcode": "X17"})
	require.NoError(t, err)

	// Claimed keys win over the issuer's payload.
	assert.Equal(t, "9911", resolution["memberNo"])
	assert.Equal(t, "Gym pass", resolution["title"])
	assert.Equal(t, "X17", resolution["barcode"])
	require.NotEmpty(t, resolution["itemId"])

	items, err := e.items.ListByUserCategory(context.Background(), "u1", models.CategoryDocuments)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, resolution["itemId"], items[0].ID)
	assert.Equal(t, "Gym pass", items[0].Title)
	assert.Equal(t, int64(1), items[0].Version)

	_, status, err := svc.GetStatus(context.Background(), "u1", gs.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.PairingResolved, status)

	require.NoError(t, e.mock.ExpectationsWereMet())
}

func TestResolve_SecondClaimLoses(t *testing.T) {
	e := newEnv(t)
	svc := newPairingService(e)
	gs := generateSession(t, e, svc, 0)

	e.mock.ExpectBegin()
	e.mock.ExpectCommit()
	_, err := svc.Resolve(context.Background(), gs.SessionID, map[string]string{"a": "1"})
	require.NoError(t, err)

	_, err = svc.Resolve(context.Background(), gs.SessionID, map[string]string{"a": "2"})
	assert.ErrorIs(t, err, common.ErrAlreadyResolved)

	// The losing claim must not leave a second materialized item behind.
	items, err := e.items.ListByUserCategory(context.Background(), "u1", models.CategoryDocuments)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestResolve_GuardRaceRollsBack(t *testing.T) {
	e := newEnv(t)
	svc := newPairingService(e)
	gs := generateSession(t, e, svc, 0)

	// The pre-check sees a pending session but a concurrent claim commits
	// first; the conditional update fails and the item insert is rolled back.
	e.sessions.forceResolveGuardFail = true
	e.mock.ExpectBegin()
	e.mock.ExpectRollback()

	_, err := svc.Resolve(context.Background(), gs.SessionID, map[string]string{"a": "1"})
	assert.ErrorIs(t, err, common.ErrAlreadyResolved)
	require.NoError(t, e.mock.ExpectationsWereMet())
}

func TestResolve_ExpiredSession(t *testing.T) {
	e := newEnv(t)
	svc := newPairingService(e)
	gs := generateSession(t, e, svc, 60)

	e.clock.Add(2 * time.Minute)

	_, err := svc.Resolve(context.Background(), gs.SessionID, nil)
	assert.ErrorIs(t, err, common.ErrSessionExpired)
}

func TestResolve_CancelledSessionIsGone(t *testing.T) {
	e := newEnv(t)
	svc := newPairingService(e)
	gs := generateSession(t, e, svc, 0)

	require.NoError(t, svc.Cancel(context.Background(), "u1", gs.SessionID))

	_, err := svc.Resolve(context.Background(), gs.SessionID, nil)
	assert.ErrorIs(t, err, common.ErrorNotFound)
}

func TestCancel_PendingSession(t *testing.T) {
	e := newEnv(t)
	svc := newPairingService(e)
	gs := generateSession(t, e, svc, 0)

	require.NoError(t, svc.Cancel(context.Background(), "u1", gs.SessionID))

	_, status, err := svc.GetStatus(context.Background(), "u1", gs.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.PairingCancelled, status)
}

func TestCancel_ResolvedSession(t *testing.T) {
	e := newEnv(t)
	svc := newPairingService(e)
	gs := generateSession(t, e, svc, 0)

	e.mock.ExpectBegin()
	e.mock.ExpectCommit()
	_, err := svc.Resolve(context.Background(), gs.SessionID, nil)
	require.NoError(t, err)

	err = svc.Cancel(context.Background(), "u1", gs.SessionID)
	assert.ErrorIs(t, err, common.ErrAlreadyResolved)
}

func TestCancel_ExpiredSession(t *testing.T) {
	e := newEnv(t)
	svc := newPairingService(e)
	gs := generateSession(t, e, svc, 60)

	e.clock.Add(2 * time.Minute)

	err := svc.Cancel(context.Background(), "u1", gs.SessionID)
	assert.ErrorIs(t, err, common.ErrSessionExpired)
}

func TestCancel_OtherUsersSession(t *testing.T) {
	e := newEnv(t)
	svc := newPairingService(e)
	gs := generateSession(t, e, svc, 0)

	err := svc.Cancel(context.Background(), "u2", gs.SessionID)
	assert.ErrorIs(t, err, common.ErrorNotFound)
}

func TestQRImage_ReturnsPNG(t *testing.T) {
	e := newEnv(t)
	svc := newPairingService(e)
	gs := generateSession(t, e, svc, 0)

	png, err := svc.QRImage(context.Background(), "u1", gs.SessionID)
	require.NoError(t, err)
	require.True(t, len(png) > 8)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, png[:4])
}

func TestQRImage_NonPendingSession(t *testing.T) {
	e := newEnv(t)
	svc := newPairingService(e)
	gs := generateSession(t, e, svc, 60)

	e.clock.Add(2 * time.Minute)

	_, err := svc.QRImage(context.Background(), "u1", gs.SessionID)
	assert.ErrorIs(t, err, common.ErrSessionExpired)
}

func TestSweep_RemovesSessionsPastGrace(t *testing.T) {
	e := newEnv(t)
	svc := newPairingService(e)
	gs := generateSession(t, e, svc, 60)

	// Expired but still inside the grace period: kept for status polling.
	e.clock.Add(2 * time.Minute)
	require.NoError(t, svc.Sweep(context.Background()))
	_, status, err := svc.GetStatus(context.Background(), "u1", gs.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.PairingExpired, status)

	// Past expiry plus grace: swept, and the id reads as gone.
	e.clock.Add(e.cfg.PairingGracePeriod)
	require.NoError(t, svc.Sweep(context.Background()))
	_, _, err = svc.GetStatus(context.Background(), "u1", gs.SessionID)
	assert.ErrorIs(t, err, common.ErrorNotFound)
}
