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

func newVerificationService(e *env) *VerificationService {
	return NewVerificationService(e.db, e.rm, e.cfg, e.logger, e.clock, e.dispatcher)
}

func TestIssueCode_StoresAndDispatches(t *testing.T) {
	e := newEnv(t)
	e.addDevice(&models.Device{ID: "d1", UserID: "u1", Name: "Pixel 9", Class: models.DeviceClassPhone})
	svc := newVerificationService(e)

	expiresAt, err := svc.IssueCode(context.Background(), "u1", "d1")
	require.NoError(t, err)
	assert.Equal(t, e.clock.Now().Add(e.cfg.CodeValidityDuration), expiresAt)

	data := e.dispatcher.waitOne(t)
	require.Len(t, data["code"], 6)
	assert.Equal(t, "Pixel 9", data["device"])

	d, err := e.devices.GetByID(context.Background(), "d1")
	require.NoError(t, err)
	require.NotNil(t, d.VerificationCode)
	assert.Equal(t, data["code"], *d.VerificationCode)
	assert.Equal(t, 0, d.CodeAttempts)
}

func TestIssueCode_DeviceOfAnotherUser(t *testing.T) {
	e := newEnv(t)
	e.addDevice(&models.Device{ID: "d1", UserID: "u1"})
	svc := newVerificationService(e)

	_, err := svc.IssueCode(context.Background(), "u2", "d1")
	assert.ErrorIs(t, err, common.ErrorNotFound)
}

func TestIssueCode_DeliveryFailureDoesNotFailIssue(t *testing.T) {
	e := newEnv(t)
	e.addDevice(&models.Device{ID: "d1", UserID: "u1"})
	e.dispatcher.errOn = true
	svc := newVerificationService(e)

	_, err := svc.IssueCode(context.Background(), "u1", "d1")
	require.NoError(t, err)
	e.dispatcher.waitOne(t)
}

func TestCheckCode_CorrectCodeVerifiesAndTrusts(t *testing.T) {
	e := newEnv(t)
	e.addDevice(&models.Device{ID: "d1", UserID: "u1"})
	svc := newVerificationService(e)

	_, err := svc.IssueCode(context.Background(), "u1", "d1")
	require.NoError(t, err)
	code := e.dispatcher.waitOne(t)["code"]

	require.NoError(t, svc.CheckCode(context.Background(), "u1", "d1", code))

	d, err := e.devices.GetByID(context.Background(), "d1")
	require.NoError(t, err)
	assert.True(t, d.Verified)
	assert.True(t, d.Trusted)
	assert.Nil(t, d.VerificationCode)
	assert.Nil(t, d.CodeExpiresAt)
}

func TestCheckCode_NoActiveCode(t *testing.T) {
	e := newEnv(t)
	e.addDevice(&models.Device{ID: "d1", UserID: "u1"})
	svc := newVerificationService(e)

	err := svc.CheckCode(context.Background(), "u1", "d1", "123456")
	assert.ErrorIs(t, err, common.ErrNoActiveCode)
}

func TestCheckCode_ExpiredCode(t *testing.T) {
	e := newEnv(t)
	e.addDevice(&models.Device{ID: "d1", UserID: "u1"})
	svc := newVerificationService(e)

	_, err := svc.IssueCode(context.Background(), "u1", "d1")
	require.NoError(t, err)
	code := e.dispatcher.waitOne(t)["code"]

	e.clock.Add(11 * time.Minute)

	err = svc.CheckCode(context.Background(), "u1", "d1", code)
	assert.ErrorIs(t, err, common.ErrCodeExpired)
}

func TestCheckCode_MismatchReportsRemainingAttempts(t *testing.T) {
	e := newEnv(t)
	e.addDevice(&models.Device{ID: "d1", UserID: "u1"})
	svc := newVerificationService(e)

	_, err := svc.IssueCode(context.Background(), "u1", "d1")
	require.NoError(t, err)
	code := e.dispatcher.waitOne(t)["code"]
	wrong := "000000"
	if code == wrong {
		wrong = "000001"
	}

	err = svc.CheckCode(context.Background(), "u1", "d1", wrong)
	require.ErrorIs(t, err, common.ErrCodeMismatch)
	assert.Contains(t, err.Error(), "4 attempts remaining")
}

func TestCheckCode_LockoutAfterMaxAttempts(t *testing.T) {
	e := newEnv(t)
	e.addDevice(&models.Device{ID: "d1", UserID: "u1"})
	svc := newVerificationService(e)

	_, err := svc.IssueCode(context.Background(), "u1", "d1")
	require.NoError(t, err)
	code := e.dispatcher.waitOne(t)["code"]
	wrong := "000000"
	if code == wrong {
		wrong = "000001"
	}

	for i := 0; i < models.MaxCodeAttempts-1; i++ {
		err = svc.CheckCode(context.Background(), "u1", "d1", wrong)
		require.ErrorIs(t, err, common.ErrCodeMismatch)
	}

	// Fifth failure exhausts the budget.
	err = svc.CheckCode(context.Background(), "u1", "d1", wrong)
	require.ErrorIs(t, err, common.ErrLockedOut)

	// The correct code no longer helps; the caller must reissue.
	err = svc.CheckCode(context.Background(), "u1", "d1", code)
	assert.ErrorIs(t, err, common.ErrLockedOut)

	d, err := e.devices.GetByID(context.Background(), "d1")
	require.NoError(t, err)
	assert.False(t, d.Verified)
}

func TestResendCode_InvalidatesOutstandingCode(t *testing.T) {
	e := newEnv(t)
	e.addDevice(&models.Device{ID: "d1", UserID: "u1"})
	svc := newVerificationService(e)

	_, err := svc.IssueCode(context.Background(), "u1", "d1")
	require.NoError(t, err)
	first := e.dispatcher.waitOne(t)["code"]

	_, err = svc.ResendCode(context.Background(), "u1", "d1")
	require.NoError(t, err)
	second := e.dispatcher.waitOne(t)["code"]

	if first != second {
		err = svc.CheckCode(context.Background(), "u1", "d1", first)
		assert.ErrorIs(t, err, common.ErrCodeMismatch)
	}

	require.NoError(t, svc.CheckCode(context.Background(), "u1", "d1", second))
}

func TestResendCode_ResetsAttemptCounter(t *testing.T) {
	e := newEnv(t)
	e.addDevice(&models.Device{ID: "d1", UserID: "u1"})
	svc := newVerificationService(e)

	_, err := svc.IssueCode(context.Background(), "u1", "d1")
	require.NoError(t, err)
	code := e.dispatcher.waitOne(t)["code"]
	wrong := "000000"
	if code == wrong {
		wrong = "000001"
	}
	for i := 0; i < models.MaxCodeAttempts; i++ {
		_ = svc.CheckCode(context.Background(), "u1", "d1", wrong)
	}
	require.ErrorIs(t, svc.CheckCode(context.Background(), "u1", "d1", code), common.ErrLockedOut)

	_, err = svc.ResendCode(context.Background(), "u1", "d1")
	require.NoError(t, err)
	fresh := e.dispatcher.waitOne(t)["code"]

	require.NoError(t, svc.CheckCode(context.Background(), "u1", "d1", fresh))
}
