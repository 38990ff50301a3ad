package auth

import (
	"context"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/brixsport/backend/internal/apperrors"
	"github.com/brixsport/backend/internal/config"
	"github.com/brixsport/backend/internal/security"
	"github.com/brixsport/backend/internal/store"
)

type loginFixture struct {
	login    *LoginService
	sessions *SessionManager
	mfa      *MFAManager
	risk     *security.RiskScorer
	alerts   *security.AlertManager
	kv       store.KeyValue
	records  store.Records
}

func newLoginFixture(t *testing.T) *loginFixture {
	logger := zaptest.NewLogger(t)
	kv := store.NewMemory()
	records := store.NewMemRecords()

	crypto := security.NewEncryptionService(logger, records, config.EncryptionConfig{
		MaxPlaintextBytes: 1024,
		BcryptCost:        10,
	})
	alerts := security.NewAlertManager(logger, records, kv, 100)
	audit := security.NewAuditPipeline(logger, records, kv, alerts, config.AuditConfig{
		BufferSize:    100,
		FlushInterval: time.Hour,
	})
	risk := security.NewRiskScorer(logger, kv)
	sessions := NewSessionManager(logger, kv, records, config.SessionConfig{
		TTL:                  7 * 24 * time.Hour,
		MaxConcurrentDefault: 5,
	})
	gate, err := NewAuthorizationGate(logger, records, kv)
	require.NoError(t, err)
	mfa := NewMFAManager(logger, records, kv, crypto, config.MFAConfig{
		Issuer:          "Brixsport",
		BackupCodeCount: 10,
		BackupCodeTTL:   30 * 24 * time.Hour,
	})

	login := NewLoginService(logger, kv, records, sessions, mfa, risk, crypto, audit, gate,
		config.LoginConfig{
			MaxAttempts:     5,
			AttemptWindow:   15 * time.Minute,
			LockoutDuration: 15 * time.Minute,
		},
		config.JWTConfig{
			Secret:     "test-secret",
			AccessTTL:  15 * time.Minute,
			RefreshTTL: 30 * 24 * time.Hour,
		},
	)

	return &loginFixture{
		login:    login,
		sessions: sessions,
		mfa:      mfa,
		risk:     risk,
		alerts:   alerts,
		kv:       kv,
		records:  records,
	}
}

func register(t *testing.T, fx *loginFixture, email string) *User {
	t.Helper()
	user, err := fx.login.Register(context.Background(), email, "correct-horse-battery")
	require.NoError(t, err)
	return user
}

func TestRegisterValidation(t *testing.T) {
	fx := newLoginFixture(t)
	ctx := context.Background()

	_, err := fx.login.Register(ctx, "not-an-email", "longenough")
	assert.Error(t, err)

	_, err = fx.login.Register(ctx, "a@b.c", "short")
	assert.Error(t, err)

	register(t, fx, "alice@brixsport.app")
	_, err = fx.login.Register(ctx, "alice@brixsport.app", "correct-horse-battery")
	assert.True(t, apperrors.IsType(err, apperrors.TypeConflict))
}

func TestLoginSuccess(t *testing.T) {
	fx := newLoginFixture(t)
	ctx := context.Background()
	user := register(t, fx, "alice@brixsport.app")

	result, err := fx.login.Login(ctx, LoginRequest{
		Email:     "alice@brixsport.app",
		Password:  "correct-horse-battery",
		IP:        "10.0.0.1",
		UserAgent: "Mozilla/5.0",
	})
	require.NoError(t, err)
	assert.False(t, result.MFARequired)
	assert.Equal(t, user.ID, result.User.ID)
	assert.NotEmpty(t, result.AccessToken)
	assert.NotEmpty(t, result.RefreshToken)
	require.NotNil(t, result.Session)

	claims, err := fx.login.ParseAccessToken(result.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.Subject)
	assert.Equal(t, result.Session.ID, claims.SessionID)
}

func TestLoginWrongPassword(t *testing.T) {
	fx := newLoginFixture(t)
	ctx := context.Background()
	register(t, fx, "alice@brixsport.app")

	_, err := fx.login.Login(ctx, LoginRequest{Email: "alice@brixsport.app", Password: "wrong"})
	assert.True(t, apperrors.IsType(err, apperrors.TypeAuthentication))

	// Unknown account fails identically.
	_, err = fx.login.Login(ctx, LoginRequest{Email: "ghost@brixsport.app", Password: "whatever"})
	assert.True(t, apperrors.IsType(err, apperrors.TypeAuthentication))
}

func TestLoginLockoutAfterRepeatedFailures(t *testing.T) {
	fx := newLoginFixture(t)
	ctx := context.Background()
	register(t, fx, "alice@brixsport.app")

	for i := 0; i < 5; i++ {
		_, err := fx.login.Login(ctx, LoginRequest{Email: "alice@brixsport.app", Password: "wrong"})
		require.Error(t, err, "attempt %d", i)
	}

	// Even the correct password is rejected while locked.
	_, err := fx.login.Login(ctx, LoginRequest{
		Email:    "alice@brixsport.app",
		Password: "correct-horse-battery",
	})
	assert.True(t, apperrors.IsType(err, apperrors.TypeRateLimit))
}

func TestLoginSuccessResetsAttempts(t *testing.T) {
	fx := newLoginFixture(t)
	ctx := context.Background()
	register(t, fx, "alice@brixsport.app")

	for i := 0; i < 4; i++ {
		_, err := fx.login.Login(ctx, LoginRequest{Email: "alice@brixsport.app", Password: "wrong"})
		require.Error(t, err)
	}

	_, err := fx.login.Login(ctx, LoginRequest{
		Email:    "alice@brixsport.app",
		Password: "correct-horse-battery",
	})
	require.NoError(t, err)

	// Counter reset: more failures allowed before lockout.
	_, err = fx.login.Login(ctx, LoginRequest{Email: "alice@brixsport.app", Password: "wrong"})
	assert.True(t, apperrors.IsType(err, apperrors.TypeAuthentication), "not locked yet")
}

func TestLoginWithMFA(t *testing.T) {
	fx := newLoginFixture(t)
	ctx := context.Background()
	user := register(t, fx, "alice@brixsport.app")

	enrollment, err := fx.mfa.Enroll(ctx, user.ID, "alice@brixsport.app")
	require.NoError(t, err)

	result, err := fx.login.Login(ctx, LoginRequest{
		Email:    "alice@brixsport.app",
		Password: "correct-horse-battery",
	})
	require.NoError(t, err)
	assert.True(t, result.MFARequired)
	assert.NotEmpty(t, result.MFAToken)
	assert.Empty(t, result.AccessToken, "no tokens before the second factor")

	code, err := totp.GenerateCode(enrollment.Secret, time.Now())
	require.NoError(t, err)

	completed, err := fx.login.CompleteMFA(ctx, result.MFAToken, code, "10.0.0.1", "Mozilla/5.0")
	require.NoError(t, err)
	assert.NotEmpty(t, completed.AccessToken)
	assert.NotEmpty(t, completed.RefreshToken)

	// The pending token is single-use.
	_, err = fx.login.CompleteMFA(ctx, result.MFAToken, code, "10.0.0.1", "Mozilla/5.0")
	assert.Error(t, err)
}

func TestLoginHighRiskWithoutEnrollmentProceeds(t *testing.T) {
	fx := newLoginFixture(t)
	ctx := context.Background()
	user := register(t, fx, "alice@brixsport.app")

	// Seed history so a novel IP and device both register as risk factors,
	// then push action velocity past its threshold for a third.
	fx.risk.RememberContext(ctx, security.RiskContext{
		UserID:    user.ID,
		IP:        "10.0.0.1",
		UserAgent: "Mozilla/5.0 (home)",
	})
	for i := 0; i < 12; i++ {
		fx.risk.RecordAction(ctx, user.ID)
	}

	result, err := fx.login.Login(ctx, LoginRequest{
		Email:     "alice@brixsport.app",
		Password:  "correct-horse-battery",
		IP:        "203.0.113.9",
		UserAgent: "curl/8.0",
	})
	require.NoError(t, err)
	require.NotNil(t, result.Risk)
	assert.True(t, result.Risk.RequiresVerification)

	// No enrollment means no second factor to challenge; the login completes
	// instead of dead-ending in an unanswerable MFA prompt.
	assert.False(t, result.MFARequired)
	assert.NotEmpty(t, result.AccessToken)
}

func TestCompleteMFAWrongCode(t *testing.T) {
	fx := newLoginFixture(t)
	ctx := context.Background()
	user := register(t, fx, "alice@brixsport.app")

	_, err := fx.mfa.Enroll(ctx, user.ID, "")
	require.NoError(t, err)

	result, err := fx.login.Login(ctx, LoginRequest{
		Email:    "alice@brixsport.app",
		Password: "correct-horse-battery",
	})
	require.NoError(t, err)

	_, err = fx.login.CompleteMFA(ctx, result.MFAToken, "000000", "", "")
	assert.True(t, apperrors.IsType(err, apperrors.TypeAuthentication))
}

func TestRefreshRotation(t *testing.T) {
	fx := newLoginFixture(t)
	ctx := context.Background()
	register(t, fx, "alice@brixsport.app")

	result, err := fx.login.Login(ctx, LoginRequest{
		Email:    "alice@brixsport.app",
		Password: "correct-horse-battery",
	})
	require.NoError(t, err)

	refreshed, err := fx.login.Refresh(ctx, result.RefreshToken)
	require.NoError(t, err)
	assert.NotEmpty(t, refreshed.AccessToken)
	assert.NotEqual(t, result.RefreshToken, refreshed.RefreshToken)

	// The old refresh token is dead after rotation.
	_, err = fx.login.Refresh(ctx, result.RefreshToken)
	assert.True(t, apperrors.IsType(err, apperrors.TypeAuthentication))

	// The new one works.
	_, err = fx.login.Refresh(ctx, refreshed.RefreshToken)
	assert.NoError(t, err)
}

func TestRefreshFailsAfterLogout(t *testing.T) {
	fx := newLoginFixture(t)
	ctx := context.Background()
	user := register(t, fx, "alice@brixsport.app")

	result, err := fx.login.Login(ctx, LoginRequest{
		Email:    "alice@brixsport.app",
		Password: "correct-horse-battery",
	})
	require.NoError(t, err)

	require.NoError(t, fx.login.Logout(ctx, result.Session.ID, user.ID, "", ""))

	_, err = fx.login.Refresh(ctx, result.RefreshToken)
	assert.Error(t, err, "refresh is bound to a live session")
}

func TestParseAccessTokenRejectsGarbage(t *testing.T) {
	fx := newLoginFixture(t)

	_, err := fx.login.ParseAccessToken("not.a.jwt")
	assert.Error(t, err)
}
