package auth

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"image/png"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"

	"github.com/brixsport/backend/internal/apperrors"
	"github.com/brixsport/backend/internal/config"
	"github.com/brixsport/backend/internal/security"
	"github.com/brixsport/backend/internal/store"
)

const backupCodeBytes = 5 // 10 hex chars per code

// Enrollment is the result of MFA setup, returned once. The secret and the
// plaintext backup codes are never retrievable afterwards.
type Enrollment struct {
	Secret      string   `json:"secret"`
	OTPAuthURL  string   `json:"otpauthUrl"`
	QRCodePNG   string   `json:"qrCode"` // base64-encoded PNG
	BackupCodes []string `json:"backupCodes"`
}

// MFAManager handles TOTP enrollment and verification. Secrets are encrypted
// at rest; backup codes are stored hashed, each usable once, and expire as a
// batch. An enrollment is active from the moment the secret is generated:
// there is no separate confirmation step, the first successful Verify is the
// confirmation.
type MFAManager struct {
	logger  *zap.Logger
	records store.Records
	kv      store.KeyValue
	crypto  *security.EncryptionService
	cfg     config.MFAConfig
}

// NewMFAManager creates the MFA manager
func NewMFAManager(logger *zap.Logger, records store.Records, kv store.KeyValue, crypto *security.EncryptionService, cfg config.MFAConfig) *MFAManager {
	if cfg.Issuer == "" {
		cfg.Issuer = "Brixsport"
	}
	if cfg.BackupCodeCount <= 0 {
		cfg.BackupCodeCount = 10
	}
	if cfg.BackupCodeTTL <= 0 {
		cfg.BackupCodeTTL = 30 * 24 * time.Hour
	}
	return &MFAManager{
		logger:  logger,
		records: records,
		kv:      kv,
		crypto:  crypto,
		cfg:     cfg,
	}
}

// Enroll provisions TOTP for the user and issues backup codes. Fails with a
// conflict if the user already has an enrollment; it must be disabled first.
func (m *MFAManager) Enroll(ctx context.Context, userID, accountName string) (*Enrollment, error) {
	if userID == "" {
		return nil, apperrors.Validation("user id is required")
	}
	if accountName == "" {
		accountName = userID
	}

	existing, err := m.records.Count(ctx, "mfa_enrollments",
		[]store.Filter{store.Eq("user_id", userID)})
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if existing > 0 {
		return nil, apperrors.Conflict("mfa already enrolled")
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      m.cfg.Issuer,
		AccountName: accountName,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, apperrors.Internal(err)
	}

	encryptedSecret, err := m.crypto.EncryptString(ctx, key.Secret())
	if err != nil {
		return nil, err
	}

	now := store.FormatTime(time.Now())
	if err := m.records.Insert(ctx, "mfa_enrollments", store.Record{
		"user_id":    userID,
		"method":     "totp",
		"secret":     encryptedSecret,
		"enabled":    1,
		"created_at": now,
		"updated_at": now,
	}); err != nil {
		return nil, apperrors.Database(err)
	}

	codes, err := m.issueBackupCodes(ctx, userID)
	if err != nil {
		return nil, err
	}

	qr, err := qrPNG(key)
	if err != nil {
		m.logger.Warn("failed to render qr code", zap.String("user_id", userID), zap.Error(err))
	}

	m.logger.Info("mfa enrolled", zap.String("user_id", userID))
	return &Enrollment{
		Secret:      key.Secret(),
		OTPAuthURL:  key.URL(),
		QRCodePNG:   qr,
		BackupCodes: codes,
	}, nil
}

// Verify checks a TOTP code against the user's enrollment, falling back to
// backup codes. A backup code match consumes the code. A missing or disabled
// enrollment, or any lookup failure, verifies false rather than erroring, so
// every deny looks the same to the caller.
func (m *MFAManager) Verify(ctx context.Context, userID, code string) (bool, error) {
	if userID == "" || code == "" {
		return false, apperrors.Validation("user id and code are required")
	}

	secret, enabled, err := m.loadSecret(ctx, userID)
	if err != nil {
		if !apperrors.IsType(err, apperrors.TypeNotFound) {
			m.logger.Warn("mfa lookup failed", zap.String("user_id", userID), zap.Error(err))
		}
		return false, nil
	}
	if !enabled {
		return false, nil
	}

	if totp.Validate(code, secret) {
		return true, nil
	}
	return m.consumeBackupCode(ctx, userID, code)
}

// IsEnabled reports whether the user has an active enrollment
func (m *MFAManager) IsEnabled(ctx context.Context, userID string) (bool, error) {
	recs, err := m.records.Select(ctx, "mfa_enrollments", store.Query{
		Filters: []store.Filter{store.Eq("user_id", userID)},
		Limit:   1,
	})
	if err != nil {
		return false, apperrors.Database(err)
	}
	if len(recs) == 0 {
		return false, nil
	}
	return recordEnabled(recs[0]), nil
}

// Disable removes the enrollment and all backup codes
func (m *MFAManager) Disable(ctx context.Context, userID string) error {
	n, err := m.records.Delete(ctx, "mfa_enrollments",
		[]store.Filter{store.Eq("user_id", userID)})
	if err != nil {
		return apperrors.Database(err)
	}
	if n == 0 {
		return apperrors.NotFound("mfa enrollment not found")
	}
	_ = m.kv.Del(ctx, backupCodesKey(userID))
	m.logger.Info("mfa disabled", zap.String("user_id", userID))
	return nil
}

// RegenerateBackupCodes replaces the user's backup codes with a fresh batch
func (m *MFAManager) RegenerateBackupCodes(ctx context.Context, userID string) ([]string, error) {
	if _, _, err := m.loadSecret(ctx, userID); err != nil {
		return nil, err
	}
	_ = m.kv.Del(ctx, backupCodesKey(userID))
	return m.issueBackupCodes(ctx, userID)
}

// issueBackupCodes generates the batch and stores only the hashes, with the
// batch TTL starting now.
func (m *MFAManager) issueBackupCodes(ctx context.Context, userID string) ([]string, error) {
	codes := make([]string, 0, m.cfg.BackupCodeCount)
	hashes := make([]string, 0, m.cfg.BackupCodeCount)
	for i := 0; i < m.cfg.BackupCodeCount; i++ {
		buf := make([]byte, backupCodeBytes)
		if _, err := rand.Read(buf); err != nil {
			return nil, apperrors.Internal(err)
		}
		code := hex.EncodeToString(buf)
		codes = append(codes, code)
		hashes = append(hashes, hashBackupCode(code))
	}

	key := backupCodesKey(userID)
	if err := m.kv.SAdd(ctx, key, hashes...); err != nil {
		return nil, apperrors.Internal(err)
	}
	if err := m.kv.Expire(ctx, key, m.cfg.BackupCodeTTL); err != nil {
		return nil, apperrors.Internal(err)
	}
	return codes, nil
}

// consumeBackupCode removes the code's hash from the set; removal doubles as
// the membership check, which is what makes each code single-use.
func (m *MFAManager) consumeBackupCode(ctx context.Context, userID, code string) (bool, error) {
	hash := hashBackupCode(code)
	members, err := m.kv.SMembers(ctx, backupCodesKey(userID))
	if err != nil {
		return false, nil
	}
	for _, member := range members {
		if member == hash {
			if err := m.kv.SRem(ctx, backupCodesKey(userID), hash); err != nil {
				return false, apperrors.Internal(err)
			}
			m.logger.Info("backup code consumed", zap.String("user_id", userID))
			return true, nil
		}
	}
	return false, nil
}

func (m *MFAManager) loadSecret(ctx context.Context, userID string) (secret string, enabled bool, err error) {
	recs, err := m.records.Select(ctx, "mfa_enrollments", store.Query{
		Filters: []store.Filter{store.Eq("user_id", userID)},
		Limit:   1,
	})
	if err != nil {
		return "", false, apperrors.Database(err)
	}
	if len(recs) == 0 {
		return "", false, apperrors.NotFound("mfa enrollment not found")
	}

	secret, err = m.crypto.DecryptString(ctx, recs[0].String("secret"))
	if err != nil {
		return "", false, err
	}
	return secret, recordEnabled(recs[0]), nil
}

func recordEnabled(rec store.Record) bool {
	switch v := rec["enabled"].(type) {
	case bool:
		return v
	case int64:
		return v != 0
	case int:
		return v != 0
	case float64:
		return v != 0
	}
	return false
}

func qrPNG(key *otp.Key) (string, error) {
	img, err := key.Image(200, 200)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func hashBackupCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

func backupCodesKey(userID string) string {
	return fmt.Sprintf("mfa:backup:%s", userID)
}
