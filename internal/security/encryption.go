package security

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/brixsport/backend/internal/apperrors"
	"github.com/brixsport/backend/internal/config"
	"github.com/brixsport/backend/internal/store"
)

const (
	keyTypeData = "data"
	aesKeySize  = 32
)

// EncryptedPayload is ciphertext tagged with the id of the key that produced
// it, so rotation never orphans existing data.
type EncryptedPayload struct {
	KeyID      string `json:"keyId"`
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
}

// EncryptionService provides AES-256-CBC encryption with versioned keys and
// bcrypt password hashing. Key rotation is additive: a rotation activates a
// fresh key for new writes while every prior key stays resolvable for
// decryption.
type EncryptionService struct {
	logger  *zap.Logger
	records store.Records
	cfg     config.EncryptionConfig

	mu       sync.RWMutex
	keys     map[string][]byte
	activeID string
}

// NewEncryptionService creates the encryption service. Keys load lazily: the
// first Encrypt call creates the initial key if none exists.
func NewEncryptionService(logger *zap.Logger, records store.Records, cfg config.EncryptionConfig) *EncryptionService {
	if cfg.MaxPlaintextBytes <= 0 {
		cfg.MaxPlaintextBytes = 1 << 20
	}
	if cfg.BcryptCost < bcrypt.MinCost || cfg.BcryptCost > bcrypt.MaxCost {
		cfg.BcryptCost = 12
	}
	return &EncryptionService{
		logger:  logger,
		records: records,
		cfg:     cfg,
		keys:    make(map[string][]byte),
	}
}

// Encrypt encrypts plaintext with the active key under AES-256-CBC and a
// fresh random IV.
func (es *EncryptionService) Encrypt(ctx context.Context, plaintext []byte) (*EncryptedPayload, error) {
	if len(plaintext) == 0 {
		return nil, apperrors.Validation("plaintext is empty")
	}
	if len(plaintext) > es.cfg.MaxPlaintextBytes {
		return nil, apperrors.Validation(fmt.Sprintf("plaintext exceeds %d bytes", es.cfg.MaxPlaintextBytes))
	}

	keyID, key, err := es.activeKey(ctx)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, apperrors.Internal(err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, apperrors.Internal(err)
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return &EncryptedPayload{
		KeyID:      keyID,
		IV:         hex.EncodeToString(iv),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}, nil
}

// Decrypt resolves the payload's key by id and reverses Encrypt
func (es *EncryptionService) Decrypt(ctx context.Context, payload *EncryptedPayload) ([]byte, error) {
	if payload == nil || payload.KeyID == "" {
		return nil, apperrors.Validation("payload missing key id")
	}

	key, err := es.keyByID(ctx, payload.KeyID)
	if err != nil {
		return nil, err
	}

	iv, err := hex.DecodeString(payload.IV)
	if err != nil || len(iv) != aes.BlockSize {
		return nil, apperrors.Validation("malformed iv")
	}
	ciphertext, err := base64.StdEncoding.DecodeString(payload.Ciphertext)
	if err != nil || len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, apperrors.Validation("malformed ciphertext")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, apperrors.Internal(err)
	}

	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)

	plaintext, err := pkcs7Unpad(padded, aes.BlockSize)
	if err != nil {
		return nil, apperrors.Validation("decryption failed")
	}
	return plaintext, nil
}

// EncryptString packs the payload into a single "keyId:iv:ciphertext" string
// for storage in plain text columns.
func (es *EncryptionService) EncryptString(ctx context.Context, plaintext string) (string, error) {
	payload, err := es.Encrypt(ctx, []byte(plaintext))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%s:%s", payload.KeyID, payload.IV, payload.Ciphertext), nil
}

// DecryptString reverses EncryptString
func (es *EncryptionService) DecryptString(ctx context.Context, packed string) (string, error) {
	parts := strings.SplitN(packed, ":", 3)
	if len(parts) != 3 {
		return "", apperrors.Validation("malformed encrypted value")
	}
	plaintext, err := es.Decrypt(ctx, &EncryptedPayload{
		KeyID:      parts[0],
		IV:         parts[1],
		Ciphertext: parts[2],
	})
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// RotateKeys activates a fresh key for new encryptions. Previous keys are
// deactivated but never deleted, so existing ciphertext stays decryptable.
func (es *EncryptionService) RotateKeys(ctx context.Context) (string, error) {
	if _, err := es.records.Update(ctx, "encryption_keys",
		[]store.Filter{store.Eq("type", keyTypeData), store.Eq("is_active", 1)},
		store.Record{"is_active": 0}); err != nil {
		return "", apperrors.Database(err)
	}

	keyID, err := es.createKey(ctx)
	if err != nil {
		return "", err
	}

	es.logger.Info("encryption key rotated", zap.String("key_id", keyID))
	return keyID, nil
}

// HashPassword hashes a password with bcrypt at the configured cost
func (es *EncryptionService) HashPassword(password string) (string, error) {
	if password == "" {
		return "", apperrors.Validation("password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), es.cfg.BcryptCost)
	if err != nil {
		return "", apperrors.Internal(err)
	}
	return string(hash), nil
}

// VerifyPassword checks a password against its bcrypt hash
func (es *EncryptionService) VerifyPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// activeKey returns the current encryption key, creating the initial one on
// first use.
func (es *EncryptionService) activeKey(ctx context.Context) (string, []byte, error) {
	es.mu.RLock()
	if es.activeID != "" {
		id, key := es.activeID, es.keys[es.activeID]
		es.mu.RUnlock()
		return id, key, nil
	}
	es.mu.RUnlock()

	recs, err := es.records.Select(ctx, "encryption_keys", store.Query{
		Filters: []store.Filter{store.Eq("type", keyTypeData), store.Eq("is_active", 1)},
		OrderBy: "created_at",
		Desc:    true,
		Limit:   1,
	})
	if err != nil {
		return "", nil, apperrors.Database(err)
	}

	if len(recs) == 0 {
		keyID, err := es.createKey(ctx)
		if err != nil {
			return "", nil, err
		}
		es.mu.RLock()
		defer es.mu.RUnlock()
		return keyID, es.keys[keyID], nil
	}

	keyID := recs[0].String("id")
	key, err := hex.DecodeString(recs[0].String("key"))
	if err != nil || len(key) != aesKeySize {
		return "", nil, apperrors.Internal(fmt.Errorf("stored key %s is malformed", keyID))
	}

	es.mu.Lock()
	es.keys[keyID] = key
	es.activeID = keyID
	es.mu.Unlock()
	return keyID, key, nil
}

// keyByID resolves any key, active or retired
func (es *EncryptionService) keyByID(ctx context.Context, keyID string) ([]byte, error) {
	es.mu.RLock()
	if key, ok := es.keys[keyID]; ok {
		es.mu.RUnlock()
		return key, nil
	}
	es.mu.RUnlock()

	recs, err := es.records.Select(ctx, "encryption_keys", store.Query{
		Filters: []store.Filter{store.Eq("id", keyID)},
		Limit:   1,
	})
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if len(recs) == 0 {
		return nil, apperrors.NotFound("encryption key not found")
	}

	key, err := hex.DecodeString(recs[0].String("key"))
	if err != nil || len(key) != aesKeySize {
		return nil, apperrors.Internal(fmt.Errorf("stored key %s is malformed", keyID))
	}

	es.mu.Lock()
	es.keys[keyID] = key
	es.mu.Unlock()
	return key, nil
}

func (es *EncryptionService) createKey(ctx context.Context) (string, error) {
	key := make([]byte, aesKeySize)
	if _, err := rand.Read(key); err != nil {
		return "", apperrors.Internal(err)
	}

	keyID := uuid.NewString()
	if err := es.records.Insert(ctx, "encryption_keys", store.Record{
		"id":         keyID,
		"key":        hex.EncodeToString(key),
		"type":       keyTypeData,
		"created_at": store.FormatTime(time.Now()),
		"is_active":  1,
	}); err != nil {
		return "", apperrors.Database(err)
	}

	es.mu.Lock()
	es.keys[keyID] = key
	es.activeID = keyID
	es.mu.Unlock()
	return keyID, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(padding)}, padding)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("invalid padded length")
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > blockSize {
		return nil, fmt.Errorf("invalid padding")
	}
	for _, b := range data[len(data)-padding:] {
		if int(b) != padding {
			return nil, fmt.Errorf("invalid padding")
		}
	}
	return data[:len(data)-padding], nil
}
