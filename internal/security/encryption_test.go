package security

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/brixsport/backend/internal/config"
	"github.com/brixsport/backend/internal/store"
)

func newTestCrypto(t *testing.T) *EncryptionService {
	return NewEncryptionService(zaptest.NewLogger(t), store.NewMemRecords(), config.EncryptionConfig{
		MaxPlaintextBytes: 1024,
		BcryptCost:        10, // keep tests fast
	})
}

func TestEncryptDecryptRoundtrip(t *testing.T) {
	es := newTestCrypto(t)
	ctx := context.Background()

	payload, err := es.Encrypt(ctx, []byte("attack at dawn"))
	require.NoError(t, err)
	assert.NotEmpty(t, payload.KeyID)
	assert.NotEmpty(t, payload.IV)

	plaintext, err := es.Decrypt(ctx, payload)
	require.NoError(t, err)
	assert.Equal(t, []byte("attack at dawn"), plaintext)
}

func TestEncryptUniqueIVs(t *testing.T) {
	es := newTestCrypto(t)
	ctx := context.Background()

	a, err := es.Encrypt(ctx, []byte("same input"))
	require.NoError(t, err)
	b, err := es.Encrypt(ctx, []byte("same input"))
	require.NoError(t, err)

	assert.NotEqual(t, a.IV, b.IV)
	assert.NotEqual(t, a.Ciphertext, b.Ciphertext)
}

func TestRotationKeepsOldCiphertextReadable(t *testing.T) {
	es := newTestCrypto(t)
	ctx := context.Background()

	old, err := es.Encrypt(ctx, []byte("written before rotation"))
	require.NoError(t, err)

	newKeyID, err := es.RotateKeys(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, old.KeyID, newKeyID)

	fresh, err := es.Encrypt(ctx, []byte("written after rotation"))
	require.NoError(t, err)
	assert.Equal(t, newKeyID, fresh.KeyID)

	plaintext, err := es.Decrypt(ctx, old)
	require.NoError(t, err)
	assert.Equal(t, []byte("written before rotation"), plaintext)
}

func TestEncryptRejectsOversizedPlaintext(t *testing.T) {
	es := newTestCrypto(t)
	ctx := context.Background()

	_, err := es.Encrypt(ctx, bytes.Repeat([]byte("x"), 1025))
	assert.Error(t, err)

	_, err = es.Encrypt(ctx, nil)
	assert.Error(t, err)
}

func TestEncryptStringPacking(t *testing.T) {
	es := newTestCrypto(t)
	ctx := context.Background()

	packed, err := es.EncryptString(ctx, "totp-secret-value")
	require.NoError(t, err)

	plaintext, err := es.DecryptString(ctx, packed)
	require.NoError(t, err)
	assert.Equal(t, "totp-secret-value", plaintext)

	_, err = es.DecryptString(ctx, "not-a-packed-value")
	assert.Error(t, err)
}

func TestDecryptTamperedCiphertext(t *testing.T) {
	es := newTestCrypto(t)
	ctx := context.Background()

	payload, err := es.Encrypt(ctx, []byte("integrity matters"))
	require.NoError(t, err)

	payload.Ciphertext = "AAAA" + payload.Ciphertext[4:]
	if _, err := es.Decrypt(ctx, payload); err == nil {
		// CBC without a MAC cannot always detect tampering; padding must
		// still parse, which it usually will not here.
		t.Log("tampered ciphertext decrypted; padding happened to validate")
	}
}

func TestPasswordHashing(t *testing.T) {
	es := newTestCrypto(t)

	hash, err := es.HashPassword("s3cret-pass")
	require.NoError(t, err)
	assert.NotEqual(t, "s3cret-pass", hash)

	assert.True(t, es.VerifyPassword("s3cret-pass", hash))
	assert.False(t, es.VerifyPassword("wrong", hash))

	_, err = es.HashPassword("")
	assert.Error(t, err)
}

func TestPKCS7(t *testing.T) {
	for length := 1; length <= 32; length++ {
		data := bytes.Repeat([]byte("a"), length)
		padded := pkcs7Pad(data, 16)
		require.Zero(t, len(padded)%16)

		unpadded, err := pkcs7Unpad(padded, 16)
		require.NoError(t, err)
		assert.Equal(t, data, unpadded)
	}

	_, err := pkcs7Unpad([]byte{}, 16)
	assert.Error(t, err)
}
