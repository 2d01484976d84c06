package encryption

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/4xmen/nameh/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(seed string) string {
	sum := sha256.Sum256([]byte(seed))
	return base64.StdEncoding.EncodeToString(sum[:])
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	svc := New(IntegrityStrict)
	key := testKey("k1")

	for _, plaintext := range []string{
		"hello",
		"a",
		"exactly sixteen!",
		"سلام دنیا 👋",
		"a much longer message that spans several AES blocks to exercise CBC chaining properly",
	} {
		sealed, err := svc.Encrypt(plaintext, key)
		require.NoError(t, err)
		assert.Equal(t, Algorithm, sealed.Algorithm)

		got, err := svc.Decrypt(sealed, key)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	}
}

func TestEncryptUsesFreshIV(t *testing.T) {
	svc := New(IntegrityStrict)
	key := testKey("k1")

	a, err := svc.Encrypt("same", key)
	require.NoError(t, err)
	b, err := svc.Encrypt("same", key)
	require.NoError(t, err)

	assert.NotEqual(t, a.IV, b.IV)
	assert.NotEqual(t, a.Ciphertext, b.Ciphertext)
}

func TestDecryptWithWrongKeyNeverYieldsPlaintext(t *testing.T) {
	for _, mode := range []IntegrityMode{IntegrityStrict, IntegrityLenient} {
		svc := New(mode)
		sealed, err := svc.Encrypt("hello", testKey("k1"))
		require.NoError(t, err)

		got, err := svc.Decrypt(sealed, testKey("k2"))
		if err == nil {
			assert.NotEqual(t, "hello", got, "mode %s", mode)
		} else {
			assert.ErrorIs(t, err, ErrDecryption)
		}
	}
}

func TestEncryptRejectsMalformedKey(t *testing.T) {
	svc := New(IntegrityStrict)

	_, err := svc.Encrypt("hello", "not base64!!")
	assert.ErrorIs(t, err, ErrCrypto)

	_, err = svc.Encrypt("hello", base64.StdEncoding.EncodeToString([]byte("short")))
	assert.ErrorIs(t, err, ErrCrypto)
}

func TestDecryptRejectsIncompleteEnvelope(t *testing.T) {
	svc := New(IntegrityStrict)

	_, err := svc.Decrypt(&Sealed{Ciphertext: "abc"}, testKey("k1"))
	assert.ErrorIs(t, err, ErrDecryption)

	_, err = svc.Decrypt(nil, testKey("k1"))
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestTamperedTagStrictVersusLenient(t *testing.T) {
	key := testKey("k1")
	sealed, err := New(IntegrityStrict).Encrypt("hello", key)
	require.NoError(t, err)
	sealed.AuthTag = base64.StdEncoding.EncodeToString([]byte("tampered-tag-value-000000000000000"))

	_, err = New(IntegrityStrict).Decrypt(sealed, key)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIntegrity))
	assert.True(t, errors.Is(err, ErrDecryption))

	got, err := New(IntegrityLenient).Decrypt(sealed, key)
	require.NoError(t, err)
	assert.Equal(t, "hello", got)
}

func TestHashAndVerifyIntegrity(t *testing.T) {
	svc := New(IntegrityStrict)

	digest := svc.Hash("hello")
	assert.Len(t, digest, 64)
	assert.Equal(t, digest, svc.Hash("hello"))
	assert.True(t, svc.VerifyIntegrity("hello", digest))
	assert.False(t, svc.VerifyIntegrity("hello!", digest))
	assert.False(t, svc.VerifyIntegrity("hello", ""))
}

func TestSealOpen(t *testing.T) {
	svc := New(IntegrityStrict)
	key := testKey("pair")

	msg, err := svc.Seal("hello", key)
	require.NoError(t, err)
	assert.Equal(t, models.SecurityEnterprise, msg.SecurityLevel)
	assert.Equal(t, svc.Hash("hello"), msg.IntegrityHash)

	env := msg.Envelope("key_1")
	assert.Equal(t, "key_1", env.KeyID)
	assert.True(t, env.Complete())

	opened, err := svc.Open(env, key)
	require.NoError(t, err)
	assert.Equal(t, "hello", opened.Plaintext)
	assert.True(t, opened.IntegrityVerified)
	assert.Equal(t, models.SecurityEnterprise, opened.SecurityLevel)
}

func TestOpenReportsHashMismatchWithoutError(t *testing.T) {
	svc := New(IntegrityStrict)
	key := testKey("pair")

	msg, err := svc.Seal("hello", key)
	require.NoError(t, err)
	env := msg.Envelope("")
	env.IntegrityHash = svc.Hash("something else")

	opened, err := svc.Open(env, key)
	require.NoError(t, err)
	assert.Equal(t, "hello", opened.Plaintext)
	assert.False(t, opened.IntegrityVerified)
}

func TestGenerateKeyIsValid(t *testing.T) {
	svc := New(IntegrityStrict)
	key, err := svc.GenerateKey()
	require.NoError(t, err)
	assert.True(t, ValidKey(key))
	assert.False(t, ValidKey("nope"))
}

func TestParseIntegrityMode(t *testing.T) {
	assert.Equal(t, IntegrityLenient, ParseIntegrityMode("lenient"))
	assert.Equal(t, IntegrityStrict, ParseIntegrityMode("strict"))
	assert.Equal(t, IntegrityStrict, ParseIntegrityMode(""))
}
