package auth

import (
	"encoding/base64"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/argon2"
)

const testAppKey = "0123456789abcdef0123456789abcdef"

func TestCipherRoundTrip(t *testing.T) {
	c, err := NewCipher(testAppKey)
	require.NoError(t, err)

	token, err := c.Encrypt("kite-access-token-xyz")
	require.NoError(t, err)
	assert.NotContains(t, token, "kite-access-token-xyz")

	plain, err := c.Decrypt(token)
	require.NoError(t, err)
	assert.Equal(t, "kite-access-token-xyz", plain)
}

func TestCipherNoncesDiffer(t *testing.T) {
	c, err := NewCipher(testAppKey)
	require.NoError(t, err)

	t1, err := c.Encrypt("same secret")
	require.NoError(t, err)
	t2, err := c.Encrypt("same secret")
	require.NoError(t, err)
	assert.NotEqual(t, t1, t2)
}

func TestCipherRejectsTamperedToken(t *testing.T) {
	c, err := NewCipher(testAppKey)
	require.NoError(t, err)

	token, err := c.Encrypt("secret")
	require.NoError(t, err)

	raw, err := base64.RawURLEncoding.DecodeString(token)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0x01
	tampered := base64.RawURLEncoding.EncodeToString(raw)

	_, err = c.Decrypt(tampered)
	require.Error(t, err)
	var cerr *CryptoError
	assert.ErrorAs(t, err, &cerr)
}

func TestCipherRejectsWrongKey(t *testing.T) {
	c1, err := NewCipher(testAppKey)
	require.NoError(t, err)
	c2, err := NewCipher("fedcba9876543210fedcba9876543210")
	require.NoError(t, err)

	token, err := c1.Encrypt("secret")
	require.NoError(t, err)
	_, err = c2.Decrypt(token)
	assert.Error(t, err)
}

func TestNewCipherRejectsShortKey(t *testing.T) {
	_, err := NewCipher("short")
	assert.Error(t, err)
}

func TestHashAndVerifySecret(t *testing.T) {
	encoded, err := HashSecret("my-api-key", "pepper")
	require.NoError(t, err)
	assert.Contains(t, encoded, "$argon2id$")
	assert.NotContains(t, encoded, "my-api-key")

	ok, rehash, err := VerifySecret("my-api-key", "pepper", encoded)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, rehash)

	ok, _, err = VerifySecret("wrong-key", "pepper", encoded)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, _, err = VerifySecret("my-api-key", "other-pepper", encoded)
	require.NoError(t, err)
	assert.False(t, ok, "pepper participates in the hash")
}

func TestVerifySecretFlagsStaleParameters(t *testing.T) {
	// Hand-build a hash with half the current memory cost.
	salt := []byte("0123456789abcdef")
	const staleMemory = argonMemory / 2
	sum := argon2.IDKey([]byte("key"+"pep"), salt, argonTime, staleMemory, argonThreads, argonKeyLen)
	encoded := fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, staleMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(sum))

	ok, rehash, err := VerifySecret("key", "pep", encoded)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, rehash)
}

func TestVerifySecretMalformed(t *testing.T) {
	_, _, err := VerifySecret("key", "pep", "$bcrypt$whatever")
	assert.Error(t, err)
}

func TestLookupDigestDeterministic(t *testing.T) {
	d1 := LookupDigest("api-key", "pepper")
	d2 := LookupDigest("api-key", "pepper")
	assert.Equal(t, d1, d2)

	assert.NotEqual(t, d1, LookupDigest("api-key", "other"))
	assert.NotEqual(t, d1, LookupDigest("other-key", "pepper"))
}

func TestGenerateAPIKeyEntropy(t *testing.T) {
	k1, err := GenerateAPIKey()
	require.NoError(t, err)
	k2, err := GenerateAPIKey()
	require.NoError(t, err)
	assert.NotEqual(t, k1, k2)
	assert.GreaterOrEqual(t, len(k1), 40)
}
