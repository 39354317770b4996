// Package auth verifies API keys and protects stored credentials. Keys are
// stored as peppered Argon2id hashes alongside an AEAD-encrypted copy for
// operator retrieval; raw keys never touch a log line or a persistent row.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// Argon2id parameters for secret hashing. Changing these marks every
// previously stored hash as needing a rehash on next successful verify.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	argonSaltLen = 16
)

// CryptoError wraps any failure inside the crypto layer. Callers treat it as
// fatal for the session that triggered it.
type CryptoError struct {
	Op  string
	Err error
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("crypto %s failed: %v", e.Op, e.Err)
}

func (e *CryptoError) Unwrap() error { return e.Err }

// Cipher authenticates and encrypts secrets at rest with XChaCha20-Poly1305.
// The data key is derived from the application key, so rotating APP_KEY
// invalidates every stored ciphertext.
type Cipher struct {
	key []byte
}

// NewCipher derives the AEAD key from the application key.
func NewCipher(appKey string) (*Cipher, error) {
	if len(appKey) < 32 {
		return nil, &CryptoError{Op: "key-derivation", Err: fmt.Errorf("application key shorter than 32 bytes")}
	}
	key := argon2.IDKey([]byte(appKey), []byte("credential-store-v1"), argonTime, argonMemory, argonThreads, chacha20poly1305.KeySize)
	return &Cipher{key: key}, nil
}

// Encrypt seals plaintext and returns a base64 token of nonce||ciphertext.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", &CryptoError{Op: "encrypt", Err: err}
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", &CryptoError{Op: "encrypt", Err: err}
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a token produced by Encrypt.
func (c *Cipher) Decrypt(token string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", &CryptoError{Op: "decrypt", Err: err}
	}
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", &CryptoError{Op: "decrypt", Err: err}
	}
	if len(raw) < aead.NonceSize() {
		return "", &CryptoError{Op: "decrypt", Err: fmt.Errorf("token too short")}
	}
	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", &CryptoError{Op: "decrypt", Err: err}
	}
	return string(plain), nil
}

// HashSecret hashes secret+pepper with Argon2id and a fresh salt, returning
// the parameterized encoded form.
func HashSecret(secret, pepper string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", &CryptoError{Op: "hash", Err: err}
	}
	sum := argon2.IDKey([]byte(secret+pepper), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(sum)), nil
}

// VerifySecret checks secret+pepper against an encoded hash in constant time.
// needsRehash is true when the stored hash was produced with weaker or
// different parameters than the current ones.
func VerifySecret(secret, pepper, encoded string) (ok bool, needsRehash bool, err error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false, false, &CryptoError{Op: "verify", Err: fmt.Errorf("malformed hash encoding")}
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return false, false, &CryptoError{Op: "verify", Err: err}
	}
	var memory, iterations uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &threads); err != nil {
		return false, false, &CryptoError{Op: "verify", Err: err}
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, false, &CryptoError{Op: "verify", Err: err}
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, false, &CryptoError{Op: "verify", Err: err}
	}

	got := argon2.IDKey([]byte(secret+pepper), salt, iterations, memory, threads, uint32(len(want)))
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return false, false, nil
	}

	needsRehash = version != argon2.Version ||
		memory != argonMemory ||
		iterations != argonTime ||
		threads != argonThreads ||
		len(want) != argonKeyLen
	return true, needsRehash, nil
}

// LookupDigest derives a deterministic, peppered digest of an API key for use
// as an indexed lookup column. The salt is bound to the pepper, so the digest
// is useless without it.
func LookupDigest(apiKey, pepper string) string {
	saltSum := sha256.Sum256([]byte("api-key-lookup-v1:" + pepper))
	sum := argon2.IDKey([]byte(apiKey), saltSum[:argonSaltLen], argonTime, argonMemory, argonThreads, argonKeyLen)
	return base64.RawURLEncoding.EncodeToString(sum)
}

// GenerateAPIKey returns a fresh high-entropy API key.
func GenerateAPIKey() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", &CryptoError{Op: "generate", Err: err}
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
