package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"tradegate/internal/metrics"
)

// ErrInvalidKey is returned for unknown, revoked, or mismatched API keys.
// The message is deliberately uniform so callers cannot distinguish the cases.
var ErrInvalidKey = errors.New("invalid api key")

// KeyRecord is one stored API key row. The raw key itself is never stored.
type KeyRecord struct {
	UserID    string
	Hash      string // encoded Argon2id of key+pepper
	Encrypted string // AEAD token of the raw key, for operator retrieval
}

// KeyStore persists API key records, indexed by lookup digest.
type KeyStore interface {
	KeyByDigest(ctx context.Context, digest string) (*KeyRecord, error)
	// UpsertKey replaces the user's key row; a user holds at most one key.
	UpsertKey(ctx context.Context, userID, digest, hash, encrypted string) error
	UpdateKeyHash(ctx context.Context, digest, hash string) error
	DeleteKeyForUser(ctx context.Context, userID string) (digest string, err error)
}

// SessionRevoker tears down stored broker sessions for a user. Key
// revocation cascades through it so a dead API key never leaves live
// broker tokens behind.
type SessionRevoker interface {
	DeleteForUser(ctx context.Context, userID string) (int64, error)
}

// Service issues and verifies API keys.
type Service struct {
	store    KeyStore
	sessions SessionRevoker
	cipher   *Cipher
	pepper   string
	cache    *verdictCache
	logger   zerolog.Logger
}

// NewService wires the key store, session revoker, cipher, and pepper into
// a verifier. A nil revoker skips the session cascade.
func NewService(store KeyStore, sessions SessionRevoker, cipher *Cipher, pepper string, logger zerolog.Logger) *Service {
	return &Service{
		store:    store,
		sessions: sessions,
		cipher:   cipher,
		pepper:   pepper,
		cache:    newVerdictCache(),
		logger:   logger.With().Str("component", "auth").Logger(),
	}
}

// IssueKey mints a new API key for the user, replacing any existing one, and
// returns the raw key. This is the only moment the raw key exists server-side.
func (s *Service) IssueKey(ctx context.Context, userID string) (string, error) {
	apiKey, err := GenerateAPIKey()
	if err != nil {
		return "", err
	}
	hash, err := HashSecret(apiKey, s.pepper)
	if err != nil {
		return "", err
	}
	encrypted, err := s.cipher.Encrypt(apiKey)
	if err != nil {
		return "", err
	}
	digest := LookupDigest(apiKey, s.pepper)
	if err := s.store.UpsertKey(ctx, userID, digest, hash, encrypted); err != nil {
		return "", fmt.Errorf("failed to store api key: %w", err)
	}
	s.cache.purgeUser(userID)
	s.logger.Info().Str("user_id", userID).Msg("api key issued")
	return apiKey, nil
}

// VerifyKey resolves an API key to its owning user. Cached verdicts short-
// circuit the Argon2 work; a fresh verify upgrades stale hash parameters.
func (s *Service) VerifyKey(ctx context.Context, apiKey string) (string, error) {
	if apiKey == "" {
		metrics.RecordAuthVerification("invalid", false)
		return "", ErrInvalidKey
	}
	digest := LookupDigest(apiKey, s.pepper)

	if userID, found, denied := s.cache.lookup(digest); found {
		if denied {
			metrics.RecordAuthVerification("invalid", true)
			return "", ErrInvalidKey
		}
		metrics.RecordAuthVerification("valid", true)
		return userID, nil
	}

	rec, err := s.store.KeyByDigest(ctx, digest)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			s.cache.markInvalid(digest)
			metrics.RecordAuthVerification("invalid", false)
			return "", ErrInvalidKey
		}
		return "", fmt.Errorf("failed to load api key record: %w", err)
	}

	ok, needsRehash, err := VerifySecret(apiKey, s.pepper, rec.Hash)
	if err != nil {
		return "", err
	}
	if !ok {
		s.cache.markInvalid(digest)
		metrics.RecordAuthVerification("invalid", false)
		return "", ErrInvalidKey
	}

	if needsRehash {
		if newHash, herr := HashSecret(apiKey, s.pepper); herr == nil {
			if uerr := s.store.UpdateKeyHash(ctx, digest, newHash); uerr != nil {
				s.logger.Warn().Err(uerr).Str("user_id", rec.UserID).Msg("hash upgrade failed")
			} else {
				s.logger.Info().Str("user_id", rec.UserID).Msg("hash parameters upgraded")
			}
		}
	}

	s.cache.markValid(digest, rec.UserID)
	metrics.RecordAuthVerification("valid", false)
	return rec.UserID, nil
}

// RevealKey decrypts the user's stored key for operator retrieval.
func (s *Service) RevealKey(ctx context.Context, userID, digest string) (string, error) {
	rec, err := s.store.KeyByDigest(ctx, digest)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return "", ErrInvalidKey
		}
		return "", fmt.Errorf("failed to load api key record: %w", err)
	}
	if rec.UserID != userID {
		return "", ErrInvalidKey
	}
	return s.cipher.Decrypt(rec.Encrypted)
}

// RevokeUser deletes the user's key, evicts every cached verdict for it so
// the next request with the old key re-verifies and fails, and revokes all
// broker sessions tied to the user.
func (s *Service) RevokeUser(ctx context.Context, userID string) error {
	digest, err := s.store.DeleteKeyForUser(ctx, userID)
	if err != nil && !errors.Is(err, ErrKeyNotFound) {
		return fmt.Errorf("failed to revoke api key: %w", err)
	}
	if digest != "" {
		s.cache.forget(digest)
	}
	s.cache.purgeUser(userID)
	if s.sessions != nil {
		if _, err := s.sessions.DeleteForUser(ctx, userID); err != nil {
			return fmt.Errorf("failed to revoke broker sessions: %w", err)
		}
	}
	s.logger.Info().Str("user_id", userID).Msg("api key revoked")
	return nil
}

// ErrKeyNotFound is returned by KeyStore implementations when no row matches.
var ErrKeyNotFound = errors.New("api key not found")
