package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"tradegate/internal/auth"
)

// ApiKeyRepository persists API key rows. It satisfies auth.KeyStore.
type ApiKeyRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewApiKeyRepository creates an API key repository.
func NewApiKeyRepository(db *sql.DB, log zerolog.Logger) *ApiKeyRepository {
	return &ApiKeyRepository{db: db, log: log.With().Str("repo", "api_keys").Logger()}
}

// KeyByDigest looks up a key row by its lookup digest.
func (r *ApiKeyRepository) KeyByDigest(ctx context.Context, digest string) (*auth.KeyRecord, error) {
	query := `SELECT user_id, hash, encrypted FROM api_keys WHERE digest = ?`
	var rec auth.KeyRecord
	err := r.db.QueryRowContext(ctx, query, digest).Scan(&rec.UserID, &rec.Hash, &rec.Encrypted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}
	return &rec, nil
}

// UpsertKey replaces the user's key row with a new digest, hash, and
// encrypted copy.
func (r *ApiKeyRepository) UpsertKey(ctx context.Context, userID, digest, hash, encrypted string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin api key upsert: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM api_keys WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("failed to clear previous api key: %w", err)
	}
	query := `INSERT INTO api_keys (digest, user_id, hash, encrypted, created_at) VALUES (?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, query, digest, userID, hash, encrypted, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("failed to insert api key: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit api key upsert: %w", err)
	}
	return nil
}

// UpdateKeyHash rewrites the verification hash, used when hash parameters
// are upgraded.
func (r *ApiKeyRepository) UpdateKeyHash(ctx context.Context, digest, hash string) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE api_keys SET hash = ? WHERE digest = ?`, hash, digest); err != nil {
		return fmt.Errorf("failed to update api key hash: %w", err)
	}
	return nil
}

// DeleteKeyForUser removes the user's key and returns the deleted digest.
func (r *ApiKeyRepository) DeleteKeyForUser(ctx context.Context, userID string) (string, error) {
	var digest string
	err := r.db.QueryRowContext(ctx, `SELECT digest FROM api_keys WHERE user_id = ?`, userID).Scan(&digest)
	if errors.Is(err, sql.ErrNoRows) {
		return "", auth.ErrKeyNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to find api key for user: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, `DELETE FROM api_keys WHERE user_id = ?`, userID); err != nil {
		return "", fmt.Errorf("failed to delete api key: %w", err)
	}
	return digest, nil
}
