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

// ErrCredentialsNotFound is returned when a user has no stored credentials
// for a broker.
var ErrCredentialsNotFound = errors.New("broker credentials not found")

// BrokerCredentials are the long-lived secrets a user registers for one
// broker. The market pair is only present for brokers that authenticate
// market data separately from trading.
type BrokerCredentials struct {
	Broker          string
	APIKey          string
	APISecret       string
	MarketAPIKey    string
	MarketAPISecret string
}

// CredentialRepository stores broker credentials, encrypting every secret
// column before it reaches the database.
type CredentialRepository struct {
	db     *sql.DB
	cipher *auth.Cipher
	log    zerolog.Logger
}

// NewCredentialRepository creates a credential repository.
func NewCredentialRepository(db *sql.DB, cipher *auth.Cipher, log zerolog.Logger) *CredentialRepository {
	return &CredentialRepository{
		db:     db,
		cipher: cipher,
		log:    log.With().Str("repo", "broker_credentials").Logger(),
	}
}

// Save upserts the user's credentials for a broker.
func (r *CredentialRepository) Save(ctx context.Context, userID string, creds BrokerCredentials) error {
	keyEnc, err := r.cipher.Encrypt(creds.APIKey)
	if err != nil {
		return err
	}
	secretEnc, err := r.cipher.Encrypt(creds.APISecret)
	if err != nil {
		return err
	}
	var marketKeyEnc, marketSecretEnc sql.NullString
	if creds.MarketAPIKey != "" {
		enc, err := r.cipher.Encrypt(creds.MarketAPIKey)
		if err != nil {
			return err
		}
		marketKeyEnc = nullString(enc)
	}
	if creds.MarketAPISecret != "" {
		enc, err := r.cipher.Encrypt(creds.MarketAPISecret)
		if err != nil {
			return err
		}
		marketSecretEnc = nullString(enc)
	}

	query := `
		INSERT INTO broker_credentials (user_id, broker, api_key_enc, api_secret_enc, market_api_key_enc, market_api_secret_enc, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, broker) DO UPDATE SET
			api_key_enc = excluded.api_key_enc,
			api_secret_enc = excluded.api_secret_enc,
			market_api_key_enc = excluded.market_api_key_enc,
			market_api_secret_enc = excluded.market_api_secret_enc
	`
	_, err = r.db.ExecContext(ctx, query, userID, creds.Broker, keyEnc, secretEnc, marketKeyEnc, marketSecretEnc, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to save broker credentials: %w", err)
	}
	r.log.Info().Str("user_id", userID).Str("broker", creds.Broker).Msg("broker credentials saved")
	return nil
}

// Get decrypts and returns the user's credentials for a broker.
func (r *CredentialRepository) Get(ctx context.Context, userID, broker string) (*BrokerCredentials, error) {
	query := `
		SELECT api_key_enc, api_secret_enc, market_api_key_enc, market_api_secret_enc
		FROM broker_credentials WHERE user_id = ? AND broker = ?
	`
	var keyEnc, secretEnc string
	var marketKeyEnc, marketSecretEnc sql.NullString
	err := r.db.QueryRowContext(ctx, query, userID, broker).Scan(&keyEnc, &secretEnc, &marketKeyEnc, &marketSecretEnc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCredentialsNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get broker credentials: %w", err)
	}

	creds := &BrokerCredentials{Broker: broker}
	if creds.APIKey, err = r.cipher.Decrypt(keyEnc); err != nil {
		return nil, err
	}
	if creds.APISecret, err = r.cipher.Decrypt(secretEnc); err != nil {
		return nil, err
	}
	if marketKeyEnc.Valid {
		if creds.MarketAPIKey, err = r.cipher.Decrypt(marketKeyEnc.String); err != nil {
			return nil, err
		}
	}
	if marketSecretEnc.Valid {
		if creds.MarketAPISecret, err = r.cipher.Decrypt(marketSecretEnc.String); err != nil {
			return nil, err
		}
	}
	return creds, nil
}

// Delete removes the user's credentials for a broker.
func (r *CredentialRepository) Delete(ctx context.Context, userID, broker string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM broker_credentials WHERE user_id = ? AND broker = ?`, userID, broker); err != nil {
		return fmt.Errorf("failed to delete broker credentials: %w", err)
	}
	return nil
}
