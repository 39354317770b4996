package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"tradegate/internal/auth"
)

// ErrSessionNotFound is returned when a user has no live broker session.
var ErrSessionNotFound = errors.New("broker session not found")

// BrokerSession is a live authenticated session with one broker. AuthToken
// (and FeedToken for brokers that split market data auth) are decrypted
// copies; they exist only in memory. Extra carries broker-specific session
// material such as a client code.
type BrokerSession struct {
	UserID        string
	Broker        string
	AuthToken     string
	FeedToken     string
	Extra         map[string]string
	EstablishedAt time.Time
	ValidUntil    time.Time
}

// Expired reports whether the session has passed its daily cutoff.
func (s *BrokerSession) Expired(now time.Time) bool {
	return !now.Before(s.ValidUntil)
}

// SessionRepository stores broker sessions with encrypted tokens.
type SessionRepository struct {
	db     *sql.DB
	cipher *auth.Cipher
	log    zerolog.Logger
}

// NewSessionRepository creates a session repository.
func NewSessionRepository(db *sql.DB, cipher *auth.Cipher, log zerolog.Logger) *SessionRepository {
	return &SessionRepository{
		db:     db,
		cipher: cipher,
		log:    log.With().Str("repo", "broker_sessions").Logger(),
	}
}

// Save upserts a session.
func (r *SessionRepository) Save(ctx context.Context, s *BrokerSession) error {
	authEnc, err := r.cipher.Encrypt(s.AuthToken)
	if err != nil {
		return err
	}
	var feedEnc sql.NullString
	if s.FeedToken != "" {
		enc, err := r.cipher.Encrypt(s.FeedToken)
		if err != nil {
			return err
		}
		feedEnc = nullString(enc)
	}
	var extraEnc sql.NullString
	if len(s.Extra) > 0 {
		raw, err := json.Marshal(s.Extra)
		if err != nil {
			return err
		}
		enc, err := r.cipher.Encrypt(string(raw))
		if err != nil {
			return err
		}
		extraEnc = nullString(enc)
	}

	query := `
		INSERT INTO broker_sessions (user_id, broker, auth_token_enc, feed_token_enc, extra_enc, established_at, valid_until)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, broker) DO UPDATE SET
			auth_token_enc = excluded.auth_token_enc,
			feed_token_enc = excluded.feed_token_enc,
			extra_enc = excluded.extra_enc,
			established_at = excluded.established_at,
			valid_until = excluded.valid_until
	`
	_, err = r.db.ExecContext(ctx, query, s.UserID, s.Broker, authEnc, feedEnc, extraEnc,
		s.EstablishedAt.UTC().Format(time.RFC3339), s.ValidUntil.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to save broker session: %w", err)
	}
	r.log.Info().Str("user_id", s.UserID).Str("broker", s.Broker).Time("valid_until", s.ValidUntil).Msg("broker session saved")
	return nil
}

// Get returns the user's session for a broker with tokens decrypted.
func (r *SessionRepository) Get(ctx context.Context, userID, broker string) (*BrokerSession, error) {
	query := `
		SELECT broker, auth_token_enc, feed_token_enc, extra_enc, established_at, valid_until
		FROM broker_sessions WHERE user_id = ? AND broker = ?
	`
	return r.scanOne(r.db.QueryRowContext(ctx, query, userID, broker), userID)
}

// Latest returns the user's most recently established session across all
// brokers. Used to resolve which broker a user is trading through when the
// caller only knows the user.
func (r *SessionRepository) Latest(ctx context.Context, userID string) (*BrokerSession, error) {
	query := `
		SELECT broker, auth_token_enc, feed_token_enc, extra_enc, established_at, valid_until
		FROM broker_sessions WHERE user_id = ?
		ORDER BY established_at DESC LIMIT 1
	`
	return r.scanOne(r.db.QueryRowContext(ctx, query, userID), userID)
}

func (r *SessionRepository) scanOne(row *sql.Row, userID string) (*BrokerSession, error) {
	var broker, authEnc string
	var feedEnc, extraEnc sql.NullString
	var establishedAt, validUntil string
	err := row.Scan(&broker, &authEnc, &feedEnc, &extraEnc, &establishedAt, &validUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get broker session: %w", err)
	}

	s := &BrokerSession{UserID: userID, Broker: broker}
	if s.AuthToken, err = r.cipher.Decrypt(authEnc); err != nil {
		return nil, err
	}
	if feedEnc.Valid {
		if s.FeedToken, err = r.cipher.Decrypt(feedEnc.String); err != nil {
			return nil, err
		}
	}
	if extraEnc.Valid {
		raw, err := r.cipher.Decrypt(extraEnc.String)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(raw), &s.Extra); err != nil {
			return nil, fmt.Errorf("failed to decode session extras: %w", err)
		}
	}
	s.EstablishedAt, _ = time.Parse(time.RFC3339, establishedAt)
	s.ValidUntil, _ = time.Parse(time.RFC3339, validUntil)
	return s, nil
}

// Delete revokes one session.
func (r *SessionRepository) Delete(ctx context.Context, userID, broker string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM broker_sessions WHERE user_id = ? AND broker = ?`, userID, broker); err != nil {
		return fmt.Errorf("failed to delete broker session: %w", err)
	}
	r.log.Info().Str("user_id", userID).Str("broker", broker).Msg("broker session revoked")
	return nil
}

// DeleteForUser revokes every broker session the user holds, across all
// brokers, and returns how many were removed.
func (r *SessionRepository) DeleteForUser(ctx context.Context, userID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM broker_sessions WHERE user_id = ?`, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete broker sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		r.log.Info().Str("user_id", userID).Int64("sessions", n).Msg("broker sessions revoked")
	}
	return n, nil
}

// DeleteExpired removes every session past its cutoff and returns how many
// rows were swept.
func (r *SessionRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM broker_sessions WHERE valid_until <= ?`, now.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		r.log.Info().Int64("swept", n).Msg("expired broker sessions removed")
	}
	return n, nil
}
