package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TradingMode gates how order requests are treated for a user.
type TradingMode string

const (
	ModeAuto     TradingMode = "AUTO"
	ModeSemiAuto TradingMode = "SEMI_AUTO"
)

// ErrUserNotFound is returned when no user row matches.
var ErrUserNotFound = errors.New("user not found")

// User is one gateway account.
type User struct {
	ID           string
	Username     string
	PasswordHash string
	TradingMode  TradingMode
	AnalyzeMode  bool
	CreatedAt    time.Time
}

// UserRepository handles user rows.
type UserRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewUserRepository creates a user repository.
func NewUserRepository(db *sql.DB, log zerolog.Logger) *UserRepository {
	return &UserRepository{db: db, log: log.With().Str("repo", "users").Logger()}
}

// Create inserts a new user and returns its generated ID.
func (r *UserRepository) Create(ctx context.Context, username, passwordHash string) (*User, error) {
	u := &User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: passwordHash,
		TradingMode:  ModeAuto,
		CreatedAt:    time.Now().UTC(),
	}
	query := `
		INSERT INTO users (id, username, password_hash, trading_mode, analyze_mode, created_at)
		VALUES (?, ?, ?, ?, 0, ?)
	`
	_, err := r.db.ExecContext(ctx, query, u.ID, u.Username, u.PasswordHash, string(u.TradingMode), u.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	r.log.Info().Str("user_id", u.ID).Str("username", username).Msg("user created")
	return u, nil
}

// Get retrieves a user by ID.
func (r *UserRepository) Get(ctx context.Context, id string) (*User, error) {
	query := `SELECT id, username, password_hash, trading_mode, analyze_mode, created_at FROM users WHERE id = ?`
	return r.scan(r.db.QueryRowContext(ctx, query, id))
}

// GetByUsername retrieves a user by username.
func (r *UserRepository) GetByUsername(ctx context.Context, username string) (*User, error) {
	query := `SELECT id, username, password_hash, trading_mode, analyze_mode, created_at FROM users WHERE username = ?`
	return r.scan(r.db.QueryRowContext(ctx, query, username))
}

// SetTradingMode switches the user between AUTO and SEMI_AUTO.
func (r *UserRepository) SetTradingMode(ctx context.Context, id string, mode TradingMode) error {
	res, err := r.db.ExecContext(ctx, `UPDATE users SET trading_mode = ? WHERE id = ?`, string(mode), id)
	if err != nil {
		return fmt.Errorf("failed to set trading mode: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	r.log.Info().Str("user_id", id).Str("mode", string(mode)).Msg("trading mode changed")
	return nil
}

// SetAnalyzeMode toggles sandbox routing for the user.
func (r *UserRepository) SetAnalyzeMode(ctx context.Context, id string, on bool) error {
	v := 0
	if on {
		v = 1
	}
	res, err := r.db.ExecContext(ctx, `UPDATE users SET analyze_mode = ? WHERE id = ?`, v, id)
	if err != nil {
		return fmt.Errorf("failed to set analyze mode: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	r.log.Info().Str("user_id", id).Bool("analyze", on).Msg("analyze mode changed")
	return nil
}

// UpdatePasswordHash replaces the stored password hash.
func (r *UserRepository) UpdatePasswordHash(ctx context.Context, id, hash string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE users SET password_hash = ? WHERE id = ?`, hash, id)
	if err != nil {
		return fmt.Errorf("failed to update password hash: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (r *UserRepository) scan(row *sql.Row) (*User, error) {
	var u User
	var mode string
	var analyze int
	var createdAt string
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &mode, &analyze, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	u.TradingMode = TradingMode(mode)
	u.AnalyzeMode = analyze != 0
	u.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &u, nil
}
