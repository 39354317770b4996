package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// LatencySample is one measured broker round trip, split into the phases
// the gateway controls and the phase it does not.
type LatencySample struct {
	OrderID      string
	UserID       string
	Broker       string
	Operation    string
	RTTMs        float64
	ValidationMs float64
	ResponseMs   float64
	OverheadMs   float64
	Status       string
}

// LatencyRepository appends latency samples to the dedicated latency DB.
type LatencyRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewLatencyRepository creates a latency repository.
func NewLatencyRepository(db *sql.DB, log zerolog.Logger) *LatencyRepository {
	return &LatencyRepository{db: db, log: log.With().Str("repo", "order_latency").Logger()}
}

// Record appends one sample. Failures are logged, not returned: latency
// bookkeeping must never fail an order.
func (r *LatencyRepository) Record(ctx context.Context, s *LatencySample) {
	query := `
		INSERT INTO order_latency (order_id, user_id, broker, operation, rtt_ms, validation_ms, response_ms, overhead_ms, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query, nullString(s.OrderID), s.UserID, s.Broker, s.Operation,
		s.RTTMs, s.ValidationMs, s.ResponseMs, s.OverheadMs, s.Status, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		r.log.Warn().Err(err).Str("broker", s.Broker).Msg("latency sample dropped")
	}
}

// Recent returns the user's latest samples, newest first.
func (r *LatencyRepository) Recent(ctx context.Context, userID string, limit int) ([]*LatencySample, error) {
	query := `
		SELECT order_id, user_id, broker, operation, rtt_ms, validation_ms, response_ms, overhead_ms, status
		FROM order_latency WHERE user_id = ? ORDER BY id DESC LIMIT ?
	`
	rows, err := r.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query latency samples: %w", err)
	}
	defer rows.Close()

	var out []*LatencySample
	for rows.Next() {
		var s LatencySample
		var orderID sql.NullString
		if err := rows.Scan(&orderID, &s.UserID, &s.Broker, &s.Operation, &s.RTTMs, &s.ValidationMs, &s.ResponseMs, &s.OverheadMs, &s.Status); err != nil {
			return nil, fmt.Errorf("failed to scan latency sample: %w", err)
		}
		s.OrderID = orderID.String
		out = append(out, &s)
	}
	return out, rows.Err()
}
