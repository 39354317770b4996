package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// OrderLogEntry is one routed order operation, recorded for audit.
type OrderLogEntry struct {
	UserID    string
	Broker    string
	Operation string
	OrderID   string
	Symbol    string
	Exchange  string
	Action    string
	Quantity  int
	Status    string
	Analyze   bool
	CreatedAt time.Time
}

// OrderLogRepository appends routed order operations.
type OrderLogRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewOrderLogRepository creates an order log repository.
func NewOrderLogRepository(db *sql.DB, log zerolog.Logger) *OrderLogRepository {
	return &OrderLogRepository{db: db, log: log.With().Str("repo", "order_log").Logger()}
}

// Append records one routed operation.
func (r *OrderLogRepository) Append(ctx context.Context, e *OrderLogEntry) error {
	analyze := 0
	if e.Analyze {
		analyze = 1
	}
	query := `
		INSERT INTO order_log (user_id, broker, operation, order_id, symbol, exchange, action, quantity, status, analyze, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query, e.UserID, e.Broker, e.Operation,
		nullString(e.OrderID), nullString(e.Symbol), nullString(e.Exchange), nullString(e.Action),
		e.Quantity, e.Status, analyze, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to append order log: %w", err)
	}
	return nil
}

// Recent returns the user's latest entries, newest first.
func (r *OrderLogRepository) Recent(ctx context.Context, userID string, limit int) ([]*OrderLogEntry, error) {
	query := `
		SELECT user_id, broker, operation, order_id, symbol, exchange, action, quantity, status, analyze, created_at
		FROM order_log WHERE user_id = ? ORDER BY id DESC LIMIT ?
	`
	rows, err := r.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query order log: %w", err)
	}
	defer rows.Close()

	var out []*OrderLogEntry
	for rows.Next() {
		var e OrderLogEntry
		var orderID, symbol, exchange, action sql.NullString
		var analyze int
		var createdAt string
		if err := rows.Scan(&e.UserID, &e.Broker, &e.Operation, &orderID, &symbol, &exchange, &action, &e.Quantity, &e.Status, &analyze, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan order log: %w", err)
		}
		e.OrderID = orderID.String
		e.Symbol = symbol.String
		e.Exchange = exchange.String
		e.Action = action.String
		e.Analyze = analyze != 0
		e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, &e)
	}
	return out, rows.Err()
}
