package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tradegate/internal/metrics"
)

// Pending order lifecycle states.
const (
	PendingStatusPending  = "PENDING"
	PendingStatusApproved = "APPROVED"
	PendingStatusRejected = "REJECTED"
	PendingStatusExpired  = "EXPIRED"
)

// ErrPendingNotFound is returned when no pending order matches.
var ErrPendingNotFound = errors.New("pending order not found")

// ErrPendingDecided is returned when a decision races a previous one.
var ErrPendingDecided = errors.New("pending order already decided")

// PendingOrder is an order request parked for manual approval.
// BrokerOrderID is set on approval, Reason on rejection.
type PendingOrder struct {
	ID            string
	UserID        string
	Broker        string
	Operation     string
	Payload       string
	Symbol        string
	Exchange      string
	Status        string
	BrokerOrderID string
	Reason        string
	CreatedAt     time.Time
	DecidedAt     *time.Time
}

// PendingRepository persists the approval queue.
type PendingRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewPendingRepository creates a pending order repository.
func NewPendingRepository(db *sql.DB, log zerolog.Logger) *PendingRepository {
	return &PendingRepository{db: db, log: log.With().Str("repo", "pending_orders").Logger()}
}

// Park stores a new pending order and returns its ID.
func (r *PendingRepository) Park(ctx context.Context, p *PendingOrder) (string, error) {
	p.ID = uuid.NewString()
	p.Status = PendingStatusPending
	p.CreatedAt = time.Now().UTC()

	query := `
		INSERT INTO pending_orders (id, user_id, broker, operation, payload, symbol, exchange, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query, p.ID, p.UserID, p.Broker, p.Operation, p.Payload,
		p.Symbol, p.Exchange, p.Status, p.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return "", fmt.Errorf("failed to park pending order: %w", err)
	}
	metrics.PendingOrders.Inc()
	r.log.Info().Str("pending_id", p.ID).Str("user_id", p.UserID).Str("operation", p.Operation).
		Str("symbol", p.Symbol).Msg("order parked for approval")
	return p.ID, nil
}

// Get retrieves one pending order.
func (r *PendingRepository) Get(ctx context.Context, id string) (*PendingOrder, error) {
	query := `
		SELECT id, user_id, broker, operation, payload, symbol, exchange, status, broker_order_id, reason, created_at, decided_at
		FROM pending_orders WHERE id = ?
	`
	return r.scan(r.db.QueryRowContext(ctx, query, id))
}

// ListPending returns the user's undecided orders, oldest first.
func (r *PendingRepository) ListPending(ctx context.Context, userID string) ([]*PendingOrder, error) {
	query := `
		SELECT id, user_id, broker, operation, payload, symbol, exchange, status, broker_order_id, reason, created_at, decided_at
		FROM pending_orders WHERE user_id = ? AND status = ? ORDER BY created_at ASC
	`
	rows, err := r.db.QueryContext(ctx, query, userID, PendingStatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending orders: %w", err)
	}
	defer rows.Close()

	var out []*PendingOrder
	for rows.Next() {
		p, err := r.scanRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Decide transitions a pending order out of PENDING. It fails if another
// decision got there first.
func (r *PendingRepository) Decide(ctx context.Context, id, status string) error {
	return r.Finalize(ctx, id, status, "", "")
}

// Finalize is Decide plus the decision outcome: the broker order id on
// approval or the rejection reason.
func (r *PendingRepository) Finalize(ctx context.Context, id, status, brokerOrderID, reason string) error {
	query := `
		UPDATE pending_orders SET status = ?, broker_order_id = ?, reason = ?, decided_at = ?
		WHERE id = ? AND status = ?
	`
	res, err := r.db.ExecContext(ctx, query, status, nullString(brokerOrderID), nullString(reason),
		time.Now().UTC().Format(time.RFC3339), id, PendingStatusPending)
	if err != nil {
		return fmt.Errorf("failed to decide pending order: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrPendingDecided
	}
	metrics.PendingOrders.Dec()
	r.log.Info().Str("pending_id", id).Str("status", status).Msg("pending order decided")
	return nil
}

// RecordOutcome stores the dispatch result of a decided order: the broker
// order id on success or the failure reason.
func (r *PendingRepository) RecordOutcome(ctx context.Context, id, brokerOrderID, reason string) error {
	query := `UPDATE pending_orders SET broker_order_id = ?, reason = ? WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, nullString(brokerOrderID), nullString(reason), id); err != nil {
		return fmt.Errorf("failed to record pending order outcome: %w", err)
	}
	return nil
}

// Delete removes an undecided pending order. Decided rows are immutable.
func (r *PendingRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM pending_orders WHERE id = ? AND status = ?`, id, PendingStatusPending)
	if err != nil {
		return fmt.Errorf("failed to delete pending order: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, getErr := r.Get(ctx, id); getErr != nil {
			return getErr
		}
		return ErrPendingDecided
	}
	metrics.PendingOrders.Dec()
	r.log.Info().Str("pending_id", id).Msg("pending order deleted")
	return nil
}

// ExpireBefore marks every still-pending order created before cutoff as
// EXPIRED and returns how many were swept.
func (r *PendingRepository) ExpireBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `UPDATE pending_orders SET status = ?, decided_at = ? WHERE status = ? AND created_at < ?`
	res, err := r.db.ExecContext(ctx, query, PendingStatusExpired,
		time.Now().UTC().Format(time.RFC3339), PendingStatusPending, cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("failed to expire pending orders: %w", err)
	}
	n, _ := res.RowsAffected()
	metrics.PendingOrders.Sub(float64(n))
	return n, nil
}

func (r *PendingRepository) scan(row *sql.Row) (*PendingOrder, error) {
	p, err := scanPending(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPendingNotFound
	}
	return p, err
}

func (r *PendingRepository) scanRows(rows *sql.Rows) (*PendingOrder, error) {
	return scanPending(rows.Scan)
}

func scanPending(scan func(...any) error) (*PendingOrder, error) {
	var p PendingOrder
	var brokerOrderID, reason, decidedAt sql.NullString
	var createdAt string
	err := scan(&p.ID, &p.UserID, &p.Broker, &p.Operation, &p.Payload, &p.Symbol, &p.Exchange,
		&p.Status, &brokerOrderID, &reason, &createdAt, &decidedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan pending order: %w", err)
	}
	p.BrokerOrderID = brokerOrderID.String
	p.Reason = reason.String
	p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	if decidedAt.Valid {
		t, _ := time.Parse(time.RFC3339, decidedAt.String)
		p.DecidedAt = &t
	}
	return &p, nil
}
