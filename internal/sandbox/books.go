package sandbox

import (
	"context"
	"database/sql"
	"time"

	"github.com/shopspring/decimal"

	"tradegate/internal/broker"
)

// userAPI binds the engine to one sandbox account. It satisfies
// broker.OrderAPI so the order router dispatches to it exactly as it would
// to a live adapter.
type userAPI struct {
	engine *Engine
	userID string
}

func (u *userAPI) PlaceOrder(ctx context.Context, req *broker.OrderRequest) (*broker.OrderResult, error) {
	return u.engine.placeOrder(ctx, u.userID, req)
}

func (u *userAPI) ModifyOrder(ctx context.Context, req *broker.ModifyRequest) (*broker.OrderResult, error) {
	return u.engine.modifyOrder(ctx, u.userID, req)
}

func (u *userAPI) CancelOrder(ctx context.Context, orderID string) (*broker.OrderResult, error) {
	return u.engine.cancelOrder(ctx, u.userID, orderID)
}

func (u *userAPI) CancelAllOrders(ctx context.Context) ([]broker.OrderResult, error) {
	rows, err := u.engine.db.QueryContext(ctx,
		`SELECT order_id FROM sandbox_orders WHERE user_id = ? AND status = ?`,
		u.userID, statusOpen)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	results := make([]broker.OrderResult, 0, len(ids))
	for _, id := range ids {
		res, err := u.engine.cancelOrder(ctx, u.userID, id)
		if err != nil {
			// Raced with a fill; the order is no longer open.
			continue
		}
		results = append(results, *res)
	}
	return results, nil
}

func scanOrder(scan func(...any) error) (*broker.Order, error) {
	var o broker.Order
	var priceS, triggerS, createdS string
	if err := scan(&o.OrderID, &o.Symbol, &o.Exchange, &o.Action, &o.Quantity,
		&priceS, &triggerS, &o.PriceType, &o.Product, &o.OrderStatus, &createdS); err != nil {
		return nil, err
	}
	if d, err := decimal.NewFromString(priceS); err == nil {
		o.Price, _ = d.Float64()
	}
	if d, err := decimal.NewFromString(triggerS); err == nil {
		o.TriggerPrice, _ = d.Float64()
	}
	o.Timestamp, _ = time.Parse(time.RFC3339, createdS)
	return &o, nil
}

const orderColumns = `order_id, symbol, exchange, action, quantity,
	price, trigger_price, price_type, product, status, created_at`

func (u *userAPI) Orderbook(ctx context.Context) ([]broker.Order, error) {
	rows, err := u.engine.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM sandbox_orders WHERE user_id = ? ORDER BY created_at DESC`,
		u.userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []broker.Order
	for rows.Next() {
		o, err := scanOrder(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func (u *userAPI) OrderStatus(ctx context.Context, orderID string) (*broker.Order, error) {
	row := u.engine.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM sandbox_orders WHERE user_id = ? AND order_id = ?`,
		u.userID, orderID)
	o, err := scanOrder(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	return o, err
}

func (u *userAPI) Tradebook(ctx context.Context) ([]broker.TradeFill, error) {
	rows, err := u.engine.db.QueryContext(ctx,
		`SELECT trade_id, order_id, symbol, exchange, action, quantity, price, product, traded_at
		 FROM sandbox_trades WHERE user_id = ? ORDER BY traded_at DESC`, u.userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []broker.TradeFill
	for rows.Next() {
		var t broker.TradeFill
		var priceS, tradedS string
		if err := rows.Scan(&t.TradeID, &t.OrderID, &t.Symbol, &t.Exchange, &t.Action,
			&t.Quantity, &priceS, &t.Product, &tradedS); err != nil {
			return nil, err
		}
		if d, err := decimal.NewFromString(priceS); err == nil {
			t.Price, _ = d.Float64()
		}
		t.Timestamp, _ = time.Parse(time.RFC3339, tradedS)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (u *userAPI) Positions(ctx context.Context) ([]broker.Position, error) {
	rows, err := u.engine.db.QueryContext(ctx,
		`SELECT symbol, exchange, product, quantity, avg_price, realized_pnl, multiplier
		 FROM sandbox_positions WHERE user_id = ?`, u.userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []broker.Position
	for rows.Next() {
		var p broker.Position
		var avgS, pnlS string
		var mult int64
		if err := rows.Scan(&p.Symbol, &p.Exchange, &p.Product, &p.Quantity, &avgS, &pnlS, &mult); err != nil {
			return nil, err
		}
		avg, err := decimal.NewFromString(avgS)
		if err != nil {
			return nil, err
		}
		realized, err := decimal.NewFromString(pnlS)
		if err != nil {
			return nil, err
		}
		p.AvgPrice, _ = avg.Float64()
		p.PnL, _ = realized.Float64()
		if p.Quantity != 0 {
			if ltp, err := u.engine.ltp(ctx, p.Symbol, p.Exchange); err == nil {
				p.LTP, _ = ltp.Float64()
				unrealized := ltp.Sub(avg).
					Mul(decimal.NewFromInt(int64(p.Quantity))).
					Mul(decimal.NewFromInt(mult))
				mtm, _ := unrealized.Float64()
				p.PnL += mtm
			}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (u *userAPI) Holdings(ctx context.Context) ([]broker.Holding, error) {
	rows, err := u.engine.db.QueryContext(ctx,
		`SELECT symbol, exchange, quantity, avg_price FROM sandbox_holdings WHERE user_id = ?`,
		u.userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []broker.Holding
	for rows.Next() {
		var h broker.Holding
		var avgS string
		if err := rows.Scan(&h.Symbol, &h.Exchange, &h.Quantity, &avgS); err != nil {
			return nil, err
		}
		avg, err := decimal.NewFromString(avgS)
		if err != nil {
			return nil, err
		}
		h.AvgPrice, _ = avg.Float64()
		if ltp, err := u.engine.ltp(ctx, h.Symbol, h.Exchange); err == nil {
			h.LTP, _ = ltp.Float64()
			h.PnL = (h.LTP - h.AvgPrice) * float64(h.Quantity)
			if h.AvgPrice > 0 {
				h.PnLPercent = (h.LTP - h.AvgPrice) / h.AvgPrice * 100
			}
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (u *userAPI) Funds(ctx context.Context) (*broker.Funds, error) {
	tx, err := u.engine.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	f, err := u.engine.loadFunds(tx, u.userID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	out := &broker.Funds{}
	out.AvailableCash, _ = f.available.Float64()
	out.UtilizedDebits, _ = f.used.Float64()
	out.M2MRealized, _ = f.realized.Float64()
	return out, nil
}
