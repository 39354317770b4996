// Package sandbox is a self-contained paper-trading simulator. It keeps its
// own store, blocks margin against virtual funds, and fills resting orders
// from live quotes on a background loop. Live broker order paths are never
// touched; quotes are the only read-only dependency on real adapters.
package sandbox

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tradegate/internal/broker"
	"tradegate/internal/metrics"
	"tradegate/internal/schedule"
	"tradegate/internal/symbols"
)

// QuoteSource provides live snapshots for fills and margin pricing.
type QuoteSource interface {
	Quote(ctx context.Context, symbol, exchange string) (*broker.Quote, error)
}

// SymbolSource resolves canonical symbols to contract metadata.
type SymbolSource interface {
	Lookup(exchange, symbol string) (*symbols.Instrument, error)
}

// Engine runs the simulator over its own database.
type Engine struct {
	db      *sql.DB
	symbols SymbolSource
	quotes  QuoteSource
	loc     *time.Location
	log     zerolog.Logger

	cfgMu sync.RWMutex
	cfg   *Config

	schedMu sync.Mutex
	sched   *schedule.Scheduler
	jobIDs  []cron.EntryID
}

// New loads (seeding if empty) the config table and returns a ready engine.
// The caller must have migrated Schema onto db.
func New(ctx context.Context, db *sql.DB, syms SymbolSource, quotes QuoteSource,
	loc *time.Location, log zerolog.Logger) (*Engine, error) {
	cfg, err := loadConfig(ctx, db)
	if err != nil {
		return nil, err
	}
	return &Engine{
		db:      db,
		symbols: syms,
		quotes:  quotes,
		loc:     loc,
		log:     log.With().Str("component", "sandbox").Logger(),
		cfg:     cfg,
	}, nil
}

func (e *Engine) config() *Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

// ForUser returns the order surface bound to one sandbox account.
func (e *Engine) ForUser(userID string) broker.OrderAPI {
	return &userAPI{engine: e, userID: userID}
}

// Run drives the execution loop until ctx is cancelled. The loop period
// follows config reloads without restarting.
func (e *Engine) Run(ctx context.Context) {
	timer := time.NewTimer(e.config().ExecutionInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if err := e.sweep(ctx); err != nil {
				e.log.Error().Err(err).Msg("execution sweep failed")
			}
			timer.Reset(e.config().ExecutionInterval)
		}
	}
}

// order is the persisted sandbox order row.
type order struct {
	ID         string
	UserID     string
	Symbol     string
	Exchange   string
	Action     string
	Quantity   int
	PriceType  string
	Product    string
	Price      decimal.Decimal
	Trigger    decimal.Decimal
	Status     string
	FilledQty  int
	AvgPrice   decimal.Decimal
	Margin     decimal.Decimal
	Basis      decimal.Decimal
	Multiplier int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

const (
	statusOpen      = "OPEN"
	statusComplete  = "COMPLETE"
	statusCancelled = "CANCELLED"
	statusRejected  = "REJECTED"
)

// funds is one account's margin ledger. The invariant
// available + used = capital + realized holds across every mutation.
type funds struct {
	capital    decimal.Decimal
	available  decimal.Decimal
	used       decimal.Decimal
	realized   decimal.Decimal
	resetCount int
}

func nowUTC() string { return time.Now().UTC().Format(time.RFC3339) }

// loadFunds reads the account row inside tx, seeding a fresh account with
// the configured starting capital.
func (e *Engine) loadFunds(tx *sql.Tx, userID string) (*funds, error) {
	row := tx.QueryRow(`SELECT capital, available, used_margin, realized_pnl, reset_count
		FROM sandbox_funds WHERE user_id = ?`, userID)
	var capitalS, availS, usedS, pnlS string
	f := &funds{}
	err := row.Scan(&capitalS, &availS, &usedS, &pnlS, &f.resetCount)
	if err == sql.ErrNoRows {
		seed := e.config().StartingCapital
		if _, err := tx.Exec(`INSERT INTO sandbox_funds
			(user_id, capital, available, used_margin, realized_pnl, reset_count, updated_at)
			VALUES (?, ?, ?, '0', '0', 0, ?)`,
			userID, seed.String(), seed.String(), nowUTC()); err != nil {
			return nil, fmt.Errorf("failed to seed sandbox funds: %w", err)
		}
		return &funds{capital: seed, available: seed, used: decimal.Zero, realized: decimal.Zero}, nil
	}
	if err != nil {
		return nil, err
	}
	fields := []struct {
		raw string
		dst *decimal.Decimal
	}{
		{capitalS, &f.capital}, {availS, &f.available}, {usedS, &f.used}, {pnlS, &f.realized},
	}
	for _, fld := range fields {
		d, err := decimal.NewFromString(fld.raw)
		if err != nil {
			return nil, fmt.Errorf("corrupt sandbox funds row for %s: %w", userID, err)
		}
		*fld.dst = d
	}
	return f, nil
}

func saveFunds(tx *sql.Tx, userID string, f *funds) error {
	_, err := tx.Exec(`UPDATE sandbox_funds
		SET capital = ?, available = ?, used_margin = ?, realized_pnl = ?, reset_count = ?, updated_at = ?
		WHERE user_id = ?`,
		f.capital.String(), f.available.String(), f.used.String(), f.realized.String(),
		f.resetCount, nowUTC(), userID)
	return err
}

// ltp fetches the live touch for an instrument.
func (e *Engine) ltp(ctx context.Context, symbol, exchange string) (decimal.Decimal, error) {
	q, err := e.quotes.Quote(ctx, symbol, exchange)
	if err != nil {
		return decimal.Zero, fmt.Errorf("quote unavailable for %s:%s: %w", exchange, symbol, err)
	}
	return decimal.NewFromFloat(q.LTP), nil
}

// underlyingExchange maps a derivatives segment to its cash segment.
func underlyingExchange(exchange string) string {
	switch exchange {
	case "NFO":
		return "NSE"
	case "BFO":
		return "BSE"
	default:
		return exchange
	}
}

// underlyingLTP prices the underlying for short-option margin. When the
// cash quote is unavailable the strike stands in, which keeps placement
// deterministic during market closes.
func (e *Engine) underlyingLTP(ctx context.Context, inst *symbols.Instrument) decimal.Decimal {
	if q, err := e.quotes.Quote(ctx, inst.Name, underlyingExchange(inst.Exchange)); err == nil && q.LTP > 0 {
		return decimal.NewFromFloat(q.LTP)
	}
	return decimal.NewFromFloat(inst.Strike)
}

// placeOrder validates, blocks margin, and persists the order. Market
// orders execute immediately at the live touch.
func (e *Engine) placeOrder(ctx context.Context, userID string, req *broker.OrderRequest) (*broker.OrderResult, error) {
	if err := broker.ValidOrder(req); err != nil {
		return nil, err
	}
	inst, err := e.symbols.Lookup(req.Exchange, req.Symbol)
	if err != nil {
		return nil, err
	}
	ltp, err := e.ltp(ctx, req.Symbol, req.Exchange)
	if err != nil {
		return nil, err
	}
	var underlying decimal.Decimal
	if (inst.InstrumentType == "CE" || inst.InstrumentType == "PE") && req.Action == broker.ActionSell {
		underlying = e.underlyingLTP(ctx, inst)
	}
	cfg := e.config()
	margin := marginRequired(cfg, inst, req, ltp, underlying)

	// The margin basis lets a fill re-mark price-linear margin to the fill
	// price. Short-option margin tracks the underlying, not the premium, so
	// it carries no basis.
	basis := marginPrice(req, ltp)
	switch {
	case inst.InstrumentType == "FUT":
		basis = ltp
	case (inst.InstrumentType == "CE" || inst.InstrumentType == "PE") && req.Action == broker.ActionSell:
		basis = decimal.Zero
	}

	o := &order{
		ID:         uuid.NewString(),
		UserID:     userID,
		Symbol:     req.Symbol,
		Exchange:   req.Exchange,
		Action:     req.Action,
		Quantity:   req.Quantity,
		PriceType:  req.PriceType,
		Product:    req.Product,
		Price:      decimal.NewFromFloat(req.Price),
		Trigger:    decimal.NewFromFloat(req.TriggerPrice),
		Status:     statusOpen,
		Margin:     margin,
		Basis:      basis,
		Multiplier: contractMultiplier(inst),
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	f, err := e.loadFunds(tx, userID)
	if err != nil {
		return nil, err
	}
	if f.available.LessThan(margin) {
		return nil, fmt.Errorf("%w: margin required %s, available %s",
			ErrInsufficientFunds, margin.StringFixed(2), f.available.StringFixed(2))
	}
	f.available = f.available.Sub(margin)
	f.used = f.used.Add(margin)
	if err := saveFunds(tx, userID, f); err != nil {
		return nil, err
	}

	now := nowUTC()
	if _, err := tx.Exec(`INSERT INTO sandbox_orders
		(order_id, user_id, symbol, exchange, action, quantity, price_type, product,
		 price, trigger_price, status, margin_blocked, margin_basis, multiplier, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.UserID, o.Symbol, o.Exchange, o.Action, o.Quantity, o.PriceType, o.Product,
		o.Price.String(), o.Trigger.String(), o.Status, o.Margin.String(), o.Basis.String(),
		o.Multiplier, now, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	metrics.SandboxOpenOrders.Inc()

	if o.PriceType == broker.PriceTypeMarket {
		if err := e.fill(ctx, o, ltp); err != nil {
			e.log.Error().Err(err).Str("order_id", o.ID).Msg("immediate fill failed")
		}
	}
	return &broker.OrderResult{OrderID: o.ID, Status: "success"}, nil
}

// fill executes one full fill at price: trade row, position update, realized
// P&L for the reducing part, margin release, order completion. All in one
// transaction.
func (e *Engine) fill(ctx context.Context, o *order, price decimal.Decimal) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`UPDATE sandbox_orders
		SET status = ?, filled_quantity = quantity, average_price = ?, updated_at = ?
		WHERE order_id = ? AND status = ?`,
		statusComplete, price.String(), nowUTC(), o.ID, statusOpen)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrOrderNotFound
	}

	if _, err := tx.Exec(`INSERT INTO sandbox_trades
		(trade_id, order_id, user_id, symbol, exchange, action, quantity, price, product, traded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), o.ID, o.UserID, o.Symbol, o.Exchange, o.Action,
		o.Quantity, price.String(), o.Product, nowUTC()); err != nil {
		return err
	}

	if err := e.bookFill(tx, o, price); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	metrics.SandboxOpenOrders.Dec()
	metrics.SandboxFills.WithLabelValues(o.PriceType).Inc()
	e.log.Info().Str("order_id", o.ID).Str("symbol", o.Symbol).
		Str("price", price.String()).Int("quantity", o.Quantity).Msg("order filled")
	return nil
}

// position is the persisted net position row.
type position struct {
	Quantity   int
	AvgPrice   decimal.Decimal
	Realized   decimal.Decimal
	Margin     decimal.Decimal
	Multiplier int64
}

func (e *Engine) loadPosition(tx *sql.Tx, userID, symbol, exchange, product string) (*position, error) {
	row := tx.QueryRow(`SELECT quantity, avg_price, realized_pnl, margin_blocked, multiplier
		FROM sandbox_positions WHERE user_id = ? AND symbol = ? AND exchange = ? AND product = ?`,
		userID, symbol, exchange, product)
	var avgS, pnlS, marginS string
	p := &position{Multiplier: 1}
	err := row.Scan(&p.Quantity, &avgS, &pnlS, &marginS, &p.Multiplier)
	if err == sql.ErrNoRows {
		return &position{AvgPrice: decimal.Zero, Realized: decimal.Zero, Margin: decimal.Zero, Multiplier: 1}, nil
	}
	if err != nil {
		return nil, err
	}
	if p.AvgPrice, err = decimal.NewFromString(avgS); err != nil {
		return nil, err
	}
	if p.Realized, err = decimal.NewFromString(pnlS); err != nil {
		return nil, err
	}
	if p.Margin, err = decimal.NewFromString(marginS); err != nil {
		return nil, err
	}
	return p, nil
}

func savePosition(tx *sql.Tx, userID, symbol, exchange, product string, p *position) error {
	_, err := tx.Exec(`INSERT INTO sandbox_positions
		(user_id, symbol, exchange, product, quantity, avg_price, realized_pnl, margin_blocked, multiplier, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, symbol, exchange, product) DO UPDATE SET
			quantity = excluded.quantity, avg_price = excluded.avg_price,
			realized_pnl = excluded.realized_pnl, margin_blocked = excluded.margin_blocked,
			multiplier = excluded.multiplier, updated_at = excluded.updated_at`,
		userID, symbol, exchange, product, p.Quantity, p.AvgPrice.String(),
		p.Realized.String(), p.Margin.String(), p.Multiplier, nowUTC())
	return err
}

func absInt(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// bookFill applies one fill to the position and funds ledgers.
//
// Increasing fills fold the trade into the weighted average and leave the
// order's margin blocked against the position. Reducing fills realize P&L
// on the closed quantity, credit it to available, release the closed share
// of the position's margin, and refund the reducing order's own block. A
// reversal keeps the residual share of the order's margin for the new side
// and re-marks the average at the trade price.
func (e *Engine) bookFill(tx *sql.Tx, o *order, price decimal.Decimal) error {
	f, err := e.loadFunds(tx, o.UserID)
	if err != nil {
		return err
	}
	p, err := e.loadPosition(tx, o.UserID, o.Symbol, o.Exchange, o.Product)
	if err != nil {
		return err
	}

	signed := o.Quantity
	if o.Action == broker.ActionSell {
		signed = -o.Quantity
	}
	cur := p.Quantity
	mult := decimal.NewFromInt(o.Multiplier)

	if cur == 0 || (cur > 0) == (signed > 0) {
		if o.Basis.Sign() > 0 && !price.Equal(o.Basis) {
			adjusted := o.Margin.Mul(price).Div(o.Basis)
			delta := adjusted.Sub(o.Margin)
			f.available = f.available.Sub(delta)
			f.used = f.used.Add(delta)
			o.Margin = adjusted
			if _, err := tx.Exec(`UPDATE sandbox_orders SET margin_blocked = ? WHERE order_id = ?`,
				o.Margin.String(), o.ID); err != nil {
				return err
			}
		}
		curAbs := decimal.NewFromInt(int64(absInt(cur)))
		qty := decimal.NewFromInt(int64(o.Quantity))
		total := curAbs.Add(qty)
		p.AvgPrice = curAbs.Mul(p.AvgPrice).Add(qty.Mul(price)).Div(total)
		p.Quantity = cur + signed
		p.Margin = p.Margin.Add(o.Margin)
		p.Multiplier = o.Multiplier
	} else {
		closed := minInt(absInt(cur), o.Quantity)
		closedD := decimal.NewFromInt(int64(closed))
		perUnit := price.Sub(p.AvgPrice)
		if cur < 0 {
			perUnit = p.AvgPrice.Sub(price)
		}
		pnl := perUnit.Mul(closedD).Mul(mult)
		p.Realized = p.Realized.Add(pnl)
		f.realized = f.realized.Add(pnl)
		f.available = f.available.Add(pnl)

		release := p.Margin.Mul(closedD).Div(decimal.NewFromInt(int64(absInt(cur))))
		p.Margin = p.Margin.Sub(release)
		f.available = f.available.Add(release)
		f.used = f.used.Sub(release)

		refund := o.Margin
		residual := o.Quantity - closed
		if residual > 0 {
			keep := o.Margin.Mul(decimal.NewFromInt(int64(residual))).Div(decimal.NewFromInt(int64(o.Quantity)))
			refund = o.Margin.Sub(keep)
			p.Margin = p.Margin.Add(keep)
			p.AvgPrice = price
		}
		f.available = f.available.Add(refund)
		f.used = f.used.Sub(refund)
		p.Quantity = cur + signed
	}

	if err := savePosition(tx, o.UserID, o.Symbol, o.Exchange, o.Product, p); err != nil {
		return err
	}
	return saveFunds(tx, o.UserID, f)
}

// cancelOrder cancels one OPEN order and refunds its margin.
func (e *Engine) cancelOrder(ctx context.Context, userID, orderID string) (*broker.OrderResult, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if err := e.cancelInTx(tx, userID, orderID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	metrics.SandboxOpenOrders.Dec()
	return &broker.OrderResult{OrderID: orderID, Status: "cancelled"}, nil
}

func (e *Engine) cancelInTx(tx *sql.Tx, userID, orderID string) error {
	row := tx.QueryRow(`SELECT margin_blocked FROM sandbox_orders
		WHERE order_id = ? AND user_id = ? AND status = ?`, orderID, userID, statusOpen)
	var marginS string
	if err := row.Scan(&marginS); err != nil {
		if err == sql.ErrNoRows {
			return ErrOrderNotFound
		}
		return err
	}
	margin, err := decimal.NewFromString(marginS)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE sandbox_orders SET status = ?, updated_at = ? WHERE order_id = ?`,
		statusCancelled, nowUTC(), orderID); err != nil {
		return err
	}
	f, err := e.loadFunds(tx, userID)
	if err != nil {
		return err
	}
	f.available = f.available.Add(margin)
	f.used = f.used.Sub(margin)
	return saveFunds(tx, userID, f)
}

// modifyOrder reprices an OPEN order, adjusting the blocked margin to the
// new price, trigger, and quantity.
func (e *Engine) modifyOrder(ctx context.Context, userID string, req *broker.ModifyRequest) (*broker.OrderResult, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRow(`SELECT symbol, exchange, action, quantity, price_type, product, margin_blocked, multiplier
		FROM sandbox_orders WHERE order_id = ? AND user_id = ? AND status = ?`,
		req.OrderID, userID, statusOpen)
	o := &order{ID: req.OrderID, UserID: userID}
	var marginS string
	if err := row.Scan(&o.Symbol, &o.Exchange, &o.Action, &o.Quantity, &o.PriceType, &o.Product, &marginS, &o.Multiplier); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	oldMargin, err := decimal.NewFromString(marginS)
	if err != nil {
		return nil, err
	}

	if req.Quantity > 0 {
		o.Quantity = req.Quantity
	}
	if req.PriceType != "" {
		o.PriceType = req.PriceType
	}
	inst, err := e.symbols.Lookup(o.Exchange, o.Symbol)
	if err != nil {
		return nil, err
	}
	ltp, err := e.ltp(ctx, o.Symbol, o.Exchange)
	if err != nil {
		return nil, err
	}
	var underlying decimal.Decimal
	if (inst.InstrumentType == "CE" || inst.InstrumentType == "PE") && o.Action == broker.ActionSell {
		underlying = e.underlyingLTP(ctx, inst)
	}
	newReq := &broker.OrderRequest{
		Symbol: o.Symbol, Exchange: o.Exchange, Action: o.Action, Quantity: o.Quantity,
		PriceType: o.PriceType, Product: o.Product, Price: req.Price, TriggerPrice: req.TriggerPrice,
	}
	newMargin := marginRequired(e.config(), inst, newReq, ltp, underlying)
	newBasis := marginPrice(newReq, ltp)
	switch {
	case inst.InstrumentType == "FUT":
		newBasis = ltp
	case (inst.InstrumentType == "CE" || inst.InstrumentType == "PE") && o.Action == broker.ActionSell:
		newBasis = decimal.Zero
	}

	f, err := e.loadFunds(tx, userID)
	if err != nil {
		return nil, err
	}
	delta := newMargin.Sub(oldMargin)
	if delta.Sign() > 0 && f.available.LessThan(delta) {
		return nil, fmt.Errorf("%w: additional margin required %s, available %s",
			ErrInsufficientFunds, delta.StringFixed(2), f.available.StringFixed(2))
	}
	f.available = f.available.Sub(delta)
	f.used = f.used.Add(delta)
	if err := saveFunds(tx, userID, f); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(`UPDATE sandbox_orders
		SET quantity = ?, price_type = ?, price = ?, trigger_price = ?,
		    margin_blocked = ?, margin_basis = ?, updated_at = ?
		WHERE order_id = ?`,
		o.Quantity, o.PriceType,
		decimal.NewFromFloat(req.Price).String(), decimal.NewFromFloat(req.TriggerPrice).String(),
		newMargin.String(), newBasis.String(), nowUTC(), req.OrderID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &broker.OrderResult{OrderID: req.OrderID, Status: "success"}, nil
}

// sweep is one pass of the execution loop: batch quotes per instrument,
// fire resting orders whose trigger condition holds, respecting the
// per-second fill budget.
func (e *Engine) sweep(ctx context.Context) error {
	rows, err := e.db.QueryContext(ctx, `SELECT order_id, user_id, symbol, exchange, action,
		quantity, price_type, product, price, trigger_price, margin_blocked, margin_basis, multiplier
		FROM sandbox_orders WHERE status = ? ORDER BY created_at`, statusOpen)
	if err != nil {
		return err
	}
	var open []*order
	for rows.Next() {
		o := &order{Status: statusOpen}
		var priceS, triggerS, marginS, basisS string
		if err := rows.Scan(&o.ID, &o.UserID, &o.Symbol, &o.Exchange, &o.Action,
			&o.Quantity, &o.PriceType, &o.Product, &priceS, &triggerS, &marginS, &basisS, &o.Multiplier); err != nil {
			rows.Close()
			return err
		}
		if o.Price, err = decimal.NewFromString(priceS); err != nil {
			rows.Close()
			return err
		}
		if o.Trigger, err = decimal.NewFromString(triggerS); err != nil {
			rows.Close()
			return err
		}
		if o.Margin, err = decimal.NewFromString(marginS); err != nil {
			rows.Close()
			return err
		}
		if o.Basis, err = decimal.NewFromString(basisS); err != nil {
			rows.Close()
			return err
		}
		open = append(open, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	quotes := map[string]decimal.Decimal{}
	budget := e.config().OrderRateLimit
	for _, o := range open {
		if budget <= 0 {
			break
		}
		key := o.Exchange + "|" + o.Symbol
		ltp, ok := quotes[key]
		if !ok {
			ltp, err = e.ltp(ctx, o.Symbol, o.Exchange)
			if err != nil {
				e.log.Warn().Err(err).Str("symbol", o.Symbol).Str("exchange", o.Exchange).
					Msg("skipping orders without a quote")
				quotes[key] = decimal.Zero
				continue
			}
			quotes[key] = ltp
		}
		if ltp.Sign() <= 0 {
			continue
		}
		if !triggered(o.PriceType, o.Action, o.Price, o.Trigger, ltp) {
			continue
		}
		if err := e.fill(ctx, o, ltp); err != nil {
			e.log.Error().Err(err).Str("order_id", o.ID).Msg("fill failed")
			continue
		}
		budget--
	}
	return nil
}
