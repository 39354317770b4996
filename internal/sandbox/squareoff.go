package sandbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradegate/internal/broker"
	"tradegate/internal/metrics"
	"tradegate/internal/schedule"
)

// squareOffGroup ties a set of exchanges to one configured cutoff.
type squareOffGroup struct {
	name      string
	exchanges []string
	clock     func(*Config) string
}

var squareOffGroups = []squareOffGroup{
	{"NSE_BSE", []string{"NSE", "BSE", "NFO", "BFO"}, func(c *Config) string { return c.SquareOffNSEBSE }},
	{"CDS_BCD", []string{"CDS", "BCD"}, func(c *Config) string { return c.SquareOffCDSBCD }},
	{"MCX", []string{"MCX"}, func(c *Config) string { return c.SquareOffMCX }},
	{"NCDEX", []string{"NCDEX"}, func(c *Config) string { return c.SquareOffNCDEX }},
}

// Schedule installs the recurring jobs: per-group MIS square-off, the
// weekly fund reset, and the daily T+1 settlement. Calling it again (after
// a config reload) swaps the previous entries out.
func (e *Engine) Schedule(sched *schedule.Scheduler) error {
	e.schedMu.Lock()
	defer e.schedMu.Unlock()
	e.sched = sched
	for _, id := range e.jobIDs {
		sched.Remove(id)
	}
	e.jobIDs = e.jobIDs[:0]

	cfg := e.config()
	for _, g := range squareOffGroups {
		g := g
		id, err := sched.AddJob(cronAt(g.clock(cfg)), schedule.NewJob(
			"sandbox_square_off_"+g.name, func() error {
				return e.SquareOff(context.Background(), g.exchanges)
			}))
		if err != nil {
			return fmt.Errorf("failed to schedule %s square-off: %w", g.name, err)
		}
		e.jobIDs = append(e.jobIDs, id)
	}

	id, err := sched.AddJob(cronWeekly(cfg.ResetDay, cfg.ResetTime), schedule.NewJob(
		"sandbox_fund_reset", func() error {
			return e.ResetFunds(context.Background())
		}))
	if err != nil {
		return fmt.Errorf("failed to schedule fund reset: %w", err)
	}
	e.jobIDs = append(e.jobIDs, id)

	id, err = sched.AddJob(cronAt(cfg.SettlementTime), schedule.NewJob(
		"sandbox_cnc_settlement", func() error {
			return e.SettleCNC(context.Background())
		}))
	if err != nil {
		return fmt.Errorf("failed to schedule settlement: %w", err)
	}
	e.jobIDs = append(e.jobIDs, id)
	return nil
}

// ReloadConfig re-reads the config table and reinstalls the scheduled jobs
// so square-off time changes take effect without a restart.
func (e *Engine) ReloadConfig(ctx context.Context) error {
	cfg, err := loadConfig(ctx, e.db)
	if err != nil {
		return err
	}
	e.cfgMu.Lock()
	e.cfg = cfg
	e.cfgMu.Unlock()

	e.schedMu.Lock()
	sched := e.sched
	e.schedMu.Unlock()
	if sched != nil {
		return e.Schedule(sched)
	}
	return nil
}

// SetConfigValue updates one config key and hot-reloads.
func (e *Engine) SetConfigValue(ctx context.Context, key, value string) error {
	if _, ok := defaults()[key]; !ok {
		return fmt.Errorf("unknown sandbox config key %q", key)
	}
	if _, err := e.db.ExecContext(ctx,
		`INSERT INTO sandbox_config (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value); err != nil {
		return err
	}
	return e.ReloadConfig(ctx)
}

// SquareOff cancels OPEN MIS orders on the given exchanges and flattens
// every non-zero MIS position at the current LTP.
func (e *Engine) SquareOff(ctx context.Context, exchanges []string) error {
	in, args := placeholders(exchanges)

	rows, err := e.db.QueryContext(ctx, `SELECT order_id, user_id FROM sandbox_orders
		WHERE status = ? AND product = ? AND exchange IN (`+in+`)`,
		append([]any{statusOpen, broker.ProductMIS}, args...)...)
	if err != nil {
		return err
	}
	type openOrder struct{ id, userID string }
	var orders []openOrder
	for rows.Next() {
		var o openOrder
		if err := rows.Scan(&o.id, &o.userID); err != nil {
			rows.Close()
			return err
		}
		orders = append(orders, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, o := range orders {
		if _, err := e.cancelOrder(ctx, o.userID, o.id); err != nil {
			e.log.Error().Err(err).Str("order_id", o.id).Msg("square-off cancel failed")
		}
	}

	type openPos struct {
		userID, symbol, exchange string
		quantity                 int
		multiplier               int64
	}
	rows, err = e.db.QueryContext(ctx, `SELECT user_id, symbol, exchange, quantity, multiplier
		FROM sandbox_positions
		WHERE product = ? AND quantity != 0 AND exchange IN (`+in+`)`,
		append([]any{broker.ProductMIS}, args...)...)
	if err != nil {
		return err
	}
	var positions []openPos
	for rows.Next() {
		var p openPos
		if err := rows.Scan(&p.userID, &p.symbol, &p.exchange, &p.quantity, &p.multiplier); err != nil {
			rows.Close()
			return err
		}
		positions = append(positions, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, p := range positions {
		ltp, err := e.ltp(ctx, p.symbol, p.exchange)
		if err != nil {
			e.log.Error().Err(err).Str("symbol", p.symbol).Msg("square-off skipped, no quote")
			continue
		}
		if err := e.flattenMIS(ctx, p.userID, p.symbol, p.exchange, p.quantity, p.multiplier, ltp); err != nil {
			e.log.Error().Err(err).Str("symbol", p.symbol).Str("user_id", p.userID).
				Msg("square-off failed")
			continue
		}
		metrics.SandboxSquareOffs.WithLabelValues(p.exchange).Inc()
		e.log.Info().Str("symbol", p.symbol).Str("user_id", p.userID).
			Int("quantity", p.quantity).Msg("position squared off")
	}
	return nil
}

// flattenMIS books a reverse fill for the whole MIS position. The synthetic
// order carries zero margin of its own, so the reducing path releases the
// position's blocked margin and realizes P&L exactly as a client-placed
// reverse market order would.
func (e *Engine) flattenMIS(ctx context.Context, userID, symbol, exchange string,
	quantity int, multiplier int64, ltp decimal.Decimal) error {
	action := broker.ActionSell
	if quantity < 0 {
		action = broker.ActionBuy
	}
	o := &order{
		ID:         uuid.NewString(),
		UserID:     userID,
		Symbol:     symbol,
		Exchange:   exchange,
		Action:     action,
		Quantity:   absInt(quantity),
		PriceType:  broker.PriceTypeMarket,
		Product:    broker.ProductMIS,
		Status:     statusComplete,
		Margin:     decimal.Zero,
		Multiplier: multiplier,
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := nowUTC()
	if _, err := tx.Exec(`INSERT INTO sandbox_orders
		(order_id, user_id, symbol, exchange, action, quantity, price_type, product,
		 price, trigger_price, status, filled_quantity, average_price, margin_blocked,
		 multiplier, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, '0', '0', ?, ?, ?, '0', ?, ?, ?)`,
		o.ID, o.UserID, o.Symbol, o.Exchange, o.Action, o.Quantity, o.PriceType, o.Product,
		o.Status, o.Quantity, ltp.String(), o.Multiplier, now, now); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT INTO sandbox_trades
		(trade_id, order_id, user_id, symbol, exchange, action, quantity, price, product, traded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), o.ID, o.UserID, o.Symbol, o.Exchange, o.Action,
		o.Quantity, ltp.String(), o.Product, now); err != nil {
		return err
	}
	if err := e.bookFill(tx, o, ltp); err != nil {
		return err
	}
	return tx.Commit()
}

// ResetFunds restores every account to the seed capital and bumps the
// reset counter.
func (e *Engine) ResetFunds(ctx context.Context) error {
	seed := e.config().StartingCapital.String()
	res, err := e.db.ExecContext(ctx, `UPDATE sandbox_funds
		SET capital = ?, available = ?, used_margin = '0', realized_pnl = '0',
		    reset_count = reset_count + 1, updated_at = ?`,
		seed, seed, nowUTC())
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	e.log.Info().Int64("accounts", n).Msg("sandbox funds reset")
	return nil
}

// SettleCNC moves long CNC positions last touched before today into
// holdings. Blocked margin transfers with them, so the funds ledger is
// unchanged by settlement.
func (e *Engine) SettleCNC(ctx context.Context) error {
	today := time.Now().In(e.loc).Format("2006-01-02")

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT user_id, symbol, exchange, quantity, avg_price, margin_blocked
		FROM sandbox_positions
		WHERE product = ? AND quantity > 0 AND substr(updated_at, 1, 10) < ?`,
		broker.ProductCNC, today)
	if err != nil {
		return err
	}
	type settled struct {
		userID, symbol, exchange string
		quantity                 int
		avg, margin              decimal.Decimal
	}
	var batch []settled
	for rows.Next() {
		var s settled
		var avgS, marginS string
		if err := rows.Scan(&s.userID, &s.symbol, &s.exchange, &s.quantity, &avgS, &marginS); err != nil {
			rows.Close()
			return err
		}
		if s.avg, err = decimal.NewFromString(avgS); err != nil {
			rows.Close()
			return err
		}
		if s.margin, err = decimal.NewFromString(marginS); err != nil {
			rows.Close()
			return err
		}
		batch = append(batch, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, s := range batch {
		if err := mergeHolding(tx, s.userID, s.symbol, s.exchange, s.quantity, s.avg, s.margin); err != nil {
			return err
		}
		if _, err := tx.Exec(`UPDATE sandbox_positions
			SET quantity = 0, margin_blocked = '0', updated_at = ?
			WHERE user_id = ? AND symbol = ? AND exchange = ? AND product = ?`,
			nowUTC(), s.userID, s.symbol, s.exchange, broker.ProductCNC); err != nil {
			return err
		}
		e.log.Info().Str("symbol", s.symbol).Str("user_id", s.userID).
			Int("quantity", s.quantity).Msg("CNC position settled to holdings")
	}
	return tx.Commit()
}

// mergeHolding folds settled quantity into an existing holding at a
// weighted average.
func mergeHolding(tx *sql.Tx, userID, symbol, exchange string, qty int, avg, margin decimal.Decimal) error {
	row := tx.QueryRow(`SELECT quantity, avg_price, margin_blocked FROM sandbox_holdings
		WHERE user_id = ? AND symbol = ? AND exchange = ?`, userID, symbol, exchange)
	var curQty int
	var curAvgS, curMarginS string
	err := row.Scan(&curQty, &curAvgS, &curMarginS)
	if err == sql.ErrNoRows {
		_, err := tx.Exec(`INSERT INTO sandbox_holdings
			(user_id, symbol, exchange, quantity, avg_price, margin_blocked, settled_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			userID, symbol, exchange, qty, avg.String(), margin.String(), nowUTC())
		return err
	}
	if err != nil {
		return err
	}
	curAvg, err := decimal.NewFromString(curAvgS)
	if err != nil {
		return err
	}
	curMargin, err := decimal.NewFromString(curMarginS)
	if err != nil {
		return err
	}
	total := decimal.NewFromInt(int64(curQty + qty))
	newAvg := decimal.NewFromInt(int64(curQty)).Mul(curAvg).
		Add(decimal.NewFromInt(int64(qty)).Mul(avg)).Div(total)
	_, err = tx.Exec(`UPDATE sandbox_holdings
		SET quantity = ?, avg_price = ?, margin_blocked = ?, settled_at = ?
		WHERE user_id = ? AND symbol = ? AND exchange = ?`,
		curQty+qty, newAvg.String(), curMargin.Add(margin).String(), nowUTC(),
		userID, symbol, exchange)
	return err
}

func placeholders(values []string) (string, []any) {
	in := ""
	args := make([]any, 0, len(values))
	for i, v := range values {
		if i > 0 {
			in += ", "
		}
		in += "?"
		args = append(args, v)
	}
	return in, args
}
