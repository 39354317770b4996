package sandbox

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradegate/internal/broker"
	"tradegate/internal/store"
	"tradegate/internal/symbols"
)

type stubSymbols map[string]*symbols.Instrument

func (s stubSymbols) Lookup(exchange, symbol string) (*symbols.Instrument, error) {
	if in, ok := s[exchange+"|"+symbol]; ok {
		return in, nil
	}
	return nil, symbols.ErrNotFound
}

type stubQuotes struct {
	mu  sync.Mutex
	ltp map[string]float64
}

func (q *stubQuotes) Quote(_ context.Context, symbol, exchange string) (*broker.Quote, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ltp, ok := q.ltp[exchange+"|"+symbol]
	if !ok {
		return nil, fmt.Errorf("no quote for %s:%s", exchange, symbol)
	}
	return &broker.Quote{Symbol: symbol, Exchange: exchange, LTP: ltp}, nil
}

func (q *stubQuotes) set(exchange, symbol string, ltp float64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ltp[exchange+"|"+symbol] = ltp
}

func newTestEngine(t *testing.T) (*Engine, *stubQuotes) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "sandbox.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate(Schema))
	t.Cleanup(func() { _ = db.Close() })

	syms := stubSymbols{
		"NSE|SBIN": {Symbol: "SBIN", Exchange: "NSE", LotSize: 1, InstrumentType: "EQ", TickSize: 0.05},
		"NSE|TCS":  {Symbol: "TCS", Exchange: "NSE", LotSize: 1, InstrumentType: "EQ", TickSize: 0.05},
		"NFO|NIFTY24SEPFUT": {Symbol: "NIFTY24SEPFUT", Name: "NIFTY", Exchange: "NFO",
			LotSize: 25, InstrumentType: "FUT", TickSize: 0.05},
		"NFO|NIFTY24SEP25000CE": {Symbol: "NIFTY24SEP25000CE", Name: "NIFTY", Exchange: "NFO",
			Strike: 25000, LotSize: 25, InstrumentType: "CE", TickSize: 0.05},
	}
	quotes := &stubQuotes{ltp: map[string]float64{}}

	loc, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)
	eng, err := New(context.Background(), db.Conn(), syms, quotes, loc, zerolog.Nop())
	require.NoError(t, err)
	return eng, quotes
}

// checkInvariant asserts available + used_margin = capital + realized_pnl.
func checkInvariant(t *testing.T, eng *Engine, userID string) {
	t.Helper()
	row := eng.db.QueryRow(`SELECT capital, available, used_margin, realized_pnl
		FROM sandbox_funds WHERE user_id = ?`, userID)
	var capitalS, availS, usedS, pnlS string
	require.NoError(t, row.Scan(&capitalS, &availS, &usedS, &pnlS))
	capital, _ := decimal.NewFromString(capitalS)
	avail, _ := decimal.NewFromString(availS)
	used, _ := decimal.NewFromString(usedS)
	pnl, _ := decimal.NewFromString(pnlS)
	assert.True(t, avail.Add(used).Equal(capital.Add(pnl)),
		"available %s + used %s != capital %s + realized %s", avail, used, capital, pnl)
}

func marketBuy(symbol, exchange string, qty int) *broker.OrderRequest {
	return &broker.OrderRequest{Symbol: symbol, Exchange: exchange, Action: broker.ActionBuy,
		Quantity: qty, PriceType: broker.PriceTypeMarket, Product: broker.ProductMIS}
}

func TestLimitOrderFillsOnTrigger(t *testing.T) {
	eng, quotes := newTestEngine(t)
	ctx := context.Background()
	api := eng.ForUser("u1")

	quotes.set("NSE", "SBIN", 505)
	res, err := api.PlaceOrder(ctx, &broker.OrderRequest{
		Symbol: "SBIN", Exchange: "NSE", Action: broker.ActionBuy, Quantity: 10,
		PriceType: broker.PriceTypeLimit, Price: 500, Product: broker.ProductMIS,
	})
	require.NoError(t, err)

	funds, err := api.Funds(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 1000, funds.UtilizedDebits, 0.001, "limit price margin blocked at placement")

	for _, ltp := range []float64{505, 502} {
		quotes.set("NSE", "SBIN", ltp)
		require.NoError(t, eng.sweep(ctx))
		o, err := api.OrderStatus(ctx, res.OrderID)
		require.NoError(t, err)
		assert.Equal(t, statusOpen, o.OrderStatus)
	}

	quotes.set("NSE", "SBIN", 499)
	require.NoError(t, eng.sweep(ctx))
	o, err := api.OrderStatus(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, statusComplete, o.OrderStatus)

	trades, err := api.Tradebook(ctx)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, 10, trades[0].Quantity)
	assert.InDelta(t, 499, trades[0].Price, 0.001, "filled at LTP, not the limit")

	positions, err := api.Positions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, 10, positions[0].Quantity)
	assert.InDelta(t, 499, positions[0].AvgPrice, 0.001)

	funds, err = api.Funds(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 998, funds.UtilizedDebits, 0.001, "margin re-marked to fill price")
	checkInvariant(t, eng, "u1")

	// A further down-tick must not fill again.
	quotes.set("NSE", "SBIN", 498)
	require.NoError(t, eng.sweep(ctx))
	trades, err = api.Tradebook(ctx)
	require.NoError(t, err)
	assert.Len(t, trades, 1)
}

func TestInsufficientFundsRejected(t *testing.T) {
	eng, quotes := newTestEngine(t)
	ctx := context.Background()
	quotes.set("NSE", "SBIN", 500)

	_, err := eng.ForUser("u1").PlaceOrder(ctx, &broker.OrderRequest{
		Symbol: "SBIN", Exchange: "NSE", Action: broker.ActionBuy, Quantity: 1000000,
		PriceType: broker.PriceTypeMarket, Product: broker.ProductCNC,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInsufficientFunds))

	funds, err := eng.ForUser("u1").Funds(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 10000000, funds.AvailableCash, 0.001, "rejection leaves funds untouched")
	checkInvariant(t, eng, "u1")
}

func TestMarketRoundTripRealizesPnL(t *testing.T) {
	eng, quotes := newTestEngine(t)
	ctx := context.Background()
	api := eng.ForUser("u1")

	quotes.set("NSE", "SBIN", 500)
	_, err := api.PlaceOrder(ctx, marketBuy("SBIN", "NSE", 10))
	require.NoError(t, err)
	checkInvariant(t, eng, "u1")

	quotes.set("NSE", "SBIN", 520)
	_, err = api.PlaceOrder(ctx, &broker.OrderRequest{
		Symbol: "SBIN", Exchange: "NSE", Action: broker.ActionSell, Quantity: 10,
		PriceType: broker.PriceTypeMarket, Product: broker.ProductMIS,
	})
	require.NoError(t, err)

	funds, err := api.Funds(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 200, funds.M2MRealized, 0.001)
	assert.InDelta(t, 0, funds.UtilizedDebits, 0.001, "flat position holds no margin")
	assert.InDelta(t, 10000200, funds.AvailableCash, 0.001, "realized gain credited to available")
	checkInvariant(t, eng, "u1")

	positions, err := api.Positions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, 0, positions[0].Quantity, "flat position kept for history")
}

func TestReversalRemarksAverage(t *testing.T) {
	eng, quotes := newTestEngine(t)
	ctx := context.Background()
	api := eng.ForUser("u1")

	quotes.set("NSE", "SBIN", 500)
	_, err := api.PlaceOrder(ctx, marketBuy("SBIN", "NSE", 10))
	require.NoError(t, err)

	quotes.set("NSE", "SBIN", 520)
	_, err = api.PlaceOrder(ctx, &broker.OrderRequest{
		Symbol: "SBIN", Exchange: "NSE", Action: broker.ActionSell, Quantity: 15,
		PriceType: broker.PriceTypeMarket, Product: broker.ProductMIS,
	})
	require.NoError(t, err)

	positions, err := api.Positions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, -5, positions[0].Quantity)
	assert.InDelta(t, 520, positions[0].AvgPrice, 0.001, "residual short leg marked at trade price")

	funds, err := api.Funds(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 200, funds.M2MRealized, 0.001, "only the closed 10 realize")
	checkInvariant(t, eng, "u1")
}

func TestCancelRefundsMargin(t *testing.T) {
	eng, quotes := newTestEngine(t)
	ctx := context.Background()
	api := eng.ForUser("u1")

	quotes.set("NSE", "SBIN", 505)
	res, err := api.PlaceOrder(ctx, &broker.OrderRequest{
		Symbol: "SBIN", Exchange: "NSE", Action: broker.ActionBuy, Quantity: 10,
		PriceType: broker.PriceTypeLimit, Price: 500, Product: broker.ProductMIS,
	})
	require.NoError(t, err)

	_, err = api.CancelOrder(ctx, res.OrderID)
	require.NoError(t, err)

	funds, err := api.Funds(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0, funds.UtilizedDebits, 0.001)
	assert.InDelta(t, 10000000, funds.AvailableCash, 0.001)
	checkInvariant(t, eng, "u1")

	_, err = api.CancelOrder(ctx, res.OrderID)
	assert.True(t, errors.Is(err, ErrOrderNotFound), "cancel is not idempotent on decided orders")
}

func TestModifyAdjustsMargin(t *testing.T) {
	eng, quotes := newTestEngine(t)
	ctx := context.Background()
	api := eng.ForUser("u1")

	quotes.set("NSE", "SBIN", 505)
	res, err := api.PlaceOrder(ctx, &broker.OrderRequest{
		Symbol: "SBIN", Exchange: "NSE", Action: broker.ActionBuy, Quantity: 10,
		PriceType: broker.PriceTypeLimit, Price: 500, Product: broker.ProductMIS,
	})
	require.NoError(t, err)

	_, err = api.ModifyOrder(ctx, &broker.ModifyRequest{
		OrderID: res.OrderID, Quantity: 20, PriceType: broker.PriceTypeLimit, Price: 490,
	})
	require.NoError(t, err)

	funds, err := api.Funds(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 1960, funds.UtilizedDebits, 0.001, "490 x 20 / 5")
	checkInvariant(t, eng, "u1")
}

func TestDerivativeMargins(t *testing.T) {
	cfg := &Config{
		EquityMISLeverage: decimal.NewFromInt(5), EquityCNCLeverage: decimal.NewFromInt(1),
		FuturesLeverage: decimal.NewFromInt(10), OptionBuyLeverage: decimal.NewFromInt(1),
		OptionSellLeverage: decimal.NewFromInt(10),
	}
	fut := &symbols.Instrument{InstrumentType: "FUT", LotSize: 25}
	opt := &symbols.Instrument{InstrumentType: "CE", LotSize: 25, Strike: 25000}

	// Futures: ltp x lot x qty / leverage.
	m := marginRequired(cfg, fut, &broker.OrderRequest{Action: broker.ActionBuy, Quantity: 2,
		PriceType: broker.PriceTypeMarket, Product: broker.ProductNRML},
		decimal.NewFromInt(25000), decimal.Zero)
	assert.True(t, m.Equal(decimal.NewFromInt(125000)), "got %s", m)

	// Option buy: full premium.
	m = marginRequired(cfg, opt, &broker.OrderRequest{Action: broker.ActionBuy, Quantity: 2,
		PriceType: broker.PriceTypeLimit, Price: 150, Product: broker.ProductNRML},
		decimal.NewFromInt(160), decimal.Zero)
	assert.True(t, m.Equal(decimal.NewFromInt(7500)), "got %s", m)

	// Option sell: underlying notional / leverage.
	m = marginRequired(cfg, opt, &broker.OrderRequest{Action: broker.ActionSell, Quantity: 2,
		PriceType: broker.PriceTypeMarket, Product: broker.ProductNRML},
		decimal.NewFromInt(160), decimal.NewFromInt(25100))
	assert.True(t, m.Equal(decimal.NewFromInt(125500)), "got %s", m)
}

func TestTriggerRules(t *testing.T) {
	d := decimal.NewFromFloat
	cases := []struct {
		priceType, action   string
		price, trigger, ltp float64
		want                bool
	}{
		{broker.PriceTypeLimit, broker.ActionBuy, 500, 0, 499, true},
		{broker.PriceTypeLimit, broker.ActionBuy, 500, 0, 500, true},
		{broker.PriceTypeLimit, broker.ActionBuy, 500, 0, 501, false},
		{broker.PriceTypeLimit, broker.ActionSell, 500, 0, 501, true},
		{broker.PriceTypeLimit, broker.ActionSell, 500, 0, 499, false},
		{broker.PriceTypeSL, broker.ActionBuy, 505, 502, 503, true},
		{broker.PriceTypeSL, broker.ActionBuy, 505, 502, 501, false},
		{broker.PriceTypeSLMarket, broker.ActionSell, 0, 495, 494, true},
		{broker.PriceTypeSLMarket, broker.ActionSell, 0, 495, 496, false},
		{broker.PriceTypeMarket, broker.ActionBuy, 0, 0, 500, true},
	}
	for _, c := range cases {
		got := triggered(c.priceType, c.action, d(c.price), d(c.trigger), d(c.ltp))
		assert.Equal(t, c.want, got, "%s %s price=%v trigger=%v ltp=%v",
			c.priceType, c.action, c.price, c.trigger, c.ltp)
	}
}

func TestSweepRespectsFillBudget(t *testing.T) {
	eng, quotes := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, eng.SetConfigValue(ctx, keyOrderRateLimit, "2"))
	api := eng.ForUser("u1")

	quotes.set("NSE", "SBIN", 505)
	for i := 0; i < 3; i++ {
		_, err := api.PlaceOrder(ctx, &broker.OrderRequest{
			Symbol: "SBIN", Exchange: "NSE", Action: broker.ActionBuy, Quantity: 1,
			PriceType: broker.PriceTypeLimit, Price: 500, Product: broker.ProductMIS,
		})
		require.NoError(t, err)
	}

	quotes.set("NSE", "SBIN", 499)
	require.NoError(t, eng.sweep(ctx))
	trades, err := api.Tradebook(ctx)
	require.NoError(t, err)
	assert.Len(t, trades, 2, "third fill waits for the next cycle")

	require.NoError(t, eng.sweep(ctx))
	trades, err = api.Tradebook(ctx)
	require.NoError(t, err)
	assert.Len(t, trades, 3)
}

func TestSquareOffFlattensMIS(t *testing.T) {
	eng, quotes := newTestEngine(t)
	ctx := context.Background()
	api := eng.ForUser("u1")

	quotes.set("NSE", "SBIN", 500)
	_, err := api.PlaceOrder(ctx, marketBuy("SBIN", "NSE", 10))
	require.NoError(t, err)

	quotes.set("NSE", "TCS", 4000)
	resting, err := api.PlaceOrder(ctx, &broker.OrderRequest{
		Symbol: "TCS", Exchange: "NSE", Action: broker.ActionBuy, Quantity: 5,
		PriceType: broker.PriceTypeLimit, Price: 3900, Product: broker.ProductMIS,
	})
	require.NoError(t, err)

	quotes.set("NSE", "SBIN", 510)
	require.NoError(t, eng.SquareOff(ctx, []string{"NSE", "BSE", "NFO", "BFO"}))

	o, err := api.OrderStatus(ctx, resting.OrderID)
	require.NoError(t, err)
	assert.Equal(t, statusCancelled, o.OrderStatus, "resting MIS orders are cancelled")

	positions, err := api.Positions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, 0, positions[0].Quantity)

	funds, err := api.Funds(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 100, funds.M2MRealized, 0.001, "squared off at the live touch")
	assert.InDelta(t, 0, funds.UtilizedDebits, 0.001)
	checkInvariant(t, eng, "u1")
}

func TestResetFundsRestoresSeed(t *testing.T) {
	eng, quotes := newTestEngine(t)
	ctx := context.Background()
	api := eng.ForUser("u1")

	quotes.set("NSE", "SBIN", 500)
	_, err := api.PlaceOrder(ctx, marketBuy("SBIN", "NSE", 10))
	require.NoError(t, err)

	require.NoError(t, eng.ResetFunds(ctx))

	funds, err := api.Funds(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 10000000, funds.AvailableCash, 0.001)
	assert.InDelta(t, 0, funds.UtilizedDebits, 0.001)

	var resets int
	require.NoError(t, eng.db.QueryRow(
		`SELECT reset_count FROM sandbox_funds WHERE user_id = ?`, "u1").Scan(&resets))
	assert.Equal(t, 1, resets)
}

func TestSettleCNCMovesToHoldings(t *testing.T) {
	eng, quotes := newTestEngine(t)
	ctx := context.Background()
	api := eng.ForUser("u1")

	quotes.set("NSE", "SBIN", 500)
	_, err := api.PlaceOrder(ctx, &broker.OrderRequest{
		Symbol: "SBIN", Exchange: "NSE", Action: broker.ActionBuy, Quantity: 10,
		PriceType: broker.PriceTypeMarket, Product: broker.ProductCNC,
	})
	require.NoError(t, err)

	yesterday := time.Now().AddDate(0, 0, -1).UTC().Format(time.RFC3339)
	_, err = eng.db.Exec(`UPDATE sandbox_positions SET updated_at = ?`, yesterday)
	require.NoError(t, err)

	require.NoError(t, eng.SettleCNC(ctx))

	holdings, err := api.Holdings(ctx)
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	assert.Equal(t, 10, holdings[0].Quantity)
	assert.InDelta(t, 500, holdings[0].AvgPrice, 0.001)

	positions, err := api.Positions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, 0, positions[0].Quantity)
	checkInvariant(t, eng, "u1")
}

func TestConfigHotReload(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.SetConfigValue(ctx, keySquareOffNSEBSE, "15:25"))
	assert.Equal(t, "15:25", eng.config().SquareOffNSEBSE)

	err := eng.SetConfigValue(ctx, "not_a_key", "1")
	assert.Error(t, err)

	err = eng.SetConfigValue(ctx, keyOrderRateLimit, "banana")
	assert.Error(t, err, "reload rejects unparseable values")
	assert.Equal(t, 10, eng.config().OrderRateLimit, "previous config stays active")
}
