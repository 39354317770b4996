// Package angelone implements the SmartAPI adapter: API key pair plus TOTP
// login returning a JWT and a separate feed token, JSON REST order calls, and
// the little-endian SmartStream binary feed. Streamed prices are in paise.
package angelone

import (
	"context"
	"strconv"
	"time"

	"tradegate/internal/broker"
	"tradegate/internal/symbols"
)

const brokerName = "angelone"

func init() {
	broker.Register(brokerName, func(deps broker.Deps) broker.Adapter {
		return New(deps)
	})
}

// Adapter is the SmartAPI implementation of the broker contract.
type Adapter struct {
	*broker.BaseAdapter
	rest     *RestClient
	stream   *marketStream
	registry *symbols.Registry
}

// New builds an unauthenticated SmartAPI adapter.
func New(deps broker.Deps) *Adapter {
	cfg := broker.AdapterConfig{
		Broker:         brokerName,
		RestURL:        "https://apiconnect.angelone.in",
		WsURL:          "wss://smartapisocket.angelone.in/smart-stream",
		RequestTimeout: 30 * time.Second,
	}
	a := &Adapter{
		BaseAdapter: broker.NewBaseAdapter(cfg, deps.Logger),
		registry:    deps.Registry,
	}
	a.rest = newRestClient(cfg, a.Log)
	a.stream = newMarketStream(a, cfg.WsURL)
	return a
}

// Capabilities reports the SmartStream limits.
func (a *Adapter) Capabilities() broker.Capabilities {
	return broker.Capabilities{
		MaxSymbolsPerConnection:      1000,
		PriceDivisor:                 100,
		PersistentOnClientDisconnect: false,
		RequiresMarketDataCreds:      false,
		AuthenticationStyle:          broker.AuthAPIKeyPair,
	}
}

// Authenticate performs the password+TOTP login. The returned session holds
// the trading JWT and the feed token used by the market data socket.
func (a *Adapter) Authenticate(ctx context.Context, creds broker.Credentials) (*broker.Session, error) {
	clientCode := creds.Extra["client_code"]
	password := creds.Extra["password"]
	totp := creds.Extra["totp"]
	if clientCode == "" || password == "" {
		return nil, &broker.Error{Broker: brokerName, Kind: broker.ErrInvalidInput, Message: "client_code and password are required"}
	}
	resp, err := a.rest.login(ctx, creds.APIKey, clientCode, password, totp)
	if err != nil {
		return nil, err
	}
	session := &broker.Session{
		AuthToken: resp.Data.JWTToken,
		FeedToken: resp.Data.FeedToken,
	}
	a.SetSession(creds, *session)
	return session, nil
}

// PlaceOrder submits an order.
func (a *Adapter) PlaceOrder(ctx context.Context, req *broker.OrderRequest) (*broker.OrderResult, error) {
	if err := broker.ValidOrder(req); err != nil {
		return nil, err
	}
	in, err := a.registry.Lookup(brokerName, req.Exchange, req.Symbol)
	if err != nil {
		return nil, &broker.Error{Broker: brokerName, Kind: broker.ErrInvalidInput, Message: err.Error()}
	}
	resp, err := a.rest.placeOrder(ctx, a.session(), in, req)
	if err != nil {
		return nil, err
	}
	return &broker.OrderResult{OrderID: resp.Data.OrderID, Status: "success"}, nil
}

// ModifyOrder updates an open order.
func (a *Adapter) ModifyOrder(ctx context.Context, req *broker.ModifyRequest) (*broker.OrderResult, error) {
	in, err := a.registry.Lookup(brokerName, req.Exchange, req.Symbol)
	if err != nil {
		return nil, &broker.Error{Broker: brokerName, Kind: broker.ErrInvalidInput, Message: err.Error()}
	}
	resp, err := a.rest.modifyOrder(ctx, a.session(), in, req)
	if err != nil {
		return nil, err
	}
	return &broker.OrderResult{OrderID: resp.Data.OrderID, Status: "success"}, nil
}

// CancelOrder cancels an open order.
func (a *Adapter) CancelOrder(ctx context.Context, orderID string) (*broker.OrderResult, error) {
	resp, err := a.rest.cancelOrder(ctx, a.session(), orderID)
	if err != nil {
		return nil, err
	}
	return &broker.OrderResult{OrderID: resp.Data.OrderID, Status: "success"}, nil
}

// CancelAllOrders cancels every open order.
func (a *Adapter) CancelAllOrders(ctx context.Context) ([]broker.OrderResult, error) {
	open, err := a.Orderbook(ctx)
	if err != nil {
		return nil, err
	}
	var out []broker.OrderResult
	for _, o := range open {
		switch o.OrderStatus {
		case "open", "trigger pending", "open pending":
			res, err := a.CancelOrder(ctx, o.OrderID)
			if err != nil {
				a.Log.Warn().Err(err).Str("order_id", o.OrderID).Msg("cancel-all skipped order")
				continue
			}
			out = append(out, *res)
		}
	}
	return out, nil
}

// Orderbook lists today's orders.
func (a *Adapter) Orderbook(ctx context.Context) ([]broker.Order, error) {
	resp, err := a.rest.orderBook(ctx, a.session())
	if err != nil {
		return nil, err
	}
	out := make([]broker.Order, 0, len(resp.Data))
	for _, row := range resp.Data {
		out = append(out, a.mapOrder(row))
	}
	return out, nil
}

// OrderStatus resolves one order from the book.
func (a *Adapter) OrderStatus(ctx context.Context, orderID string) (*broker.Order, error) {
	resp, err := a.rest.orderBook(ctx, a.session())
	if err != nil {
		return nil, err
	}
	for _, row := range resp.Data {
		if row.OrderID == orderID {
			o := a.mapOrder(row)
			return &o, nil
		}
	}
	return nil, &broker.Error{Broker: brokerName, Kind: broker.ErrInvalidInput, Message: "order not found: " + orderID}
}

// Tradebook lists today's fills.
func (a *Adapter) Tradebook(ctx context.Context) ([]broker.TradeFill, error) {
	resp, err := a.rest.tradeBook(ctx, a.session())
	if err != nil {
		return nil, err
	}
	out := make([]broker.TradeFill, 0, len(resp.Data))
	for _, row := range resp.Data {
		qty, _ := strconv.Atoi(row.FillSize)
		price, _ := strconv.ParseFloat(row.FillPrice, 64)
		ts, _ := time.ParseInLocation("15:04:05", row.FillTime, istZone)
		out = append(out, broker.TradeFill{
			TradeID:   row.FillID,
			OrderID:   row.OrderID,
			Symbol:    a.canonicalSymbol(row.Exchange, row.TradingSymbol),
			Exchange:  row.Exchange,
			Action:    row.TransactionType,
			Quantity:  qty,
			Price:     price,
			Product:   mapProductBack(row.ProductType),
			Timestamp: ts,
		})
	}
	return out, nil
}

// Positions lists net positions.
func (a *Adapter) Positions(ctx context.Context) ([]broker.Position, error) {
	resp, err := a.rest.positions(ctx, a.session())
	if err != nil {
		return nil, err
	}
	out := make([]broker.Position, 0, len(resp.Data))
	for _, row := range resp.Data {
		qty, _ := strconv.Atoi(row.NetQty)
		avg, _ := strconv.ParseFloat(row.AvgNetPrice, 64)
		ltp, _ := strconv.ParseFloat(row.LTP, 64)
		pnl, _ := strconv.ParseFloat(row.PnL, 64)
		out = append(out, broker.Position{
			Symbol:   a.canonicalSymbol(row.Exchange, row.TradingSymbol),
			Exchange: row.Exchange,
			Product:  mapProductBack(row.ProductType),
			Quantity: qty,
			AvgPrice: avg,
			LTP:      ltp,
			PnL:      pnl,
		})
	}
	return out, nil
}

// Holdings lists demat holdings.
func (a *Adapter) Holdings(ctx context.Context) ([]broker.Holding, error) {
	resp, err := a.rest.holdings(ctx, a.session())
	if err != nil {
		return nil, err
	}
	out := make([]broker.Holding, 0, len(resp.Data))
	for _, row := range resp.Data {
		out = append(out, broker.Holding{
			Symbol:     a.canonicalSymbol(row.Exchange, row.TradingSymbol),
			Exchange:   row.Exchange,
			Quantity:   row.Quantity,
			AvgPrice:   row.AveragePrice,
			LTP:        row.LTP,
			PnL:        row.ProfitAndLoss,
			PnLPercent: row.PnLPercent,
		})
	}
	return out, nil
}

// Funds returns the margin summary (RMS limits).
func (a *Adapter) Funds(ctx context.Context) (*broker.Funds, error) {
	resp, err := a.rest.funds(ctx, a.session())
	if err != nil {
		return nil, err
	}
	f := func(s string) float64 {
		v, _ := strconv.ParseFloat(s, 64)
		return v
	}
	return &broker.Funds{
		AvailableCash:  f(resp.Data.AvailableCash),
		Collateral:     f(resp.Data.Collateral),
		M2MRealized:    f(resp.Data.M2MRealized),
		M2MUnrealized:  f(resp.Data.M2MUnrealized),
		UtilizedDebits: f(resp.Data.UtilizedDebits),
	}, nil
}

// Quote fetches a full-mode market snapshot.
func (a *Adapter) Quote(ctx context.Context, symbol, exchange string) (*broker.Quote, error) {
	entry, err := a.fetchQuote(ctx, symbol, exchange)
	if err != nil {
		return nil, err
	}
	q := &broker.Quote{
		Symbol:    symbol,
		Exchange:  exchange,
		LTP:       entry.LTP,
		Open:      entry.Open,
		High:      entry.High,
		Low:       entry.Low,
		PrevClose: entry.Close,
		Volume:    entry.TradeVolume,
	}
	if len(entry.Depth.Buy) > 0 {
		q.Bid = entry.Depth.Buy[0].Price
	}
	if len(entry.Depth.Sell) > 0 {
		q.Ask = entry.Depth.Sell[0].Price
	}
	return q, nil
}

// Depth fetches the five-level ladder.
func (a *Adapter) Depth(ctx context.Context, symbol, exchange string) (*broker.Depth, error) {
	entry, err := a.fetchQuote(ctx, symbol, exchange)
	if err != nil {
		return nil, err
	}
	d := &broker.Depth{Symbol: symbol, Exchange: exchange, LTP: entry.LTP}
	for _, lvl := range entry.Depth.Buy {
		d.Buy = append(d.Buy, broker.DepthLevel{Price: lvl.Price, Quantity: lvl.Quantity, Orders: lvl.Orders})
		d.TotalBuyQty += lvl.Quantity
	}
	for _, lvl := range entry.Depth.Sell {
		d.Sell = append(d.Sell, broker.DepthLevel{Price: lvl.Price, Quantity: lvl.Quantity, Orders: lvl.Orders})
		d.TotalSellQty += lvl.Quantity
	}
	return d, nil
}

func (a *Adapter) fetchQuote(ctx context.Context, symbol, exchange string) (*quoteEntry, error) {
	in, err := a.registry.Lookup(brokerName, exchange, symbol)
	if err != nil {
		return nil, &broker.Error{Broker: brokerName, Kind: broker.ErrInvalidInput, Message: err.Error()}
	}
	resp, err := a.rest.quote(ctx, a.session(), in.BrExchange, in.Token)
	if err != nil {
		return nil, err
	}
	if len(resp.Data.Fetched) == 0 {
		return nil, &broker.Error{Broker: brokerName, Kind: broker.ErrInvalidInput, Message: "no quote for " + symbol}
	}
	return &resp.Data.Fetched[0], nil
}

// History fetches OHLCV candles.
func (a *Adapter) History(ctx context.Context, symbol, exchange, interval string, from, to time.Time) ([]broker.Candle, error) {
	in, err := a.registry.Lookup(brokerName, exchange, symbol)
	if err != nil {
		return nil, &broker.Error{Broker: brokerName, Kind: broker.ErrInvalidInput, Message: err.Error()}
	}
	resp, err := a.rest.candles(ctx, a.session(), in.BrExchange, in.Token, mapInterval(interval), from, to)
	if err != nil {
		return nil, err
	}
	out := make([]broker.Candle, 0, len(resp.Data))
	for _, row := range resp.Data {
		if len(row) < 6 {
			continue
		}
		tsStr, ok := row[0].(string)
		if !ok {
			continue
		}
		ts, err := time.Parse("2006-01-02T15:04:05-07:00", tsStr)
		if err != nil {
			continue
		}
		num := func(v any) float64 {
			f, _ := v.(float64)
			return f
		}
		out = append(out, broker.Candle{
			Timestamp: ts,
			Open:      num(row[1]),
			High:      num(row[2]),
			Low:       num(row[3]),
			Close:     num(row[4]),
			Volume:    int64(num(row[5])),
		})
	}
	return out, nil
}

// Instruments downloads and normalizes the scrip master.
func (a *Adapter) Instruments(ctx context.Context) ([]symbols.Instrument, error) {
	return a.rest.instruments(ctx)
}

// Connect opens the SmartStream socket using the feed token.
func (a *Adapter) Connect(ctx context.Context) error {
	creds, session := a.CredentialsAndSession()
	if session.FeedToken == "" {
		return &broker.Error{Broker: brokerName, Kind: broker.ErrInvalidToken, Message: "no feed token; authenticate first"}
	}
	return a.stream.connect(ctx, creds.APIKey, creds.Extra["client_code"], session.AuthToken, session.FeedToken)
}

// Disconnect closes the feed socket.
func (a *Adapter) Disconnect() error { return a.stream.disconnect() }

// Subscribe adds items to the feed.
func (a *Adapter) Subscribe(items []broker.StreamItem) error { return a.stream.subscribe(items) }

// Unsubscribe removes items from the feed.
func (a *Adapter) Unsubscribe(items []broker.StreamItem) error { return a.stream.unsubscribe(items) }

// UnsubscribeAll drops every subscription without closing the socket.
func (a *Adapter) UnsubscribeAll() error { return a.stream.unsubscribeAll() }

func (a *Adapter) session() authCtx {
	creds, session := a.CredentialsAndSession()
	return authCtx{APIKey: creds.APIKey, JWT: session.AuthToken}
}

func (a *Adapter) canonicalSymbol(brExchange, brSymbol string) string {
	if in, err := a.registry.LookupBroker(brokerName, brExchange, brSymbol); err == nil {
		return in.Symbol
	}
	return brSymbol
}

func (a *Adapter) mapOrder(row orderRow) broker.Order {
	qty, _ := strconv.Atoi(row.Quantity)
	price, _ := strconv.ParseFloat(row.Price, 64)
	trigger, _ := strconv.ParseFloat(row.TriggerPrice, 64)
	ts, _ := time.ParseInLocation("02-Jan-2006 15:04:05", row.UpdateTime, istZone)
	return broker.Order{
		OrderID:      row.OrderID,
		Symbol:       a.canonicalSymbol(row.Exchange, row.TradingSymbol),
		Exchange:     row.Exchange,
		Action:       row.TransactionType,
		Quantity:     qty,
		Price:        price,
		TriggerPrice: trigger,
		PriceType:    mapOrderTypeBack(row.OrderType),
		Product:      mapProductBack(row.ProductType),
		OrderStatus:  row.Status,
		Timestamp:    ts,
	}
}

var istZone = time.FixedZone("IST", 5*3600+30*60)

func mapOrderType(priceType string) string {
	switch priceType {
	case broker.PriceTypeMarket:
		return "MARKET"
	case broker.PriceTypeLimit:
		return "LIMIT"
	case broker.PriceTypeSL:
		return "STOPLOSS_LIMIT"
	case broker.PriceTypeSLMarket:
		return "STOPLOSS_MARKET"
	}
	return priceType
}

func mapOrderTypeBack(orderType string) string {
	switch orderType {
	case "STOPLOSS_LIMIT":
		return broker.PriceTypeSL
	case "STOPLOSS_MARKET":
		return broker.PriceTypeSLMarket
	}
	return orderType
}

func mapProduct(product string) string {
	switch product {
	case broker.ProductMIS:
		return "INTRADAY"
	case broker.ProductCNC:
		return "DELIVERY"
	case broker.ProductNRML:
		return "CARRYFORWARD"
	}
	return product
}

func mapProductBack(productType string) string {
	switch productType {
	case "INTRADAY":
		return broker.ProductMIS
	case "DELIVERY":
		return broker.ProductCNC
	case "CARRYFORWARD":
		return broker.ProductNRML
	}
	return productType
}

func mapInterval(interval string) string {
	switch interval {
	case "1m":
		return "ONE_MINUTE"
	case "3m":
		return "THREE_MINUTE"
	case "5m":
		return "FIVE_MINUTE"
	case "10m":
		return "TEN_MINUTE"
	case "15m":
		return "FIFTEEN_MINUTE"
	case "30m":
		return "THIRTY_MINUTE"
	case "1h":
		return "ONE_HOUR"
	case "D", "1d":
		return "ONE_DAY"
	}
	return interval
}
