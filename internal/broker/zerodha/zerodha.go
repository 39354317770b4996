// Package zerodha implements the Kite Connect adapter: OAuth2-style request
// token exchange, REST order management, and the binary market data feed.
// Streamed prices arrive in paise and are divided down before publishing.
package zerodha

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"tradegate/internal/broker"
	"tradegate/internal/symbols"
)

const brokerName = "zerodha"

func init() {
	broker.Register(brokerName, func(deps broker.Deps) broker.Adapter {
		return New(deps)
	})
}

// Adapter is the Kite Connect implementation of the broker contract.
type Adapter struct {
	*broker.BaseAdapter
	rest     *RestClient
	stream   *marketStream
	registry *symbols.Registry
}

// New builds an unauthenticated Kite adapter.
func New(deps broker.Deps) *Adapter {
	cfg := broker.AdapterConfig{
		Broker:         brokerName,
		RestURL:        "https://api.kite.trade",
		WsURL:          "wss://ws.kite.trade",
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

// Capabilities reports the Kite feed limits and quirks.
func (a *Adapter) Capabilities() broker.Capabilities {
	return broker.Capabilities{
		MaxSymbolsPerConnection:      3000,
		PriceDivisor:                 100,
		PersistentOnClientDisconnect: false,
		RequiresMarketDataCreds:      false,
		AuthenticationStyle:          broker.AuthOAuth2,
	}
}

// Authenticate exchanges the OAuth request token for an access token. The
// checksum is SHA-256 over api_key + request_token + api_secret.
func (a *Adapter) Authenticate(ctx context.Context, creds broker.Credentials) (*broker.Session, error) {
	requestToken := creds.Extra["request_token"]
	if requestToken == "" {
		return nil, &broker.Error{Broker: brokerName, Kind: broker.ErrInvalidInput, Message: "request_token is required"}
	}
	sum := sha256.Sum256([]byte(creds.APIKey + requestToken + creds.APISecret))
	checksum := hex.EncodeToString(sum[:])

	resp, err := a.rest.createSession(ctx, creds.APIKey, requestToken, checksum)
	if err != nil {
		return nil, err
	}
	session := &broker.Session{AuthToken: resp.Data.AccessToken}
	a.SetSession(creds, *session)
	return session, nil
}

// PlaceOrder submits an order on the regular variety.
func (a *Adapter) PlaceOrder(ctx context.Context, req *broker.OrderRequest) (*broker.OrderResult, error) {
	if err := broker.ValidOrder(req); err != nil {
		return nil, err
	}
	in, err := a.registry.Lookup(brokerName, req.Exchange, req.Symbol)
	if err != nil {
		return nil, &broker.Error{Broker: brokerName, Kind: broker.ErrInvalidInput, Message: err.Error()}
	}
	resp, err := a.rest.placeOrder(ctx, a.authHeader(), in, req)
	if err != nil {
		return nil, err
	}
	return &broker.OrderResult{OrderID: resp.Data.OrderID, Status: "success"}, nil
}

// ModifyOrder updates price, quantity, or trigger on an open order.
func (a *Adapter) ModifyOrder(ctx context.Context, req *broker.ModifyRequest) (*broker.OrderResult, error) {
	resp, err := a.rest.modifyOrder(ctx, a.authHeader(), req)
	if err != nil {
		return nil, err
	}
	return &broker.OrderResult{OrderID: resp.Data.OrderID, Status: "success"}, nil
}

// CancelOrder cancels an open order.
func (a *Adapter) CancelOrder(ctx context.Context, orderID string) (*broker.OrderResult, error) {
	resp, err := a.rest.cancelOrder(ctx, a.authHeader(), orderID)
	if err != nil {
		return nil, err
	}
	return &broker.OrderResult{OrderID: resp.Data.OrderID, Status: "success"}, nil
}

// CancelAllOrders cancels every open order, one call per order.
func (a *Adapter) CancelAllOrders(ctx context.Context) ([]broker.OrderResult, error) {
	open, err := a.Orderbook(ctx)
	if err != nil {
		return nil, err
	}
	var out []broker.OrderResult
	for _, o := range open {
		switch o.OrderStatus {
		case "OPEN", "TRIGGER PENDING":
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
	resp, err := a.rest.orders(ctx, a.authHeader())
	if err != nil {
		return nil, err
	}
	out := make([]broker.Order, 0, len(resp.Data))
	for _, row := range resp.Data {
		out = append(out, a.mapOrder(row))
	}
	return out, nil
}

// OrderStatus fetches one order by ID.
func (a *Adapter) OrderStatus(ctx context.Context, orderID string) (*broker.Order, error) {
	resp, err := a.rest.orderHistory(ctx, a.authHeader(), orderID)
	if err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, &broker.Error{Broker: brokerName, Kind: broker.ErrInvalidInput, Message: "order not found: " + orderID}
	}
	o := a.mapOrder(resp.Data[len(resp.Data)-1])
	return &o, nil
}

// Tradebook lists today's fills.
func (a *Adapter) Tradebook(ctx context.Context) ([]broker.TradeFill, error) {
	resp, err := a.rest.trades(ctx, a.authHeader())
	if err != nil {
		return nil, err
	}
	out := make([]broker.TradeFill, 0, len(resp.Data))
	for _, row := range resp.Data {
		ts, _ := time.ParseInLocation("2006-01-02 15:04:05", row.FillTimestamp, istZone)
		out = append(out, broker.TradeFill{
			TradeID:   row.TradeID,
			OrderID:   row.OrderID,
			Symbol:    a.canonicalSymbol(row.Exchange, row.Tradingsymbol),
			Exchange:  row.Exchange,
			Action:    row.TransactionType,
			Quantity:  row.Quantity,
			Price:     row.AveragePrice,
			Product:   row.Product,
			Timestamp: ts,
		})
	}
	return out, nil
}

// Positions lists net positions.
func (a *Adapter) Positions(ctx context.Context) ([]broker.Position, error) {
	resp, err := a.rest.positions(ctx, a.authHeader())
	if err != nil {
		return nil, err
	}
	out := make([]broker.Position, 0, len(resp.Data.Net))
	for _, row := range resp.Data.Net {
		out = append(out, broker.Position{
			Symbol:   a.canonicalSymbol(row.Exchange, row.Tradingsymbol),
			Exchange: row.Exchange,
			Product:  row.Product,
			Quantity: row.Quantity,
			AvgPrice: row.AveragePrice,
			LTP:      row.LastPrice,
			PnL:      row.PnL,
		})
	}
	return out, nil
}

// Holdings lists demat holdings.
func (a *Adapter) Holdings(ctx context.Context) ([]broker.Holding, error) {
	resp, err := a.rest.holdings(ctx, a.authHeader())
	if err != nil {
		return nil, err
	}
	out := make([]broker.Holding, 0, len(resp.Data))
	for _, row := range resp.Data {
		h := broker.Holding{
			Symbol:   a.canonicalSymbol(row.Exchange, row.Tradingsymbol),
			Exchange: row.Exchange,
			Quantity: row.Quantity,
			AvgPrice: row.AveragePrice,
			LTP:      row.LastPrice,
			PnL:      row.PnL,
		}
		if row.AveragePrice > 0 && row.Quantity > 0 {
			h.PnLPercent = (row.LastPrice - row.AveragePrice) / row.AveragePrice * 100
		}
		out = append(out, h)
	}
	return out, nil
}

// Funds returns the equity margin summary.
func (a *Adapter) Funds(ctx context.Context) (*broker.Funds, error) {
	resp, err := a.rest.margins(ctx, a.authHeader())
	if err != nil {
		return nil, err
	}
	eq := resp.Data.Equity
	return &broker.Funds{
		AvailableCash:  eq.Available.Cash,
		Collateral:     eq.Available.Collateral,
		M2MRealized:    eq.Utilised.M2MReal,
		M2MUnrealized:  eq.Utilised.M2MUnreal,
		UtilizedDebits: eq.Utilised.Debits,
	}, nil
}

// Quote fetches a REST snapshot for one instrument.
func (a *Adapter) Quote(ctx context.Context, symbol, exchange string) (*broker.Quote, error) {
	in, err := a.registry.Lookup(brokerName, exchange, symbol)
	if err != nil {
		return nil, &broker.Error{Broker: brokerName, Kind: broker.ErrInvalidInput, Message: err.Error()}
	}
	key := in.BrExchange + ":" + in.BrSymbol
	resp, err := a.rest.quote(ctx, a.authHeader(), key)
	if err != nil {
		return nil, err
	}
	entry, ok := resp.Data[key]
	if !ok {
		return nil, &broker.Error{Broker: brokerName, Kind: broker.ErrInvalidInput, Message: "no quote for " + key}
	}
	q := &broker.Quote{
		Symbol:    symbol,
		Exchange:  exchange,
		LTP:       entry.LastPrice,
		Open:      entry.OHLC.Open,
		High:      entry.OHLC.High,
		Low:       entry.OHLC.Low,
		PrevClose: entry.OHLC.Close,
		Volume:    entry.Volume,
	}
	if len(entry.Depth.Buy) > 0 {
		q.Bid = entry.Depth.Buy[0].Price
	}
	if len(entry.Depth.Sell) > 0 {
		q.Ask = entry.Depth.Sell[0].Price
	}
	return q, nil
}

// Depth fetches the five-level ladder for one instrument.
func (a *Adapter) Depth(ctx context.Context, symbol, exchange string) (*broker.Depth, error) {
	in, err := a.registry.Lookup(brokerName, exchange, symbol)
	if err != nil {
		return nil, &broker.Error{Broker: brokerName, Kind: broker.ErrInvalidInput, Message: err.Error()}
	}
	key := in.BrExchange + ":" + in.BrSymbol
	resp, err := a.rest.quote(ctx, a.authHeader(), key)
	if err != nil {
		return nil, err
	}
	entry, ok := resp.Data[key]
	if !ok {
		return nil, &broker.Error{Broker: brokerName, Kind: broker.ErrInvalidInput, Message: "no depth for " + key}
	}
	d := &broker.Depth{Symbol: symbol, Exchange: exchange, LTP: entry.LastPrice}
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

// History fetches OHLCV candles.
func (a *Adapter) History(ctx context.Context, symbol, exchange, interval string, from, to time.Time) ([]broker.Candle, error) {
	in, err := a.registry.Lookup(brokerName, exchange, symbol)
	if err != nil {
		return nil, &broker.Error{Broker: brokerName, Kind: broker.ErrInvalidInput, Message: err.Error()}
	}
	resp, err := a.rest.history(ctx, a.authHeader(), in.Token, mapInterval(interval), from, to)
	if err != nil {
		return nil, err
	}
	out := make([]broker.Candle, 0, len(resp.Data.Candles))
	for _, row := range resp.Data.Candles {
		c, ok := mapCandle(row)
		if !ok {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// Instruments downloads and normalizes the full master contract.
func (a *Adapter) Instruments(ctx context.Context) ([]symbols.Instrument, error) {
	return a.rest.instruments(ctx, a.authHeader())
}

// Connect opens the binary market data socket.
func (a *Adapter) Connect(ctx context.Context) error {
	creds, session := a.CredentialsAndSession()
	if session.AuthToken == "" {
		return &broker.Error{Broker: brokerName, Kind: broker.ErrInvalidToken, Message: "no session; authenticate first"}
	}
	return a.stream.connect(ctx, creds.APIKey, session.AuthToken)
}

// Disconnect closes the market data socket.
func (a *Adapter) Disconnect() error { return a.stream.disconnect() }

// Subscribe resolves items to instrument tokens and subscribes on the feed.
func (a *Adapter) Subscribe(items []broker.StreamItem) error {
	return a.stream.subscribe(items)
}

// Unsubscribe removes items from the feed.
func (a *Adapter) Unsubscribe(items []broker.StreamItem) error {
	return a.stream.unsubscribe(items)
}

// UnsubscribeAll drops every subscription without closing the socket.
func (a *Adapter) UnsubscribeAll() error { return a.stream.unsubscribeAll() }

func (a *Adapter) authHeader() string {
	creds, session := a.CredentialsAndSession()
	return fmt.Sprintf("token %s:%s", creds.APIKey, session.AuthToken)
}

// canonicalSymbol maps a broker trading symbol back to the gateway symbol,
// falling back to the broker form when the registry has no entry.
func (a *Adapter) canonicalSymbol(brExchange, brSymbol string) string {
	if in, err := a.registry.LookupBroker(brokerName, brExchange, brSymbol); err == nil {
		return in.Symbol
	}
	return brSymbol
}

func (a *Adapter) mapOrder(row orderRow) broker.Order {
	ts, _ := time.ParseInLocation("2006-01-02 15:04:05", row.OrderTimestamp, istZone)
	return broker.Order{
		OrderID:      row.OrderID,
		Symbol:       a.canonicalSymbol(row.Exchange, row.Tradingsymbol),
		Exchange:     row.Exchange,
		Action:       row.TransactionType,
		Quantity:     row.Quantity,
		Price:        row.Price,
		TriggerPrice: row.TriggerPrice,
		PriceType:    mapOrderTypeBack(row.OrderType),
		Product:      row.Product,
		OrderStatus:  row.Status,
		Timestamp:    ts,
	}
}

// istZone stamps feed and book timestamps with the exchange offset.
var istZone = time.FixedZone("IST", 5*3600+30*60)

func mapOrderType(priceType string) string {
	switch priceType {
	case broker.PriceTypeMarket:
		return "MARKET"
	case broker.PriceTypeLimit:
		return "LIMIT"
	case broker.PriceTypeSL:
		return "SL"
	case broker.PriceTypeSLMarket:
		return "SL-M"
	}
	return priceType
}

func mapOrderTypeBack(orderType string) string { return orderType }

func mapInterval(interval string) string {
	switch interval {
	case "1m":
		return "minute"
	case "3m":
		return "3minute"
	case "5m":
		return "5minute"
	case "10m":
		return "10minute"
	case "15m":
		return "15minute"
	case "30m":
		return "30minute"
	case "1h":
		return "60minute"
	case "D", "1d":
		return "day"
	}
	return interval
}

func mapCandle(row []any) (broker.Candle, bool) {
	if len(row) < 6 {
		return broker.Candle{}, false
	}
	tsStr, ok := row[0].(string)
	if !ok {
		return broker.Candle{}, false
	}
	ts, err := time.Parse(time.RFC3339, tsStr)
	if err != nil {
		return broker.Candle{}, false
	}
	num := func(v any) float64 {
		f, _ := v.(float64)
		return f
	}
	return broker.Candle{
		Timestamp: ts,
		Open:      num(row[1]),
		High:      num(row[2]),
		Low:       num(row[3]),
		Close:     num(row[4]),
		Volume:    int64(num(row[5])),
	}, true
}
