// Package flattrade implements the Noren-protocol adapter used by Flattrade:
// session-token login, form-encoded jData/jKey REST calls, and a JSON
// websocket feed. Flattrade imposes a server-side cooldown after a clean feed
// disconnect, so the adapter advertises PersistentOnClientDisconnect and the
// proxy only unsubscribes when the last gateway client detaches.
package flattrade

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"tradegate/internal/broker"
	"tradegate/internal/symbols"
)

const brokerName = "flattrade"

func init() {
	broker.Register(brokerName, func(deps broker.Deps) broker.Adapter {
		return New(deps)
	})
}

// Adapter is the Flattrade implementation of the broker contract.
type Adapter struct {
	*broker.BaseAdapter
	rest     *RestClient
	stream   *marketStream
	registry *symbols.Registry
}

// New builds an unauthenticated Flattrade adapter.
func New(deps broker.Deps) *Adapter {
	cfg := broker.AdapterConfig{
		Broker:         brokerName,
		RestURL:        "https://piconnect.flattrade.in/PiConnectTP",
		WsURL:          "wss://piconnect.flattrade.in/PiConnectWSTp/",
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

// Capabilities reports the Noren feed limits and the cooldown quirk.
func (a *Adapter) Capabilities() broker.Capabilities {
	return broker.Capabilities{
		MaxSymbolsPerConnection:      1000,
		PriceDivisor:                 1,
		PersistentOnClientDisconnect: true,
		RequiresMarketDataCreds:      false,
		AuthenticationStyle:          broker.AuthSessionToken,
	}
}

// Authenticate exchanges the one-time request code for a session token. The
// api_secret field is SHA-256 over api_key + request_code + api_secret.
func (a *Adapter) Authenticate(ctx context.Context, creds broker.Credentials) (*broker.Session, error) {
	requestCode := creds.Extra["request_code"]
	if requestCode == "" {
		return nil, &broker.Error{Broker: brokerName, Kind: broker.ErrInvalidInput, Message: "request_code is required"}
	}
	sum := sha256.Sum256([]byte(creds.APIKey + requestCode + creds.APISecret))
	resp, err := a.rest.apiToken(ctx, creds.APIKey, requestCode, hex.EncodeToString(sum[:]))
	if err != nil {
		return nil, err
	}
	session := &broker.Session{AuthToken: resp.Token}
	if creds.Extra == nil {
		creds.Extra = map[string]string{}
	}
	if creds.Extra["client_id"] == "" {
		creds.Extra["client_id"] = resp.Client
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
	resp, err := a.rest.placeOrder(ctx, a.auth(), in, req)
	if err != nil {
		return nil, err
	}
	return &broker.OrderResult{OrderID: resp.OrderNo, Status: "success"}, nil
}

// ModifyOrder updates an open order.
func (a *Adapter) ModifyOrder(ctx context.Context, req *broker.ModifyRequest) (*broker.OrderResult, error) {
	in, err := a.registry.Lookup(brokerName, req.Exchange, req.Symbol)
	if err != nil {
		return nil, &broker.Error{Broker: brokerName, Kind: broker.ErrInvalidInput, Message: err.Error()}
	}
	resp, err := a.rest.modifyOrder(ctx, a.auth(), in, req)
	if err != nil {
		return nil, err
	}
	return &broker.OrderResult{OrderID: resp.OrderNo, Status: "success"}, nil
}

// CancelOrder cancels an open order.
func (a *Adapter) CancelOrder(ctx context.Context, orderID string) (*broker.OrderResult, error) {
	resp, err := a.rest.cancelOrder(ctx, a.auth(), orderID)
	if err != nil {
		return nil, err
	}
	return &broker.OrderResult{OrderID: resp.OrderNo, Status: "success"}, nil
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
		case "OPEN", "TRIGGER_PENDING", "PENDING":
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
	rows, err := a.rest.orderBook(ctx, a.auth())
	if err != nil {
		return nil, err
	}
	out := make([]broker.Order, 0, len(rows))
	for _, row := range rows {
		out = append(out, a.mapOrder(row))
	}
	return out, nil
}

// OrderStatus fetches one order's latest state.
func (a *Adapter) OrderStatus(ctx context.Context, orderID string) (*broker.Order, error) {
	rows, err := a.rest.singleOrderHistory(ctx, a.auth(), orderID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &broker.Error{Broker: brokerName, Kind: broker.ErrInvalidInput, Message: "order not found: " + orderID}
	}
	o := a.mapOrder(rows[0])
	return &o, nil
}

// Tradebook lists today's fills.
func (a *Adapter) Tradebook(ctx context.Context) ([]broker.TradeFill, error) {
	rows, err := a.rest.tradeBook(ctx, a.auth())
	if err != nil {
		return nil, err
	}
	out := make([]broker.TradeFill, 0, len(rows))
	for _, row := range rows {
		qty, _ := strconv.Atoi(row.FillQty)
		price, _ := strconv.ParseFloat(row.FillPrice, 64)
		ts, _ := time.ParseInLocation("15:04:05 02-01-2006", row.FillTime, istZone)
		out = append(out, broker.TradeFill{
			TradeID:   row.FillID,
			OrderID:   row.OrderNo,
			Symbol:    a.canonicalSymbol(row.Exchange, row.TradingSymbol),
			Exchange:  row.Exchange,
			Action:    mapTransTypeBack(row.TransType),
			Quantity:  qty,
			Price:     price,
			Product:   mapProductBack(row.Product),
			Timestamp: ts,
		})
	}
	return out, nil
}

// Positions lists net positions.
func (a *Adapter) Positions(ctx context.Context) ([]broker.Position, error) {
	rows, err := a.rest.positionBook(ctx, a.auth())
	if err != nil {
		return nil, err
	}
	out := make([]broker.Position, 0, len(rows))
	for _, row := range rows {
		qty, _ := strconv.Atoi(row.NetQty)
		avg, _ := strconv.ParseFloat(row.NetAvgPrice, 64)
		ltp, _ := strconv.ParseFloat(row.LTP, 64)
		rpnl, _ := strconv.ParseFloat(row.RealizedPnL, 64)
		upnl, _ := strconv.ParseFloat(row.UnrealizedPnL, 64)
		out = append(out, broker.Position{
			Symbol:   a.canonicalSymbol(row.Exchange, row.TradingSymbol),
			Exchange: row.Exchange,
			Product:  mapProductBack(row.Product),
			Quantity: qty,
			AvgPrice: avg,
			LTP:      ltp,
			PnL:      rpnl + upnl,
		})
	}
	return out, nil
}

// Holdings lists demat holdings. Noren reports one row per holding with the
// exchange listings nested; NSE is preferred.
func (a *Adapter) Holdings(ctx context.Context) ([]broker.Holding, error) {
	rows, err := a.rest.holdings(ctx, a.auth())
	if err != nil {
		return nil, err
	}
	out := make([]broker.Holding, 0, len(rows))
	for _, row := range rows {
		if len(row.ExchSymbols) == 0 {
			continue
		}
		listing := row.ExchSymbols[0]
		for _, es := range row.ExchSymbols {
			if es.Exchange == "NSE" {
				listing = es
				break
			}
		}
		qty, _ := strconv.Atoi(row.HoldQty)
		avg, _ := strconv.ParseFloat(row.UploadPrc, 64)
		out = append(out, broker.Holding{
			Symbol:   a.canonicalSymbol(listing.Exchange, listing.TradingSymbol),
			Exchange: listing.Exchange,
			Quantity: qty,
			AvgPrice: avg,
		})
	}
	return out, nil
}

// Funds returns the margin summary.
func (a *Adapter) Funds(ctx context.Context) (*broker.Funds, error) {
	resp, err := a.rest.limits(ctx, a.auth())
	if err != nil {
		return nil, err
	}
	f := func(s string) float64 {
		v, _ := strconv.ParseFloat(s, 64)
		return v
	}
	return &broker.Funds{
		AvailableCash:  f(resp.Cash) - f(resp.MarginUsed),
		Collateral:     f(resp.Collateral),
		M2MRealized:    f(resp.RealizedM2M),
		M2MUnrealized:  f(resp.UnrealizedM2M),
		UtilizedDebits: f(resp.MarginUsed),
	}, nil
}

// Quote fetches a snapshot for one instrument.
func (a *Adapter) Quote(ctx context.Context, symbol, exchange string) (*broker.Quote, error) {
	in, err := a.registry.Lookup(brokerName, exchange, symbol)
	if err != nil {
		return nil, &broker.Error{Broker: brokerName, Kind: broker.ErrInvalidInput, Message: err.Error()}
	}
	resp, err := a.rest.getQuotes(ctx, a.auth(), in.BrExchange, in.Token)
	if err != nil {
		return nil, err
	}
	f := func(s string) float64 {
		v, _ := strconv.ParseFloat(s, 64)
		return v
	}
	vol, _ := strconv.ParseInt(resp.Volume, 10, 64)
	return &broker.Quote{
		Symbol:    symbol,
		Exchange:  exchange,
		LTP:       f(resp.LTP),
		Open:      f(resp.Open),
		High:      f(resp.High),
		Low:       f(resp.Low),
		PrevClose: f(resp.Close),
		Volume:    vol,
		Bid:       f(resp.BuyPrice1),
		Ask:       f(resp.SellPrice1),
	}, nil
}

// Depth fetches the ladder snapshot. Noren's quote call carries only the
// touch; the full ladder arrives on the depth feed, so REST depth reports
// the top level.
func (a *Adapter) Depth(ctx context.Context, symbol, exchange string) (*broker.Depth, error) {
	in, err := a.registry.Lookup(brokerName, exchange, symbol)
	if err != nil {
		return nil, &broker.Error{Broker: brokerName, Kind: broker.ErrInvalidInput, Message: err.Error()}
	}
	resp, err := a.rest.getQuotes(ctx, a.auth(), in.BrExchange, in.Token)
	if err != nil {
		return nil, err
	}
	f := func(s string) float64 {
		v, _ := strconv.ParseFloat(s, 64)
		return v
	}
	bq, _ := strconv.ParseInt(resp.BuyQty1, 10, 64)
	sq, _ := strconv.ParseInt(resp.SellQty1, 10, 64)
	return &broker.Depth{
		Symbol:       symbol,
		Exchange:     exchange,
		LTP:          f(resp.LTP),
		Buy:          []broker.DepthLevel{{Price: f(resp.BuyPrice1), Quantity: bq}},
		Sell:         []broker.DepthLevel{{Price: f(resp.SellPrice1), Quantity: sq}},
		TotalBuyQty:  bq,
		TotalSellQty: sq,
	}, nil
}

// History fetches time-series candles.
func (a *Adapter) History(ctx context.Context, symbol, exchange, interval string, from, to time.Time) ([]broker.Candle, error) {
	in, err := a.registry.Lookup(brokerName, exchange, symbol)
	if err != nil {
		return nil, &broker.Error{Broker: brokerName, Kind: broker.ErrInvalidInput, Message: err.Error()}
	}
	rows, err := a.rest.timeSeries(ctx, a.auth(), in.BrExchange, in.Token, mapInterval(interval), from, to)
	if err != nil {
		return nil, err
	}
	out := make([]broker.Candle, 0, len(rows))
	for _, row := range rows {
		ts, err := time.ParseInLocation("02-01-2006 15:04:05", row.Time, istZone)
		if err != nil {
			continue
		}
		f := func(s string) float64 {
			v, _ := strconv.ParseFloat(s, 64)
			return v
		}
		vol, _ := strconv.ParseInt(row.Volume, 10, 64)
		out = append(out, broker.Candle{
			Timestamp: ts,
			Open:      f(row.Open),
			High:      f(row.High),
			Low:       f(row.Low),
			Close:     f(row.Close),
			Volume:    vol,
		})
	}
	return out, nil
}

// Instruments downloads the per-exchange scrip masters.
func (a *Adapter) Instruments(ctx context.Context) ([]symbols.Instrument, error) {
	return a.rest.instruments(ctx)
}

// Connect opens the feed socket and performs the feed handshake.
func (a *Adapter) Connect(ctx context.Context) error {
	creds, session := a.CredentialsAndSession()
	if session.AuthToken == "" {
		return &broker.Error{Broker: brokerName, Kind: broker.ErrInvalidToken, Message: "no session; authenticate first"}
	}
	return a.stream.connect(ctx, creds.Extra["client_id"], session.AuthToken)
}

// Disconnect closes the feed socket. The broker enforces a cooldown before
// the next clean connect, which is why the proxy prefers UnsubscribeAll.
func (a *Adapter) Disconnect() error { return a.stream.disconnect() }

// Subscribe adds items to the feed.
func (a *Adapter) Subscribe(items []broker.StreamItem) error { return a.stream.subscribe(items) }

// Unsubscribe removes items from the feed.
func (a *Adapter) Unsubscribe(items []broker.StreamItem) error { return a.stream.unsubscribe(items) }

// UnsubscribeAll drops every subscription but keeps the session socket open.
func (a *Adapter) UnsubscribeAll() error { return a.stream.unsubscribeAll() }

func (a *Adapter) auth() authCtx {
	creds, session := a.CredentialsAndSession()
	return authCtx{ClientID: creds.Extra["client_id"], Token: session.AuthToken}
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
	ts, _ := time.ParseInLocation("15:04:05 02-01-2006", row.OrderTime, istZone)
	return broker.Order{
		OrderID:      row.OrderNo,
		Symbol:       a.canonicalSymbol(row.Exchange, row.TradingSymbol),
		Exchange:     row.Exchange,
		Action:       mapTransTypeBack(row.TransType),
		Quantity:     qty,
		Price:        price,
		TriggerPrice: trigger,
		PriceType:    mapPriceTypeBack(row.PriceType),
		Product:      mapProductBack(row.Product),
		OrderStatus:  row.Status,
		Timestamp:    ts,
	}
}

var istZone = time.FixedZone("IST", 5*3600+30*60)

func mapTransType(action string) string {
	if action == broker.ActionSell {
		return "S"
	}
	return "B"
}

func mapTransTypeBack(t string) string {
	if t == "S" {
		return broker.ActionSell
	}
	return broker.ActionBuy
}

func mapPriceType(priceType string) string {
	switch priceType {
	case broker.PriceTypeMarket:
		return "MKT"
	case broker.PriceTypeLimit:
		return "LMT"
	case broker.PriceTypeSL:
		return "SL-LMT"
	case broker.PriceTypeSLMarket:
		return "SL-MKT"
	}
	return priceType
}

func mapPriceTypeBack(t string) string {
	switch t {
	case "MKT":
		return broker.PriceTypeMarket
	case "LMT":
		return broker.PriceTypeLimit
	case "SL-LMT":
		return broker.PriceTypeSL
	case "SL-MKT":
		return broker.PriceTypeSLMarket
	}
	return t
}

func mapProduct(product string) string {
	switch product {
	case broker.ProductMIS:
		return "I"
	case broker.ProductCNC:
		return "C"
	case broker.ProductNRML:
		return "M"
	}
	return product
}

func mapProductBack(p string) string {
	switch p {
	case "I":
		return broker.ProductMIS
	case "C":
		return broker.ProductCNC
	case "M":
		return broker.ProductNRML
	}
	return p
}

func mapInterval(interval string) string {
	switch interval {
	case "1m":
		return "1"
	case "3m":
		return "3"
	case "5m":
		return "5"
	case "10m":
		return "10"
	case "15m":
		return "15"
	case "30m":
		return "30"
	case "1h":
		return "60"
	case "D", "1d":
		return "1440"
	}
	return interval
}
