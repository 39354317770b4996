// Package compositedge implements the XTS-protocol adapter used by Composite
// Edge. XTS splits the platform in two: the interactive API carries orders
// and portfolio reads, the market data API carries quotes and the feed, and
// each half has its own key pair and its own login. The adapter therefore
// advertises RequiresMarketDataCreds and Authenticate performs both logins.
package compositedge

import (
	"context"
	"strings"
	"time"

	"tradegate/internal/broker"
	"tradegate/internal/symbols"
)

const brokerName = "compositedge"

func init() {
	broker.Register(brokerName, func(deps broker.Deps) broker.Adapter {
		return New(deps)
	})
}

// Adapter is the Composite Edge implementation of the broker contract.
type Adapter struct {
	*broker.BaseAdapter
	rest     *RestClient
	stream   *marketStream
	registry *symbols.Registry
}

// New builds an unauthenticated Composite Edge adapter.
func New(deps broker.Deps) *Adapter {
	cfg := broker.AdapterConfig{
		Broker:         brokerName,
		RestURL:        "https://xts.compositedge.com",
		WsURL:          "wss://xts.compositedge.com/apimarketdata/socket.io/",
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

// Capabilities reports the XTS split-credential design.
func (a *Adapter) Capabilities() broker.Capabilities {
	return broker.Capabilities{
		MaxSymbolsPerConnection:      1500,
		PriceDivisor:                 1,
		PersistentOnClientDisconnect: false,
		RequiresMarketDataCreds:      true,
		AuthenticationStyle:          broker.AuthSessionToken,
	}
}

// Authenticate logs into both XTS halves. The interactive token becomes the
// session auth token and the market data token becomes the feed token.
func (a *Adapter) Authenticate(ctx context.Context, creds broker.Credentials) (*broker.Session, error) {
	if creds.MarketAPIKey == "" || creds.MarketAPISecret == "" {
		return nil, &broker.Error{Broker: brokerName, Kind: broker.ErrInvalidInput,
			Message: "market data api key and secret are required"}
	}

	interactive, err := a.rest.interactiveLogin(ctx, creds.APIKey, creds.APISecret)
	if err != nil {
		return nil, err
	}
	market, err := a.rest.marketLogin(ctx, creds.MarketAPIKey, creds.MarketAPISecret)
	if err != nil {
		return nil, err
	}

	session := &broker.Session{AuthToken: interactive.Result.Token, FeedToken: market.Result.Token}
	if creds.Extra == nil {
		creds.Extra = map[string]string{}
	}
	creds.Extra["user_id"] = interactive.Result.UserID
	creds.Extra["md_user_id"] = market.Result.UserID
	a.SetSession(creds, *session)
	return session, nil
}

// PlaceOrder submits an order.
func (a *Adapter) PlaceOrder(ctx context.Context, req *broker.OrderRequest) (*broker.OrderResult, error) {
	if err := broker.ValidOrder(req); err != nil {
		return nil, err
	}
	in, err := a.instrument(req.Exchange, req.Symbol)
	if err != nil {
		return nil, err
	}
	resp, err := a.rest.placeOrder(ctx, a.auth(), in, req)
	if err != nil {
		return nil, err
	}
	return &broker.OrderResult{OrderID: resp.Result.AppOrderID.String(), Status: "success"}, nil
}

// ModifyOrder updates an open order.
func (a *Adapter) ModifyOrder(ctx context.Context, req *broker.ModifyRequest) (*broker.OrderResult, error) {
	resp, err := a.rest.modifyOrder(ctx, a.auth(), req)
	if err != nil {
		return nil, err
	}
	return &broker.OrderResult{OrderID: resp.Result.AppOrderID.String(), Status: "success"}, nil
}

// CancelOrder cancels an open order.
func (a *Adapter) CancelOrder(ctx context.Context, orderID string) (*broker.OrderResult, error) {
	resp, err := a.rest.cancelOrder(ctx, a.auth(), orderID)
	if err != nil {
		return nil, err
	}
	return &broker.OrderResult{OrderID: resp.Result.AppOrderID.String(), Status: "success"}, nil
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
		case "New", "PendingNew", "Replaced", "Open", "Trigger Pending":
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

// OrderStatus fetches one order's latest state. XTS returns the full state
// history for an app order id; the last entry is current.
func (a *Adapter) OrderStatus(ctx context.Context, orderID string) (*broker.Order, error) {
	rows, err := a.rest.orderHistory(ctx, a.auth(), orderID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &broker.Error{Broker: brokerName, Kind: broker.ErrInvalidInput, Message: "order not found: " + orderID}
	}
	o := a.mapOrder(rows[len(rows)-1])
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
		ts, _ := time.ParseInLocation("02-01-2006 15:04:05", row.ExchangeTransactTime, istZone)
		out = append(out, broker.TradeFill{
			TradeID:   row.ExecutionID,
			OrderID:   row.AppOrderID.String(),
			Symbol:    a.canonicalSymbol(row.ExchangeSegment, row.TradingSymbol),
			Exchange:  canonicalExchange(row.ExchangeSegment),
			Action:    strings.ToUpper(row.OrderSide),
			Quantity:  row.LastTradedQuantity,
			Price:     row.LastTradedPrice,
			Product:   row.ProductType,
			Timestamp: ts,
		})
	}
	return out, nil
}

// Positions lists net positions.
func (a *Adapter) Positions(ctx context.Context) ([]broker.Position, error) {
	rows, err := a.rest.positions(ctx, a.auth())
	if err != nil {
		return nil, err
	}
	out := make([]broker.Position, 0, len(rows))
	for _, row := range rows {
		qty, _ := row.Quantity.Int64()
		avg := 0.0
		if qty > 0 {
			avg, _ = row.BuyAveragePrice.Float64()
		} else if qty < 0 {
			avg, _ = row.SellAveragePrice.Float64()
		}
		rpnl, _ := row.RealizedMTM.Float64()
		upnl, _ := row.UnrealizedMTM.Float64()
		out = append(out, broker.Position{
			Symbol:   a.canonicalSymbol(row.ExchangeSegment, row.TradingSymbol),
			Exchange: canonicalExchange(row.ExchangeSegment),
			Product:  row.ProductType,
			Quantity: int(qty),
			AvgPrice: avg,
			PnL:      rpnl + upnl,
		})
	}
	return out, nil
}

// Holdings lists demat holdings. XTS keys holdings by ISIN and reports the
// NSE instrument id, which the registry resolves back to a symbol.
func (a *Adapter) Holdings(ctx context.Context) ([]broker.Holding, error) {
	rows, err := a.rest.holdings(ctx, a.auth())
	if err != nil {
		return nil, err
	}
	out := make([]broker.Holding, 0, len(rows))
	for _, row := range rows {
		symbol := row.ISIN
		exchange := "NSE"
		if token := row.ExchangeNSEInstrumentID.String(); token != "" && token != "0" {
			if in, err := a.registry.LookupToken(brokerName, "NSE", token); err == nil {
				symbol = in.Symbol
			}
		}
		avg, _ := row.BuyAvgPrice.Float64()
		out = append(out, broker.Holding{
			Symbol:   symbol,
			Exchange: exchange,
			Quantity: row.HoldingQuantity,
			AvgPrice: avg,
		})
	}
	return out, nil
}

// Funds returns the margin summary.
func (a *Adapter) Funds(ctx context.Context) (*broker.Funds, error) {
	resp, err := a.rest.balance(ctx, a.auth())
	if err != nil {
		return nil, err
	}
	if len(resp.Result.BalanceList) == 0 {
		return &broker.Funds{}, nil
	}
	limits := resp.Result.BalanceList[0].LimitObject.RMSSubLimits
	cash, _ := limits.NetMarginAvailable.Float64()
	used, _ := limits.MarginUtilized.Float64()
	coll, _ := limits.CollateralValue.Float64()
	rpnl, _ := limits.RealizedMTM.Float64()
	upnl, _ := limits.UnrealizedMTM.Float64()
	return &broker.Funds{
		AvailableCash:  cash,
		Collateral:     coll,
		M2MRealized:    rpnl,
		M2MUnrealized:  upnl,
		UtilizedDebits: used,
	}, nil
}

// Quote fetches a touchline snapshot for one instrument.
func (a *Adapter) Quote(ctx context.Context, symbol, exchange string) (*broker.Quote, error) {
	in, err := a.instrument(exchange, symbol)
	if err != nil {
		return nil, err
	}
	tl, err := a.rest.quote(ctx, a.auth(), in, codeTouchline)
	if err != nil {
		return nil, err
	}
	if tl.Touchline != nil {
		tl = tl.Touchline
	}
	q := &broker.Quote{
		Symbol:    symbol,
		Exchange:  exchange,
		LTP:       tl.LastTradedPrice,
		Open:      tl.Open,
		High:      tl.High,
		Low:       tl.Low,
		PrevClose: tl.Close,
		Volume:    tl.TotalTradedQuantity,
	}
	if tl.BidInfo != nil {
		q.Bid = tl.BidInfo.Price
	}
	if tl.AskInfo != nil {
		q.Ask = tl.AskInfo.Price
	}
	return q, nil
}

// Depth fetches the five-level ladder snapshot.
func (a *Adapter) Depth(ctx context.Context, symbol, exchange string) (*broker.Depth, error) {
	in, err := a.instrument(exchange, symbol)
	if err != nil {
		return nil, err
	}
	tl, err := a.rest.quote(ctx, a.auth(), in, codeMarketDepth)
	if err != nil {
		return nil, err
	}
	out := &broker.Depth{Symbol: symbol, Exchange: exchange}
	if tl.Touchline != nil {
		out.LTP = tl.Touchline.LastTradedPrice
	} else {
		out.LTP = tl.LastTradedPrice
	}
	for _, lvl := range tl.Bids {
		out.Buy = append(out.Buy, broker.DepthLevel{Price: lvl.Price, Quantity: lvl.Size, Orders: lvl.TotalOrders})
		out.TotalBuyQty += lvl.Size
	}
	for _, lvl := range tl.Asks {
		out.Sell = append(out.Sell, broker.DepthLevel{Price: lvl.Price, Quantity: lvl.Size, Orders: lvl.TotalOrders})
		out.TotalSellQty += lvl.Size
	}
	return out, nil
}

// History fetches time-series candles.
func (a *Adapter) History(ctx context.Context, symbol, exchange, interval string, from, to time.Time) ([]broker.Candle, error) {
	in, err := a.instrument(exchange, symbol)
	if err != nil {
		return nil, err
	}
	compression, err := mapCompression(interval)
	if err != nil {
		return nil, err
	}
	return a.rest.ohlc(ctx, a.auth(), in, compression, from, to)
}

// Instruments downloads the master contract for every segment.
func (a *Adapter) Instruments(ctx context.Context) ([]symbols.Instrument, error) {
	return a.rest.instruments(ctx, a.auth())
}

// Connect opens the market data socket using the feed token.
func (a *Adapter) Connect(ctx context.Context) error {
	creds, session := a.CredentialsAndSession()
	if session.FeedToken == "" {
		return &broker.Error{Broker: brokerName, Kind: broker.ErrInvalidToken, Message: "no market data session; authenticate first"}
	}
	return a.stream.connect(ctx, creds.Extra["md_user_id"], session.FeedToken)
}

// Disconnect closes the market data socket.
func (a *Adapter) Disconnect() error { return a.stream.disconnect() }

// Subscribe adds items to the feed. XTS subscriptions go through the market
// data REST API; the socket only delivers.
func (a *Adapter) Subscribe(items []broker.StreamItem) error { return a.stream.subscribe(items) }

// Unsubscribe removes items from the feed.
func (a *Adapter) Unsubscribe(items []broker.StreamItem) error { return a.stream.unsubscribe(items) }

// UnsubscribeAll drops every subscription but keeps the socket open.
func (a *Adapter) UnsubscribeAll() error { return a.stream.unsubscribeAll() }

func (a *Adapter) auth() authCtx {
	_, session := a.CredentialsAndSession()
	return authCtx{Token: session.AuthToken, MarketToken: session.FeedToken}
}

func (a *Adapter) instrument(exchange, symbol string) (*symbols.Instrument, error) {
	in, err := a.registry.Lookup(brokerName, exchange, symbol)
	if err != nil {
		return nil, &broker.Error{Broker: brokerName, Kind: broker.ErrInvalidInput, Message: err.Error()}
	}
	return in, nil
}

func (a *Adapter) canonicalSymbol(segment, brSymbol string) string {
	if in, err := a.registry.LookupBroker(brokerName, segment, brSymbol); err == nil {
		return in.Symbol
	}
	return brSymbol
}

func (a *Adapter) mapOrder(row orderRow) broker.Order {
	ts, _ := time.ParseInLocation("02-01-2006 15:04:05", row.ExchangeTransactTime, istZone)
	return broker.Order{
		OrderID:      row.AppOrderID.String(),
		Symbol:       a.canonicalSymbol(row.ExchangeSegment, row.TradingSymbol),
		Exchange:     canonicalExchange(row.ExchangeSegment),
		Action:       strings.ToUpper(row.OrderSide),
		Quantity:     row.OrderQuantity,
		Price:        row.OrderPrice,
		TriggerPrice: row.OrderStopPrice,
		PriceType:    mapOrderTypeBack(row.OrderType),
		Product:      row.ProductType,
		OrderStatus:  row.OrderStatus,
		Timestamp:    ts,
	}
}

var istZone = time.FixedZone("IST", 5*3600+30*60)

// XTS message codes.
const (
	codeTouchline   = 1501
	codeMarketDepth = 1502
)

// segmentIDs maps XTS segment names to the numeric ids the market data API
// and the feed use.
var segmentIDs = map[string]int{
	"NSECM": 1,
	"NSEFO": 2,
	"NSECD": 3,
	"BSECM": 11,
	"BSEFO": 12,
	"MCXFO": 51,
}

var segmentNames = func() map[int]string {
	out := make(map[int]string, len(segmentIDs))
	for name, id := range segmentIDs {
		out[id] = name
	}
	return out
}()

func canonicalExchange(segment string) string {
	switch segment {
	case "NSECM":
		return "NSE"
	case "NSEFO":
		return "NFO"
	case "NSECD":
		return "CDS"
	case "BSECM":
		return "BSE"
	case "BSEFO":
		return "BFO"
	case "MCXFO":
		return "MCX"
	}
	return segment
}

func mapOrderType(priceType string) string {
	switch priceType {
	case broker.PriceTypeMarket:
		return "MARKET"
	case broker.PriceTypeLimit:
		return "LIMIT"
	case broker.PriceTypeSL:
		return "STOPLIMIT"
	case broker.PriceTypeSLMarket:
		return "STOPMARKET"
	}
	return priceType
}

func mapOrderTypeBack(t string) string {
	switch strings.ToUpper(t) {
	case "MARKET":
		return broker.PriceTypeMarket
	case "LIMIT":
		return broker.PriceTypeLimit
	case "STOPLIMIT":
		return broker.PriceTypeSL
	case "STOPMARKET":
		return broker.PriceTypeSLMarket
	}
	return t
}

func mapCompression(interval string) (string, error) {
	switch interval {
	case "1m":
		return "60", nil
	case "3m":
		return "180", nil
	case "5m":
		return "300", nil
	case "10m":
		return "600", nil
	case "15m":
		return "900", nil
	case "30m":
		return "1800", nil
	case "1h":
		return "3600", nil
	case "D", "1d":
		return "86400", nil
	}
	return "", &broker.Error{Broker: brokerName, Kind: broker.ErrInvalidInput, Message: "unsupported interval " + interval}
}
