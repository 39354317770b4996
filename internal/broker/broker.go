// Package broker defines the adapter contract every supported broker
// implements: a canonical order API, account reads, and a market data stream
// normalized to the gateway's tick shapes.
package broker

import (
	"context"
	"time"

	"tradegate/internal/bus"
	"tradegate/internal/symbols"
)

// AuthStyle is how a broker establishes a session.
type AuthStyle string

const (
	AuthOAuth2       AuthStyle = "OAUTH2"        // request-token exchange signed with api_secret
	AuthAPIKeyPair   AuthStyle = "API_KEY_PAIR"  // key+secret (+TOTP) login returning a JWT
	AuthSessionToken AuthStyle = "SESSION_TOKEN" // password+TOTP hash login returning a session token
)

// Canonical order fields.
const (
	ActionBuy  = "BUY"
	ActionSell = "SELL"

	PriceTypeMarket   = "MARKET"
	PriceTypeLimit    = "LIMIT"
	PriceTypeSL       = "SL"
	PriceTypeSLMarket = "SL-M"

	ProductCNC  = "CNC"  // equity delivery
	ProductNRML = "NRML" // carry-forward derivatives
	ProductMIS  = "MIS"  // intraday
)

// Capabilities describe per-broker quirks the gateway must honor.
type Capabilities struct {
	// MaxSymbolsPerConnection caps stream subscriptions per upstream socket.
	MaxSymbolsPerConnection int
	// PriceDivisor converts streamed prices to rupees (100 for paise feeds).
	PriceDivisor float64
	// PersistentOnClientDisconnect keeps the upstream socket alive when the
	// last gateway client detaches; subscriptions are dropped instead.
	PersistentOnClientDisconnect bool
	// RequiresMarketDataCreds marks brokers with a separate market data login.
	RequiresMarketDataCreds bool
	AuthenticationStyle     AuthStyle
}

// Credentials carry a user's broker secrets into Authenticate. Extra holds
// flow-specific values such as request_token, totp, or password.
type Credentials struct {
	APIKey          string
	APISecret       string
	MarketAPIKey    string
	MarketAPISecret string
	Extra           map[string]string
}

// Session is the product of a successful broker login.
type Session struct {
	AuthToken string
	FeedToken string
}

// OrderRequest is the canonical order shape submitted to any broker.
type OrderRequest struct {
	Symbol            string  `json:"symbol"`
	Exchange          string  `json:"exchange"`
	Action            string  `json:"action"`
	Quantity          int     `json:"quantity"`
	PriceType         string  `json:"pricetype"`
	Product           string  `json:"product"`
	Price             float64 `json:"price,omitempty"`
	TriggerPrice      float64 `json:"trigger_price,omitempty"`
	DisclosedQuantity int     `json:"disclosed_quantity,omitempty"`
	Strategy          string  `json:"strategy,omitempty"`
}

// ModifyRequest changes an open order.
type ModifyRequest struct {
	OrderID      string  `json:"orderid"`
	Symbol       string  `json:"symbol"`
	Exchange     string  `json:"exchange"`
	Action       string  `json:"action"`
	Quantity     int     `json:"quantity"`
	PriceType    string  `json:"pricetype"`
	Product      string  `json:"product"`
	Price        float64 `json:"price,omitempty"`
	TriggerPrice float64 `json:"trigger_price,omitempty"`
}

// OrderResult is a broker's acknowledgment of an order operation.
type OrderResult struct {
	OrderID string `json:"orderid"`
	Status  string `json:"status"`
}

// Order is one row of the open/completed order book.
type Order struct {
	OrderID      string    `json:"orderid"`
	Symbol       string    `json:"symbol"`
	Exchange     string    `json:"exchange"`
	Action       string    `json:"action"`
	Quantity     int       `json:"quantity"`
	Price        float64   `json:"price"`
	TriggerPrice float64   `json:"trigger_price"`
	PriceType    string    `json:"pricetype"`
	Product      string    `json:"product"`
	OrderStatus  string    `json:"order_status"`
	Timestamp    time.Time `json:"timestamp"`
}

// TradeFill is one execution from the trade book.
type TradeFill struct {
	TradeID   string    `json:"tradeid"`
	OrderID   string    `json:"orderid"`
	Symbol    string    `json:"symbol"`
	Exchange  string    `json:"exchange"`
	Action    string    `json:"action"`
	Quantity  int       `json:"quantity"`
	Price     float64   `json:"average_price"`
	Product   string    `json:"product"`
	Timestamp time.Time `json:"timestamp"`
}

// Position is one net intraday/carry position.
type Position struct {
	Symbol   string  `json:"symbol"`
	Exchange string  `json:"exchange"`
	Product  string  `json:"product"`
	Quantity int     `json:"quantity"`
	AvgPrice float64 `json:"average_price"`
	LTP      float64 `json:"ltp"`
	PnL      float64 `json:"pnl"`
}

// Holding is one demat holding.
type Holding struct {
	Symbol     string  `json:"symbol"`
	Exchange   string  `json:"exchange"`
	Quantity   int     `json:"quantity"`
	AvgPrice   float64 `json:"average_price"`
	LTP        float64 `json:"ltp"`
	PnL        float64 `json:"pnl"`
	PnLPercent float64 `json:"pnl_percent"`
}

// Funds is the account margin summary.
type Funds struct {
	AvailableCash  float64 `json:"availablecash"`
	Collateral     float64 `json:"collateral"`
	M2MRealized    float64 `json:"m2mrealized"`
	M2MUnrealized  float64 `json:"m2munrealized"`
	UtilizedDebits float64 `json:"utiliseddebits"`
}

// Quote is a REST snapshot of one instrument.
type Quote struct {
	Symbol    string  `json:"symbol"`
	Exchange  string  `json:"exchange"`
	LTP       float64 `json:"ltp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	PrevClose float64 `json:"prev_close"`
	Volume    int64   `json:"volume"`
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
}

// Depth is a REST snapshot of the order book ladder.
type Depth struct {
	Symbol       string       `json:"symbol"`
	Exchange     string       `json:"exchange"`
	LTP          float64      `json:"ltp"`
	Buy          []DepthLevel `json:"buy"`
	Sell         []DepthLevel `json:"sell"`
	TotalBuyQty  int64        `json:"totalbuyqty"`
	TotalSellQty int64        `json:"totalsellqty"`
}

// DepthLevel is one price level of depth.
type DepthLevel struct {
	Price    float64 `json:"price"`
	Quantity int64   `json:"quantity"`
	Orders   int     `json:"orders"`
}

// Candle is one OHLCV bar.
type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    int64     `json:"volume"`
}

// Tick shapes streamed to the bus. Prices are rupees after the capability
// divisor is applied; timestamps carry the exchange zone.

// LTPTick is the minimal streamed update.
type LTPTick struct {
	Symbol    string    `json:"symbol"`
	Exchange  string    `json:"exchange"`
	LTP       float64   `json:"ltp"`
	Timestamp time.Time `json:"timestamp"`
}

// QuoteTick adds session OHLC, volume, and the touch.
type QuoteTick struct {
	LTPTick
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int64   `json:"volume"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	BidQty int64   `json:"bid_qty"`
	AskQty int64   `json:"ask_qty"`
}

// DepthTick adds the five-level ladder.
type DepthTick struct {
	QuoteTick
	Buy          []DepthLevel `json:"buy"`
	Sell         []DepthLevel `json:"sell"`
	TotalBuyQty  int64        `json:"totalbuyqty"`
	TotalSellQty int64        `json:"totalsellqty"`
}

// StreamItem is one instrument/mode pair on the market data stream.
type StreamItem struct {
	Symbol   string
	Exchange string
	Mode     bus.Mode
}

// Handlers for normalized stream events.
type (
	LTPHandler   func(t *LTPTick)
	QuoteHandler func(t *QuoteTick)
	DepthHandler func(t *DepthTick)
	ErrorHandler func(err error)
)

// OrderAPI is the canonical trading surface. The live adapters and the
// sandbox engine both implement it, so routing code never branches on which
// one it holds.
type OrderAPI interface {
	PlaceOrder(ctx context.Context, req *OrderRequest) (*OrderResult, error)
	ModifyOrder(ctx context.Context, req *ModifyRequest) (*OrderResult, error)
	CancelOrder(ctx context.Context, orderID string) (*OrderResult, error)
	CancelAllOrders(ctx context.Context) ([]OrderResult, error)

	Orderbook(ctx context.Context) ([]Order, error)
	Tradebook(ctx context.Context) ([]TradeFill, error)
	OrderStatus(ctx context.Context, orderID string) (*Order, error)
	Positions(ctx context.Context) ([]Position, error)
	Holdings(ctx context.Context) ([]Holding, error)
	Funds(ctx context.Context) (*Funds, error)
}

// MarketAPI is the REST market data surface.
type MarketAPI interface {
	Quote(ctx context.Context, symbol, exchange string) (*Quote, error)
	Depth(ctx context.Context, symbol, exchange string) (*Depth, error)
	History(ctx context.Context, symbol, exchange, interval string, from, to time.Time) ([]Candle, error)
}

// Adapter is the full per-broker contract.
type Adapter interface {
	OrderAPI
	MarketAPI

	// Broker returns the lowercase broker identifier.
	Broker() string
	Capabilities() Capabilities

	// Authenticate performs the broker login flow and returns session tokens.
	Authenticate(ctx context.Context, creds Credentials) (*Session, error)
	// SetSession installs credentials and tokens for subsequent calls.
	SetSession(creds Credentials, session Session)

	// Instruments downloads the broker's master contract in canonical form.
	Instruments(ctx context.Context) ([]symbols.Instrument, error)

	// Connect establishes the upstream market data socket.
	Connect(ctx context.Context) error
	Disconnect() error
	Subscribe(items []StreamItem) error
	Unsubscribe(items []StreamItem) error
	UnsubscribeAll() error

	SetLTPHandler(h LTPHandler)
	SetQuoteHandler(h QuoteHandler)
	SetDepthHandler(h DepthHandler)
	SetErrorHandler(h ErrorHandler)

	IsConnected() bool
	LastTickTime() time.Time
}

// ValidOrder checks the canonical constraints shared by every broker.
func ValidOrder(req *OrderRequest) error {
	if req.Symbol == "" || req.Exchange == "" {
		return &Error{Kind: ErrInvalidInput, Message: "symbol and exchange are required"}
	}
	if !bus.ValidExchange(req.Exchange) {
		return &Error{Kind: ErrInvalidInput, Message: "unknown exchange " + req.Exchange}
	}
	if req.Action != ActionBuy && req.Action != ActionSell {
		return &Error{Kind: ErrInvalidInput, Message: "action must be BUY or SELL"}
	}
	if req.Quantity <= 0 {
		return &Error{Kind: ErrInvalidInput, Message: "quantity must be positive"}
	}
	switch req.PriceType {
	case PriceTypeMarket:
	case PriceTypeLimit:
		if req.Price <= 0 {
			return &Error{Kind: ErrInvalidInput, Message: "limit orders need a positive price"}
		}
	case PriceTypeSL:
		if req.Price <= 0 || req.TriggerPrice <= 0 {
			return &Error{Kind: ErrInvalidInput, Message: "stop-loss orders need price and trigger price"}
		}
	case PriceTypeSLMarket:
		if req.TriggerPrice <= 0 {
			return &Error{Kind: ErrInvalidInput, Message: "stop-loss market orders need a trigger price"}
		}
	default:
		return &Error{Kind: ErrInvalidInput, Message: "unknown price type " + req.PriceType}
	}
	switch req.Product {
	case ProductCNC, ProductNRML, ProductMIS:
	default:
		return &Error{Kind: ErrInvalidInput, Message: "unknown product " + req.Product}
	}
	return nil
}
