package compositedge

import "encoding/json"

// envelope is the common XTS response wrapper. type is "success" or "error".
type envelope struct {
	Type        string `json:"type"`
	Code        string `json:"code"`
	Description string `json:"description"`
}

type loginResponse struct {
	envelope
	Result struct {
		Token  string `json:"token"`
		UserID string `json:"userID"`
	} `json:"result"`
}

type orderResponse struct {
	envelope
	Result struct {
		AppOrderID json.Number `json:"AppOrderID"`
	} `json:"result"`
}

type orderRow struct {
	AppOrderID           json.Number `json:"AppOrderID"`
	OrderStatus          string      `json:"OrderStatus"`
	TradingSymbol        string      `json:"TradingSymbol"`
	ExchangeSegment      string      `json:"ExchangeSegment"`
	OrderSide            string      `json:"OrderSide"`
	OrderType            string      `json:"OrderType"`
	ProductType          string      `json:"ProductType"`
	OrderQuantity        int         `json:"OrderQuantity"`
	OrderPrice           float64     `json:"OrderPrice"`
	OrderStopPrice       float64     `json:"OrderStopPrice"`
	OrderAverageTradedPrice string   `json:"OrderAverageTradedPrice"`
	ExchangeTransactTime string      `json:"ExchangeTransactTime"`
}

type ordersResponse struct {
	envelope
	Result []orderRow `json:"result"`
}

type tradeRow struct {
	AppOrderID        json.Number `json:"AppOrderID"`
	ExecutionID       string      `json:"ExecutionID"`
	TradingSymbol     string      `json:"TradingSymbol"`
	ExchangeSegment   string      `json:"ExchangeSegment"`
	OrderSide         string      `json:"OrderSide"`
	ProductType       string      `json:"ProductType"`
	LastTradedQuantity int        `json:"LastTradedQuantity"`
	LastTradedPrice   float64     `json:"LastTradedPrice"`
	ExchangeTransactTime string   `json:"ExchangeTransactTime"`
}

type tradesResponse struct {
	envelope
	Result []tradeRow `json:"result"`
}

type positionsResponse struct {
	envelope
	Result struct {
		PositionList []positionRow `json:"positionList"`
	} `json:"result"`
}

type positionRow struct {
	TradingSymbol   string      `json:"TradingSymbol"`
	ExchangeSegment string      `json:"ExchangeSegment"`
	ProductType     string      `json:"ProductType"`
	Quantity        json.Number `json:"Quantity"`
	BuyAveragePrice json.Number `json:"BuyAveragePrice"`
	SellAveragePrice json.Number `json:"SellAveragePrice"`
	NetAmount       json.Number `json:"NetAmount"`
	UnrealizedMTM   json.Number `json:"UnrealizedMTM"`
	RealizedMTM     json.Number `json:"RealizedMTM"`
}

type holdingsResponse struct {
	envelope
	Result struct {
		RMSHoldings struct {
			Holdings map[string]holdingRow `json:"Holdings"`
		} `json:"RMSHoldings"`
	} `json:"result"`
}

type holdingRow struct {
	ISIN               string      `json:"ISIN"`
	HoldingQuantity    int         `json:"HoldingQuantity"`
	BuyAvgPrice        json.Number `json:"BuyAvgPrice"`
	ExchangeNSEInstrumentID json.Number `json:"ExchangeNSEInstrumentId"`
}

type balanceResponse struct {
	envelope
	Result struct {
		BalanceList []struct {
			LimitObject struct {
				RMSSubLimits struct {
					NetMarginAvailable json.Number `json:"netMarginAvailable"`
					MarginUtilized     json.Number `json:"marginUtilized"`
					CollateralValue    json.Number `json:"collateral"`
					MTM                json.Number `json:"MTM"`
					UnrealizedMTM      json.Number `json:"UnrealizedMTM"`
					RealizedMTM        json.Number `json:"RealizedMTM"`
				} `json:"RMSSubLimits"`
			} `json:"limitObject"`
		} `json:"BalanceList"`
	} `json:"result"`
}

type quotesResponse struct {
	envelope
	Result struct {
		ListQuotes []string `json:"listQuotes"`
	} `json:"result"`
}

// touchline is the decoded 1501 quote payload. Depth payloads (1502) reuse
// the same shape with the full ladders populated.
type touchline struct {
	MessageCode          int     `json:"MessageCode"`
	ExchangeSegment      int     `json:"ExchangeSegment"`
	ExchangeInstrumentID int64   `json:"ExchangeInstrumentID"`
	LastTradedPrice      float64 `json:"LastTradedPrice"`
	Open                 float64 `json:"Open"`
	High                 float64 `json:"High"`
	Low                  float64 `json:"Low"`
	Close                float64 `json:"Close"`
	TotalTradedQuantity  int64   `json:"TotalTradedQuantity"`
	LastUpdateTime       int64   `json:"LastUpdateTime"`
	Touchline            *touchline `json:"Touchline"`
	Bids                 []xtsDepthLevel `json:"Bids"`
	Asks                 []xtsDepthLevel `json:"Asks"`
	BidInfo              *xtsDepthLevel  `json:"BidInfo"`
	AskInfo              *xtsDepthLevel  `json:"AskInfo"`
}

type xtsDepthLevel struct {
	Size       int64   `json:"Size"`
	Price      float64 `json:"Price"`
	TotalOrders int    `json:"TotalOrders"`
}

type subscriptionRequest struct {
	Instruments    []xtsInstrument `json:"instruments"`
	XtsMessageCode int             `json:"xtsMessageCode"`
}

type xtsInstrument struct {
	ExchangeSegment      int   `json:"exchangeSegment"`
	ExchangeInstrumentID int64 `json:"exchangeInstrumentID"`
}
