package angelone

// envelope is the common SmartAPI response wrapper.
type envelope struct {
	Status    bool   `json:"status"`
	Message   string `json:"message"`
	ErrorCode string `json:"errorcode"`
}

type loginResponse struct {
	envelope
	Data struct {
		JWTToken     string `json:"jwtToken"`
		RefreshToken string `json:"refreshToken"`
		FeedToken    string `json:"feedToken"`
	} `json:"data"`
}

type orderResponse struct {
	envelope
	Data struct {
		Script  string `json:"script"`
		OrderID string `json:"orderid"`
	} `json:"data"`
}

type orderRow struct {
	OrderID         string `json:"orderid"`
	Status          string `json:"status"`
	TradingSymbol   string `json:"tradingsymbol"`
	SymbolToken     string `json:"symboltoken"`
	Exchange        string `json:"exchange"`
	TransactionType string `json:"transactiontype"`
	OrderType       string `json:"ordertype"`
	ProductType     string `json:"producttype"`
	Quantity        string `json:"quantity"`
	Price           string `json:"price"`
	TriggerPrice    string `json:"triggerprice"`
	UpdateTime      string `json:"updatetime"`
}

type ordersResponse struct {
	envelope
	Data []orderRow `json:"data"`
}

type tradeRow struct {
	OrderID         string `json:"orderid"`
	FillID          string `json:"fillid"`
	TradingSymbol   string `json:"tradingsymbol"`
	Exchange        string `json:"exchange"`
	TransactionType string `json:"transactiontype"`
	ProductType     string `json:"producttype"`
	FillSize        string `json:"fillsize"`
	FillPrice       string `json:"fillprice"`
	FillTime        string `json:"filltime"`
}

type tradesResponse struct {
	envelope
	Data []tradeRow `json:"data"`
}

type positionRow struct {
	TradingSymbol string `json:"tradingsymbol"`
	Exchange      string `json:"exchange"`
	ProductType   string `json:"producttype"`
	NetQty        string `json:"netqty"`
	AvgNetPrice   string `json:"avgnetprice"`
	LTP           string `json:"ltp"`
	PnL           string `json:"pnl"`
}

type positionsResponse struct {
	envelope
	Data []positionRow `json:"data"`
}

type holdingRow struct {
	TradingSymbol string  `json:"tradingsymbol"`
	Exchange      string  `json:"exchange"`
	Quantity      int     `json:"quantity"`
	AveragePrice  float64 `json:"averageprice"`
	LTP           float64 `json:"ltp"`
	ProfitAndLoss float64 `json:"profitandloss"`
	PnLPercent    float64 `json:"pnlpercentage"`
}

type holdingsResponse struct {
	envelope
	Data []holdingRow `json:"data"`
}

type fundsResponse struct {
	envelope
	Data struct {
		AvailableCash   string `json:"availablecash"`
		Collateral      string `json:"collateral"`
		M2MRealized     string `json:"m2mrealized"`
		M2MUnrealized   string `json:"m2munrealized"`
		UtilizedDebits  string `json:"utiliseddebits"`
	} `json:"data"`
}

type quoteResponse struct {
	envelope
	Data struct {
		Fetched []quoteEntry `json:"fetched"`
	} `json:"data"`
}

type quoteEntry struct {
	Exchange      string  `json:"exchange"`
	TradingSymbol string  `json:"tradingSymbol"`
	LTP           float64 `json:"ltp"`
	Open          float64 `json:"open"`
	High          float64 `json:"high"`
	Low           float64 `json:"low"`
	Close         float64 `json:"close"`
	TradeVolume   int64   `json:"tradeVolume"`
	Depth         struct {
		Buy  []depthEntry `json:"buy"`
		Sell []depthEntry `json:"sell"`
	} `json:"depth"`
}

type depthEntry struct {
	Price    float64 `json:"price"`
	Quantity int64   `json:"quantity"`
	Orders   int     `json:"orders"`
}

type candleResponse struct {
	envelope
	Data [][]any `json:"data"`
}

// scripRow is one row of the OpenAPI scrip master dump. Numeric fields come
// across as strings; strike is in paise.
type scripRow struct {
	Token          string `json:"token"`
	Symbol         string `json:"symbol"`
	Name           string `json:"name"`
	Expiry         string `json:"expiry"`
	Strike         string `json:"strike"`
	LotSize        string `json:"lotsize"`
	InstrumentType string `json:"instrumenttype"`
	ExchSeg        string `json:"exch_seg"`
	TickSize       string `json:"tick_size"`
}

// subscribeRequest is the SmartStream control frame.
type subscribeRequest struct {
	CorrelationID string          `json:"correlationID"`
	Action        int             `json:"action"` // 1 subscribe, 0 unsubscribe
	Params        subscribeParams `json:"params"`
}

type subscribeParams struct {
	Mode      int         `json:"mode"`
	TokenList []tokenList `json:"tokenList"`
}

type tokenList struct {
	ExchangeType int      `json:"exchangeType"`
	Tokens       []string `json:"tokens"`
}
