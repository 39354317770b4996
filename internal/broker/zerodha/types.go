package zerodha

// envelope is the common REST response wrapper.
type envelope struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	ErrorType string `json:"error_type"`
}

type sessionResponse struct {
	envelope
	Data struct {
		UserID      string `json:"user_id"`
		AccessToken string `json:"access_token"`
		PublicToken string `json:"public_token"`
	} `json:"data"`
}

type orderResponse struct {
	envelope
	Data struct {
		OrderID string `json:"order_id"`
	} `json:"data"`
}

type orderRow struct {
	OrderID         string  `json:"order_id"`
	Status          string  `json:"status"`
	Tradingsymbol   string  `json:"tradingsymbol"`
	Exchange        string  `json:"exchange"`
	TransactionType string  `json:"transaction_type"`
	OrderType       string  `json:"order_type"`
	Product         string  `json:"product"`
	Quantity        int     `json:"quantity"`
	Price           float64 `json:"price"`
	TriggerPrice    float64 `json:"trigger_price"`
	OrderTimestamp  string  `json:"order_timestamp"`
}

type ordersResponse struct {
	envelope
	Data []orderRow `json:"data"`
}

type tradeRow struct {
	TradeID        string  `json:"trade_id"`
	OrderID        string  `json:"order_id"`
	Tradingsymbol  string  `json:"tradingsymbol"`
	Exchange       string  `json:"exchange"`
	TransactionType string `json:"transaction_type"`
	Product        string  `json:"product"`
	AveragePrice   float64 `json:"average_price"`
	Quantity       int     `json:"quantity"`
	FillTimestamp  string  `json:"fill_timestamp"`
}

type tradesResponse struct {
	envelope
	Data []tradeRow `json:"data"`
}

type positionRow struct {
	Tradingsymbol string  `json:"tradingsymbol"`
	Exchange      string  `json:"exchange"`
	Product       string  `json:"product"`
	Quantity      int     `json:"quantity"`
	AveragePrice  float64 `json:"average_price"`
	LastPrice     float64 `json:"last_price"`
	PnL           float64 `json:"pnl"`
}

type positionsResponse struct {
	envelope
	Data struct {
		Net []positionRow `json:"net"`
	} `json:"data"`
}

type holdingRow struct {
	Tradingsymbol string  `json:"tradingsymbol"`
	Exchange      string  `json:"exchange"`
	Quantity      int     `json:"quantity"`
	AveragePrice  float64 `json:"average_price"`
	LastPrice     float64 `json:"last_price"`
	PnL           float64 `json:"pnl"`
}

type holdingsResponse struct {
	envelope
	Data []holdingRow `json:"data"`
}

type marginsResponse struct {
	envelope
	Data struct {
		Equity struct {
			Net       float64 `json:"net"`
			Available struct {
				Cash       float64 `json:"cash"`
				Collateral float64 `json:"collateral"`
			} `json:"available"`
			Utilised struct {
				Debits    float64 `json:"debits"`
				M2MReal   float64 `json:"m2m_realised"`
				M2MUnreal float64 `json:"m2m_unrealised"`
			} `json:"utilised"`
		} `json:"equity"`
	} `json:"data"`
}

type quoteEntry struct {
	LastPrice float64 `json:"last_price"`
	Volume    int64   `json:"volume"`
	OHLC      struct {
		Open  float64 `json:"open"`
		High  float64 `json:"high"`
		Low   float64 `json:"low"`
		Close float64 `json:"close"`
	} `json:"ohlc"`
	Depth struct {
		Buy  []depthEntry `json:"buy"`
		Sell []depthEntry `json:"sell"`
	} `json:"depth"`
}

type depthEntry struct {
	Price    float64 `json:"price"`
	Quantity int64   `json:"quantity"`
	Orders   int     `json:"orders"`
}

type quoteResponse struct {
	envelope
	Data map[string]quoteEntry `json:"data"`
}

type historyResponse struct {
	envelope
	Data struct {
		Candles [][]any `json:"candles"`
	} `json:"data"`
}
