package flattrade

// Noren responses signal failure with stat != "Ok" and an emsg.

type norenStatus struct {
	Stat string `json:"stat"`
	Emsg string `json:"emsg"`
}

type tokenResponse struct {
	norenStatus
	Token  string `json:"token"`
	Client string `json:"client"`
}

type orderResponse struct {
	norenStatus
	OrderNo string `json:"norenordno"`
}

type orderRow struct {
	norenStatus
	OrderNo       string `json:"norenordno"`
	Status        string `json:"status"`
	TradingSymbol string `json:"tsym"`
	Exchange      string `json:"exch"`
	TransType     string `json:"trantype"` // B / S
	PriceType     string `json:"prctyp"`   // MKT / LMT / SL-LMT / SL-MKT
	Product       string `json:"prd"`      // I / C / M
	Quantity      string `json:"qty"`
	Price         string `json:"prc"`
	TriggerPrice  string `json:"trgprc"`
	OrderTime     string `json:"norentm"`
}

type tradeRow struct {
	norenStatus
	OrderNo       string `json:"norenordno"`
	FillID        string `json:"flid"`
	TradingSymbol string `json:"tsym"`
	Exchange      string `json:"exch"`
	TransType     string `json:"trantype"`
	Product       string `json:"prd"`
	FillQty       string `json:"flqty"`
	FillPrice     string `json:"flprc"`
	FillTime      string `json:"fltm"`
}

type positionRow struct {
	norenStatus
	TradingSymbol string `json:"tsym"`
	Exchange      string `json:"exch"`
	Product       string `json:"prd"`
	NetQty        string `json:"netqty"`
	NetAvgPrice   string `json:"netavgprc"`
	LTP           string `json:"lp"`
	RealizedPnL   string `json:"rpnl"`
	UnrealizedPnL string `json:"urmtom"`
}

type holdingRow struct {
	norenStatus
	ExchSymbols []struct {
		Exchange      string `json:"exch"`
		TradingSymbol string `json:"tsym"`
	} `json:"exch_tsym"`
	HoldQty   string `json:"holdqty"`
	UploadPrc string `json:"upldprc"`
}

type limitsResponse struct {
	norenStatus
	Cash       string `json:"cash"`
	MarginUsed string `json:"marginused"`
	Collateral string `json:"collateral"`
	RealizedM2M string `json:"rpnl"`
	UnrealizedM2M string `json:"urmtom"`
}

type quoteResponse struct {
	norenStatus
	TradingSymbol string `json:"tsym"`
	LTP           string `json:"lp"`
	Open          string `json:"o"`
	High          string `json:"h"`
	Low           string `json:"l"`
	Close         string `json:"c"`
	Volume        string `json:"v"`
	BuyPrice1     string `json:"bp1"`
	SellPrice1    string `json:"sp1"`
	BuyQty1       string `json:"bq1"`
	SellQty1      string `json:"sq1"`
}

type candleRow struct {
	norenStatus
	Time   string `json:"time"`
	Open   string `json:"into"`
	High   string `json:"inth"`
	Low    string `json:"intl"`
	Close  string `json:"intc"`
	Volume string `json:"intv"`
}

// feedMessage is one websocket event. Touchline ("tf"/"tk") and depth
// ("df"/"dk") share the frame; absent fields mean "unchanged".
type feedMessage struct {
	Type     string `json:"t"`
	Exchange string `json:"e"`
	Token    string `json:"tk"`
	LTP      string `json:"lp"`
	Open     string `json:"o"`
	High     string `json:"h"`
	Low      string `json:"l"`
	Close    string `json:"c"`
	Volume   string `json:"v"`
	FeedTime string `json:"ft"`

	BP1 string `json:"bp1"`
	BP2 string `json:"bp2"`
	BP3 string `json:"bp3"`
	BP4 string `json:"bp4"`
	BP5 string `json:"bp5"`
	SP1 string `json:"sp1"`
	SP2 string `json:"sp2"`
	SP3 string `json:"sp3"`
	SP4 string `json:"sp4"`
	SP5 string `json:"sp5"`
	BQ1 string `json:"bq1"`
	BQ2 string `json:"bq2"`
	BQ3 string `json:"bq3"`
	BQ4 string `json:"bq4"`
	BQ5 string `json:"bq5"`
	SQ1 string `json:"sq1"`
	SQ2 string `json:"sq2"`
	SQ3 string `json:"sq3"`
	SQ4 string `json:"sq4"`
	SQ5 string `json:"sq5"`
	BO1 string `json:"bo1"`
	BO2 string `json:"bo2"`
	BO3 string `json:"bo3"`
	BO4 string `json:"bo4"`
	BO5 string `json:"bo5"`
	SO1 string `json:"so1"`
	SO2 string `json:"so2"`
	SO3 string `json:"so3"`
	SO4 string `json:"so4"`
	SO5 string `json:"so5"`
}
