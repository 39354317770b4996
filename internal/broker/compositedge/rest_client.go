package compositedge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"tradegate/internal/broker"
	"tradegate/internal/metrics"
	"tradegate/internal/symbols"
)

const (
	interactivePath = "/interactive"
	marketDataPath  = "/apimarketdata"
)

// authCtx carries the two session tokens. Interactive calls send Token in
// the Authorization header, market data calls send MarketToken.
type authCtx struct {
	Token       string
	MarketToken string
}

// RestClient wraps both XTS REST halves. Order calls are never retried;
// reads retry once on transport failure.
type RestClient struct {
	http *resty.Client
	log  zerolog.Logger
}

func newRestClient(cfg broker.AdapterConfig, log zerolog.Logger) *RestClient {
	return &RestClient{
		http: resty.New().
			SetBaseURL(cfg.RestURL).
			SetTimeout(cfg.RequestTimeout).
			SetHeader("Content-Type", "application/json"),
		log: log.With().Str("transport", "rest").Logger(),
	}
}

func (c *RestClient) interactiveLogin(ctx context.Context, appKey, secretKey string) (*loginResponse, error) {
	var out loginResponse
	err := c.do(ctx, "session", false, "", func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(map[string]string{
			"appKey":    appKey,
			"secretKey": secretKey,
			"source":    "WEBAPI",
		}).SetResult(&out).Post(interactivePath + "/user/session")
	}, &out.envelope)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *RestClient) marketLogin(ctx context.Context, appKey, secretKey string) (*loginResponse, error) {
	var out loginResponse
	err := c.do(ctx, "md_session", false, "", func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(map[string]string{
			"appKey":    appKey,
			"secretKey": secretKey,
			"source":    "WEBAPI",
		}).SetResult(&out).Post(marketDataPath + "/auth/login")
	}, &out.envelope)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *RestClient) placeOrder(ctx context.Context, auth authCtx, in *symbols.Instrument, req *broker.OrderRequest) (*orderResponse, error) {
	token, _ := strconv.ParseInt(in.Token, 10, 64)
	body := map[string]any{
		"exchangeSegment":       in.BrExchange,
		"exchangeInstrumentID":  token,
		"productType":           req.Product,
		"orderType":             mapOrderType(req.PriceType),
		"orderSide":             req.Action,
		"timeInForce":           "DAY",
		"disclosedQuantity":     req.DisclosedQuantity,
		"orderQuantity":         req.Quantity,
		"limitPrice":            req.Price,
		"stopPrice":             req.TriggerPrice,
		"orderUniqueIdentifier": orderTag(req.Strategy),
	}
	var out orderResponse
	err := c.do(ctx, "placeorder", false, auth.Token, func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(body).SetResult(&out).Post(interactivePath + "/orders")
	}, &out.envelope)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *RestClient) modifyOrder(ctx context.Context, auth authCtx, req *broker.ModifyRequest) (*orderResponse, error) {
	appOrderID, _ := strconv.ParseInt(req.OrderID, 10, 64)
	body := map[string]any{
		"appOrderID":            appOrderID,
		"modifiedProductType":   req.Product,
		"modifiedOrderType":     mapOrderType(req.PriceType),
		"modifiedOrderQuantity": req.Quantity,
		"modifiedLimitPrice":    req.Price,
		"modifiedStopPrice":     req.TriggerPrice,
		"modifiedTimeInForce":   "DAY",
		"modifiedDisclosedQuantity": 0,
	}
	var out orderResponse
	err := c.do(ctx, "modifyorder", false, auth.Token, func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(body).SetResult(&out).Put(interactivePath + "/orders")
	}, &out.envelope)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *RestClient) cancelOrder(ctx context.Context, auth authCtx, orderID string) (*orderResponse, error) {
	var out orderResponse
	err := c.do(ctx, "cancelorder", false, auth.Token, func(r *resty.Request) (*resty.Response, error) {
		return r.SetQueryParam("appOrderID", orderID).SetResult(&out).Delete(interactivePath + "/orders")
	}, &out.envelope)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *RestClient) orderBook(ctx context.Context, auth authCtx) ([]orderRow, error) {
	var out ordersResponse
	err := c.do(ctx, "orderbook", true, auth.Token, func(r *resty.Request) (*resty.Response, error) {
		return r.SetResult(&out).Get(interactivePath + "/orders")
	}, &out.envelope)
	return out.Result, err
}

func (c *RestClient) orderHistory(ctx context.Context, auth authCtx, orderID string) ([]orderRow, error) {
	var out ordersResponse
	err := c.do(ctx, "orderstatus", true, auth.Token, func(r *resty.Request) (*resty.Response, error) {
		return r.SetQueryParam("appOrderID", orderID).SetResult(&out).Get(interactivePath + "/orders")
	}, &out.envelope)
	return out.Result, err
}

func (c *RestClient) tradeBook(ctx context.Context, auth authCtx) ([]tradeRow, error) {
	var out tradesResponse
	err := c.do(ctx, "tradebook", true, auth.Token, func(r *resty.Request) (*resty.Response, error) {
		return r.SetResult(&out).Get(interactivePath + "/orders/trades")
	}, &out.envelope)
	return out.Result, err
}

func (c *RestClient) positions(ctx context.Context, auth authCtx) ([]positionRow, error) {
	var out positionsResponse
	err := c.do(ctx, "positions", true, auth.Token, func(r *resty.Request) (*resty.Response, error) {
		return r.SetQueryParam("dayOrNet", "NetWise").SetResult(&out).Get(interactivePath + "/portfolio/positions")
	}, &out.envelope)
	return out.Result.PositionList, err
}

func (c *RestClient) holdings(ctx context.Context, auth authCtx) ([]holdingRow, error) {
	var out holdingsResponse
	err := c.do(ctx, "holdings", true, auth.Token, func(r *resty.Request) (*resty.Response, error) {
		return r.SetResult(&out).Get(interactivePath + "/portfolio/holdings")
	}, &out.envelope)
	if err != nil {
		return nil, err
	}
	rows := make([]holdingRow, 0, len(out.Result.RMSHoldings.Holdings))
	for isin, row := range out.Result.RMSHoldings.Holdings {
		if row.ISIN == "" {
			row.ISIN = isin
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (c *RestClient) balance(ctx context.Context, auth authCtx) (*balanceResponse, error) {
	var out balanceResponse
	err := c.do(ctx, "funds", true, auth.Token, func(r *resty.Request) (*resty.Response, error) {
		return r.SetResult(&out).Get(interactivePath + "/user/balance")
	}, &out.envelope)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// quote fetches one instrument snapshot from the market data half. The
// result rows arrive as JSON strings inside listQuotes.
func (c *RestClient) quote(ctx context.Context, auth authCtx, in *symbols.Instrument, messageCode int) (*touchline, error) {
	token, _ := strconv.ParseInt(in.Token, 10, 64)
	body := subscriptionRequest{
		Instruments:    []xtsInstrument{{ExchangeSegment: segmentIDs[in.BrExchange], ExchangeInstrumentID: token}},
		XtsMessageCode: messageCode,
	}
	var out quotesResponse
	err := c.do(ctx, "quote", true, auth.MarketToken, func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(&body).SetResult(&out).Post(marketDataPath + "/instruments/quotes")
	}, &out.envelope)
	if err != nil {
		return nil, err
	}
	if len(out.Result.ListQuotes) == 0 {
		return nil, &broker.Error{Broker: brokerName, Kind: broker.ErrInvalidInput, Message: "no quote for " + in.Symbol}
	}
	var tl touchline
	if err := json.Unmarshal([]byte(out.Result.ListQuotes[0]), &tl); err != nil {
		return nil, &broker.Error{Broker: brokerName, Kind: broker.ErrNetwork, Message: "unexpected quote shape", Err: err}
	}
	return &tl, nil
}

// subscribeInstruments registers instruments for the given message code.
// Feed delivery happens on the socket; this call only arms it.
func (c *RestClient) subscribeInstruments(ctx context.Context, auth authCtx, instruments []xtsInstrument, messageCode int) error {
	var out envelope
	return c.do(ctx, "subscribe", false, auth.MarketToken, func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(&subscriptionRequest{Instruments: instruments, XtsMessageCode: messageCode}).
			SetResult(&out).Post(marketDataPath + "/instruments/subscription")
	}, &out)
}

func (c *RestClient) unsubscribeInstruments(ctx context.Context, auth authCtx, instruments []xtsInstrument, messageCode int) error {
	var out envelope
	return c.do(ctx, "unsubscribe", false, auth.MarketToken, func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(&subscriptionRequest{Instruments: instruments, XtsMessageCode: messageCode}).
			SetResult(&out).Put(marketDataPath + "/instruments/subscription")
	}, &out)
}

// ohlc fetches compressed candles. XTS returns them as one string of
// comma-separated "epoch|o|h|l|c|v|oi" rows.
func (c *RestClient) ohlc(ctx context.Context, auth authCtx, in *symbols.Instrument, compression string, from, to time.Time) ([]broker.Candle, error) {
	var out struct {
		envelope
		Result struct {
			DataReponse string `json:"dataReponse"`
		} `json:"result"`
	}
	err := c.do(ctx, "history", true, auth.MarketToken, func(r *resty.Request) (*resty.Response, error) {
		return r.SetQueryParams(map[string]string{
			"exchangeSegment":      in.BrExchange,
			"exchangeInstrumentID": in.Token,
			"startTime":            from.In(istZone).Format("Jan 02 2006 150405"),
			"endTime":              to.In(istZone).Format("Jan 02 2006 150405"),
			"compressionValue":     compression,
		}).SetResult(&out).Get(marketDataPath + "/instruments/ohlc")
	}, &out.envelope)
	if err != nil {
		return nil, err
	}

	var candles []broker.Candle
	for _, row := range strings.Split(out.Result.DataReponse, ",") {
		fields := strings.Split(row, "|")
		if len(fields) < 6 {
			continue
		}
		epoch, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			continue
		}
		f := func(s string) float64 {
			v, _ := strconv.ParseFloat(s, 64)
			return v
		}
		vol, _ := strconv.ParseInt(fields[5], 10, 64)
		candles = append(candles, broker.Candle{
			Timestamp: time.Unix(epoch, 0).In(istZone),
			Open:      f(fields[1]),
			High:      f(fields[2]),
			Low:       f(fields[3]),
			Close:     f(fields[4]),
			Volume:    vol,
		})
	}
	return candles, nil
}

// instruments downloads the pipe-separated master for every segment.
func (c *RestClient) instruments(ctx context.Context, auth authCtx) ([]symbols.Instrument, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.BrokerRequestDuration, brokerName, "instruments")

	segments := make([]string, 0, len(segmentIDs))
	for name := range segmentIDs {
		segments = append(segments, name)
	}

	var out struct {
		envelope
		Result string `json:"result"`
	}
	err := c.do(ctx, "master", true, auth.MarketToken, func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(map[string][]string{"exchangeSegmentList": segments}).
			SetResult(&out).Post(marketDataPath + "/instruments/master")
	}, &out.envelope)
	if err != nil {
		return nil, err
	}
	return parseMaster(out.Result), nil
}

// parseMaster reads the master dump. Each line is pipe-separated:
// segment|instrumentID|instrumentType|name|description|series|nameWithSeries|
// ...|tickSize|lotSize|...|expiry|strike|optionType for derivatives.
func parseMaster(dump string) []symbols.Instrument {
	var out []symbols.Instrument
	for _, line := range strings.Split(dump, "\n") {
		fields := strings.Split(strings.TrimRight(line, "\r"), "|")
		if len(fields) < 13 {
			continue
		}
		segment := fields[0]
		if _, known := segmentIDs[segment]; !known {
			continue
		}
		exchange := canonicalExchange(segment)

		in := symbols.Instrument{
			Symbol:     fields[3],
			BrSymbol:   fields[3],
			Name:       fields[4],
			Exchange:   exchange,
			BrExchange: segment,
			Token:      fields[1],
		}
		in.TickSize, _ = strconv.ParseFloat(fields[11], 64)
		in.LotSize, _ = strconv.Atoi(fields[12])
		if in.LotSize == 0 {
			in.LotSize = 1
		}

		series := fields[5]
		switch {
		case series == "EQ" || series == "BE":
			in.InstrumentType = "EQ"
			in.BrSymbol = fields[6]
		case series == "SPOT" || series == "INDEX":
			in.InstrumentType = "INDEX"
			in.Exchange = exchange + "_INDEX"
		case strings.HasPrefix(series, "FUT"):
			in.InstrumentType = "FUT"
			in.BrSymbol = fields[6]
			in.Expiry = masterExpiry(fields, 16)
		case strings.HasPrefix(series, "OPT"):
			in.BrSymbol = fields[6]
			in.Expiry = masterExpiry(fields, 16)
			if len(fields) > 17 {
				in.Strike, _ = strconv.ParseFloat(fields[17], 64)
			}
			if len(fields) > 18 && strings.EqualFold(fields[18], "PE") {
				in.InstrumentType = "PE"
			} else {
				in.InstrumentType = "CE"
			}
		default:
			continue
		}
		out = append(out, in)
	}
	return out
}

func masterExpiry(fields []string, idx int) string {
	if idx >= len(fields) {
		return ""
	}
	raw := fields[idx]
	if i := strings.IndexByte(raw, 'T'); i > 0 {
		raw = raw[:i]
	}
	exp, err := symbols.NormalizeExpiry(raw)
	if err != nil {
		return ""
	}
	return exp
}

// do runs one call with the shared timing, retry, and classification rules.
func (c *RestClient) do(ctx context.Context, endpoint string, idempotent bool, token string, call func(r *resty.Request) (*resty.Response, error), env *envelope) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.BrokerRequestDuration, brokerName, endpoint)

	send := func() (*resty.Response, error) {
		r := c.http.R().SetContext(ctx)
		if token != "" {
			r.SetHeader("Authorization", token)
		}
		return call(r)
	}
	resp, err := send()
	if err != nil && idempotent {
		select {
		case <-ctx.Done():
			return classifyTransport(ctx.Err())
		case <-time.After(250 * time.Millisecond):
		}
		resp, err = send()
	}
	if err != nil {
		berr := classifyTransport(err)
		metrics.RecordBrokerError(brokerName, string(broker.KindOf(berr)))
		return berr
	}
	if resp.IsError() || env.Type == "error" {
		berr := classifyEnvelope(resp.StatusCode(), env)
		metrics.RecordBrokerError(brokerName, string(broker.KindOf(berr)))
		return berr
	}
	return nil
}

func classifyTransport(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &broker.Error{Broker: brokerName, Kind: broker.ErrTimeout, Message: "request deadline exceeded", Err: err}
	}
	return &broker.Error{Broker: brokerName, Kind: broker.ErrNetwork, Message: "request failed", Err: err}
}

// classifyEnvelope maps XTS error codes to gateway kinds. e-session-0002
// and 401s are expired tokens; e-orders codes are rejections.
func classifyEnvelope(status int, env *envelope) error {
	kind := broker.ErrOrderRejected
	switch {
	case status == 401, strings.HasPrefix(env.Code, "e-session"):
		kind = broker.ErrInvalidToken
	case status == 400, strings.Contains(strings.ToLower(env.Description), "invalid"):
		kind = broker.ErrInvalidInput
	}
	msg := env.Description
	if msg == "" {
		msg = fmt.Sprintf("broker returned status %d", status)
	}
	return &broker.Error{Broker: brokerName, Kind: kind, Message: msg}
}

func orderTag(strategy string) string {
	if strategy == "" {
		return "tradegate"
	}
	return strategy
}
