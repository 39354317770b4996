package angelone

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"tradegate/internal/broker"
	"tradegate/internal/metrics"
	"tradegate/internal/symbols"
)

const scripMasterURL = "https://margincalculator.angelone.in/OpenAPI_File/files/OpenAPIScripMaster.json"

// authCtx carries the per-request auth material for secure endpoints.
type authCtx struct {
	APIKey string
	JWT    string
}

// RestClient wraps the SmartAPI JSON endpoints. Order calls are never
// retried; reads retry once on transport failure.
type RestClient struct {
	http *resty.Client
	log  zerolog.Logger
}

func newRestClient(cfg broker.AdapterConfig, log zerolog.Logger) *RestClient {
	return &RestClient{
		http: resty.New().
			SetBaseURL(cfg.RestURL).
			SetTimeout(cfg.RequestTimeout).
			SetHeaders(map[string]string{
				"Content-Type":   "application/json",
				"Accept":         "application/json",
				"X-UserType":     "USER",
				"X-SourceID":     "WEB",
				"X-ClientLocalIP": "127.0.0.1",
				"X-ClientPublicIP": "127.0.0.1",
				"X-MACAddress":   "00:00:00:00:00:00",
			}),
		log: log.With().Str("transport", "rest").Logger(),
	}
}

func (c *RestClient) login(ctx context.Context, apiKey, clientCode, password, totp string) (*loginResponse, error) {
	var out loginResponse
	err := c.do(ctx, "login", false, func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetHeader("X-PrivateKey", apiKey).
			SetBody(map[string]string{
				"clientcode": clientCode,
				"password":   password,
				"totp":       totp,
			}).
			SetResult(&out).
			SetError(&out.envelope).
			Post("/rest/auth/angelbroking/user/v1/loginByPassword")
	}, &out.envelope)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *RestClient) placeOrder(ctx context.Context, auth authCtx, in *symbols.Instrument, req *broker.OrderRequest) (*orderResponse, error) {
	body := map[string]string{
		"variety":         "NORMAL",
		"tradingsymbol":   in.BrSymbol,
		"symboltoken":     in.Token,
		"exchange":        in.BrExchange,
		"transactiontype": req.Action,
		"ordertype":       mapOrderType(req.PriceType),
		"producttype":     mapProduct(req.Product),
		"duration":        "DAY",
		"quantity":        strconv.Itoa(req.Quantity),
		"price":           formatPrice(req.Price),
		"triggerprice":    formatPrice(req.TriggerPrice),
	}
	var out orderResponse
	err := c.do(ctx, "placeorder", false, func() (*resty.Response, error) {
		return c.secure(ctx, auth).
			SetBody(body).
			SetResult(&out).
			SetError(&out.envelope).
			Post("/rest/secure/angelbroking/order/v1/placeOrder")
	}, &out.envelope)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *RestClient) modifyOrder(ctx context.Context, auth authCtx, in *symbols.Instrument, req *broker.ModifyRequest) (*orderResponse, error) {
	body := map[string]string{
		"variety":         "NORMAL",
		"orderid":         req.OrderID,
		"tradingsymbol":   in.BrSymbol,
		"symboltoken":     in.Token,
		"exchange":        in.BrExchange,
		"ordertype":       mapOrderType(req.PriceType),
		"producttype":     mapProduct(req.Product),
		"duration":        "DAY",
		"quantity":        strconv.Itoa(req.Quantity),
		"price":           formatPrice(req.Price),
		"triggerprice":    formatPrice(req.TriggerPrice),
	}
	var out orderResponse
	err := c.do(ctx, "modifyorder", false, func() (*resty.Response, error) {
		return c.secure(ctx, auth).
			SetBody(body).
			SetResult(&out).
			SetError(&out.envelope).
			Post("/rest/secure/angelbroking/order/v1/modifyOrder")
	}, &out.envelope)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *RestClient) cancelOrder(ctx context.Context, auth authCtx, orderID string) (*orderResponse, error) {
	var out orderResponse
	err := c.do(ctx, "cancelorder", false, func() (*resty.Response, error) {
		return c.secure(ctx, auth).
			SetBody(map[string]string{"variety": "NORMAL", "orderid": orderID}).
			SetResult(&out).
			SetError(&out.envelope).
			Post("/rest/secure/angelbroking/order/v1/cancelOrder")
	}, &out.envelope)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *RestClient) orderBook(ctx context.Context, auth authCtx) (*ordersResponse, error) {
	var out ordersResponse
	err := c.do(ctx, "orderbook", true, func() (*resty.Response, error) {
		return c.secure(ctx, auth).
			SetResult(&out).
			SetError(&out.envelope).
			Get("/rest/secure/angelbroking/order/v1/getOrderBook")
	}, &out.envelope)
	return &out, err
}

func (c *RestClient) tradeBook(ctx context.Context, auth authCtx) (*tradesResponse, error) {
	var out tradesResponse
	err := c.do(ctx, "tradebook", true, func() (*resty.Response, error) {
		return c.secure(ctx, auth).
			SetResult(&out).
			SetError(&out.envelope).
			Get("/rest/secure/angelbroking/order/v1/getTradeBook")
	}, &out.envelope)
	return &out, err
}

func (c *RestClient) positions(ctx context.Context, auth authCtx) (*positionsResponse, error) {
	var out positionsResponse
	err := c.do(ctx, "positions", true, func() (*resty.Response, error) {
		return c.secure(ctx, auth).
			SetResult(&out).
			SetError(&out.envelope).
			Get("/rest/secure/angelbroking/order/v1/getPosition")
	}, &out.envelope)
	return &out, err
}

func (c *RestClient) holdings(ctx context.Context, auth authCtx) (*holdingsResponse, error) {
	var out holdingsResponse
	err := c.do(ctx, "holdings", true, func() (*resty.Response, error) {
		return c.secure(ctx, auth).
			SetResult(&out).
			SetError(&out.envelope).
			Get("/rest/secure/angelbroking/portfolio/v1/getAllHolding")
	}, &out.envelope)
	return &out, err
}

func (c *RestClient) funds(ctx context.Context, auth authCtx) (*fundsResponse, error) {
	var out fundsResponse
	err := c.do(ctx, "funds", true, func() (*resty.Response, error) {
		return c.secure(ctx, auth).
			SetResult(&out).
			SetError(&out.envelope).
			Get("/rest/secure/angelbroking/user/v1/getRMS")
	}, &out.envelope)
	return &out, err
}

func (c *RestClient) quote(ctx context.Context, auth authCtx, brExchange, token string) (*quoteResponse, error) {
	var out quoteResponse
	err := c.do(ctx, "quote", true, func() (*resty.Response, error) {
		return c.secure(ctx, auth).
			SetBody(map[string]any{
				"mode":           "FULL",
				"exchangeTokens": map[string][]string{brExchange: {token}},
			}).
			SetResult(&out).
			SetError(&out.envelope).
			Post("/rest/secure/angelbroking/market/v1/quote/")
	}, &out.envelope)
	return &out, err
}

func (c *RestClient) candles(ctx context.Context, auth authCtx, brExchange, token, interval string, from, to time.Time) (*candleResponse, error) {
	var out candleResponse
	err := c.do(ctx, "history", true, func() (*resty.Response, error) {
		return c.secure(ctx, auth).
			SetBody(map[string]string{
				"exchange":    brExchange,
				"symboltoken": token,
				"interval":    interval,
				"fromdate":    from.In(istZone).Format("2006-01-02 15:04"),
				"todate":      to.In(istZone).Format("2006-01-02 15:04"),
			}).
			SetResult(&out).
			SetError(&out.envelope).
			Post("/rest/secure/angelbroking/historical/v1/getCandleData")
	}, &out.envelope)
	return &out, err
}

// instruments downloads the scrip master dump. It is a public file, fetched
// without auth, and large (~100k rows).
func (c *RestClient) instruments(ctx context.Context) ([]symbols.Instrument, error) {
	timer := metrics.NewTimer()
	var rows []scripRow
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&rows).
		Get(scripMasterURL)
	timer.ObserveDuration(metrics.BrokerRequestDuration, brokerName, "instruments")
	if err != nil {
		return nil, classifyTransport(err)
	}
	if resp.IsError() {
		return nil, &broker.Error{Broker: brokerName, Kind: broker.ErrNetwork,
			Message: fmt.Sprintf("scrip master download returned %d", resp.StatusCode())}
	}

	out := make([]symbols.Instrument, 0, len(rows))
	for _, row := range rows {
		in, ok := mapScrip(row)
		if !ok {
			continue
		}
		out = append(out, in)
	}
	return out, nil
}

// mapScrip converts one scrip master row to canonical form. Strike comes
// across in paise.
func mapScrip(row scripRow) (symbols.Instrument, bool) {
	in := symbols.Instrument{
		BrSymbol:   row.Symbol,
		Name:       row.Name,
		Exchange:   row.ExchSeg,
		BrExchange: row.ExchSeg,
		Token:      row.Token,
	}
	in.Strike, _ = strconv.ParseFloat(row.Strike, 64)
	in.Strike /= 100
	in.TickSize, _ = strconv.ParseFloat(row.TickSize, 64)
	in.TickSize /= 100
	in.LotSize, _ = strconv.Atoi(row.LotSize)
	if in.LotSize == 0 {
		in.LotSize = 1
	}

	switch row.InstrumentType {
	case "":
		// Equity rows carry no instrument type; symbols end in -EQ.
		if len(row.Symbol) > 3 && row.Symbol[len(row.Symbol)-3:] == "-EQ" {
			in.InstrumentType = "EQ"
			in.Symbol = row.Symbol[:len(row.Symbol)-3]
		} else {
			return symbols.Instrument{}, false
		}
	case "AMXIDX":
		in.InstrumentType = "INDEX"
		in.Symbol = row.Name
		in.Exchange = row.ExchSeg + "_INDEX"
	case "FUTSTK", "FUTIDX", "FUTCOM", "FUTCUR":
		in.InstrumentType = "FUT"
		in.Symbol = row.Symbol
	case "OPTSTK", "OPTIDX", "OPTCUR", "OPTFUT":
		if n := len(row.Symbol); n > 2 && row.Symbol[n-2:] == "PE" {
			in.InstrumentType = "PE"
		} else {
			in.InstrumentType = "CE"
		}
		in.Symbol = row.Symbol
	default:
		return symbols.Instrument{}, false
	}

	if row.Expiry != "" {
		if exp, err := symbols.NormalizeExpiry(row.Expiry); err == nil {
			in.Expiry = exp
		}
	}
	return in, true
}

func (c *RestClient) secure(ctx context.Context, auth authCtx) *resty.Request {
	return c.http.R().
		SetContext(ctx).
		SetHeader("Authorization", "Bearer "+auth.JWT).
		SetHeader("X-PrivateKey", auth.APIKey)
}

func (c *RestClient) do(ctx context.Context, endpoint string, idempotent bool, call func() (*resty.Response, error), env *envelope) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.BrokerRequestDuration, brokerName, endpoint)

	resp, err := call()
	if err != nil && idempotent {
		select {
		case <-ctx.Done():
			return classifyTransport(ctx.Err())
		case <-time.After(250 * time.Millisecond):
		}
		resp, err = call()
	}
	if err != nil {
		berr := classifyTransport(err)
		metrics.RecordBrokerError(brokerName, string(broker.KindOf(berr)))
		return berr
	}
	if resp.IsError() || !env.Status {
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

// classifyEnvelope maps SmartAPI error codes to kinds. AG8001/AG8002/AG8003
// are token failures; AB1004 family is input validation.
func classifyEnvelope(status int, env *envelope) error {
	kind := broker.ErrOrderRejected
	switch env.ErrorCode {
	case "AG8001", "AG8002", "AG8003", "AB8050", "AB8051":
		kind = broker.ErrInvalidToken
	case "AB1004", "AB1011", "AB2001":
		kind = broker.ErrInvalidInput
	case "AB1010":
		kind = broker.ErrNetwork
	}
	msg := env.Message
	if msg == "" {
		msg = fmt.Sprintf("broker returned HTTP %d", status)
	}
	return &broker.Error{Broker: brokerName, Kind: kind, Message: msg}
}

func formatPrice(p float64) string {
	if p <= 0 {
		return "0"
	}
	return strconv.FormatFloat(p, 'f', 2, 64)
}
