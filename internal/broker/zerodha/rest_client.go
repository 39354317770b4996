package zerodha

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"tradegate/internal/broker"
	"tradegate/internal/metrics"
	"tradegate/internal/symbols"
)

// RestClient wraps the Kite Connect HTTP API. Order calls are never retried;
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
			SetHeader("X-Kite-Version", "3"),
		log: log.With().Str("transport", "rest").Logger(),
	}
}

func (c *RestClient) createSession(ctx context.Context, apiKey, requestToken, checksum string) (*sessionResponse, error) {
	var out sessionResponse
	err := c.do(ctx, "session", false, func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetFormData(map[string]string{
				"api_key":       apiKey,
				"request_token": requestToken,
				"checksum":      checksum,
			}).
			SetResult(&out).
			SetError(&out.envelope).
			Post("/session/token")
	}, &out.envelope)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *RestClient) placeOrder(ctx context.Context, auth string, in *symbols.Instrument, req *broker.OrderRequest) (*orderResponse, error) {
	form := map[string]string{
		"tradingsymbol":    in.BrSymbol,
		"exchange":         in.BrExchange,
		"transaction_type": req.Action,
		"order_type":       mapOrderType(req.PriceType),
		"quantity":         strconv.Itoa(req.Quantity),
		"product":          req.Product,
		"validity":         "DAY",
	}
	if req.Price > 0 {
		form["price"] = formatPrice(req.Price)
	}
	if req.TriggerPrice > 0 {
		form["trigger_price"] = formatPrice(req.TriggerPrice)
	}
	if req.DisclosedQuantity > 0 {
		form["disclosed_quantity"] = strconv.Itoa(req.DisclosedQuantity)
	}

	var out orderResponse
	err := c.do(ctx, "placeorder", false, func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetHeader("Authorization", auth).
			SetFormData(form).
			SetResult(&out).
			SetError(&out.envelope).
			Post("/orders/regular")
	}, &out.envelope)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *RestClient) modifyOrder(ctx context.Context, auth string, req *broker.ModifyRequest) (*orderResponse, error) {
	form := map[string]string{
		"order_type": mapOrderType(req.PriceType),
		"quantity":   strconv.Itoa(req.Quantity),
		"validity":   "DAY",
	}
	if req.Price > 0 {
		form["price"] = formatPrice(req.Price)
	}
	if req.TriggerPrice > 0 {
		form["trigger_price"] = formatPrice(req.TriggerPrice)
	}

	var out orderResponse
	err := c.do(ctx, "modifyorder", false, func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetHeader("Authorization", auth).
			SetFormData(form).
			SetResult(&out).
			SetError(&out.envelope).
			Put("/orders/regular/" + req.OrderID)
	}, &out.envelope)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *RestClient) cancelOrder(ctx context.Context, auth, orderID string) (*orderResponse, error) {
	var out orderResponse
	err := c.do(ctx, "cancelorder", false, func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetHeader("Authorization", auth).
			SetResult(&out).
			SetError(&out.envelope).
			Delete("/orders/regular/" + orderID)
	}, &out.envelope)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *RestClient) orders(ctx context.Context, auth string) (*ordersResponse, error) {
	var out ordersResponse
	err := c.get(ctx, "orderbook", auth, "/orders", nil, &out, &out.envelope)
	return &out, err
}

func (c *RestClient) orderHistory(ctx context.Context, auth, orderID string) (*ordersResponse, error) {
	var out ordersResponse
	err := c.get(ctx, "orderstatus", auth, "/orders/"+orderID, nil, &out, &out.envelope)
	return &out, err
}

func (c *RestClient) trades(ctx context.Context, auth string) (*tradesResponse, error) {
	var out tradesResponse
	err := c.get(ctx, "tradebook", auth, "/trades", nil, &out, &out.envelope)
	return &out, err
}

func (c *RestClient) positions(ctx context.Context, auth string) (*positionsResponse, error) {
	var out positionsResponse
	err := c.get(ctx, "positions", auth, "/portfolio/positions", nil, &out, &out.envelope)
	return &out, err
}

func (c *RestClient) holdings(ctx context.Context, auth string) (*holdingsResponse, error) {
	var out holdingsResponse
	err := c.get(ctx, "holdings", auth, "/portfolio/holdings", nil, &out, &out.envelope)
	return &out, err
}

func (c *RestClient) margins(ctx context.Context, auth string) (*marginsResponse, error) {
	var out marginsResponse
	err := c.get(ctx, "funds", auth, "/user/margins", nil, &out, &out.envelope)
	return &out, err
}

func (c *RestClient) quote(ctx context.Context, auth, instrumentKey string) (*quoteResponse, error) {
	var out quoteResponse
	err := c.get(ctx, "quote", auth, "/quote", map[string]string{"i": instrumentKey}, &out, &out.envelope)
	return &out, err
}

func (c *RestClient) history(ctx context.Context, auth, token, interval string, from, to time.Time) (*historyResponse, error) {
	path := fmt.Sprintf("/instruments/historical/%s/%s", token, interval)
	params := map[string]string{
		"from": from.In(istZone).Format("2006-01-02 15:04:05"),
		"to":   to.In(istZone).Format("2006-01-02 15:04:05"),
	}
	var out historyResponse
	err := c.get(ctx, "history", auth, path, params, &out, &out.envelope)
	return &out, err
}

// instruments downloads the full master contract CSV and maps each row to
// the canonical instrument form.
func (c *RestClient) instruments(ctx context.Context, auth string) ([]symbols.Instrument, error) {
	timer := metrics.NewTimer()
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Authorization", auth).
		SetDoNotParseResponse(true).
		Get("/instruments")
	timer.ObserveDuration(metrics.BrokerRequestDuration, brokerName, "instruments")
	if err != nil {
		return nil, classifyTransport(err)
	}
	body := resp.RawBody()
	defer body.Close()
	if resp.StatusCode() != 200 {
		return nil, &broker.Error{Broker: brokerName, Kind: broker.ErrNetwork,
			Message: fmt.Sprintf("master contract download returned %d", resp.StatusCode())}
	}
	return parseInstrumentsCSV(body)
}

// parseInstrumentsCSV converts Kite's dump format. Columns:
// instrument_token, exchange_token, tradingsymbol, name, last_price, expiry,
// strike, tick_size, lot_size, instrument_type, segment, exchange.
func parseInstrumentsCSV(r io.Reader) ([]symbols.Instrument, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read master contract header: %w", err)
	}
	col := map[string]int{}
	for i, name := range header {
		col[strings.TrimSpace(name)] = i
	}
	field := func(row []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var out []symbols.Instrument
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read master contract row: %w", err)
		}

		exchange := field(row, "exchange")
		segment := field(row, "segment")
		brSymbol := field(row, "tradingsymbol")
		if exchange == "" || brSymbol == "" {
			continue
		}

		in := symbols.Instrument{
			Symbol:     brSymbol,
			BrSymbol:   brSymbol,
			Name:       field(row, "name"),
			Exchange:   exchange,
			BrExchange: exchange,
			Token:      field(row, "instrument_token"),
		}
		in.Strike, _ = strconv.ParseFloat(field(row, "strike"), 64)
		in.TickSize, _ = strconv.ParseFloat(field(row, "tick_size"), 64)
		in.LotSize, _ = strconv.Atoi(field(row, "lot_size"))
		if in.LotSize == 0 {
			in.LotSize = 1
		}

		switch field(row, "instrument_type") {
		case "EQ":
			in.InstrumentType = "EQ"
		case "FUT":
			in.InstrumentType = "FUT"
		case "CE":
			in.InstrumentType = "CE"
		case "PE":
			in.InstrumentType = "PE"
		default:
			continue
		}
		if segment == "INDICES" {
			in.InstrumentType = "INDEX"
			in.Exchange = exchange + "_INDEX"
		}

		if raw := field(row, "expiry"); raw != "" {
			if exp, err := symbols.NormalizeExpiry(raw); err == nil {
				in.Expiry = exp
			}
		}
		out = append(out, in)
	}
	return out, nil
}

// get performs an idempotent read with a single retry on transport failure.
func (c *RestClient) get(ctx context.Context, endpoint, auth, path string, params map[string]string, result any, env *envelope) error {
	return c.do(ctx, endpoint, true, func() (*resty.Response, error) {
		req := c.http.R().
			SetContext(ctx).
			SetHeader("Authorization", auth).
			SetResult(result).
			SetError(env)
		if params != nil {
			req.SetQueryParams(params)
		}
		return req.Get(path)
	}, env)
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
	if resp.IsError() || env.Status == "error" {
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

func classifyEnvelope(status int, env *envelope) error {
	kind := broker.ErrOrderRejected
	switch env.ErrorType {
	case "TokenException", "PermissionException":
		kind = broker.ErrInvalidToken
	case "InputException":
		kind = broker.ErrInvalidInput
	case "NetworkException", "GeneralException":
		kind = broker.ErrNetwork
	}
	msg := env.Message
	if msg == "" {
		msg = fmt.Sprintf("broker returned HTTP %d", status)
	}
	return &broker.Error{Broker: brokerName, Kind: kind, Message: msg}
}

func formatPrice(p float64) string {
	return strconv.FormatFloat(p, 'f', 2, 64)
}
