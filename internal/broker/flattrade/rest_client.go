package flattrade

import (
	"context"
	"encoding/csv"
	"encoding/json"
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

const (
	authURL         = "https://authapi.flattrade.in/trade/apitoken"
	scripMasterBase = "https://flattrade.s3.ap-south-1.amazonaws.com/scripmaster"
)

// scripMasterFiles lists the per-exchange dump files.
var scripMasterFiles = []string{"Nse", "Bse", "Nfo", "Bfo", "Mcx", "Cds"}

// authCtx carries the session material every Noren call needs.
type authCtx struct {
	ClientID string
	Token    string
}

// RestClient wraps the Noren REST protocol: every call is a POST whose body
// is "jData=<json>&jKey=<token>". Order calls are never retried; reads retry
// once on transport failure.
type RestClient struct {
	http *resty.Client
	log  zerolog.Logger
}

func newRestClient(cfg broker.AdapterConfig, log zerolog.Logger) *RestClient {
	return &RestClient{
		http: resty.New().
			SetBaseURL(cfg.RestURL).
			SetTimeout(cfg.RequestTimeout).
			SetHeader("Content-Type", "text/plain"),
		log: log.With().Str("transport", "rest").Logger(),
	}
}

func (c *RestClient) apiToken(ctx context.Context, apiKey, requestCode, secretHash string) (*tokenResponse, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.BrokerRequestDuration, brokerName, "session")

	var out tokenResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"api_key":       apiKey,
			"request_code":  requestCode,
			"api_secret":    secretHash,
		}).
		SetResult(&out).
		Post(authURL)
	if err != nil {
		return nil, classifyTransport(err)
	}
	if resp.IsError() || (out.Stat != "" && out.Stat != "Ok") || out.Token == "" {
		return nil, classifyStatus(&out.norenStatus)
	}
	return &out, nil
}

func (c *RestClient) placeOrder(ctx context.Context, auth authCtx, in *symbols.Instrument, req *broker.OrderRequest) (*orderResponse, error) {
	jData := map[string]string{
		"uid":         auth.ClientID,
		"actid":       auth.ClientID,
		"exch":        in.BrExchange,
		"tsym":        in.BrSymbol,
		"qty":         strconv.Itoa(req.Quantity),
		"prc":         formatPrice(req.Price),
		"trgprc":      formatPrice(req.TriggerPrice),
		"prd":         mapProduct(req.Product),
		"trantype":    mapTransType(req.Action),
		"prctyp":      mapPriceType(req.PriceType),
		"ret":         "DAY",
		"ordersource": "API",
	}
	var out orderResponse
	if err := c.call(ctx, "placeorder", false, auth, "/PlaceOrder", jData, &out, &out.norenStatus); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *RestClient) modifyOrder(ctx context.Context, auth authCtx, in *symbols.Instrument, req *broker.ModifyRequest) (*orderResponse, error) {
	jData := map[string]string{
		"uid":        auth.ClientID,
		"norenordno": req.OrderID,
		"exch":       in.BrExchange,
		"tsym":       in.BrSymbol,
		"qty":        strconv.Itoa(req.Quantity),
		"prc":        formatPrice(req.Price),
		"trgprc":     formatPrice(req.TriggerPrice),
		"prctyp":     mapPriceType(req.PriceType),
		"ret":        "DAY",
	}
	var out orderResponse
	if err := c.call(ctx, "modifyorder", false, auth, "/ModifyOrder", jData, &out, &out.norenStatus); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *RestClient) cancelOrder(ctx context.Context, auth authCtx, orderID string) (*orderResponse, error) {
	jData := map[string]string{"uid": auth.ClientID, "norenordno": orderID}
	var out orderResponse
	if err := c.call(ctx, "cancelorder", false, auth, "/CancelOrder", jData, &out, &out.norenStatus); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *RestClient) orderBook(ctx context.Context, auth authCtx) ([]orderRow, error) {
	var out []orderRow
	err := c.callList(ctx, "orderbook", auth, "/OrderBook", map[string]string{"uid": auth.ClientID}, &out)
	return out, err
}

func (c *RestClient) singleOrderHistory(ctx context.Context, auth authCtx, orderID string) ([]orderRow, error) {
	var out []orderRow
	err := c.callList(ctx, "orderstatus", auth, "/SingleOrdHist",
		map[string]string{"uid": auth.ClientID, "norenordno": orderID}, &out)
	return out, err
}

func (c *RestClient) tradeBook(ctx context.Context, auth authCtx) ([]tradeRow, error) {
	var out []tradeRow
	err := c.callList(ctx, "tradebook", auth, "/TradeBook",
		map[string]string{"uid": auth.ClientID, "actid": auth.ClientID}, &out)
	return out, err
}

func (c *RestClient) positionBook(ctx context.Context, auth authCtx) ([]positionRow, error) {
	var out []positionRow
	err := c.callList(ctx, "positions", auth, "/PositionBook",
		map[string]string{"uid": auth.ClientID, "actid": auth.ClientID}, &out)
	return out, err
}

func (c *RestClient) holdings(ctx context.Context, auth authCtx) ([]holdingRow, error) {
	var out []holdingRow
	err := c.callList(ctx, "holdings", auth, "/Holdings",
		map[string]string{"uid": auth.ClientID, "actid": auth.ClientID, "prd": "C"}, &out)
	return out, err
}

func (c *RestClient) limits(ctx context.Context, auth authCtx) (*limitsResponse, error) {
	var out limitsResponse
	err := c.call(ctx, "funds", true, auth, "/Limits",
		map[string]string{"uid": auth.ClientID, "actid": auth.ClientID}, &out, &out.norenStatus)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *RestClient) getQuotes(ctx context.Context, auth authCtx, brExchange, token string) (*quoteResponse, error) {
	var out quoteResponse
	err := c.call(ctx, "quote", true, auth, "/GetQuotes",
		map[string]string{"uid": auth.ClientID, "exch": brExchange, "token": token}, &out, &out.norenStatus)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *RestClient) timeSeries(ctx context.Context, auth authCtx, brExchange, token, interval string, from, to time.Time) ([]candleRow, error) {
	jData := map[string]string{
		"uid":   auth.ClientID,
		"exch":  brExchange,
		"token": token,
		"st":    strconv.FormatInt(from.Unix(), 10),
		"et":    strconv.FormatInt(to.Unix(), 10),
		"intrv": interval,
	}
	var out []candleRow
	err := c.callList(ctx, "history", auth, "/TPSeries", jData, &out)
	return out, err
}

// instruments downloads every exchange dump. A failed exchange aborts the
// refresh so the registry is never rebuilt from a partial universe.
func (c *RestClient) instruments(ctx context.Context) ([]symbols.Instrument, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.BrokerRequestDuration, brokerName, "instruments")

	var out []symbols.Instrument
	for _, file := range scripMasterFiles {
		resp, err := c.http.R().
			SetContext(ctx).
			SetDoNotParseResponse(true).
			Get(fmt.Sprintf("%s/%s.csv", scripMasterBase, file))
		if err != nil {
			return nil, classifyTransport(err)
		}
		body := resp.RawBody()
		if resp.StatusCode() != 200 {
			body.Close()
			return nil, &broker.Error{Broker: brokerName, Kind: broker.ErrNetwork,
				Message: fmt.Sprintf("scrip master %s returned %d", file, resp.StatusCode())}
		}
		rows, err := parseScripCSV(body)
		body.Close()
		if err != nil {
			return nil, fmt.Errorf("scrip master %s: %w", file, err)
		}
		out = append(out, rows...)
	}
	return out, nil
}

// parseScripCSV reads one exchange dump. Columns: Exchange, Token, Lotsize,
// Symbol, Tradingsymbol, Instrument, Expiry, Optiontype, Strikeprice,
// Ticksize.
func parseScripCSV(r io.Reader) ([]symbols.Instrument, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	col := map[string]int{}
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
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
			return nil, fmt.Errorf("failed to read row: %w", err)
		}

		exchange := field(row, "exchange")
		brSymbol := field(row, "tradingsymbol")
		if exchange == "" || brSymbol == "" {
			continue
		}
		in := symbols.Instrument{
			Symbol:     brSymbol,
			BrSymbol:   brSymbol,
			Name:       field(row, "symbol"),
			Exchange:   exchange,
			BrExchange: exchange,
			Token:      field(row, "token"),
		}
		in.Strike, _ = strconv.ParseFloat(field(row, "strikeprice"), 64)
		in.TickSize, _ = strconv.ParseFloat(field(row, "ticksize"), 64)
		in.LotSize, _ = strconv.Atoi(field(row, "lotsize"))
		if in.LotSize == 0 {
			in.LotSize = 1
		}

		switch instr := field(row, "instrument"); {
		case instr == "EQ" || strings.HasSuffix(brSymbol, "-EQ"):
			in.InstrumentType = "EQ"
			in.Symbol = strings.TrimSuffix(brSymbol, "-EQ")
		case strings.HasPrefix(instr, "FUT"):
			in.InstrumentType = "FUT"
		case strings.HasPrefix(instr, "OPT"):
			if field(row, "optiontype") == "PE" {
				in.InstrumentType = "PE"
			} else {
				in.InstrumentType = "CE"
			}
		case instr == "INDEX" || instr == "UNDIND":
			in.InstrumentType = "INDEX"
			in.Exchange = exchange + "_INDEX"
		default:
			continue
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

// call posts one jData/jKey request and decodes an object response.
func (c *RestClient) call(ctx context.Context, endpoint string, idempotent bool, auth authCtx, path string, jData map[string]string, result any, status *norenStatus) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.BrokerRequestDuration, brokerName, endpoint)

	body, err := json.Marshal(jData)
	if err != nil {
		return err
	}
	payload := "jData=" + string(body) + "&jKey=" + auth.Token

	send := func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetBody(payload).
			SetResult(result).
			Post(path)
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
	if resp.IsError() || status.Stat == "Not_Ok" {
		berr := classifyStatus(status)
		metrics.RecordBrokerError(brokerName, string(broker.KindOf(berr)))
		return berr
	}
	return nil
}

// callList posts one request whose success body is a JSON array. Noren
// signals "no rows" with a Not_Ok object, which maps to an empty list.
func (c *RestClient) callList(ctx context.Context, endpoint string, auth authCtx, path string, jData map[string]string, result any) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.BrokerRequestDuration, brokerName, endpoint)

	body, err := json.Marshal(jData)
	if err != nil {
		return err
	}
	payload := "jData=" + string(body) + "&jKey=" + auth.Token

	send := func() (*resty.Response, error) {
		return c.http.R().SetContext(ctx).SetBody(payload).Post(path)
	}
	resp, err := send()
	if err != nil {
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

	raw := resp.Body()
	if len(raw) > 0 && raw[0] == '{' {
		var status norenStatus
		if jerr := json.Unmarshal(raw, &status); jerr == nil && status.Stat == "Not_Ok" {
			if strings.Contains(strings.ToLower(status.Emsg), "no data") {
				return nil
			}
			berr := classifyStatus(&status)
			metrics.RecordBrokerError(brokerName, string(broker.KindOf(berr)))
			return berr
		}
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return &broker.Error{Broker: brokerName, Kind: broker.ErrNetwork, Message: "unexpected response shape", Err: err}
	}
	return nil
}

func classifyTransport(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &broker.Error{Broker: brokerName, Kind: broker.ErrTimeout, Message: "request deadline exceeded", Err: err}
	}
	return &broker.Error{Broker: brokerName, Kind: broker.ErrNetwork, Message: "request failed", Err: err}
}

func classifyStatus(status *norenStatus) error {
	msg := status.Emsg
	kind := broker.ErrOrderRejected
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "session expired"), strings.Contains(lower, "invalid session"),
		strings.Contains(lower, "invalid input : invalid session key"):
		kind = broker.ErrInvalidToken
	case strings.Contains(lower, "invalid input"), strings.Contains(lower, "invalid "):
		kind = broker.ErrInvalidInput
	}
	if msg == "" {
		msg = "broker rejected the request"
	}
	return &broker.Error{Broker: brokerName, Kind: kind, Message: msg}
}

func formatPrice(p float64) string {
	if p <= 0 {
		return "0"
	}
	return strconv.FormatFloat(p, 'f', 2, 64)
}
