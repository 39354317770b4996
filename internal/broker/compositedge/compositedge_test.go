package compositedge

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradegate/internal/broker"
	"tradegate/internal/bus"
	"tradegate/internal/symbols"
)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	return New(broker.Deps{Logger: zerolog.Nop(), Registry: symbols.NewRegistry()})
}

// eventFrame wraps a touchline document in socket.io text framing: the
// payload travels as a JSON string inside a "42" event.
func eventFrame(t *testing.T, event string, tl touchline) []byte {
	t.Helper()
	payload, err := json.Marshal(tl)
	require.NoError(t, err)
	frame, err := json.Marshal([]any{event, string(payload)})
	require.NoError(t, err)
	return append([]byte("42"), frame...)
}

func TestHandleFrameTouchline(t *testing.T) {
	a := newTestAdapter(t)
	a.stream.subs["NSECM|2885"] = &tokenState{
		symbol:   "RELIANCE",
		exchange: "NSE",
		modes:    map[bus.Mode]struct{}{bus.ModeLTP: {}, bus.ModeQuote: {}},
	}

	var ltp *broker.LTPTick
	var quote *broker.QuoteTick
	a.SetLTPHandler(func(tick *broker.LTPTick) { ltp = tick })
	a.SetQuoteHandler(func(tick *broker.QuoteTick) { quote = tick })

	a.stream.handleFrame(eventFrame(t, "1501-json-full", touchline{
		MessageCode:          codeTouchline,
		ExchangeSegment:      1,
		ExchangeInstrumentID: 2885,
		Touchline: &touchline{
			LastTradedPrice:     2500.50,
			Open:                2480,
			High:                2510,
			Low:                 2475,
			Close:               2490,
			TotalTradedQuantity: 1200000,
			BidInfo:             &xtsDepthLevel{Price: 2500.25, Size: 100},
			AskInfo:             &xtsDepthLevel{Price: 2500.75, Size: 150},
		},
	}))

	require.NotNil(t, ltp)
	assert.Equal(t, "RELIANCE", ltp.Symbol)
	assert.InDelta(t, 2500.50, ltp.LTP, 1e-9)

	require.NotNil(t, quote)
	assert.InDelta(t, 2480.0, quote.Open, 1e-9)
	assert.Equal(t, int64(1200000), quote.Volume)
	assert.InDelta(t, 2500.25, quote.Bid, 1e-9)
	assert.Equal(t, int64(150), quote.AskQty)
}

func TestHandleFrameDepth(t *testing.T) {
	a := newTestAdapter(t)
	a.stream.subs["NSEFO|48225"] = &tokenState{
		symbol:   "NIFTY25JAN24000CE",
		exchange: "NFO",
		modes:    map[bus.Mode]struct{}{bus.ModeDepth: {}},
	}

	var depth *broker.DepthTick
	a.SetDepthHandler(func(tick *broker.DepthTick) { depth = tick })

	a.stream.handleFrame(eventFrame(t, "1502-json-full", touchline{
		MessageCode:          codeMarketDepth,
		ExchangeSegment:      2,
		ExchangeInstrumentID: 48225,
		LastTradedPrice:      150.25,
		Bids: []xtsDepthLevel{
			{Price: 150.00, Size: 25, TotalOrders: 1},
			{Price: 149.95, Size: 50, TotalOrders: 2},
		},
		Asks: []xtsDepthLevel{
			{Price: 150.50, Size: 30, TotalOrders: 1},
		},
	}))

	require.NotNil(t, depth)
	require.Len(t, depth.Buy, 2)
	assert.InDelta(t, 149.95, depth.Buy[1].Price, 1e-9)
	assert.Equal(t, int64(75), depth.TotalBuyQty)
	assert.Equal(t, int64(30), depth.TotalSellQty)
	assert.InDelta(t, 150.25, depth.LTP, 1e-9)
}

func TestHandleFrameIgnoresNonEvents(t *testing.T) {
	a := newTestAdapter(t)
	fired := false
	a.SetLTPHandler(func(tick *broker.LTPTick) { fired = true })

	a.stream.handleFrame([]byte("0{\"sid\":\"abc\"}"))
	a.stream.handleFrame([]byte("40"))
	a.stream.handleFrame([]byte("42[\"joined\",\"ok\"]"))
	a.stream.handleFrame(nil)
	assert.False(t, fired)
}

func TestParseMaster(t *testing.T) {
	dump := strings.Join([]string{
		"NSECM|2885|1|RELIANCE|RELIANCE INDUSTRIES|EQ|RELIANCE-EQ|1100|2750|2250|0|0.05|1|1",
		"NSECM|26000|1|NIFTY 50|NIFTY 50|SPOT|NIFTY 50|1|0|0|0|0.05|1|1",
		"NSEFO|48225|2|NIFTY|NIFTY 30JAN25 24000 CE|OPTIDX|NIFTY25JAN24000CE|1|0|0|0|0.05|25|1|26000|NIFTY|2025-01-30T14:30:00|24000|CE",
		"BSEFO|31245|2|SENSEX|SENSEX FUT|FUTIDX|SENSEX25JANFUT|1|0|0|0|5|10|1|19000|SENSEX|2025-01-28T14:30:00",
		"UNKNOWN|1|1|X|X|EQ|X|1|0|0|0|1|1|1",
		"short|row",
	}, "\n")

	out := parseMaster(dump)
	require.Len(t, out, 4)

	assert.Equal(t, "EQ", out[0].InstrumentType)
	assert.Equal(t, "NSE", out[0].Exchange)
	assert.Equal(t, "NSECM", out[0].BrExchange)
	assert.Equal(t, "RELIANCE-EQ", out[0].BrSymbol)
	assert.Equal(t, "2885", out[0].Token)

	assert.Equal(t, "INDEX", out[1].InstrumentType)
	assert.Equal(t, "NSE_INDEX", out[1].Exchange)

	assert.Equal(t, "CE", out[2].InstrumentType)
	assert.Equal(t, "NFO", out[2].Exchange)
	assert.Equal(t, 24000.0, out[2].Strike)
	assert.Equal(t, 25, out[2].LotSize)
	assert.NotEmpty(t, out[2].Expiry)

	assert.Equal(t, "FUT", out[3].InstrumentType)
	assert.Equal(t, "BFO", out[3].Exchange)
}

func TestClassifyEnvelope(t *testing.T) {
	err := classifyEnvelope(401, &envelope{Type: "error", Code: "e-session-0002", Description: "token expired"})
	var berr *broker.Error
	require.True(t, errors.As(err, &berr))
	assert.Equal(t, broker.ErrInvalidToken, berr.Kind)

	err = classifyEnvelope(400, &envelope{Type: "error", Description: "Invalid orderQuantity"})
	require.True(t, errors.As(err, &berr))
	assert.Equal(t, broker.ErrInvalidInput, berr.Kind)

	err = classifyEnvelope(200, &envelope{Type: "error", Description: "insufficient margin"})
	require.True(t, errors.As(err, &berr))
	assert.Equal(t, broker.ErrOrderRejected, berr.Kind)
}

func TestMapCompression(t *testing.T) {
	got, err := mapCompression("5m")
	require.NoError(t, err)
	assert.Equal(t, "300", got)

	got, err = mapCompression("D")
	require.NoError(t, err)
	assert.Equal(t, "86400", got)

	_, err = mapCompression("2h")
	var berr *broker.Error
	require.True(t, errors.As(err, &berr))
	assert.Equal(t, broker.ErrInvalidInput, berr.Kind)
}

func TestCapabilitiesRequireMarketDataCreds(t *testing.T) {
	a := newTestAdapter(t)
	caps := a.Capabilities()
	assert.True(t, caps.RequiresMarketDataCreds)
	assert.Equal(t, broker.AuthSessionToken, caps.AuthenticationStyle)

	_, err := a.Authenticate(context.Background(), broker.Credentials{APIKey: "k", APISecret: "s"})
	var berr *broker.Error
	require.True(t, errors.As(err, &berr))
	assert.Equal(t, broker.ErrInvalidInput, berr.Kind)
}
