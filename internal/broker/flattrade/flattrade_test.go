package flattrade

import (
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

func subscribeState(a *Adapter, key, symbol, exchange string, modes ...bus.Mode) *feedState {
	st := &feedState{symbol: symbol, exchange: exchange, modes: map[bus.Mode]struct{}{}}
	st.last.Symbol, st.last.Exchange = symbol, exchange
	for _, m := range modes {
		st.modes[m] = struct{}{}
	}
	a.stream.subs[key] = st
	return st
}

func TestHandleMessagePartialFramesMerge(t *testing.T) {
	a := newTestAdapter(t)
	subscribeState(a, "NSE|22", "ACC", "NSE", bus.ModeQuote)

	var got []*broker.QuoteTick
	a.SetQuoteHandler(func(tick *broker.QuoteTick) { got = append(got, tick) })

	// Acknowledgment frame carries the full snapshot.
	a.stream.handleMessage([]byte(`{"t":"tk","e":"NSE","tk":"22","lp":"2250.50",` +
		`"o":"2240.00","h":"2260.00","l":"2230.00","c":"2245.00","v":"100000",` +
		`"bp1":"2250.00","sp1":"2251.00","bq1":"50","sq1":"75","ft":"1706167800"}`))

	// Update frames carry only changed fields; the rest must survive.
	a.stream.handleMessage([]byte(`{"t":"tf","e":"NSE","tk":"22","lp":"2251.25","v":"100500"}`))

	require.Len(t, got, 2)
	assert.InDelta(t, 2250.50, got[0].LTP, 1e-9)
	assert.InDelta(t, 2251.25, got[1].LTP, 1e-9)
	assert.Equal(t, int64(100500), got[1].Volume)
	assert.InDelta(t, 2240.00, got[1].Open, 1e-9)
	assert.InDelta(t, 2250.00, got[1].Bid, 1e-9)
	assert.Equal(t, int64(1706167800), got[0].Timestamp.Unix())
}

func TestHandleMessageDepth(t *testing.T) {
	a := newTestAdapter(t)
	subscribeState(a, "NFO|35001", "NIFTY25JAN24000CE", "NFO", bus.ModeDepth)

	var got *broker.DepthTick
	a.SetDepthHandler(func(tick *broker.DepthTick) { got = tick })

	a.stream.handleMessage([]byte(`{"t":"dk","e":"NFO","tk":"35001","lp":"150.25",` +
		`"bp1":"150.00","bp2":"149.95","bp3":"149.90","bp4":"149.85","bp5":"149.80",` +
		`"bq1":"25","bq2":"50","bq3":"75","bq4":"100","bq5":"125",` +
		`"bo1":"1","bo2":"2","bo3":"3","bo4":"4","bo5":"5",` +
		`"sp1":"150.50","sq1":"30","so1":"1"}`))

	require.NotNil(t, got)
	require.Len(t, got.Buy, 5)
	assert.InDelta(t, 149.95, got.Buy[1].Price, 1e-9)
	assert.Equal(t, int64(50), got.Buy[1].Quantity)
	assert.Equal(t, 2, got.Buy[1].Orders)
	assert.Equal(t, int64(25+50+75+100+125), got.TotalBuyQty)
	assert.Equal(t, int64(30), got.TotalSellQty)
	assert.InDelta(t, 150.25, got.LTP, 1e-9)
}

func TestHandleMessageUnknownInstrumentDropped(t *testing.T) {
	a := newTestAdapter(t)
	fired := false
	a.SetQuoteHandler(func(tick *broker.QuoteTick) { fired = true })
	a.stream.handleMessage([]byte(`{"t":"tf","e":"NSE","tk":"404","lp":"1.00"}`))
	assert.False(t, fired)
}

func TestLTPModeEmitsFromTouchFrames(t *testing.T) {
	a := newTestAdapter(t)
	subscribeState(a, "NSE|22", "ACC", "NSE", bus.ModeLTP)

	var ltp *broker.LTPTick
	quoteFired := false
	a.SetLTPHandler(func(tick *broker.LTPTick) { ltp = tick })
	a.SetQuoteHandler(func(tick *broker.QuoteTick) { quoteFired = true })

	a.stream.handleMessage([]byte(`{"t":"tf","e":"NSE","tk":"22","lp":"2250.50"}`))

	require.NotNil(t, ltp)
	assert.InDelta(t, 2250.50, ltp.LTP, 1e-9)
	assert.False(t, quoteFired)
}

func TestProductAndPriceTypeMapping(t *testing.T) {
	assert.Equal(t, "I", mapProduct(broker.ProductMIS))
	assert.Equal(t, "C", mapProduct(broker.ProductCNC))
	assert.Equal(t, "M", mapProduct(broker.ProductNRML))
	assert.Equal(t, broker.ProductMIS, mapProductBack("I"))

	assert.Equal(t, "MKT", mapPriceType(broker.PriceTypeMarket))
	assert.Equal(t, "SL-LMT", mapPriceType(broker.PriceTypeSL))
	assert.Equal(t, broker.PriceTypeSLMarket, mapPriceTypeBack("SL-MKT"))

	assert.Equal(t, "B", mapTransType(broker.ActionBuy))
	assert.Equal(t, broker.ActionSell, mapTransTypeBack("S"))
}
