package zerodha

import (
	"encoding/binary"
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

// frame wraps packets in the feed's count/length envelope.
func frame(packets ...[]byte) []byte {
	out := make([]byte, 2)
	binary.BigEndian.PutUint16(out, uint16(len(packets)))
	for _, p := range packets {
		var size [2]byte
		binary.BigEndian.PutUint16(size[:], uint16(len(p)))
		out = append(out, size[:]...)
		out = append(out, p...)
	}
	return out
}

func ltpPacket(token uint32, pricePaise int32) []byte {
	p := make([]byte, packetLTP)
	binary.BigEndian.PutUint32(p[0:4], token)
	binary.BigEndian.PutUint32(p[4:8], uint32(pricePaise))
	return p
}

func TestHandleBinaryLTP(t *testing.T) {
	a := newTestAdapter(t)
	a.stream.tokens[408065] = &tokenState{
		symbol:   "INFY",
		exchange: "NSE",
		modes:    map[bus.Mode]struct{}{bus.ModeLTP: {}},
	}

	var got []*broker.LTPTick
	a.SetLTPHandler(func(tick *broker.LTPTick) { got = append(got, tick) })

	a.stream.handleBinary(frame(ltpPacket(408065, 152375)))

	require.Len(t, got, 1)
	assert.Equal(t, "INFY", got[0].Symbol)
	assert.Equal(t, "NSE", got[0].Exchange)
	// Paise on the wire, rupees on the tick.
	assert.InDelta(t, 1523.75, got[0].LTP, 1e-9)
	assert.Equal(t, istZone, got[0].Timestamp.Location())
}

func TestHandleBinaryUnknownTokenDropped(t *testing.T) {
	a := newTestAdapter(t)
	fired := false
	a.SetLTPHandler(func(tick *broker.LTPTick) { fired = true })

	a.stream.handleBinary(frame(ltpPacket(999999, 100)))
	assert.False(t, fired)
}

func TestHandleBinaryQuoteAndDepth(t *testing.T) {
	a := newTestAdapter(t)
	a.stream.tokens[738561] = &tokenState{
		symbol:   "RELIANCE",
		exchange: "NSE",
		modes:    map[bus.Mode]struct{}{bus.ModeQuote: {}, bus.ModeDepth: {}},
	}

	p := make([]byte, packetFull)
	binary.BigEndian.PutUint32(p[0:4], 738561)
	binary.BigEndian.PutUint32(p[4:8], 250050)    // ltp
	binary.BigEndian.PutUint32(p[16:20], 1200000) // volume
	binary.BigEndian.PutUint32(p[28:32], 248000)  // open
	binary.BigEndian.PutUint32(p[32:36], 251000)  // high
	binary.BigEndian.PutUint32(p[36:40], 247500)  // low
	binary.BigEndian.PutUint32(p[40:44], 249000)  // close
	binary.BigEndian.PutUint32(p[60:64], 1706167800)
	for lvl := 0; lvl < 5; lvl++ {
		buy := 64 + lvl*12
		binary.BigEndian.PutUint32(p[buy:buy+4], uint32(100*(lvl+1)))
		binary.BigEndian.PutUint32(p[buy+4:buy+8], uint32(250000-int32(lvl)*5))
		binary.BigEndian.PutUint16(p[buy+8:buy+10], uint16(lvl+1))
		sell := 124 + lvl*12
		binary.BigEndian.PutUint32(p[sell:sell+4], uint32(200*(lvl+1)))
		binary.BigEndian.PutUint32(p[sell+4:sell+8], uint32(250100+int32(lvl)*5))
		binary.BigEndian.PutUint16(p[sell+8:sell+10], uint16(lvl+1))
	}

	var quote *broker.QuoteTick
	var depth *broker.DepthTick
	a.SetQuoteHandler(func(tick *broker.QuoteTick) { quote = tick })
	a.SetDepthHandler(func(tick *broker.DepthTick) { depth = tick })

	a.stream.handleBinary(frame(p))

	require.NotNil(t, quote)
	assert.InDelta(t, 2500.50, quote.LTP, 1e-9)
	assert.InDelta(t, 2480.00, quote.Open, 1e-9)
	assert.Equal(t, int64(1200000), quote.Volume)
	assert.InDelta(t, 2500.00, quote.Bid, 1e-9)
	assert.Equal(t, int64(100), quote.BidQty)
	assert.InDelta(t, 2501.00, quote.Ask, 1e-9)
	// Exchange timestamp replaces receive time on full packets.
	assert.Equal(t, int64(1706167800), quote.Timestamp.Unix())

	require.NotNil(t, depth)
	require.Len(t, depth.Buy, 5)
	require.Len(t, depth.Sell, 5)
	assert.Equal(t, int64(100+200+300+400+500), depth.TotalBuyQty)
	assert.Equal(t, int64(2*(100+200+300+400+500)), depth.TotalSellQty)
	assert.InDelta(t, 2499.95, depth.Buy[1].Price, 1e-9)
	assert.Equal(t, 2, depth.Buy[1].Orders)
}

func TestHandleBinaryTruncatedFrame(t *testing.T) {
	a := newTestAdapter(t)
	a.stream.tokens[408065] = &tokenState{
		symbol: "INFY", exchange: "NSE",
		modes: map[bus.Mode]struct{}{bus.ModeLTP: {}},
	}
	fired := false
	a.SetLTPHandler(func(tick *broker.LTPTick) { fired = true })

	// Claimed packet length runs past the frame.
	bad := frame(ltpPacket(408065, 100))
	bad = bad[:len(bad)-3]
	a.stream.handleBinary(bad)
	assert.False(t, fired)
}

func TestParseInstrumentsCSV(t *testing.T) {
	dump := strings.Join([]string{
		"instrument_token,exchange_token,tradingsymbol,name,last_price,expiry,strike,tick_size,lot_size,instrument_type,segment,exchange",
		"738561,2885,RELIANCE,RELIANCE INDUSTRIES,0,,0,0.05,1,EQ,NSE,NSE",
		"256265,1001,NIFTY 50,NIFTY 50,0,,0,0.05,1,EQ,INDICES,NSE",
		"12345602,48225,NIFTY25JAN24000CE,NIFTY,0,2025-01-30,24000,0.05,25,CE,NFO-OPT,NFO",
		"999,1,UNSUPPORTED,X,0,,0,0.05,1,WARRANT,NSE,NSE",
	}, "\n")

	out, err := parseInstrumentsCSV(strings.NewReader(dump))
	require.NoError(t, err)
	require.Len(t, out, 3)

	assert.Equal(t, "RELIANCE", out[0].Symbol)
	assert.Equal(t, "EQ", out[0].InstrumentType)
	assert.Equal(t, "NSE", out[0].Exchange)
	assert.Equal(t, "738561", out[0].Token)

	// Index rows move to the synthetic index exchange.
	assert.Equal(t, "INDEX", out[1].InstrumentType)
	assert.Equal(t, "NSE_INDEX", out[1].Exchange)

	assert.Equal(t, "CE", out[2].InstrumentType)
	assert.Equal(t, 24000.0, out[2].Strike)
	assert.Equal(t, 25, out[2].LotSize)
	assert.NotEmpty(t, out[2].Expiry)
}

func TestHighestMode(t *testing.T) {
	modes := map[bus.Mode]struct{}{bus.ModeLTP: {}}
	assert.Equal(t, bus.ModeLTP, highestMode(modes))
	modes[bus.ModeQuote] = struct{}{}
	assert.Equal(t, bus.ModeQuote, highestMode(modes))
	modes[bus.ModeDepth] = struct{}{}
	assert.Equal(t, bus.ModeDepth, highestMode(modes))
}
