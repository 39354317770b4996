package angelone

import (
	"encoding/binary"
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

// ltpPacket builds a minimal SmartStream LTP frame.
func ltpPacket(mode, exchangeType int, token string, tsMillis, ltpPaise int64) []byte {
	p := make([]byte, 51)
	p[0] = byte(mode)
	p[1] = byte(exchangeType)
	copy(p[2:27], token)
	binary.LittleEndian.PutUint64(p[35:43], uint64(tsMillis))
	binary.LittleEndian.PutUint64(p[43:51], uint64(ltpPaise))
	return p
}

func TestHandlePacketLTP(t *testing.T) {
	a := newTestAdapter(t)
	a.stream.subs[streamKey{exchangeType: 1, token: "3045"}] = &streamState{
		symbol:   "SBIN",
		exchange: "NSE",
		modes:    map[bus.Mode]struct{}{bus.ModeLTP: {}},
	}

	var got *broker.LTPTick
	a.SetLTPHandler(func(tick *broker.LTPTick) { got = tick })

	a.stream.handlePacket(ltpPacket(smartModeLTP, 1, "3045", 1706167800123, 61550))

	require.NotNil(t, got)
	assert.Equal(t, "SBIN", got.Symbol)
	assert.InDelta(t, 615.50, got.LTP, 1e-9)
	assert.Equal(t, int64(1706167800123), got.Timestamp.UnixMilli())
}

func TestHandlePacketSnapQuote(t *testing.T) {
	a := newTestAdapter(t)
	a.stream.subs[streamKey{exchangeType: 2, token: "48225"}] = &streamState{
		symbol:   "NIFTY25JAN24000CE",
		exchange: "NFO",
		modes:    map[bus.Mode]struct{}{bus.ModeQuote: {}, bus.ModeDepth: {}},
	}

	p := make([]byte, 347)
	copy(p, ltpPacket(smartModeSnapQuote, 2, "48225", 1706167800000, 15025))
	binary.LittleEndian.PutUint64(p[67:75], 54321)  // volume
	binary.LittleEndian.PutUint64(p[91:99], 14000)  // open
	binary.LittleEndian.PutUint64(p[99:107], 15500) // high
	binary.LittleEndian.PutUint64(p[107:115], 13900) // low
	binary.LittleEndian.PutUint64(p[115:123], 14200) // close
	for i := 0; i < 10; i++ {
		off := 147 + i*20
		isBuy := i < 5
		flag := uint16(0)
		priceP := uint64(15000 - i*5)
		if isBuy {
			flag = 1
		} else {
			priceP = uint64(15050 + i*5)
		}
		binary.LittleEndian.PutUint16(p[off:off+2], flag)
		binary.LittleEndian.PutUint64(p[off+2:off+10], uint64(25*(i+1)))
		binary.LittleEndian.PutUint64(p[off+10:off+18], priceP)
		binary.LittleEndian.PutUint16(p[off+18:off+20], uint16(i+1))
	}

	var quote *broker.QuoteTick
	var depth *broker.DepthTick
	a.SetQuoteHandler(func(tick *broker.QuoteTick) { quote = tick })
	a.SetDepthHandler(func(tick *broker.DepthTick) { depth = tick })

	a.stream.handlePacket(p)

	require.NotNil(t, quote)
	assert.InDelta(t, 150.25, quote.LTP, 1e-9)
	assert.InDelta(t, 140.00, quote.Open, 1e-9)
	assert.Equal(t, int64(54321), quote.Volume)
	// Touch comes from the first ladder entry on each side.
	assert.InDelta(t, 150.00, quote.Bid, 1e-9)
	assert.Equal(t, int64(25), quote.BidQty)

	require.NotNil(t, depth)
	assert.Len(t, depth.Buy, 5)
	assert.Len(t, depth.Sell, 5)
	assert.Equal(t, int64(25+50+75+100+125), depth.TotalBuyQty)
	assert.Equal(t, 2, depth.Buy[1].Orders)
}

func TestHandlePacketUnknownTokenDropped(t *testing.T) {
	a := newTestAdapter(t)
	fired := false
	a.SetLTPHandler(func(tick *broker.LTPTick) { fired = true })
	a.stream.handlePacket(ltpPacket(smartModeLTP, 1, "404", 1, 1))
	assert.False(t, fired)
}

func TestMapScrip(t *testing.T) {
	tests := []struct {
		name     string
		row      scripRow
		want     symbols.Instrument
		accepted bool
	}{
		{
			name: "equity strips eq suffix",
			row:  scripRow{Token: "3045", Symbol: "SBIN-EQ", Name: "SBIN", ExchSeg: "NSE", TickSize: "5", LotSize: "1"},
			want: symbols.Instrument{Symbol: "SBIN", InstrumentType: "EQ", Exchange: "NSE", TickSize: 0.05},
			accepted: true,
		},
		{
			name: "index moves to synthetic exchange",
			row:  scripRow{Token: "99926000", Symbol: "Nifty 50", Name: "NIFTY", ExchSeg: "NSE", InstrumentType: "AMXIDX"},
			want: symbols.Instrument{Symbol: "NIFTY", InstrumentType: "INDEX", Exchange: "NSE_INDEX"},
			accepted: true,
		},
		{
			name: "option strike is scaled from paise",
			row: scripRow{Token: "48225", Symbol: "NIFTY30JAN2524000CE", Name: "NIFTY", ExchSeg: "NFO",
				InstrumentType: "OPTIDX", Strike: "2400000", LotSize: "25", Expiry: "30JAN2025"},
			want: symbols.Instrument{Symbol: "NIFTY30JAN2524000CE", InstrumentType: "CE", Exchange: "NFO", Strike: 24000},
			accepted: true,
		},
		{
			name:     "unlisted type dropped",
			row:      scripRow{Token: "1", Symbol: "XYZ", ExchSeg: "NSE", InstrumentType: "WARRANT"},
			accepted: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := mapScrip(tt.row)
			require.Equal(t, tt.accepted, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.want.Symbol, got.Symbol)
			assert.Equal(t, tt.want.InstrumentType, got.InstrumentType)
			assert.Equal(t, tt.want.Exchange, got.Exchange)
			if tt.want.Strike > 0 {
				assert.Equal(t, tt.want.Strike, got.Strike)
			}
			if tt.want.TickSize > 0 {
				assert.InDelta(t, tt.want.TickSize, got.TickSize, 1e-9)
			}
		})
	}
}
