package angelone

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tradegate/internal/broker"
	"tradegate/internal/bus"
	"tradegate/internal/metrics"
)

// SmartStream subscription modes.
const (
	smartModeLTP       = 1
	smartModeQuote     = 2
	smartModeSnapQuote = 3
)

// SmartStream exchange type codes.
var exchangeTypes = map[string]int{
	"NSE":       1,
	"NSE_INDEX": 1,
	"NFO":       2,
	"BSE":       3,
	"BSE_INDEX": 3,
	"BFO":       4,
	"MCX":       5,
	"NCDEX":     7,
	"CDS":       13,
}

type streamKey struct {
	exchangeType int
	token        string
}

type streamState struct {
	symbol   string
	exchange string
	modes    map[bus.Mode]struct{}
}

// marketStream is the SmartStream 2.0 binary feed client. Packets are
// little-endian; prices arrive in paise.
type marketStream struct {
	adapter *Adapter
	wsURL   string

	mu     sync.Mutex
	conn   *websocket.Conn
	subs   map[streamKey]*streamState
	done   chan struct{}
}

func newMarketStream(a *Adapter, wsURL string) *marketStream {
	return &marketStream{
		adapter: a,
		wsURL:   wsURL,
		subs:    make(map[streamKey]*streamState),
	}
}

func (s *marketStream) connect(ctx context.Context, apiKey, clientCode, jwt, feedToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return nil
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+jwt)
	header.Set("x-api-key", apiKey)
	header.Set("x-client-code", clientCode)
	header.Set("x-feed-token", feedToken)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.wsURL, header)
	if err != nil {
		return &broker.Error{Broker: brokerName, Kind: broker.ErrNetwork, Message: "feed dial failed", Err: err}
	}

	s.conn = conn
	s.done = make(chan struct{})
	s.adapter.SetConnected(true)
	metrics.RecordAdapterStatus(brokerName, true)
	s.adapter.Log.Info().Msg("market data feed connected")

	go s.readLoop(conn, s.done)
	go s.heartbeat(conn, s.done)
	return nil
}

func (s *marketStream) disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	close(s.done)
	err := s.conn.Close()
	s.conn = nil
	s.subs = make(map[streamKey]*streamState)
	s.adapter.SetConnected(false)
	metrics.RecordAdapterStatus(brokerName, false)
	s.adapter.Log.Info().Msg("market data feed disconnected")
	return err
}

func (s *marketStream) subscribe(items []broker.StreamItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return &broker.Error{Broker: brokerName, Kind: broker.ErrNetwork, Message: "feed not connected"}
	}

	// One control frame per SmartStream mode.
	frames := map[int]map[int][]string{}
	for _, item := range items {
		in, err := s.adapter.registry.Lookup(brokerName, item.Exchange, item.Symbol)
		if err != nil {
			return &broker.Error{Broker: brokerName, Kind: broker.ErrInvalidInput, Message: err.Error()}
		}
		et, ok := exchangeTypes[item.Exchange]
		if !ok {
			return &broker.Error{Broker: brokerName, Kind: broker.ErrInvalidInput, Message: "unsupported exchange " + item.Exchange}
		}
		key := streamKey{exchangeType: et, token: in.Token}
		st, ok := s.subs[key]
		if !ok {
			st = &streamState{symbol: item.Symbol, exchange: item.Exchange, modes: map[bus.Mode]struct{}{}}
			s.subs[key] = st
		}
		st.modes[item.Mode] = struct{}{}

		mode := smartMode(highestMode(st.modes))
		if frames[mode] == nil {
			frames[mode] = map[int][]string{}
		}
		frames[mode][et] = append(frames[mode][et], in.Token)
	}

	for mode, byExchange := range frames {
		if err := s.sendControl(1, mode, byExchange); err != nil {
			return err
		}
	}
	return nil
}

func (s *marketStream) unsubscribe(items []broker.StreamItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}

	drop := map[int][]string{}
	for _, item := range items {
		in, err := s.adapter.registry.Lookup(brokerName, item.Exchange, item.Symbol)
		if err != nil {
			continue
		}
		et, ok := exchangeTypes[item.Exchange]
		if !ok {
			continue
		}
		key := streamKey{exchangeType: et, token: in.Token}
		st, ok := s.subs[key]
		if !ok {
			continue
		}
		delete(st.modes, item.Mode)
		if len(st.modes) == 0 {
			delete(s.subs, key)
			drop[et] = append(drop[et], in.Token)
		}
	}
	if len(drop) == 0 {
		return nil
	}
	return s.sendControl(0, smartModeSnapQuote, drop)
}

func (s *marketStream) unsubscribeAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil || len(s.subs) == 0 {
		s.subs = make(map[streamKey]*streamState)
		return nil
	}
	drop := map[int][]string{}
	for key := range s.subs {
		drop[key.exchangeType] = append(drop[key.exchangeType], key.token)
	}
	s.subs = make(map[streamKey]*streamState)
	return s.sendControl(0, smartModeSnapQuote, drop)
}

// sendControl writes one subscribe/unsubscribe frame. Caller holds the lock.
func (s *marketStream) sendControl(action, mode int, byExchange map[int][]string) error {
	req := subscribeRequest{
		CorrelationID: "tradegate",
		Action:        action,
		Params:        subscribeParams{Mode: mode},
	}
	for et, tokens := range byExchange {
		req.Params.TokenList = append(req.Params.TokenList, tokenList{ExchangeType: et, Tokens: tokens})
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return &broker.Error{Broker: brokerName, Kind: broker.ErrNetwork, Message: "feed write failed", Err: err}
	}
	return nil
}

// heartbeat keeps the SmartStream session alive; the server drops sockets
// silent for more than 60 seconds.
func (s *marketStream) heartbeat(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.conn == conn {
				_ = conn.WriteMessage(websocket.TextMessage, []byte("ping"))
			}
			s.mu.Unlock()
		}
	}
}

func (s *marketStream) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer func() {
		s.adapter.SetConnected(false)
		metrics.RecordAdapterStatus(brokerName, false)
	}()

	for {
		select {
		case <-done:
			return
		default:
		}
		msgType, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-done:
				return
			default:
			}
			s.adapter.EmitError(&broker.Error{Broker: brokerName, Kind: broker.ErrNetwork, Message: "feed read failed", Err: err})
			return
		}
		if msgType == websocket.BinaryMessage {
			s.handlePacket(message)
		}
	}
}

// handlePacket decodes one SmartStream tick. Layout (little-endian): mode,
// exchange type, 25-byte token, sequence, exchange timestamp in ms, then
// price fields in paise as int64.
func (s *marketStream) handlePacket(p []byte) {
	if len(p) < 51 {
		return
	}
	packetMode := int(p[0])
	et := int(p[1])
	token := string(bytes.TrimRight(p[2:27], "\x00"))

	s.mu.Lock()
	st, ok := s.subs[streamKey{exchangeType: et, token: token}]
	var symbol, exchange string
	var modes map[bus.Mode]struct{}
	if ok {
		symbol, exchange = st.symbol, st.exchange
		modes = make(map[bus.Mode]struct{}, len(st.modes))
		for m := range st.modes {
			modes[m] = struct{}{}
		}
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	divisor := s.adapter.Capabilities().PriceDivisor
	i64 := func(off int) int64 { return int64(binary.LittleEndian.Uint64(p[off : off+8])) }
	price := func(off int) float64 { return float64(i64(off)) / divisor }

	ts := time.UnixMilli(i64(35)).In(istZone)
	ltp := broker.LTPTick{Symbol: symbol, Exchange: exchange, LTP: price(43), Timestamp: ts}
	if _, want := modes[bus.ModeLTP]; want {
		t := ltp
		s.adapter.EmitLTP(&t)
	}
	if packetMode < smartModeQuote || len(p) < 123 {
		return
	}

	quote := broker.QuoteTick{
		LTPTick: ltp,
		Volume:  i64(67),
		Open:    price(91),
		High:    price(99),
		Low:     price(107),
		Close:   price(115),
	}

	var depth broker.DepthTick
	if packetMode == smartModeSnapQuote && len(p) >= 347 {
		for i := 0; i < 10; i++ {
			off := 147 + i*20
			entry := broker.DepthLevel{
				Quantity: int64(binary.LittleEndian.Uint64(p[off+2 : off+10])),
				Price:    float64(int64(binary.LittleEndian.Uint64(p[off+10:off+18]))) / divisor,
				Orders:   int(binary.LittleEndian.Uint16(p[off+18 : off+20])),
			}
			if binary.LittleEndian.Uint16(p[off:off+2]) == 1 {
				depth.Buy = append(depth.Buy, entry)
				depth.TotalBuyQty += entry.Quantity
			} else {
				depth.Sell = append(depth.Sell, entry)
				depth.TotalSellQty += entry.Quantity
			}
		}
		if len(depth.Buy) > 0 {
			quote.Bid = depth.Buy[0].Price
			quote.BidQty = depth.Buy[0].Quantity
		}
		if len(depth.Sell) > 0 {
			quote.Ask = depth.Sell[0].Price
			quote.AskQty = depth.Sell[0].Quantity
		}
	}

	if _, want := modes[bus.ModeQuote]; want {
		t := quote
		s.adapter.EmitQuote(&t)
	}
	if _, want := modes[bus.ModeDepth]; want && packetMode == smartModeSnapQuote {
		depth.QuoteTick = quote
		s.adapter.EmitDepth(&depth)
	}
}

func smartMode(m bus.Mode) int {
	switch m {
	case bus.ModeQuote:
		return smartModeQuote
	case bus.ModeDepth:
		return smartModeSnapQuote
	default:
		return smartModeLTP
	}
}

func highestMode(modes map[bus.Mode]struct{}) bus.Mode {
	highest := bus.ModeLTP
	for m := range modes {
		if m > highest {
			highest = m
		}
	}
	return highest
}
