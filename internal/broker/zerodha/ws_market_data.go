package zerodha

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tradegate/internal/broker"
	"tradegate/internal/bus"
	"tradegate/internal/metrics"
)

// Kite binary packet sizes.
const (
	packetLTP   = 8
	packetQuote = 44
	packetFull  = 184
)

// tokenState tracks one subscribed instrument on the feed.
type tokenState struct {
	symbol   string
	exchange string
	modes    map[bus.Mode]struct{}
}

// marketStream is the Kite binary feed client. One socket carries every
// subscription; mode upgrades are sent per token.
type marketStream struct {
	adapter *Adapter
	wsURL   string

	mu     sync.Mutex
	conn   *websocket.Conn
	tokens map[uint32]*tokenState
	done   chan struct{}
	closed bool
}

func newMarketStream(a *Adapter, wsURL string) *marketStream {
	return &marketStream{
		adapter: a,
		wsURL:   wsURL,
		tokens:  make(map[uint32]*tokenState),
	}
}

func (s *marketStream) connect(ctx context.Context, apiKey, accessToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return nil
	}

	url := fmt.Sprintf("%s?api_key=%s&access_token=%s", s.wsURL, apiKey, accessToken)
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return &broker.Error{Broker: brokerName, Kind: broker.ErrNetwork, Message: "feed dial failed", Err: err}
	}

	s.conn = conn
	s.done = make(chan struct{})
	s.closed = false
	s.adapter.SetConnected(true)
	metrics.RecordAdapterStatus(brokerName, true)
	s.adapter.Log.Info().Msg("market data feed connected")

	go s.readLoop(conn, s.done)
	return nil
}

func (s *marketStream) disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	s.closed = true
	close(s.done)
	err := s.conn.Close()
	s.conn = nil
	s.tokens = make(map[uint32]*tokenState)
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

	byMode := map[string][]uint32{}
	var fresh []uint32
	for _, item := range items {
		in, err := s.adapter.registry.Lookup(brokerName, item.Exchange, item.Symbol)
		if err != nil {
			return &broker.Error{Broker: brokerName, Kind: broker.ErrInvalidInput, Message: err.Error()}
		}
		token, err := parseToken(in.Token)
		if err != nil {
			return err
		}
		st, ok := s.tokens[token]
		if !ok {
			st = &tokenState{symbol: item.Symbol, exchange: item.Exchange, modes: map[bus.Mode]struct{}{}}
			s.tokens[token] = st
			fresh = append(fresh, token)
		}
		st.modes[item.Mode] = struct{}{}
		byMode[kiteMode(highestMode(st.modes))] = append(byMode[kiteMode(highestMode(st.modes))], token)
	}

	if len(fresh) > 0 {
		if err := s.write(map[string]any{"a": "subscribe", "v": fresh}); err != nil {
			return err
		}
	}
	for mode, tokens := range byMode {
		if err := s.write(map[string]any{"a": "mode", "v": []any{mode, tokens}}); err != nil {
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

	var drop []uint32
	for _, item := range items {
		in, err := s.adapter.registry.Lookup(brokerName, item.Exchange, item.Symbol)
		if err != nil {
			continue
		}
		token, err := parseToken(in.Token)
		if err != nil {
			continue
		}
		st, ok := s.tokens[token]
		if !ok {
			continue
		}
		delete(st.modes, item.Mode)
		if len(st.modes) == 0 {
			delete(s.tokens, token)
			drop = append(drop, token)
		}
	}
	if len(drop) == 0 {
		return nil
	}
	return s.write(map[string]any{"a": "unsubscribe", "v": drop})
}

// unsubscribeAll clears every subscription but leaves the socket open.
func (s *marketStream) unsubscribeAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil || len(s.tokens) == 0 {
		s.tokens = make(map[uint32]*tokenState)
		return nil
	}
	all := make([]uint32, 0, len(s.tokens))
	for token := range s.tokens {
		all = append(all, token)
	}
	s.tokens = make(map[uint32]*tokenState)
	return s.write(map[string]any{"a": "unsubscribe", "v": all})
}

// write sends one control frame. Caller holds the lock.
func (s *marketStream) write(frame map[string]any) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return &broker.Error{Broker: brokerName, Kind: broker.ErrNetwork, Message: "feed write failed", Err: err}
	}
	return nil
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
		// Text frames carry order postbacks and errors; the tick stream is
		// binary.
		if msgType == websocket.BinaryMessage {
			s.handleBinary(message)
		}
	}
}

// handleBinary splits a Kite frame into packets and emits one tick per
// subscribed mode. Frames shorter than the packet count header are heartbeats.
func (s *marketStream) handleBinary(frame []byte) {
	if len(frame) < 2 {
		return
	}
	count := int(binary.BigEndian.Uint16(frame[0:2]))
	offset := 2
	for i := 0; i < count; i++ {
		if offset+2 > len(frame) {
			return
		}
		size := int(binary.BigEndian.Uint16(frame[offset : offset+2]))
		offset += 2
		if offset+size > len(frame) {
			return
		}
		s.handlePacket(frame[offset : offset+size])
		offset += size
	}
}

func (s *marketStream) handlePacket(p []byte) {
	if len(p) < packetLTP {
		return
	}
	token := binary.BigEndian.Uint32(p[0:4])

	s.mu.Lock()
	st, ok := s.tokens[token]
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
	price := func(off int) float64 {
		return float64(int32(binary.BigEndian.Uint32(p[off:off+4]))) / divisor
	}
	now := time.Now().In(istZone)

	ltp := broker.LTPTick{Symbol: symbol, Exchange: exchange, LTP: price(4), Timestamp: now}
	if _, want := modes[bus.ModeLTP]; want {
		t := ltp
		s.adapter.EmitLTP(&t)
	}
	if len(p) < packetQuote {
		return
	}

	quote := broker.QuoteTick{
		LTPTick: ltp,
		Volume:  int64(binary.BigEndian.Uint32(p[16:20])),
		Open:    price(28),
		High:    price(32),
		Low:     price(36),
		Close:   price(40),
	}
	if len(p) >= packetFull {
		// Exchange timestamp replaces receive time when present.
		if ts := binary.BigEndian.Uint32(p[60:64]); ts > 0 {
			quote.Timestamp = time.Unix(int64(ts), 0).In(istZone)
			quote.LTPTick.Timestamp = quote.Timestamp
		}
		// Top of book from the depth ladder.
		quote.Bid = price(64 + 4)
		quote.BidQty = int64(binary.BigEndian.Uint32(p[64:68]))
		quote.Ask = price(124 + 4)
		quote.AskQty = int64(binary.BigEndian.Uint32(p[124:128]))
	}
	if _, want := modes[bus.ModeQuote]; want {
		t := quote
		s.adapter.EmitQuote(&t)
	}

	if _, want := modes[bus.ModeDepth]; !want || len(p) < packetFull {
		return
	}
	depth := broker.DepthTick{QuoteTick: quote}
	for lvl := 0; lvl < 5; lvl++ {
		off := 64 + lvl*12
		entry := broker.DepthLevel{
			Quantity: int64(binary.BigEndian.Uint32(p[off : off+4])),
			Price:    price(off + 4),
			Orders:   int(binary.BigEndian.Uint16(p[off+8 : off+10])),
		}
		depth.Buy = append(depth.Buy, entry)
		depth.TotalBuyQty += entry.Quantity
	}
	for lvl := 0; lvl < 5; lvl++ {
		off := 124 + lvl*12
		entry := broker.DepthLevel{
			Quantity: int64(binary.BigEndian.Uint32(p[off : off+4])),
			Price:    price(off + 4),
			Orders:   int(binary.BigEndian.Uint16(p[off+8 : off+10])),
		}
		depth.Sell = append(depth.Sell, entry)
		depth.TotalSellQty += entry.Quantity
	}
	s.adapter.EmitDepth(&depth)
}

func parseToken(raw string) (uint32, error) {
	var token uint32
	if _, err := fmt.Sscanf(raw, "%d", &token); err != nil {
		return 0, &broker.Error{Broker: brokerName, Kind: broker.ErrInvalidInput, Message: "bad instrument token " + raw}
	}
	return token, nil
}

func kiteMode(m bus.Mode) string {
	switch m {
	case bus.ModeQuote:
		return "quote"
	case bus.ModeDepth:
		return "full"
	default:
		return "ltp"
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
