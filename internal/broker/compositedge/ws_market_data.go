package compositedge

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tradegate/internal/broker"
	"tradegate/internal/bus"
	"tradegate/internal/metrics"
)

// tokenState tracks one subscribed instrument and its requested modes.
type tokenState struct {
	symbol   string
	exchange string
	modes    map[bus.Mode]struct{}
}

// marketStream is the XTS broadcast client. The socket speaks engine.io
// text framing: "2" pings, "42[event,payload]" events. Subscriptions are
// armed through the market data REST API, the socket only delivers.
type marketStream struct {
	adapter *Adapter
	wsURL   string

	mu   sync.Mutex
	conn *websocket.Conn
	subs map[string]*tokenState // key: "SEGMENT|TOKEN"
	done chan struct{}
}

func newMarketStream(a *Adapter, wsURL string) *marketStream {
	return &marketStream{
		adapter: a,
		wsURL:   wsURL,
		subs:    make(map[string]*tokenState),
	}
}

func (s *marketStream) connect(ctx context.Context, userID, feedToken string) error {
	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	url := s.wsURL + "?EIO=3&transport=websocket&publishFormat=JSON&broadcastMode=Full" +
		"&token=" + feedToken + "&userID=" + userID
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return &broker.Error{Broker: brokerName, Kind: broker.ErrNetwork, Message: "feed dial failed", Err: err}
	}

	s.mu.Lock()
	s.conn = conn
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go s.readLoop(conn, done)
	go s.pingLoop(done)

	s.adapter.SetConnected(true)
	metrics.RecordAdapterStatus(brokerName, true)
	s.adapter.Log.Info().Msg("market data feed connected")
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
	s.subs = make(map[string]*tokenState)
	s.adapter.SetConnected(false)
	metrics.RecordAdapterStatus(brokerName, false)
	s.adapter.Log.Info().Msg("market data feed disconnected")
	return err
}

func (s *marketStream) subscribe(items []broker.StreamItem) error {
	s.mu.Lock()
	if s.conn == nil {
		s.mu.Unlock()
		return &broker.Error{Broker: brokerName, Kind: broker.ErrNetwork, Message: "feed not connected"}
	}

	var touch, depth []xtsInstrument
	for _, item := range items {
		in, err := s.adapter.registry.Lookup(brokerName, item.Exchange, item.Symbol)
		if err != nil {
			s.mu.Unlock()
			return &broker.Error{Broker: brokerName, Kind: broker.ErrInvalidInput, Message: err.Error()}
		}
		token, _ := strconv.ParseInt(in.Token, 10, 64)
		inst := xtsInstrument{ExchangeSegment: segmentIDs[in.BrExchange], ExchangeInstrumentID: token}

		key := in.BrExchange + "|" + in.Token
		st, ok := s.subs[key]
		if !ok {
			st = &tokenState{symbol: item.Symbol, exchange: item.Exchange, modes: map[bus.Mode]struct{}{}}
			s.subs[key] = st
		}
		st.modes[item.Mode] = struct{}{}
		if item.Mode == bus.ModeDepth {
			depth = append(depth, inst)
		} else {
			touch = append(touch, inst)
		}
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if len(touch) > 0 {
		if err := s.adapter.rest.subscribeInstruments(ctx, s.adapter.auth(), touch, codeTouchline); err != nil {
			return err
		}
	}
	if len(depth) > 0 {
		if err := s.adapter.rest.subscribeInstruments(ctx, s.adapter.auth(), depth, codeMarketDepth); err != nil {
			return err
		}
	}
	return nil
}

func (s *marketStream) unsubscribe(items []broker.StreamItem) error {
	s.mu.Lock()
	var touch, depth []xtsInstrument
	for _, item := range items {
		in, err := s.adapter.registry.Lookup(brokerName, item.Exchange, item.Symbol)
		if err != nil {
			continue
		}
		key := in.BrExchange + "|" + in.Token
		st, ok := s.subs[key]
		if !ok {
			continue
		}
		delete(st.modes, item.Mode)

		token, _ := strconv.ParseInt(in.Token, 10, 64)
		inst := xtsInstrument{ExchangeSegment: segmentIDs[in.BrExchange], ExchangeInstrumentID: token}
		if item.Mode == bus.ModeDepth {
			depth = append(depth, inst)
		}
		if len(st.modes) == 0 {
			delete(s.subs, key)
			touch = append(touch, inst)
		}
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if len(depth) > 0 {
		if err := s.adapter.rest.unsubscribeInstruments(ctx, s.adapter.auth(), depth, codeMarketDepth); err != nil {
			return err
		}
	}
	if len(touch) > 0 {
		if err := s.adapter.rest.unsubscribeInstruments(ctx, s.adapter.auth(), touch, codeTouchline); err != nil {
			return err
		}
	}
	return nil
}

// unsubscribeAll disarms every subscription but keeps the socket open.
func (s *marketStream) unsubscribeAll() error {
	s.mu.Lock()
	var all []xtsInstrument
	for key := range s.subs {
		segment, token, ok := strings.Cut(key, "|")
		if !ok {
			continue
		}
		id, _ := strconv.ParseInt(token, 10, 64)
		all = append(all, xtsInstrument{ExchangeSegment: segmentIDs[segment], ExchangeInstrumentID: id})
	}
	s.subs = make(map[string]*tokenState)
	connected := s.conn != nil
	s.mu.Unlock()

	if !connected || len(all) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.adapter.rest.unsubscribeInstruments(ctx, s.adapter.auth(), all, codeMarketDepth); err != nil {
		return err
	}
	return s.adapter.rest.unsubscribeInstruments(ctx, s.adapter.auth(), all, codeTouchline)
}

// pingLoop keeps the engine.io session alive.
func (s *marketStream) pingLoop(done chan struct{}) {
	ticker := time.NewTicker(25 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := s.writeRaw("2"); err != nil {
				return
			}
		}
	}
}

func (s *marketStream) writeRaw(frame string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return &broker.Error{Broker: brokerName, Kind: broker.ErrNetwork, Message: "feed not connected"}
	}
	return s.conn.WriteMessage(websocket.TextMessage, []byte(frame))
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
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-done:
				return
			default:
			}
			s.adapter.EmitError(&broker.Error{Broker: brokerName, Kind: broker.ErrNetwork, Message: "feed read failed", Err: err})
			return
		}
		s.handleFrame(message)
	}
}

// handleFrame dispatches one engine.io frame. "2" is a server ping, "42"
// prefixes a socket.io event.
func (s *marketStream) handleFrame(frame []byte) {
	if len(frame) == 0 {
		return
	}
	if len(frame) == 1 && frame[0] == '2' {
		_ = s.writeRaw("3")
		return
	}
	if len(frame) < 2 || frame[0] != '4' || frame[1] != '2' {
		return
	}

	var event []json.RawMessage
	if err := json.Unmarshal(frame[2:], &event); err != nil || len(event) < 2 {
		return
	}
	var name string
	if err := json.Unmarshal(event[0], &name); err != nil {
		return
	}
	if !strings.HasPrefix(name, "1501") && !strings.HasPrefix(name, "1502") {
		return
	}

	// The payload is a JSON string holding the touchline document.
	var payload string
	if err := json.Unmarshal(event[1], &payload); err != nil {
		return
	}
	var tl touchline
	if err := json.Unmarshal([]byte(payload), &tl); err != nil {
		return
	}
	s.handleBroadcast(&tl)
}

func (s *marketStream) handleBroadcast(tl *touchline) {
	segment, ok := segmentNames[tl.ExchangeSegment]
	if !ok {
		return
	}
	key := segment + "|" + strconv.FormatInt(tl.ExchangeInstrumentID, 10)

	s.mu.Lock()
	st, found := s.subs[key]
	if !found {
		s.mu.Unlock()
		return
	}
	symbol, exchange := st.symbol, st.exchange
	modes := make(map[bus.Mode]struct{}, len(st.modes))
	for m := range st.modes {
		modes[m] = struct{}{}
	}
	s.mu.Unlock()

	touch := tl
	if tl.Touchline != nil {
		touch = tl.Touchline
	}

	// Segment clocks count from different epochs per exchange, so tick
	// timestamps use the gateway wall clock.
	quote := broker.QuoteTick{
		LTPTick: broker.LTPTick{
			Symbol:    symbol,
			Exchange:  exchange,
			LTP:       touch.LastTradedPrice,
			Timestamp: time.Now().In(istZone),
		},
		Open:   touch.Open,
		High:   touch.High,
		Low:    touch.Low,
		Close:  touch.Close,
		Volume: touch.TotalTradedQuantity,
	}
	if touch.BidInfo != nil {
		quote.Bid = touch.BidInfo.Price
		quote.BidQty = touch.BidInfo.Size
	}
	if touch.AskInfo != nil {
		quote.Ask = touch.AskInfo.Price
		quote.AskQty = touch.AskInfo.Size
	}

	if _, want := modes[bus.ModeLTP]; want {
		t := quote.LTPTick
		s.adapter.EmitLTP(&t)
	}
	if _, want := modes[bus.ModeQuote]; want {
		t := quote
		s.adapter.EmitQuote(&t)
	}
	if _, want := modes[bus.ModeDepth]; want && tl.MessageCode == codeMarketDepth {
		depth := broker.DepthTick{QuoteTick: quote}
		for _, lvl := range tl.Bids {
			depth.Buy = append(depth.Buy, broker.DepthLevel{Price: lvl.Price, Quantity: lvl.Size, Orders: lvl.TotalOrders})
			depth.TotalBuyQty += lvl.Size
		}
		for _, lvl := range tl.Asks {
			depth.Sell = append(depth.Sell, broker.DepthLevel{Price: lvl.Price, Quantity: lvl.Size, Orders: lvl.TotalOrders})
			depth.TotalSellQty += lvl.Size
		}
		s.adapter.EmitDepth(&depth)
	}
}
