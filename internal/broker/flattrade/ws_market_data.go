package flattrade

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

// feedState caches the last seen values for one instrument. Noren feed
// frames carry only the fields that changed, so ticks are emitted from the
// merged state.
type feedState struct {
	symbol   string
	exchange string
	modes    map[bus.Mode]struct{}
	last     broker.QuoteTick
	depth    broker.DepthTick
}

// marketStream is the Noren JSON feed client.
type marketStream struct {
	adapter *Adapter
	wsURL   string

	mu    sync.Mutex
	conn  *websocket.Conn
	subs  map[string]*feedState // key: "EXCH|TOKEN"
	done  chan struct{}
	ready chan struct{}
}

func newMarketStream(a *Adapter, wsURL string) *marketStream {
	return &marketStream{
		adapter: a,
		wsURL:   wsURL,
		subs:    make(map[string]*feedState),
	}
}

func (s *marketStream) connect(ctx context.Context, clientID, token string) error {
	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.wsURL, nil)
	if err != nil {
		return &broker.Error{Broker: brokerName, Kind: broker.ErrNetwork, Message: "feed dial failed", Err: err}
	}

	handshake := map[string]string{
		"t":          "c",
		"uid":        clientID,
		"actid":      clientID,
		"susertoken": token,
		"source":     "API",
	}
	payload, _ := json.Marshal(handshake)
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		conn.Close()
		return &broker.Error{Broker: brokerName, Kind: broker.ErrNetwork, Message: "feed handshake write failed", Err: err}
	}

	s.mu.Lock()
	s.conn = conn
	s.done = make(chan struct{})
	s.ready = make(chan struct{})
	ready := s.ready
	done := s.done
	s.mu.Unlock()

	go s.readLoop(conn, done)

	// The connect acknowledgment must arrive before any subscribe is sent.
	select {
	case <-ready:
	case <-time.After(10 * time.Second):
		s.disconnect()
		return &broker.Error{Broker: brokerName, Kind: broker.ErrInvalidToken, Message: "feed handshake not acknowledged"}
	case <-ctx.Done():
		s.disconnect()
		return ctx.Err()
	}

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
	s.subs = make(map[string]*feedState)
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

	var touch, depth []string
	for _, item := range items {
		in, err := s.adapter.registry.Lookup(brokerName, item.Exchange, item.Symbol)
		if err != nil {
			return &broker.Error{Broker: brokerName, Kind: broker.ErrInvalidInput, Message: err.Error()}
		}
		key := in.BrExchange + "|" + in.Token
		st, ok := s.subs[key]
		if !ok {
			st = &feedState{symbol: item.Symbol, exchange: item.Exchange, modes: map[bus.Mode]struct{}{}}
			st.last.Symbol, st.last.Exchange = item.Symbol, item.Exchange
			s.subs[key] = st
		}
		st.modes[item.Mode] = struct{}{}
		if item.Mode == bus.ModeDepth {
			depth = append(depth, key)
		} else {
			touch = append(touch, key)
		}
	}

	if len(touch) > 0 {
		if err := s.write(map[string]string{"t": "t", "k": strings.Join(touch, "#")}); err != nil {
			return err
		}
	}
	if len(depth) > 0 {
		if err := s.write(map[string]string{"t": "d", "k": strings.Join(depth, "#")}); err != nil {
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

	var touch, depth []string
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
		if item.Mode == bus.ModeDepth {
			depth = append(depth, key)
		}
		if len(st.modes) == 0 {
			delete(s.subs, key)
			touch = append(touch, key)
		}
	}

	if len(depth) > 0 {
		if err := s.write(map[string]string{"t": "ud", "k": strings.Join(depth, "#")}); err != nil {
			return err
		}
	}
	if len(touch) > 0 {
		if err := s.write(map[string]string{"t": "u", "k": strings.Join(touch, "#")}); err != nil {
			return err
		}
	}
	return nil
}

// unsubscribeAll clears every subscription but leaves the session socket
// open, which is the whole point on a cooldown broker.
func (s *marketStream) unsubscribeAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil || len(s.subs) == 0 {
		s.subs = make(map[string]*feedState)
		return nil
	}
	keys := make([]string, 0, len(s.subs))
	for key := range s.subs {
		keys = append(keys, key)
	}
	s.subs = make(map[string]*feedState)
	if err := s.write(map[string]string{"t": "ud", "k": strings.Join(keys, "#")}); err != nil {
		return err
	}
	return s.write(map[string]string{"t": "u", "k": strings.Join(keys, "#")})
}

// write sends one control frame. Caller holds the lock.
func (s *marketStream) write(frame map[string]string) error {
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
		s.handleMessage(message)
	}
}

func (s *marketStream) handleMessage(message []byte) {
	var msg feedMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return
	}
	switch msg.Type {
	case "ck":
		s.mu.Lock()
		if s.ready != nil {
			select {
			case <-s.ready:
			default:
				close(s.ready)
			}
		}
		s.mu.Unlock()
	case "tk", "tf", "dk", "df":
		s.handleTick(&msg)
	}
}

// handleTick merges a feed frame into the cached state and emits ticks for
// the subscribed modes.
func (s *marketStream) handleTick(msg *feedMessage) {
	key := msg.Exchange + "|" + msg.Token

	s.mu.Lock()
	st, ok := s.subs[key]
	if !ok {
		s.mu.Unlock()
		return
	}

	ts := time.Now().In(istZone)
	if msg.FeedTime != "" {
		if unix, err := strconv.ParseInt(msg.FeedTime, 10, 64); err == nil {
			ts = time.Unix(unix, 0).In(istZone)
		}
	}

	mergeF := func(dst *float64, raw string) {
		if raw == "" {
			return
		}
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			*dst = v
		}
	}
	mergeI := func(dst *int64, raw string) {
		if raw == "" {
			return
		}
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			*dst = v
		}
	}

	st.last.Timestamp = ts
	mergeF(&st.last.LTP, msg.LTP)
	mergeF(&st.last.Open, msg.Open)
	mergeF(&st.last.High, msg.High)
	mergeF(&st.last.Low, msg.Low)
	mergeF(&st.last.Close, msg.Close)
	mergeI(&st.last.Volume, msg.Volume)
	mergeF(&st.last.Bid, msg.BP1)
	mergeF(&st.last.Ask, msg.SP1)
	mergeI(&st.last.BidQty, msg.BQ1)
	mergeI(&st.last.AskQty, msg.SQ1)

	isDepth := msg.Type == "dk" || msg.Type == "df"
	if isDepth {
		st.depth = broker.DepthTick{}
		bp := []string{msg.BP1, msg.BP2, msg.BP3, msg.BP4, msg.BP5}
		bq := []string{msg.BQ1, msg.BQ2, msg.BQ3, msg.BQ4, msg.BQ5}
		bo := []string{msg.BO1, msg.BO2, msg.BO3, msg.BO4, msg.BO5}
		sp := []string{msg.SP1, msg.SP2, msg.SP3, msg.SP4, msg.SP5}
		sq := []string{msg.SQ1, msg.SQ2, msg.SQ3, msg.SQ4, msg.SQ5}
		so := []string{msg.SO1, msg.SO2, msg.SO3, msg.SO4, msg.SO5}
		for i := 0; i < 5; i++ {
			var buy, sell broker.DepthLevel
			mergeF(&buy.Price, bp[i])
			mergeI(&buy.Quantity, bq[i])
			if n, err := strconv.Atoi(bo[i]); err == nil {
				buy.Orders = n
			}
			mergeF(&sell.Price, sp[i])
			mergeI(&sell.Quantity, sq[i])
			if n, err := strconv.Atoi(so[i]); err == nil {
				sell.Orders = n
			}
			st.depth.Buy = append(st.depth.Buy, buy)
			st.depth.Sell = append(st.depth.Sell, sell)
			st.depth.TotalBuyQty += buy.Quantity
			st.depth.TotalSellQty += sell.Quantity
		}
	}

	quote := st.last
	depth := st.depth
	depth.QuoteTick = quote
	modes := make(map[bus.Mode]struct{}, len(st.modes))
	for m := range st.modes {
		modes[m] = struct{}{}
	}
	s.mu.Unlock()

	if _, want := modes[bus.ModeLTP]; want {
		t := quote.LTPTick
		s.adapter.EmitLTP(&t)
	}
	if _, want := modes[bus.ModeQuote]; want {
		t := quote
		s.adapter.EmitQuote(&t)
	}
	if _, want := modes[bus.ModeDepth]; want && isDepth {
		t := depth
		s.adapter.EmitDepth(&t)
	}
}
