// Package stream is the WebSocket streaming proxy: it authenticates clients
// by API key, manages their subscriptions against the shared adapter pool,
// and fans bus ticks out to every subscribed client.
package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"tradegate/internal/broker"
	"tradegate/internal/bus"
	"tradegate/internal/metrics"
)

// ltpInterval is the minimum spacing between LTP deliveries per instrument.
// Earlier ticks are dropped, not delayed. Quote and depth are never throttled.
const ltpInterval = 50 * time.Millisecond

// Authenticator verifies a client API key and yields the owning user.
type Authenticator interface {
	VerifyKey(ctx context.Context, apiKey string) (string, error)
}

// Proxy accepts streaming clients and routes market data to them.
type Proxy struct {
	auth     Authenticator
	pool     *Pool
	bus      *bus.Bus
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client
	index   map[itemKey]map[string]*client

	throttleMu sync.Mutex
	lastLTP    map[string]time.Time
}

// NewProxy wires the streaming proxy.
func NewProxy(auth Authenticator, pool *Pool, b *bus.Bus, log zerolog.Logger) *Proxy {
	return &Proxy{
		auth: auth,
		pool: pool,
		bus:  b,
		log:  log.With().Str("component", "stream").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: map[string]*client{},
		index:   map[itemKey]map[string]*client{},
		lastLTP: map[string]time.Time{},
	}
}

// Run drains the bus until ctx is canceled. It is the single fan-out
// goroutine, which preserves per-topic delivery order.
func (p *Proxy) Run(ctx context.Context) error {
	sub, err := p.bus.Subscribe(ctx, "")
	if err != nil {
		return err
	}
	defer sub.Close()

	for {
		select {
		case msg, ok := <-sub.C:
			if !ok {
				return nil
			}
			p.dispatch(msg)
		case <-ctx.Done():
			return nil
		}
	}
}

func (p *Proxy) dispatch(msg bus.Message) {
	topic, err := bus.ParseTopic(msg.Topic)
	if err != nil {
		metrics.TicksDropped.WithLabelValues("bad_topic").Inc()
		return
	}

	if topic.Mode == bus.ModeLTP && !p.admitLTP(topic.Symbol, topic.Exchange) {
		metrics.TicksDropped.WithLabelValues("throttled").Inc()
		return
	}

	key := itemKey{topic.Symbol, topic.Exchange, topic.Mode}
	p.mu.RLock()
	set := p.index[key]
	targets := make([]*client, 0, len(set))
	for _, c := range set {
		targets = append(targets, c)
	}
	p.mu.RUnlock()
	if len(targets) == 0 {
		return
	}

	frame, err := json.Marshal(marketDataFrame{
		Type:     "market_data",
		Symbol:   topic.Symbol,
		Exchange: topic.Exchange,
		Mode:     int(topic.Mode),
		Data:     msg.Payload,
	})
	if err != nil {
		return
	}
	for _, c := range targets {
		if c.enqueue(frame) {
			metrics.TicksDelivered.WithLabelValues(topic.Mode.String()).Inc()
		} else {
			metrics.TicksDropped.WithLabelValues("slow_client").Inc()
			c.log.Warn().Msg("send queue overflow, closing client")
			c.close()
		}
	}
}

// admitLTP enforces the per-instrument LTP pacing window.
func (p *Proxy) admitLTP(symbol, exchange string) bool {
	key := symbol + "|" + exchange
	now := time.Now()
	p.throttleMu.Lock()
	defer p.throttleMu.Unlock()
	if last, ok := p.lastLTP[key]; ok && now.Sub(last) < ltpInterval {
		return false
	}
	p.lastLTP[key] = now
	return true
}

// ServeHTTP upgrades the connection and runs the client session until the
// socket closes.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.log.Debug().Err(err).Msg("upgrade failed")
		return
	}

	c := newClient(uuid.NewString(), conn, p.log)
	p.mu.Lock()
	p.clients[c.id] = c
	p.mu.Unlock()
	metrics.StreamClients.Inc()

	go c.writeLoop()
	p.readLoop(c)
	p.cleanup(c)
}

func (p *Proxy) readLoop(c *client) {
	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(authTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame clientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.sendJSON(errorFrame{Type: "error", Code: "bad_frame", Message: "malformed frame"})
			return
		}

		switch frame.Action {
		case "authenticate":
			if !p.authenticate(c, frame.APIKey) {
				// Give the write loop a moment to flush the refusal.
				time.Sleep(100 * time.Millisecond)
				return
			}
			_ = c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
		case "subscribe":
			if c.userID == "" {
				c.sendJSON(errorFrame{Type: "error", Code: "not_authenticated", Message: "authenticate first"})
				return
			}
			p.subscribe(c, frame)
		case "unsubscribe":
			if c.userID == "" {
				c.sendJSON(errorFrame{Type: "error", Code: "not_authenticated", Message: "authenticate first"})
				return
			}
			p.unsubscribe(c, frame)
		default:
			c.sendJSON(errorFrame{Type: "error", Code: "unknown_action", Message: "unknown action " + frame.Action})
		}
	}
}

// authenticate verifies the key and attaches the client to the user's
// adapter. Responses never echo the key material.
func (p *Proxy) authenticate(c *client, apiKey string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	userID, err := p.auth.VerifyKey(ctx, apiKey)
	if err != nil {
		c.sendJSON(authResponse{Type: "auth_response", Status: "error", Message: "invalid api key"})
		return false
	}
	brokerName, err := p.pool.Attach(ctx, userID, c.id)
	if err != nil {
		p.log.Warn().Err(err).Str("user_id", userID).Msg("adapter attach failed")
		c.sendJSON(authResponse{Type: "auth_response", Status: "error", Message: "broker session unavailable"})
		return false
	}

	c.userID = userID
	c.log = c.log.With().Str("user_id", userID).Str("broker", brokerName).Logger()
	c.sendJSON(authResponse{Type: "auth_response", Status: "success", Message: "authenticated"})
	c.log.Info().Msg("client authenticated")
	return true
}

func (p *Proxy) subscribe(c *client, frame clientFrame) {
	mode, err := bus.ParseMode(frame.Mode)
	if err != nil {
		c.sendJSON(errorFrame{Type: "error", Code: "bad_mode", Message: err.Error()})
		return
	}

	items := make([]broker.StreamItem, 0, len(frame.Symbols))
	for _, s := range frame.Symbols {
		if s.Symbol == "" || !bus.ValidExchange(s.Exchange) {
			c.sendJSON(errorFrame{Type: "error", Code: "bad_symbol", Message: "invalid symbol or exchange"})
			return
		}
		items = append(items, broker.StreamItem{Symbol: s.Symbol, Exchange: s.Exchange, Mode: mode})
	}
	if len(items) == 0 {
		return
	}

	if err := p.pool.Subscribe(c.userID, items); err != nil {
		c.log.Warn().Err(err).Msg("subscribe failed")
		c.sendJSON(errorFrame{Type: "error", Code: "subscription_failed", Message: "subscription failed"})
		return
	}

	p.mu.Lock()
	for _, it := range items {
		k := itemKey{it.Symbol, it.Exchange, it.Mode}
		set := p.index[k]
		if set == nil {
			set = map[string]*client{}
			p.index[k] = set
		}
		set[c.id] = c
		if _, held := c.subs[k]; !held {
			c.subs[k] = struct{}{}
			metrics.StreamSubscriptions.WithLabelValues(mode.String()).Inc()
		}
	}
	p.mu.Unlock()
}

func (p *Proxy) unsubscribe(c *client, frame clientFrame) {
	var mode bus.Mode
	if frame.Mode != "" {
		m, err := bus.ParseMode(frame.Mode)
		if err != nil {
			c.sendJSON(errorFrame{Type: "error", Code: "bad_mode", Message: err.Error()})
			return
		}
		mode = m
	}

	var removed []broker.StreamItem
	p.mu.Lock()
	for _, s := range frame.Symbols {
		for k := range c.subs {
			if k.symbol != s.Symbol || k.exchange != s.Exchange {
				continue
			}
			if mode != 0 && k.mode != mode {
				continue
			}
			p.dropSub(c, k)
			removed = append(removed, k.item())
		}
	}
	p.mu.Unlock()

	if len(removed) > 0 {
		p.pool.Unsubscribe(c.userID, removed)
	}
}

// dropSub removes one client subscription. Caller holds p.mu.
func (p *Proxy) dropSub(c *client, k itemKey) {
	delete(c.subs, k)
	if set, ok := p.index[k]; ok {
		delete(set, c.id)
		if len(set) == 0 {
			delete(p.index, k)
		}
	}
	metrics.StreamSubscriptions.WithLabelValues(k.mode.String()).Dec()
}

// cleanup tears the client down after its read loop exits: subscriptions are
// released, the pool is told the client left, and the socket is closed.
func (p *Proxy) cleanup(c *client) {
	var held []broker.StreamItem
	p.mu.Lock()
	for k := range c.subs {
		held = append(held, k.item())
		p.dropSub(c, k)
	}
	delete(p.clients, c.id)
	p.mu.Unlock()

	if c.userID != "" {
		if len(held) > 0 {
			p.pool.Unsubscribe(c.userID, held)
		}
		p.pool.Detach(c.userID, c.id)
	}
	c.close()
	metrics.StreamClients.Dec()
	c.log.Debug().Msg("client closed")
}
