package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tradegate/internal/auth"
	"tradegate/internal/broker"
	"tradegate/internal/bus"
	"tradegate/internal/store"
	"tradegate/internal/symbols"
)

// CredentialSource is the slice of the store the pool needs to decrypt a
// user's broker credentials.
type CredentialSource interface {
	Get(ctx context.Context, userID, broker string) (*store.BrokerCredentials, error)
}

// SessionSource resolves which broker a user is currently logged in with.
type SessionSource interface {
	Latest(ctx context.Context, userID string) (*store.BrokerSession, error)
}

// itemKey identifies one instrument/mode subscription.
type itemKey struct {
	symbol   string
	exchange string
	mode     bus.Mode
}

func (k itemKey) item() broker.StreamItem {
	return broker.StreamItem{Symbol: k.symbol, Exchange: k.exchange, Mode: k.mode}
}

// poolEntry is one user's live adapter plus its subscription refcounts. refs
// counts clients per instrument/mode so the broker-level unsubscribe fires
// only when the last client drops an item.
type poolEntry struct {
	ready chan struct{}
	err   error

	adapter    broker.Adapter
	brokerName string
	pub        *bus.PublishHandle

	clients map[string]struct{}
	refs    map[itemKey]int
}

// Pool owns at most one connected adapter per user. Adapters are built
// lazily on first attach from the user's stored credentials and most recent
// broker session, and every tick they emit is published onto the bus.
type Pool struct {
	creds    CredentialSource
	sessions SessionSource
	registry *symbols.Registry
	bus      *bus.Bus
	log      zerolog.Logger

	mu      sync.Mutex
	entries map[string]*poolEntry
}

// NewPool creates an empty adapter pool.
func NewPool(creds CredentialSource, sessions SessionSource, registry *symbols.Registry, b *bus.Bus, log zerolog.Logger) *Pool {
	return &Pool{
		creds:    creds,
		sessions: sessions,
		registry: registry,
		bus:      b,
		log:      log.With().Str("component", "adapter_pool").Logger(),
		entries:  map[string]*poolEntry{},
	}
}

// Attach registers a client against the user's adapter, building and
// connecting the adapter on first need. It returns the broker name the user
// is streaming through.
func (p *Pool) Attach(ctx context.Context, userID, clientID string) (string, error) {
	p.mu.Lock()
	entry, ok := p.entries[userID]
	if !ok {
		entry = &poolEntry{
			ready:   make(chan struct{}),
			clients: map[string]struct{}{},
			refs:    map[itemKey]int{},
		}
		p.entries[userID] = entry
		p.mu.Unlock()

		entry.err = p.build(ctx, userID, entry)
		close(entry.ready)

		p.mu.Lock()
		if entry.err != nil {
			delete(p.entries, userID)
			p.mu.Unlock()
			return "", entry.err
		}
	} else {
		p.mu.Unlock()
		select {
		case <-entry.ready:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		if entry.err != nil {
			return "", entry.err
		}
		p.mu.Lock()
		// The builder may have lost a race with Detach; retry from scratch.
		if p.entries[userID] != entry {
			p.mu.Unlock()
			return p.Attach(ctx, userID, clientID)
		}
	}
	entry.clients[clientID] = struct{}{}
	name := entry.brokerName
	p.mu.Unlock()
	return name, nil
}

// build resolves the user's session and credentials, constructs the adapter,
// wires its tick handlers to the bus, and connects the market data stream.
func (p *Pool) build(ctx context.Context, userID string, entry *poolEntry) error {
	sess, err := p.sessions.Latest(ctx, userID)
	if err != nil {
		return err
	}
	if sess.Expired(time.Now()) {
		return fmt.Errorf("broker session for %s expired", sess.Broker)
	}
	creds, err := p.creds.Get(ctx, userID, sess.Broker)
	if err != nil {
		return err
	}

	adapter, err := broker.New(sess.Broker, broker.Deps{Logger: p.log, Registry: p.registry})
	if err != nil {
		return err
	}
	adapter.SetSession(broker.Credentials{
		APIKey:          creds.APIKey,
		APISecret:       creds.APISecret,
		MarketAPIKey:    creds.MarketAPIKey,
		MarketAPISecret: creds.MarketAPISecret,
		Extra:           sess.Extra,
	}, broker.Session{AuthToken: sess.AuthToken, FeedToken: sess.FeedToken})

	pub := p.bus.Publisher(sess.Broker + "/" + userID)
	topicBroker := strings.ToUpper(sess.Broker)
	adapter.SetLTPHandler(func(t *broker.LTPTick) {
		publishTick(pub, topicBroker, t.Exchange, t.Symbol, bus.ModeLTP, t)
	})
	adapter.SetQuoteHandler(func(t *broker.QuoteTick) {
		publishTick(pub, topicBroker, t.Exchange, t.Symbol, bus.ModeQuote, t)
	})
	adapter.SetDepthHandler(func(t *broker.DepthTick) {
		publishTick(pub, topicBroker, t.Exchange, t.Symbol, bus.ModeDepth, t)
	})
	log := p.log.With().Str("broker", sess.Broker).Str("user_id", userID).Logger()
	adapter.SetErrorHandler(func(err error) {
		log.Warn().Err(err).Msg("adapter stream error")
	})

	if err := adapter.Connect(ctx); err != nil {
		pub.Close()
		// Dial errors can embed the feed URL, which carries session tokens
		// for some brokers.
		return fmt.Errorf("failed to connect %s stream: %s", sess.Broker,
			auth.Redact(err.Error(), sess.AuthToken, sess.FeedToken))
	}

	entry.adapter = adapter
	entry.brokerName = sess.Broker
	entry.pub = pub
	log.Info().Msg("adapter connected")
	return nil
}

func publishTick(pub *bus.PublishHandle, brokerName, exchange, symbol string, mode bus.Mode, tick any) {
	payload, err := json.Marshal(tick)
	if err != nil {
		return
	}
	topic := bus.Topic{Broker: brokerName, Exchange: exchange, Symbol: symbol, Mode: mode}
	pub.Publish(topic.String(), payload)
}

// Subscribe adds one client's interest in the given items, subscribing at
// the broker only for items no other client of this user already holds.
func (p *Pool) Subscribe(userID string, items []broker.StreamItem) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.entries[userID]
	if !ok {
		return fmt.Errorf("no adapter for user")
	}

	fresh := make([]broker.StreamItem, 0, len(items))
	for _, it := range items {
		if entry.refs[itemKey{it.Symbol, it.Exchange, it.Mode}] == 0 {
			fresh = append(fresh, it)
		}
	}
	if max := entry.adapter.Capabilities().MaxSymbolsPerConnection; max > 0 && len(entry.refs)+len(fresh) > max {
		return fmt.Errorf("subscription limit of %d symbols reached", max)
	}
	if len(fresh) > 0 {
		if err := entry.adapter.Subscribe(fresh); err != nil {
			return err
		}
	}
	for _, it := range items {
		entry.refs[itemKey{it.Symbol, it.Exchange, it.Mode}]++
	}
	return nil
}

// Unsubscribe drops one client's interest; items that reach zero references
// are unsubscribed at the broker.
func (p *Pool) Unsubscribe(userID string, items []broker.StreamItem) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.entries[userID]
	if !ok {
		return
	}

	var zeroed []broker.StreamItem
	for _, it := range items {
		k := itemKey{it.Symbol, it.Exchange, it.Mode}
		n, held := entry.refs[k]
		if !held {
			continue
		}
		if n <= 1 {
			delete(entry.refs, k)
			zeroed = append(zeroed, it)
		} else {
			entry.refs[k] = n - 1
		}
	}
	if len(zeroed) > 0 {
		if err := entry.adapter.Unsubscribe(zeroed); err != nil {
			p.log.Warn().Err(err).Str("broker", entry.brokerName).Msg("broker unsubscribe failed")
		}
	}
}

// Detach removes a client. When the user's last client leaves, persistent
// brokers keep their socket with subscriptions dropped; others are
// disconnected and the adapter released.
func (p *Pool) Detach(userID, clientID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.entries[userID]
	if !ok {
		return
	}
	delete(entry.clients, clientID)
	if len(entry.clients) > 0 {
		return
	}

	if entry.adapter.Capabilities().PersistentOnClientDisconnect {
		if err := entry.adapter.UnsubscribeAll(); err != nil {
			p.log.Warn().Err(err).Str("broker", entry.brokerName).Msg("unsubscribe all failed")
		}
		entry.refs = map[itemKey]int{}
		p.log.Debug().Str("broker", entry.brokerName).Str("user_id", userID).Msg("last client left, socket kept")
		return
	}

	if err := entry.adapter.Disconnect(); err != nil {
		p.log.Warn().Err(err).Str("broker", entry.brokerName).Msg("disconnect failed")
	}
	entry.pub.Close()
	delete(p.entries, userID)
	p.log.Info().Str("broker", entry.brokerName).Str("user_id", userID).Msg("adapter released")
}

// Close disconnects every pooled adapter. Used on gateway shutdown.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for userID, entry := range p.entries {
		if err := entry.adapter.Disconnect(); err != nil {
			p.log.Warn().Err(err).Str("broker", entry.brokerName).Msg("disconnect failed")
		}
		entry.pub.Close()
		delete(p.entries, userID)
	}
}
