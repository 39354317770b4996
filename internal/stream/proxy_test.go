package stream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradegate/internal/broker"
	"tradegate/internal/bus"
	"tradegate/internal/store"
	"tradegate/internal/symbols"
)

// fakeAdapter records stream calls and lets tests emit ticks through the
// handler wiring the pool installs.
type fakeAdapter struct {
	*broker.BaseAdapter
	caps broker.Capabilities

	mu            sync.Mutex
	subscribed    []broker.StreamItem
	unsubscribed  []broker.StreamItem
	unsubAllCalls int
	disconnects   int
}

var errNotImplemented = errors.New("not implemented")

func (f *fakeAdapter) Capabilities() broker.Capabilities { return f.caps }

func (f *fakeAdapter) Authenticate(context.Context, broker.Credentials) (*broker.Session, error) {
	return &broker.Session{AuthToken: "token"}, nil
}

func (f *fakeAdapter) Instruments(context.Context) ([]symbols.Instrument, error) { return nil, nil }

func (f *fakeAdapter) Connect(context.Context) error {
	f.SetConnected(true)
	return nil
}

func (f *fakeAdapter) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.SetConnected(false)
	return nil
}

func (f *fakeAdapter) Subscribe(items []broker.StreamItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, items...)
	return nil
}

func (f *fakeAdapter) Unsubscribe(items []broker.StreamItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, items...)
	return nil
}

func (f *fakeAdapter) UnsubscribeAll() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubAllCalls++
	return nil
}

func (f *fakeAdapter) PlaceOrder(context.Context, *broker.OrderRequest) (*broker.OrderResult, error) {
	return nil, errNotImplemented
}
func (f *fakeAdapter) ModifyOrder(context.Context, *broker.ModifyRequest) (*broker.OrderResult, error) {
	return nil, errNotImplemented
}
func (f *fakeAdapter) CancelOrder(context.Context, string) (*broker.OrderResult, error) {
	return nil, errNotImplemented
}
func (f *fakeAdapter) CancelAllOrders(context.Context) ([]broker.OrderResult, error) {
	return nil, errNotImplemented
}
func (f *fakeAdapter) Orderbook(context.Context) ([]broker.Order, error)     { return nil, errNotImplemented }
func (f *fakeAdapter) Tradebook(context.Context) ([]broker.TradeFill, error) { return nil, errNotImplemented }
func (f *fakeAdapter) OrderStatus(context.Context, string) (*broker.Order, error) {
	return nil, errNotImplemented
}
func (f *fakeAdapter) Positions(context.Context) ([]broker.Position, error) {
	return nil, errNotImplemented
}
func (f *fakeAdapter) Holdings(context.Context) ([]broker.Holding, error) {
	return nil, errNotImplemented
}
func (f *fakeAdapter) Funds(context.Context) (*broker.Funds, error) { return nil, errNotImplemented }
func (f *fakeAdapter) Quote(context.Context, string, string) (*broker.Quote, error) {
	return nil, errNotImplemented
}
func (f *fakeAdapter) Depth(context.Context, string, string) (*broker.Depth, error) {
	return nil, errNotImplemented
}
func (f *fakeAdapter) History(context.Context, string, string, string, time.Time, time.Time) ([]broker.Candle, error) {
	return nil, errNotImplemented
}

// fakeSlot hands capabilities to the registered builder and captures the
// instance the pool constructs.
var fakeSlot struct {
	mu   sync.Mutex
	caps broker.Capabilities
	last *fakeAdapter
}

func init() {
	broker.Register("fakestream", func(deps broker.Deps) broker.Adapter {
		fakeSlot.mu.Lock()
		defer fakeSlot.mu.Unlock()
		a := &fakeAdapter{
			BaseAdapter: broker.NewBaseAdapter(broker.AdapterConfig{Broker: "fakestream"}, deps.Logger),
			caps:        fakeSlot.caps,
		}
		fakeSlot.last = a
		return a
	})
}

func lastFake(t *testing.T) *fakeAdapter {
	t.Helper()
	fakeSlot.mu.Lock()
	defer fakeSlot.mu.Unlock()
	require.NotNil(t, fakeSlot.last)
	return fakeSlot.last
}

type staticCreds struct{}

func (staticCreds) Get(_ context.Context, _, brokerName string) (*store.BrokerCredentials, error) {
	return &store.BrokerCredentials{Broker: brokerName, APIKey: "k", APISecret: "s"}, nil
}

type staticSessions struct{}

func (staticSessions) Latest(context.Context, string) (*store.BrokerSession, error) {
	now := time.Now()
	return &store.BrokerSession{
		Broker: "fakestream", AuthToken: "token",
		EstablishedAt: now, ValidUntil: now.Add(8 * time.Hour),
	}, nil
}

type mapAuth map[string]string

func (m mapAuth) VerifyKey(_ context.Context, apiKey string) (string, error) {
	if userID, ok := m[apiKey]; ok {
		return userID, nil
	}
	return "", errors.New("invalid key")
}

func newTestProxy(t *testing.T, caps broker.Capabilities) (*Proxy, *httptest.Server) {
	t.Helper()
	fakeSlot.mu.Lock()
	fakeSlot.caps = caps
	fakeSlot.last = nil
	fakeSlot.mu.Unlock()

	b := bus.New(bus.NewMemoryTransport(), zerolog.Nop())
	pool := NewPool(staticCreds{}, staticSessions{}, symbols.NewRegistry(), b, zerolog.Nop())
	proxy := NewProxy(mapAuth{"valid-key": "u1"}, pool, b, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = proxy.Run(ctx)
	}()

	srv := httptest.NewServer(proxy)
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
		pool.Close()
		_ = b.Close()
	})
	return proxy, srv
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame map[string]any
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func authClient(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	writeFrame(t, conn, map[string]any{"action": "authenticate", "api_key": "valid-key"})
	frame := readFrame(t, conn)
	require.Equal(t, "auth_response", frame["type"])
	require.Equal(t, "success", frame["status"])
}

// waitIndexed blocks until the proxy has the subscription registered, so a
// tick emitted afterwards is guaranteed a fan-out target.
func waitIndexed(t *testing.T, p *Proxy, symbol, exchange string, mode bus.Mode, want bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		p.mu.RLock()
		defer p.mu.RUnlock()
		_, ok := p.index[itemKey{symbol, exchange, mode}]
		return ok == want
	}, 2*time.Second, 5*time.Millisecond)
}

func TestProxyAuthRejectsBadKey(t *testing.T) {
	_, srv := newTestProxy(t, broker.Capabilities{})
	conn := dialWS(t, srv)

	writeFrame(t, conn, map[string]any{"action": "authenticate", "api_key": "wrong"})
	frame := readFrame(t, conn)
	assert.Equal(t, "auth_response", frame["type"])
	assert.Equal(t, "error", frame["status"])
	assert.NotContains(t, frame["message"], "wrong", "key material must not echo back")
}

func TestProxySubscribeBeforeAuthClosed(t *testing.T) {
	_, srv := newTestProxy(t, broker.Capabilities{})
	conn := dialWS(t, srv)

	writeFrame(t, conn, map[string]any{
		"action": "subscribe", "mode": "Quote",
		"symbols": []map[string]string{{"symbol": "SBIN", "exchange": "NSE"}},
	})
	frame := readFrame(t, conn)
	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, "not_authenticated", frame["code"])
}

func TestProxySubscribeDeliversTicks(t *testing.T) {
	proxy, srv := newTestProxy(t, broker.Capabilities{MaxSymbolsPerConnection: 100})
	conn := dialWS(t, srv)
	authClient(t, conn)

	writeFrame(t, conn, map[string]any{
		"action": "subscribe", "mode": "Quote",
		"symbols": []map[string]string{{"symbol": "RELIANCE", "exchange": "NSE"}},
	})
	waitIndexed(t, proxy, "RELIANCE", "NSE", bus.ModeQuote, true)

	fake := lastFake(t)
	fake.mu.Lock()
	subs := append([]broker.StreamItem(nil), fake.subscribed...)
	fake.mu.Unlock()
	require.Equal(t, []broker.StreamItem{{Symbol: "RELIANCE", Exchange: "NSE", Mode: bus.ModeQuote}}, subs)

	fake.EmitQuote(&broker.QuoteTick{
		LTPTick: broker.LTPTick{Symbol: "RELIANCE", Exchange: "NSE", LTP: 2512.35, Timestamp: time.Now()},
		Open:    2490, High: 2520, Low: 2485, Volume: 120000, Bid: 2512.30, Ask: 2512.40,
	})

	frame := readFrame(t, conn)
	assert.Equal(t, "market_data", frame["type"])
	assert.Equal(t, "RELIANCE", frame["symbol"])
	assert.Equal(t, "NSE", frame["exchange"])
	assert.EqualValues(t, 2, frame["mode"])
	data := frame["data"].(map[string]any)
	assert.Equal(t, 2512.35, data["ltp"])
}

func TestProxyUnsubscribeStopsDelivery(t *testing.T) {
	proxy, srv := newTestProxy(t, broker.Capabilities{MaxSymbolsPerConnection: 100})
	conn := dialWS(t, srv)
	authClient(t, conn)

	writeFrame(t, conn, map[string]any{
		"action": "subscribe", "mode": "Quote",
		"symbols": []map[string]string{
			{"symbol": "RELIANCE", "exchange": "NSE"},
			{"symbol": "SBIN", "exchange": "NSE"},
		},
	})
	waitIndexed(t, proxy, "SBIN", "NSE", bus.ModeQuote, true)

	writeFrame(t, conn, map[string]any{
		"action":  "unsubscribe",
		"symbols": []map[string]string{{"symbol": "RELIANCE", "exchange": "NSE"}},
	})
	waitIndexed(t, proxy, "RELIANCE", "NSE", bus.ModeQuote, false)

	fake := lastFake(t)
	require.Eventually(t, func() bool {
		fake.mu.Lock()
		defer fake.mu.Unlock()
		return len(fake.unsubscribed) == 1
	}, 2*time.Second, 5*time.Millisecond)
	fake.mu.Lock()
	assert.Equal(t, "RELIANCE", fake.unsubscribed[0].Symbol)
	fake.mu.Unlock()

	// The unsubscribed topic is silent; the surviving one still delivers.
	// Per-publisher FIFO means the SBIN tick arriving proves the RELIANCE
	// tick emitted before it was dropped.
	fake.EmitQuote(&broker.QuoteTick{LTPTick: broker.LTPTick{Symbol: "RELIANCE", Exchange: "NSE", LTP: 1}})
	fake.EmitQuote(&broker.QuoteTick{LTPTick: broker.LTPTick{Symbol: "SBIN", Exchange: "NSE", LTP: 801.5}})

	frame := readFrame(t, conn)
	assert.Equal(t, "SBIN", frame["symbol"])
}

func TestProxyLTPThrottle(t *testing.T) {
	proxy := NewProxy(nil, nil, nil, zerolog.Nop())

	assert.True(t, proxy.admitLTP("SBIN", "NSE"))
	assert.False(t, proxy.admitLTP("SBIN", "NSE"), "second tick inside the window drops")
	assert.True(t, proxy.admitLTP("SBIN", "BSE"), "window is per instrument")

	proxy.throttleMu.Lock()
	proxy.lastLTP["SBIN|NSE"] = time.Now().Add(-ltpInterval)
	proxy.throttleMu.Unlock()
	assert.True(t, proxy.admitLTP("SBIN", "NSE"), "admits again once the window passes")
}

func TestPoolDetachPersistentKeepsSocket(t *testing.T) {
	fakeSlot.mu.Lock()
	fakeSlot.caps = broker.Capabilities{MaxSymbolsPerConnection: 100, PersistentOnClientDisconnect: true}
	fakeSlot.last = nil
	fakeSlot.mu.Unlock()

	b := bus.New(bus.NewMemoryTransport(), zerolog.Nop())
	defer b.Close()
	pool := NewPool(staticCreds{}, staticSessions{}, symbols.NewRegistry(), b, zerolog.Nop())
	ctx := context.Background()

	name, err := pool.Attach(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.Equal(t, "fakestream", name)

	item := broker.StreamItem{Symbol: "SBIN", Exchange: "NSE", Mode: bus.ModeLTP}
	require.NoError(t, pool.Subscribe("u1", []broker.StreamItem{item}))

	fake := lastFake(t)
	pool.Detach("u1", "c1")

	fake.mu.Lock()
	assert.Equal(t, 1, fake.unsubAllCalls)
	assert.Zero(t, fake.disconnects)
	fake.mu.Unlock()
	assert.True(t, fake.IsConnected())

	// Adapter survives, so the next attach reuses it.
	_, err = pool.Attach(ctx, "u1", "c2")
	require.NoError(t, err)
	assert.Same(t, fake, lastFake(t))
	pool.Close()
}

func TestPoolDetachReleasesAdapter(t *testing.T) {
	fakeSlot.mu.Lock()
	fakeSlot.caps = broker.Capabilities{MaxSymbolsPerConnection: 100}
	fakeSlot.last = nil
	fakeSlot.mu.Unlock()

	b := bus.New(bus.NewMemoryTransport(), zerolog.Nop())
	defer b.Close()
	pool := NewPool(staticCreds{}, staticSessions{}, symbols.NewRegistry(), b, zerolog.Nop())
	ctx := context.Background()

	_, err := pool.Attach(ctx, "u1", "c1")
	require.NoError(t, err)
	_, err = pool.Attach(ctx, "u1", "c2")
	require.NoError(t, err)

	fake := lastFake(t)
	pool.Detach("u1", "c1")
	fake.mu.Lock()
	assert.Zero(t, fake.disconnects, "adapter stays while a client remains")
	fake.mu.Unlock()

	pool.Detach("u1", "c2")
	fake.mu.Lock()
	assert.Equal(t, 1, fake.disconnects)
	fake.mu.Unlock()
}

func TestPoolSubscribeRefcounts(t *testing.T) {
	fakeSlot.mu.Lock()
	fakeSlot.caps = broker.Capabilities{MaxSymbolsPerConnection: 2}
	fakeSlot.last = nil
	fakeSlot.mu.Unlock()

	b := bus.New(bus.NewMemoryTransport(), zerolog.Nop())
	defer b.Close()
	pool := NewPool(staticCreds{}, staticSessions{}, symbols.NewRegistry(), b, zerolog.Nop())
	ctx := context.Background()

	_, err := pool.Attach(ctx, "u1", "c1")
	require.NoError(t, err)
	fake := lastFake(t)

	item := broker.StreamItem{Symbol: "SBIN", Exchange: "NSE", Mode: bus.ModeQuote}
	require.NoError(t, pool.Subscribe("u1", []broker.StreamItem{item}))
	require.NoError(t, pool.Subscribe("u1", []broker.StreamItem{item}))

	fake.mu.Lock()
	assert.Len(t, fake.subscribed, 1, "second client reuses the broker subscription")
	fake.mu.Unlock()

	// First drop only decrements; the broker unsubscribe fires on the last.
	pool.Unsubscribe("u1", []broker.StreamItem{item})
	fake.mu.Lock()
	assert.Empty(t, fake.unsubscribed)
	fake.mu.Unlock()

	pool.Unsubscribe("u1", []broker.StreamItem{item})
	fake.mu.Lock()
	assert.Len(t, fake.unsubscribed, 1)
	fake.mu.Unlock()

	// Symbol cap counts distinct items.
	over := []broker.StreamItem{
		{Symbol: "A", Exchange: "NSE", Mode: bus.ModeLTP},
		{Symbol: "B", Exchange: "NSE", Mode: bus.ModeLTP},
		{Symbol: "C", Exchange: "NSE", Mode: bus.ModeLTP},
	}
	err = pool.Subscribe("u1", over)
	assert.ErrorContains(t, err, "subscription limit")
	pool.Detach("u1", "c1")
}

func TestMarketDataFrameShape(t *testing.T) {
	payload, err := json.Marshal(marketDataFrame{
		Type: "market_data", Symbol: "NIFTY", Exchange: "NSE_INDEX", Mode: 1,
		Data: json.RawMessage(`{"ltp":24500.1}`),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"market_data","symbol":"NIFTY","exchange":"NSE_INDEX","mode":1,"data":{"ltp":24500.1}}`, string(payload))
}
