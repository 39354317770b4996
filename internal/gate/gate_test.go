package gate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradegate/internal/auth"
	"tradegate/internal/broker"
	"tradegate/internal/ratelimit"
	"tradegate/internal/store"
)

// stubOrderAPI records calls and replies with canned results.
type stubOrderAPI struct {
	mu        sync.Mutex
	placed    []broker.OrderRequest
	modified  []broker.ModifyRequest
	canceled  []string
	positions []broker.Position
	placeErr  error
	nextID    int
}

func (s *stubOrderAPI) PlaceOrder(_ context.Context, req *broker.OrderRequest) (*broker.OrderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.placeErr != nil {
		return nil, s.placeErr
	}
	s.placed = append(s.placed, *req)
	s.nextID++
	return &broker.OrderResult{OrderID: "ORD-" + string(rune('0'+s.nextID)), Status: "open"}, nil
}

func (s *stubOrderAPI) ModifyOrder(_ context.Context, req *broker.ModifyRequest) (*broker.OrderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modified = append(s.modified, *req)
	return &broker.OrderResult{OrderID: req.OrderID, Status: "open"}, nil
}

func (s *stubOrderAPI) CancelOrder(_ context.Context, orderID string) (*broker.OrderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.canceled = append(s.canceled, orderID)
	return &broker.OrderResult{OrderID: orderID, Status: "cancelled"}, nil
}

func (s *stubOrderAPI) CancelAllOrders(context.Context) ([]broker.OrderResult, error) {
	return []broker.OrderResult{{OrderID: "A", Status: "cancelled"}, {OrderID: "B", Status: "cancelled"}}, nil
}

func (s *stubOrderAPI) Orderbook(context.Context) ([]broker.Order, error)     { return nil, nil }
func (s *stubOrderAPI) Tradebook(context.Context) ([]broker.TradeFill, error) { return nil, nil }
func (s *stubOrderAPI) OrderStatus(_ context.Context, id string) (*broker.Order, error) {
	return &broker.Order{OrderID: id, OrderStatus: "open"}, nil
}
func (s *stubOrderAPI) Positions(context.Context) ([]broker.Position, error) {
	return s.positions, nil
}
func (s *stubOrderAPI) Holdings(context.Context) ([]broker.Holding, error) { return nil, nil }
func (s *stubOrderAPI) Funds(context.Context) (*broker.Funds, error) {
	return &broker.Funds{AvailableCash: 50000}, nil
}

func (s *stubOrderAPI) placedOrders() []broker.OrderRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]broker.OrderRequest(nil), s.placed...)
}

// stubAdapters hands out one shared stubOrderAPI as the live surface.
type stubAdapters struct {
	api     *stubOrderAPI
	err     error
	revoked []string
}

func (s *stubAdapters) ForUser(context.Context, string) (broker.OrderAPI, string, error) {
	if s.err != nil {
		return nil, "", s.err
	}
	return s.api, "zerodha", nil
}

func (s *stubAdapters) Revoke(_ context.Context, userID string) error {
	s.revoked = append(s.revoked, userID)
	return nil
}

type stubSandbox struct {
	api *stubOrderAPI
}

func (s *stubSandbox) ForUser(string) broker.OrderAPI { return s.api }

type stubVerifier map[string]string

func (v stubVerifier) VerifyKey(_ context.Context, apiKey string) (string, error) {
	if userID, ok := v[apiKey]; ok {
		return userID, nil
	}
	return "", auth.ErrInvalidKey
}

type memUsers struct {
	mu    sync.Mutex
	users map[string]*store.User
}

func (m *memUsers) Get(_ context.Context, id string) (*store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, store.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memUsers) SetAnalyzeMode(_ context.Context, id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return store.ErrUserNotFound
	}
	u.AnalyzeMode = enabled
	return nil
}

type fixture struct {
	router  *Router
	live    *stubAdapters
	sandbox *stubSandbox
	users   *memUsers
	pending *store.PendingRepository
	logs    *store.OrderLogRepository
}

func newFixture(t *testing.T, limits map[ratelimit.Category][]ratelimit.Limit) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate(store.GatewaySchema))
	latDB, err := store.Open(filepath.Join(t.TempDir(), "latency.db"))
	require.NoError(t, err)
	require.NoError(t, latDB.Migrate(store.LatencySchema))
	t.Cleanup(func() { _ = db.Close(); _ = latDB.Close() })

	// Seed the users referenced by the in-memory stub so rows that carry a
	// foreign key to users(id) can be inserted.
	for _, u := range [][2]string{{"u1", "rajesh"}, {"u2", "priya"}} {
		_, err := db.Conn().Exec(
			`INSERT INTO users (id, username, password_hash, trading_mode, analyze_mode, created_at)
			 VALUES (?, ?, 'x', 'AUTO', 0, '2024-01-01T00:00:00Z')`, u[0], u[1])
		require.NoError(t, err)
	}

	f := &fixture{
		live:    &stubAdapters{api: &stubOrderAPI{}},
		sandbox: &stubSandbox{api: &stubOrderAPI{}},
		users: &memUsers{users: map[string]*store.User{
			"u1": {ID: "u1", Username: "rajesh", TradingMode: store.ModeAuto},
			"u2": {ID: "u2", Username: "priya", TradingMode: store.ModeSemiAuto},
		}},
		pending: store.NewPendingRepository(db.Conn(), zerolog.Nop()),
		logs:    store.NewOrderLogRepository(db.Conn(), zerolog.Nop()),
	}
	latency := store.NewLatencyRepository(latDB.Conn(), zerolog.Nop())
	f.router = NewRouter(
		stubVerifier{"key-u1": "u1", "key-u2": "u2"},
		f.users, f.live, f.sandbox,
		f.pending, f.logs, latency,
		ratelimit.New(limits), nil, zerolog.Nop(),
	)
	return f
}

func orderPayload(t *testing.T, extra map[string]any) json.RawMessage {
	t.Helper()
	m := map[string]any{
		"symbol": "SBIN", "exchange": "NSE", "action": "BUY",
		"quantity": 10, "pricetype": "MARKET", "product": "MIS",
	}
	for k, v := range extra {
		m[k] = v
	}
	raw, err := json.Marshal(m)
	require.NoError(t, err)
	return raw
}

func TestRouteInvalidKey(t *testing.T) {
	f := newFixture(t, nil)
	resp := f.router.Route(context.Background(), &Request{APIKey: "nope", Operation: OpPlaceOrder, Payload: orderPayload(t, nil)})
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, "invalid_api_key", resp.ErrorCode)
	assert.Equal(t, http.StatusUnauthorized, resp.HTTPStatus)
}

func TestRouteUnknownOperation(t *testing.T) {
	f := newFixture(t, nil)
	resp := f.router.Route(context.Background(), &Request{APIKey: "key-u1", Operation: "teleport"})
	assert.Equal(t, "unknown_operation", resp.ErrorCode)
	assert.Equal(t, http.StatusBadRequest, resp.HTTPStatus)
}

func TestRouteAutoDispatchesPlaceOrder(t *testing.T) {
	f := newFixture(t, nil)
	resp := f.router.Route(context.Background(), &Request{APIKey: "key-u1", Operation: OpPlaceOrder, Payload: orderPayload(t, nil)})

	require.Equal(t, "success", resp.Status)
	assert.NotEmpty(t, resp.OrderID)
	require.Len(t, f.live.api.placedOrders(), 1)
	assert.Equal(t, "SBIN", f.live.api.placedOrders()[0].Symbol)

	entries, err := f.logs.Recent(context.Background(), "u1", 5)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "placeorder", entries[0].Operation)
	assert.Equal(t, "success", entries[0].Status)
}

func TestRouteSemiAutoBlocksRestricted(t *testing.T) {
	f := newFixture(t, nil)
	for _, op := range []Operation{OpCancelOrder, OpCancelAllOrder, OpModifyOrder, OpClosePosition, OpAnalyzerToggle} {
		t.Run(string(op), func(t *testing.T) {
			resp := f.router.Route(context.Background(), &Request{APIKey: "key-u2", Operation: op, Payload: json.RawMessage(`{"orderid":"X"}`)})
			assert.Equal(t, "error", resp.Status)
			assert.Equal(t, "operation_not_allowed", resp.ErrorCode)
			assert.Equal(t, http.StatusForbidden, resp.HTTPStatus)
		})
	}
	assert.Empty(t, f.live.api.canceled, "nothing reached the broker")
}

func TestRouteUISessionBypassesRestriction(t *testing.T) {
	f := newFixture(t, nil)
	resp := f.router.Route(context.Background(), &Request{
		APIKey: "key-u2", Operation: OpCancelOrder,
		Payload: json.RawMessage(`{"orderid":"Z-9"}`), UISession: true,
	})
	require.Equal(t, "success", resp.Status)
	assert.Equal(t, []string{"Z-9"}, f.live.api.canceled)
}

func TestRouteSemiAutoQueuesPlaceOrder(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	resp := f.router.Route(ctx, &Request{
		APIKey: "key-u2", Operation: OpPlaceOrder,
		Payload: orderPayload(t, map[string]any{"api_key": "key-u2"}),
	})

	require.Equal(t, "success", resp.Status)
	assert.Equal(t, "semi_auto", resp.Mode)
	require.NotEmpty(t, resp.PendingOrderID)
	assert.Empty(t, f.live.api.placedOrders(), "queued orders do not reach the broker")

	p, err := f.pending.Get(ctx, resp.PendingOrderID)
	require.NoError(t, err)
	assert.Equal(t, "u2", p.UserID)
	assert.Equal(t, "SBIN", p.Symbol)
	assert.NotContains(t, p.Payload, "key-u2", "api key stripped from the stored blob")
}

func TestApproveRejectDeleteOwnership(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	queued := f.router.Route(ctx, &Request{APIKey: "key-u2", Operation: OpPlaceOrder, Payload: orderPayload(t, nil)})
	require.NotEmpty(t, queued.PendingOrderID)
	id := queued.PendingOrderID

	for name, decide := range map[string]func() *Response{
		"approve": func() *Response { return f.router.Approve(ctx, id, "u1") },
		"reject":  func() *Response { return f.router.Reject(ctx, id, "u1", "nope") },
		"delete":  func() *Response { return f.router.DeletePending(ctx, id, "u1") },
	} {
		t.Run(name, func(t *testing.T) {
			resp := decide()
			assert.Equal(t, "ownership_violation", resp.ErrorCode)
			assert.Equal(t, http.StatusForbidden, resp.HTTPStatus)

			p, err := f.pending.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, store.PendingStatusPending, p.Status, "row unchanged after the violation")
		})
	}
}

func TestApproveDispatchesOriginalOrder(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	queued := f.router.Route(ctx, &Request{APIKey: "key-u2", Operation: OpPlaceOrder, Payload: orderPayload(t, nil)})
	id := queued.PendingOrderID

	resp := f.router.Approve(ctx, id, "u2")
	require.Equal(t, "success", resp.Status)
	require.Len(t, f.live.api.placedOrders(), 1)
	assert.Equal(t, "SBIN", f.live.api.placedOrders()[0].Symbol)

	p, err := f.pending.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.PendingStatusApproved, p.Status)
	assert.Equal(t, resp.OrderID, p.BrokerOrderID)

	second := f.router.Approve(ctx, id, "u2")
	assert.Equal(t, "pending_order_decided", second.ErrorCode)
	assert.Len(t, f.live.api.placedOrders(), 1, "no double dispatch")
}

func TestRejectRecordsReason(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	queued := f.router.Route(ctx, &Request{APIKey: "key-u2", Operation: OpPlaceOrder, Payload: orderPayload(t, nil)})
	resp := f.router.Reject(ctx, queued.PendingOrderID, "u2", "too risky today")
	require.Equal(t, "success", resp.Status)

	p, err := f.pending.Get(ctx, queued.PendingOrderID)
	require.NoError(t, err)
	assert.Equal(t, store.PendingStatusRejected, p.Status)
	assert.Equal(t, "too risky today", p.Reason)
}

func TestRouteSandboxShortCircuit(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.users.users["u2"].AnalyzeMode = true

	resp := f.router.Route(ctx, &Request{APIKey: "key-u2", Operation: OpPlaceOrder, Payload: orderPayload(t, nil)})
	require.Equal(t, "success", resp.Status)
	assert.Len(t, f.sandbox.api.placedOrders(), 1)
	assert.Empty(t, f.live.api.placedOrders(), "sandbox users never touch live brokers")

	// Restricted operations are allowed inside the sandbox.
	cancel := f.router.Route(ctx, &Request{APIKey: "key-u2", Operation: OpCancelOrder, Payload: json.RawMessage(`{"orderid":"S-1"}`)})
	assert.Equal(t, "success", cancel.Status)
	assert.Equal(t, []string{"S-1"}, f.sandbox.api.canceled)
}

func TestAnalyzerToggle(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	resp := f.router.Route(ctx, &Request{APIKey: "key-u1", Operation: OpAnalyzerToggle, Payload: json.RawMessage(`{"mode":true}`)})
	require.Equal(t, "success", resp.Status)
	assert.Equal(t, "analyze", resp.Mode)
	u, _ := f.users.Get(ctx, "u1")
	assert.True(t, u.AnalyzeMode)

	// Toggling back out is served even while in sandbox mode.
	resp = f.router.Route(ctx, &Request{APIKey: "key-u1", Operation: OpAnalyzerToggle, Payload: json.RawMessage(`{"mode":false}`)})
	require.Equal(t, "success", resp.Status)
	u, _ = f.users.Get(ctx, "u1")
	assert.False(t, u.AnalyzeMode)
}

func TestRouteRateLimited(t *testing.T) {
	f := newFixture(t, map[ratelimit.Category][]ratelimit.Limit{
		ratelimit.Order: {{N: 1, Window: time.Second}},
	})
	ctx := context.Background()

	first := f.router.Route(ctx, &Request{APIKey: "key-u1", Operation: OpPlaceOrder, Payload: orderPayload(t, nil)})
	require.Equal(t, "success", first.Status)

	second := f.router.Route(ctx, &Request{APIKey: "key-u1", Operation: OpPlaceOrder, Payload: orderPayload(t, nil)})
	assert.Equal(t, "rate_limit_exceeded", second.ErrorCode)
	assert.Equal(t, http.StatusTooManyRequests, second.HTTPStatus)
}

func TestInvalidTokenRevokesSession(t *testing.T) {
	f := newFixture(t, nil)
	f.live.api.placeErr = &broker.Error{Broker: "zerodha", Kind: broker.ErrInvalidToken, Message: "session rejected"}

	resp := f.router.Route(context.Background(), &Request{APIKey: "key-u1", Operation: OpPlaceOrder, Payload: orderPayload(t, nil)})
	assert.Equal(t, "invalid_token", resp.ErrorCode)
	assert.Equal(t, http.StatusUnauthorized, resp.HTTPStatus)
	assert.Equal(t, []string{"u1"}, f.live.revoked)
}

func TestSmartOrderPlacesDelta(t *testing.T) {
	f := newFixture(t, nil)
	f.live.api.positions = []broker.Position{{Symbol: "SBIN", Exchange: "NSE", Product: "MIS", Quantity: 100}}

	resp := f.router.Route(context.Background(), &Request{
		APIKey: "key-u1", Operation: OpSmartOrder,
		Payload: orderPayload(t, map[string]any{"position_size": 40}),
	})
	require.Equal(t, "success", resp.Status)

	placed := f.live.api.placedOrders()
	require.Len(t, placed, 1)
	assert.Equal(t, broker.ActionSell, placed[0].Action)
	assert.Equal(t, 60, placed[0].Quantity)
}

func TestSmartOrderNoActionAtTarget(t *testing.T) {
	f := newFixture(t, nil)
	f.live.api.positions = []broker.Position{{Symbol: "SBIN", Exchange: "NSE", Product: "MIS", Quantity: 40}}

	resp := f.router.Route(context.Background(), &Request{
		APIKey: "key-u1", Operation: OpSmartOrder,
		Payload: orderPayload(t, map[string]any{"position_size": 40}),
	})
	require.Equal(t, "success", resp.Status)
	assert.Empty(t, f.live.api.placedOrders())
}

func TestSplitOrderChunksQuantity(t *testing.T) {
	f := newFixture(t, nil)
	resp := f.router.Route(context.Background(), &Request{
		APIKey: "key-u1", Operation: OpSplitOrder,
		Payload: orderPayload(t, map[string]any{"quantity": 25, "splitsize": 10}),
	})
	require.Equal(t, "success", resp.Status)
	require.Len(t, resp.Results, 3)

	placed := f.live.api.placedOrders()
	require.Len(t, placed, 3)
	assert.Equal(t, []int{10, 10, 5}, []int{placed[0].Quantity, placed[1].Quantity, placed[2].Quantity})
}

func TestBasketOrderReportsPerLeg(t *testing.T) {
	f := newFixture(t, nil)
	payload := map[string]any{"orders": []map[string]any{
		{"symbol": "SBIN", "exchange": "NSE", "action": "BUY", "quantity": 10, "pricetype": "MARKET", "product": "MIS"},
		{"symbol": "TCS", "exchange": "NSE", "action": "SELL", "quantity": 0, "pricetype": "MARKET", "product": "MIS"},
	}}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	resp := f.router.Route(context.Background(), &Request{APIKey: "key-u1", Operation: OpBasketOrder, Payload: raw})
	require.Equal(t, "success", resp.Status)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "success", resp.Results[0].Status)
	assert.Equal(t, "error", resp.Results[1].Status, "zero quantity leg fails validation")
	assert.Len(t, f.live.api.placedOrders(), 1)
}

func TestClosePositionReverses(t *testing.T) {
	f := newFixture(t, nil)
	f.live.api.positions = []broker.Position{{Symbol: "NIFTY24SEPFUT", Exchange: "NFO", Product: "NRML", Quantity: -50}}

	resp := f.router.Route(context.Background(), &Request{
		APIKey: "key-u1", Operation: OpClosePosition,
		Payload: json.RawMessage(`{"symbol":"NIFTY24SEPFUT","exchange":"NFO","product":"NRML"}`),
	})
	require.Equal(t, "success", resp.Status)

	placed := f.live.api.placedOrders()
	require.Len(t, placed, 1)
	assert.Equal(t, broker.ActionBuy, placed[0].Action, "short position closes with a buy")
	assert.Equal(t, 50, placed[0].Quantity)
	assert.Equal(t, broker.PriceTypeMarket, placed[0].PriceType)
}

func TestRouteNoBrokerSession(t *testing.T) {
	f := newFixture(t, nil)
	f.live.err = store.ErrSessionNotFound

	resp := f.router.Route(context.Background(), &Request{APIKey: "key-u1", Operation: OpFunds})
	assert.Equal(t, "no_broker_session", resp.ErrorCode)
	assert.Equal(t, http.StatusForbidden, resp.HTTPStatus)
}

func TestErrorResponsesNeverEchoPayloadSecrets(t *testing.T) {
	f := newFixture(t, nil)
	f.live.err = errors.New("dial tcp: token=super-secret-token refused")

	resp := f.router.Route(context.Background(), &Request{APIKey: "key-u1", Operation: OpFunds})
	assert.Equal(t, "internal_error", resp.ErrorCode)
	assert.NotContains(t, resp.Message, "super-secret-token")
}
