// Package gate is the order router and mode gate: it verifies the caller,
// enforces rate limits, short-circuits sandbox users to the paper engine,
// blocks restricted operations in semi-auto mode, parks queueable orders in
// the action center, and dispatches everything else to the user's broker.
package gate

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"tradegate/internal/broker"
	"tradegate/internal/metrics"
	"tradegate/internal/ratelimit"
	"tradegate/internal/store"
)

// Operation tags the canonical trading operations.
type Operation string

const (
	OpPlaceOrder        Operation = "placeorder"
	OpSmartOrder        Operation = "smartorder"
	OpBasketOrder       Operation = "basketorder"
	OpSplitOrder        Operation = "splitorder"
	OpOptionsOrder      Operation = "optionsorder"
	OpOptionsMultiOrder Operation = "optionsmultiorder"
	OpModifyOrder       Operation = "modifyorder"
	OpCancelOrder       Operation = "cancelorder"
	OpCancelAllOrder    Operation = "cancelallorder"
	OpClosePosition     Operation = "closeposition"
	OpCloseAllPositions Operation = "closeallpositions"
	OpOpenPosition      Operation = "openposition"
	OpOrderStatus       Operation = "orderstatus"
	OpOrderbook         Operation = "orderbook"
	OpTradebook         Operation = "tradebook"
	OpPositions         Operation = "positions"
	OpHoldings          Operation = "holdings"
	OpFunds             Operation = "funds"
	OpAnalyzerToggle    Operation = "analyzer/toggle"
)

// immediateAlways operations dispatch regardless of trading mode.
var immediateAlways = map[Operation]struct{}{
	OpClosePosition: {}, OpCloseAllPositions: {}, OpCancelOrder: {},
	OpCancelAllOrder: {}, OpModifyOrder: {}, OpOrderStatus: {},
	OpOrderbook: {}, OpTradebook: {}, OpPositions: {}, OpHoldings: {},
	OpFunds: {}, OpOpenPosition: {},
}

// queueable operations park in the action center for semi-auto users.
var queueable = map[Operation]struct{}{
	OpPlaceOrder: {}, OpSmartOrder: {}, OpBasketOrder: {}, OpSplitOrder: {},
	OpOptionsOrder: {}, OpOptionsMultiOrder: {},
}

// restrictedSemiAuto operations are refused outright for semi-auto users in
// live mode: an algo must not silently flatten or cancel what the trader is
// supervising.
var restrictedSemiAuto = map[Operation]struct{}{
	OpClosePosition: {}, OpCancelOrder: {}, OpCancelAllOrder: {},
	OpModifyOrder: {}, OpAnalyzerToggle: {},
}

func knownOperation(op Operation) bool {
	if op == OpAnalyzerToggle {
		return true
	}
	_, im := immediateAlways[op]
	_, q := queueable[op]
	return im || q
}

func categoryFor(op Operation) ratelimit.Category {
	if op == OpSmartOrder {
		return ratelimit.Smart
	}
	if _, ok := queueable[op]; ok {
		return ratelimit.Order
	}
	switch op {
	case OpModifyOrder, OpCancelOrder, OpCancelAllOrder, OpClosePosition, OpCloseAllPositions:
		return ratelimit.Order
	}
	return ratelimit.API
}

// Request is one routed operation.
type Request struct {
	APIKey    string
	Operation Operation
	Payload   json.RawMessage
	// UISession marks callers holding a live dashboard session; they keep
	// direct control and skip the semi-auto restriction check.
	UISession bool
}

// Verifier resolves an API key to its owner.
type Verifier interface {
	VerifyKey(ctx context.Context, apiKey string) (string, error)
}

// UserSource reads and toggles user trading state.
type UserSource interface {
	Get(ctx context.Context, id string) (*store.User, error)
	SetAnalyzeMode(ctx context.Context, id string, enabled bool) error
}

// AdapterSource yields an order-capable live adapter for a user and revokes
// sessions the broker has rejected.
type AdapterSource interface {
	ForUser(ctx context.Context, userID string) (broker.OrderAPI, string, error)
	Revoke(ctx context.Context, userID string) error
}

// SandboxSource yields the paper engine's order surface for a user.
type SandboxSource interface {
	ForUser(userID string) broker.OrderAPI
}

// Notifier receives action-center lifecycle events.
type Notifier func(event string, p *store.PendingOrder)

// Router routes every trading operation.
type Router struct {
	auth     Verifier
	users    UserSource
	adapters AdapterSource
	sandbox  SandboxSource
	pending  *store.PendingRepository
	orderLog *store.OrderLogRepository
	latency  *store.LatencyRepository
	limiter  *ratelimit.Limiter
	notify   Notifier
	log      zerolog.Logger
}

// NewRouter wires the order router. notify may be nil.
func NewRouter(auth Verifier, users UserSource, adapters AdapterSource, sandboxEngine SandboxSource,
	pending *store.PendingRepository, orderLog *store.OrderLogRepository, latency *store.LatencyRepository,
	limiter *ratelimit.Limiter, notify Notifier, log zerolog.Logger) *Router {
	if notify == nil {
		notify = func(string, *store.PendingOrder) {}
	}
	return &Router{
		auth:     auth,
		users:    users,
		adapters: adapters,
		sandbox:  sandboxEngine,
		pending:  pending,
		orderLog: orderLog,
		latency:  latency,
		limiter:  limiter,
		notify:   notify,
		log:      log.With().Str("component", "gate").Logger(),
	}
}

// Route applies the gate algorithm and executes the operation.
func (r *Router) Route(ctx context.Context, req *Request) *Response {
	if !knownOperation(req.Operation) {
		return &Response{Status: "error", Message: "unknown operation " + string(req.Operation),
			ErrorCode: "unknown_operation", HTTPStatus: http.StatusBadRequest}
	}
	if err := r.limiter.Allow(categoryFor(req.Operation), req.APIKey); err != nil {
		return errorResponse(err)
	}

	userID, err := r.auth.VerifyKey(ctx, req.APIKey)
	if err != nil {
		return errorResponse(err)
	}
	user, err := r.users.Get(ctx, userID)
	if err != nil {
		return errorResponse(err)
	}

	// Sandbox users never touch live broker paths; the paper engine serves
	// the full order surface and analyzer/toggle flips them back out.
	if user.AnalyzeMode {
		if req.Operation == OpAnalyzerToggle {
			return r.toggleAnalyze(ctx, user, req.Payload)
		}
		resp := r.dispatch(ctx, user, "sandbox", r.sandbox.ForUser(user.ID), req)
		metrics.RecordOrderRouted("sandbox", string(req.Operation), resp.Status)
		return resp
	}

	if _, restricted := restrictedSemiAuto[req.Operation]; restricted &&
		user.TradingMode == store.ModeSemiAuto && !req.UISession {
		metrics.RecordOrderRouted("live", string(req.Operation), "blocked")
		return errorResponse(&NotAllowedError{Operation: req.Operation})
	}
	if req.Operation == OpAnalyzerToggle {
		return r.toggleAnalyze(ctx, user, req.Payload)
	}

	_, immediate := immediateAlways[req.Operation]
	if immediate || user.TradingMode == store.ModeAuto {
		return r.dispatchLive(ctx, user, req)
	}

	return r.park(ctx, user, req)
}

// dispatchLive resolves the user's adapter, executes, and revokes the stored
// session when the broker rejects its token.
func (r *Router) dispatchLive(ctx context.Context, user *store.User, req *Request) *Response {
	api, brokerName, err := r.adapters.ForUser(ctx, user.ID)
	if err != nil {
		return errorResponse(err)
	}
	resp := r.dispatch(ctx, user, brokerName, api, req)
	if resp.ErrorCode == string(broker.ErrInvalidToken) {
		if err := r.adapters.Revoke(ctx, user.ID); err != nil {
			r.log.Error().Err(err).Str("user_id", user.ID).Msg("session revocation failed")
		} else {
			r.log.Warn().Str("user_id", user.ID).Str("broker", brokerName).Msg("broker rejected session token, session revoked")
		}
	}
	metrics.RecordOrderRouted(brokerName, string(req.Operation), resp.Status)
	return resp
}

// park stores a queueable semi-auto order for manual approval. The api_key
// is stripped from the persisted blob.
func (r *Router) park(ctx context.Context, user *store.User, req *Request) *Response {
	_, brokerName, err := r.adapters.ForUser(ctx, user.ID)
	if err != nil {
		return errorResponse(err)
	}

	blob, symbol, exchange, err := sanitizePayload(req.Payload)
	if err != nil {
		return errorResponse(err)
	}
	p := &store.PendingOrder{
		UserID:    user.ID,
		Broker:    brokerName,
		Operation: string(req.Operation),
		Payload:   blob,
		Symbol:    symbol,
		Exchange:  exchange,
	}
	id, err := r.pending.Park(ctx, p)
	if err != nil {
		return errorResponse(err)
	}

	metrics.RecordOrderRouted(brokerName, string(req.Operation), "queued")
	r.notify("pending_order_created", p)
	return &Response{
		Status:         "success",
		Message:        "Order queued for approval in Action Center",
		Mode:           "semi_auto",
		PendingOrderID: id,
		HTTPStatus:     http.StatusOK,
	}
}

// sanitizePayload removes credential fields from the blob before it is
// persisted and extracts routing metadata.
func sanitizePayload(payload json.RawMessage) (blob, symbol, exchange string, err error) {
	var fields map[string]json.RawMessage
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return "", "", "", inputErr("order payload is not a JSON object")
	}
	delete(fields, "api_key")
	delete(fields, "apikey")

	if raw, ok := fields["symbol"]; ok {
		_ = json.Unmarshal(raw, &symbol)
	}
	if raw, ok := fields["exchange"]; ok {
		_ = json.Unmarshal(raw, &exchange)
	}
	out, err := json.Marshal(fields)
	if err != nil {
		return "", "", "", err
	}
	return string(out), symbol, exchange, nil
}

// toggleAnalyze flips or sets the user's sandbox mode.
func (r *Router) toggleAnalyze(ctx context.Context, user *store.User, payload json.RawMessage) *Response {
	target := !user.AnalyzeMode
	if len(payload) > 0 {
		var req struct {
			Mode *bool `json:"mode"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return errorResponse(inputErr("malformed analyzer payload"))
		}
		if req.Mode != nil {
			target = *req.Mode
		}
	}
	if err := r.users.SetAnalyzeMode(ctx, user.ID, target); err != nil {
		return errorResponse(err)
	}
	mode := "live"
	if target {
		mode = "analyze"
	}
	r.log.Info().Str("user_id", user.ID).Bool("analyze", target).Msg("analyzer toggled")
	return &Response{Status: "success", Message: "analyzer mode set", Mode: mode, HTTPStatus: http.StatusOK}
}
