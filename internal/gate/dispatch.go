package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"tradegate/internal/broker"
	"tradegate/internal/metrics"
	"tradegate/internal/store"
)

// dispatch executes one operation against the given order surface, which is
// either a live adapter or the sandbox engine.
func (r *Router) dispatch(ctx context.Context, user *store.User, brokerName string, api broker.OrderAPI, req *Request) *Response {
	switch req.Operation {
	case OpPlaceOrder, OpOptionsOrder:
		var order broker.OrderRequest
		if err := decode(req.Payload, &order); err != nil {
			return errorResponse(err)
		}
		res, err := r.placeLeg(ctx, user, brokerName, api, &order, req.Operation)
		if err != nil {
			return errorResponse(err)
		}
		return success(res.OrderID)

	case OpBasketOrder, OpOptionsMultiOrder:
		var basket struct {
			Orders []broker.OrderRequest `json:"orders"`
		}
		if err := decode(req.Payload, &basket); err != nil {
			return errorResponse(err)
		}
		if len(basket.Orders) == 0 {
			return errorResponse(inputErr("basket has no orders"))
		}
		return r.placeLegs(ctx, user, brokerName, api, basket.Orders, req.Operation)

	case OpSplitOrder:
		var split struct {
			broker.OrderRequest
			SplitSize int `json:"splitsize"`
		}
		if err := decode(req.Payload, &split); err != nil {
			return errorResponse(err)
		}
		if split.SplitSize <= 0 {
			return errorResponse(inputErr("splitsize must be positive"))
		}
		var legs []broker.OrderRequest
		for remaining := split.Quantity; remaining > 0; remaining -= split.SplitSize {
			leg := split.OrderRequest
			leg.Quantity = min(remaining, split.SplitSize)
			legs = append(legs, leg)
		}
		return r.placeLegs(ctx, user, brokerName, api, legs, req.Operation)

	case OpSmartOrder:
		return r.smartOrder(ctx, user, brokerName, api, req.Payload)

	case OpModifyOrder:
		var mod broker.ModifyRequest
		if err := decode(req.Payload, &mod); err != nil {
			return errorResponse(err)
		}
		if mod.OrderID == "" {
			return errorResponse(inputErr("orderid is required"))
		}
		res, err := r.timedMutation(ctx, user, brokerName, req.Operation, mod.OrderID, &mod.Symbol, func() (*broker.OrderResult, error) {
			return api.ModifyOrder(ctx, &mod)
		})
		if err != nil {
			return errorResponse(err)
		}
		return success(res.OrderID)

	case OpCancelOrder:
		var c struct {
			OrderID string `json:"orderid"`
		}
		if err := decode(req.Payload, &c); err != nil {
			return errorResponse(err)
		}
		if c.OrderID == "" {
			return errorResponse(inputErr("orderid is required"))
		}
		res, err := r.timedMutation(ctx, user, brokerName, req.Operation, c.OrderID, nil, func() (*broker.OrderResult, error) {
			return api.CancelOrder(ctx, c.OrderID)
		})
		if err != nil {
			return errorResponse(err)
		}
		return success(res.OrderID)

	case OpCancelAllOrder:
		results, err := api.CancelAllOrders(ctx)
		if err != nil {
			return errorResponse(err)
		}
		resp := successData(results)
		resp.Message = fmt.Sprintf("%d orders canceled", len(results))
		return resp

	case OpClosePosition:
		return r.closePosition(ctx, user, brokerName, api, req.Payload)

	case OpCloseAllPositions:
		return r.closeAllPositions(ctx, user, brokerName, api)

	case OpOpenPosition:
		var q positionQuery
		if err := decode(req.Payload, &q); err != nil {
			return errorResponse(err)
		}
		pos, err := findPosition(ctx, api, q)
		if err != nil {
			return errorResponse(err)
		}
		qty := 0
		if pos != nil {
			qty = pos.Quantity
		}
		return successData(map[string]int{"quantity": qty})

	case OpOrderStatus:
		var q struct {
			OrderID string `json:"orderid"`
		}
		if err := decode(req.Payload, &q); err != nil {
			return errorResponse(err)
		}
		order, err := api.OrderStatus(ctx, q.OrderID)
		if err != nil {
			return errorResponse(err)
		}
		return successData(order)

	case OpOrderbook:
		return readData(api.Orderbook(ctx))
	case OpTradebook:
		return readData(api.Tradebook(ctx))
	case OpPositions:
		return readData(api.Positions(ctx))
	case OpHoldings:
		return readData(api.Holdings(ctx))
	case OpFunds:
		funds, err := api.Funds(ctx)
		if err != nil {
			return errorResponse(err)
		}
		return successData(funds)
	}
	return errorResponse(inputErr("operation %s has no dispatcher", req.Operation))
}

func readData[T any](rows []T, err error) *Response {
	if err != nil {
		return errorResponse(err)
	}
	return successData(rows)
}

func decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return inputErr("missing order payload")
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return inputErr("malformed order payload")
	}
	return nil
}

// placeLeg validates and places one order, recording the order log entry,
// the latency sample, and the broker latency histogram.
func (r *Router) placeLeg(ctx context.Context, user *store.User, brokerName string, api broker.OrderAPI,
	order *broker.OrderRequest, op Operation) (*broker.OrderResult, error) {
	valStart := time.Now()
	if err := broker.ValidOrder(order); err != nil {
		return nil, err
	}
	validation := time.Since(valStart)

	rttStart := time.Now()
	res, err := api.PlaceOrder(ctx, order)
	rtt := time.Since(rttStart)
	metrics.OrderLatency.WithLabelValues(brokerName, string(op)).Observe(rtt.Seconds())

	status, orderID := "success", ""
	if err != nil {
		status = "error"
	} else {
		orderID = res.OrderID
	}
	logErr := r.orderLog.Append(ctx, &store.OrderLogEntry{
		UserID: user.ID, Broker: brokerName, Operation: string(op),
		OrderID: orderID, Symbol: order.Symbol, Exchange: order.Exchange,
		Action: order.Action, Quantity: order.Quantity,
		Status: status, Analyze: user.AnalyzeMode,
	})
	if logErr != nil {
		r.log.Error().Err(logErr).Msg("order log append failed")
	}
	r.latency.Record(ctx, &store.LatencySample{
		OrderID: orderID, UserID: user.ID, Broker: brokerName, Operation: string(op),
		RTTMs:        float64(rtt.Microseconds()) / 1000,
		ValidationMs: float64(validation.Microseconds()) / 1000,
		OverheadMs:   float64(time.Since(valStart).Microseconds())/1000 - float64(rtt.Microseconds())/1000,
		Status:       status,
	})
	return res, err
}

// placeLegs places a series of orders, reporting per-leg outcomes.
func (r *Router) placeLegs(ctx context.Context, user *store.User, brokerName string, api broker.OrderAPI,
	orders []broker.OrderRequest, op Operation) *Response {
	results := make([]LegResult, 0, len(orders))
	succeeded := 0
	for i := range orders {
		res, err := r.placeLeg(ctx, user, brokerName, api, &orders[i], op)
		if err != nil {
			results = append(results, LegResult{
				Symbol: orders[i].Symbol, Status: "error", Message: errorResponse(err).Message,
			})
			continue
		}
		succeeded++
		results = append(results, LegResult{Symbol: orders[i].Symbol, OrderID: res.OrderID, Status: "success"})
	}

	resp := &Response{Status: "success", Results: results, HTTPStatus: http.StatusOK}
	if succeeded == 0 {
		resp.Status = "error"
		resp.ErrorCode = "all_legs_failed"
		resp.HTTPStatus = http.StatusBadRequest
	}
	resp.Message = fmt.Sprintf("%d of %d orders placed", succeeded, len(orders))
	return resp
}

// smartOrder reconciles the live position with a target size and places only
// the delta.
func (r *Router) smartOrder(ctx context.Context, user *store.User, brokerName string, api broker.OrderAPI, payload json.RawMessage) *Response {
	var req struct {
		broker.OrderRequest
		PositionSize int `json:"position_size"`
	}
	if err := decode(payload, &req); err != nil {
		return errorResponse(err)
	}

	pos, err := findPosition(ctx, api, positionQuery{Symbol: req.Symbol, Exchange: req.Exchange, Product: req.Product})
	if err != nil {
		return errorResponse(err)
	}
	current := 0
	if pos != nil {
		current = pos.Quantity
	}
	delta := req.PositionSize - current
	if delta == 0 {
		return successMessage("position already at target size, no action taken")
	}

	order := req.OrderRequest
	order.Quantity = delta
	order.Action = broker.ActionBuy
	if delta < 0 {
		order.Quantity = -delta
		order.Action = broker.ActionSell
	}
	res, err := r.placeLeg(ctx, user, brokerName, api, &order, OpSmartOrder)
	if err != nil {
		return errorResponse(err)
	}
	return success(res.OrderID)
}

type positionQuery struct {
	Symbol   string `json:"symbol"`
	Exchange string `json:"exchange"`
	Product  string `json:"product"`
}

func findPosition(ctx context.Context, api broker.OrderAPI, q positionQuery) (*broker.Position, error) {
	if q.Symbol == "" || q.Exchange == "" {
		return nil, inputErr("symbol and exchange are required")
	}
	positions, err := api.Positions(ctx)
	if err != nil {
		return nil, err
	}
	for i := range positions {
		p := &positions[i]
		if p.Symbol == q.Symbol && p.Exchange == q.Exchange && (q.Product == "" || p.Product == q.Product) {
			return p, nil
		}
	}
	return nil, nil
}

// closePosition flattens one position with a reverse market order.
func (r *Router) closePosition(ctx context.Context, user *store.User, brokerName string, api broker.OrderAPI, payload json.RawMessage) *Response {
	var q positionQuery
	if err := decode(payload, &q); err != nil {
		return errorResponse(err)
	}
	pos, err := findPosition(ctx, api, q)
	if err != nil {
		return errorResponse(err)
	}
	if pos == nil || pos.Quantity == 0 {
		return successMessage("no open position to close")
	}
	res, err := r.placeLeg(ctx, user, brokerName, api, reverseOrder(pos), OpClosePosition)
	if err != nil {
		return errorResponse(err)
	}
	return success(res.OrderID)
}

// closeAllPositions flattens every open position.
func (r *Router) closeAllPositions(ctx context.Context, user *store.User, brokerName string, api broker.OrderAPI) *Response {
	positions, err := api.Positions(ctx)
	if err != nil {
		return errorResponse(err)
	}
	var orders []broker.OrderRequest
	for i := range positions {
		if positions[i].Quantity != 0 {
			orders = append(orders, *reverseOrder(&positions[i]))
		}
	}
	if len(orders) == 0 {
		return successMessage("no open positions to close")
	}
	return r.placeLegs(ctx, user, brokerName, api, orders, OpCloseAllPositions)
}

func reverseOrder(pos *broker.Position) *broker.OrderRequest {
	action := broker.ActionSell
	qty := pos.Quantity
	if qty < 0 {
		action = broker.ActionBuy
		qty = -qty
	}
	return &broker.OrderRequest{
		Symbol:    pos.Symbol,
		Exchange:  pos.Exchange,
		Action:    action,
		Quantity:  qty,
		PriceType: broker.PriceTypeMarket,
		Product:   pos.Product,
	}
}

// timedMutation wraps modify/cancel calls with the same latency and audit
// recording as placements.
func (r *Router) timedMutation(ctx context.Context, user *store.User, brokerName string, op Operation,
	orderID string, symbol *string, call func() (*broker.OrderResult, error)) (*broker.OrderResult, error) {
	rttStart := time.Now()
	res, err := call()
	rtt := time.Since(rttStart)
	metrics.OrderLatency.WithLabelValues(brokerName, string(op)).Observe(rtt.Seconds())

	status := "success"
	if err != nil {
		status = "error"
	}
	entry := &store.OrderLogEntry{
		UserID: user.ID, Broker: brokerName, Operation: string(op),
		OrderID: orderID, Status: status, Analyze: user.AnalyzeMode,
	}
	if symbol != nil {
		entry.Symbol = *symbol
	}
	if logErr := r.orderLog.Append(ctx, entry); logErr != nil {
		r.log.Error().Err(logErr).Msg("order log append failed")
	}
	r.latency.Record(ctx, &store.LatencySample{
		OrderID: orderID, UserID: user.ID, Broker: brokerName, Operation: string(op),
		RTTMs: float64(rtt.Microseconds()) / 1000, Status: status,
	})
	return res, err
}
