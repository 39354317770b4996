package gate

import (
	"context"
	"encoding/json"

	"tradegate/internal/metrics"
	"tradegate/internal/store"
)

// ownedPending loads a pending order and enforces that the caller owns it.
// The ownership check is unconditional; a mismatch changes nothing on the
// row and is logged as a violation.
func (r *Router) ownedPending(ctx context.Context, pendingID, callerID string) (*store.PendingOrder, error) {
	p, err := r.pending.Get(ctx, pendingID)
	if err != nil {
		return nil, err
	}
	if p.UserID != callerID {
		r.log.Warn().Str("pending_id", pendingID).Str("caller_id", callerID).
			Str("owner_id", p.UserID).Msg("ownership violation on action center order")
		return nil, ErrOwnership
	}
	return p, nil
}

// Approve claims a pending order and dispatches its original payload to the
// user's broker, recording the resulting broker order id.
func (r *Router) Approve(ctx context.Context, pendingID, callerID string) *Response {
	p, err := r.ownedPending(ctx, pendingID, callerID)
	if err != nil {
		return errorResponse(err)
	}
	user, err := r.users.Get(ctx, p.UserID)
	if err != nil {
		return errorResponse(err)
	}

	// Claim before dispatching so a racing decision cannot double-send.
	if err := r.pending.Decide(ctx, pendingID, store.PendingStatusApproved); err != nil {
		return errorResponse(err)
	}

	resp := r.dispatchLive(ctx, user, &Request{
		Operation: Operation(p.Operation),
		Payload:   json.RawMessage(p.Payload),
	})
	if resp.Status == "success" {
		_ = r.pending.RecordOutcome(ctx, pendingID, resp.OrderID, "")
		metrics.RecordOrderRouted(p.Broker, p.Operation, "approved")
		r.notify("pending_order_approved", p)
	} else {
		_ = r.pending.RecordOutcome(ctx, pendingID, "", resp.Message)
		metrics.RecordOrderRouted(p.Broker, p.Operation, "approve_failed")
	}
	return resp
}

// Reject marks a pending order rejected with a reason.
func (r *Router) Reject(ctx context.Context, pendingID, callerID, reason string) *Response {
	p, err := r.ownedPending(ctx, pendingID, callerID)
	if err != nil {
		return errorResponse(err)
	}
	if err := r.pending.Finalize(ctx, pendingID, store.PendingStatusRejected, "", reason); err != nil {
		return errorResponse(err)
	}
	metrics.RecordOrderRouted(p.Broker, p.Operation, "rejected")
	r.notify("pending_order_rejected", p)
	return successMessage("pending order rejected")
}

// DeletePending removes an undecided pending order.
func (r *Router) DeletePending(ctx context.Context, pendingID, callerID string) *Response {
	if _, err := r.ownedPending(ctx, pendingID, callerID); err != nil {
		return errorResponse(err)
	}
	if err := r.pending.Delete(ctx, pendingID); err != nil {
		return errorResponse(err)
	}
	return successMessage("pending order deleted")
}

// ListPending returns the caller's undecided orders, oldest first.
func (r *Router) ListPending(ctx context.Context, callerID string) *Response {
	list, err := r.pending.ListPending(ctx, callerID)
	if err != nil {
		return errorResponse(err)
	}
	return successData(list)
}
