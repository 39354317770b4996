package gate

import (
	"errors"
	"fmt"
	"net/http"

	"tradegate/internal/auth"
	"tradegate/internal/broker"
	"tradegate/internal/ratelimit"
	"tradegate/internal/sandbox"
	"tradegate/internal/store"
	"tradegate/internal/symbols"
)

// Response is the router's answer for every operation. HTTPStatus is for the
// transport layer and never marshaled.
type Response struct {
	Status         string      `json:"status"`
	OrderID        string      `json:"orderid,omitempty"`
	Message        string      `json:"message,omitempty"`
	Mode           string      `json:"mode,omitempty"`
	PendingOrderID string      `json:"pending_order_id,omitempty"`
	ErrorCode      string      `json:"error_code,omitempty"`
	Data           any         `json:"data,omitempty"`
	Results        []LegResult `json:"results,omitempty"`

	HTTPStatus int `json:"-"`
}

// LegResult is the per-leg outcome of a multi-order operation.
type LegResult struct {
	Symbol  string `json:"symbol,omitempty"`
	OrderID string `json:"orderid,omitempty"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

func success(orderID string) *Response {
	return &Response{Status: "success", OrderID: orderID, HTTPStatus: http.StatusOK}
}

func successData(data any) *Response {
	return &Response{Status: "success", Data: data, HTTPStatus: http.StatusOK}
}

func successMessage(msg string) *Response {
	return &Response{Status: "success", Message: msg, HTTPStatus: http.StatusOK}
}

// ErrOwnership rejects action-center decisions on another user's order.
var ErrOwnership = errors.New("pending order belongs to another user")

// NotAllowedError blocks restricted operations for semi-auto users.
type NotAllowedError struct {
	Operation Operation
}

func (e *NotAllowedError) Error() string {
	return fmt.Sprintf("operation %s is not allowed in semi-auto mode", e.Operation)
}

// errorResponse maps any routing failure to the wire error shape. Messages
// are chosen here, not copied from internal errors, so credential material
// can never surface.
func errorResponse(err error) *Response {
	fail := func(status int, code, message string) *Response {
		return &Response{Status: "error", Message: message, ErrorCode: code, HTTPStatus: status}
	}

	var limited *ratelimit.ErrLimited
	var notAllowed *NotAllowedError
	var brokerErr *broker.Error
	var invalid *InputError

	switch {
	case errors.Is(err, auth.ErrInvalidKey):
		return fail(http.StatusUnauthorized, "invalid_api_key", "invalid api key")
	case errors.As(err, &limited):
		return fail(http.StatusTooManyRequests, "rate_limit_exceeded", limited.Error())
	case errors.As(err, &notAllowed):
		return fail(http.StatusForbidden, "operation_not_allowed",
			fmt.Sprintf("Operation %s is not allowed in Semi-Auto mode. Approve it from the Action Center or switch to Auto mode.", notAllowed.Operation))
	case errors.Is(err, ErrOwnership):
		return fail(http.StatusForbidden, "ownership_violation", "pending order belongs to another user")
	case errors.Is(err, store.ErrPendingNotFound):
		return fail(http.StatusNotFound, "pending_order_not_found", "pending order not found")
	case errors.Is(err, store.ErrPendingDecided):
		return fail(http.StatusConflict, "pending_order_decided", "pending order was already decided")
	case errors.Is(err, store.ErrSessionNotFound), errors.Is(err, store.ErrCredentialsNotFound):
		return fail(http.StatusForbidden, "no_broker_session", "no active broker session; log in with a broker first")
	case errors.Is(err, sandbox.ErrInsufficientFunds):
		return fail(http.StatusBadRequest, "insufficient_funds", err.Error())
	case errors.Is(err, sandbox.ErrOrderNotFound):
		return fail(http.StatusNotFound, "order_not_found", "order not found")
	case errors.Is(err, symbols.ErrNotFound):
		return fail(http.StatusNotFound, "symbol_not_found", "symbol not found")
	case errors.As(err, &invalid):
		return fail(http.StatusBadRequest, "invalid_input", invalid.Message)
	case errors.As(err, &brokerErr):
		return brokerResponse(brokerErr)
	default:
		return fail(http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func brokerResponse(err *broker.Error) *Response {
	status := http.StatusBadGateway
	switch err.Kind {
	case broker.ErrInvalidInput:
		status = http.StatusBadRequest
	case broker.ErrInvalidToken:
		status = http.StatusUnauthorized
	case broker.ErrOrderRejected:
		status = http.StatusBadRequest
	case broker.ErrTimeout:
		status = http.StatusGatewayTimeout
	}
	return &Response{
		Status:     "error",
		Message:    err.Message,
		ErrorCode:  string(err.Kind),
		HTTPStatus: status,
	}
}

// InputError flags malformed operation payloads before they reach a broker.
type InputError struct {
	Message string
}

func (e *InputError) Error() string { return "invalid input: " + e.Message }

func inputErr(format string, args ...any) error {
	return &InputError{Message: fmt.Sprintf(format, args...)}
}
