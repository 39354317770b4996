package sandbox

import "errors"

// ErrInsufficientFunds rejects an order whose margin exceeds available funds.
var ErrInsufficientFunds = errors.New("insufficient funds")

// ErrOrderNotFound is returned for unknown or already-final sandbox orders.
var ErrOrderNotFound = errors.New("sandbox order not found")
