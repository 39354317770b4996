package broker

import (
	"errors"
	"fmt"
)

// ErrorKind classifies broker failures so the router can map them to
// responses and retry policy without parsing broker-specific messages.
type ErrorKind string

const (
	// ErrInvalidInput: the request violates broker constraints.
	ErrInvalidInput ErrorKind = "invalid_input"
	// ErrInvalidToken: session token rejected. The gateway revokes the
	// stored session so the next call forces a fresh login.
	ErrInvalidToken ErrorKind = "invalid_token"
	// ErrOrderRejected: broker refused the order (margin, RMS, circuit).
	ErrOrderRejected ErrorKind = "order_rejected"
	// ErrNetwork: transport failure before a broker verdict.
	ErrNetwork ErrorKind = "network"
	// ErrTimeout: no broker verdict within the deadline; the order state is
	// unknown and only idempotent calls may be retried.
	ErrTimeout ErrorKind = "timeout"
)

// Error is a classified broker failure. Message is safe to surface to the
// client; it never contains credentials or tokens.
type Error struct {
	Broker  string
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Broker == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Broker, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the classified kind, or "" for non-broker errors.
func KindOf(err error) ErrorKind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the operation may be retried without risking a
// duplicate order: only idempotent operations after a timeout qualify, which
// the router decides; at this layer a timeout is the only retry candidate.
func Retryable(err error) bool {
	return IsKind(err, ErrTimeout)
}
