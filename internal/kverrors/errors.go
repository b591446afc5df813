// Package kverrors defines the typed error kinds surfaced at the Storage
// Engine and DHT boundaries, per spec §7.
package kverrors

import (
	"errors"
	"fmt"
)

// Kind enumerates the error kinds callers can switch on.
type Kind string

const (
	Disabled                 Kind = "disabled"
	ValueTooLarge            Kind = "value_too_large"
	DuplicateKeyInOtherSpace Kind = "duplicate_key_in_other_space"
	AccessDenied             Kind = "access_denied"
	NotFound                 Kind = "not_found"
	DhtUnavailable           Kind = "dht_unavailable"
	QuorumFailed             Kind = "quorum_failed"
	Timeout                  Kind = "timeout"
	CryptoUnavailable        Kind = "crypto_unavailable"
	InvalidPayload           Kind = "invalid_payload"
	NotConnected             Kind = "not_connected"
	RouteExhausted           Kind = "route_exhausted"
	TransportError           Kind = "transport_error"
	StaleWrite               Kind = "stale_write"
)

// Error wraps an operation name, a typed kind, and an optional underlying
// cause, in the same shape as the teacher's client.APIError.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether err (or any error it wraps) carries kind k.
func Is(err error, k Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Kind == k {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

// New constructs an *Error for op/kind with no underlying cause.
func New(op string, kind Kind) error {
	return &Error{Op: op, Kind: kind}
}

// Wrap constructs an *Error for op/kind wrapping cause.
func Wrap(op string, kind Kind, cause error) error {
	return &Error{Op: op, Kind: kind, Err: cause}
}
