package core

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures raised by the realtime client.
type ErrorKind int

// Error kinds. Connection kinds feed the reconnect state machine; the others
// are contained to a single subscription or message.
const (
	// KindUnknown indicates an unclassified error.
	KindUnknown ErrorKind = iota
	// KindConnectionExhausted indicates the attempt ceiling was reached without a connection.
	KindConnectionExhausted
	// KindConnectionFailure indicates a handshake, protocol or socket failure.
	KindConnectionFailure
	// KindSubscribeFailure indicates the transport rejected a topic subscription.
	KindSubscribeFailure
	// KindPayloadDecode indicates an inbound payload could not be decoded or validated.
	KindPayloadDecode
	// KindTransportTeardown indicates releasing a subscription or session failed.
	KindTransportTeardown
)

// String returns the string representation of the error kind.
func (k ErrorKind) String() string {
	switch k {
	case KindConnectionExhausted:
		return "CONNECTION_EXHAUSTED"
	case KindConnectionFailure:
		return "CONNECTION_FAILURE"
	case KindSubscribeFailure:
		return "SUBSCRIBE_FAILURE"
	case KindPayloadDecode:
		return "PAYLOAD_DECODE_FAILURE"
	case KindTransportTeardown:
		return "TRANSPORT_TEARDOWN_FAILURE"
	default:
		return "UNKNOWN"
	}
}

// Sentinel errors for common error conditions.
var (
	// ErrConnectionExhausted is returned by Connect once the attempt ceiling is reached.
	ErrConnectionExhausted = errors.New("maximum connection attempts reached")
	// ErrDisconnected is returned to callers waiting on a connection that was torn down by Disconnect.
	ErrDisconnected = errors.New("client disconnected")
	// ErrNotConnected is returned when a transport operation needs a live session.
	ErrNotConnected = errors.New("not connected")
	// ErrInvalidSubscription is returned when a subscription has an empty key or no handler.
	ErrInvalidSubscription = errors.New("invalid subscription")
	// ErrClientClosed is returned when attempting to use a closed client.
	ErrClientClosed = errors.New("client is closed")
	// ErrCircuitBreakerOpen is returned when the circuit breaker rejects a call.
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
)

// Error is a classified realtime failure. Category and Key are set when the
// failure concerns a single subscription.
type Error struct {
	Kind     ErrorKind
	Category Category
	Key      string
	Err      error
}

// NewError creates an Error of the given kind wrapping err.
func NewError(kind ErrorKind, category Category, key string, err error) *Error {
	return &Error{Kind: kind, Category: category, Key: key, Err: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Key != "" {
		msg = fmt.Sprintf("%s [%s %s]", msg, e.Category, e.Key)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is makes an exhausted Error match ErrConnectionExhausted even when it wraps another cause.
func (e *Error) Is(target error) bool {
	return target == ErrConnectionExhausted && e.Kind == KindConnectionExhausted
}

// KindOf returns the kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsConnectionExhausted reports whether err signals the attempt ceiling was hit.
func IsConnectionExhausted(err error) bool {
	return errors.Is(err, ErrConnectionExhausted)
}

// IsConnectionError reports whether err concerns the shared connection rather
// than a single subscription or message.
func IsConnectionError(err error) bool {
	switch KindOf(err) {
	case KindConnectionExhausted, KindConnectionFailure:
		return true
	}
	return errors.Is(err, ErrNotConnected)
}
