package mcpv2

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by client operations. Use errors.Is to classify
// failures; wrapped variants carry additional detail in their messages.
var (
	// ErrInvalidRequest reports a request that was rejected before reaching the
	// transport: an empty id or method, unmarshalable params, or an id that is
	// already in flight.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrNotConnected reports an operation attempted while the client or its
	// transport is not connected.
	ErrNotConnected = errors.New("not connected")

	// ErrRequestTimeout reports that a request's time budget elapsed before a
	// response arrived. The pending entry is removed before this error is
	// returned, so a late response is dropped rather than delivered.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrClientClosed reports an operation on a closed client. It is also the
	// basis of the cancellation error delivered to requests still pending when
	// Close is called.
	ErrClientClosed = errors.New("client closed")
)

// TransportError wraps a failure raised by a transport while connecting,
// sending, or receiving.
type TransportError struct {
	// Op names the operation that failed: "connect", "send", "receive",
	// or "disconnect".
	Op string
	// Err is the underlying cause.
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func transportErrorf(op, format string, args ...any) *TransportError {
	return &TransportError{Op: op, Err: fmt.Errorf(format, args...)}
}
