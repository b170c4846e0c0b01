// Package herrors defines the error taxonomy surfaced by the runtime to
// its callers: Transport, Protocol, Timeout, Remote, and Configuration
// kinds, per the runtime's error handling design.
package herrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error surfaced across the RPC boundary.
type Kind int

const (
	KindTransport Kind = iota
	KindProtocol
	KindTimeout
	KindRemote
	KindConfiguration
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindTimeout:
		return "timeout"
	case KindRemote:
		return "remote"
	case KindConfiguration:
		return "configuration"
	default:
		return "unknown"
	}
}

// Sentinel errors checked with errors.Is by callers and tests.
var (
	ErrCollectionTimeout = errors.New("the polling endpoint did not collect the request within the allowed time")
	ErrResponseTimeout   = errors.New("the polling endpoint collected the request but did not return a response within the allowed time")
	ErrThumbprintMismatch = errors.New("peer certificate thumbprint is not trusted")
	ErrBadIdentification  = errors.New("malformed identification frame")
	ErrMalformedEnvelope  = errors.New("malformed envelope")
	ErrUnknownScheme      = errors.New("unknown endpoint scheme")
	ErrShuttingDown       = errors.New("runtime shutting down")
	ErrConnectionClosed   = errors.New("connection closed")
)

// Error is the single client-facing error type: a human message, the kind
// that produced it, and — for Remote errors — the remote's own error text
// and a rendering of its call stack.
type Error struct {
	Kind        Kind
	Message     string
	RemoteStack string
	Err         error
}

func (e *Error) Error() string {
	if e.RemoteStack != "" {
		return fmt.Sprintf("%s\n%s", e.Message, e.RemoteStack)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Transport wraps a connect/read/write/handshake failure. When before is
// true the failure occurred prior to sending the request body, and the
// message records that per the "before the request" convention.
func Transport(uri string, before bool, err error) *Error {
	msg := fmt.Sprintf("when sending a request to '%s'", uri)
	if before {
		msg = fmt.Sprintf("%s, before the request", msg)
	}
	return &Error{Kind: KindTransport, Message: fmt.Sprintf("%s: %s", msg, err), Err: err}
}

// Protocol wraps a bad identification frame, malformed envelope, or role
// mismatch.
func Protocol(err error) *Error {
	return &Error{Kind: KindProtocol, Message: err.Error(), Err: err}
}

// Timeout wraps a collection or response deadline expiry.
func Timeout(err error) *Error {
	return &Error{Kind: KindTimeout, Message: err.Error(), Err: err}
}

// Remote wraps a remote handler's error, carrying its text and stack
// rendering verbatim so the caller sees exactly what the remote raised.
func Remote(message, stack string) *Error {
	return &Error{Kind: KindRemote, Message: message, RemoteStack: stack}
}

// Configuration wraps an unknown scheme or missing certificate error.
func Configuration(err error) *Error {
	return &Error{Kind: KindConfiguration, Message: err.Error(), Err: err}
}
