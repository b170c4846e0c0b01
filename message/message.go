// Package message defines the envelope types exchanged by the runtime —
// RequestMessage and ResponseMessage — and the endpoint identity they
// carry. Values are immutable after construction; every field is set by
// its constructor and never mutated afterward.
package message

import (
	"strings"

	"github.com/google/uuid"
)

// SchemeHTTPS addresses a TLS listening peer. SchemePoll addresses a
// subscription queue with no direct network endpoint.
const (
	SchemeHTTPS = "https"
	SchemePoll  = "poll"
)

// Endpoint identifies a remote peer: a base URI (scheme https or poll)
// and the thumbprint expected of its certificate. Two endpoints are
// equal iff their base URIs are equal.
type Endpoint struct {
	baseURI    string
	thumbprint string
}

// NewEndpoint builds an Endpoint, uppercasing the thumbprint so
// comparisons are case-insensitive as specified.
func NewEndpoint(baseURI, thumbprint string) Endpoint {
	return Endpoint{baseURI: normalizeURI(baseURI), thumbprint: strings.ToUpper(thumbprint)}
}

func (e Endpoint) BaseURI() string    { return e.baseURI }
func (e Endpoint) Thumbprint() string { return e.thumbprint }
func (e Endpoint) Equal(o Endpoint) bool {
	return e.baseURI == o.baseURI
}
func (e Endpoint) String() string { return e.baseURI }

func normalizeURI(uri string) string {
	if strings.HasPrefix(uri, "https://") && !strings.HasSuffix(uri, "/") {
		return uri + "/"
	}
	return uri
}

// RequestMessage is an immutable call envelope: an activity id for
// tracing (propagated end to end), a unique request id used for
// idempotency and response correlation, the destination endpoint, the
// target service and method name, and the positional argument values.
type RequestMessage struct {
	ActivityID  string
	RequestID   string
	Destination Endpoint
	ServiceName string
	MethodName  string
	Params      []any
}

// NewRequestMessage constructs a RequestMessage, minting a fresh request
// id. activityID should be propagated from the caller's own activity id
// when one already exists (tracing continuity); pass "" to mint a new one.
func NewRequestMessage(activityID string, dest Endpoint, service, method string, params []any) *RequestMessage {
	if activityID == "" {
		activityID = uuid.NewString()
	}
	return &RequestMessage{
		ActivityID:  activityID,
		RequestID:   uuid.NewString(),
		Destination: dest,
		ServiceName: service,
		MethodName:  method,
		Params:      params,
	}
}

// RemoteError carries the remote handler's error text and a rendering of
// its call stack, embedded verbatim in the client-facing error.
type RemoteError struct {
	Message string
	Stack   string
}

// ResponseMessage is an immutable reply envelope: either a return value
// or an error description, keyed to the originating request id.
type ResponseMessage struct {
	RequestID string
	Result    any
	Error     *RemoteError
}

// NewResultResponse builds a successful ResponseMessage.
func NewResultResponse(requestID string, result any) *ResponseMessage {
	return &ResponseMessage{RequestID: requestID, Result: result}
}

// NewErrorResponse builds a failed ResponseMessage carrying the remote's
// error text and stack rendering.
func NewErrorResponse(requestID, message, stack string) *ResponseMessage {
	return &ResponseMessage{RequestID: requestID, Error: &RemoteError{Message: message, Stack: stack}}
}

// IsError reports whether the response carries a remote error.
func (r *ResponseMessage) IsError() bool { return r != nil && r.Error != nil }
