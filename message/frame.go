package message

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// envelopeKind discriminates the two frame kinds a connection carries
// after identification: a request or a response.
type envelopeKind uint8

const (
	kindRequest envelopeKind = iota + 1
	kindResponse
)

// wireEndpoint and wireRequest/wireResponse are the on-the-wire shadow of
// Endpoint/RequestMessage/ResponseMessage: msgpack needs exported fields,
// and Params/Result are encoded as `any`, which round-trips through
// msgpack's own type tags well enough for the primitive/map/slice
// argument shapes this runtime passes — including a nested RequestMessage
// for router wrapping, decoded back into a *RequestMessage by Router.Route
// handling in the runtime package.
type wireEndpoint struct {
	BaseURI    string
	Thumbprint string
}

type wireRequest struct {
	ActivityID  string
	RequestID   string
	Destination wireEndpoint
	ServiceName string
	MethodName  string
	Params      []any
}

type wireRemoteError struct {
	Message string
	Stack   string
}

type wireResponse struct {
	RequestID string
	Result    any
	Error     *wireRemoteError
}

func toWireEndpoint(e Endpoint) wireEndpoint {
	return wireEndpoint{BaseURI: e.baseURI, Thumbprint: e.thumbprint}
}

func (w wireEndpoint) toEndpoint() Endpoint {
	return NewEndpoint(w.BaseURI, w.Thumbprint)
}

func toWireRequest(r *RequestMessage) wireRequest {
	// A nested *RequestMessage (the Router.Route argument) is encoded via
	// its wire shadow: Endpoint's fields are unexported, so msgpack would
	// otherwise drop the nested destination.
	var params []any
	if r.Params != nil {
		params = make([]any, len(r.Params))
		for i, p := range r.Params {
			if nested, ok := p.(*RequestMessage); ok {
				p = toWireRequest(nested)
			}
			params[i] = p
		}
	}
	return wireRequest{
		ActivityID:  r.ActivityID,
		RequestID:   r.RequestID,
		Destination: toWireEndpoint(r.Destination),
		ServiceName: r.ServiceName,
		MethodName:  r.MethodName,
		Params:      params,
	}
}

func (w wireRequest) toRequestMessage() *RequestMessage {
	return &RequestMessage{
		ActivityID:  w.ActivityID,
		RequestID:   w.RequestID,
		Destination: w.Destination.toEndpoint(),
		ServiceName: w.ServiceName,
		MethodName:  w.MethodName,
		Params:      w.Params,
	}
}

func toWireResponse(r *ResponseMessage) wireResponse {
	w := wireResponse{RequestID: r.RequestID, Result: r.Result}
	if r.Error != nil {
		w.Error = &wireRemoteError{Message: r.Error.Message, Stack: r.Error.Stack}
	}
	return w
}

func (w wireResponse) toResponseMessage() *ResponseMessage {
	r := &ResponseMessage{RequestID: w.RequestID, Result: w.Result}
	if w.Error != nil {
		r.Error = &RemoteError{Message: w.Error.Message, Stack: w.Error.Stack}
	}
	return r
}

// maxEnvelopeBytes bounds a single frame body; a peer that claims more
// than this is treated the same as a malformed envelope rather than
// allowed to force an unbounded allocation.
const maxEnvelopeBytes = 64 << 20

// WriteRequest writes a length-prefixed request envelope.
func WriteRequest(w io.Writer, r *RequestMessage) error {
	return writeEnvelope(w, kindRequest, toWireRequest(r))
}

// WriteResponse writes a length-prefixed response envelope.
func WriteResponse(w io.Writer, r *ResponseMessage) error {
	return writeEnvelope(w, kindResponse, toWireResponse(r))
}

func writeEnvelope(w io.Writer, kind envelopeKind, body any) error {
	payload, err := msgpack.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}
	header := make([]byte, 5)
	binary.BigEndian.PutUint32(header[:4], uint32(len(payload)+1))
	header[4] = byte(kind)
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("writing envelope header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("writing envelope body: %w", err)
	}
	return nil
}

// Envelope is the result of reading one frame off the wire: exactly one
// of Request/Response is non-nil.
type Envelope struct {
	Request  *RequestMessage
	Response *ResponseMessage
}

// ReadEnvelope blocks for exactly one length-prefixed frame and decodes
// it into a RequestMessage or a ResponseMessage.
func ReadEnvelope(r *bufio.Reader) (*Envelope, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if n == 0 || n > maxEnvelopeBytes {
		return nil, fmt.Errorf("%w: envelope of %d bytes exceeds limit", ErrMalformed, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	kind := envelopeKind(buf[0])
	body := buf[1:]
	switch kind {
	case kindRequest:
		var w wireRequest
		if err := msgpack.Unmarshal(body, &w); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return &Envelope{Request: w.toRequestMessage()}, nil
	case kindResponse:
		var w wireResponse
		if err := msgpack.Unmarshal(body, &w); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return &Envelope{Response: w.toResponseMessage()}, nil
	default:
		return nil, fmt.Errorf("%w: unknown envelope kind %d", ErrMalformed, kind)
	}
}

// ErrMalformed is wrapped into every decode failure raised by ReadEnvelope.
var ErrMalformed = fmt.Errorf("malformed envelope")

// ParamToRequestMessage recovers a *RequestMessage from a Router.Route
// call's single argument. A locally constructed call carries it as a
// concrete *RequestMessage already; a call that arrived over the wire
// carries it as the generic map msgpack produces for an `any` field, since
// the codec has no static type to decode into at that position. Either
// shape round-trips into an equivalent *RequestMessage, satisfying the
// "self-describing enough to round-trip nested envelopes" wire
// requirement for router wrapping.
func ParamToRequestMessage(v any) (*RequestMessage, bool) {
	if rm, ok := v.(*RequestMessage); ok {
		return rm, true
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	raw, err := msgpack.Marshal(m)
	if err != nil {
		return nil, false
	}
	var w wireRequest
	if err := msgpack.Unmarshal(raw, &w); err != nil {
		return nil, false
	}
	return w.toRequestMessage(), true
}
