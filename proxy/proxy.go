// Package proxy realizes the transparent proxy design note: rather than
// generating an interface proxy at compile or run time, a typed call is
// built by hand into a RequestMessage, sent through a Sender, and its
// ResponseMessage unwrapped into a return value or a client error.
package proxy

import (
	"context"
	"fmt"

	"github.com/jmptrader/halibut/internal/herrors"
	"github.com/jmptrader/halibut/message"
)

// Sender is the one method a proxy.Client needs from the runtime:
// dispatching an outgoing request and waiting for its response. Keeping
// this as a narrow interface lets the runtime package depend on proxy
// without proxy depending back on runtime.
type Sender interface {
	SendOutgoingRequest(ctx context.Context, req *message.RequestMessage) (*message.ResponseMessage, error)
}

// Client calls a single (endpoint, service) pair. It stands in for the
// teacher's generated interface proxy: callers construct one per service
// interface they want to talk to, generally through Runtime.CreateClient.
type Client struct {
	sender      Sender
	endpoint    message.Endpoint
	serviceName string
}

// NewClient builds a Client that marshals calls to serviceName at
// endpoint through sender.
func NewClient(sender Sender, endpoint message.Endpoint, serviceName string) *Client {
	return &Client{sender: sender, endpoint: endpoint, serviceName: serviceName}
}

// Call invokes method with the given positional params and returns the
// response's raw result. Most callers want Invoke, which also decodes the
// result into a concrete type.
func (c *Client) Call(ctx context.Context, activityID, method string, params ...any) (*message.ResponseMessage, error) {
	req := message.NewRequestMessage(activityID, c.endpoint, c.serviceName, method, params)
	resp, err := c.sender.SendOutgoingRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, herrors.Remote(resp.Error.Message, resp.Error.Stack)
	}
	return resp, nil
}

// Invoke calls method and type-asserts the result into Out, the shape
// Halibut's real generated proxy would return directly from a typed
// interface method.
func Invoke[Out any](ctx context.Context, c *Client, method string, params ...any) (Out, error) {
	var zero Out
	resp, err := c.Call(ctx, "", method, params...)
	if err != nil {
		return zero, err
	}
	if resp.Result == nil {
		return zero, nil
	}
	out, ok := resp.Result.(Out)
	if !ok {
		return zero, fmt.Errorf("proxy: result of type %T does not match expected type", resp.Result)
	}
	return out, nil
}
