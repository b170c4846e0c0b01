package proxy_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jmptrader/halibut/message"
	"github.com/jmptrader/halibut/proxy"
)

type fakeSender struct {
	lastReq *message.RequestMessage
	resp    *message.ResponseMessage
	err     error
}

func (f *fakeSender) SendOutgoingRequest(ctx context.Context, req *message.RequestMessage) (*message.ResponseMessage, error) {
	f.lastReq = req
	return f.resp, f.err
}

func TestInvokeReturnsTypedResult(t *testing.T) {
	sender := &fakeSender{resp: message.NewResultResponse("r1", "Paul...")}
	client := proxy.NewClient(sender, message.NewEndpoint("https://example.com", "AA"), "IEchoService")

	out, err := proxy.Invoke[string](context.Background(), client, "SayHello", "Paul")
	require.NoError(t, err)
	require.Equal(t, "Paul...", out)
	require.Equal(t, "IEchoService", sender.lastReq.ServiceName)
	require.Equal(t, "SayHello", sender.lastReq.MethodName)
	require.Equal(t, []any{"Paul"}, sender.lastReq.Params)
}

func TestInvokeSurfacesRemoteError(t *testing.T) {
	sender := &fakeSender{resp: message.NewErrorResponse("r1", "boom", "at Echo.Crash")}
	client := proxy.NewClient(sender, message.NewEndpoint("https://example.com", "AA"), "IEchoService")

	_, err := proxy.Invoke[string](context.Background(), client, "Crash")
	require.Error(t, err)
	require.Contains(t, err.Error(), "boom")
	require.Contains(t, err.Error(), "at Echo.Crash")
}

func TestInvokeSurfacesTransportError(t *testing.T) {
	sender := &fakeSender{err: errors.New("dial failed")}
	client := proxy.NewClient(sender, message.NewEndpoint("https://example.com", "AA"), "IEchoService")

	_, err := proxy.Invoke[string](context.Background(), client, "SayHello", "Paul")
	require.Error(t, err)
	require.Contains(t, err.Error(), "dial failed")
}

func TestInvokeMismatchedTypeErrors(t *testing.T) {
	sender := &fakeSender{resp: message.NewResultResponse("r1", 42)}
	client := proxy.NewClient(sender, message.NewEndpoint("https://example.com", "AA"), "IEchoService")

	_, err := proxy.Invoke[string](context.Background(), client, "SayHello", "Paul")
	require.Error(t, err)
}

func TestRegistryInvokeRecoversPanic(t *testing.T) {
	registry := proxy.NewRegistry()
	registry.Register("IEchoService", crashService{})

	_, err := registry.Invoke(context.Background(), "IEchoService", "Crash", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "panicked")
}

func TestRegistryInvokeDispatchesByReflection(t *testing.T) {
	registry := proxy.NewRegistry()
	registry.Register("IEchoService", echoImpl{})

	out, err := registry.Invoke(context.Background(), "IEchoService", "SayHello", []any{"Paul"})
	require.NoError(t, err)
	require.Equal(t, "Paul...", out)
}

type crashService struct{}

func (crashService) Crash(ctx context.Context) (string, error) {
	panic("kaboom")
}

type echoImpl struct{}

func (echoImpl) SayHello(ctx context.Context, name string) (string, error) {
	return name + "...", nil
}
