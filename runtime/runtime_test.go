package runtime_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jmptrader/halibut/internal/herrors"
	"github.com/jmptrader/halibut/internal/testutil/selfsigned"
	"github.com/jmptrader/halibut/message"
	"github.com/jmptrader/halibut/proxy"
	"github.com/jmptrader/halibut/runtime"
)

type echoService struct{}

func (echoService) SayHello(ctx context.Context, name string) (string, error) {
	return fmt.Sprintf("%s...", name), nil
}

func (echoService) Crash(ctx context.Context) (string, error) {
	panic("the echo service has crashed")
}

func newTrustedPair(t *testing.T) (server *runtime.Runtime, client *runtime.Runtime, endpoint message.Endpoint) {
	t.Helper()
	serverCert, serverThumb, err := selfsigned.Generate("server")
	require.NoError(t, err)
	clientCert, clientThumb, err := selfsigned.Generate("client")
	require.NoError(t, err)

	registry := proxy.NewRegistry()
	registry.Register("IEchoService", echoService{})

	server = runtime.New(runtime.Config{Cert: serverCert}, registry)
	server.Trust(clientThumb)
	port, err := server.Listen(context.Background(), "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { server.Dispose() })

	client = runtime.New(runtime.Config{Cert: clientCert}, proxy.NewRegistry())
	t.Cleanup(func() { client.Dispose() })

	endpoint = message.NewEndpoint(fmt.Sprintf("https://127.0.0.1:%d", port), serverThumb)
	return server, client, endpoint
}

// TestEchoScenario mirrors the basic client-calls-server-over-https flow.
func TestEchoScenario(t *testing.T) {
	_, client, endpoint := newTrustedPair(t)
	echo := client.CreateClient(endpoint, "IEchoService")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	greeting, err := proxy.Invoke[string](ctx, echo, "SayHello", "Paul")
	require.NoError(t, err)
	require.Equal(t, "Paul...", greeting)
}

// TestCrashScenario mirrors the handler-raises-an-exception flow: the
// caller gets back an error carrying the remote's message and stack, the
// runtime itself stays up.
func TestCrashScenario(t *testing.T) {
	_, client, endpoint := newTrustedPair(t)
	echo := client.CreateClient(endpoint, "IEchoService")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := proxy.Invoke[string](ctx, echo, "Crash")
	require.Error(t, err)
	require.Contains(t, err.Error(), "the echo service has crashed")

	// The runtime must still answer other calls after a crash.
	greeting, err := proxy.Invoke[string](ctx, echo, "SayHello", "Paul")
	require.NoError(t, err)
	require.Equal(t, "Paul...", greeting)
}

// TestUntrustedClientIsRejected exercises the thumbprint-trust edge case:
// a client never added via Trust cannot complete the exchange.
func TestUntrustedClientIsRejected(t *testing.T) {
	serverCert, _, err := selfsigned.Generate("server")
	require.NoError(t, err)
	untrustedCert, _, err := selfsigned.Generate("stranger")
	require.NoError(t, err)

	registry := proxy.NewRegistry()
	registry.Register("IEchoService", echoService{})
	server := runtime.New(runtime.Config{Cert: serverCert}, registry)
	port, err := server.Listen(context.Background(), "127.0.0.1:0")
	require.NoError(t, err)
	defer server.Dispose()

	client := runtime.New(runtime.Config{Cert: untrustedCert, DialTimeout: 2 * time.Second}, proxy.NewRegistry())
	defer client.Dispose()

	meta, err := client.Discover(context.Background(), fmt.Sprintf("https://127.0.0.1:%d", port))
	require.NoError(t, err)

	echo := client.CreateClient(meta.Endpoint, "IEchoService")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = proxy.Invoke[string](ctx, echo, "SayHello", "Paul")
	require.Error(t, err)
}

// TestRouteForwardsThroughIntermediateNode exercises Router.Route: a
// caller only trusted by the router reaches a backend it never dials
// directly, and the router's loop prevention consults the route table
// only on the original destination.
func TestRouteForwardsThroughIntermediateNode(t *testing.T) {
	backendCert, backendThumb, err := selfsigned.Generate("backend")
	require.NoError(t, err)
	routerCert, routerThumb, err := selfsigned.Generate("router")
	require.NoError(t, err)
	callerCert, callerThumb, err := selfsigned.Generate("caller")
	require.NoError(t, err)

	backendRegistry := proxy.NewRegistry()
	backendRegistry.Register("IEchoService", echoService{})
	backend := runtime.New(runtime.Config{Cert: backendCert}, backendRegistry)
	backend.Trust(routerThumb)
	backendPort, err := backend.Listen(context.Background(), "127.0.0.1:0")
	require.NoError(t, err)
	defer backend.Dispose()
	backendEndpoint := message.NewEndpoint(fmt.Sprintf("https://127.0.0.1:%d", backendPort), backendThumb)

	router := runtime.New(runtime.Config{Cert: routerCert}, proxy.NewRegistry())
	router.Trust(callerThumb)
	routerPort, err := router.Listen(context.Background(), "127.0.0.1:0")
	require.NoError(t, err)
	defer router.Dispose()
	routerEndpoint := message.NewEndpoint(fmt.Sprintf("https://127.0.0.1:%d", routerPort), routerThumb)
	router.Route(backendEndpoint, backendEndpoint) // identity: router is allowed to reach the backend directly

	caller := runtime.New(runtime.Config{Cert: callerCert}, proxy.NewRegistry())
	defer caller.Dispose()
	caller.Route(backendEndpoint, routerEndpoint)

	echo := caller.CreateClient(backendEndpoint, "IEchoService")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	greeting, err := proxy.Invoke[string](ctx, echo, "SayHello", "Paul")
	require.NoError(t, err)
	require.Equal(t, "Paul...", greeting)
}

// TestPollingRoundTrip exercises a client call routed to a poll://
// destination, answered by a node maintaining an outbound subscriber
// connection via Poll.
func TestPollingRoundTrip(t *testing.T) {
	serverCert, serverThumb, err := selfsigned.Generate("listener-node")
	require.NoError(t, err)
	subscriberCert, subscriberThumb, err := selfsigned.Generate("subscriber-node")
	require.NoError(t, err)

	listenerNode := runtime.New(runtime.Config{Cert: serverCert}, proxy.NewRegistry())
	listenerNode.Trust(subscriberThumb)
	port, err := listenerNode.Listen(context.Background(), "127.0.0.1:0")
	require.NoError(t, err)
	defer listenerNode.Dispose()
	listenerEndpoint := message.NewEndpoint(fmt.Sprintf("https://127.0.0.1:%d", port), serverThumb)

	subscriberRegistry := proxy.NewRegistry()
	subscriberRegistry.Register("IEchoService", echoService{})
	subscriberNode := runtime.New(runtime.Config{Cert: subscriberCert}, subscriberRegistry)
	defer subscriberNode.Dispose()

	pollCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	subscriberNode.Poll(pollCtx, "SQ-A", listenerEndpoint)
	time.Sleep(100 * time.Millisecond) // let the polling connection identify

	pollEndpoint := message.NewEndpoint("poll://SQ-A", "")
	echo := listenerNode.CreateClient(pollEndpoint, "IEchoService")

	callCtx, cancelCall := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelCall()
	greeting, err := proxy.Invoke[string](callCtx, echo, "SayHello", "Paul")
	require.NoError(t, err)
	require.Equal(t, "Paul...", greeting)
}

func TestSendOutgoingRequestAfterDisposeFailsWithShuttingDown(t *testing.T) {
	cert, _, err := selfsigned.Generate("solo")
	require.NoError(t, err)
	rt := runtime.New(runtime.Config{Cert: cert}, proxy.NewRegistry())
	require.NoError(t, rt.Dispose())

	echo := rt.CreateClient(message.NewEndpoint("https://127.0.0.1:1", "AA"), "IEchoService")
	_, err = proxy.Invoke[string](context.Background(), echo, "SayHello", "Paul")
	require.Error(t, err)
	require.True(t, errors.Is(err, herrors.ErrShuttingDown))
}
