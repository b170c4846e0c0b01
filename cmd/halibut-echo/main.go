// Command halibut-echo wires an echo service through the runtime and
// exercises it over a loopback TLS listener. It exists to give the core
// packages a runnable example, the same role the teacher's
// runtime/internal/rpc/test fixtures play; it is not the CLI described as
// an external collaborator in the specification, which would expose a
// configuration/operations surface this binary does not.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jmptrader/halibut/internal/halog"
	"github.com/jmptrader/halibut/internal/testutil/selfsigned"
	"github.com/jmptrader/halibut/message"
	"github.com/jmptrader/halibut/proxy"
	"github.com/jmptrader/halibut/runtime"
)

// EchoService is the local service this example exposes.
type EchoService struct{}

func (EchoService) SayHello(ctx context.Context, name string) (string, error) {
	return fmt.Sprintf("%s...", name), nil
}

func (EchoService) Crash(ctx context.Context) (string, error) {
	var zero int
	return "", fmt.Errorf("crash: %v", 1/zero)
}

func main() {
	ctx := halog.With(context.Background(), halog.NewDevelopment())

	serverCert, serverThumb, err := selfsigned.Generate("halibut-server")
	if err != nil {
		fail(err)
	}
	clientCert, clientThumb, err := selfsigned.Generate("halibut-client")
	if err != nil {
		fail(err)
	}

	registry := proxy.NewRegistry()
	registry.Register("IEchoService", EchoService{})

	server := runtime.New(runtime.Config{Cert: serverCert}, registry)
	server.Trust(clientThumb)
	port, err := server.Listen(ctx, "127.0.0.1:0")
	if err != nil {
		fail(err)
	}
	defer server.Dispose()

	client := runtime.New(runtime.Config{Cert: clientCert}, proxy.NewRegistry())
	defer client.Dispose()

	endpoint := message.NewEndpoint(fmt.Sprintf("https://127.0.0.1:%d", port), serverThumb)
	echoClient := client.CreateClient(endpoint, "IEchoService")

	callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	greeting, err := proxy.Invoke[string](callCtx, echoClient, "SayHello", "Paul")
	if err != nil {
		fail(err)
	}
	fmt.Println(greeting)
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
