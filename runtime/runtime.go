// Package runtime implements the Runtime dispatcher: the single entry
// point that routes outgoing calls by scheme, applies the route table,
// and exposes the trust/listen/poll/route/client/discover surface a
// process uses to act simultaneously as client and server.
package runtime

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	multierror "github.com/hashicorp/go-multierror"

	"github.com/jmptrader/halibut/exchange"
	"github.com/jmptrader/halibut/internal/halog"
	"github.com/jmptrader/halibut/internal/herrors"
	"github.com/jmptrader/halibut/message"
	"github.com/jmptrader/halibut/pending"
	"github.com/jmptrader/halibut/polling"
	"github.com/jmptrader/halibut/proxy"
	"github.com/jmptrader/halibut/transport"
)

const (
	// routeServiceName and routeMethodName name the synthetic call a
	// routed request is wrapped in.
	routeServiceName = "Router"
	routeMethodName  = "Route"
)

// Config holds everything needed to bring up a Runtime: the certificate
// this process presents on both the listening and dialing side, timing
// parameters, and pool tuning. There is deliberately no flag-parsing
// surface here — that belongs to the embedding binary's own CLI, out of
// scope for the core.
type Config struct {
	// Cert is presented as both the server certificate (SecureListener)
	// and the client certificate (SecureClient) for mutual TLS.
	Cert tls.Certificate

	ProtocolOptions  exchange.Options
	PoolOptions      transport.PoolOptions
	DialTimeout      time.Duration
	CollectDeadline  time.Duration
	ResponseDeadline time.Duration
}

func (c Config) withDefaults() Config {
	if c.CollectDeadline <= 0 {
		c.CollectDeadline = 30 * time.Second
	}
	if c.ResponseDeadline <= 0 {
		c.ResponseDeadline = 2 * time.Minute
	}
	return c
}

// Runtime is the per-process bidirectional RPC runtime: it can accept
// inbound connections, dial out, and maintain outbound polling
// connections, all while dispatching the same request/response traffic
// through a single route table and trust set.
type Runtime struct {
	cfg     Config
	invoker proxy.ServiceInvoker
	client  *transport.Client

	mu        sync.Mutex
	trust     map[string]bool
	routes    map[string]message.Endpoint
	queues    map[string]*pending.Queue
	listeners []*transport.Listener
	pollers   []*polling.Client
	closed    bool
}

// New builds a Runtime. invoker is consulted for every request this
// process must handle locally; it is an opaque collaborator (the
// service-type-to-invocation reflection mechanism is out of scope for the
// core — see proxy.Registry for a reference implementation good enough
// to exercise the end-to-end tests).
func New(cfg Config, invoker proxy.ServiceInvoker) *Runtime {
	cfg = cfg.withDefaults()
	rt := &Runtime{
		cfg:     cfg,
		invoker: invoker,
		trust:   make(map[string]bool),
		routes:  make(map[string]message.Endpoint),
		queues:  make(map[string]*pending.Queue),
	}
	rt.client = transport.NewClient(transport.ClientOptions{
		ClientCert:      cfg.Cert,
		DialTimeout:     cfg.DialTimeout,
		ProtocolOptions: cfg.ProtocolOptions,
		PoolOptions:     cfg.PoolOptions,
	})
	return rt
}

// Listen binds address (host:port, port 0 for any free port), returning
// the bound port. Every accepted, trusted peer is serviced through this
// Runtime's HandleIncomingRequest and queue map.
func (rt *Runtime) Listen(ctx context.Context, address string) (int, error) {
	ln := transport.NewListener(transport.ListenerOptions{
		Address:          address,
		ServerCert:       rt.cfg.Cert,
		VerifyThumbprint: rt.isTrusted,
		ProtocolOptions:  rt.cfg.ProtocolOptions,
	}, func(ctx context.Context, p *exchange.Protocol) {
		if err := p.ExchangeAsServer(ctx, rt.asHandler, rt.lookupQueue); err != nil {
			halog.From(ctx).Debugw("exchange ended", "error", err)
		}
	})
	port, err := ln.Start(ctx)
	if err != nil {
		return 0, err
	}
	rt.mu.Lock()
	rt.listeners = append(rt.listeners, ln)
	rt.mu.Unlock()
	return port, nil
}

// Trust adds thumbprint to the set of certificates authorized to connect
// inbound. Trust is additive and live: there is no untrust operation in
// the core.
func (rt *Runtime) Trust(thumbprint string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.trust[strings.ToUpper(thumbprint)] = true
}

func (rt *Runtime) isTrusted(thumbprint string) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.trust[strings.ToUpper(thumbprint)]
}

// Poll starts a PollingClient maintaining an outbound connection to
// endpoint, identified as poll://subscription (a subscription already in
// that form is used as is), so that requests routed to
// poll://subscription elsewhere in the mesh reach this process even
// though this process cannot be dialed directly.
func (rt *Runtime) Poll(ctx context.Context, subscription string, endpoint message.Endpoint) {
	subscriptionURI := subscription
	if !strings.HasPrefix(subscriptionURI, message.SchemePoll+"://") {
		subscriptionURI = message.SchemePoll + "://" + subscriptionURI
	}
	pc := polling.New(subscriptionURI, endpoint, rt.client, rt.asHandler, rt.lookupQueue)
	pc.Start(ctx)
	rt.mu.Lock()
	rt.pollers = append(rt.pollers, pc)
	rt.mu.Unlock()
}

// Route adds an additive, first-writer-wins routing entry: outgoing
// requests whose destination is to are rewrapped in a Router.Route call
// sent to via instead.
func (rt *Runtime) Route(to, via message.Endpoint) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if _, exists := rt.routes[to.BaseURI()]; !exists {
		rt.routes[to.BaseURI()] = via
	}
}

// CreateClient returns a typed proxy client for serviceName at endpoint,
// the hand-written stand-in for the teacher's generated interface proxy
// (spec design notes: realize via codegen, macro, or an explicit
// hand-written client — this module takes the third option, with Go
// generics filling in for the typed return value at the call site via
// proxy.Invoke).
func (rt *Runtime) CreateClient(endpoint message.Endpoint, serviceName string) *proxy.Client {
	return proxy.NewClient(rt, endpoint, serviceName)
}

// EndpointMetadata is the result of Discover.
type EndpointMetadata struct {
	Endpoint message.Endpoint
}

// Discover opens a short TLS session to uri and reads the remote
// certificate's thumbprint, without exchanging any envelope.
func (rt *Runtime) Discover(ctx context.Context, uri string) (EndpointMetadata, error) {
	meta, err := discover(ctx, rt.cfg.Cert, uri, rt.cfg.DialTimeout)
	return meta, err
}

// Dispose rejects new outgoing calls immediately, cancels every call
// already parked in a pending.Queue wait with a shutting-down error
// rather than letting it run out its own collection/response deadline,
// and releases every listener, polling client, and pooled connection.
// A panic raised while disposing any listener is recovered and reported
// in the returned error, all of them and not just the first; polling
// clients and the pool report no teardown errors.
func (rt *Runtime) Dispose() error {
	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		return nil
	}
	rt.closed = true
	listeners := rt.listeners
	pollers := rt.pollers
	queues := rt.queues
	rt.listeners = nil
	rt.pollers = nil
	rt.mu.Unlock()

	// Every caller still parked in a pending.Queue.QueueAndWait — whether
	// still waiting to be collected or already claimed and awaiting a
	// response — is unblocked with ErrShuttingDown rather than left to run
	// out its own collection/response deadline.
	for uri, q := range queues {
		q.Cancel(herrors.Transport(uri, true, herrors.ErrShuttingDown))
	}

	var result *multierror.Error
	for _, ln := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					result = multierror.Append(result, fmt.Errorf("listener dispose panic: %v", r))
				}
			}()
			ln.Dispose()
		}()
	}
	for _, pc := range pollers {
		pc.Dispose()
	}
	rt.client.Dispose()
	return result.ErrorOrNil()
}

func (rt *Runtime) isClosed() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.closed
}

// getOrCreateQueue implements the queue map's get-or-insert contract:
// concurrent lookups for the same subscription URI are idempotent and
// share one queue.
func (rt *Runtime) getOrCreateQueue(subscriptionURI string) *pending.Queue {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	q, ok := rt.queues[subscriptionURI]
	if !ok {
		q = pending.NewQueue()
		rt.queues[subscriptionURI] = q
	}
	return q
}

func (rt *Runtime) lookupQueue(subscriptionURI string) exchange.Queue {
	return rt.getOrCreateQueue(subscriptionURI)
}

func (rt *Runtime) asHandler(ctx context.Context, req *message.RequestMessage) *message.ResponseMessage {
	return rt.HandleIncomingRequest(ctx, req)
}

// SendOutgoingRequest is the outgoing half of the dispatcher: it rewrites
// the destination per the route table, then dispatches by scheme.
func (rt *Runtime) SendOutgoingRequest(ctx context.Context, req *message.RequestMessage) (*message.ResponseMessage, error) {
	if rt.isClosed() {
		return nil, herrors.Transport(req.Destination.BaseURI(), true, herrors.ErrShuttingDown)
	}

	toSend := req
	rt.mu.Lock()
	via, routed := rt.routes[req.Destination.BaseURI()]
	rt.mu.Unlock()
	if routed {
		toSend = message.NewRequestMessage(req.ActivityID, via, routeServiceName, routeMethodName, []any{req})
	}

	scheme, err := schemeOf(toSend.Destination.BaseURI())
	if err != nil {
		return nil, herrors.Configuration(err)
	}

	switch scheme {
	case message.SchemeHTTPS:
		return rt.sendHTTPS(ctx, toSend)
	case message.SchemePoll:
		q := rt.getOrCreateQueue(toSend.Destination.BaseURI())
		return q.QueueAndWait(ctx, toSend, rt.cfg.CollectDeadline, rt.cfg.ResponseDeadline)
	default:
		return nil, herrors.Configuration(fmt.Errorf("%w: %q", herrors.ErrUnknownScheme, scheme))
	}
}

func (rt *Runtime) sendHTTPS(ctx context.Context, req *message.RequestMessage) (*message.ResponseMessage, error) {
	ident := message.Identification{Role: message.RoleClient}
	var resp *message.ResponseMessage
	err := rt.client.ExecuteTransaction(ctx, req.Destination, ident, func(ctx context.Context, p *exchange.Protocol) error {
		r, err := p.ExchangeAsClient(ctx, req)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// HandleIncomingRequest is the inbound half of the dispatcher: it unwraps
// a Router.Route call exactly once, consulting the route table only on
// the original destination (never the via) to prevent loops, then either
// forwards or invokes locally.
func (rt *Runtime) HandleIncomingRequest(ctx context.Context, req *message.RequestMessage) *message.ResponseMessage {
	if req.ServiceName == routeServiceName && req.MethodName == routeMethodName {
		if len(req.Params) != 1 {
			return message.NewErrorResponse(req.RequestID, "Router.Route requires exactly one argument", "")
		}
		original, ok := message.ParamToRequestMessage(req.Params[0])
		if !ok {
			return message.NewErrorResponse(req.RequestID, "Router.Route argument is not a RequestMessage", "")
		}
		rt.mu.Lock()
		_, routed := rt.routes[original.Destination.BaseURI()]
		rt.mu.Unlock()
		if routed {
			resp, err := rt.SendOutgoingRequest(ctx, original)
			if err != nil {
				return message.NewErrorResponse(req.RequestID, err.Error(), "")
			}
			return rekey(req.RequestID, resp)
		}
		return rekey(req.RequestID, rt.invokeLocal(ctx, original))
	}
	return rt.invokeLocal(ctx, req)
}

func rekey(requestID string, resp *message.ResponseMessage) *message.ResponseMessage {
	out := *resp
	out.RequestID = requestID
	return &out
}

func (rt *Runtime) invokeLocal(ctx context.Context, req *message.RequestMessage) *message.ResponseMessage {
	result, err := rt.invoker.Invoke(ctx, req.ServiceName, req.MethodName, req.Params)
	if err != nil {
		return message.NewErrorResponse(req.RequestID, err.Error(), fmt.Sprintf("at %s.%s", req.ServiceName, req.MethodName))
	}
	return message.NewResultResponse(req.RequestID, result)
}

func schemeOf(baseURI string) (string, error) {
	u, err := url.Parse(baseURI)
	if err != nil {
		return "", fmt.Errorf("parsing endpoint uri %q: %w", baseURI, err)
	}
	if u.Scheme == "" {
		return "", fmt.Errorf("%w: endpoint uri %q has no scheme", herrors.ErrUnknownScheme, baseURI)
	}
	return u.Scheme, nil
}
