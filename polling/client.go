// Package polling implements PollingClient: the supervisory loop that
// maintains an outbound TLS connection identified as MX-SUBSCRIBER so a
// host behind a firewall can still serve RPC requests driven by the
// other side.
package polling

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v3"

	"github.com/jmptrader/halibut/exchange"
	"github.com/jmptrader/halibut/internal/halog"
	"github.com/jmptrader/halibut/message"
	"github.com/jmptrader/halibut/transport"
)

// Client repeatedly dials endpoint identifying as the given subscription,
// and serves requests delivered over that connection until Dispose.
type Client struct {
	subscriptionURI string
	endpoint        message.Endpoint
	transport       *transport.Client
	handler         exchange.Handler
	lookup          exchange.QueueLookup

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a polling Client. handler services requests the remote side
// pushes over the connection; lookup resolves pending queues for requests
// this side wants to push (used only by the listener side of other
// connections, but threaded through here so the same Handler/QueueLookup
// pair can be shared with a co-located listener).
func New(subscriptionURI string, endpoint message.Endpoint, tc *transport.Client, handler exchange.Handler, lookup exchange.QueueLookup) *Client {
	return &Client{
		subscriptionURI: subscriptionURI,
		endpoint:        endpoint,
		transport:       tc,
		handler:         handler,
		lookup:          lookup,
	}
}

// Start begins the supervisory loop in the background.
func (c *Client) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run(ctx)
}

func (c *Client) run(ctx context.Context) {
	defer c.wg.Done()
	log := halog.From(ctx)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0 // retry until disposed

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := c.cycle(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			b.Reset()
			continue
		}

		delay := b.NextBackOff()
		log.Warnw("polling cycle failed, backing off", "subscription", c.subscriptionURI, "error", err, "delay", delay)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

func (c *Client) cycle(ctx context.Context) error {
	ident := message.Identification{Role: message.RoleSubscriber, SubscriptionURI: c.subscriptionURI}
	return c.transport.ExecuteTransaction(ctx, c.endpoint, ident, func(ctx context.Context, p *exchange.Protocol) error {
		// Cancelling ctx closes the connection, so a loop blocked waiting
		// for the next request returns and Dispose can finish.
		stop := context.AfterFunc(ctx, func() { p.Close() })
		defer stop()
		return p.ExchangeAsServer(ctx, c.handler, c.lookup)
	})
}

// Dispose stops the supervisory loop and waits for it to exit.
func (c *Client) Dispose() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}
