// Package transport implements SecureListener and SecureClient: the TLS
// boundary that authenticates peers by certificate thumbprint and hands a
// framed MessageExchangeProtocol stream to the core.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/jmptrader/halibut/exchange"
	"github.com/jmptrader/halibut/internal/halog"
	"github.com/jmptrader/halibut/internal/herrors"
	"github.com/jmptrader/halibut/message"
)

// ClientOptions configures a Client's TLS identity, dial behavior, and
// pooling.
type ClientOptions struct {
	ClientCert      tls.Certificate
	DialTimeout     time.Duration
	ProtocolOptions exchange.Options
	PoolOptions     PoolOptions
}

func (o ClientOptions) withDefaults() ClientOptions {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 15 * time.Second
	}
	return o
}

// Client dials TLS to https endpoints, verifies the remote certificate's
// thumbprint, and reuses connections across calls via its pool.
type Client struct {
	opts ClientOptions
	pool *pool
}

// NewClient builds a Client presenting clientCert for mutual TLS.
func NewClient(opts ClientOptions) *Client {
	opts = opts.withDefaults()
	return &Client{opts: opts, pool: newPool(opts.PoolOptions)}
}

// Work runs against an authenticated, identified protocol instance. It
// must return nil only if the connection is left IDLE and fit to reuse.
type Work func(ctx context.Context, p *exchange.Protocol) error

// ExecuteTransaction takes a pooled connection for endpoint if one is
// ready, otherwise dials and identifies a fresh one, runs work, and
// returns the connection to the pool on clean completion or closes it
// otherwise.
func (c *Client) ExecuteTransaction(ctx context.Context, endpoint message.Endpoint, ident message.Identification, work Work) error {
	if p, ok := c.pool.take(endpoint.BaseURI()); ok {
		if err := work(ctx, p); err != nil {
			p.Close()
			return err
		}
		c.pool.put(endpoint.BaseURI(), p)
		return nil
	}

	release, err := c.pool.acquireSlot(ctx, endpoint.BaseURI())
	if err != nil {
		return err
	}
	defer release()

	p, err := c.dialAndIdentify(ctx, endpoint, ident)
	if err != nil {
		return err
	}
	if err := work(ctx, p); err != nil {
		p.Close()
		return err
	}
	c.pool.put(endpoint.BaseURI(), p)
	return nil
}

func (c *Client) dialAndIdentify(ctx context.Context, endpoint message.Endpoint, ident message.Identification) (*exchange.Protocol, error) {
	host, err := hostPort(endpoint.BaseURI())
	if err != nil {
		return nil, herrors.Configuration(err)
	}
	dialer := &net.Dialer{Timeout: c.opts.DialTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()
	raw, err := dialer.DialContext(dialCtx, "tcp", host)
	if err != nil {
		return nil, herrors.Transport(endpoint.BaseURI(), true, err)
	}
	tlsConn := tls.Client(raw, &tls.Config{
		Certificates:       []tls.Certificate{c.opts.ClientCert},
		InsecureSkipVerify: true, // trust is established by thumbprint comparison below, not a CA chain
		ServerName:         serverName(host),
	})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, herrors.Transport(endpoint.BaseURI(), true, err)
	}
	thumbprint, err := peerThumbprint(tlsConn.ConnectionState())
	if err != nil {
		tlsConn.Close()
		return nil, herrors.Transport(endpoint.BaseURI(), true, err)
	}
	if thumbprint != endpoint.Thumbprint() {
		tlsConn.Close()
		return nil, herrors.Transport(endpoint.BaseURI(), true, herrors.ErrThumbprintMismatch)
	}
	p, err := exchange.Dial(tlsConn, ident, c.opts.ProtocolOptions)
	if err != nil {
		return nil, herrors.Transport(endpoint.BaseURI(), false, err)
	}
	halog.From(ctx).Debugw("dialed endpoint", "endpoint", endpoint.BaseURI(), "role", ident.Role)
	return p, nil
}

// Dispose closes every idle pooled connection. In-flight transactions are
// not interrupted; callers cancel those via context.
func (c *Client) Dispose() {
	c.pool.closeAll()
}

func hostPort(baseURI string) (string, error) {
	u, err := url.Parse(baseURI)
	if err != nil {
		return "", fmt.Errorf("parsing endpoint uri %q: %w", baseURI, err)
	}
	if u.Scheme != message.SchemeHTTPS {
		return "", fmt.Errorf("%w: %q", herrors.ErrUnknownScheme, u.Scheme)
	}
	host := u.Host
	if host == "" {
		return "", fmt.Errorf("endpoint uri %q has no host", baseURI)
	}
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, "443")
	}
	return host, nil
}

func serverName(hostport string) string {
	h, _, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport
	}
	return h
}
