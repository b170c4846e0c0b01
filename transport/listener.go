package transport

import (
	"context"
	"crypto/tls"
	"net"
	"sync"

	"github.com/jmptrader/halibut/exchange"
	"github.com/jmptrader/halibut/internal/halog"
	"github.com/jmptrader/halibut/internal/herrors"
)

// VerifyThumbprint is called once per accepted TLS connection with the
// peer's thumbprint in uppercase hex; returning false closes the
// connection before any envelope is read.
type VerifyThumbprint func(thumbprint string) bool

// ListenerHandler drives a freshly identified protocol instance, typically
// by calling its ExchangeAsServer.
type ListenerHandler func(ctx context.Context, p *exchange.Protocol)

// ListenerOptions configures a Listener's bind address, server identity,
// and trust predicate.
type ListenerOptions struct {
	// Address is host:port to bind; port 0 picks any free port.
	Address          string
	ServerCert       tls.Certificate
	VerifyThumbprint VerifyThumbprint
	ProtocolOptions  exchange.Options
}

// Listener binds a TCP endpoint, performs mutually-authenticated TLS, and
// gates each peer on VerifyThumbprint before handing its stream to the
// core message exchange protocol.
type Listener struct {
	opts    ListenerOptions
	handler ListenerHandler

	mu      sync.Mutex
	ln      net.Listener
	conns   map[net.Conn]struct{}
	closing bool
	wg      sync.WaitGroup
}

// NewListener builds a Listener that invokes handler for every trusted,
// identified peer.
func NewListener(opts ListenerOptions, handler ListenerHandler) *Listener {
	return &Listener{opts: opts, handler: handler, conns: make(map[net.Conn]struct{})}
}

// Start binds the listener and begins accepting in the background,
// returning the bound port (useful when Address specifies port 0).
func (l *Listener) Start(ctx context.Context) (int, error) {
	tcpLn, err := net.Listen("tcp", l.opts.Address)
	if err != nil {
		return 0, herrors.Configuration(err)
	}
	tlsLn := tls.NewListener(tcpLn, &tls.Config{
		Certificates: []tls.Certificate{l.opts.ServerCert},
		ClientAuth:   tls.RequireAnyClientCert,
	})
	l.mu.Lock()
	l.ln = tlsLn
	l.mu.Unlock()

	l.wg.Add(1)
	go l.acceptLoop(ctx)

	return tcpLn.Addr().(*net.TCPAddr).Port, nil
}

func (l *Listener) acceptLoop(ctx context.Context) {
	defer l.wg.Done()
	log := halog.From(ctx)
	for {
		c, err := l.ln.Accept()
		if err != nil {
			l.mu.Lock()
			closing := l.closing
			l.mu.Unlock()
			if closing {
				return
			}
			log.Warnw("accept failed", "error", err)
			continue
		}
		l.wg.Add(1)
		go l.serve(ctx, c)
	}
}

func (l *Listener) serve(ctx context.Context, c net.Conn) {
	defer l.wg.Done()
	log := halog.From(ctx)

	tlsConn, ok := c.(*tls.Conn)
	if !ok {
		c.Close()
		return
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		log.Debugw("tls handshake failed", "error", err)
		tlsConn.Close()
		return
	}
	thumbprint, err := peerThumbprint(tlsConn.ConnectionState())
	if err != nil {
		log.Warnw("rejecting peer with no certificate", "error", err)
		tlsConn.Close()
		return
	}
	// Invariant: a thumbprint verification failure destroys the
	// connection before any envelope is read.
	if !l.opts.VerifyThumbprint(thumbprint) {
		log.Warnw("rejecting untrusted peer", "thumbprint", thumbprint)
		tlsConn.Close()
		return
	}

	l.trackConn(tlsConn)
	defer l.untrackConn(tlsConn)

	p, err := exchange.Accept(tlsConn, l.opts.ProtocolOptions)
	if err != nil {
		log.Debugw("identification failed", "error", err)
		return
	}
	l.handler(ctx, p)
}

func (l *Listener) trackConn(c net.Conn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.conns[c] = struct{}{}
}

func (l *Listener) untrackConn(c net.Conn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.conns, c)
}

// Dispose stops acceptance and closes every live stream.
func (l *Listener) Dispose() {
	l.mu.Lock()
	l.closing = true
	if l.ln != nil {
		l.ln.Close()
	}
	conns := make([]net.Conn, 0, len(l.conns))
	for c := range l.conns {
		conns = append(conns, c)
	}
	l.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	l.wg.Wait()
}
