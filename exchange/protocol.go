// Package exchange implements MessageExchangeProtocol, the per-connection
// state machine that identifies a peer and then exchanges request/response
// pairs over a single long-lived, length-framed duplex stream.
//
// A connection is NEW until exactly one identification frame has been
// exchanged; afterward it is IDLE, and becomes busy for the duration of a
// single request/response pair before returning to IDLE. Role is
// determined by the identification frame, not by which side dialed: a
// polling client identifies as MX-SUBSCRIBER but, on its own side of the
// wire, still serves requests pushed to it exactly like a normal server
// would (ExchangeAsServer); the roles only invert on the listener's side
// of a subscriber connection, which pulls pending requests from a queue
// and drives them the way a client would (ExchangeAsClient).
package exchange

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/jmptrader/halibut/internal/halog"
	"github.com/jmptrader/halibut/internal/herrors"
	"github.com/jmptrader/halibut/message"
)

// State is the connection's position in the MessageExchangeProtocol state
// machine.
type State int

const (
	StateNew State = iota
	StateIdle
	StateBusy
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateIdle:
		return "IDLE"
	case StateBusy:
		return "BUSY"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// conn is the minimal surface a transport stream must offer: the
// io.ReadWriteCloser needed to frame messages, plus deadline control so
// reads can be bounded by IdleTimeout. net.Conn satisfies it directly.
type conn interface {
	io.Reader
	io.Writer
	io.Closer
	SetDeadline(t time.Time) error
}

// PendingRequest is the minimal view ExchangeAsServer's inverted loop
// needs of a pending.Queue entry: the request to deliver, and a way to
// complete it once a response arrives. pending.PendingRequest satisfies
// this structurally; exchange never imports the pending package.
type PendingRequest interface {
	Request() *message.RequestMessage
	Complete(resp *message.ResponseMessage)
}

// Queue is the minimal view of a pending.Queue that the inverted server
// loop needs.
type Queue interface {
	Dequeue(ctx context.Context, maxWait time.Duration) (PendingRequest, bool)
}

// QueueLookup resolves a subscription URI to its queue, lazily creating
// one if this is the first reference, per the queue map's get-or-insert
// contract.
type QueueLookup func(subscriptionURI string) Queue

// Handler services one inbound request and produces its response; it
// never returns an error directly — a handler failure is reported as an
// error ResponseMessage so the connection can stay IDLE.
type Handler func(ctx context.Context, req *message.RequestMessage) *message.ResponseMessage

// Options tunes timing behavior not fixed by the wire protocol itself.
type Options struct {
	// IdleTimeout bounds how long ExchangeAsServer waits for the next
	// request before returning cleanly; the connection is closed and this
	// loop exits. Zero means wait indefinitely.
	IdleTimeout time.Duration
	// DequeueGrace bounds each individual poll of the pending queue in
	// the inverted loop; the loop retries until IdleTimeout or the
	// context is cancelled.
	DequeueGrace time.Duration
}

func (o Options) withDefaults() Options {
	if o.DequeueGrace <= 0 {
		o.DequeueGrace = 5 * time.Second
	}
	return o
}

// Protocol is one connection's MessageExchangeProtocol instance.
type Protocol struct {
	c    conn
	r    *bufio.Reader
	w    *bufio.Writer
	opts Options

	isListener bool
	peerIdent  message.Identification
	selfIdent  message.Identification

	mu    sync.Mutex
	state State
}

// Dial wraps a freshly connected stream as the dialing side, sending the
// identification frame immediately. The stream must not have had any
// bytes read or written yet.
func Dial(c net.Conn, id message.Identification, opts Options) (*Protocol, error) {
	p := &Protocol{
		c:         c,
		r:         bufio.NewReader(c),
		w:         bufio.NewWriter(c),
		opts:      opts.withDefaults(),
		selfIdent: id,
	}
	if err := message.WriteIdentification(p.w, id); err != nil {
		c.Close()
		return nil, herrors.Protocol(err)
	}
	p.state = StateIdle
	return p, nil
}

// Accept wraps an accepted stream as the listening side, reading the
// identification frame sent by the peer.
func Accept(c net.Conn, opts Options) (*Protocol, error) {
	p := &Protocol{
		c:          c,
		r:          bufio.NewReader(c),
		w:          bufio.NewWriter(c),
		opts:       opts.withDefaults(),
		isListener: true,
	}
	id, err := message.ReadIdentification(p.r)
	if err != nil {
		c.Close()
		return nil, herrors.Protocol(err)
	}
	p.peerIdent = id
	p.state = StateIdle
	return p, nil
}

// PeerIdentification returns the identification the listener read from
// its peer. Zero value on the dialing side.
func (p *Protocol) PeerIdentification() message.Identification { return p.peerIdent }

// State reports the connection's current state.
func (p *Protocol) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Close tears down the underlying stream. Safe to call more than once.
func (p *Protocol) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeLocked()
}

func (p *Protocol) closeLocked() error {
	if p.state == StateClosed {
		return nil
	}
	p.state = StateClosed
	return p.c.Close()
}

// ExchangeAsClient sends one request envelope and reads exactly one
// response envelope, leaving the connection IDLE and reusable for the
// next call. It is used by a plain https caller driving its own requests;
// a listener's inverted loop delivering a pending request to a polling
// peer runs the same exchange step (doExchange) directly.
func (p *Protocol) ExchangeAsClient(ctx context.Context, req *message.RequestMessage) (*message.ResponseMessage, error) {
	if err := p.transition(StateIdle, StateBusy); err != nil {
		return nil, err
	}
	resp, err := p.doExchange(ctx, req)
	if err != nil {
		p.mu.Lock()
		p.closeLocked()
		p.mu.Unlock()
		return nil, err
	}
	p.mu.Lock()
	p.state = StateIdle
	p.mu.Unlock()
	return resp, nil
}

func (p *Protocol) doExchange(ctx context.Context, req *message.RequestMessage) (*message.ResponseMessage, error) {
	if dl, ok := ctx.Deadline(); ok {
		p.c.SetDeadline(dl)
		defer p.c.SetDeadline(time.Time{})
	}
	if err := message.WriteRequest(p.w, req); err != nil {
		return nil, herrors.Transport(req.Destination.BaseURI(), true, err)
	}
	if err := p.w.Flush(); err != nil {
		return nil, herrors.Transport(req.Destination.BaseURI(), true, err)
	}
	env, err := message.ReadEnvelope(p.r)
	if err != nil {
		return nil, herrors.Transport(req.Destination.BaseURI(), false, err)
	}
	if env.Response == nil {
		return nil, herrors.Protocol(fmt.Errorf("%w: expected a response envelope", herrors.ErrMalformedEnvelope))
	}
	if env.Response.RequestID != req.RequestID {
		return nil, herrors.Protocol(fmt.Errorf("%w: response for %q does not match request %q", herrors.ErrMalformedEnvelope, env.Response.RequestID, req.RequestID))
	}
	return env.Response, nil
}

// ExchangeAsServer loops servicing the peer until it disconnects or the
// idle deadline elapses. If this side is a listener whose peer identified
// as MX-SUBSCRIBER, the loop inverts: it pulls pending requests from the
// queue resolved via lookup and drives them as a client would.
func (p *Protocol) ExchangeAsServer(ctx context.Context, handler Handler, lookup QueueLookup) error {
	if p.isListener && p.peerIdent.Role == message.RoleSubscriber {
		return p.serveInverted(ctx, lookup)
	}
	return p.serveDirect(ctx, handler)
}

func (p *Protocol) serveDirect(ctx context.Context, handler Handler) error {
	log := halog.From(ctx)
	for {
		if err := p.transition(StateIdle, StateBusy); err != nil {
			return err
		}
		if p.opts.IdleTimeout > 0 {
			p.c.SetDeadline(time.Now().Add(p.opts.IdleTimeout))
		}
		env, err := message.ReadEnvelope(p.r)
		p.c.SetDeadline(time.Time{})
		if err != nil {
			p.mu.Lock()
			p.closeLocked()
			p.mu.Unlock()
			if errors.Is(err, io.EOF) || isTimeout(err) {
				return nil
			}
			return herrors.Transport("", false, err)
		}
		if env.Request == nil {
			p.mu.Lock()
			p.closeLocked()
			p.mu.Unlock()
			return herrors.Protocol(fmt.Errorf("%w: expected a request envelope", herrors.ErrMalformedEnvelope))
		}
		resp := handler(ctx, env.Request)
		if resp == nil {
			resp = message.NewResultResponse(env.Request.RequestID, nil)
		}
		if err := message.WriteResponse(p.w, resp); err != nil {
			p.mu.Lock()
			p.closeLocked()
			p.mu.Unlock()
			return herrors.Transport("", true, err)
		}
		if err := p.w.Flush(); err != nil {
			p.mu.Lock()
			p.closeLocked()
			p.mu.Unlock()
			return herrors.Transport("", true, err)
		}
		log.Debugw("serviced request", "service", env.Request.ServiceName, "method", env.Request.MethodName)
		p.mu.Lock()
		p.state = StateIdle
		p.mu.Unlock()
	}
}

func (p *Protocol) serveInverted(ctx context.Context, lookup QueueLookup) error {
	log := halog.From(ctx)
	q := lookup(p.peerIdent.SubscriptionURI)
	idleSince := time.Now()
	for {
		if p.State() == StateClosed {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		pr, ok := q.Dequeue(ctx, p.opts.DequeueGrace)
		if !ok {
			if p.opts.IdleTimeout > 0 && time.Since(idleSince) >= p.opts.IdleTimeout {
				p.Close()
				return nil
			}
			continue
		}
		req := pr.Request()
		if err := p.transition(StateIdle, StateBusy); err != nil {
			// Connection already gone; Dequeue has already claimed the
			// request, so its caller never gets a response and sees a
			// response timeout instead.
			return err
		}
		resp, err := p.doExchange(ctx, req)
		if err != nil {
			p.mu.Lock()
			p.closeLocked()
			p.mu.Unlock()
			return err
		}
		p.mu.Lock()
		p.state = StateIdle
		p.mu.Unlock()
		log.Debugw("delivered polled request", "service", req.ServiceName, "method", req.MethodName)
		pr.Complete(resp)
		idleSince = time.Now()
	}
}

func (p *Protocol) transition(from, to State) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateClosed {
		return herrors.Protocol(herrors.ErrConnectionClosed)
	}
	if p.state != from {
		return herrors.Protocol(fmt.Errorf("unexpected connection state %s, want %s", p.state, from))
	}
	p.state = to
	return nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
