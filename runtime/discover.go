package runtime

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/jmptrader/halibut/internal/herrors"
	"github.com/jmptrader/halibut/message"
	"github.com/jmptrader/halibut/transport"
)

// discover opens a short TLS session to uri's host and reads the leaf
// certificate thumbprint, without exchanging a MessageExchangeProtocol
// envelope. Details beyond this are intentionally not part of the core
// (spec open question).
func discover(ctx context.Context, cert tls.Certificate, uri string, timeout time.Duration) (EndpointMetadata, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return EndpointMetadata{}, herrors.Configuration(fmt.Errorf("parsing discovery uri %q: %w", uri, err))
	}
	if u.Scheme != message.SchemeHTTPS {
		return EndpointMetadata{}, herrors.Configuration(fmt.Errorf("%w: %q", herrors.ErrUnknownScheme, u.Scheme))
	}
	host := u.Host
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, "443")
	}

	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := &net.Dialer{}
	raw, err := dialer.DialContext(dialCtx, "tcp", host)
	if err != nil {
		return EndpointMetadata{}, herrors.Transport(uri, true, err)
	}
	defer raw.Close()

	sniHost, _, _ := net.SplitHostPort(host)
	tlsConn := tls.Client(raw, &tls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: true,
		ServerName:         sniHost,
	})
	defer tlsConn.Close()
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return EndpointMetadata{}, herrors.Transport(uri, true, err)
	}

	thumbprint, err := transportPeerThumbprint(tlsConn.ConnectionState())
	if err != nil {
		return EndpointMetadata{}, herrors.Transport(uri, true, err)
	}
	return EndpointMetadata{Endpoint: message.NewEndpoint(uri, thumbprint)}, nil
}

// transportPeerThumbprint mirrors transport.Thumbprint's extraction logic
// for a completed connection; duplicated narrowly here because transport
// does not export its connection-state helper.
func transportPeerThumbprint(state tls.ConnectionState) (string, error) {
	if len(state.PeerCertificates) == 0 {
		return "", fmt.Errorf("peer presented no certificate")
	}
	return transport.Thumbprint(&tls.Certificate{Certificate: [][]byte{state.PeerCertificates[0].Raw}}), nil
}
