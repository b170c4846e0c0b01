package transport

import (
	"crypto/sha1" //nolint:gosec // thumbprint, not a signature: matches the conventional X.509 "SHA-1 thumbprint" identity, as Halibut itself uses.
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/jmptrader/halibut/internal/herrors"
)

// Thumbprint computes the uppercase hex SHA-1 hash of a certificate's raw
// DER bytes — the conventional certificate "thumbprint" identity this
// runtime's trust model is built on.
func Thumbprint(cert *tls.Certificate) string {
	sum := sha1.Sum(cert.Certificate[0])
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// peerThumbprint reads the leaf certificate thumbprint from a completed
// TLS connection state.
func peerThumbprint(state tls.ConnectionState) (string, error) {
	if len(state.PeerCertificates) == 0 {
		return "", herrors.Configuration(fmt.Errorf("peer presented no certificate"))
	}
	sum := sha1.Sum(state.PeerCertificates[0].Raw)
	return strings.ToUpper(hex.EncodeToString(sum[:])), nil
}
