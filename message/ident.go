package message

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/jmptrader/halibut/internal/herrors"
)

// Role tags carried in the identification frame. RoleClient drives one or
// more request/response pairs; RoleSubscriber is polling and expects the
// server side to invert into serving requests drawn from its queue.
const (
	RoleClient     = "CLIENT"
	RoleSubscriber = "SUBSCRIBER"

	identMagic = "MX-"
)

// Identification is the single frame exchanged at the start of a
// connection, before any envelope: a role tag and, for subscribers, the
// subscription URI they are polling on behalf of.
type Identification struct {
	Role            string
	SubscriptionURI string
}

// WriteIdentification writes the ASCII line-based preamble: "MX-" + role,
// a space, the subscription URI (empty for clients), terminated by a
// newline.
func WriteIdentification(w *bufio.Writer, id Identification) error {
	line := fmt.Sprintf("%s%s %s\n", identMagic, id.Role, id.SubscriptionURI)
	if _, err := w.WriteString(line); err != nil {
		return fmt.Errorf("writing identification frame: %w", err)
	}
	return w.Flush()
}

// ReadIdentification reads and parses the identification frame, rejecting
// anything that does not match the magic-token/role/subscription-uri
// pattern.
func ReadIdentification(r *bufio.Reader) (Identification, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return Identification{}, fmt.Errorf("reading identification frame: %w", err)
	}
	line = strings.TrimSuffix(line, "\n")
	if !strings.HasPrefix(line, identMagic) {
		return Identification{}, fmt.Errorf("%w: missing magic token", herrors.ErrBadIdentification)
	}
	rest := strings.TrimPrefix(line, identMagic)
	parts := strings.SplitN(rest, " ", 2)
	if len(parts) != 2 {
		return Identification{}, fmt.Errorf("%w: %q", herrors.ErrBadIdentification, line)
	}
	role, uri := parts[0], parts[1]
	switch role {
	case RoleClient:
		if uri != "" {
			return Identification{}, fmt.Errorf("%w: client must not carry a subscription uri", herrors.ErrBadIdentification)
		}
	case RoleSubscriber:
		if uri == "" {
			return Identification{}, fmt.Errorf("%w: subscriber missing subscription uri", herrors.ErrBadIdentification)
		}
	default:
		return Identification{}, fmt.Errorf("%w: unknown role %q", herrors.ErrBadIdentification, role)
	}
	return Identification{Role: role, SubscriptionURI: uri}, nil
}
