// Package transport owns client sessions: one TCP or TLS connection per
// server endpoint, shared by every channel hosted there.
package transport

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/danmuck/pvagate/internal/auth"
	"github.com/danmuck/pvagate/internal/protocol"
)

// Endpoint identifies one reachable server. It is comparable and used as a
// map key.
type Endpoint struct {
	Addr netip.AddrPort
	TLS  bool
}

func (e Endpoint) String() string {
	if e.TLS {
		return "tls://" + e.Addr.String()
	}
	return "tcp://" + e.Addr.String()
}

// EndpointFor maps a search reply's protocol onto an endpoint.
func EndpointFor(addr netip.AddrPort, proto string) Endpoint {
	return Endpoint{Addr: addr, TLS: proto == protocol.ProtocolTLS}
}

var (
	ErrConnectionLost = fmt.Errorf("transport: %w", protocol.ErrConnectionLost)
	ErrHandshake      = fmt.Errorf("transport: %w", protocol.ErrHandshake)
	// ErrPeerCertRequired closes a session whose server cannot prove its
	// identity by certificate.
	ErrPeerCertRequired = fmt.Errorf("%w: %w", ErrHandshake, auth.ErrPeerCertRequired)
	ErrSessionClosed    = fmt.Errorf("transport: session closed: %w", protocol.ErrConnectionLost)
	ErrManagerClosed    = errors.New("transport: manager closed")
	ErrIDsExhausted     = errors.New("transport: no free request ids")
)
