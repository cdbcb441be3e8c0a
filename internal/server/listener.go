package server

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"net/netip"
	"slices"

	"github.com/danmuck/pvagate/internal/logging"
	"github.com/danmuck/pvagate/internal/observability"
	"github.com/danmuck/pvagate/internal/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Identity is what a server advertises about itself in search replies and
// beacons.
type Identity struct {
	GUID uuid.UUID
	// Addr is the advertised address. The unspecified address tells the
	// client to use the sender's address.
	Addr    netip.Addr
	TCPPort uint16
	// TLSPort is zero when the server has no TLS acceptor.
	TLSPort uint16
}

// endpoint picks the port to advertise for the protocols a client accepts.
func (id Identity) endpoint(protocols []string) (netip.AddrPort, string) {
	addr := id.Addr
	if !addr.IsValid() {
		addr = netip.IPv4Unspecified()
	}
	if id.TLSPort != 0 && slices.Contains(protocols, protocol.ProtocolTLS) {
		return netip.AddrPortFrom(addr, id.TLSPort), protocol.ProtocolTLS
	}
	return netip.AddrPortFrom(addr, id.TCPPort), protocol.ProtocolTCP
}

// answer builds the reply to req. It reports false when there is nothing
// to say: none of the names are served and no reply was demanded.
func answer(id Identity, backend Backend, req protocol.SearchRequest) (protocol.SearchReply, bool) {
	server, proto := id.endpoint(req.Protocols)
	reply := protocol.SearchReply{GUID: id.GUID, Sequence: req.Sequence, Server: server, Protocol: proto}
	if req.IsServerList() {
		reply.Found = true
		return reply, true
	}
	for _, ch := range req.Channels {
		if backend.Has(ch.Name) {
			reply.IDs = append(reply.IDs, ch.ID)
		}
	}
	reply.Found = len(reply.IDs) > 0
	if !reply.Found && req.Flags&protocol.SearchReplyRequired == 0 {
		return reply, false
	}
	return reply, true
}

// Listener answers UDP search requests for the names the backend serves.
type Listener struct {
	id      Identity
	backend Backend
	logger  zerolog.Logger
	order   binary.ByteOrder
}

func NewListener(id Identity, backend Backend) *Listener {
	return &Listener{id: id, backend: backend, logger: logging.For("listener"), order: binary.LittleEndian}
}

// Serve reads search datagrams from conn until ctx is done, replying
// through the same socket.
func (l *Listener) Serve(ctx context.Context, conn *net.UDPConn) error {
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	buf := make([]byte, 64*1024)
	for {
		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			l.logger.Warn().Err(err).Msg("search read failed")
			continue
		}
		for _, out := range l.handleDatagram(buf[:n], from) {
			if _, err := conn.WriteToUDPAddrPort(out.payload, out.to); err != nil {
				l.logger.Debug().Err(err).Str("to", out.to.String()).Msg("search reply not sent")
			}
		}
	}
}

type datagram struct {
	to      netip.AddrPort
	payload []byte
}

// handleDatagram decodes every search request in b and returns the replies
// to send. An unspecified response address means the sender's.
func (l *Listener) handleDatagram(b []byte, from netip.AddrPort) []datagram {
	msgs, _, err := protocol.DecodeDatagram(b)
	if err != nil && len(msgs) == 0 {
		l.logger.Debug().Err(err).Str("from", from.String()).Msg("undecodable search datagram")
		return nil
	}
	var out []datagram
	for _, msg := range msgs {
		req, ok := msg.(protocol.SearchRequest)
		if !ok {
			continue
		}
		reply, ok := answer(l.id, l.backend, req)
		if !ok {
			continue
		}
		to := req.Response
		if !to.Addr().IsValid() || to.Addr().IsUnspecified() {
			to = netip.AddrPortFrom(from.Addr().Unmap(), to.Port())
		}
		if to.Port() == 0 {
			to = netip.AddrPortFrom(to.Addr(), from.Port())
		}
		observability.RecordSearchReply("sent")
		out = append(out, datagram{to: to, payload: protocol.Encode(reply, l.order, true)})
	}
	return out
}
