// Package server is the serving side of the protocol: a UDP listener that
// answers searches and sends beacons, and an acceptor that runs validated
// sessions against a Backend.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/danmuck/pvagate/internal/auth"
	"github.com/danmuck/pvagate/internal/clock"
	"github.com/danmuck/pvagate/internal/logging"
	"github.com/danmuck/pvagate/internal/netutil"
	"github.com/danmuck/pvagate/internal/protocol"
	"github.com/danmuck/pvagate/internal/settings"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

type Option func(*Server)

func WithServerClock(c clock.Clock) Option     { return func(s *Server) { s.clock = c } }
func WithServerLogger(l zerolog.Logger) Option { return func(s *Server) { s.logger = l } }
func WithAuthPolicy(p auth.Policy) Option      { return func(s *Server) { s.policy = &p } }

// Info is a snapshot for status reporting.
type Info struct {
	GUID        string     `json:"guid"`
	TCP         string     `json:"tcp"`
	TLS         string     `json:"tls,omitempty"`
	Search      string     `json:"search,omitempty"`
	Started     time.Time  `json:"started"`
	Connections []ConnInfo `json:"connections"`
}

// Server composes the search listener, beacon sender and acceptors.
type Server struct {
	settings *settings.Settings
	backend  Backend
	guid     uuid.UUID
	clock    clock.Clock
	logger   zerolog.Logger
	policy   *auth.Policy

	mu       sync.Mutex
	started  time.Time
	tcp      net.Listener
	tls      net.Listener
	udp      *net.UDPConn
	acceptor *Acceptor
	beacons  *BeaconSender
	listener *Listener
}

func New(s *settings.Settings, backend Backend, opts ...Option) *Server {
	srv := &Server{
		settings: s,
		backend:  backend,
		guid:     uuid.New(),
		clock:    clock.Real{},
		logger:   logging.For("server"),
	}
	for _, opt := range opts {
		opt(srv)
	}
	return srv
}

func (srv *Server) GUID() uuid.UUID { return srv.guid }

// Listen binds every socket. A TCP bind failure is fatal; the TLS and UDP
// paths are disabled with a log line when they cannot be opened.
func (srv *Server) Listen(ctx context.Context) error {
	s := srv.settings
	host := bindHost(s.IntfAddrList)

	var lc net.ListenConfig
	tcp, err := lc.Listen(ctx, "tcp", netip.AddrPortFrom(host, s.ServerPort).String())
	if err != nil {
		return fmt.Errorf("server: listen tcp: %w", err)
	}
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.tcp = tcp

	if tcfg := s.TLS(); tcfg.CertFile != "" {
		cfg, err := tcfg.ServerTLS()
		if err != nil {
			srv.logger.Error().Err(fmt.Errorf("%w: %w", protocol.ErrConfig, err)).Msg("tls acceptor disabled")
		} else if ln, err := lc.Listen(ctx, "tcp", netip.AddrPortFrom(host, s.TLSPort).String()); err != nil {
			srv.logger.Error().Err(err).Msg("tls acceptor disabled")
		} else {
			srv.tls = tls.NewListener(ln, cfg)
		}
	}

	udp, err := netutil.ListenUDP(ctx, netip.AddrPortFrom(host, s.ServerBroadcastPort), true)
	if err != nil {
		srv.logger.Error().Err(err).Msg("search listener disabled")
	} else {
		srv.udp = udp
		if group, err := netip.ParseAddr(s.MulticastGroup); err == nil {
			if err := netutil.JoinGroup(udp, group); err != nil {
				srv.logger.Warn().Err(err).Msg("multicast search disabled")
			}
		}
	}

	id := Identity{GUID: srv.guid, TCPPort: portOf(srv.tcp)}
	if srv.tls != nil {
		id.TLSPort = portOf(srv.tls)
	}
	if !host.IsUnspecified() {
		id.Addr = host
	}
	policy := auth.DefaultPolicy(srv.tls != nil)
	if srv.policy != nil {
		policy = *srv.policy
	}
	srv.acceptor = NewAcceptor(s.Session(), srv.backend, id, WithPolicy(policy))
	srv.listener = NewListener(id, srv.backend)
	srv.beacons = NewBeaconSender(BeaconConfig{
		Period:       s.BeaconPeriod,
		FastPeriod:   s.BeaconFastPeriod,
		FastDuration: s.BeaconFastDuration,
		Destinations: srv.beaconDestinations(ctx),
	}, id, srv.clock)
	if mb, ok := srv.backend.(*MemoryBackend); ok {
		mb.OnChange(srv.beacons.Changed)
		mb.OnDelete(func(name string) { srv.acceptor.DropChannel(name) })
	}
	return nil
}

func (srv *Server) beaconDestinations(ctx context.Context) []netip.AddrPort {
	s := srv.settings
	out := netutil.ResolveAddrList(ctx, s.AddrList, s.BroadcastPort, s.EnableIPv6, srv.logger)
	if s.AutoAddrList {
		out = append(out, netutil.AutoAddrList(s.BroadcastPort)...)
		if group, err := netip.ParseAddr(s.MulticastGroup); err == nil && group.IsMulticast() {
			out = append(out, netip.AddrPortFrom(group, s.BroadcastPort))
		}
	}
	return out
}

// Run serves until ctx is done. Listen is called first when needed.
func (srv *Server) Run(ctx context.Context) error {
	srv.mu.Lock()
	bound := srv.tcp != nil
	srv.mu.Unlock()
	if !bound {
		if err := srv.Listen(ctx); err != nil {
			return err
		}
	}

	srv.mu.Lock()
	srv.started = srv.clock.Now()
	tcp, tlsLn, udp := srv.tcp, srv.tls, srv.udp
	srv.mu.Unlock()

	srv.logger.Info().Str("guid", srv.guid.String()).Str("tcp", tcp.Addr().String()).Msg("server running")
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.acceptor.Serve(gctx, tcp) })
	if tlsLn != nil {
		g.Go(func() error { return srv.acceptor.Serve(gctx, tlsLn) })
	}
	if udp != nil {
		g.Go(func() error { return srv.listener.Serve(gctx, udp) })
		g.Go(func() error { return srv.beacons.Run(gctx, udp) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (srv *Server) Info() Info {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	info := Info{GUID: srv.guid.String(), Started: srv.started}
	if srv.tcp != nil {
		info.TCP = srv.tcp.Addr().String()
	}
	if srv.tls != nil {
		info.TLS = srv.tls.Addr().String()
	}
	if srv.udp != nil {
		info.Search = srv.udp.LocalAddr().String()
	}
	if srv.acceptor != nil {
		info.Connections = srv.acceptor.Connections()
	}
	return info
}

// TCPAddr is the bound session address, valid after Listen.
func (srv *Server) TCPAddr() netip.AddrPort {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.tcp == nil {
		return netip.AddrPort{}
	}
	return addrPortOf(srv.tcp.Addr())
}

// SearchAddr is the bound UDP search address, valid after Listen.
func (srv *Server) SearchAddr() netip.AddrPort {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.udp == nil {
		return netip.AddrPort{}
	}
	return netutil.LocalAddr(srv.udp)
}

func bindHost(list []string) netip.Addr {
	for _, entry := range list {
		if a, err := netip.ParseAddr(entry); err == nil {
			return a
		}
	}
	return netip.IPv4Unspecified()
}

func portOf(ln net.Listener) uint16 { return addrPortOf(ln.Addr()).Port() }

func addrPortOf(a net.Addr) netip.AddrPort {
	if tcp, ok := a.(*net.TCPAddr); ok {
		return tcp.AddrPort()
	}
	ap, _ := netip.ParseAddrPort(a.String())
	return ap
}
