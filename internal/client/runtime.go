package client

import (
	"context"
	"errors"
	"net/netip"
	"os"
	"os/user"

	"github.com/danmuck/pvagate/internal/auth"
	"github.com/danmuck/pvagate/internal/beacon"
	"github.com/danmuck/pvagate/internal/logging"
	"github.com/danmuck/pvagate/internal/netutil"
	"github.com/danmuck/pvagate/internal/protocol"
	"github.com/danmuck/pvagate/internal/search"
	"github.com/danmuck/pvagate/internal/settings"
	"github.com/danmuck/pvagate/internal/transport"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Open builds a client from settings: a search socket, a beacon listener,
// the search engine and the session manager, all running until Close. A
// socket that cannot be opened disables that path and is logged; Open
// fails only when no search socket can be bound.
func Open(ctx context.Context, s *settings.Settings) (*Client, error) {
	logger := logging.For("client")

	conn, err := netutil.ListenUDP(ctx, netip.AddrPortFrom(netip.IPv4Unspecified(), 0), false)
	if err != nil {
		return nil, err
	}
	if err := netutil.SetMulticastTTL(conn, 1); err != nil {
		logger.Debug().Err(err).Msg("multicast ttl not set")
	}

	scfg := search.ConfigFrom(ctx, s, logger)
	scfg.ReplyPort = netutil.LocalAddr(conn).Port()

	sessCfg := s.Session()
	var eng *search.Engine
	mgr := transport.NewManager(sessCfg,
		transport.WithCredentials(credentials(sessCfg.TLS.HasClientCert(), sessCfg.TLS.RequirePeerCert)),
		transport.WithSearchReplies(func(r protocol.SearchReply, from netip.AddrPort) { eng.HandleReply(r, from) }),
	)
	eng = search.New(scfg, conn, search.WithForwarder(mgr))
	tracker := beacon.NewTracker(beacon.ConfigFrom(s))

	c := New(ConfigFrom(s), eng, mgr)
	runCtx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return eng.Run(gctx) })
	g.Go(func() error { return eng.Serve(gctx, conn) })
	g.Go(func() error { return mgr.Run(gctx) })
	g.Go(func() error { return tracker.Run(gctx) })

	bconn, err := netutil.ListenUDP(ctx, netip.AddrPortFrom(netip.IPv4Unspecified(), s.BroadcastPort), true)
	if err != nil {
		logger.Error().Err(err).Msg("beacon listener disabled")
	} else {
		if group, perr := netip.ParseAddr(s.MulticastGroup); perr == nil {
			if err := netutil.JoinGroup(bconn, group); err != nil {
				logger.Warn().Err(err).Msg("beacon multicast disabled")
			}
		}
		g.Go(func() error { return tracker.Serve(gctx, bconn) })
		g.Go(func() error {
			defer bconn.Close()
			return boostOnBeacons(gctx, tracker.Events(), eng, logger)
		})
	}

	c.stop = func() error {
		cancel()
		conn.Close()
		err := g.Wait()
		mgr.Close()
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	return c, nil
}

// boostOnBeacons makes every pending search due whenever a beacon marks a
// new or restarted server.
func boostOnBeacons(ctx context.Context, events <-chan beacon.Event, eng *search.Engine, logger zerolog.Logger) error {
	for {
		select {
		case ev := <-events:
			logger.Debug().Str("server", ev.Record.Addr.String()).Str("reason", string(ev.Reason)).Msg("boosting searches")
			eng.Boost()
		case <-ctx.Done():
			return nil
		}
	}
}

func credentials(hasCert, requirePeer bool) auth.Credentials {
	creds := auth.Credentials{HasCert: hasCert, RequirePeer: requirePeer}
	if u, err := user.Current(); err == nil {
		creds.User = u.Username
	}
	creds.Host, _ = os.Hostname()
	return creds
}
