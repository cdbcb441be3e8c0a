// Package search resolves channel names to server endpoints. Pending names
// are retried on a ticker with backoff until a reply arrives or the caller
// cancels; there is no "not found" outcome.
package search

import (
	"context"
	"net/netip"
	"time"

	"github.com/danmuck/pvagate/internal/netutil"
	"github.com/danmuck/pvagate/internal/protocol"
	"github.com/danmuck/pvagate/internal/protocol/session"
	"github.com/danmuck/pvagate/internal/settings"
	"github.com/rs/zerolog"
)

type Config struct {
	MinInterval time.Duration
	MaxInterval time.Duration
	Tick        time.Duration
	// TickJitter spreads each tick by this fraction.
	TickJitter float64
	MaxUDPSend int
	// Rate caps datagrams per second across all destinations.
	Rate float64

	Destinations []netip.AddrPort
	Broadcasts   []netip.Addr
	NameServers  []netip.AddrPort
	Protocols    []string
	// ReplyPort is advertised in requests; servers substitute the sender's
	// address for the unspecified host.
	ReplyPort uint16
}

func DefaultConfig() Config {
	return Config{
		MinInterval: 500 * time.Millisecond,
		MaxInterval: 30 * time.Second,
		Tick:        225 * time.Millisecond,
		TickJitter:  0.1,
		MaxUDPSend:  1440,
		Rate:        100,
		Protocols:   []string{protocol.ProtocolTCP},
	}
}

// ConfigFrom expands the address lists in s. Entries that do not resolve
// are logged and skipped.
func ConfigFrom(ctx context.Context, s *settings.Settings, logger zerolog.Logger) Config {
	cfg := DefaultConfig()
	cfg.MinInterval = s.SearchMinInterval
	cfg.MaxInterval = s.SearchMaxInterval
	cfg.Tick = s.SearchTick
	cfg.MaxUDPSend = s.MaxUDPSend
	cfg.Rate = s.SearchRate

	cfg.Destinations = netutil.ResolveAddrList(ctx, s.AddrList, s.BroadcastPort, s.EnableIPv6, logger)
	if s.AutoAddrList {
		cfg.Destinations = append(cfg.Destinations, netutil.AutoAddrList(s.BroadcastPort)...)
		if g, err := netip.ParseAddr(s.MulticastGroup); err == nil && g.IsMulticast() {
			cfg.Destinations = append(cfg.Destinations, netip.AddrPortFrom(g, s.BroadcastPort))
		} else if s.MulticastGroup != "" {
			logger.Warn().Str("group", s.MulticastGroup).Msg("multicast group unusable, skipped")
		}
	}
	cfg.Broadcasts = netutil.BroadcastAddrs()
	cfg.NameServers = netutil.ResolveAddrList(ctx, s.NameServers, s.ServerPort, s.EnableIPv6, logger)
	if s.TLS().Enabled {
		cfg.Protocols = append(cfg.Protocols, protocol.ProtocolTLS)
	}
	if len(cfg.Destinations) == 0 && len(cfg.NameServers) == 0 {
		logger.Error().Err(netutil.ErrNoAddresses).Msg("no search destinations, searches will stay pending")
	}
	return cfg
}

func (c Config) backoff() session.BackoffConfig {
	return session.BackoffConfig{
		InitialDelay: c.MinInterval,
		Multiplier:   2,
		MaxDelay:     c.MaxInterval,
	}
}
