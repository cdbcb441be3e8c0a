package netutil

import (
	"context"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"go4.org/netipx"
)

var limitedBroadcast = netip.AddrFrom4([4]byte{255, 255, 255, 255})

// ResolveAddrList turns "host[:port]" entries into endpoints. Entries that
// do not resolve are logged and skipped so the remaining paths keep working.
func ResolveAddrList(ctx context.Context, entries []string, defaultPort uint16, ipv6 bool, logger zerolog.Logger) []netip.AddrPort {
	var out []netip.AddrPort
	for _, entry := range entries {
		host, port := splitHostPort(entry, defaultPort)
		if port == 0 {
			logger.Warn().Str("entry", entry).Msg("address list entry has invalid port, skipped")
			continue
		}
		if addr, err := netip.ParseAddr(host); err == nil {
			if addr.Is6() && !addr.Is4In6() && !ipv6 {
				logger.Warn().Str("entry", entry).Msg("ipv6 disabled, address skipped")
				continue
			}
			out = append(out, netip.AddrPortFrom(addr.Unmap(), port))
			continue
		}
		network := "ip4"
		if ipv6 {
			network = "ip"
		}
		addrs, err := net.DefaultResolver.LookupNetIP(ctx, network, host)
		if err != nil || len(addrs) == 0 {
			logger.Warn().Err(err).Str("entry", entry).Msg("address list entry did not resolve, skipped")
			continue
		}
		out = append(out, netip.AddrPortFrom(addrs[0].Unmap(), port))
	}
	return dedupe(out)
}

func splitHostPort(entry string, defaultPort uint16) (string, uint16) {
	entry = strings.TrimSpace(entry)
	host, portStr, err := net.SplitHostPort(entry)
	if err != nil {
		return strings.Trim(entry, "[]"), defaultPort
	}
	n, err := strconv.Atoi(portStr)
	if err != nil || n < 1 || n > 65535 {
		return host, 0
	}
	return host, uint16(n)
}

// BroadcastAddrs lists the IPv4 directed broadcast address of every up,
// broadcast-capable interface.
func BroadcastAddrs() []netip.Addr {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	var out []netip.Addr
	for _, ifi := range ifaces {
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagBroadcast == 0 {
			continue
		}
		addrs, err := ifi.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			prefix, ok := netipx.FromStdIPNet(ipnet)
			if !ok || !prefix.Addr().Is4() || prefix.Bits() >= 31 {
				continue
			}
			out = append(out, netipx.PrefixLastIP(prefix.Masked()))
		}
	}
	return out
}

// AutoAddrList returns broadcast endpoints for every interface, falling back
// to the limited broadcast address.
func AutoAddrList(port uint16) []netip.AddrPort {
	var out []netip.AddrPort
	for _, a := range BroadcastAddrs() {
		out = append(out, netip.AddrPortFrom(a, port))
	}
	if len(out) == 0 {
		out = append(out, netip.AddrPortFrom(limitedBroadcast, port))
	}
	return out
}

// IsUnicast reports whether a is neither multicast nor a broadcast address.
func IsUnicast(a netip.Addr, broadcasts []netip.Addr) bool {
	if a.IsMulticast() || a == limitedBroadcast || a.IsUnspecified() {
		return false
	}
	for _, b := range broadcasts {
		if a == b {
			return false
		}
	}
	return true
}

func dedupe(in []netip.AddrPort) []netip.AddrPort {
	seen := make(map[netip.AddrPort]struct{}, len(in))
	out := in[:0]
	for _, ap := range in {
		if _, ok := seen[ap]; ok {
			continue
		}
		seen[ap] = struct{}{}
		out = append(out, ap)
	}
	return out
}
