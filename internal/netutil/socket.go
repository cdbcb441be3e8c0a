// Package netutil holds the UDP plumbing shared by search, beacon and the
// server listener: address-reusing sockets, multicast membership and address
// list expansion.
package netutil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/net/ipv4"
)

var ErrNoAddresses = errors.New("netutil: no usable addresses")

// ListenUDP binds a UDP socket. With reuse set, several processes on one
// host may share the beacon/search port.
func ListenUDP(ctx context.Context, addr netip.AddrPort, reuse bool) (*net.UDPConn, error) {
	lc := net.ListenConfig{}
	if reuse {
		lc.Control = reuseControl
	}
	network := "udp4"
	if addr.Addr().Is6() && !addr.Addr().Is4In6() {
		network = "udp6"
	}
	pc, err := lc.ListenPacket(ctx, network, addr.String())
	if err != nil {
		return nil, fmt.Errorf("netutil: listen %s: %w", addr, err)
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("netutil: listen %s: unexpected %T", addr, pc)
	}
	return conn, nil
}

// JoinGroup adds conn to an IPv4 multicast group on every multicast capable
// interface and enables loopback so local peers see each other.
func JoinGroup(conn *net.UDPConn, group netip.Addr) error {
	if !group.Is4() || !group.IsMulticast() {
		return fmt.Errorf("netutil: %s is not an IPv4 multicast group", group)
	}
	pc := ipv4.NewPacketConn(conn)
	ifaces, err := net.Interfaces()
	if err != nil {
		return fmt.Errorf("netutil: interfaces: %w", err)
	}
	joined := 0
	gaddr := &net.UDPAddr{IP: net.IP(group.AsSlice())}
	for i := range ifaces {
		ifi := &ifaces[i]
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagMulticast == 0 {
			continue
		}
		if err := pc.JoinGroup(ifi, gaddr); err == nil {
			joined++
		}
	}
	if joined == 0 {
		if err := pc.JoinGroup(nil, gaddr); err != nil {
			return fmt.Errorf("netutil: join %s: %w", group, err)
		}
	}
	if err := pc.SetMulticastLoopback(true); err != nil {
		return fmt.Errorf("netutil: multicast loopback: %w", err)
	}
	return nil
}

// SetMulticastTTL limits how far multicast sends travel.
func SetMulticastTTL(conn *net.UDPConn, ttl int) error {
	return ipv4.NewPacketConn(conn).SetMulticastTTL(ttl)
}

// LocalAddr returns the bound address of conn.
func LocalAddr(conn *net.UDPConn) netip.AddrPort {
	if ua, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return ua.AddrPort()
	}
	return netip.AddrPort{}
}
