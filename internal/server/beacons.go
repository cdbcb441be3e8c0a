package server

import (
	"context"
	"encoding/binary"
	"net/netip"
	"sync"
	"time"

	"github.com/danmuck/pvagate/internal/clock"
	"github.com/danmuck/pvagate/internal/logging"
	"github.com/danmuck/pvagate/internal/observability"
	"github.com/danmuck/pvagate/internal/protocol"
	"github.com/rs/zerolog"
)

// BeaconConfig sets the beacon schedule: FastPeriod for FastDuration after
// start, then Period.
type BeaconConfig struct {
	Period       time.Duration
	FastPeriod   time.Duration
	FastDuration time.Duration
	Destinations []netip.AddrPort
}

// PacketWriter is the sending half of a UDP socket.
type PacketWriter interface {
	WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error)
}

// BeaconSender announces the server on a timer.
type BeaconSender struct {
	cfg    BeaconConfig
	id     Identity
	clock  clock.Clock
	logger zerolog.Logger

	mu      sync.Mutex
	seq     uint8
	change  uint16
	started time.Time
}

func NewBeaconSender(cfg BeaconConfig, id Identity, clk clock.Clock) *BeaconSender {
	if clk == nil {
		clk = clock.Real{}
	}
	return &BeaconSender{cfg: cfg, id: id, clock: clk, logger: logging.For("beacon-sender")}
}

// Changed bumps the change counter so clients treat the next beacon as
// news, for example when the served channel set grows.
func (b *BeaconSender) Changed() {
	b.mu.Lock()
	b.change++
	b.mu.Unlock()
}

// Interval is the gap after a beacon sent at now.
func (b *BeaconSender) Interval(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cfg.FastPeriod > 0 && now.Sub(b.started) < b.cfg.FastDuration {
		return b.cfg.FastPeriod
	}
	return b.cfg.Period
}

// next builds the following beacon.
func (b *BeaconSender) next() protocol.Beacon {
	b.mu.Lock()
	defer b.mu.Unlock()
	beacon := protocol.Beacon{
		GUID:     b.id.GUID,
		Sequence: b.seq,
		Change:   b.change,
		Server:   netip.AddrPortFrom(b.id.Addr, b.id.TCPPort),
		Protocol: protocol.ProtocolTCP,
	}
	if !b.id.Addr.IsValid() {
		beacon.Server = netip.AddrPortFrom(netip.IPv4Unspecified(), b.id.TCPPort)
	}
	b.seq++
	return beacon
}

// Run sends a beacon to every destination, then waits one interval, until
// ctx is done.
func (b *BeaconSender) Run(ctx context.Context, w PacketWriter) error {
	b.mu.Lock()
	b.started = b.clock.Now()
	b.mu.Unlock()
	for {
		b.send(w)
		select {
		case <-ctx.Done():
			return nil
		case <-b.clock.After(b.Interval(b.clock.Now())):
		}
	}
}

func (b *BeaconSender) send(w PacketWriter) {
	payload := protocol.Encode(b.next(), binary.LittleEndian, true)
	for _, dst := range b.cfg.Destinations {
		if _, err := w.WriteToUDPAddrPort(payload, dst); err != nil {
			b.logger.Debug().Err(err).Str("to", dst.String()).Msg("beacon not sent")
			continue
		}
		observability.RecordBeaconSent()
	}
}
