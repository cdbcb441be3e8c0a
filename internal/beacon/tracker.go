package beacon

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/pvagate/internal/clock"
	"github.com/danmuck/pvagate/internal/logging"
	"github.com/danmuck/pvagate/internal/observability"
	"github.com/danmuck/pvagate/internal/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type key struct {
	addr  netip.AddrPort
	token uuid.UUID
}

// Event is raised for every beacon classified as new.
type Event struct {
	Record Record
	Reason Reason
}

type Option func(*Tracker)

func WithClock(c clock.Clock) Option     { return func(t *Tracker) { t.clock = c } }
func WithLogger(l zerolog.Logger) Option { return func(t *Tracker) { t.logger = l } }
func WithEventBuffer(n int) Option       { return func(t *Tracker) { t.events = make(chan Event, n) } }

// Tracker keeps one Record per (address, token) pair.
type Tracker struct {
	cfg    Config
	clock  clock.Clock
	logger zerolog.Logger
	events chan Event

	mu      sync.Mutex
	records map[key]*Record
}

func NewTracker(cfg Config, opts ...Option) *Tracker {
	t := &Tracker{
		cfg:     cfg,
		clock:   clock.Real{},
		logger:  logging.For("beacon"),
		events:  make(chan Event, 64),
		records: make(map[key]*Record),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Events delivers new-server notifications. When the consumer falls behind
// further events are dropped; one pending event already triggers a retry.
func (t *Tracker) Events() <-chan Event { return t.events }

// Observe records a beacon and returns its classification.
func (t *Tracker) Observe(obs Observation) Reason {
	if obs.At.IsZero() {
		obs.At = t.clock.Now()
	}
	t.mu.Lock()
	k := key{addr: obs.Addr, token: obs.Token}
	prev := t.records[k]
	if prev == nil {
		prev = t.previousLocked(obs)
	}
	rec, reason := Classify(prev, obs, t.cfg)
	if prev != nil {
		delete(t.records, key{addr: prev.Addr, token: prev.Token})
	}
	t.records[k] = &rec
	t.mu.Unlock()

	observability.RecordBeacon(string(reason))
	if !reason.IsNew() {
		return reason
	}
	t.logger.Debug().
		Str("server", obs.Addr.String()).
		Str("token", obs.Token.String()).
		Str("reason", string(reason)).
		Msg("new server beacon")
	select {
	case t.events <- Event{Record: rec, Reason: reason}:
	default:
	}
	return reason
}

// previousLocked finds the record for a server that moved address (same
// token) or restarted in place (same address, new token).
func (t *Tracker) previousLocked(obs Observation) *Record {
	var sameAddr *Record
	for _, r := range t.records {
		if r.Token == obs.Token {
			return r
		}
		if r.Addr == obs.Addr && (sameAddr == nil || r.LastSeen.After(sameAddr.LastSeen)) {
			sameAddr = r
		}
	}
	return sameAddr
}

// Sweep removes records unseen for longer than MaxAge.
func (t *Tracker) Sweep(now time.Time) int {
	if t.cfg.MaxAge <= 0 {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for k, r := range t.records {
		if now.Sub(r.LastSeen) > t.cfg.MaxAge {
			delete(t.records, k)
			removed++
		}
	}
	return removed
}

// Records returns a snapshot ordered by address.
func (t *Tracker) Records() []Record {
	t.mu.Lock()
	out := make([]Record, 0, len(t.records))
	for _, r := range t.records {
		out = append(out, *r)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Addr != out[j].Addr {
			return out[i].Addr.Compare(out[j].Addr) < 0
		}
		return out[i].Token.String() < out[j].Token.String()
	})
	return out
}

// Run sweeps stale records until ctx is done.
func (t *Tracker) Run(ctx context.Context) error {
	interval := t.cfg.MaxAge / 4
	if interval < time.Second {
		interval = time.Second
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.clock.After(interval):
			if n := t.Sweep(now); n > 0 {
				t.logger.Debug().Int("removed", n).Msg("aged out beacon records")
			}
		}
	}
}

// Serve reads beacon datagrams from conn until ctx is done, then closes it.
func (t *Tracker) Serve(ctx context.Context, conn net.PacketConn) error {
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	buf := make([]byte, 64*1024)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			t.logger.Warn().Err(err).Msg("beacon read failed")
			continue
		}
		t.HandleDatagram(buf[:n], from)
	}
}

// HandleDatagram decodes every beacon in one datagram.
func (t *Tracker) HandleDatagram(b []byte, from net.Addr) {
	msgs, _, err := protocol.DecodeDatagram(b)
	if err != nil {
		t.logger.Debug().Err(err).Str("from", addrString(from)).Msg("dropping malformed datagram")
	}
	for _, m := range msgs {
		bc, ok := m.(protocol.Beacon)
		if !ok {
			continue
		}
		t.Observe(Observation{
			Addr:     substituteSender(bc.Server, from),
			Token:    bc.GUID,
			Change:   bc.Change,
			Sequence: bc.Sequence,
		})
	}
}

// substituteSender replaces an unspecified advertised address with the
// datagram's source address.
func substituteSender(ap netip.AddrPort, from net.Addr) netip.AddrPort {
	if !ap.Addr().IsUnspecified() {
		return ap
	}
	if ua, ok := from.(*net.UDPAddr); ok {
		if a, ok := netip.AddrFromSlice(ua.IP); ok {
			return netip.AddrPortFrom(a.Unmap(), ap.Port())
		}
	}
	return ap
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
