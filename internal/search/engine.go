package search

import (
	"container/heap"
	"context"
	"encoding/binary"
	"errors"
	"math"
	"math/rand"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/danmuck/pvagate/internal/clock"
	"github.com/danmuck/pvagate/internal/logging"
	"github.com/danmuck/pvagate/internal/netutil"
	"github.com/danmuck/pvagate/internal/observability"
	"github.com/danmuck/pvagate/internal/protocol"
	"github.com/danmuck/pvagate/internal/protocol/frame"
	"github.com/danmuck/pvagate/internal/protocol/session"
	"github.com/danmuck/pvagate/internal/protocol/wire"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Result is the endpoint a name resolved to.
type Result struct {
	Name     string
	ID       uint32
	Server   netip.AddrPort
	Protocol string
	GUID     uuid.UUID
}

// ServerInfo is one answer to a server-list request.
type ServerInfo struct {
	GUID     uuid.UUID
	Server   netip.AddrPort
	Protocol string
}

// Sender writes search datagrams. *net.UDPConn satisfies it.
type Sender interface {
	WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error)
}

// Forwarder carries a search request to a name server over TCP. Replies
// come back through Engine.HandleReply.
type Forwarder interface {
	Forward(ctx context.Context, server netip.AddrPort, req protocol.SearchRequest) error
}

type Option func(*Engine)

func WithClock(c clock.Clock) Option     { return func(e *Engine) { e.clock = c } }
func WithLogger(l zerolog.Logger) Option { return func(e *Engine) { e.logger = l } }
func WithForwarder(f Forwarder) Option   { return func(e *Engine) { e.fwd = f } }
func WithRand(r *rand.Rand) Option       { return func(e *Engine) { e.rng = r } }

const forwardQueueDepth = 16

type resolution struct {
	name string
	guid uuid.UUID
	at   time.Time
}

// Engine owns every pending search. It is safe for concurrent use; the
// ticker and reply handlers share one lock.
type Engine struct {
	cfg     Config
	sender  Sender
	fwd     Forwarder
	clock   clock.Clock
	logger  zerolog.Logger
	limiter *rate.Limiter
	backoff session.BackoffConfig
	nsQueue map[netip.AddrPort]chan protocol.SearchRequest

	mu        sync.Mutex
	rng       *rand.Rand
	nextID    uint32
	nextSeq   uint64
	dgramSeq  uint32
	byID      map[uint32]*request
	byName    map[string]*request
	pending   queue
	resolved  map[uint32]resolution
	listeners map[chan ServerInfo]struct{}
}

func New(cfg Config, sender Sender, opts ...Option) *Engine {
	if cfg.MinInterval <= 0 || cfg.MaxInterval < cfg.MinInterval || cfg.Tick <= 0 || cfg.MaxUDPSend <= 0 {
		d := DefaultConfig()
		cfg.MinInterval, cfg.MaxInterval, cfg.Tick, cfg.MaxUDPSend = d.MinInterval, d.MaxInterval, d.Tick, d.MaxUDPSend
	}
	if len(cfg.Protocols) == 0 {
		cfg.Protocols = []string{protocol.ProtocolTCP}
	}
	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}
	e := &Engine{
		cfg:       cfg,
		sender:    sender,
		clock:     clock.Real{},
		logger:    logging.For("search"),
		limiter:   rate.NewLimiter(limit, max(1, len(cfg.Destinations))),
		backoff:   cfg.backoff(),
		nsQueue:   make(map[netip.AddrPort]chan protocol.SearchRequest),
		byID:      make(map[uint32]*request),
		byName:    make(map[string]*request),
		resolved:  make(map[uint32]resolution),
		listeners: make(map[chan ServerInfo]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.rng == nil {
		e.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if e.fwd != nil {
		for _, ns := range cfg.NameServers {
			e.nsQueue[ns] = make(chan protocol.SearchRequest, forwardQueueDepth)
		}
	} else if len(cfg.NameServers) > 0 {
		e.logger.Warn().Int("name_servers", len(cfg.NameServers)).Msg("name servers configured without a forwarder, tcp search disabled")
	}
	return e
}

// Search starts resolving name, or joins the search already running for it.
// The first send happens on the next tick.
func (e *Engine) Search(name string) *Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	r := e.byName[name]
	if r == nil {
		r = &request{name: name, id: e.allocIDLocked(), deadline: e.clock.Now(), seq: e.nextSeq}
		e.nextSeq++
		e.byName[name] = r
		e.byID[r.id] = r
		heap.Push(&e.pending, r)
		observability.SetSearchPending(len(e.byID))
	}
	h := &Handle{engine: e, name: name, id: r.id, ch: make(chan Result, 1)}
	r.handles = append(r.handles, h)
	return h
}

// allocIDLocked skips zero and every id still pending or recently resolved.
func (e *Engine) allocIDLocked() uint32 {
	for {
		e.nextID++
		if e.nextID == 0 {
			continue
		}
		if _, busy := e.byID[e.nextID]; busy {
			continue
		}
		if _, recent := e.resolved[e.nextID]; recent {
			continue
		}
		return e.nextID
	}
}

// Cancel stops the search for name for every handle waiting on it. Their
// channels are closed without a result.
func (e *Engine) Cancel(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r := e.byName[name]
	if r == nil {
		return
	}
	e.dropLocked(r)
	for _, h := range r.handles {
		close(h.ch)
	}
	r.handles = nil
}

func (e *Engine) detach(h *Handle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r := e.byID[h.id]
	if r == nil {
		return
	}
	for i, other := range r.handles {
		if other == h {
			r.handles = append(r.handles[:i], r.handles[i+1:]...)
			break
		}
	}
	if len(r.handles) == 0 {
		e.dropLocked(r)
	}
}

func (e *Engine) dropLocked(r *request) {
	e.pending.remove(r)
	delete(e.byID, r.id)
	delete(e.byName, r.name)
	observability.SetSearchPending(len(e.byID))
}

// Pending reports how many names are still unresolved.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.byID)
}

// Boost makes every pending search due now and restarts its backoff at the
// minimum interval.
func (e *Engine) Boost() {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clock.Now()
	for _, r := range e.pending {
		r.attempt = 0
		r.deadline = now
	}
	heap.Init(&e.pending)
	if len(e.pending) > 0 {
		e.logger.Debug().Int("pending", len(e.pending)).Msg("search backoff reset")
	}
}

// Run drives the retry ticker and the name server forwarders until ctx is
// done.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for ns, q := range e.nsQueue {
		g.Go(func() error {
			e.forwardLoop(ctx, ns, q)
			return nil
		})
	}
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case now := <-e.clock.After(e.nextTick()):
				e.flush(ctx, now)
			}
		}
	})
	return g.Wait()
}

func (e *Engine) nextTick() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cfg.TickJitter <= 0 {
		return e.cfg.Tick
	}
	return time.Duration(float64(e.cfg.Tick) * (1 + e.cfg.TickJitter*(2*e.rng.Float64()-1)))
}

// flush sends every due request and reschedules it. It returns the number
// of datagrams written.
func (e *Engine) flush(ctx context.Context, now time.Time) int {
	e.mu.Lock()
	due := e.pending.popDue(now)
	channels := make([]protocol.SearchChannel, 0, len(due))
	for _, r := range due {
		r.attempt++
		r.deadline = now.Add(e.backoff.Delay(r.attempt, nil))
		heap.Push(&e.pending, r)
		channels = append(channels, protocol.SearchChannel{ID: r.id, Name: r.name})
	}
	for id, res := range e.resolved {
		if now.Sub(res.at) > e.cfg.MaxInterval {
			delete(e.resolved, id)
		}
	}
	e.mu.Unlock()

	if len(channels) == 0 {
		return 0
	}
	return e.send(ctx, channels, 0)
}

// send packs channels into datagrams and writes each one to every
// destination. An empty channel list sends one server-list request.
func (e *Engine) send(ctx context.Context, channels []protocol.SearchChannel, flags uint8) int {
	sent := 0
	for _, batch := range e.pack(channels) {
		e.mu.Lock()
		e.dgramSeq++
		seq := e.dgramSeq
		e.mu.Unlock()

		req := protocol.SearchRequest{
			Sequence:  seq,
			Flags:     flags,
			Response:  netip.AddrPortFrom(netip.IPv4Unspecified(), e.cfg.ReplyPort),
			Protocols: e.cfg.Protocols,
			Channels:  batch,
		}
		fanout := protocol.Encode(req, binary.BigEndian, false)
		req.Flags |= protocol.SearchUnicast
		unicast := protocol.Encode(req, binary.BigEndian, false)

		for _, dst := range e.cfg.Destinations {
			b := fanout
			if netutil.IsUnicast(dst.Addr(), e.cfg.Broadcasts) {
				b = unicast
			}
			if err := e.limiter.Wait(ctx); err != nil {
				observability.RecordSearchSent("udp", sent)
				return sent
			}
			if _, err := e.sender.WriteToUDPAddrPort(b, dst); err != nil {
				e.logger.Debug().Err(err).Str("dest", dst.String()).Msg("search send failed")
				continue
			}
			sent++
		}
		for ns, q := range e.nsQueue {
			select {
			case q <- req:
			default:
				e.logger.Warn().Str("name_server", ns.String()).Msg("name server queue full, request dropped")
			}
		}
	}
	observability.RecordSearchSent("udp", sent)
	return sent
}

// pack splits channels into groups whose encoded request fits MaxUDPSend.
// A single name that is too long still goes out alone.
func (e *Engine) pack(channels []protocol.SearchChannel) [][]protocol.SearchChannel {
	base := frame.HeaderLen + 4 + 1 + 3 + wire.AddrLen + 2 + wire.SizeLen(len(e.cfg.Protocols)) + 2
	for _, p := range e.cfg.Protocols {
		base += wire.StringLen(p)
	}
	if len(channels) == 0 {
		return [][]protocol.SearchChannel{nil}
	}
	var (
		out  [][]protocol.SearchChannel
		cur  []protocol.SearchChannel
		size = base
	)
	for _, ch := range channels {
		n := 4 + wire.StringLen(ch.Name)
		if len(cur) > 0 && (size+n > e.cfg.MaxUDPSend || len(cur) == math.MaxUint16) {
			out = append(out, cur)
			cur, size = nil, base
		}
		cur = append(cur, ch)
		size += n
	}
	return append(out, cur)
}

func (e *Engine) forwardLoop(ctx context.Context, ns netip.AddrPort, q <-chan protocol.SearchRequest) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-q:
			if err := e.fwd.Forward(ctx, ns, req); err != nil {
				if ctx.Err() == nil {
					e.logger.Debug().Err(err).Str("name_server", ns.String()).Msg("name server search failed")
				}
				continue
			}
			observability.RecordSearchSent("tcp", 1)
		}
	}
}

// HandleReply resolves the ids named in reply. Unknown ids are late or
// duplicate replies and are dropped. An unspecified server address is
// replaced by the sender's.
func (e *Engine) HandleReply(reply protocol.SearchReply, from netip.AddrPort) {
	server := reply.Server
	if !server.Addr().IsValid() || server.Addr().IsUnspecified() {
		server = netip.AddrPortFrom(from.Addr().Unmap(), server.Port())
	}
	if !reply.Found {
		return
	}
	if len(reply.IDs) == 0 {
		e.publishServer(ServerInfo{GUID: reply.GUID, Server: server, Protocol: reply.Protocol})
		return
	}

	now := e.clock.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range reply.IDs {
		r := e.byID[id]
		if r == nil {
			prev, ok := e.resolved[id]
			if ok && prev.guid != reply.GUID {
				e.logger.Warn().
					Str("channel", prev.name).
					Str("server", server.String()).
					Str("first", prev.guid.String()).
					Str("other", reply.GUID.String()).
					Msg("channel served by more than one server")
				observability.RecordSearchReply("duplicate")
				continue
			}
			observability.RecordSearchReply("late")
			continue
		}
		e.dropLocked(r)
		e.resolved[id] = resolution{name: r.name, guid: reply.GUID, at: now}
		res := Result{Name: r.name, ID: id, Server: server, Protocol: reply.Protocol, GUID: reply.GUID}
		for _, h := range r.handles {
			select {
			case h.ch <- res:
			default:
			}
		}
		observability.RecordSearchReply("resolved")
		e.logger.Debug().Str("channel", r.name).Str("server", server.String()).Int("attempts", r.attempt).Msg("channel resolved")
	}
}

func (e *Engine) publishServer(info ServerInfo) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for ch := range e.listeners {
		select {
		case ch <- info:
		default:
		}
	}
}

// ServerList asks every reachable server to identify itself and collects
// the answers that arrive within wait, one per GUID.
func (e *Engine) ServerList(ctx context.Context, wait time.Duration) ([]ServerInfo, error) {
	ch := make(chan ServerInfo, 64)
	e.mu.Lock()
	e.listeners[ch] = struct{}{}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.listeners, ch)
		e.mu.Unlock()
	}()

	if e.send(ctx, nil, protocol.SearchReplyRequired) == 0 && len(e.nsQueue) == 0 {
		return nil, netutil.ErrNoAddresses
	}
	seen := make(map[uuid.UUID]bool)
	var out []ServerInfo
	timeout := e.clock.After(wait)
	for {
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case <-timeout:
			for {
				select {
				case info := <-ch:
					out = appendServer(out, seen, info)
				default:
					return out, nil
				}
			}
		case info := <-ch:
			out = appendServer(out, seen, info)
		}
	}
}

func appendServer(out []ServerInfo, seen map[uuid.UUID]bool, info ServerInfo) []ServerInfo {
	if seen[info.GUID] {
		return out
	}
	seen[info.GUID] = true
	return append(out, info)
}

// Serve reads search replies from conn until ctx is done, then closes it.
func (e *Engine) Serve(ctx context.Context, conn net.PacketConn) error {
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
			e.logger.Warn().Err(err).Msg("search read failed")
			continue
		}
		e.HandleDatagram(buf[:n], from)
	}
}

// HandleDatagram feeds every search reply in one datagram to HandleReply.
func (e *Engine) HandleDatagram(b []byte, from net.Addr) {
	msgs, _, err := protocol.DecodeDatagram(b)
	if err != nil {
		e.logger.Debug().Err(err).Msg("dropping malformed search datagram")
	}
	src := udpAddrPort(from)
	for _, m := range msgs {
		if reply, ok := m.(protocol.SearchReply); ok {
			e.HandleReply(reply, src)
		}
	}
}

func udpAddrPort(a net.Addr) netip.AddrPort {
	if ua, ok := a.(*net.UDPAddr); ok {
		return ua.AddrPort()
	}
	return netip.AddrPort{}
}
