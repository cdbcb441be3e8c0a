package client

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/pvagate/internal/netutil"
	"github.com/danmuck/pvagate/internal/protocol"
	"github.com/danmuck/pvagate/internal/protocol/session"
	"github.com/danmuck/pvagate/internal/search"
	"github.com/danmuck/pvagate/internal/server"
	"github.com/danmuck/pvagate/internal/transport"
)

var loopback = netip.MustParseAddr("127.0.0.1")

// harness runs a loopback server (search listener plus acceptor) and a
// client wired to it through a real search engine and session manager.
type harness struct {
	t        *testing.T
	backend  *server.MemoryBackend
	stall    *stallBackend
	acceptor *server.Acceptor
	claims   server.Backend
	id       server.Identity
	tcpAddr  string
	udpAddr  netip.AddrPort
	stopAcc  func()
	stopList func()
	client   *Client
	engine   *search.Engine
	mgr      *transport.Manager
}

func sessionConfig() session.Config {
	return session.Config{
		ConnectTimeout:   time.Second,
		HandshakeTimeout: time.Second,
		ConnTimeout:      30 * time.Second,
		EchoTimeout:      5 * time.Second,
	}.WithDefaults()
}

func newHarness(t *testing.T, values map[string]any) *harness {
	t.Helper()
	h := &harness{t: t, backend: server.NewMemoryBackend(values)}
	h.stall = &stallBackend{MemoryBackend: h.backend, entered: make(chan struct{}, 1)}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	h.tcpAddr = ln.Addr().String()
	h.id = server.Identity{Addr: loopback, TCPPort: ln.Addr().(*net.TCPAddr).AddrPort().Port()}
	h.serveAcceptor(ln)

	udp, err := netutil.ListenUDP(context.Background(), netip.AddrPortFrom(loopback, 0), false)
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	h.udpAddr = netutil.LocalAddr(udp)
	udp.Close()

	conn, err := netutil.ListenUDP(context.Background(), netip.AddrPortFrom(loopback, 0), false)
	if err != nil {
		t.Fatalf("client udp: %v", err)
	}
	cfg := search.Config{
		MinInterval:  20 * time.Millisecond,
		MaxInterval:  100 * time.Millisecond,
		Tick:         10 * time.Millisecond,
		MaxUDPSend:   1440,
		Destinations: []netip.AddrPort{h.udpAddr},
		Protocols:    []string{protocol.ProtocolTCP},
		ReplyPort:    netutil.LocalAddr(conn).Port(),
	}
	h.engine = search.New(cfg, conn)
	h.mgr = transport.NewManager(sessionConfig())
	h.client = New(Config{
		SendTimeout:    time.Second,
		ConnectTimeout: time.Second,
		Backoff:        session.BackoffConfig{InitialDelay: 20 * time.Millisecond, Multiplier: 2, MaxDelay: 100 * time.Millisecond},
	}, h.engine, h.mgr)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{}, 3)
	go func() { h.engine.Run(ctx); done <- struct{}{} }()
	go func() { h.engine.Serve(ctx, conn); done <- struct{}{} }()
	go func() { h.mgr.Run(ctx); done <- struct{}{} }()
	t.Cleanup(func() {
		h.stall.release()
		h.client.Close()
		cancel()
		for range 3 {
			<-done
		}
		h.mgr.Close()
		if h.stopList != nil {
			h.stopList()
		}
		if h.stopAcc != nil {
			h.stopAcc()
		}
	})
	return h
}

// startListener begins answering searches. Until then every search stays
// pending. The listener answers from h.claims when set.
func (h *harness) startListener() {
	h.t.Helper()
	udp, err := netutil.ListenUDP(context.Background(), h.udpAddr, false)
	if err != nil {
		h.t.Fatalf("listener udp: %v", err)
	}
	var claims server.Backend = h.backend
	if h.claims != nil {
		claims = h.claims
	}
	l := server.NewListener(h.id, claims)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { l.Serve(ctx, udp); close(done) }()
	h.stopList = func() { cancel(); <-done }
}

func (h *harness) serveAcceptor(ln net.Listener) {
	a := server.NewAcceptor(sessionConfig(), h.stall, h.id)
	h.acceptor = a
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { a.Serve(ctx, ln); close(done) }()
	h.stopAcc = func() { cancel(); <-done }
}

// stopServer closes the acceptor and every session on it.
func (h *harness) stopServer() {
	h.stopAcc()
	h.stopAcc = nil
}

// restartServer accepts again on the same address.
func (h *harness) restartServer() {
	h.t.Helper()
	var ln net.Listener
	var err error
	for range 50 {
		if ln, err = net.Listen("tcp", h.tcpAddr); err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		h.t.Fatalf("relisten %s: %v", h.tcpAddr, err)
	}
	h.serveAcceptor(ln)
}

// stallBackend holds Get calls while stalled so a test decides when the
// server answers.
type stallBackend struct {
	*server.MemoryBackend
	entered chan struct{}

	mu   sync.Mutex
	gate chan struct{}
}

func (b *stallBackend) hold() {
	b.mu.Lock()
	b.gate = make(chan struct{})
	b.mu.Unlock()
}

func (b *stallBackend) release() {
	b.mu.Lock()
	if b.gate != nil {
		close(b.gate)
		b.gate = nil
	}
	b.mu.Unlock()
}

func (b *stallBackend) Get(ctx context.Context, name string) (any, error) {
	b.mu.Lock()
	gate := b.gate
	b.mu.Unlock()
	if gate != nil {
		select {
		case b.entered <- struct{}{}:
		default:
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return b.MemoryBackend.Get(ctx, name)
}

// waitStalled blocks until the server is holding a Get.
func (b *stallBackend) waitStalled(t *testing.T) {
	t.Helper()
	select {
	case <-b.entered:
	case <-time.After(3 * time.Second):
		t.Fatalf("server never received the get")
	}
}

func withTimeout(t *testing.T, d time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func nextEvent(t *testing.T, s *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-s.C():
		if !ok {
			t.Fatalf("subscription closed")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatalf("no subscription event")
		return Event{}
	}
}

func (ch *Channel) queued() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.queue)
}

func (ch *Channel) session() *transport.Session {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.sess
}
