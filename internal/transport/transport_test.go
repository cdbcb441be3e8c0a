package transport

import (
	"context"
	"errors"
	"math"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/pvagate/internal/auth"
	"github.com/danmuck/pvagate/internal/clock"
	"github.com/danmuck/pvagate/internal/protocol"
	"github.com/danmuck/pvagate/internal/protocol/session"
	"github.com/danmuck/pvagate/internal/testutil/testlog"
	"github.com/danmuck/pvagate/internal/testutil/tlstest"
)

func testConfig() session.Config {
	return session.Config{
		ConnectTimeout:   2 * time.Second,
		HandshakeTimeout: 2 * time.Second,
		ConnTimeout:      30 * time.Second,
		EchoTimeout:      5 * time.Second,
	}.WithDefaults()
}

func endpointOf(t *testing.T, s *fakeServer, tls bool) Endpoint {
	t.Helper()
	return Endpoint{Addr: netip.MustParseAddrPort(s.addr()), TLS: tls}
}

func withTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
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

type recordingListener struct {
	mu        sync.Mutex
	destroyed []uint32
	lost      error
}

func (l *recordingListener) ChannelDestroyed(cid uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.destroyed = append(l.destroyed, cid)
}

func (l *recordingListener) SessionLost(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lost = err
}

func (l *recordingListener) lostErr() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lost
}

func TestAcquireSharesOneSession(t *testing.T) {
	testlog.Start(t)

	srv := startFakeServer(t, nil, nil)
	m := NewManager(testConfig())
	defer m.Close()
	ep := endpointOf(t, srv, false)
	ctx := withTimeout(t)

	const n = 8
	got := make([]*Session, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := m.Acquire(ctx, ep)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			got[i] = s
		}()
	}
	wg.Wait()
	for i := 1; i < n; i++ {
		if got[i] != got[0] {
			t.Fatalf("acquire %d returned a different session", i)
		}
	}
	if infos := m.Sessions(); len(infos) != 1 || infos[0].Refs != n {
		t.Fatalf("sessions = %+v", infos)
	}
	srv.mu.Lock()
	conns := len(srv.conns)
	srv.mu.Unlock()
	if conns != 1 {
		t.Fatalf("server saw %d connections", conns)
	}

	for i := 0; i < n-1; i++ {
		m.Release(got[0])
	}
	if got[0].Closed() {
		t.Fatalf("session closed while still referenced")
	}
	m.Release(got[0])
	if !got[0].Closed() || len(m.Sessions()) != 0 {
		t.Fatalf("last release should close the session")
	}
}

func TestCreateChannelAndGet(t *testing.T) {
	testlog.Start(t)

	srv := startFakeServer(t, nil, nil)
	m := NewManager(testConfig())
	defer m.Close()
	ctx := withTimeout(t)
	s, err := m.Acquire(ctx, endpointOf(t, srv, false))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if s.AuthMethod() != auth.MethodAnonymous {
		t.Fatalf("auth method = %q", s.AuthMethod())
	}
	if s.SegmentSize() != 8192 {
		t.Fatalf("segment size = %d", s.SegmentSize())
	}

	sid, err := s.CreateChannel(ctx, 2, "X")
	if err != nil || sid != 102 {
		t.Fatalf("create = %d, %v", sid, err)
	}
	_, err = s.CreateChannel(ctx, 3, "missing")
	var se *protocol.StatusError
	if !errors.As(err, &se) || protocol.Classify(err) != protocol.ClassRemote {
		t.Fatalf("expected status error, got %v", err)
	}

	got := make(chan protocol.Message, 1)
	_, err = s.Submit(ctx, func(ioid uint32) protocol.Message {
		return protocol.GetRequest{SID: sid, IOID: ioid, Sub: protocol.SubInit | protocol.SubGet}
	}, func(msg protocol.Message, err error) {
		if err != nil {
			t.Errorf("get failed: %v", err)
			return
		}
		got <- msg
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	select {
	case msg := <-got:
		resp := msg.(protocol.GetResponse)
		if len(resp.Value) != 1 || resp.Value[0] != byte(sid) {
			t.Fatalf("response = %+v", resp)
		}
	case <-ctx.Done():
		t.Fatalf("no get response")
	}
	if s.Outstanding() != 0 {
		t.Fatalf("one-shot request still pending")
	}
}

func TestRequestIDsSkipOutstanding(t *testing.T) {
	testlog.Start(t)

	s := &Session{pending: map[uint32]pendingRequest{
		math.MaxUint32: {},
		1:              {},
		2:              {},
	}}
	s.nextIOID = math.MaxUint32 - 1
	id, ok := s.allocLocked()
	if !ok || id != 3 {
		t.Fatalf("alloc = %d, %v", id, ok)
	}
}

func TestConcurrentSubmitsGetDistinctIDs(t *testing.T) {
	testlog.Start(t)

	srv := startFakeServer(t, nil, func(s *fakeServer) { s.handle = nil })
	m := NewManager(testConfig())
	defer m.Close()
	ctx := withTimeout(t)
	s, err := m.Acquire(ctx, endpointOf(t, srv, false))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	const n = 64
	var (
		mu  sync.Mutex
		ids = map[uint32]bool{}
		wg  sync.WaitGroup
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := s.Submit(ctx, func(ioid uint32) protocol.Message {
				return protocol.PutRequest{SID: 1, IOID: ioid, Value: []byte{1}}
			}, func(protocol.Message, error) {})
			if err != nil {
				t.Errorf("submit: %v", err)
				return
			}
			mu.Lock()
			ids[id] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(ids) != n || s.Outstanding() != n {
		t.Fatalf("distinct ids = %d outstanding = %d", len(ids), s.Outstanding())
	}
}

func TestKeepAliveTearsDownSilentPeer(t *testing.T) {
	testlog.Start(t)

	srv := startFakeServer(t, nil, func(s *fakeServer) { s.handle = nil })
	clk := clock.NewManual(time.Now())
	cfg := testConfig()
	m := NewManager(cfg, WithClock(clk))
	defer m.Close()
	ctx := withTimeout(t)
	s, err := m.Acquire(ctx, endpointOf(t, srv, false))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	conn := <-srv.accepted
	l := &recordingListener{}
	if err := s.Attach(7, l); err != nil {
		t.Fatalf("attach: %v", err)
	}
	failed := make(chan error, 1)
	if _, err := s.Submit(ctx, func(ioid uint32) protocol.Message {
		return protocol.GetRequest{SID: 1, IOID: ioid}
	}, func(_ protocol.Message, err error) { failed <- err }); err != nil {
		t.Fatalf("submit: %v", err)
	}

	m.sweep(clk.Advance(cfg.ConnTimeout))
	deadline := time.After(3 * time.Second)
	for echoed := false; !echoed; {
		select {
		case msg := <-conn.recv:
			_, echoed = msg.(protocol.EchoRequest)
		case <-deadline:
			t.Fatalf("no echo sent after idle period")
		}
	}
	if s.Closed() {
		t.Fatalf("torn down before echo timeout")
	}

	m.sweep(clk.Advance(cfg.EchoTimeout + time.Second))
	if !s.Closed() || !errors.Is(s.Err(), ErrConnectionLost) {
		t.Fatalf("session err = %v", s.Err())
	}
	if err := <-failed; !errors.Is(err, ErrConnectionLost) || protocol.Classify(err) != protocol.ClassConnectionFatal {
		t.Fatalf("pending request err = %v", err)
	}
	if !errors.Is(l.lostErr(), ErrConnectionLost) {
		t.Fatalf("listener not told: %v", l.lostErr())
	}
	if len(m.Sessions()) != 0 {
		t.Fatalf("dead session still registered")
	}
}

func TestKeepAliveAnsweredEchoKeepsSession(t *testing.T) {
	testlog.Start(t)

	srv := startFakeServer(t, nil, nil)
	clk := clock.NewManual(time.Now())
	cfg := testConfig()
	m := NewManager(cfg, WithClock(clk))
	defer m.Close()
	s, err := m.Acquire(withTimeout(t), endpointOf(t, srv, false))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	m.sweep(clk.Advance(cfg.ConnTimeout))
	waitFor(t, "echo reply", func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.echoSent.IsZero()
	})
	m.sweep(clk.Advance(cfg.EchoTimeout + time.Second))
	if s.Closed() {
		t.Fatalf("answered echo still tore the session down: %v", s.Err())
	}
}

func TestPeerCloseFailsPendingAndNotifiesListeners(t *testing.T) {
	testlog.Start(t)

	srv := startFakeServer(t, nil, func(s *fakeServer) { s.handle = nil })
	m := NewManager(testConfig())
	defer m.Close()
	ctx := withTimeout(t)
	s, err := m.Acquire(ctx, endpointOf(t, srv, false))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	conn := <-srv.accepted
	l := &recordingListener{}
	s.Attach(1, l)
	failed := make(chan error, 1)
	s.Submit(ctx, func(ioid uint32) protocol.Message {
		return protocol.PutRequest{SID: 1, IOID: ioid}
	}, func(_ protocol.Message, err error) { failed <- err })

	conn.conn.Close()
	select {
	case err := <-failed:
		if !errors.Is(err, ErrConnectionLost) {
			t.Fatalf("pending err = %v", err)
		}
	case <-ctx.Done():
		t.Fatalf("pending request never failed")
	}
	waitFor(t, "listener notification", func() bool { return l.lostErr() != nil })
	if _, err := s.Submit(ctx, func(ioid uint32) protocol.Message { return protocol.EchoRequest{} }, func(protocol.Message, error) {}); !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("submit on dead session = %v", err)
	}
}

func TestServerDestroyNotifiesListener(t *testing.T) {
	testlog.Start(t)

	srv := startFakeServer(t, nil, nil)
	m := NewManager(testConfig())
	defer m.Close()
	s, err := m.Acquire(withTimeout(t), endpointOf(t, srv, false))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	conn := <-srv.accepted
	l := &recordingListener{}
	s.Attach(4, l)
	conn.send(protocol.DestroyChannel{SID: 104, CID: 4})
	waitFor(t, "destroy notification", func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		return len(l.destroyed) == 1 && l.destroyed[0] == 4
	})
}

func TestHandshakeRefusedByServer(t *testing.T) {
	testlog.Start(t)

	srv := startFakeServer(t, nil, func(s *fakeServer) {
		s.status = protocol.ErrorStatus("too many clients")
	})
	m := NewManager(testConfig())
	defer m.Close()
	_, err := m.Acquire(withTimeout(t), endpointOf(t, srv, false))
	var se *protocol.StatusError
	if !errors.Is(err, ErrHandshake) || !errors.As(err, &se) {
		t.Fatalf("expected handshake status error, got %v", err)
	}
}

func TestRequirePeerCertRejectsPlainServer(t *testing.T) {
	testlog.Start(t)

	srv := startFakeServer(t, nil, nil)
	cfg := testConfig()
	cfg.TLS.RequirePeerCert = true
	m := NewManager(cfg)
	defer m.Close()
	_, err := m.Acquire(withTimeout(t), endpointOf(t, srv, false))
	if !errors.Is(err, ErrPeerCertRequired) || protocol.Classify(err) != protocol.ClassConnectionFatal {
		t.Fatalf("expected ErrPeerCertRequired, got %v", err)
	}
}

func TestTLSSessionAuthenticatesByCertificate(t *testing.T) {
	testlog.Start(t)

	ca := tlstest.NewAuthority(t, "pvagate test ca")
	serverPair := ca.IssueServer(t, "ioc")
	clientPair := ca.IssueClient(t, "operator")
	serverTLS, err := session.TLSConfig{
		Enabled:  true,
		CAFile:   ca.CAFile(),
		CertFile: serverPair.CertFile,
		KeyFile:  serverPair.KeyFile,
	}.ServerTLS()
	if err != nil {
		t.Fatalf("server tls: %v", err)
	}
	srv := startFakeServer(t, serverTLS, func(s *fakeServer) {
		s.methods = []string{auth.MethodX509, auth.MethodAnonymous}
	})

	cfg := testConfig()
	cfg.TLS = session.TLSConfig{
		Enabled:         true,
		RequirePeerCert: true,
		CAFile:          ca.CAFile(),
		CertFile:        clientPair.CertFile,
		KeyFile:         clientPair.KeyFile,
	}
	m := NewManager(cfg)
	defer m.Close()
	s, err := m.Acquire(withTimeout(t), endpointOf(t, srv, true))
	if err != nil {
		t.Fatalf("acquire tls: %v", err)
	}
	conn := <-srv.accepted
	if s.AuthMethod() != auth.MethodX509 || conn.method != auth.MethodX509 {
		t.Fatalf("auth method client=%q server=%q", s.AuthMethod(), conn.method)
	}
}

func TestForwardDeliversSearchRepliesFromTCP(t *testing.T) {
	testlog.Start(t)

	srv := startFakeServer(t, nil, nil)
	replies := make(chan protocol.SearchReply, 2)
	m := NewManager(testConfig(), WithSearchReplies(func(r protocol.SearchReply, from netip.AddrPort) {
		replies <- r
	}))
	defer m.Close()
	ctx := withTimeout(t)
	server := netip.MustParseAddrPort(srv.addr())
	req := protocol.SearchRequest{Sequence: 1, Channels: []protocol.SearchChannel{{ID: 9, Name: "X"}}}
	if err := m.Forward(ctx, server, req); err != nil {
		t.Fatalf("forward: %v", err)
	}
	if err := m.Forward(ctx, server, req); err != nil {
		t.Fatalf("second forward: %v", err)
	}
	select {
	case r := <-replies:
		if len(r.IDs) != 1 || r.IDs[0] != 9 {
			t.Fatalf("reply = %+v", r)
		}
	case <-ctx.Done():
		t.Fatalf("no search reply over tcp")
	}
	if infos := m.Sessions(); len(infos) != 1 || infos[0].Refs != 1 {
		t.Fatalf("forward should hold one session reference: %+v", infos)
	}
}
