package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/danmuck/pvagate/internal/auth"
	"github.com/danmuck/pvagate/internal/protocol"
	"github.com/danmuck/pvagate/internal/protocol/session"
	"github.com/danmuck/pvagate/internal/protocol/value"
	"github.com/danmuck/pvagate/internal/testutil/testlog"
	"github.com/danmuck/pvagate/internal/testutil/tlstest"
	"github.com/danmuck/pvagate/internal/transport"
)

func sessionConfig() session.Config {
	return session.Config{ConnectTimeout: 2 * time.Second, HandshakeTimeout: 2 * time.Second}.WithDefaults()
}

// startAcceptor serves backend on a loopback listener until the test ends.
func startAcceptor(t *testing.T, backend Backend, tlsCfg *tls.Config, opts ...AcceptorOption) (*Acceptor, netip.AddrPort) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().(*net.TCPAddr).AddrPort()
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}
	a := NewAcceptor(sessionConfig(), backend, Identity{TCPPort: addr.Port()}, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("serve: %v", err)
		}
	})
	return a, addr
}

func dialSession(t *testing.T, cfg session.Config, ep transport.Endpoint, opts ...transport.Option) *transport.Session {
	t.Helper()
	m := transport.NewManager(cfg, opts...)
	t.Cleanup(func() { m.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s, err := m.Acquire(ctx, ep)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	return s
}

func roundTrip(t *testing.T, s *transport.Session, build func(ioid uint32) protocol.Message) protocol.Message {
	t.Helper()
	got := make(chan protocol.Message, 1)
	_, err := s.Submit(context.Background(), build, func(msg protocol.Message, err error) {
		if err != nil {
			t.Errorf("request failed: %v", err)
		}
		got <- msg
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	select {
	case msg := <-got:
		return msg
	case <-time.After(3 * time.Second):
		t.Fatalf("no response")
		return nil
	}
}

func TestAcceptorServesGetPutAndCreate(t *testing.T) {
	testlog.Start(t)

	backend := NewMemoryBackend(map[string]any{"X": int64(7)})
	a, addr := startAcceptor(t, backend, nil)
	s := dialSession(t, sessionConfig(), transport.Endpoint{Addr: addr})
	if s.AuthMethod() != auth.MethodCA && s.AuthMethod() != auth.MethodAnonymous {
		t.Fatalf("auth method = %q", s.AuthMethod())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := s.CreateChannel(ctx, 1, "missing"); err == nil {
		t.Fatalf("expected create of unknown channel to fail")
	} else {
		var se *protocol.StatusError
		if !errors.As(err, &se) {
			t.Fatalf("expected *protocol.StatusError, got %v", err)
		}
	}
	sid, err := s.CreateChannel(ctx, 2, "X")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	codec := value.Default()
	payload, _ := codec.Marshal(int64(42))
	put := roundTrip(t, s, func(ioid uint32) protocol.Message {
		return protocol.PutRequest{SID: sid, IOID: ioid, Sub: protocol.SubDestroy, Value: payload}
	})
	if err := put.(protocol.PutResponse).Status.Err(protocol.CmdPut); err != nil {
		t.Fatalf("put status: %v", err)
	}

	get := roundTrip(t, s, func(ioid uint32) protocol.Message {
		return protocol.GetRequest{SID: sid, IOID: ioid, Sub: protocol.SubGet | protocol.SubDestroy}
	})
	resp := get.(protocol.GetResponse)
	v, err := codec.Unmarshal(resp.Value)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n, ok := v.(int64); !ok || n != 42 {
		t.Fatalf("get after put = %#v", v)
	}

	bad := roundTrip(t, s, func(ioid uint32) protocol.Message {
		return protocol.GetRequest{SID: sid + 50, IOID: ioid, Sub: protocol.SubGet}
	})
	if bad.(protocol.GetResponse).Status.IsSuccess() {
		t.Fatalf("get on unknown sid should fail")
	}

	conns := a.Connections()
	if len(conns) != 1 || conns[0].Channels != 1 {
		t.Fatalf("connections = %+v", conns)
	}
}

func TestAcceptorMonitorLifecycle(t *testing.T) {
	testlog.Start(t)

	backend := NewMemoryBackend(map[string]any{"X": "a"})
	a, addr := startAcceptor(t, backend, nil)
	s := dialSession(t, sessionConfig(), transport.Endpoint{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	sid, err := s.CreateChannel(ctx, 1, "X")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	updates := make(chan protocol.MonitorUpdate, 16)
	ioid, err := s.Stream(ctx, func(ioid uint32) protocol.Message {
		return protocol.MonitorRequest{SID: sid, IOID: ioid, Sub: protocol.SubInit | protocol.SubStart, QueueSize: 4}
	}, func(msg protocol.Message, err error) {
		if m, ok := msg.(protocol.MonitorUpdate); ok {
			updates <- m
		}
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	next := func() protocol.MonitorUpdate {
		t.Helper()
		select {
		case m := <-updates:
			return m
		case <-time.After(3 * time.Second):
			t.Fatalf("no monitor update")
			return protocol.MonitorUpdate{}
		}
	}
	if m := next(); m.Sub&protocol.SubInit == 0 || m.Value != nil {
		t.Fatalf("first update should be the init ack, got %+v", m)
	}
	codec := value.Default()
	for _, want := range []string{"a", "b"} {
		if want == "b" {
			backend.Set("X", "b")
		}
		m := next()
		v, err := codec.Unmarshal(m.Value)
		if err != nil || v != want {
			t.Fatalf("update = %v (%v), want %q", v, err, want)
		}
	}

	if err := s.Send(ctx, protocol.MonitorRequest{SID: sid, IOID: ioid, Sub: protocol.SubDestroy}); err != nil {
		t.Fatalf("destroy monitor: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for a.Connections()[0].Monitors != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("monitor still registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAcceptorAnswersNameServerSearch(t *testing.T) {
	testlog.Start(t)

	_, addr := startAcceptor(t, NewMemoryBackend(map[string]any{"X": 1}), nil)
	replies := make(chan protocol.SearchReply, 1)
	cfg := sessionConfig()
	m := transport.NewManager(cfg, transport.WithSearchReplies(func(r protocol.SearchReply, _ netip.AddrPort) {
		select {
		case replies <- r:
		default:
		}
	}))
	t.Cleanup(func() { m.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req := protocol.SearchRequest{Sequence: 1, Channels: []protocol.SearchChannel{{ID: 11, Name: "X"}, {ID: 12, Name: "Y"}}}
	if err := m.Forward(ctx, addr, req); err != nil {
		t.Fatalf("forward: %v", err)
	}
	select {
	case r := <-replies:
		if !r.Found || len(r.IDs) != 1 || r.IDs[0] != 11 || r.Server.Port() != addr.Port() {
			t.Fatalf("reply = %+v", r)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no search reply over tcp")
	}
}

func TestAcceptorRefusesRejectedIdentity(t *testing.T) {
	testlog.Start(t)

	policy := auth.Policy{Methods: []string{auth.MethodCA}, Validator: auth.AllowUsers{"operator"}}
	_, addr := startAcceptor(t, NewMemoryBackend(nil), nil, WithPolicy(policy))

	m := transport.NewManager(sessionConfig(), transport.WithCredentials(auth.Credentials{User: "intruder", Host: "h"}))
	t.Cleanup(func() { m.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := m.Acquire(ctx, transport.Endpoint{Addr: addr}); !errors.Is(err, transport.ErrHandshake) {
		t.Fatalf("expected handshake failure, got %v", err)
	}

	ok := transport.NewManager(sessionConfig(), transport.WithCredentials(auth.Credentials{User: "operator", Host: "h"}))
	t.Cleanup(func() { ok.Close() })
	s, err := ok.Acquire(ctx, transport.Endpoint{Addr: addr})
	if err != nil {
		t.Fatalf("allowed user refused: %v", err)
	}
	if s.AuthMethod() != auth.MethodCA {
		t.Fatalf("auth method = %q", s.AuthMethod())
	}
}

func TestAcceptorTLSRequiresClientCertificate(t *testing.T) {
	testlog.Start(t)

	ca := tlstest.NewAuthority(t, "pvagate test ca")
	serverPair := ca.IssueServer(t, "localhost")
	clientPair := ca.IssueClient(t, "operator")

	serverTLS, err := session.TLSConfig{
		Enabled: true, RequirePeerCert: true, CAFile: ca.CAFile(),
		CertFile: serverPair.CertFile, KeyFile: serverPair.KeyFile,
	}.ServerTLS()
	if err != nil {
		t.Fatalf("server tls: %v", err)
	}
	a, addr := startAcceptor(t, NewMemoryBackend(map[string]any{"X": 1}), serverTLS)

	cfg := sessionConfig()
	cfg.TLS = session.TLSConfig{Enabled: true, CAFile: ca.CAFile(), CertFile: clientPair.CertFile, KeyFile: clientPair.KeyFile}
	s := dialSession(t, cfg, transport.Endpoint{Addr: addr, TLS: true})
	if s.AuthMethod() != auth.MethodX509 {
		t.Fatalf("auth method = %q, want x509", s.AuthMethod())
	}
	if conns := a.Connections(); len(conns) != 1 || conns[0].Identity != "x509:operator" {
		t.Fatalf("connections = %+v", conns)
	}

	anon := cfg
	anon.TLS.CertFile, anon.TLS.KeyFile = "", ""
	m := transport.NewManager(anon)
	t.Cleanup(func() { m.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := m.Acquire(ctx, transport.Endpoint{Addr: addr, TLS: true}); err == nil {
		t.Fatalf("client without certificate should be refused")
	}
}

func TestAcceptorRejectsInvalidRequests(t *testing.T) {
	testlog.Start(t)

	backend := NewMemoryBackend(map[string]any{"X": int64(7)})
	_, addr := startAcceptor(t, backend, nil)
	s := dialSession(t, sessionConfig(), transport.Endpoint{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := s.CreateChannel(ctx, 1, "")
	var se *protocol.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("create with empty name: expected *protocol.StatusError, got %v", err)
	}

	sid, err := s.CreateChannel(ctx, 2, "X")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	put := roundTrip(t, s, func(ioid uint32) protocol.Message {
		return protocol.PutRequest{SID: sid, IOID: ioid, Sub: protocol.SubDestroy}
	})
	if err := put.(protocol.PutResponse).Status.Err(protocol.CmdPut); err == nil {
		t.Fatalf("null put accepted")
	}
	if v, _ := backend.Get(ctx, "X"); v != int64(7) {
		t.Fatalf("rejected put changed the value to %v", v)
	}
}
