package transport

import (
	"crypto/tls"
	"encoding/binary"
	"net"
	"sync"
	"testing"

	"github.com/danmuck/pvagate/internal/auth"
	"github.com/danmuck/pvagate/internal/protocol"
	"github.com/danmuck/pvagate/internal/protocol/frame"
)

// fakeServer speaks just enough of the server side to drive sessions.
type fakeServer struct {
	t       *testing.T
	ln      net.Listener
	methods []string
	status  protocol.Status
	handle  func(c *fakeConn, msg protocol.Message)

	mu       sync.Mutex
	conns    []*fakeConn
	accepted chan *fakeConn
}

type fakeConn struct {
	conn   net.Conn
	order  binary.ByteOrder
	method string
	recv   chan protocol.Message

	mu sync.Mutex
}

func (c *fakeConn) send(m protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return frame.WriteFrames(c.conn, protocol.EncodeSegmented(m, c.order, true, 1<<20)...)
}

func startFakeServer(t *testing.T, tlsCfg *tls.Config, setup func(*fakeServer)) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}
	s := &fakeServer{
		t:        t,
		ln:       ln,
		methods:  []string{auth.MethodCA, auth.MethodAnonymous},
		handle:   defaultHandle,
		accepted: make(chan *fakeConn, 16),
	}
	if setup != nil {
		setup(s)
	}
	go s.acceptLoop()
	t.Cleanup(s.close)
	return s
}

func (s *fakeServer) addr() string { return s.ln.Addr().String() }

func (s *fakeServer) close() {
	s.ln.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.conn.Close()
	}
}

func (s *fakeServer) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.serve(conn)
	}
}

func (s *fakeServer) serve(conn net.Conn) {
	c := &fakeConn{conn: conn, order: binary.LittleEndian, recv: make(chan protocol.Message, 64)}
	s.mu.Lock()
	s.conns = append(s.conns, c)
	s.mu.Unlock()
	defer conn.Close()

	if err := c.send(protocol.SetByteOrder{BigEndian: false}); err != nil {
		return
	}
	if err := c.send(protocol.ValidationRequest{ReceiveBufferSize: 8192, RegistrySize: 0x7FFF, AuthMethods: s.methods}); err != nil {
		return
	}
	rd := frame.NewReader(conn, frame.DefaultLimits())
	f, err := rd.ReadFrame()
	if err != nil {
		return
	}
	msg, err := protocol.Decode(f)
	if err != nil {
		return
	}
	resp, ok := msg.(protocol.ValidationResponse)
	if !ok {
		return
	}
	c.method = resp.AuthMethod
	if err := c.send(protocol.Validated{Status: s.status}); err != nil {
		return
	}
	s.accepted <- c
	for {
		f, err := rd.ReadFrame()
		if err != nil {
			return
		}
		msg, err := protocol.Decode(f)
		if err != nil {
			return
		}
		select {
		case c.recv <- msg:
		default:
		}
		if s.handle != nil {
			s.handle(c, msg)
		}
	}
}

func defaultHandle(c *fakeConn, msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.EchoRequest:
		c.send(protocol.EchoResponse{Data: m.Data})
	case protocol.CreateChannelRequest:
		for _, ch := range m.Channels {
			if ch.Name == "missing" {
				c.send(protocol.CreateChannelResponse{CID: ch.CID, Status: protocol.ErrorStatus("channel %q does not exist", ch.Name)})
				continue
			}
			c.send(protocol.CreateChannelResponse{CID: ch.CID, SID: ch.CID + 100})
		}
	case protocol.GetRequest:
		c.send(protocol.GetResponse{IOID: m.IOID, Sub: m.Sub, Value: []byte{byte(m.SID)}})
	case protocol.SearchRequest:
		ids := make([]uint32, 0, len(m.Channels))
		for _, ch := range m.Channels {
			ids = append(ids, ch.ID)
		}
		c.send(protocol.SearchReply{Protocol: protocol.ProtocolTCP, Found: true, IDs: ids})
	}
}
