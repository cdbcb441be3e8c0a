package server

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/pvagate/internal/auth"
	"github.com/danmuck/pvagate/internal/observability"
	"github.com/danmuck/pvagate/internal/protocol"
	"github.com/danmuck/pvagate/internal/protocol/frame"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
)

const registrySize = 0x7FFF

type serverChannel struct {
	name string
	cid  uint32
}

type monitor struct {
	ioid   uint32
	sid    uint32
	stop   func()
	paused atomic.Bool
}

// conn is the server side of one session.
type conn struct {
	a       *Acceptor
	id      xid.ID
	nc      net.Conn
	rd      *frame.Reader
	order   binary.ByteOrder
	segment int
	peer    auth.Identity
	logger  zerolog.Logger
	ctx     context.Context
	cancel  context.CancelFunc

	out       chan []frame.Frame
	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	nextSID  uint32
	channels map[uint32]serverChannel
	monitors map[uint32]*monitor
}

func newConn(a *Acceptor, nc net.Conn) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		a:        a,
		id:       xid.New(),
		nc:       nc,
		rd:       frame.NewReader(nc, frame.DefaultLimits()),
		order:    binary.LittleEndian,
		segment:  a.cfg.SendBufferSize,
		ctx:      ctx,
		cancel:   cancel,
		out:      make(chan []frame.Frame, a.cfg.QueueDepth),
		done:     make(chan struct{}),
		channels: make(map[uint32]serverChannel),
		monitors: make(map[uint32]*monitor),
	}
	c.logger = a.logger.With().Str("conn", c.id.String()).Str("remote", nc.RemoteAddr().String()).Logger()
	return c
}

func (c *conn) info() ConnInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnInfo{
		ID:       c.id.String(),
		Remote:   c.nc.RemoteAddr().String(),
		Identity: c.peer.String(),
		Channels: len(c.channels),
		Monitors: len(c.monitors),
	}
}

// handshake mirrors the client: byte order and offer out, the client's
// choice in, then the verdict.
func (c *conn) handshake(ctx context.Context) error {
	deadline := time.Now().Add(c.a.cfg.HandshakeTimeout)
	if err := c.nc.SetDeadline(deadline); err != nil {
		return err
	}
	defer c.nc.SetDeadline(time.Time{})

	var state *tls.ConnectionState
	if tc, ok := c.nc.(*tls.Conn); ok {
		hctx, cancel := context.WithDeadline(ctx, deadline)
		err := tc.HandshakeContext(hctx)
		cancel()
		if err != nil {
			return fmt.Errorf("tls: %w", err)
		}
		cs := tc.ConnectionState()
		state = &cs
	}

	if err := c.writeNow(protocol.SetByteOrder{BigEndian: c.order == binary.BigEndian}); err != nil {
		return err
	}
	offer := protocol.ValidationRequest{
		ReceiveBufferSize: uint32(c.a.cfg.ReceiveBufferSize),
		RegistrySize:      registrySize,
		AuthMethods:       c.a.policy.Offer(state),
	}
	if err := c.writeNow(offer); err != nil {
		return err
	}
	f, err := c.rd.ReadFrame()
	if err != nil {
		return err
	}
	msg, err := protocol.Decode(f)
	if err != nil {
		return err
	}
	resp, ok := msg.(protocol.ValidationResponse)
	if !ok {
		return fmt.Errorf("server: unexpected %s during validation", msg.Command())
	}
	peer, err := c.a.policy.Accept(resp.AuthMethod, resp.AuthData, state)
	if err != nil {
		_ = c.writeNow(protocol.Validated{Status: protocol.ErrorStatus("authentication refused: %v", err)})
		return err
	}
	c.peer = peer
	if n := int(resp.ReceiveBufferSize); n > 0 && n < c.segment {
		c.segment = n
	}
	if err := c.writeNow(protocol.Validated{}); err != nil {
		return err
	}
	observability.RecordSessionOpened("server")
	return nil
}

// writeNow writes directly to the socket. Only the handshake uses it,
// before the writer goroutine starts.
func (c *conn) writeNow(msg protocol.Message) error {
	return frame.WriteFrames(c.nc, protocol.EncodeSegmented(msg, c.order, true, c.segment)...)
}

func (c *conn) send(msg protocol.Message) error {
	frames := protocol.EncodeSegmented(msg, c.order, true, c.segment)
	select {
	case c.out <- frames:
		return nil
	case <-c.done:
		return ErrConnClosed
	}
}

func (c *conn) writeLoop() {
	for {
		select {
		case frames := <-c.out:
			if c.a.cfg.WriteTimeout > 0 {
				_ = c.nc.SetWriteDeadline(time.Now().Add(c.a.cfg.WriteTimeout))
			}
			if err := frame.WriteFrames(c.nc, frames...); err != nil {
				c.teardown(fmt.Errorf("write: %w", err))
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *conn) readLoop() {
	for {
		f, err := c.rd.ReadFrame()
		if err != nil {
			c.teardown(err)
			return
		}
		msg, err := protocol.Decode(f)
		if err != nil {
			if errors.Is(err, protocol.ErrUnknownCommand) {
				c.logger.Debug().Err(err).Msg("ignoring unknown command")
				continue
			}
			c.teardown(err)
			return
		}
		c.dispatch(msg)
	}
}

func (c *conn) teardown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		monitors := c.monitors
		c.monitors = make(map[uint32]*monitor)
		c.mu.Unlock()

		c.cancel()
		close(c.done)
		c.nc.Close()
		for _, m := range monitors {
			m.stop()
		}
		reason := "lost"
		if errors.Is(err, ErrServerClosed) || errors.Is(err, net.ErrClosed) {
			reason = "closed"
		}
		c.logger.Debug().Err(err).Msg("session ended")
		observability.RecordSessionClosed("server", reason)
	})
}

func (c *conn) dispatch(msg protocol.Message) {
	if err := protocol.Validate(msg); err != nil {
		c.reject(msg, err)
		return
	}
	switch m := msg.(type) {
	case protocol.EchoRequest:
		c.send(protocol.EchoResponse{Data: m.Data})
	case protocol.EchoResponse:
	case protocol.SearchRequest:
		if reply, ok := answer(c.a.id, c.a.backend, m); ok {
			c.send(reply)
		}
	case protocol.CreateChannelRequest:
		for _, req := range m.Channels {
			c.send(c.create(req))
		}
	case protocol.DestroyChannel:
		c.destroy(m.SID)
	case protocol.GetRequest:
		c.send(c.get(m))
	case protocol.PutRequest:
		c.send(c.put(m))
	case protocol.MonitorRequest:
		c.monitor(m)
	default:
		c.logger.Debug().Str("command", msg.Command().String()).Msg("unexpected message")
	}
}

// reject answers a request that failed validation so the caller's pending
// operation completes with an error instead of timing out.
func (c *conn) reject(msg protocol.Message, err error) {
	c.logger.Warn().Err(err).Msg("invalid request")
	st := protocol.ErrorStatus("%v", err)
	switch m := msg.(type) {
	case protocol.CreateChannelRequest:
		for _, req := range m.Channels {
			c.send(protocol.CreateChannelResponse{CID: req.CID, Status: st})
		}
	case protocol.PutRequest:
		c.send(protocol.PutResponse{IOID: m.IOID, Sub: m.Sub, Status: st})
	case protocol.MonitorRequest:
		c.send(protocol.MonitorUpdate{IOID: m.IOID, Sub: protocol.SubInit | protocol.SubDestroy, Status: st})
	}
}

func (c *conn) create(req protocol.ChannelRequest) protocol.CreateChannelResponse {
	if !c.a.backend.Has(req.Name) {
		return protocol.CreateChannelResponse{CID: req.CID, Status: protocol.ErrorStatus("channel %q does not exist", req.Name)}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		c.nextSID++
		if _, busy := c.channels[c.nextSID]; c.nextSID != 0 && !busy {
			break
		}
	}
	c.channels[c.nextSID] = serverChannel{name: req.Name, cid: req.CID}
	c.logger.Debug().Str("channel", req.Name).Uint32("sid", c.nextSID).Msg("channel created")
	return protocol.CreateChannelResponse{CID: req.CID, SID: c.nextSID}
}

func (c *conn) destroy(sid uint32) {
	c.mu.Lock()
	delete(c.channels, sid)
	var stopped []*monitor
	for ioid, m := range c.monitors {
		if m.sid == sid {
			stopped = append(stopped, m)
			delete(c.monitors, ioid)
		}
	}
	c.mu.Unlock()
	for _, m := range stopped {
		m.stop()
	}
}

// drop destroys the channels named name and sends DestroyChannel for each
// so the client stops using the server id.
func (c *conn) drop(name string) int {
	c.mu.Lock()
	var gone []protocol.DestroyChannel
	for sid, ch := range c.channels {
		if ch.name == name {
			gone = append(gone, protocol.DestroyChannel{SID: sid, CID: ch.cid})
		}
	}
	c.mu.Unlock()
	for _, m := range gone {
		c.destroy(m.SID)
		c.send(m)
	}
	return len(gone)
}

func (c *conn) lookup(sid uint32) (serverChannel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[sid]
	if !ok {
		return serverChannel{}, fmt.Errorf("unknown channel id %d", sid)
	}
	return ch, nil
}

func (c *conn) get(m protocol.GetRequest) protocol.GetResponse {
	resp := protocol.GetResponse{IOID: m.IOID, Sub: m.Sub}
	ch, err := c.lookup(m.SID)
	if err != nil {
		resp.Status = protocol.ErrorStatus("%v", err)
		return resp
	}
	v, err := c.a.backend.Get(c.ctx, ch.name)
	if err != nil {
		resp.Status = protocol.ErrorStatus("%v", err)
		return resp
	}
	payload, err := c.a.codec.Marshal(v)
	if err != nil {
		resp.Status = protocol.ErrorStatus("%v", err)
		return resp
	}
	resp.Value = payload
	return resp
}

func (c *conn) put(m protocol.PutRequest) protocol.PutResponse {
	resp := protocol.PutResponse{IOID: m.IOID, Sub: m.Sub}
	ch, err := c.lookup(m.SID)
	if err != nil {
		resp.Status = protocol.ErrorStatus("%v", err)
		return resp
	}
	v, err := c.a.codec.Unmarshal(m.Value)
	if err != nil {
		resp.Status = protocol.ErrorStatus("%v", err)
		return resp
	}
	if err := c.a.backend.Put(c.ctx, ch.name, v); err != nil {
		resp.Status = protocol.ErrorStatus("%v", err)
	}
	return resp
}

// monitor handles subscribe, pause, resume and unsubscribe. Start and Stop
// share a bit, so destroy and init are checked first.
func (c *conn) monitor(m protocol.MonitorRequest) {
	switch {
	case m.Sub&protocol.SubDestroy != 0:
		c.mu.Lock()
		mon := c.monitors[m.IOID]
		delete(c.monitors, m.IOID)
		c.mu.Unlock()
		if mon != nil {
			mon.stop()
		}
	case m.Sub&protocol.SubInit != 0:
		c.startMonitor(m)
	case m.Sub&protocol.SubStart == protocol.SubStart:
		c.setPaused(m.IOID, false)
	case m.Sub&protocol.SubStop != 0:
		c.setPaused(m.IOID, true)
	}
}

func (c *conn) setPaused(ioid uint32, paused bool) {
	c.mu.Lock()
	mon := c.monitors[ioid]
	c.mu.Unlock()
	if mon != nil {
		mon.paused.Store(paused)
	}
}

func (c *conn) startMonitor(m protocol.MonitorRequest) {
	fail := func(err error) {
		c.send(protocol.MonitorUpdate{IOID: m.IOID, Sub: protocol.SubInit | protocol.SubDestroy, Status: protocol.ErrorStatus("%v", err)})
	}
	ch, err := c.lookup(m.SID)
	if err != nil {
		fail(err)
		return
	}
	values, stop, err := c.a.backend.Subscribe(c.ctx, ch.name)
	if err != nil {
		fail(err)
		return
	}
	mon := &monitor{ioid: m.IOID, sid: m.SID, stop: stop}
	mon.paused.Store(m.Sub&protocol.SubStart != protocol.SubStart)

	c.mu.Lock()
	if old := c.monitors[m.IOID]; old != nil {
		old.stop()
	}
	c.monitors[m.IOID] = mon
	c.mu.Unlock()

	c.send(protocol.MonitorUpdate{IOID: m.IOID, Sub: protocol.SubInit})
	go c.pump(mon, values)
}

// pump forwards backend values until the monitor is stopped. A stream the
// backend ends on its own is reported to the client as destroyed.
func (c *conn) pump(mon *monitor, values <-chan any) {
	for v := range values {
		if mon.paused.Load() {
			continue
		}
		payload, err := c.a.codec.Marshal(v)
		if err != nil {
			c.send(protocol.MonitorUpdate{IOID: mon.ioid, Status: protocol.ErrorStatus("%v", err)})
			continue
		}
		if err := c.send(protocol.MonitorUpdate{IOID: mon.ioid, Value: payload}); err != nil {
			return
		}
	}
	c.mu.Lock()
	current := c.monitors[mon.ioid] == mon
	if current {
		delete(c.monitors, mon.ioid)
	}
	c.mu.Unlock()
	if current {
		c.send(protocol.MonitorUpdate{IOID: mon.ioid, Sub: protocol.SubDestroy})
	}
}
