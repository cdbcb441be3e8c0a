package transport

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/danmuck/pvagate/internal/auth"
	"github.com/danmuck/pvagate/internal/clock"
	"github.com/danmuck/pvagate/internal/observability"
	"github.com/danmuck/pvagate/internal/protocol"
	"github.com/danmuck/pvagate/internal/protocol/frame"
	"github.com/danmuck/pvagate/internal/protocol/session"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
)

const registrySize = 0x7FFF

// Handler receives the outcome of one request. Exactly one of msg and err is
// set. It runs on the session's reader goroutine and must not block.
type Handler func(msg protocol.Message, err error)

// Listener is notified about channel-level events on a session.
type Listener interface {
	// ChannelDestroyed reports that the server dropped the channel.
	ChannelDestroyed(cid uint32)
	// SessionLost reports teardown. The listener is already detached.
	SessionLost(err error)
}

type pendingRequest struct {
	h      Handler
	stream bool
}

type createResult struct {
	resp protocol.CreateChannelResponse
	err  error
}

type sessionOptions struct {
	clock         clock.Clock
	logger        zerolog.Logger
	creds         auth.Credentials
	onSearchReply func(protocol.SearchReply, netip.AddrPort)
	onClose       func(*Session)
}

// Session is one validated connection. All writes go through a single
// outbound queue so requests on one channel reach the server in order.
type Session struct {
	id      xid.ID
	ep      Endpoint
	cfg     session.Config
	opts    sessionOptions
	logger  zerolog.Logger
	conn    net.Conn
	rd      *frame.Reader
	order   binary.ByteOrder
	segment int
	method  string

	out       chan []frame.Frame
	done      chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	err       error
	nextIOID  uint32
	pending   map[uint32]pendingRequest
	creates   map[uint32]chan createResult
	listeners map[uint32]Listener
	lastRecv  time.Time
	echoSent  time.Time
}

func dial(ctx context.Context, ep Endpoint, cfg session.Config, opts sessionOptions) (*Session, error) {
	d := net.Dialer{Timeout: cfg.ConnectTimeout}
	conn, err := d.DialContext(ctx, "tcp", ep.Addr.String())
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", ep, err)
	}
	if ep.TLS {
		tcfg, err := cfg.TLS.ClientTLS(ep.Addr.Addr().String())
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("transport: tls config: %w: %w", protocol.ErrConfig, err)
		}
		tc := tls.Client(conn, tcfg)
		hctx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
		err = tc.HandshakeContext(hctx)
		cancel()
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: tls: %v", ErrHandshake, err)
		}
		conn = tc
	}

	s := &Session{
		id:        xid.New(),
		ep:        ep,
		cfg:       cfg,
		opts:      opts,
		conn:      conn,
		rd:        frame.NewReader(conn, frame.DefaultLimits()),
		order:     binary.BigEndian,
		segment:   cfg.SendBufferSize,
		out:       make(chan []frame.Frame, cfg.QueueDepth),
		done:      make(chan struct{}),
		pending:   make(map[uint32]pendingRequest),
		creates:   make(map[uint32]chan createResult),
		listeners: make(map[uint32]Listener),
	}
	s.logger = opts.logger.With().Str("session", s.id.String()).Str("endpoint", ep.String()).Logger()
	if err := s.handshake(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	s.lastRecv = opts.clock.Now()
	observability.RecordSessionOpened("client")
	s.logger.Debug().Str("auth", s.method).Int("segment", s.segment).Msg("session validated")
	go s.readLoop()
	go s.writeLoop()
	return s, nil
}

// handshake runs connection validation: the server announces its byte order
// and offer, the client answers, and the server confirms.
func (s *Session) handshake(ctx context.Context) error {
	deadline := time.Now().Add(s.cfg.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := s.conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	defer s.conn.SetDeadline(time.Time{})

	var offer *protocol.ValidationRequest
	for offer == nil {
		msg, err := s.readMessage()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrHandshake, err)
		}
		switch m := msg.(type) {
		case protocol.SetByteOrder:
			s.order = byteOrder(m.BigEndian)
		case protocol.ValidationRequest:
			offer = &m
		default:
			return fmt.Errorf("%w: unexpected %s before validation", ErrHandshake, msg.Command())
		}
	}

	if s.cfg.TLS.RequirePeerCert {
		tc, ok := s.conn.(*tls.Conn)
		if !ok || len(tc.ConnectionState().PeerCertificates) == 0 {
			return ErrPeerCertRequired
		}
	}
	method, data, err := s.opts.creds.Choose(offer.AuthMethods)
	if err != nil {
		if errors.Is(err, auth.ErrPeerCertRequired) {
			return ErrPeerCertRequired
		}
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	s.method = method
	if n := int(offer.ReceiveBufferSize); n > 0 && n < s.segment {
		s.segment = n
	}

	resp := protocol.ValidationResponse{
		ReceiveBufferSize: uint32(s.cfg.ReceiveBufferSize),
		RegistrySize:      registrySize,
		AuthMethod:        method,
		AuthData:          data,
	}
	if err := frame.WriteFrames(s.conn, protocol.EncodeSegmented(resp, s.order, false, s.segment)...); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	for {
		msg, err := s.readMessage()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrHandshake, err)
		}
		switch m := msg.(type) {
		case protocol.Validated:
			if err := m.Status.Err(protocol.CmdConnectionValidated); err != nil {
				return fmt.Errorf("%w: %w", ErrHandshake, err)
			}
			return nil
		case protocol.SetByteOrder:
			s.order = byteOrder(m.BigEndian)
		default:
			return fmt.Errorf("%w: unexpected %s during validation", ErrHandshake, msg.Command())
		}
	}
}

func (s *Session) readMessage() (protocol.Message, error) {
	f, err := s.rd.ReadFrame()
	if err != nil {
		return nil, err
	}
	return protocol.Decode(f)
}

func byteOrder(big bool) binary.ByteOrder {
	if big {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func (s *Session) ID() string                  { return s.id.String() }
func (s *Session) Endpoint() Endpoint          { return s.ep }
func (s *Session) AuthMethod() string          { return s.method }
func (s *Session) SegmentSize() int            { return s.segment }
func (s *Session) Done() <-chan struct{}       { return s.done }
func (s *Session) ByteOrder() binary.ByteOrder { return s.order }

// Err returns the teardown cause, or nil while the session is open.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Send queues msg behind everything already submitted.
func (s *Session) Send(ctx context.Context, msg protocol.Message) error {
	frames := protocol.EncodeSegmented(msg, s.order, false, s.segment)
	if s.Closed() {
		return s.Err()
	}
	if ctx.Err() != nil {
		return protocol.ContextError(ctx)
	}
	select {
	case s.out <- frames:
		return nil
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return protocol.ContextError(ctx)
	}
}

// Submit reserves a request id, records h under it and queues the message
// built for that id. h is called once, with the first response.
func (s *Session) Submit(ctx context.Context, build func(ioid uint32) protocol.Message, h Handler) (uint32, error) {
	return s.submit(ctx, build, h, false)
}

// Stream is Submit for requests that receive many responses, such as
// monitors. h is called until Cancel or teardown.
func (s *Session) Stream(ctx context.Context, build func(ioid uint32) protocol.Message, h Handler) (uint32, error) {
	return s.submit(ctx, build, h, true)
}

func (s *Session) submit(ctx context.Context, build func(uint32) protocol.Message, h Handler, stream bool) (uint32, error) {
	s.mu.Lock()
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return 0, err
	}
	ioid, ok := s.allocLocked()
	if !ok {
		s.mu.Unlock()
		return 0, ErrIDsExhausted
	}
	s.pending[ioid] = pendingRequest{h: h, stream: stream}
	s.mu.Unlock()

	if err := s.Send(ctx, build(ioid)); err != nil {
		s.Cancel(ioid)
		return 0, err
	}
	return ioid, nil
}

// allocLocked returns the next id not currently outstanding. Zero is never
// used.
func (s *Session) allocLocked() (uint32, bool) {
	for range len(s.pending) + 2 {
		s.nextIOID++
		if s.nextIOID == 0 {
			continue
		}
		if _, busy := s.pending[s.nextIOID]; !busy {
			return s.nextIOID, true
		}
	}
	return 0, false
}

// Cancel forgets ioid; a late response for it is discarded. It reports
// whether the id was outstanding.
func (s *Session) Cancel(ioid uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[ioid]
	delete(s.pending, ioid)
	return ok
}

// Outstanding returns the number of requests awaiting a response.
func (s *Session) Outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// CreateChannel asks the server for a channel and returns its server id.
// A refusal is returned as *protocol.StatusError.
func (s *Session) CreateChannel(ctx context.Context, cid uint32, name string) (uint32, error) {
	ch := make(chan createResult, 1)
	s.mu.Lock()
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return 0, err
	}
	s.creates[cid] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.creates[cid] == ch {
			delete(s.creates, cid)
		}
		s.mu.Unlock()
	}()

	req := protocol.CreateChannelRequest{Channels: []protocol.ChannelRequest{{CID: cid, Name: name}}}
	if err := s.Send(ctx, req); err != nil {
		return 0, err
	}
	select {
	case r := <-ch:
		if r.err != nil {
			return 0, r.err
		}
		if err := r.resp.Status.Err(protocol.CmdCreateChannel); err != nil {
			return 0, err
		}
		return r.resp.SID, nil
	case <-ctx.Done():
		return 0, protocol.ContextError(ctx)
	}
}

// DestroyChannel detaches cid and tells the server to drop it.
func (s *Session) DestroyChannel(ctx context.Context, sid, cid uint32) error {
	s.Detach(cid)
	return s.Send(ctx, protocol.DestroyChannel{SID: sid, CID: cid})
}

func (s *Session) Attach(cid uint32, l Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.listeners[cid] = l
	return nil
}

func (s *Session) Detach(cid uint32) {
	s.mu.Lock()
	delete(s.listeners, cid)
	s.mu.Unlock()
}

func (s *Session) Close() error {
	s.teardown(ErrSessionClosed)
	return nil
}

func (s *Session) readLoop() {
	for {
		f, err := s.rd.ReadFrame()
		if err != nil {
			s.teardown(fmt.Errorf("%w: read: %w", ErrConnectionLost, err))
			return
		}
		s.touch()
		msg, err := protocol.Decode(f)
		if err != nil {
			if errors.Is(err, protocol.ErrUnknownCommand) {
				s.logger.Debug().Err(err).Msg("ignoring unknown command")
				continue
			}
			s.teardown(fmt.Errorf("%w: %w", ErrConnectionLost, err))
			return
		}
		s.dispatch(msg)
	}
}

func (s *Session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case frames := <-s.out:
			if s.cfg.WriteTimeout > 0 {
				s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			}
			if err := frame.WriteFrames(s.conn, frames...); err != nil {
				s.teardown(fmt.Errorf("%w: write: %w", ErrConnectionLost, err))
				return
			}
		}
	}
}

func (s *Session) dispatch(msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.EchoRequest, protocol.EchoResponse:
	case protocol.CreateChannelResponse:
		s.mu.Lock()
		ch := s.creates[m.CID]
		delete(s.creates, m.CID)
		s.mu.Unlock()
		if ch == nil {
			s.logger.Debug().Uint32("cid", m.CID).Msg("create response for unknown channel")
			return
		}
		ch <- createResult{resp: m}
	case protocol.DestroyChannel:
		s.mu.Lock()
		l := s.listeners[m.CID]
		delete(s.listeners, m.CID)
		s.mu.Unlock()
		if l != nil {
			l.ChannelDestroyed(m.CID)
		}
	case protocol.GetResponse:
		s.deliver(m.IOID, m, false)
	case protocol.PutResponse:
		s.deliver(m.IOID, m, false)
	case protocol.MonitorUpdate:
		s.deliver(m.IOID, m, m.Sub&protocol.SubDestroy != 0)
	case protocol.ErrorMessage:
		s.deliver(m.IOID, m, m.Severity >= protocol.StatusErr)
	case protocol.SearchReply:
		if s.opts.onSearchReply != nil {
			s.opts.onSearchReply(m, s.ep.Addr)
		}
	default:
		s.logger.Debug().Str("command", msg.Command().String()).Msg("unexpected message")
	}
}

// deliver hands msg to the handler for ioid. One-shot handlers, and
// streams when final is set, are removed first.
func (s *Session) deliver(ioid uint32, msg protocol.Message, final bool) {
	s.mu.Lock()
	p, ok := s.pending[ioid]
	if ok && (!p.stream || final) {
		delete(s.pending, ioid)
	}
	s.mu.Unlock()
	if !ok {
		s.logger.Debug().Uint32("ioid", ioid).Str("command", msg.Command().String()).Msg("discarding late response")
		return
	}
	p.h(msg, nil)
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastRecv = s.opts.clock.Now()
	s.echoSent = time.Time{}
	s.mu.Unlock()
}

// keepAlive sends an echo once the session has been idle for ConnTimeout
// and tears it down when that echo goes unanswered for EchoTimeout.
func (s *Session) keepAlive(now time.Time) {
	s.mu.Lock()
	outstanding := !s.echoSent.IsZero()
	expired := outstanding && now.Sub(s.echoSent) > s.cfg.EchoTimeout
	sendEcho := !outstanding && now.Sub(s.lastRecv) >= s.cfg.ConnTimeout
	if sendEcho {
		s.echoSent = now
	}
	s.mu.Unlock()

	switch {
	case expired:
		s.teardown(fmt.Errorf("%w: no echo reply within %v", ErrConnectionLost, s.cfg.EchoTimeout))
	case sendEcho:
		observability.RecordSessionEvent("client", "echo")
		frames := protocol.EncodeSegmented(protocol.EchoRequest{}, s.order, false, s.segment)
		select {
		case s.out <- frames:
		default:
		}
	}
}

// teardown closes the socket once, fails every pending request with err
// and tells every attached listener.
func (s *Session) teardown(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		pending, creates, listeners := s.pending, s.creates, s.listeners
		s.pending = make(map[uint32]pendingRequest)
		s.creates = make(map[uint32]chan createResult)
		s.listeners = make(map[uint32]Listener)
		s.mu.Unlock()

		close(s.done)
		s.conn.Close()
		for _, p := range pending {
			p.h(nil, err)
		}
		for _, ch := range creates {
			ch <- createResult{err: err}
		}
		for _, l := range listeners {
			l.SessionLost(err)
		}

		reason := "lost"
		if errors.Is(err, ErrSessionClosed) {
			reason = "closed"
			s.logger.Debug().Msg("session closed")
		} else {
			s.logger.Warn().Err(err).Int("pending", len(pending)).Int("channels", len(listeners)).Msg("session lost")
		}
		observability.RecordSessionClosed("client", reason)
		if s.opts.onClose != nil {
			s.opts.onClose(s)
		}
	})
}
