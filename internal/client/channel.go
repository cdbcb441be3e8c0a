package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/danmuck/pvagate/internal/observability"
	"github.com/danmuck/pvagate/internal/protocol"
	"github.com/danmuck/pvagate/internal/search"
	"github.com/danmuck/pvagate/internal/transport"
	"github.com/rs/zerolog"
)

// Channel is one named channel. A lifecycle goroutine moves it between
// searching, connecting and connected until Close.
type Channel struct {
	client *Client
	name   string
	cid    uint32
	logger zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	exited chan struct{}

	mu       sync.Mutex
	state    State
	changed  chan struct{}
	searchID uint32
	sess     *transport.Session
	sid      uint32
	queue    []*ticket
	inflight map[*ticket]struct{}
	subs     map[*Subscription]struct{}
}

func newChannel(c *Client, name string, cid uint32) *Channel {
	ctx, cancel := context.WithCancel(c.ctx)
	return &Channel{
		client:   c,
		name:     name,
		cid:      cid,
		logger:   c.logger.With().Str("channel", name).Uint32("cid", cid).Logger(),
		ctx:      ctx,
		cancel:   cancel,
		exited:   make(chan struct{}),
		state:    StateSearching,
		changed:  make(chan struct{}),
		inflight: make(map[*ticket]struct{}),
		subs:     make(map[*Subscription]struct{}),
	}
}

func (ch *Channel) Name() string { return ch.name }

func (ch *Channel) State() State {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

func (ch *Channel) Info() ChannelInfo {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	info := ChannelInfo{Name: ch.name, CID: ch.cid, SID: ch.sid, State: ch.state}
	if ch.sess != nil {
		info.Endpoint = ch.sess.Endpoint().String()
	}
	return info
}

// setStateLocked moves to next and wakes WaitConnected callers. Closed is
// terminal.
func (ch *Channel) setStateLocked(next State) {
	if ch.state == StateClosed || ch.state == next {
		return
	}
	ch.logger.Debug().Str("from", ch.state.String()).Str("to", next.String()).Msg("channel state")
	ch.state = next
	close(ch.changed)
	ch.changed = make(chan struct{})
}

func (ch *Channel) setState(next State) {
	ch.mu.Lock()
	ch.setStateLocked(next)
	ch.mu.Unlock()
}

// WaitConnected blocks until the channel is connected, closed or ctx ends.
func (ch *Channel) WaitConnected(ctx context.Context) error {
	for {
		ch.mu.Lock()
		state, changed := ch.state, ch.changed
		ch.mu.Unlock()
		switch state {
		case StateConnected:
			return nil
		case StateClosed:
			return ErrClosed
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return protocol.ContextError(ctx)
		}
	}
}

// Close marks the channel closed, stops its subscriptions and waits for the
// lifecycle to destroy the server side and release the session.
func (ch *Channel) Close() error {
	ch.mu.Lock()
	ch.setStateLocked(StateClosed)
	subs := ch.subs
	ch.subs = make(map[*Subscription]struct{})
	ch.failQueuedLocked(ErrClosed)
	ch.mu.Unlock()

	for s := range subs {
		s.close()
	}
	ch.cancel()
	<-ch.exited
	return nil
}

func (ch *Channel) run() {
	defer close(ch.exited)
	defer ch.client.remove(ch)

	attempt := 0
	for {
		res, ok := ch.resolve()
		if !ok {
			ch.finish()
			return
		}
		ch.setState(StateConnecting)
		sess, lost, err := ch.connect(res)
		if err != nil {
			if ch.ctx.Err() != nil {
				ch.finish()
				return
			}
			attempt++
			ch.refused(err)
			if !ch.pause(ch.client.cfg.Backoff.Delay(attempt, nil)) {
				ch.finish()
				return
			}
			continue
		}
		attempt = 0

		select {
		case err := <-lost:
			ch.disconnected(err)
			ch.client.mgr.Release(sess)
		case <-ch.ctx.Done():
			ch.shutdown(sess)
			return
		}
	}
}

// resolve waits for the search engine to name a server.
func (ch *Channel) resolve() (search.Result, bool) {
	h := ch.client.engine.Search(ch.name)
	defer h.Cancel()
	ch.mu.Lock()
	ch.searchID = h.ID()
	ch.mu.Unlock()

	select {
	case res, ok := <-h.C():
		if !ok {
			ch.logger.Info().Msg("search cancelled")
			return search.Result{}, false
		}
		ch.logger.Debug().Str("server", res.Server.String()).Msg("channel resolved")
		return res, true
	case <-ch.ctx.Done():
		return search.Result{}, false
	}
}

// connect acquires a session to the resolved server and creates the
// channel on it. On success the channel is connected and lost reports the
// end of this attachment.
func (ch *Channel) connect(res search.Result) (*transport.Session, <-chan error, error) {
	ctx, cancel := context.WithTimeout(ch.ctx, ch.client.cfg.ConnectTimeout)
	defer cancel()

	mgr := ch.client.mgr
	sess, err := mgr.Acquire(ctx, transport.EndpointFor(res.Server, res.Protocol))
	if err != nil {
		return nil, nil, err
	}
	lost := make(chan error, 1)
	if err := sess.Attach(ch.cid, listener{lost: lost}); err != nil {
		mgr.Release(sess)
		return nil, nil, err
	}
	sid, err := sess.CreateChannel(ctx, ch.cid, ch.name)
	if err != nil {
		sess.Detach(ch.cid)
		mgr.Release(sess)
		return nil, nil, err
	}
	ch.connected(sess, sid)
	return sess, lost, nil
}

// connected flushes queued requests in submission order and restarts
// every subscription before the state becomes visible as connected.
func (ch *Channel) connected(sess *transport.Session, sid uint32) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.sess, ch.sid = sess, sid
	queue := ch.queue
	ch.queue = nil
	for _, t := range queue {
		ch.submitLocked(t)
	}
	for s := range ch.subs {
		ch.startMonitorLocked(s)
	}
	ch.setStateLocked(StateConnected)
	ch.logger.Info().Str("endpoint", sess.Endpoint().String()).Uint32("sid", sid).Msg("channel connected")
}

// refused handles a failed connect or create. A server refusal fails the
// queued requests with the typed status; either way the channel searches
// again.
func (ch *Channel) refused(err error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	var se *protocol.StatusError
	if errors.As(err, &se) {
		ch.failQueuedLocked(err)
	}
	ch.logger.Warn().Err(err).Msg("channel connect failed")
	ch.setStateLocked(StateSearching)
}

// disconnected ends the current attachment. Requests sent under it fail
// with err and their ids are released on the session, which may outlive
// the channel when the server destroyed only this channel.
func (ch *Channel) disconnected(err error) {
	ch.mu.Lock()
	ch.sess, ch.sid = nil, 0
	ch.setStateLocked(StateSearching)
	inflight := ch.inflight
	ch.inflight = make(map[*ticket]struct{})
	subs := make([]*Subscription, 0, len(ch.subs))
	for s := range ch.subs {
		subs = append(subs, s)
	}
	ch.mu.Unlock()

	ch.logger.Warn().Err(err).Int("inflight", len(inflight)).Msg("channel disconnected")
	for t := range inflight {
		t.cancel()
		t.h(nil, err)
	}
	for _, s := range subs {
		s.disconnected(err)
	}
}

// shutdown destroys the server side of a connected channel after Close.
func (ch *Channel) shutdown(sess *transport.Session) {
	ch.mu.Lock()
	sid := ch.sid
	ch.sess, ch.sid = nil, 0
	inflight := ch.inflight
	ch.inflight = make(map[*ticket]struct{})
	ch.mu.Unlock()

	for t := range inflight {
		t.cancel()
		t.h(nil, ErrClosed)
	}

	ctx, cancel := context.WithTimeout(context.Background(), ch.client.cfg.SendTimeout)
	defer cancel()
	if err := sess.DestroyChannel(ctx, sid, ch.cid); err != nil {
		ch.logger.Debug().Err(err).Msg("destroy channel not sent")
	}
	ch.client.mgr.Release(sess)
	ch.logger.Debug().Msg("channel closed")
}

func (ch *Channel) finish() {
	ch.mu.Lock()
	ch.setStateLocked(StateClosed)
	ch.failQueuedLocked(ErrClosed)
	ch.mu.Unlock()
}

func (ch *Channel) pause(d time.Duration) bool {
	select {
	case <-ch.client.clock.After(d):
		return true
	case <-ch.ctx.Done():
		return false
	}
}

func (ch *Channel) failQueuedLocked(err error) {
	queue := ch.queue
	ch.queue = nil
	for _, t := range queue {
		t.h(nil, err)
	}
}

// listener receives session events for one attachment of the channel.
type listener struct {
	lost chan error
}

func (l listener) ChannelDestroyed(uint32) { l.notify(ErrChannelDestroyed) }

func (l listener) SessionLost(err error) { l.notify(err) }

func (l listener) notify(err error) {
	select {
	case l.lost <- err:
	default:
	}
}

type result struct {
	msg protocol.Message
	err error
}

// ticket is one request, queued until the channel connects and then bound
// to the session and id it was sent under.
type ticket struct {
	ctx   context.Context
	build func(sid, ioid uint32) protocol.Message
	h     transport.Handler

	mu        sync.Mutex
	cancelled bool
	sess      *transport.Session
	ioid      uint32
}

func (t *ticket) bind(sess *transport.Session, ioid uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		sess.Cancel(ioid)
		return
	}
	t.sess, t.ioid = sess, ioid
}

func (t *ticket) cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelled = true
	if t.sess != nil {
		t.sess.Cancel(t.ioid)
	}
}

// submitLocked sends t on the current attachment and tracks it until its
// response arrives.
func (ch *Channel) submitLocked(t *ticket) {
	sess, sid := ch.sess, ch.sid
	ch.inflight[t] = struct{}{}
	ioid, err := sess.Submit(t.ctx, func(ioid uint32) protocol.Message { return t.build(sid, ioid) }, func(msg protocol.Message, err error) {
		ch.settle(t)
		t.h(msg, err)
	})
	if err != nil {
		delete(ch.inflight, t)
		t.h(nil, err)
		return
	}
	t.bind(sess, ioid)
}

func (ch *Channel) settle(t *ticket) {
	ch.mu.Lock()
	delete(ch.inflight, t)
	ch.mu.Unlock()
}

func (ch *Channel) issue(t *ticket) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	switch ch.state {
	case StateClosed:
		return ErrClosed
	case StateConnected:
		ch.submitLocked(t)
	default:
		ch.queue = append(ch.queue, t)
	}
	return nil
}

func (ch *Channel) abandon(t *ticket) {
	ch.mu.Lock()
	for i, q := range ch.queue {
		if q == t {
			ch.queue = append(ch.queue[:i], ch.queue[i+1:]...)
			break
		}
	}
	delete(ch.inflight, t)
	ch.mu.Unlock()
	t.cancel()
}

// roundTrip sends one request and waits for its response. A request that
// times out is removed from the session so a late reply is discarded.
func (ch *Channel) roundTrip(ctx context.Context, build func(sid, ioid uint32) protocol.Message) (protocol.Message, error) {
	rctx, cancel := ch.client.requestContext(ctx)
	defer cancel()

	done := make(chan result, 1)
	t := &ticket{
		ctx:   rctx,
		build: build,
		h: func(msg protocol.Message, err error) {
			select {
			case done <- result{msg: msg, err: err}:
			default:
			}
		},
	}
	if err := ch.issue(t); err != nil {
		return nil, err
	}
	select {
	case r := <-done:
		return r.msg, r.err
	case <-rctx.Done():
		ch.abandon(t)
		return nil, protocol.ContextError(rctx)
	}
}

// Get reads the channel's current value.
func (ch *Channel) Get(ctx context.Context) (v any, err error) {
	start := ch.client.clock.Now()
	defer func() { observability.RecordRequest("get", ch.client.clock.Now().Sub(start), err) }()

	msg, err := ch.roundTrip(ctx, func(sid, ioid uint32) protocol.Message {
		return protocol.GetRequest{SID: sid, IOID: ioid, Sub: protocol.SubGet | protocol.SubDestroy}
	})
	if err != nil {
		return nil, err
	}
	switch m := msg.(type) {
	case protocol.GetResponse:
		if err := m.Status.Err(protocol.CmdGet); err != nil {
			return nil, err
		}
		return ch.client.cfg.Codec.Unmarshal(m.Value)
	case protocol.ErrorMessage:
		return nil, m.Err(protocol.CmdGet)
	default:
		return nil, unexpected(protocol.CmdGet, msg)
	}
}

// Put writes v to the channel and waits for the server to acknowledge it.
func (ch *Channel) Put(ctx context.Context, v any) (err error) {
	start := ch.client.clock.Now()
	defer func() { observability.RecordRequest("put", ch.client.clock.Now().Sub(start), err) }()

	payload, err := ch.client.cfg.Codec.Marshal(v)
	if err != nil {
		return err
	}
	msg, err := ch.roundTrip(ctx, func(sid, ioid uint32) protocol.Message {
		return protocol.PutRequest{SID: sid, IOID: ioid, Sub: protocol.SubDestroy, Value: payload}
	})
	if err != nil {
		return err
	}
	switch m := msg.(type) {
	case protocol.PutResponse:
		return m.Status.Err(protocol.CmdPut)
	case protocol.ErrorMessage:
		return m.Err(protocol.CmdPut)
	default:
		return unexpected(protocol.CmdPut, msg)
	}
}

func unexpected(cmd protocol.Command, msg protocol.Message) error {
	return protocol.ErrorStatus("unexpected %s reply to %s", msg.Command(), cmd).Err(cmd)
}
