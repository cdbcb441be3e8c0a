package client

import (
	"context"
	"sync"

	"github.com/danmuck/pvagate/internal/protocol"
	"github.com/danmuck/pvagate/internal/transport"
)

// Event is one monitor delivery. Exactly one of Value, Disconnected and Err
// is meaningful; Overrun marks that older events were dropped before it.
type Event struct {
	Value        any
	Disconnected bool
	Overrun      bool
	Err          error
}

// Subscription streams value updates for a channel. It survives
// reconnects: a lost session delivers a Disconnected event and the monitor
// is re-established when the channel connects again.
type Subscription struct {
	ch  *Channel
	out chan Event

	mu     sync.Mutex
	closed bool
	sess   *transport.Session
	sid    uint32
	ioid   uint32
}

// Subscribe registers a monitor on the channel. It may be called before the
// channel connects. Starting the monitor is bounded by SendTimeout even
// when ctx has a later deadline, since the channel is locked meanwhile.
func (ch *Channel) Subscribe(ctx context.Context) (*Subscription, error) {
	s := &Subscription{ch: ch, out: make(chan Event, ch.client.cfg.MonitorQueueSize)}
	sctx, cancel := context.WithTimeout(ctx, ch.client.cfg.SendTimeout)
	defer cancel()

	ch.mu.Lock()
	defer ch.mu.Unlock()
	switch ch.state {
	case StateClosed:
		return nil, ErrClosed
	case StateConnected:
		if err := ch.startMonitorWith(sctx, s); err != nil {
			return nil, err
		}
	}
	ch.subs[s] = struct{}{}
	return s, nil
}

func (ch *Channel) startMonitorLocked(s *Subscription) {
	ctx, cancel := context.WithTimeout(ch.ctx, ch.client.cfg.SendTimeout)
	defer cancel()
	if err := ch.startMonitorWith(ctx, s); err != nil {
		s.deliver(Event{Err: err})
	}
}

func (ch *Channel) startMonitorWith(ctx context.Context, s *Subscription) error {
	sess, sid := ch.sess, ch.sid
	queue := uint32(ch.client.cfg.MonitorQueueSize)
	ioid, err := sess.Stream(ctx, func(ioid uint32) protocol.Message {
		return protocol.MonitorRequest{SID: sid, IOID: ioid, Sub: protocol.SubInit | protocol.SubStart, QueueSize: queue}
	}, s.handle)
	if err != nil {
		return err
	}
	s.bind(sess, sid, ioid)
	return nil
}

// C returns the event stream. It is closed by Cancel and Channel.Close.
func (s *Subscription) C() <-chan Event { return s.out }

// Cancel stops the subscription. No event is delivered after it returns.
func (s *Subscription) Cancel() {
	s.ch.mu.Lock()
	delete(s.ch.subs, s)
	s.ch.mu.Unlock()

	sess, sid, ioid := s.close()
	if sess == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.ch.client.cfg.SendTimeout)
	defer cancel()
	if err := sess.Send(ctx, protocol.MonitorRequest{SID: sid, IOID: ioid, Sub: protocol.SubDestroy}); err != nil {
		s.ch.logger.Debug().Err(err).Msg("monitor destroy not sent")
	}
}

// close marks the subscription closed, discards buffered events and
// returns the binding it held.
func (s *Subscription) close() (*transport.Session, uint32, uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, 0, 0
	}
	s.closed = true
	sess, sid, ioid := s.sess, s.sid, s.ioid
	s.sess = nil
	if sess != nil {
		sess.Cancel(ioid)
	}
	for len(s.out) > 0 {
		<-s.out
	}
	close(s.out)
	return sess, sid, ioid
}

func (s *Subscription) bind(sess *transport.Session, sid, ioid uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		sess.Cancel(ioid)
		return
	}
	s.sess, s.sid, s.ioid = sess, sid, ioid
}

// disconnected releases the monitor id on the old session, which stays
// open when only this channel was destroyed.
func (s *Subscription) disconnected(err error) {
	s.mu.Lock()
	if s.sess != nil {
		s.sess.Cancel(s.ioid)
		s.sess = nil
	}
	s.mu.Unlock()
	s.deliver(Event{Disconnected: true, Err: err})
}

// handle runs on the session reader. Session loss is reported by the
// channel, so errors here are ignored.
func (s *Subscription) handle(msg protocol.Message, err error) {
	if err != nil {
		return
	}
	switch m := msg.(type) {
	case protocol.MonitorUpdate:
		if err := m.Status.Err(protocol.CmdMonitor); err != nil {
			s.deliver(Event{Err: err})
			return
		}
		if m.Value == nil {
			return
		}
		v, err := s.ch.client.cfg.Codec.Unmarshal(m.Value)
		if err != nil {
			s.deliver(Event{Err: err})
			return
		}
		s.deliver(Event{Value: v})
	case protocol.ErrorMessage:
		if err := m.Err(protocol.CmdMonitor); err != nil {
			s.deliver(Event{Err: err})
		}
	}
}

// deliver queues ev, dropping the oldest event when the queue is full.
func (s *Subscription) deliver(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.out <- ev:
		return
	default:
	}
	select {
	case <-s.out:
	default:
	}
	ev.Overrun = true
	select {
	case s.out <- ev:
	default:
	}
}
