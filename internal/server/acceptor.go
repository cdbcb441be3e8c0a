package server

import (
	"context"
	"errors"
	"net"
	"sort"
	"sync"

	"github.com/danmuck/pvagate/internal/auth"
	"github.com/danmuck/pvagate/internal/logging"
	"github.com/danmuck/pvagate/internal/protocol/session"
	"github.com/danmuck/pvagate/internal/protocol/value"
	"github.com/rs/zerolog"
)

var (
	ErrConnClosed   = errors.New("server: connection closed")
	ErrServerClosed = errors.New("server: shutting down")
)

type AcceptorOption func(*Acceptor)

func WithPolicy(p auth.Policy) AcceptorOption    { return func(a *Acceptor) { a.policy = p } }
func WithCodec(c value.Codec) AcceptorOption     { return func(a *Acceptor) { a.codec = c } }
func WithLogger(l zerolog.Logger) AcceptorOption { return func(a *Acceptor) { a.logger = l } }

// ConnInfo describes one accepted connection.
type ConnInfo struct {
	ID       string `json:"id"`
	Remote   string `json:"remote"`
	Identity string `json:"identity"`
	Channels int    `json:"channels"`
	Monitors int    `json:"monitors"`
}

// Acceptor serves validated sessions on a stream listener. Pass a TLS
// listener to serve TLS; x509 is offered only on those connections.
type Acceptor struct {
	cfg     session.Config
	backend Backend
	id      Identity
	policy  auth.Policy
	codec   value.Codec
	logger  zerolog.Logger

	mu    sync.Mutex
	conns map[*conn]struct{}
}

func NewAcceptor(cfg session.Config, backend Backend, id Identity, opts ...AcceptorOption) *Acceptor {
	a := &Acceptor{
		cfg:     cfg.WithDefaults(),
		backend: backend,
		id:      id,
		policy:  auth.DefaultPolicy(true),
		codec:   value.Default(),
		logger:  logging.For("acceptor"),
		conns:   make(map[*conn]struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Serve accepts connections until ctx is done. Open connections are closed
// when it returns.
func (a *Acceptor) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	a.logger.Info().Str("addr", ln.Addr().String()).Msg("accepting sessions")

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.handle(ctx, nc)
		}()
	}
}

func (a *Acceptor) handle(ctx context.Context, nc net.Conn) {
	c := newConn(a, nc)
	stop := context.AfterFunc(ctx, func() { c.teardown(ErrServerClosed) })
	defer stop()

	if err := c.handshake(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("handshake failed")
		c.teardown(err)
		return
	}
	a.mu.Lock()
	a.conns[c] = struct{}{}
	active := len(a.conns)
	a.mu.Unlock()
	c.logger.Info().Str("peer", c.peer.String()).Int("active", active).Msg("session accepted")
	defer func() {
		a.mu.Lock()
		delete(a.conns, c)
		a.mu.Unlock()
	}()

	go c.writeLoop()
	c.readLoop()
}

// Connections lists validated connections ordered by remote address.
func (a *Acceptor) Connections() []ConnInfo {
	a.mu.Lock()
	list := make([]*conn, 0, len(a.conns))
	for c := range a.conns {
		list = append(list, c)
	}
	a.mu.Unlock()
	out := make([]ConnInfo, 0, len(list))
	for _, c := range list {
		out = append(out, c.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Remote < out[j].Remote })
	return out
}

// DropChannel destroys every open channel named name on every connection
// and tells each client. It returns how many channels were dropped.
func (a *Acceptor) DropChannel(name string) int {
	a.mu.Lock()
	list := make([]*conn, 0, len(a.conns))
	for c := range a.conns {
		list = append(list, c)
	}
	a.mu.Unlock()
	n := 0
	for _, c := range list {
		n += c.drop(name)
	}
	if n > 0 {
		a.logger.Info().Str("channel", name).Int("dropped", n).Msg("channel removed")
	}
	return n
}
