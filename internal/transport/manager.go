package transport

import (
	"context"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/pvagate/internal/auth"
	"github.com/danmuck/pvagate/internal/clock"
	"github.com/danmuck/pvagate/internal/logging"
	"github.com/danmuck/pvagate/internal/protocol"
	"github.com/danmuck/pvagate/internal/protocol/session"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

type Option func(*Manager)

func WithClock(c clock.Clock) Option            { return func(m *Manager) { m.clock = c } }
func WithLogger(l zerolog.Logger) Option        { return func(m *Manager) { m.logger = l } }
func WithCredentials(c auth.Credentials) Option { return func(m *Manager) { m.creds = c } }
func WithSearchReplies(fn func(protocol.SearchReply, netip.AddrPort)) Option {
	return func(m *Manager) { m.onSearchReply = fn }
}

type entry struct {
	s    *Session
	refs int
}

// SessionInfo is a snapshot of one open session.
type SessionInfo struct {
	ID         string
	Endpoint   Endpoint
	Refs       int
	AuthMethod string
	Pending    int
}

// Manager shares one session per endpoint between every holder.
type Manager struct {
	cfg           session.Config
	clock         clock.Clock
	logger        zerolog.Logger
	creds         auth.Credentials
	onSearchReply func(protocol.SearchReply, netip.AddrPort)
	dials         singleflight.Group

	mu       sync.Mutex
	closed   bool
	sessions map[Endpoint]*entry
	forwards map[netip.AddrPort]*Session
}

func NewManager(cfg session.Config, opts ...Option) *Manager {
	cfg = cfg.WithDefaults()
	m := &Manager{
		cfg:    cfg,
		clock:  clock.Real{},
		logger: logging.For("transport"),
		creds: auth.Credentials{
			HasCert:     cfg.TLS.HasClientCert(),
			RequirePeer: cfg.TLS.RequirePeerCert,
		},
		sessions: make(map[Endpoint]*entry),
		forwards: make(map[netip.AddrPort]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire returns the open session for ep, dialling it if needed. Callers
// racing for the same endpoint share a single dial. Every successful
// Acquire must be paired with Release.
func (m *Manager) Acquire(ctx context.Context, ep Endpoint) (*Session, error) {
	if s, err := m.ref(ep); s != nil || err != nil {
		return s, err
	}
	_, err, _ := m.dials.Do(ep.String(), func() (any, error) {
		m.mu.Lock()
		if e := m.sessions[ep]; e != nil && !e.s.Closed() {
			m.mu.Unlock()
			return e.s, nil
		}
		m.mu.Unlock()

		s, err := dial(ctx, ep, m.cfg, sessionOptions{
			clock:         m.clock,
			logger:        m.logger,
			creds:         m.creds,
			onSearchReply: m.onSearchReply,
			onClose:       m.forget,
		})
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			s.Close()
			return nil, ErrManagerClosed
		}
		m.sessions[ep] = &entry{s: s}
		m.mu.Unlock()
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	if s, err := m.ref(ep); s != nil || err != nil {
		return s, err
	}
	return nil, ErrConnectionLost
}

func (m *Manager) ref(ep Endpoint) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	e := m.sessions[ep]
	if e == nil || e.s.Closed() {
		return nil, nil
	}
	e.refs++
	return e.s, nil
}

// Release drops one reference. The last release closes the session.
func (m *Manager) Release(s *Session) {
	if s == nil {
		return
	}
	m.mu.Lock()
	e := m.sessions[s.ep]
	if e == nil || e.s != s {
		m.mu.Unlock()
		return
	}
	e.refs--
	if e.refs > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, s.ep)
	m.mu.Unlock()
	s.Close()
}

func (m *Manager) forget(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.sessions[s.ep]; e != nil && e.s == s {
		delete(m.sessions, s.ep)
	}
	if m.forwards[s.ep.Addr] == s {
		delete(m.forwards, s.ep.Addr)
	}
}

// Forward sends a search request to a name server over a session the
// manager holds for as long as it stays open. Replies are passed to the
// WithSearchReplies callback. Calls for one server must not overlap.
func (m *Manager) Forward(ctx context.Context, server netip.AddrPort, req protocol.SearchRequest) error {
	m.mu.Lock()
	s := m.forwards[server]
	m.mu.Unlock()
	if s == nil || s.Closed() {
		var err error
		if s, err = m.Acquire(ctx, Endpoint{Addr: server}); err != nil {
			return err
		}
		m.mu.Lock()
		m.forwards[server] = s
		m.mu.Unlock()
	}
	return s.Send(ctx, req)
}

// Run sweeps every session for keep-alive until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	interval := m.cfg.ConnTimeout / 4
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-m.clock.After(interval):
			m.sweep(now)
		}
	}
}

func (m *Manager) sweep(now time.Time) {
	m.mu.Lock()
	open := make([]*Session, 0, len(m.sessions))
	for _, e := range m.sessions {
		open = append(open, e.s)
	}
	m.mu.Unlock()
	for _, s := range open {
		s.keepAlive(now)
	}
}

// Sessions lists open sessions ordered by endpoint.
func (m *Manager) Sessions() []SessionInfo {
	m.mu.Lock()
	out := make([]SessionInfo, 0, len(m.sessions))
	for ep, e := range m.sessions {
		out = append(out, SessionInfo{
			ID:         e.s.ID(),
			Endpoint:   ep,
			Refs:       e.refs,
			AuthMethod: e.s.AuthMethod(),
			Pending:    e.s.Outstanding(),
		})
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint.String() < out[j].Endpoint.String() })
	return out
}

// Close tears down every session. Later Acquire calls fail.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	open := make([]*Session, 0, len(m.sessions))
	for _, e := range m.sessions {
		open = append(open, e.s)
	}
	m.sessions = make(map[Endpoint]*entry)
	m.forwards = make(map[netip.AddrPort]*Session)
	m.mu.Unlock()
	for _, s := range open {
		s.Close()
	}
	return nil
}
