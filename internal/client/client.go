// Package client is the upward API: applications search for channels by
// name and then get, put and subscribe. Each Channel runs its own lifecycle
// through searching, connecting and connected until it is closed.
package client

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/pvagate/internal/clock"
	"github.com/danmuck/pvagate/internal/logging"
	"github.com/danmuck/pvagate/internal/protocol"
	"github.com/danmuck/pvagate/internal/protocol/session"
	"github.com/danmuck/pvagate/internal/protocol/value"
	"github.com/danmuck/pvagate/internal/search"
	"github.com/danmuck/pvagate/internal/settings"
	"github.com/danmuck/pvagate/internal/transport"
	"github.com/rs/zerolog"
)

var (
	// ErrTimeout is returned when a request outlives its deadline. The
	// channel stays usable.
	ErrTimeout = protocol.ErrTimeout
	ErrClosed  = errors.New("client: channel closed")

	// ErrChannelDestroyed fails requests in flight when the server drops
	// the channel. The channel searches again.
	ErrChannelDestroyed = fmt.Errorf("client: channel destroyed by server: %w", protocol.ErrConnectionLost)
)

type Config struct {
	// SendTimeout bounds requests whose context has no deadline.
	SendTimeout      time.Duration
	ConnectTimeout   time.Duration
	MonitorQueueSize int
	// Backoff paces retries after a failed connect or create.
	Backoff session.BackoffConfig
	Codec   value.Codec
}

func DefaultConfig() Config {
	return Config{
		SendTimeout:      5 * time.Second,
		ConnectTimeout:   10 * time.Second,
		MonitorQueueSize: 16,
		Backoff:          session.DefaultConfig().Backoff,
		Codec:            value.Default(),
	}
}

func ConfigFrom(s *settings.Settings) Config {
	sc := s.Session()
	return Config{
		SendTimeout:      s.SendTimeout,
		ConnectTimeout:   sc.ConnectTimeout + sc.HandshakeTimeout,
		MonitorQueueSize: s.MonitorQueueSize,
		Backoff:          sc.Backoff,
		Codec:            value.Default(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SendTimeout <= 0 {
		c.SendTimeout = d.SendTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.MonitorQueueSize < 1 {
		c.MonitorQueueSize = d.MonitorQueueSize
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = d.Backoff
	}
	if c.Codec == nil {
		c.Codec = d.Codec
	}
	return c
}

type Option func(*Client)

func WithClock(c clock.Clock) Option     { return func(cl *Client) { cl.clock = c } }
func WithLogger(l zerolog.Logger) Option { return func(cl *Client) { cl.logger = l } }

// ChannelInfo is a snapshot of one channel.
type ChannelInfo struct {
	Name     string `json:"name"`
	CID      uint32 `json:"cid"`
	SID      uint32 `json:"sid,omitempty"`
	State    State  `json:"state"`
	Endpoint string `json:"endpoint,omitempty"`
}

type Client struct {
	cfg    Config
	engine *search.Engine
	mgr    *transport.Manager
	clock  clock.Clock
	logger zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	stop   func() error

	mu       sync.Mutex
	closed   bool
	nextCID  uint32
	channels map[uint32]*Channel
}

// New builds a client over an existing search engine and session manager.
// The caller runs the engine and manager; Open wires everything from
// settings.
func New(cfg Config, engine *search.Engine, mgr *transport.Manager, opts ...Option) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:      cfg.withDefaults(),
		engine:   engine,
		mgr:      mgr,
		clock:    clock.Real{},
		logger:   logging.For("client"),
		ctx:      ctx,
		cancel:   cancel,
		channels: make(map[uint32]*Channel),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Search creates a channel for name and starts resolving it.
func (c *Client) Search(name string) *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextCID++
	for c.nextCID == 0 || c.channels[c.nextCID] != nil {
		c.nextCID++
	}
	ch := newChannel(c, name, c.nextCID)
	if c.closed {
		ch.state = StateClosed
		ch.cancel()
		close(ch.exited)
		return ch
	}
	c.channels[ch.cid] = ch
	go ch.run()
	return ch
}

func (c *Client) Get(ctx context.Context, ch *Channel) (any, error) { return ch.Get(ctx) }
func (c *Client) Put(ctx context.Context, ch *Channel, v any) error { return ch.Put(ctx, v) }

func (c *Client) Subscribe(ctx context.Context, ch *Channel) (*Subscription, error) {
	return ch.Subscribe(ctx)
}

func (c *Client) CloseChannel(ch *Channel) error { return ch.Close() }

func (c *Client) remove(ch *Channel) {
	c.mu.Lock()
	if c.channels[ch.cid] == ch {
		delete(c.channels, ch.cid)
	}
	c.mu.Unlock()
}

// Channels lists open channels ordered by cid.
func (c *Client) Channels() []ChannelInfo {
	c.mu.Lock()
	list := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		list = append(list, ch)
	}
	c.mu.Unlock()
	out := make([]ChannelInfo, 0, len(list))
	for _, ch := range list {
		out = append(out, ch.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CID < out[j].CID })
	return out
}

// Sessions lists the sessions the client holds.
func (c *Client) Sessions() []transport.SessionInfo { return c.mgr.Sessions() }

// ServerList asks every reachable server to identify itself.
func (c *Client) ServerList(ctx context.Context, wait time.Duration) ([]search.ServerInfo, error) {
	return c.engine.ServerList(ctx, wait)
}

// Close closes every channel and, when the client was opened from
// settings, stops its workers and sockets.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	list := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		list = append(list, ch)
	}
	c.mu.Unlock()

	for _, ch := range list {
		ch.Close()
	}
	c.cancel()
	if c.stop != nil {
		return c.stop()
	}
	return nil
}

// requestContext applies SendTimeout when ctx carries no deadline.
func (c *Client) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.cfg.SendTimeout)
}
