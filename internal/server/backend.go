package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var ErrNoChannel = errors.New("server: channel does not exist")

// Backend serves channel values. Implementations must be safe for
// concurrent use; every connection calls into the same Backend.
type Backend interface {
	Has(name string) bool
	Get(ctx context.Context, name string) (any, error)
	Put(ctx context.Context, name string, v any) error
	// Subscribe streams values for name, starting with the current one.
	// The returned func stops the stream and closes the channel.
	Subscribe(ctx context.Context, name string) (<-chan any, func(), error)
}

// MemoryBackend keeps channel values in process.
type MemoryBackend struct {
	mu       sync.Mutex
	values   map[string]any
	watchers map[string]map[*watcher]struct{}
	onChange func()
	onDelete func(name string)
}

type watcher struct {
	ch     chan any
	closed bool
}

// NewMemoryBackend serves the given initial values.
func NewMemoryBackend(initial map[string]any) *MemoryBackend {
	b := &MemoryBackend{
		values:   make(map[string]any, len(initial)),
		watchers: make(map[string]map[*watcher]struct{}),
	}
	for name, v := range initial {
		b.values[name] = v
	}
	return b
}

// OnChange registers fn to run when the set of served names changes.
func (b *MemoryBackend) OnChange(fn func()) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

// OnDelete registers fn to run after Delete removes a channel.
func (b *MemoryBackend) OnDelete(fn func(name string)) {
	b.mu.Lock()
	b.onDelete = fn
	b.mu.Unlock()
}

func (b *MemoryBackend) Names() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.values))
	for name := range b.values {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (b *MemoryBackend) Has(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.values[name]
	return ok
}

func (b *MemoryBackend) Get(_ context.Context, name string) (any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.values[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoChannel, name)
	}
	return v, nil
}

// Put replaces the value of an existing channel and notifies watchers.
func (b *MemoryBackend) Put(_ context.Context, name string, v any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.values[name]; !ok {
		return fmt.Errorf("%w: %q", ErrNoChannel, name)
	}
	b.setLocked(name, v)
	return nil
}

// Set creates or replaces a channel.
func (b *MemoryBackend) Set(name string, v any) {
	b.mu.Lock()
	_, existed := b.values[name]
	b.setLocked(name, v)
	fn := b.onChange
	b.mu.Unlock()
	if !existed && fn != nil {
		fn()
	}
}

// Delete removes a channel and ends its subscriptions. It reports whether
// the channel existed.
func (b *MemoryBackend) Delete(name string) bool {
	b.mu.Lock()
	if _, ok := b.values[name]; !ok {
		b.mu.Unlock()
		return false
	}
	delete(b.values, name)
	for w := range b.watchers[name] {
		w.closed = true
		close(w.ch)
	}
	delete(b.watchers, name)
	changed, deleted := b.onChange, b.onDelete
	b.mu.Unlock()

	if deleted != nil {
		deleted(name)
	}
	if changed != nil {
		changed()
	}
	return true
}

func (b *MemoryBackend) setLocked(name string, v any) {
	b.values[name] = v
	for w := range b.watchers[name] {
		offer(w.ch, v)
	}
}

// Subscribe delivers the current value, then every later one. A slow
// reader only sees the newest value.
func (b *MemoryBackend) Subscribe(_ context.Context, name string) (<-chan any, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.values[name]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", ErrNoChannel, name)
	}
	w := &watcher{ch: make(chan any, 1)}
	w.ch <- v
	if b.watchers[name] == nil {
		b.watchers[name] = make(map[*watcher]struct{})
	}
	b.watchers[name][w] = struct{}{}
	stop := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if w.closed {
			return
		}
		w.closed = true
		delete(b.watchers[name], w)
		close(w.ch)
	}
	return w.ch, stop, nil
}

// offer replaces a pending value instead of blocking.
func offer(ch chan any, v any) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
