package event

import (
	"fmt"
	"log/slog"
	"sync"
)

// Handler receives events from a Bus.
type Handler func(Event)

// Bus delivers published events to subscribers on a single dispatch
// goroutine. Events are delivered in publish order, and each event is
// delivered at most once to each subscriber registered when it is
// dispatched. Publish never blocks on slow handlers.
//
// Handlers may call Publish and Subscribe but must not call Close.
type Bus struct {
	mu     sync.Mutex
	queue  []Event
	subs   []subscription
	nextID uint64
	closed bool

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

type subscription struct {
	id uint64
	h  Handler
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger used to report handler panics.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

// NewBus creates a Bus and starts its dispatch goroutine.
// Call Close to stop it.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	go b.run()
	return b
}

func (b *Bus) log() *slog.Logger {
	if b.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return b.logger
}

// Publish queues e for delivery. Events published after Close are dropped.
func (b *Bus) Publish(e Event) {
	if e == nil {
		return
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.queue = append(b.queue, e)
	b.mu.Unlock()
	b.signal()
}

// Subscribe registers h and returns a function that removes it.
func (b *Bus) Subscribe(h Handler) (cancel func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, h: h})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Close stops accepting events, delivers everything already queued, and
// waits for the dispatch goroutine to exit.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()
		b.signal()
	})
	<-b.done
}

func (b *Bus) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *Bus) run() {
	defer close(b.done)
	for {
		b.mu.Lock()
		for len(b.queue) == 0 && !b.closed {
			b.mu.Unlock()
			<-b.wake
			b.mu.Lock()
		}
		if len(b.queue) == 0 {
			b.mu.Unlock()
			return
		}
		batch := b.queue
		b.queue = nil
		subs := make([]subscription, len(b.subs))
		copy(subs, b.subs)
		b.mu.Unlock()

		for _, e := range batch {
			for _, s := range subs {
				b.deliver(s.h, e)
			}
		}
	}
}

func (b *Bus) deliver(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log().Error("event handler panicked", "kind", e.Kind().String(), "panic", fmt.Sprint(r))
		}
	}()
	h(e)
}
