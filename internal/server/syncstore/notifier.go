package syncstore

import (
	"context"
	"sync"
)

// Change announces a committed write. A deleted account is announced with an
// empty Collection and Version 0.
type Change struct {
	UserID     string
	Collection string
	Version    int64
}

// Notifier receives a Change after each commit. Implementations must not
// block the writer for long.
type Notifier interface {
	Notify(ctx context.Context, c Change)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, c Change)

func (f NotifierFunc) Notify(ctx context.Context, c Change) { f(ctx, c) }

// Nop discards every change.
var Nop Notifier = NotifierFunc(func(context.Context, Change) {})

// Broadcaster fans changes out to subscriber channels. A subscriber whose
// buffer is full misses the change; writers never wait on readers.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[int]chan Change
	next   int
	closed bool
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan Change)}
}

// Subscribe registers a channel with the given buffer size. The returned
// cancel func unsubscribes and closes the channel.
func (b *Broadcaster) Subscribe(buffer int) (<-chan Change, func()) {
	ch := make(chan Change, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

func (b *Broadcaster) Notify(_ context.Context, c Change) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- c:
		default:
		}
	}
}

// Close closes every subscriber channel. Later Notify calls are no-ops.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
