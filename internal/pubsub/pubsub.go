// Package pubsub provides in-process publish/subscribe primitives.
//
// Broadcaster is a plain multicast stream: subscribers only see values
// published after they subscribed. Value additionally holds the latest value
// and replays it to every new subscriber.
//
// Handlers run synchronously on the publishing goroutine, in subscription
// order, so the order of values within one stream is preserved. Handlers must
// not block.
package pubsub

import (
	"sort"
	"sync"
)

// Broadcaster fans values out to registered handlers.
type Broadcaster[T any] struct {
	mu     sync.RWMutex
	subs   map[uint64]func(T)
	nextID uint64
}

// Subscribe registers fn and returns a function that removes it. The returned
// function is safe to call more than once.
func (b *Broadcaster[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	b.mu.Lock()
	if b.subs == nil {
		b.subs = make(map[uint64]func(T))
	}
	b.nextID++
	id := b.nextID
	b.subs[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers v to every current subscriber.
func (b *Broadcaster[T]) Publish(v T) {
	for _, fn := range b.snapshot() {
		fn(v)
	}
}

// Len returns the number of subscribers.
func (b *Broadcaster[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Broadcaster[T]) snapshot() []func(T) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.subs) == 0 {
		return nil
	}
	ids := make([]uint64, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]func(T), len(ids))
	for i, id := range ids {
		out[i] = b.subs[id]
	}
	return out
}

// Value is a Broadcaster that remembers the last published value.
type Value[T any] struct {
	b Broadcaster[T]

	// emit serializes Set so subscribers observe values in the order they
	// were stored.
	emit sync.Mutex
	mu   sync.RWMutex
	cur  T
}

// NewValue returns a Value holding initial.
func NewValue[T any](initial T) *Value[T] {
	return &Value[T]{cur: initial}
}

// Get returns the current value.
func (v *Value[T]) Get() T {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.cur
}

// Set stores x and publishes it.
func (v *Value[T]) Set(x T) {
	v.emit.Lock()
	defer v.emit.Unlock()

	v.mu.Lock()
	v.cur = x
	v.mu.Unlock()

	v.b.Publish(x)
}

// Subscribe calls fn with the current value, then with every later value.
func (v *Value[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	v.emit.Lock()
	defer v.emit.Unlock()

	unsubscribe = v.b.Subscribe(fn)
	fn(v.Get())
	return unsubscribe
}

// Len returns the number of subscribers.
func (v *Value[T]) Len() int {
	return v.b.Len()
}
