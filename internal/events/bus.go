// Package events fans typed notifications out to subscribers.
package events

import (
	"runtime/debug"
	"sync"

	"github.com/johndauphine/fitsync-migrate/internal/logging"
)

// Bus delivers values of type T to every current subscriber, in
// subscription order. A panicking subscriber is logged and skipped.
type Bus[T any] struct {
	name string
	mu   sync.RWMutex
	next uint64
	subs []subscriber[T]
}

type subscriber[T any] struct {
	id uint64
	fn func(T)
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Unsubscribe detaches the callback. Calling it more than once is harmless.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

// NewBus creates a bus; name only appears in log messages.
func NewBus[T any](name string) *Bus[T] {
	return &Bus[T]{name: name}
}

// Subscribe registers fn.
func (b *Bus[T]) Subscribe(fn func(T)) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	id := b.next
	b.subs = append(b.subs, subscriber[T]{id: id, fn: fn})
	return &Subscription{cancel: func() { b.remove(id) }}
}

func (b *Bus[T]) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Len returns the number of subscribers.
func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish calls each subscriber with v. Subscribers added or removed during
// delivery take effect on the next Publish.
func (b *Bus[T]) Publish(v T) {
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(s, v)
	}
}

func (b *Bus[T]) deliver(s subscriber[T], v T) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("%s subscriber panicked: %v\n%s", b.name, r, debug.Stack())
		}
	}()
	s.fn(v)
}
