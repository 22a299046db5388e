// Package event provides a typed multicast notification channel.
package event

import "sync"

type subscriber[T any] struct {
	id uint64
	fn func(T)
}

// Emitter fans a value out to every subscriber, in subscription order.
// The zero value is ready to use.
type Emitter[T any] struct {
	mu     sync.Mutex
	subs   []subscriber[T]
	nextID uint64
	closed bool
}

// Subscribe registers fn and returns a func that removes it again.
// Subscribing to a closed emitter is a no-op.
func (e *Emitter[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return func() {}
	}
	e.nextID++
	id := e.nextID
	e.subs = append(e.subs, subscriber[T]{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() { e.remove(id) })
	}
}

func (e *Emitter[T]) remove(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, s := range e.subs {
		if s.id == id {
			e.subs = append(e.subs[:i:i], e.subs[i+1:]...)
			return
		}
	}
}

// Emit calls every current subscriber synchronously. Subscribers may
// subscribe, unsubscribe or emit again from inside the callback.
func (e *Emitter[T]) Emit(v T) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	subs := make([]subscriber[T], len(e.subs))
	copy(subs, e.subs)
	e.mu.Unlock()

	for _, s := range subs {
		s.fn(v)
	}
}

// Len returns the number of subscribers.
func (e *Emitter[T]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}

// Close drops all subscribers. Later Emit and Subscribe calls do nothing.
func (e *Emitter[T]) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.subs = nil
}
