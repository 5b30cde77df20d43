// Package events provides a small typed publish/subscribe primitive used for
// queue, session and connection notifications.
package events

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Emitter delivers values of T to its listeners synchronously, in the order
// they subscribed. A panicking listener is logged and skipped; the remaining
// listeners still run.
type Emitter[T any] struct {
	mu        sync.RWMutex
	next      uint64
	listeners []listener[T]
	logger    zerolog.Logger
}

type listener[T any] struct {
	id uint64
	fn func(T)
}

func NewEmitter[T any](logger zerolog.Logger) *Emitter[T] {
	return &Emitter[T]{logger: logger}
}

// Subscribe registers fn and returns a function that removes it.
func (e *Emitter[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	e.mu.Lock()
	e.next++
	id := e.next
	e.listeners = append(e.listeners, listener[T]{id: id, fn: fn})
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { e.remove(id) })
	}
}

func (e *Emitter[T]) remove(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, l := range e.listeners {
		if l.id == id {
			e.listeners = append(e.listeners[:i:i], e.listeners[i+1:]...)
			return
		}
	}
}

// Emit calls every listener registered at the time of the call.
func (e *Emitter[T]) Emit(v T) {
	e.mu.RLock()
	snapshot := e.listeners
	e.mu.RUnlock()
	for _, l := range snapshot {
		e.call(l, v)
	}
}

func (e *Emitter[T]) call(l listener[T], v T) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Err(fmt.Errorf("panic: %v", r)).Uint64("listener", l.id).Msg("event listener panic recovered")
		}
	}()
	l.fn(v)
}

func (e *Emitter[T]) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners)
}
